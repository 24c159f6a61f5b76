// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jeranaias/openyap/internal/model"
)

// Resolved is a model ID bound to the provider that serves it.
type Resolved struct {
	Provider Provider
	Info     model.ModelInfo
}

// Upstream returns the model name to put in the provider request.
func (r Resolved) Upstream() string {
	return r.Info.UpstreamModel()
}

// Registry maps model IDs to providers. The catalog can be swapped at
// runtime when the model file changes; it is safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	catalog      *model.Catalog
	providers    map[string]Provider
	defaultModel string
}

// NewRegistry creates a registry over catalog. defaultModel is used when a
// request does not name a model; if it is not in the catalog the first
// catalog entry is used instead.
func NewRegistry(catalog *model.Catalog, defaultModel string) *Registry {
	return &Registry{
		catalog:      catalog,
		providers:    make(map[string]Provider),
		defaultModel: defaultModel,
	}
}

// Register adds a provider under its Name, replacing any previous one.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Provider returns the registered provider with the given name.
func (r *Registry) Provider(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Providers returns the names of the registered providers, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetCatalog replaces the model catalog.
func (r *Registry) SetCatalog(c *model.Catalog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalog = c
}

// DefaultModel returns the model ID used when none is requested.
func (r *Registry) DefaultModel() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultModelLocked()
}

func (r *Registry) defaultModelLocked() string {
	if _, ok := r.catalog.Lookup(r.defaultModel); ok {
		return r.defaultModel
	}
	if list := r.catalog.List(); len(list) > 0 {
		return list[0].ID
	}
	return r.defaultModel
}

// Models returns the catalog entries whose provider is registered.
func (r *Registry) Models() []model.ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.ModelInfo
	for _, m := range r.catalog.List() {
		if _, ok := r.providers[m.Provider]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Resolve finds the provider for modelID. Catalog entries win; otherwise
// the ID is routed by prefix: "ollama/<name>" and "gemini/<name>" go to
// those providers with the prefix stripped, any other "vendor/name" goes
// to OpenRouter unchanged.
func (r *Registry) Resolve(modelID string) (Resolved, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		modelID = r.defaultModelLocked()
	}

	info, ok := r.catalog.Lookup(modelID)
	if !ok {
		info, ok = routeByPrefix(modelID)
		if !ok {
			return Resolved{}, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
		}
	}

	p, ok := r.providers[info.Provider]
	if !ok {
		return Resolved{}, fmt.Errorf("%w: %s (model %s)", ErrNotConfigured, info.Provider, modelID)
	}
	return Resolved{Provider: p, Info: info}, nil
}

// CostMicros prices usage for modelID using catalog prices. Unknown models
// cost nothing.
func (r *Registry) CostMicros(modelID string, u model.Usage) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.catalog.Lookup(modelID)
	if !ok {
		return 0
	}
	return info.CostMicros(u)
}

func routeByPrefix(id string) (model.ModelInfo, bool) {
	prefix, name, found := strings.Cut(id, "/")
	if !found || prefix == "" || name == "" {
		return model.ModelInfo{}, false
	}
	info := model.ModelInfo{ID: id, Name: id}
	switch prefix {
	case model.ProviderOllama:
		info.Provider = model.ProviderOllama
		info.Upstream = name
	case model.ProviderGemini:
		info.Provider = model.ProviderGemini
		info.Upstream = name
	default:
		info.Provider = model.ProviderOpenRouter
	}
	return info, true
}
