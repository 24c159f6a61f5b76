// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"
	"sort"
	"strings"
)

// Provider names used in the catalog.
const (
	ProviderOpenRouter = "openrouter"
	ProviderOllama     = "ollama"
	ProviderGemini     = "gemini"
)

// =============================================================================
// MODEL INFO TYPE
// =============================================================================

// ModelInfo contains detailed information about a model offered to users.
type ModelInfo struct {
	// ID is the identifier clients send when choosing a model
	ID string `json:"id" yaml:"id" toml:"id"`

	// Name is the human-readable display name
	Name string `json:"name" yaml:"name" toml:"name"`

	// Provider is the backend that serves the model (openrouter, ollama, gemini)
	Provider string `json:"provider" yaml:"provider" toml:"provider"`

	// Upstream is the model name sent to the provider; defaults to ID
	Upstream string `json:"-" yaml:"upstream,omitempty" toml:"upstream"`

	// ContextLength is the maximum context window size in tokens
	ContextLength int `json:"context_length" yaml:"context_length" toml:"context_length"`

	// Reasoning is true when the model can emit reasoning tokens
	Reasoning bool `json:"reasoning" yaml:"reasoning" toml:"reasoning"`

	// Vision is true when the model accepts image inputs
	Vision bool `json:"vision" yaml:"vision" toml:"vision"`

	// PromptPrice and CompletionPrice are USD per million tokens
	PromptPrice     float64 `json:"prompt_price" yaml:"prompt_price" toml:"prompt_price"`
	CompletionPrice float64 `json:"completion_price" yaml:"completion_price" toml:"completion_price"`

	// Description is a brief explanation of the model's strengths
	Description string `json:"description,omitempty" yaml:"description,omitempty" toml:"description"`
}

// UpstreamModel returns the model name to send to the provider.
func (m ModelInfo) UpstreamModel() string {
	if m.Upstream != "" {
		return m.Upstream
	}
	return m.ID
}

// IsFree reports whether the model has no per-token cost.
func (m ModelInfo) IsFree() bool {
	return m.PromptPrice == 0 && m.CompletionPrice == 0
}

// CostMicros returns the cost of usage in millionths of a dollar.
// Prices are per million tokens, so price * tokens is already in micro-dollars.
func (m ModelInfo) CostMicros(u Usage) int64 {
	completion := u.CompletionTokens
	// Reasoning tokens are billed as output when the provider reports them
	// separately from completion tokens.
	if u.ReasoningTokens > 0 && u.TotalTokens > u.PromptTokens+u.CompletionTokens {
		completion += u.ReasoningTokens
	}
	cost := m.PromptPrice*float64(u.PromptTokens) + m.CompletionPrice*float64(completion)
	return int64(cost + 0.5)
}

// =============================================================================
// MODEL INFO METHODS
// =============================================================================

// CapabilitiesString returns a comma-separated list of model capabilities.
func (m ModelInfo) CapabilitiesString() string {
	caps := []string{}

	if m.ContextLength >= 100000 {
		caps = append(caps, "Long context")
	} else if m.ContextLength >= 32000 {
		caps = append(caps, "Extended context")
	}

	if m.Reasoning {
		caps = append(caps, "Reasoning")
	}
	if m.Vision {
		caps = append(caps, "Vision")
	}

	if m.IsFree() {
		if m.Provider == ProviderOllama {
			caps = append(caps, "Free (local)")
		} else {
			caps = append(caps, "Free")
		}
	}

	if len(caps) == 0 {
		return "General purpose"
	}

	return strings.Join(caps, ", ")
}

// CostString returns a formatted cost string.
// Returns "Free" for models without pricing, otherwise input/output per 1M tokens.
func (m ModelInfo) CostString() string {
	if m.IsFree() {
		return "Free"
	}
	return fmt.Sprintf("$%.2f/$%.2f per 1M", m.PromptPrice, m.CompletionPrice)
}

// ContextString returns a formatted context window string.
func (m ModelInfo) ContextString() string {
	if m.ContextLength <= 0 {
		return "unknown"
	}
	if m.ContextLength >= 1000000 {
		return fmt.Sprintf("%.1fM tokens", float64(m.ContextLength)/1000000)
	}
	if m.ContextLength >= 1000 {
		return fmt.Sprintf("%dK tokens", m.ContextLength/1000)
	}
	return fmt.Sprintf("%d tokens", m.ContextLength)
}

// =============================================================================
// CATALOG
// =============================================================================

// DefaultCatalog is the model list used when no catalog is configured.
var DefaultCatalog = []ModelInfo{
	{
		ID:              "openai/gpt-4o-mini",
		Name:            "GPT-4o mini",
		Provider:        ProviderOpenRouter,
		ContextLength:   128000,
		Vision:          true,
		PromptPrice:     0.15,
		CompletionPrice: 0.60,
		Description:     "Fast and inexpensive general model",
	},
	{
		ID:              "anthropic/claude-sonnet-4",
		Name:            "Claude Sonnet 4",
		Provider:        ProviderOpenRouter,
		ContextLength:   200000,
		Reasoning:       true,
		Vision:          true,
		PromptPrice:     3,
		CompletionPrice: 15,
		Description:     "Best balance of speed and capability",
	},
	{
		ID:              "deepseek/deepseek-r1",
		Name:            "DeepSeek R1",
		Provider:        ProviderOpenRouter,
		ContextLength:   64000,
		Reasoning:       true,
		PromptPrice:     0.55,
		CompletionPrice: 2.19,
		Description:     "Open reasoning model",
	},
	{
		ID:              "gemini/gemini-2.5-flash",
		Name:            "Gemini 2.5 Flash",
		Provider:        ProviderGemini,
		Upstream:        "gemini-2.5-flash",
		ContextLength:   1048576,
		Reasoning:       true,
		Vision:          true,
		PromptPrice:     0.30,
		CompletionPrice: 2.50,
		Description:     "Thinking model with a very long context",
	},
	{
		ID:            "ollama/qwen3:8b",
		Name:          "Qwen3 8B (local)",
		Provider:      ProviderOllama,
		Upstream:      "qwen3:8b",
		ContextLength: 32768,
		Reasoning:     true,
		Description:   "Local reasoning model served by Ollama",
	},
}

// Catalog is an immutable lookup table of models.
type Catalog struct {
	models []ModelInfo
	byID   map[string]ModelInfo
}

// NewCatalog builds a catalog from models. Later duplicates replace earlier ones.
func NewCatalog(models []ModelInfo) *Catalog {
	c := &Catalog{byID: make(map[string]ModelInfo, len(models))}
	for _, m := range models {
		if m.ID == "" {
			continue
		}
		if _, dup := c.byID[m.ID]; !dup {
			c.models = append(c.models, m)
		} else {
			for i := range c.models {
				if c.models[i].ID == m.ID {
					c.models[i] = m
				}
			}
		}
		c.byID[m.ID] = m
	}
	return c
}

// Lookup returns the model with the given ID.
func (c *Catalog) Lookup(id string) (ModelInfo, bool) {
	if c == nil {
		return ModelInfo{}, false
	}
	m, ok := c.byID[id]
	return m, ok
}

// List returns the models in catalog order.
func (c *Catalog) List() []ModelInfo {
	if c == nil {
		return nil
	}
	out := make([]ModelInfo, len(c.models))
	copy(out, c.models)
	return out
}

// ByProvider returns the models served by provider, sorted by ID.
func (c *Catalog) ByProvider(provider string) []ModelInfo {
	result := []ModelInfo{}
	if c == nil {
		return result
	}
	lowerProvider := strings.ToLower(provider)
	for _, m := range c.models {
		if strings.ToLower(m.Provider) == lowerProvider {
			result = append(result, m)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Len returns the number of models.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.models)
}
