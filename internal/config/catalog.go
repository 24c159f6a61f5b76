// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"os"

	"github.com/jeranaias/openyap/internal/model"
	"gopkg.in/yaml.v3"
)

// catalogFile is the YAML layout of a model catalog file.
//
//	models:
//	  - id: openai/gpt-4o-mini
//	    name: GPT-4o mini
//	    provider: openrouter
//	    context_length: 128000
//	    prompt_price: 0.15
//	    completion_price: 0.6
type catalogFile struct {
	Models []model.ModelInfo `yaml:"models"`
}

// LoadCatalogFile parses and validates a YAML model catalog.
func LoadCatalogFile(path string) ([]model.ModelInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}

	errs := validateCatalog(f.Models)
	if len(f.Models) == 0 {
		errs = append(errs, ValidationError{Field: "models", Message: "catalog is empty"})
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid catalog %s: %w", path, errs)
	}
	return f.Models, nil
}

func validateCatalog(models []model.ModelInfo) ValidateErrors {
	var errs ValidateErrors
	seen := make(map[string]bool)
	for i, m := range models {
		field := fmt.Sprintf("models.catalog[%d]", i)
		if m.ID == "" {
			errs = append(errs, ValidationError{Field: field, Message: "id is required"})
			continue
		}
		if seen[m.ID] {
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("duplicate model id '%s'", m.ID)})
		}
		seen[m.ID] = true
		switch m.Provider {
		case model.ProviderOpenRouter, model.ProviderOllama, model.ProviderGemini:
		default:
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("unknown provider '%s'", m.Provider)})
		}
		if m.PromptPrice < 0 || m.CompletionPrice < 0 {
			errs = append(errs, ValidationError{Field: field, Message: "prices must not be negative"})
		}
	}
	return errs
}

// Catalog builds the model catalog from the configured file, the inline
// list, or the built-in default catalog, in that order.
func (c *Config) Catalog() (*model.Catalog, error) {
	if c.Models.File != "" {
		models, err := LoadCatalogFile(c.Models.File)
		if err != nil {
			return nil, err
		}
		return model.NewCatalog(models), nil
	}
	if len(c.Models.Catalog) > 0 {
		return model.NewCatalog(c.Models.Catalog), nil
	}
	return model.NewCatalog(model.DefaultCatalog), nil
}
