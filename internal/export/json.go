// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"
	"time"

	"github.com/jeranaias/openyap/internal/model"
)

// =============================================================================
// JSON EXPORTER
// =============================================================================

// JSONExporter exports conversations to JSON format.
// Messages are always complete; IncludeReasoning decides whether reasoning
// text is kept.
type JSONExporter struct {
	options *Options
}

// NewJSONExporter creates a new JSON exporter.
func NewJSONExporter(opts *Options) *JSONExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &JSONExporter{options: opts}
}

// jsonDocument is the exported shape.
type jsonDocument struct {
	Thread     *model.Thread    `json:"thread"`
	Messages   []*model.Message `json:"messages"`
	Usage      model.Usage      `json:"usage"`
	ExportedAt time.Time        `json:"exported_at"`
	Generator  string           `json:"generator"`
}

// Export converts a conversation to JSON format.
func (e *JSONExporter) Export(conv *Conversation) ([]byte, error) {
	if err := validate(conv); err != nil {
		return nil, err
	}

	messages := conv.Messages
	if !e.options.IncludeReasoning {
		messages = make([]*model.Message, len(conv.Messages))
		for i, m := range conv.Messages {
			c := *m
			c.Reasoning = ""
			messages[i] = &c
		}
	}
	if messages == nil {
		messages = []*model.Message{}
	}

	return json.MarshalIndent(jsonDocument{
		Thread:     conv.Thread,
		Messages:   messages,
		Usage:      conv.TotalUsage(),
		ExportedAt: e.options.now(),
		Generator:  "openyap",
	}, "", "  ")
}

// FileExtension returns the file extension for JSON.
func (e *JSONExporter) FileExtension() string {
	return ".json"
}

// MimeType returns the MIME type for JSON.
func (e *JSONExporter) MimeType() string {
	return "application/json"
}
