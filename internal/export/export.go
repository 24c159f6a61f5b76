// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/openyap/internal/model"
)

// ErrUnknownFormat is returned by ForFormat for unsupported formats.
var ErrUnknownFormat = errors.New("unsupported export format")

// =============================================================================
// EXPORT INTERFACE
// =============================================================================

// Conversation is a thread with its messages in order.
type Conversation struct {
	Thread   *model.Thread
	Messages []*model.Message
}

// TotalUsage sums the usage of every assistant message.
func (c *Conversation) TotalUsage() model.Usage {
	var total model.Usage
	for _, m := range c.Messages {
		if m.Role == model.RoleAssistant {
			total = total.Add(m.Usage)
		}
	}
	return total
}

// Exporter defines the interface for conversation exporters.
type Exporter interface {
	// Export converts a conversation to the target format and returns the content.
	Export(conv *Conversation) ([]byte, error)

	// FileExtension returns the appropriate file extension (e.g., ".md", ".html").
	FileExtension() string

	// MimeType returns the MIME type for the exported format.
	MimeType() string
}

// =============================================================================
// EXPORT OPTIONS
// =============================================================================

// Options configures export behavior.
type Options struct {
	// IncludeMetadata includes metadata header (dates, model, usage).
	IncludeMetadata bool

	// IncludeTimestamps includes per-message timestamps.
	IncludeTimestamps bool

	// IncludeReasoning includes the model's reasoning text.
	IncludeReasoning bool

	// Theme for HTML export ("light" or "dark").
	// Default: "dark"
	Theme string

	// Now stamps the export; zero uses the current time.
	Now time.Time
}

// DefaultOptions returns default export options.
func DefaultOptions() *Options {
	return &Options{
		IncludeMetadata:   true,
		IncludeTimestamps: true,
		Theme:             "dark",
	}
}

func (o *Options) now() time.Time {
	if o.Now.IsZero() {
		return time.Now().UTC()
	}
	return o.Now
}

// ForFormat returns the exporter for a format name: markdown (md), html
// (htm) or json.
func ForFormat(format string, opts *Options) (Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "markdown", "md":
		return NewMarkdownExporter(opts), nil
	case "html", "htm":
		return NewHTMLExporter(opts), nil
	case "json":
		return NewJSONExporter(opts), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
}

// Filename builds a download name for conv in the exporter's format.
func Filename(conv *Conversation, exporter Exporter) string {
	return fmt.Sprintf("thread_%s_%s%s",
		sanitizeFilename(conv.Thread.DisplayTitle()),
		conv.Thread.CreatedAt.UTC().Format("20060102_150405"),
		exporter.FileExtension(),
	)
}

// validate rejects conversations that cannot be rendered.
func validate(conv *Conversation) error {
	if conv == nil || conv.Thread == nil {
		return errors.New("conversation is nil")
	}
	if conv.Thread.CreatedAt.IsZero() {
		return errors.New("conversation has invalid creation timestamp")
	}
	return nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// sanitizeFilename removes or replaces characters that are invalid in filenames.
func sanitizeFilename(s string) string {
	// Limit length
	maxLen := 50
	runes := []rune(s)
	if len(runes) > maxLen {
		s = string(runes[:maxLen])
	}

	// Replace problematic characters (Windows and Unix)
	replacer := map[rune]rune{
		'/':  '-',
		'\\': '-',
		':':  '-',
		'*':  '-',
		'?':  '-',
		'"':  '-',
		'<':  '-',
		'>':  '-',
		'|':  '-',
		' ':  '_',
		'\t': '_',
		'\n': '_',
		'\r': '_',
	}

	result := []rune{}
	for _, r := range s {
		if replacement, found := replacer[r]; found {
			result = append(result, replacement)
		} else if r < 32 || r == 127 {
			result = append(result, '-')
		} else {
			result = append(result, r)
		}
	}

	if len(result) == 0 {
		return "thread"
	}
	return string(result)
}

// statusNote describes a message that did not complete normally.
func statusNote(m *model.Message) string {
	switch m.Status {
	case model.StatusAborted:
		if m.Error != "" {
			return "Stopped: " + m.Error
		}
		return "Stopped"
	case model.StatusError:
		if m.Error != "" {
			return "Failed: " + m.Error
		}
		return "Failed"
	case model.StatusPending, model.StatusStreaming:
		return "Still generating"
	default:
		return ""
	}
}

// formatUsage summarises token usage for display.
func formatUsage(u model.Usage) string {
	if u.IsZero() {
		return ""
	}
	parts := []string{fmt.Sprintf("Tokens: %d in / %d out", u.PromptTokens, u.CompletionTokens)}
	if u.ReasoningTokens > 0 {
		parts = append(parts, fmt.Sprintf("Reasoning: %d", u.ReasoningTokens))
	}
	if u.CostMicros > 0 {
		parts = append(parts, fmt.Sprintf("Cost: $%.4f", float64(u.CostMicros)/1e6))
	}
	return strings.Join(parts, " | ")
}

// formatTimestamp formats a timestamp for display.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

// formatShortTimestamp formats a timestamp for inline display.
func formatShortTimestamp(t time.Time) string {
	return t.UTC().Format("15:04:05")
}

// roleLabel returns a formatted label for the message role.
func roleLabel(role model.Role) string {
	switch role {
	case model.RoleUser:
		return "User"
	case model.RoleAssistant:
		return "Assistant"
	case model.RoleSystem:
		return "System"
	case "":
		return "Unknown"
	default:
		runes := []rune(string(role))
		return strings.ToUpper(string(runes[0])) + string(runes[1:])
	}
}
