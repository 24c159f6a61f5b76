// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/jeranaias/openyap/internal/model"
)

// =============================================================================
// HTML EXPORTER
// =============================================================================

var (
	codeBlockRegex  = regexp.MustCompile("```([a-zA-Z0-9_+-]*)\n([\\s\\S]*?)```")
	inlineCodeRegex = regexp.MustCompile("`([^`\n]+)`")
)

// HTMLExporter exports conversations to a standalone HTML page with
// embedded CSS.
type HTMLExporter struct {
	options *Options
}

// NewHTMLExporter creates a new HTML exporter.
func NewHTMLExporter(opts *Options) *HTMLExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &HTMLExporter{options: opts}
}

// Export converts a conversation to HTML format.
func (e *HTMLExporter) Export(conv *Conversation) ([]byte, error) {
	if err := validate(conv); err != nil {
		return nil, err
	}
	title := html.EscapeString(conv.Thread.DisplayTitle())
	theme := "dark"
	if e.options.Theme == "light" {
		theme = "light"
	}

	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	sb.WriteString("    <meta charset=\"UTF-8\">\n")
	sb.WriteString("    <meta name=\"viewport\" content=\"width=device-width, initial-scale=1.0\">\n")
	fmt.Fprintf(&sb, "    <title>%s</title>\n", title)
	sb.WriteString("    <meta name=\"generator\" content=\"openyap\">\n")
	fmt.Fprintf(&sb, "    <meta name=\"date\" content=\"%s\">\n", conv.Thread.CreatedAt.UTC().Format(time.RFC3339))
	sb.WriteString(pageCSS)
	sb.WriteString("</head>\n")
	fmt.Fprintf(&sb, "<body class=\"%s-theme\">\n", theme)
	sb.WriteString("    <div class=\"container\">\n")

	if e.options.IncludeMetadata {
		e.renderHeader(&sb, conv, title)
	}

	sb.WriteString("        <main class=\"conversation\">\n")
	for _, msg := range conv.Messages {
		e.renderMessage(&sb, msg)
	}
	sb.WriteString("        </main>\n")

	sb.WriteString("        <footer class=\"footer\">\n")
	fmt.Fprintf(&sb, "            <p>Exported from <strong>OpenYap</strong> on %s</p>\n",
		e.options.now().Format("January 2, 2006 at 3:04 PM MST"))
	sb.WriteString("        </footer>\n    </div>\n</body>\n</html>\n")

	return []byte(sb.String()), nil
}

// FileExtension returns the file extension for HTML.
func (e *HTMLExporter) FileExtension() string {
	return ".html"
}

// MimeType returns the MIME type for HTML.
func (e *HTMLExporter) MimeType() string {
	return "text/html"
}

// =============================================================================
// RENDERING FUNCTIONS
// =============================================================================

func (e *HTMLExporter) renderHeader(sb *strings.Builder, conv *Conversation, title string) {
	sb.WriteString("        <header class=\"header\">\n")
	fmt.Fprintf(sb, "            <h1>%s</h1>\n", title)
	sb.WriteString("            <div class=\"metadata\">\n")
	fmt.Fprintf(sb, "                <span><strong>Model:</strong> %s</span>\n", html.EscapeString(conv.Thread.Model))
	fmt.Fprintf(sb, "                <span><strong>Created:</strong> %s</span>\n", formatTimestamp(conv.Thread.CreatedAt))
	fmt.Fprintf(sb, "                <span><strong>Messages:</strong> %d</span>\n", len(conv.Messages))
	if usage := formatUsage(conv.TotalUsage()); usage != "" {
		fmt.Fprintf(sb, "                <span>%s</span>\n", html.EscapeString(usage))
	}
	sb.WriteString("            </div>\n        </header>\n")
}

func (e *HTMLExporter) renderMessage(sb *strings.Builder, msg *model.Message) {
	fmt.Fprintf(sb, "            <div class=\"message %s-message\">\n", html.EscapeString(strings.ToLower(string(msg.Role))))

	sb.WriteString("                <div class=\"message-header\">\n")
	fmt.Fprintf(sb, "                    <span class=\"role-label\">%s</span>\n", roleLabel(msg.Role))
	if e.options.IncludeTimestamps {
		fmt.Fprintf(sb, "                    <span class=\"timestamp\">%s</span>\n", formatShortTimestamp(msg.CreatedAt))
	}
	sb.WriteString("                </div>\n")

	if e.options.IncludeReasoning && msg.Reasoning != "" {
		sb.WriteString("                <details class=\"reasoning\"><summary>Reasoning</summary>\n")
		sb.WriteString(formatContent(msg.Reasoning))
		sb.WriteString("\n                </details>\n")
	}

	sb.WriteString("                <div class=\"message-content\">\n")
	sb.WriteString(formatContent(msg.Content))
	sb.WriteString("\n                </div>\n")

	if len(msg.Attachments) > 0 {
		sb.WriteString("                <ul class=\"attachments\">\n")
		for _, a := range msg.Attachments {
			fmt.Fprintf(sb, "                    <li>%s <span class=\"muted\">(%s)</span></li>\n",
				html.EscapeString(a.Name), html.EscapeString(a.MediaType))
		}
		sb.WriteString("                </ul>\n")
	}

	if note := statusNote(msg); note != "" {
		fmt.Fprintf(sb, "                <p class=\"status-note %s\">%s</p>\n", msg.Status, html.EscapeString(note))
	}

	if msg.Role == model.RoleAssistant && e.options.IncludeMetadata {
		if stats := formatUsage(msg.Usage); stats != "" {
			fmt.Fprintf(sb, "                <div class=\"message-stats\">%s</div>\n", html.EscapeString(stats))
		}
	}

	sb.WriteString("            </div>\n")
}

// =============================================================================
// CONTENT FORMATTING
// =============================================================================

// formatContent escapes content and renders fenced code blocks, inline code
// and paragraphs.
func formatContent(content string) string {
	content = html.EscapeString(strings.TrimSpace(content))
	if content == "" {
		return ""
	}

	// Pull code blocks out first so paragraph splitting leaves them intact.
	var blocks []string
	content = codeBlockRegex.ReplaceAllStringFunc(content, func(match string) string {
		parts := codeBlockRegex.FindStringSubmatch(match)
		lang, code := parts[1], parts[2]
		langLabel := ""
		if lang != "" {
			langLabel = fmt.Sprintf("<div class=\"code-lang\">%s</div>", lang)
		}
		blocks = append(blocks, fmt.Sprintf("<div class=\"code-block\">%s<pre><code class=\"language-%s\">%s</code></pre></div>",
			langLabel, lang, strings.TrimRight(code, "\n")))
		return fmt.Sprintf("\x00%d\x00", len(blocks)-1)
	})

	var out []string
	for _, para := range strings.Split(content, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if strings.HasPrefix(para, "\x00") && strings.HasSuffix(para, "\x00") && strings.Count(para, "\x00") == 2 {
			out = append(out, para)
			continue
		}
		para = inlineCodeRegex.ReplaceAllString(para, "<code class=\"inline-code\">$1</code>")
		para = strings.ReplaceAll(para, "\n", "<br>\n")
		out = append(out, "<p>"+para+"</p>")
	}

	result := strings.Join(out, "\n")
	for i, b := range blocks {
		result = strings.ReplaceAll(result, fmt.Sprintf("\x00%d\x00", i), b)
	}
	return result
}

// =============================================================================
// EMBEDDED CSS
// =============================================================================

const pageCSS = `    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        :root {
            --font-sans: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, "Helvetica Neue", Arial, sans-serif;
            --font-mono: "SF Mono", Menlo, Consolas, "Fira Code", monospace;
        }
        .dark-theme {
            --bg: #1a1b26; --bg-alt: #24283b; --border: #414868;
            --text: #c0caf5; --muted: #565f89; --accent: #7aa2f7;
            --user-bg: #1f2335; --code-bg: #16161e; --warn: #e0af68; --error: #f7768e;
        }
        .light-theme {
            --bg: #f6f7fb; --bg-alt: #ffffff; --border: #d5d8e2;
            --text: #1f2330; --muted: #6b7080; --accent: #2e59c9;
            --user-bg: #eef2fc; --code-bg: #f0f1f5; --warn: #a86b00; --error: #c0304a;
        }
        body { font-family: var(--font-sans); background: var(--bg); color: var(--text); line-height: 1.6; padding: 24px; }
        .container { max-width: 860px; margin: 0 auto; }
        .header, .conversation, .footer { background: var(--bg-alt); border: 1px solid var(--border); border-radius: 8px; padding: 24px; margin-bottom: 16px; }
        .header h1 { font-size: 1.6em; margin-bottom: 8px; }
        .metadata { display: flex; flex-wrap: wrap; gap: 16px; color: var(--muted); font-size: 0.9em; }
        .message { padding: 16px; border-radius: 6px; margin-bottom: 12px; }
        .user-message { background: var(--user-bg); }
        .message-header { display: flex; justify-content: space-between; margin-bottom: 8px; }
        .role-label { font-weight: 600; color: var(--accent); }
        .timestamp, .muted, .message-stats { color: var(--muted); font-size: 0.85em; }
        .message-content p { margin-bottom: 10px; }
        .reasoning { margin-bottom: 10px; color: var(--muted); border-left: 3px solid var(--border); padding-left: 10px; }
        .code-block { background: var(--code-bg); border: 1px solid var(--border); border-radius: 6px; margin: 10px 0; overflow-x: auto; }
        .code-lang { font-size: 0.75em; color: var(--muted); padding: 4px 10px; border-bottom: 1px solid var(--border); }
        pre { padding: 10px; font-family: var(--font-mono); font-size: 0.9em; }
        .inline-code { font-family: var(--font-mono); background: var(--code-bg); padding: 1px 4px; border-radius: 3px; }
        .attachments { margin: 6px 0 0 20px; font-size: 0.9em; }
        .status-note { font-style: italic; color: var(--warn); margin-top: 6px; }
        .status-note.error { color: var(--error); }
        .footer { text-align: center; color: var(--muted); font-size: 0.85em; }
        @media print { body { padding: 0; } .message { page-break-inside: avoid; } }
    </style>
`
