// Package render turns markdown reports into standalone HTML.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomarkdown/markdown"
	mdhtml "github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"

	"energyagent/internal/tools"
	"energyagent/ports"
)

// ToolName is the registry name of the report renderer.
const ToolName = "render_report"

const page = `<!DOCTYPE html>
<html lang="zh">
<head>
<meta charset="utf-8">
<title>%s</title>
<style>
body{font-family:-apple-system,"Segoe UI","PingFang SC","Microsoft YaHei",sans-serif;max-width:960px;margin:2rem auto;padding:0 1rem;line-height:1.6;color:#222}
table{border-collapse:collapse;margin:1rem 0}th,td{border:1px solid #ccc;padding:4px 8px}th{background:#f4f4f4}
code,pre{background:#f6f8fa}pre{padding:.75rem;overflow-x:auto}
</style>
</head>
<body>
%s
</body>
</html>
`

// HTMLRenderer implements ports.Renderer with gomarkdown.
type HTMLRenderer struct{}

// NewHTMLRenderer returns a renderer.
func NewHTMLRenderer() *HTMLRenderer { return &HTMLRenderer{} }

// RenderHTML converts a markdown body into an HTML fragment.
func (r *HTMLRenderer) RenderHTML(md []byte) []byte {
	p := parser.NewWithExtensions(parser.CommonExtensions | parser.AutoHeadingIDs | parser.NoEmptyLineBeforeBlock)
	renderer := mdhtml.NewRenderer(mdhtml.RendererOptions{Flags: mdhtml.CommonFlags | mdhtml.HrefTargetBlank})
	return markdown.ToHTML(md, p, renderer)
}

// Document wraps a rendered fragment into a full page titled after the
// first level-one heading.
func Document(md []byte, r ports.Renderer) []byte {
	title := "Report"
	for _, line := range strings.Split(string(md), "\n") {
		if strings.HasPrefix(line, "# ") {
			title = strings.TrimSpace(strings.TrimPrefix(line, "# "))
			break
		}
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, page, html.EscapeString(title), r.RenderHTML(md))
	return buf.Bytes()
}

// Input is the render_report input schema.
type Input struct {
	MarkdownPath string `json:"markdown_path" validate:"required"`
	OutputPath   string `json:"output_path,omitempty"`
}

// NewTool exposes r as the render_report tool. Without an output path the
// HTML lands next to the markdown file.
func NewTool(r ports.Renderer, timeout time.Duration) ports.Tool {
	return tools.NewFunc(ToolName, "Render a markdown report into a standalone HTML file", timeout,
		func(ctx context.Context, in *Input) (map[string]interface{}, error) {
			md, err := os.ReadFile(in.MarkdownPath)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return nil, tools.MissingFile(in.MarkdownPath)
				}
				return nil, err
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			out := in.OutputPath
			if out == "" {
				out = strings.TrimSuffix(in.MarkdownPath, filepath.Ext(in.MarkdownPath)) + ".html"
			}
			doc := Document(md, r)
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(out, doc, 0o644); err != nil {
				return nil, fmt.Errorf("write %s: %w", out, err)
			}
			return map[string]interface{}{
				"html_path": out,
				"bytes":     len(doc),
			}, nil
		})
}
