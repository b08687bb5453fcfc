// Package export renders markdown content into downloadable documents.
package export

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// Format is an output document format.
type Format string

const (
	Markdown Format = "markdown"
	HTML     Format = "html"
	JSON     Format = "json"
	Text     Format = "text"
)

var ErrUnsupportedFormat = errors.New("unsupported export format")

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// ParseFormat accepts format names and common file extensions. An empty
// string selects Markdown.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "", "md", "markdown":
		return Markdown, nil
	case "html", "htm":
		return HTML, nil
	case "json":
		return JSON, nil
	case "txt", "text":
		return Text, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

func (f Format) Extension() string {
	switch f {
	case HTML:
		return ".html"
	case JSON:
		return ".json"
	case Text:
		return ".txt"
	}
	return ".md"
}

func (f Format) ContentType() string {
	switch f {
	case HTML:
		return "text/html; charset=utf-8"
	case JSON:
		return "application/json"
	case Text:
		return "text/plain; charset=utf-8"
	}
	return "text/markdown; charset=utf-8"
}

// Render converts markdown content into format. title names the document
// where the format has a place for it.
func Render(title, content string, format Format) ([]byte, error) {
	switch format {
	case Markdown:
		if title != "" && !strings.HasPrefix(strings.TrimSpace(content), "# ") {
			content = "# " + title + "\n\n" + content
		}
		return []byte(content), nil
	case HTML:
		return renderHTML(title, content)
	case JSON:
		return json.MarshalIndent(struct {
			Title   string `json:"title,omitempty"`
			Format  Format `json:"format"`
			Content string `json:"content"`
		}{title, Markdown, content}, "", "  ")
	case Text:
		return plainText([]byte(content)), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

const htmlPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>%s</title>
</head>
<body>
%s</body>
</html>
`

func renderHTML(title, content string) ([]byte, error) {
	var body bytes.Buffer
	if err := md.Convert([]byte(content), &body); err != nil {
		return nil, fmt.Errorf("converting markdown: %w", err)
	}
	return fmt.Appendf(nil, htmlPage, html.EscapeString(title), body.String()), nil
}

var blankLines = regexp.MustCompile(`\n{3,}`)

// plainText drops markdown syntax and keeps the text, one block per
// paragraph. Task list checkboxes are kept as [x] and [ ].
func plainText(src []byte) []byte {
	doc := md.Parser().Parse(text.NewReader(src))
	var b bytes.Buffer
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				b.Write(node.Segment.Value(src))
				if node.SoftLineBreak() || node.HardLineBreak() {
					b.WriteByte('\n')
				}
			}
		case *ast.String:
			if entering {
				b.Write(node.Value)
			}
		case *east.TaskCheckBox:
			if entering {
				if node.IsChecked {
					b.WriteString("[x] ")
				} else {
					b.WriteString("[ ] ")
				}
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					b.Write(seg.Value(src))
				}
				b.WriteByte('\n')
			}
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph, *ast.Heading:
			if !entering {
				b.WriteString("\n\n")
			}
		case *ast.TextBlock:
			if !entering {
				b.WriteByte('\n')
			}
		case *ast.List:
			if !entering {
				b.WriteByte('\n')
			}
		}
		return ast.WalkContinue, nil
	})
	out := blankLines.ReplaceAll(b.Bytes(), []byte("\n\n"))
	return append(bytes.TrimSpace(out), '\n')
}
