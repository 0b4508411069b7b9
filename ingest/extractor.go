// Package ingest converts uploaded files into plain text for document
// ingestion. Each supported format has an Extractor; ForFilename picks one by
// extension.
package ingest

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
)

// Extractor converts raw file content to plain text.
type Extractor interface {
	Extract(content []byte) (string, error)
}

// ForFilename returns the extractor for the file's extension. Unknown
// extensions fall back to plain text.
func ForFilename(filename string) Extractor {
	switch strings.ToLower(strings.TrimPrefix(path.Ext(filename), ".")) {
	case "pdf":
		return PDF{}
	case "html", "htm":
		return HTML{}
	case "md", "markdown":
		return Markdown{}
	default:
		return PlainText{}
	}
}

// PlainText returns the content as-is.
type PlainText struct{}

func (PlainText) Extract(content []byte) (string, error) {
	return string(content), nil
}

// Markdown strips markdown syntax, keeping the prose and code block content.
type Markdown struct{}

func (Markdown) Extract(content []byte) (string, error) {
	var out strings.Builder
	inFence := false
	for _, line := range strings.Split(string(content), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			out.WriteString(line)
			out.WriteByte('\n')
			continue
		}
		trimmed = strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, ">"))
		for _, marker := range []string{"- ", "* ", "+ "} {
			if strings.HasPrefix(trimmed, marker) {
				trimmed = trimmed[len(marker):]
				break
			}
		}
		trimmed = strings.NewReplacer("**", "", "***", "", "~~", "", "`", "").Replace(trimmed)
		trimmed = stripLinks(trimmed)
		out.WriteString(trimmed)
		out.WriteByte('\n')
	}
	return collapseBlank(out.String()), nil
}

// stripLinks rewrites [text](url) to text.
func stripLinks(s string) string {
	var out strings.Builder
	for i := 0; i < len(s); {
		if s[i] == '[' {
			if close := strings.IndexByte(s[i:], ']'); close > 0 {
				end := i + close
				if end+1 < len(s) && s[end+1] == '(' {
					if paren := strings.IndexByte(s[end+1:], ')'); paren > 0 {
						out.WriteString(s[i+1 : end])
						i = end + 1 + paren + 1
						continue
					}
				}
			}
		}
		out.WriteByte(s[i])
		i++
	}
	return out.String()
}

func collapseBlank(text string) string {
	var out strings.Builder
	blank := 0
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			blank++
			continue
		}
		if out.Len() > 0 {
			out.WriteByte('\n')
			if blank > 0 {
				out.WriteByte('\n')
			}
		}
		out.WriteString(trimmed)
		blank = 0
	}
	return out.String()
}

// HTML extracts the readable article content from an HTML page.
type HTML struct{}

func (HTML) Extract(content []byte) (string, error) {
	article, err := readability.FromReader(bytes.NewReader(content), &url.URL{})
	if err != nil {
		return "", fmt.Errorf("extract html: %w", err)
	}
	return strings.TrimSpace(article.TextContent), nil
}

// PDF extracts plain text page by page. Pages that fail to decode are
// skipped rather than failing the document.
type PDF struct{}

func (PDF) Extract(content []byte) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("empty pdf content")
	}
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}
	return text.String(), nil
}
