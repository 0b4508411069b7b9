package ingest

import (
	"strings"
	"testing"
)

func TestForFilename(t *testing.T) {
	tests := []struct {
		filename string
		want     Extractor
	}{
		{"report.pdf", PDF{}},
		{"Report.PDF", PDF{}},
		{"page.html", HTML{}},
		{"page.htm", HTML{}},
		{"notes.md", Markdown{}},
		{"notes.markdown", Markdown{}},
		{"data.txt", PlainText{}},
		{"noextension", PlainText{}},
	}
	for _, tt := range tests {
		if got := ForFilename(tt.filename); got != tt.want {
			t.Errorf("ForFilename(%q) = %T, want %T", tt.filename, got, tt.want)
		}
	}
}

func TestPlainTextExtract(t *testing.T) {
	got, err := PlainText{}.Extract([]byte("as is\ncontent"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got != "as is\ncontent" {
		t.Errorf("Extract = %q", got)
	}
}

func TestMarkdownExtract(t *testing.T) {
	src := strings.Join([]string{
		"# Refund Policy",
		"",
		"We offer **full refunds** within `14 days`.",
		"",
		"> Exceptions apply to *sale* items.",
		"",
		"- First point",
		"* Second point",
		"",
		"See [our terms](https://example.com/terms) for details.",
		"",
		"```go",
		"code := keptVerbatim()",
		"```",
	}, "\n")

	got, err := Markdown{}.Extract([]byte(src))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	for _, want := range []string{
		"Refund Policy",
		"full refunds",
		"14 days",
		"Exceptions apply",
		"First point",
		"Second point",
		"See our terms for details.",
		"code := keptVerbatim()",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	for _, gone := range []string{"#", "**", "`", "https://example.com"} {
		if strings.Contains(got, gone) {
			t.Errorf("output still contains %q:\n%s", gone, got)
		}
	}
}

func TestMarkdownCollapsesBlankLines(t *testing.T) {
	got, err := Markdown{}.Extract([]byte("one\n\n\n\n\ntwo"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got != "one\n\ntwo" {
		t.Errorf("Extract = %q, want blank runs collapsed", got)
	}
}

func TestHTMLExtract(t *testing.T) {
	src := `<html><head><title>Doc</title></head><body>
		<nav>menu menu menu</nav>
		<article><h1>Shipping</h1>
		<p>Orders ship within two business days. Tracking numbers are emailed
		automatically once the parcel leaves our warehouse in Rotterdam.</p>
		<p>International orders can take up to ten days depending on customs
		processing and the destination country's postal service.</p>
		</article></body></html>`
	got, err := HTML{}.Extract([]byte(src))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.Contains(got, "two business days") {
		t.Errorf("article text missing:\n%s", got)
	}
}

func TestPDFExtractEmpty(t *testing.T) {
	if _, err := (PDF{}).Extract(nil); err == nil {
		t.Fatal("expected error for empty content")
	}
}

func TestPDFExtractGarbage(t *testing.T) {
	if _, err := (PDF{}).Extract([]byte("not a pdf at all")); err == nil {
		t.Fatal("expected error for non-PDF content")
	}
}

func TestStripLinks(t *testing.T) {
	tests := []struct{ in, want string }{
		{"plain text", "plain text"},
		{"[label](http://x)", "label"},
		{"a [b](u) c [d](v)", "a b c d"},
		{"[dangling bracket", "[dangling bracket"},
		{"[no](paren", "[no](paren"},
	}
	for _, tt := range tests {
		if got := stripLinks(tt.in); got != tt.want {
			t.Errorf("stripLinks(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
