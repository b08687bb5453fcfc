package ingest

import (
	"errors"
	"strings"
	"testing"
)

func TestExtractText(t *testing.T) {
	tests := []struct {
		name      string
		mediaType string
		data      string
		want      string
	}{
		{"plain", "text/plain", "just text", "just text"},
		{"plain with charset", "text/plain; charset=utf-8", "x", "x"},
		{"markdown", "text/markdown", "# Head", "# Head"},
		{"empty media type", "", "raw", "raw"},
		{"html", "text/html", "<p>one</p><p>two <b>bold</b></p>", "one\ntwo bold"},
		{"xhtml", "application/xhtml+xml", "<div>a</div>", "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractText(tt.mediaType, []byte(tt.data))
			if err != nil {
				t.Fatalf("ExtractText: %v", err)
			}
			if got != tt.want {
				t.Errorf("ExtractText = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractText_Unsupported(t *testing.T) {
	_, err := ExtractText("image/png", []byte{0x89})
	if !errors.Is(err, ErrUnsupportedMedia) {
		t.Errorf("err = %v, want ErrUnsupportedMedia", err)
	}
}

func TestExtractText_BrokenPDF(t *testing.T) {
	if _, err := ExtractText(MediaPDF, []byte("not a pdf at all")); err == nil {
		t.Error("expected error for a broken pdf")
	}
}

func TestHTMLText_SkipsScripts(t *testing.T) {
	page := `<html><head><title>Page</title><script>var x = 1;</script></head>
<body><!-- note --><ul><li>first</li><li>second</li></ul><noscript>enable js</noscript></body></html>`

	got, err := HTMLText(strings.NewReader(page))
	if err != nil {
		t.Fatalf("HTMLText: %v", err)
	}
	if strings.Contains(got, "var x") || strings.Contains(got, "enable js") || strings.Contains(got, "note") {
		t.Errorf("HTMLText kept hidden content: %q", got)
	}
	if want := "Page\nfirst\nsecond"; got != want {
		t.Errorf("HTMLText = %q, want %q", got, want)
	}
}

func TestHTMLTitle(t *testing.T) {
	if got := HTMLTitle(strings.NewReader("<html><head><title> Hi there </title></head></html>")); got != "Hi there" {
		t.Errorf("HTMLTitle = %q, want %q", got, "Hi there")
	}
	if got := HTMLTitle(strings.NewReader("<p>no title</p>")); got != "" {
		t.Errorf("HTMLTitle = %q, want empty", got)
	}
}

func TestDetectMedia(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"report.pdf", "", MediaPDF},
		{"blob", "%PDF-1.7 ...", MediaPDF},
		{"index.HTML", "", MediaHTML},
		{"notes.md", "", MediaMarkdown},
		{"page", "  <!DOCTYPE html><html>", MediaHTML},
		{"notes.txt", "hello", MediaText},
	}
	for _, tt := range tests {
		if got := DetectMedia(tt.name, []byte(tt.data)); got != tt.want {
			t.Errorf("DetectMedia(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}
