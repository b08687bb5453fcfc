package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/taskmind/internal/ingest"
	"github.com/kalambet/taskmind/internal/resilience"
)

const (
	defaultFetchBytes = 10 << 20
	defaultPageChars  = 8000
	maxFetchURLs      = 5
	fetchUserAgent    = "taskmind/1.0 (compatible; like Mozilla/5.0)"
)

var errNoURLs = errors.New("web_fetch: no http(s) urls given")

// Fetch downloads web pages and returns their readable text.
type Fetch struct {
	Client   *http.Client
	MaxBytes int64
	MaxChars int
}

// Call implements Func. It accepts "urls" (list) or "url". Pages that fail
// are reported inline; the call fails only when every page failed.
func (f Fetch) Call(ctx context.Context, params map[string]any) (string, error) {
	urls := Strings(params, "urls")
	if u := String(params, "url"); u != "" {
		urls = append(urls, u)
	}
	urls = validURLs(urls)
	if len(urls) == 0 {
		return "", resilience.Permanent(errNoURLs)
	}
	if len(urls) > maxFetchURLs {
		urls = urls[:maxFetchURLs]
	}

	var b strings.Builder
	var lastErr error
	ok := 0
	for _, u := range urls {
		text, err := f.page(ctx, u)
		if err != nil {
			lastErr = err
			fmt.Fprintf(&b, "## %s\n\nFetch failed: %v\n\n", u, err)
			continue
		}
		ok++
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", u, text)
	}
	if ok == 0 {
		return "", lastErr
	}
	return strings.TrimSpace(b.String()), nil
}

func (f Fetch) page(ctx context.Context, rawURL string) (string, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	maxBytes := f.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultFetchBytes
	}
	maxChars := f.MaxChars
	if maxChars <= 0 {
		maxChars = defaultPageChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", resilience.Permanent(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		err := fmt.Errorf("fetching %s: status %d", rawURL, resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return "", resilience.Transient(err)
		}
		return "", resilience.Permanent(err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", rawURL, err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = ingest.DetectMedia(rawURL, body)
	}
	var text string
	if strings.Contains(strings.ToLower(contentType), "html") {
		text, err = ingest.HTMLText(bytes.NewReader(body))
		if err != nil {
			return "", resilience.Permanent(err)
		}
	} else {
		text = strings.TrimSpace(string(body))
	}
	return truncate(text, maxChars), nil
}

func validURLs(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, raw := range in {
		raw = strings.TrimRight(strings.TrimSpace(raw), ".,;:!?)")
		if strings.HasPrefix(raw, "www.") {
			raw = "https://" + raw
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			continue
		}
		if !seen[raw] {
			seen[raw] = true
			out = append(out, raw)
		}
	}
	return out
}
