package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/kalambet/taskmind/internal/resilience"
)

func newPageServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><script>track()</script></head><body><h1>Docs</h1><p>Install with go get.</p></body></html>`)
	})
	mux.HandleFunc("/plain", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "  plain body  ")
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/busy", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetch_HTMLAndPlain(t *testing.T) {
	srv := newPageServer(t)
	f := Fetch{Client: srv.Client()}

	got, err := f.Call(context.Background(), map[string]any{
		"urls": []any{srv.URL + "/page", srv.URL + "/plain"},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	for _, want := range []string{"## " + srv.URL + "/page", "Docs\nInstall with go get.", "plain body"} {
		if !strings.Contains(got, want) {
			t.Errorf("result missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "track()") {
		t.Error("script content leaked into result")
	}
}

func TestFetch_PartialFailureIsReported(t *testing.T) {
	srv := newPageServer(t)
	f := Fetch{Client: srv.Client()}

	got, err := f.Call(context.Background(), map[string]any{
		"urls": []string{srv.URL + "/missing", srv.URL + "/plain"},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !strings.Contains(got, "Fetch failed") || !strings.Contains(got, "plain body") {
		t.Errorf("result = %q", got)
	}
}

func TestFetch_StatusClassification(t *testing.T) {
	srv := newPageServer(t)
	f := Fetch{Client: srv.Client()}

	_, err := f.Call(context.Background(), map[string]any{"url": srv.URL + "/missing"})
	if !resilience.IsPermanent(err) {
		t.Errorf("404 err = %v, want permanent", err)
	}
	_, err = f.Call(context.Background(), map[string]any{"url": srv.URL + "/busy"})
	if !resilience.IsTransient(err) {
		t.Errorf("503 err = %v, want transient", err)
	}
}

func TestFetch_NoURLs(t *testing.T) {
	_, err := Fetch{}.Call(context.Background(), map[string]any{"urls": []any{"ftp://x", "not a url"}})
	if !errors.Is(err, errNoURLs) || !resilience.IsPermanent(err) {
		t.Errorf("err = %v, want permanent errNoURLs", err)
	}
}

func TestFetch_Truncates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, strings.Repeat("x", 500))
	}))
	defer srv.Close()

	got, err := Fetch{Client: srv.Client(), MaxChars: 100}.Call(context.Background(), map[string]any{"url": srv.URL})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !strings.Contains(got, "[output truncated]") || strings.Count(got, "x") != 100 {
		t.Errorf("result not truncated to 100 chars: %d x's", strings.Count(got, "x"))
	}
}

func TestValidURLs(t *testing.T) {
	got := validURLs([]string{"https://a.example/x.", "www.b.example", "https://a.example/x", "mailto:me", ""})
	want := []string{"https://a.example/x", "https://www.b.example"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("validURLs = %v, want %v", got, want)
	}
}
