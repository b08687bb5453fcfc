package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kalambet/taskmind/internal/config"
	"github.com/kalambet/taskmind/internal/planner"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// useServer points the CLI commands at ts for the duration of the test.
func useServer(t *testing.T, ts *testServer) *bytes.Buffer {
	t.Helper()
	oldClient, oldStderr := newAPIClient, stderr
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	var errOut bytes.Buffer
	stderr = &errOut
	t.Cleanup(func() {
		newAPIClient, stderr = oldClient, oldStderr
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	})
	return &errOut
}

// resetFlags restores every flag to its default; cobra keeps flag state
// between Execute calls on the package-level commands.
func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	})
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

var ctx = context.Background()

func TestIngestCommand_Text(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /ingest": `{"id":"doc-123","status":"queued"}`,
	})
	errOut := useServer(t, ts)

	if _, err := execute(t, "ingest", "--text", "hello world", "--tags", "foo, bar"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !strings.Contains(errOut.String(), "Queued doc doc-123") {
		t.Errorf("stderr = %q", errOut.String())
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/ingest" {
		t.Errorf("request = %s %s", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["source"] != "cli" || body["type"] != "text" || body["content"] != "hello world" {
		t.Errorf("body = %v", body)
	}
	tags, _ := body["tags"].([]any)
	if len(tags) != 2 || tags[1] != "bar" {
		t.Errorf("tags = %v", body["tags"])
	}
}

func TestIngestCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	resetFlags(rootCmd)
	rootCmd.SetArgs([]string{"ingest"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "--text") {
		t.Errorf("error = %q", err)
	}
}

func TestBuildIngestRequest_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.md")
	if err := os.WriteFile(path, []byte("# Notes"), 0o600); err != nil {
		t.Fatal(err)
	}

	req, err := buildIngestRequest("", "", path, "", "")
	if err != nil {
		t.Fatalf("buildIngestRequest: %v", err)
	}
	if req.Type != "file" || req.Filename != "notes.md" {
		t.Errorf("req = %+v", req)
	}
	data, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil || string(data) != "# Notes" {
		t.Errorf("content = %q, %v", data, err)
	}

	if _, err := buildIngestRequest("", "", filepath.Join(t.TempDir(), "missing"), "", ""); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestChatCommand_Plan(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /chat": `{"conversation_id":"conv_1","planned":true,"answer":"Done.","plan":{"id":"plan_1","title":"Fibonacci","goal":"fib","status":"complete","steps":[{"id":"step_1","title":"Write script","tool":"python","status":"done"}]}}`,
	})
	errOut := useServer(t, ts)

	out, err := execute(t, "chat", "--conversation", "conv_1", "compute", "fibonacci")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if !strings.HasPrefix(out, "Done.\n") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, "- [x] 1. Write script `python`") {
		t.Errorf("output missing rendered plan: %q", out)
	}
	if !strings.Contains(errOut.String(), "conv_1") {
		t.Errorf("stderr = %q", errOut.String())
	}

	var body map[string]string
	json.Unmarshal([]byte(ts.requests[0].Body), &body)
	if body["message"] != "compute fibonacci" || body["conversation_id"] != "conv_1" {
		t.Errorf("body = %v", body)
	}
}

func TestDryRunPlan(t *testing.T) {
	p := planner.New(nil)

	var out bytes.Buffer
	if err := dryRunPlan(&out, p, "Erstelle ein Python Script das Fibonacci berechnet und visualisiere es"); err != nil {
		t.Fatalf("dryRunPlan: %v", err)
	}
	if !strings.Contains(out.String(), "`python`") || !strings.Contains(out.String(), "- [ ] 1.") {
		t.Errorf("plan = %q", out.String())
	}

	out.Reset()
	if err := dryRunPlan(&out, p, "hi there"); err != nil {
		t.Fatalf("dryRunPlan: %v", err)
	}
	if !strings.HasPrefix(out.String(), "No plan needed") {
		t.Errorf("output = %q", out.String())
	}
}

func TestLocalPlanner_Hints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hints.yaml")
	hints := "tools:\n  - tool: sql\n    kind: compute\n    label: SQL\n    keywords: [ledger]\n"
	if err := os.WriteFile(path, []byte(hints), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := localPlanner(path); err != nil {
		t.Fatalf("localPlanner: %v", err)
	}
	if _, err := localPlanner(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing hints file")
	}
}

func TestPlanExportCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /plans/plan_1/export": `<html>plan</html>`,
	})
	useServer(t, ts)

	out, err := execute(t, "plan", "export", "plan_1", "--format", "html")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if out != "<html>plan</html>" {
		t.Errorf("output = %q", out)
	}
	if ts.requests[0].Path != "/plans/plan_1/export?format=html" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}

	if _, err := execute(t, "plan", "export", "missing"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestPlanListCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /plans": `[{"id":"plan_1","title":"Fibonacci","status":"executing","steps":4,"progress":0.5}]`,
	})
	useServer(t, ts)

	out, err := execute(t, "plan", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "plan_1") || !strings.Contains(out, "50%") {
		t.Errorf("output = %q", out)
	}
}

func TestRecallCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /recall": `{"query":"go","documents":[{"document_id":"doc_a","score":0.9,"chunks":[{"id":"c1","document_id":"doc_a","text":"Go is fast","score":0.9}]}],"memories":[{"memory":{"id":"mem_1","type":"user_preference","importance":"critical","content":"prefers Go"},"score":0.8}]}`,
	})

	res, err := recall(ctx, ts.client(), "go", 3)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(res.Documents) != 1 || len(res.Memories) != 1 {
		t.Fatalf("res = %+v", res)
	}

	noColor = true
	defer func() { noColor = false }()
	var out bytes.Buffer
	printRecall(&out, res)
	for _, want := range []string{"doc_a", "Go is fast", "user_preference/critical", "prefers Go"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q: %q", want, out.String())
		}
	}
}

func TestRecallCommand_URLEncoding(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /recall": `{"query":"","documents":[],"memories":[]}`,
	})

	if _, err := recall(ctx, ts.client(), "go & rust?", 5); err != nil {
		t.Fatalf("recall: %v", err)
	}
	u, err := url.Parse(ts.requests[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	if got := u.Query().Get("q"); got != "go & rust?" {
		t.Errorf("q = %q", got)
	}
	if got := u.Query().Get("limit"); got != "5" {
		t.Errorf("limit = %q", got)
	}
}

func TestMemoryCommands(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /memories":         `{"id":"mem_1","type":"user_preference","importance":"critical","content":"prefers Go"}`,
		"GET /memories":          `[{"id":"mem_1","type":"user_preference","importance":"critical","content":"prefers Go"}]`,
		"DELETE /memories/mem_1": ``,
	})
	errOut := useServer(t, ts)

	if _, err := execute(t, "memory", "add", "--type", "user_preference", "--importance", "critical", "--ttl", "72h", "prefers", "Go"); err != nil {
		t.Fatalf("add: %v", err)
	}
	var body map[string]any
	json.Unmarshal([]byte(ts.requests[0].Body), &body)
	if body["type"] != "user_preference" || body["content"] != "prefers Go" || body["ttl"] != "72h0m0s" {
		t.Errorf("add body = %v", body)
	}
	if !strings.Contains(errOut.String(), "Stored memory mem_1") {
		t.Errorf("stderr = %q", errOut.String())
	}

	out, err := execute(t, "memory", "list", "--type", "user_preference,learned_fact", "--min-importance", "useful")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "mem_1") {
		t.Errorf("list output = %q", out)
	}
	u, _ := url.Parse(ts.requests[1].Path)
	if types := u.Query()["type"]; len(types) != 2 {
		t.Errorf("type params = %v", types)
	}

	if _, err := execute(t, "memory", "delete", "mem_1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestStatusCommand_Running(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status code = %d, want 200", resp.StatusCode)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	resp, err := ts.client().get(ctx, "/nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var v any
	err = decodeJSON(resp, &v)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if err.Error() != "server returned 404: not found" {
		t.Errorf("error = %q", err)
	}
}

func TestPurgeEndpoint_CollectsFailures(t *testing.T) {
	callCount := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "GET" {
			w.Header().Set("Content-Type", "application/json")
			if callCount == 0 {
				callCount++
				w.Write([]byte(`[{"id":"doc-1"},{"id":"doc-2"}]`))
			} else {
				w.Write([]byte(`[{"id":"doc-1"}]`))
			}
			return
		}
		if r.Method == "DELETE" {
			if strings.HasSuffix(r.URL.Path, "doc-1") {
				w.WriteHeader(500)
				w.Write([]byte(`{"error":{"message":"internal error"}}`))
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}))
	defer ts.Close()

	old := stderr
	stderr = &bytes.Buffer{}
	defer func() { stderr = old }()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "test",
		httpClient: ts.Client(),
	}

	failures, err := purgeEndpoint(ctx, client, "/items")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if failures != 1 {
		t.Errorf("failures = %d, want 1", failures)
	}
}

func TestServerURL(t *testing.T) {
	cfg := config.Config{Server: config.ServerConfig{Host: "127.0.0.1", Port: 4100}}
	if got := serverURL(cfg); got != "http://127.0.0.1:4100" {
		t.Errorf("serverURL = %q", got)
	}
	cfg.Server.Host = "::1"
	if got := serverURL(cfg); got != "http://[::1]:4100" {
		t.Errorf("serverURL = %q", got)
	}
}

func TestCountLabel(t *testing.T) {
	tests := []struct {
		count, limit int
		want         string
	}{
		{5, 100, "5"},
		{0, 100, "0"},
		{100, 100, "100+"},
		{150, 100, "150+"},
	}
	for _, tt := range tests {
		got := countLabel(tt.count, tt.limit)
		if got != tt.want {
			t.Errorf("countLabel(%d, %d) = %q, want %q", tt.count, tt.limit, got, tt.want)
		}
	}
}

func TestClip(t *testing.T) {
	if got := clip("  short  ", 10); got != "short" {
		t.Errorf("clip = %q", got)
	}
	if got := clip("Grüße aus Köln", 5); got != "Grüße..." {
		t.Errorf("clip = %q", got)
	}
}
