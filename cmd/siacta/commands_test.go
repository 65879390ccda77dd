package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/siacta/internal/api"
	"github.com/kalambet/siacta/internal/config"
	"github.com/kalambet/siacta/internal/retrieval"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	Auth        string
	ContentType string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
	statuses map[string]int
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{statuses: map[string]int{}}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			Auth:        r.Header.Get("Authorization"),
			ContentType: r.Header.Get("Content-Type"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			if code, ok := ts.statuses[key]; ok {
				w.WriteHeader(code)
			}
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

// useClient points the CLI commands at ts for the duration of the test.
func (ts *testServer) useClient(t *testing.T) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = old })
}

func runCommand(t *testing.T, args ...string) error {
	t.Helper()
	defer rootCmd.SetArgs(nil)
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

var ctx = context.Background()

const docJSON = `{"id":"doc-1","title":"Lecture 3","filename":"Lecture 3.pdf","mimeType":"application/pdf","status":"UPLOADED","pageCount":null,"concepts":[],"createdAt":"2026-01-01T00:00:00Z","updatedAt":"2026-01-01T00:00:00Z"}`

func TestUpload_SendsMultipartFile(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/documents": docJSON,
	})
	ts.statuses["POST /v1/documents"] = http.StatusCreated

	path := filepath.Join(t.TempDir(), "Lecture 3.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4 fake"), 0o644); err != nil {
		t.Fatal(err)
	}

	resp, err := ts.client().upload(ctx, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var doc api.DocumentView
	if err := decodeJSON(resp, &doc); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if doc.ID != "doc-1" || doc.Status != "UPLOADED" {
		t.Errorf("doc = %+v", doc)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if !strings.HasPrefix(r.ContentType, "multipart/form-data; boundary=") {
		t.Errorf("content type = %q", r.ContentType)
	}
	if !strings.Contains(r.Body, `name="file"; filename="Lecture 3.pdf"`) {
		t.Errorf("body lacks file part header: %q", r.Body)
	}
	if !strings.Contains(r.Body, "%PDF-1.4 fake") {
		t.Errorf("body lacks file content")
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
}

func TestUploadCommand_MissingFile(t *testing.T) {
	err := runCommand(t, "upload", filepath.Join(t.TempDir(), "nope.pdf"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "reading file") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestUploadCommand_RequiresArg(t *testing.T) {
	if err := runCommand(t, "upload"); err == nil {
		t.Fatal("expected error for missing argument")
	}
}

func TestDocsCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/documents": "[" + docJSON + "]",
	})
	ts.useClient(t)

	if err := runCommand(t, "docs", "--limit", "5"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts.requests) != 1 || ts.requests[0].Path != "/v1/documents?limit=5" {
		t.Errorf("requests = %+v", ts.requests)
	}
}

func TestStatusCommand_Document(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/documents/doc-1": docJSON,
	})
	ts.useClient(t)

	if err := runCommand(t, "status", "doc-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.requests[0].Path != "/v1/documents/doc-1" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
}

func TestStatusCommand_UnknownDocument(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.useClient(t)

	err := runCommand(t, "status", "missing")
	if err == nil {
		t.Fatal("expected error for unknown document")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestIngestCommand_Paths(t *testing.T) {
	accepted := `{"id":"doc-1","status":"PROCESSING"}`
	cases := []struct {
		args []string
		want string
	}{
		{[]string{"ingest", "doc-1"}, "/v1/documents/doc-1/ingest"},
		{[]string{"ingest", "doc-1", "--retry"}, "/v1/documents/doc-1/retry"},
		{[]string{"ingest", "doc-1", "--reingest"}, "/v1/documents/doc-1/ingest?reingest=true"},
	}
	for _, c := range cases {
		t.Run(strings.Join(c.args, " "), func(t *testing.T) {
			ts := newTestServer(t, map[string]string{
				"POST /v1/documents/doc-1/ingest": accepted,
				"POST /v1/documents/doc-1/retry":  accepted,
			})
			ts.useClient(t)

			ingestCmd.Flags().Set("retry", "false")
			ingestCmd.Flags().Set("reingest", "false")
			if err := runCommand(t, c.args...); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(ts.requests) != 1 {
				t.Fatalf("expected 1 request, got %d", len(ts.requests))
			}
			if ts.requests[0].Method != "POST" || ts.requests[0].Path != c.want {
				t.Errorf("request = %s %s, want POST %s", ts.requests[0].Method, ts.requests[0].Path, c.want)
			}
		})
	}
	ingestCmd.Flags().Set("retry", "false")
	ingestCmd.Flags().Set("reingest", "false")
}

func TestIngestCommand_FlagsExclusive(t *testing.T) {
	defer func() {
		ingestCmd.Flags().Set("retry", "false")
		ingestCmd.Flags().Set("reingest", "false")
	}()

	err := runCommand(t, "ingest", "doc-1", "--retry", "--reingest")
	if err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Errorf("error = %v, want mutually exclusive", err)
	}
}

func TestIngestCommand_Conflict(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/documents/doc-1/ingest": `{"error":{"message":"document already claimed","type":"conflict"}}`,
	})
	ts.statuses["POST /v1/documents/doc-1/ingest"] = http.StatusConflict
	ts.useClient(t)

	err := runCommand(t, "ingest", "doc-1")
	if err == nil {
		t.Fatal("expected conflict error")
	}
	if !strings.Contains(err.Error(), "cannot be ingested now") || !strings.Contains(err.Error(), "already claimed") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestChat_SendsMessage(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/documents/doc-1/chat": `{"answer":"Chlorophyll is green.","sources":[{"page":3},{"page":5}]}`,
	})

	resp, err := ts.client().post(ctx, "/v1/documents/doc-1/chat", map[string]string{"message": "What colour?"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var reply api.ChatResponse
	if err := decodeJSON(resp, &reply); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if reply.Answer != "Chlorophyll is green." || len(reply.Sources) != 2 || reply.Sources[1].Page != 5 {
		t.Errorf("reply = %+v", reply)
	}

	var body map[string]string
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["message"] != "What colour?" {
		t.Errorf("body.message = %q", body["message"])
	}
	if ts.requests[0].ContentType != "application/json" {
		t.Errorf("content type = %q", ts.requests[0].ContentType)
	}
}

func TestChatCommand_JoinsWords(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/documents/doc-1/chat": `{"answer":"ok","sources":[]}`,
	})
	ts.useClient(t)

	if err := runCommand(t, "chat", "doc-1", "what", "is", "this?"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(ts.requests[0].Body, `"message":"what is this?"`) {
		t.Errorf("body = %q", ts.requests[0].Body)
	}
}

func TestChatCommand_EmbeddingFailureShowsAnswer(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/documents/doc-1/chat": `{"answer":"Sorry, I could not process the question right now. Please try again.","sources":[],"error":{"message":"embedding failed","type":"embedding_error"}}`,
	})
	ts.statuses["POST /v1/documents/doc-1/chat"] = http.StatusBadGateway
	ts.useClient(t)

	if err := runCommand(t, "chat", "doc-1", "hello"); err != nil {
		t.Errorf("degraded answer should not fail the command: %v", err)
	}
}

func TestHistoryCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/documents/doc-1/messages": `[{"id":1,"role":"USER","content":"hi","createdAt":"2026-01-01T00:00:00Z"},{"id":2,"role":"AI","content":"hello","createdAt":"2026-01-01T00:00:01Z"}]`,
	})
	ts.useClient(t)

	if err := runCommand(t, "history", "doc-1", "--limit", "10"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.requests[0].Path != "/v1/documents/doc-1/messages?limit=10" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
}

func TestRmCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"DELETE /v1/documents/doc-1": `{"status":"deleted"}`,
	})
	ts.useClient(t)

	if err := runCommand(t, "rm", "doc-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.requests[0].Method != "DELETE" {
		t.Errorf("method = %q, want DELETE", ts.requests[0].Method)
	}
}

func TestDocumentIDIsEscaped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.useClient(t)

	runCommand(t, "status", "a/b")
	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if ts.requests[0].Path != "/v1/documents/a%2Fb" {
		t.Errorf("path = %q, want escaped id", ts.requests[0].Path)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	client := &apiClient{
		baseURL:    "http://127.0.0.1:1",
		httpClient: http.DefaultClient,
	}
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
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestStatusColor_IgnoresPadding(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = false

	if got := statusColor("ERROR     "); !strings.HasPrefix(got, colorRed) {
		t.Errorf("statusColor(padded ERROR) = %q, want red", got)
	}
	if got := statusColor("COMPLETED"); !strings.HasPrefix(got, colorGreen) {
		t.Errorf("statusColor(COMPLETED) = %q, want green", got)
	}
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	c := ts.client()
	c.token = ""
	resp, err := c.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if ts.requests[0].Auth != "" {
		t.Errorf("auth = %q, want no header without a token", ts.requests[0].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	resp, err := ts.client().get(ctx, "/nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if err.Error() != "server returned 404: not found" {
		t.Errorf("error = %q", err.Error())
	}
	var se *serverError
	if !errors.As(err, &se) || se.Status != 404 {
		t.Errorf("error is not a serverError with status 404: %v", err)
	}
}

func TestServerError_PlainBody(t *testing.T) {
	err := &serverError{Status: 500, Body: []byte("boom")}
	if err.Error() != "server returned 500: boom" {
		t.Errorf("error = %q", err.Error())
	}
}

func TestConfigShowAll(t *testing.T) {
	t.Setenv("SIACTA_API_TOKEN", "secret-token")

	cfg, err := config.Load()
	if err != nil {
		t.Skipf("config not loadable in this environment: %v", err)
	}

	keys := config.ShowAll(cfg)
	found := false
	for _, k := range keys {
		if k.Key == "chat.top_k" {
			found = true
		}
		if strings.Contains(k.Value, "secret-token") {
			t.Errorf("secret leaked via %s", k.Key)
		}
	}
	if !found {
		t.Error("chat.top_k missing from ShowAll")
	}
}

func TestNewLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	newLogger(config.LogConfig{Level: "debug", Format: "json"}, &buf).Debug("hello", "k", "v")
	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"k":"v"`) {
		t.Errorf("json output = %q", buf.String())
	}

	buf.Reset()
	newLogger(config.LogConfig{Level: "warn", Format: "text"}, &buf).Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
}

func TestCountLabel(t *testing.T) {
	cases := []struct {
		count, limit int
		want         string
	}{
		{0, 100, "0"},
		{42, 100, "42"},
		{100, 100, "100+"},
	}
	for _, c := range cases {
		if got := countLabel(c.count, c.limit); got != c.want {
			t.Errorf("countLabel(%d, %d) = %q, want %q", c.count, c.limit, got, c.want)
		}
	}
}

// excerptScorer rates the excerpt "text 8" highest and everything else low.
type excerptScorer struct{}

func (excerptScorer) Complete(_ context.Context, _, user string) (string, error) {
	if strings.HasSuffix(user, "[Excerpt]\ntext 8") {
		return `{"score": 0.95}`, nil
	}
	return `{"score": 0.4}`, nil
}

func TestNewReranker_ScoresWholePool(t *testing.T) {
	r := newReranker(config.RerankConfig{Enabled: true, Threshold: 0.3, Timeout: 5 * time.Second}, excerptScorer{})
	if r == nil {
		t.Fatal("newReranker returned nil with reranking enabled")
	}

	pool := make([]retrieval.Result, 9)
	for i := range pool {
		pool[i] = retrieval.Result{ID: fmt.Sprintf("chunk-%d", i), Text: fmt.Sprintf("text %d", i), Score: 0.5}
	}
	for run := 0; run < 5; run++ {
		got, err := r.Rerank(context.Background(), "q", pool)
		if err != nil {
			t.Fatalf("Rerank: %v", err)
		}
		if len(got) != len(pool) {
			t.Fatalf("got %d results, want all %d scored", len(got), len(pool))
		}
		if got[0].ID != "chunk-8" {
			t.Fatalf("run %d: first = %s, want chunk-8", run, got[0].ID)
		}
	}
}

func TestNewReranker_Disabled(t *testing.T) {
	if r := newReranker(config.RerankConfig{}, excerptScorer{}); r != nil {
		t.Errorf("newReranker = %T, want nil when disabled", r)
	}
}
