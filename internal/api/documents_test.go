package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/siacta/internal/chat"
	"github.com/kalambet/siacta/internal/chunker"
	"github.com/kalambet/siacta/internal/composer"
	"github.com/kalambet/siacta/internal/engine"
	"github.com/kalambet/siacta/internal/extract"
	"github.com/kalambet/siacta/internal/ingest"
	"github.com/kalambet/siacta/internal/retrieval"
	"github.com/kalambet/siacta/internal/storage"
)

const testToken = "test-token-12345"

type testApp struct {
	handler  http.Handler
	store    *storage.Store
	pipeline *ingest.Pipeline
	deps     Deps
}

// newTestApp wires the real stack on an in-memory database with the mock
// engine, so uploads are extracted, embedded and indexed for real.
func newTestApp(t *testing.T, token string) *testApp {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	files, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	eng := engine.NewMockEngine(64)
	comp := composer.New(0)
	embedder := retrieval.NewEmbedder(eng)
	index := retrieval.NewSQLiteIndex(store.DB())
	ch, _ := chunker.New(200, 40, 10)

	pipeline := ingest.NewPipeline(ingest.Deps{
		Documents:  store,
		Extractor:  extract.New(),
		Chunker:    ch,
		Embedder:   embedder,
		Index:      index,
		Summarizer: ingest.NewSummarizer(eng, comp, 0, 0),
	}, ingest.Options{})
	t.Cleanup(func() { pipeline.Shutdown(context.Background()) })

	deps := Deps{
		Store:    store,
		Catalog:  ingest.NewCatalog(store, files, index, pipeline, nil),
		Ingester: pipeline,
		Chat:     chat.New(store, store, retrieval.NewRetriever(embedder, index, 0), eng, comp, chat.Options{}),
		Token:    token,
	}
	return &testApp{handler: NewHandler(deps), store: store, pipeline: pipeline, deps: deps}
}

func (a *testApp) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	return rr
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func uploadReq(t *testing.T, filename, content, token string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write([]byte(content))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", rr.Body.String(), err)
	}
	return v
}

func (a *testApp) upload(t *testing.T, filename, content string) DocumentView {
	t.Helper()
	rr := a.do(t, uploadReq(t, filename, content, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("upload status = %d; body = %s", rr.Code, rr.Body.String())
	}
	a.pipeline.Wait()
	return decode[DocumentView](t, rr)
}

const notes = `Photosynthesis converts light energy into chemical energy stored in glucose.
Chlorophyll absorbs mostly blue and red light and reflects green light.
The Calvin cycle fixes carbon dioxide into three-carbon sugars inside the stroma.`

func TestHealth_NoAuthRequired(t *testing.T) {
	a := newTestApp(t, testToken)
	rr := a.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Fatalf("health = %d %s", rr.Code, rr.Body.String())
	}
}

func TestAuth(t *testing.T) {
	a := newTestApp(t, testToken)

	cases := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"valid", testToken, http.StatusOK},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rr := a.do(t, authReq(http.MethodGet, "/v1/documents", "", c.token))
			if rr.Code != c.want {
				t.Errorf("status = %d, want %d", rr.Code, c.want)
			}
		})
	}
}

func TestAuth_DisabledWithoutToken(t *testing.T) {
	a := newTestApp(t, "")
	rr := a.do(t, authReq(http.MethodGet, "/v1/documents", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestUpload_IngestsDocument(t *testing.T) {
	a := newTestApp(t, testToken)
	doc := a.upload(t, "biology.txt", notes)

	if doc.Status != "UPLOADED" || doc.Title != "biology" || doc.ID == "" {
		t.Errorf("created = %+v", doc)
	}

	rr := a.do(t, authReq(http.MethodGet, "/v1/documents/"+doc.ID, "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}
	got := decode[DocumentView](t, rr)
	if got.Status != "COMPLETED" {
		t.Errorf("status = %s, want COMPLETED", got.Status)
	}
	if got.PageCount != nil {
		t.Errorf("pageCount = %v, want null for plain text", *got.PageCount)
	}
	if got.SummaryShort == "" {
		t.Error("summaryShort not stored")
	}
}

func TestUpload_RejectsUnsupportedExtension(t *testing.T) {
	a := newTestApp(t, testToken)
	rr := a.do(t, uploadReq(t, "slides.pptx", "x", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body = %s", rr.Code, rr.Body.String())
	}
	body := decode[map[string]map[string]string](t, rr)
	if body["error"]["type"] != "invalid_request_error" {
		t.Errorf("error = %v", body)
	}
}

func TestUpload_EPUBCompletesAsNotExtractable(t *testing.T) {
	a := newTestApp(t, testToken)
	doc := a.upload(t, "novel.epub", "PK\x03\x04")

	got, err := a.store.GetDocument(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Status != storage.StatusCompleted || got.PageCount != nil {
		t.Errorf("doc = %+v", got)
	}
}

func TestUpload_TooLarge(t *testing.T) {
	a := newTestApp(t, testToken)
	a.deps.UploadMaxBytes = 64
	h := NewHandler(a.deps)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, uploadReq(t, "big.txt", strings.Repeat("x", 4096), testToken))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413; body = %s", rr.Code, rr.Body.String())
	}
}

func TestUpload_MissingFile(t *testing.T) {
	a := newTestApp(t, testToken)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("title", "nothing")
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testToken)

	if rr := a.do(t, req); rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestListDocuments(t *testing.T) {
	a := newTestApp(t, testToken)
	a.upload(t, "one.txt", notes)
	a.upload(t, "two.md", notes)

	rr := a.do(t, authReq(http.MethodGet, "/v1/documents?limit=1", "", testToken))
	docs := decode[[]DocumentView](t, rr)
	if len(docs) != 1 {
		t.Fatalf("got %d docs, want 1", len(docs))
	}

	rr = a.do(t, authReq(http.MethodGet, "/v1/documents", "", testToken))
	if docs := decode[[]DocumentView](t, rr); len(docs) != 2 {
		t.Fatalf("got %d docs, want 2", len(docs))
	}
}

func TestGetDocument_NotFound(t *testing.T) {
	a := newTestApp(t, testToken)
	rr := a.do(t, authReq(http.MethodGet, "/v1/documents/missing", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestIngest_ConflictWhenNotClaimable(t *testing.T) {
	a := newTestApp(t, testToken)
	doc := a.upload(t, "biology.txt", notes)

	rr := a.do(t, authReq(http.MethodPost, "/v1/documents/"+doc.ID+"/ingest", "", testToken))
	if rr.Code != http.StatusConflict {
		t.Fatalf("begin on COMPLETED = %d, want 409", rr.Code)
	}
	rr = a.do(t, authReq(http.MethodPost, "/v1/documents/"+doc.ID+"/retry", "", testToken))
	if rr.Code != http.StatusConflict {
		t.Fatalf("retry on COMPLETED = %d, want 409", rr.Code)
	}
}

func TestIngest_Reingest(t *testing.T) {
	a := newTestApp(t, testToken)
	doc := a.upload(t, "biology.txt", notes)

	rr := a.do(t, authReq(http.MethodPost, "/v1/documents/"+doc.ID+"/ingest?reingest=true", "", testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", rr.Code, rr.Body.String())
	}
	a.pipeline.Wait()

	got, _ := a.store.GetDocument(context.Background(), doc.ID)
	if got.Status != storage.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", got.Status)
	}
}

func TestIngest_BeginOnUploaded(t *testing.T) {
	a := newTestApp(t, testToken)
	ctx := context.Background()
	if _, err := a.store.CreateDocument(ctx, storage.Document{ID: "d1", Title: "d1", Filename: "d1.txt", FilePath: "/nonexistent/d1.txt"}); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}

	rr := a.do(t, authReq(http.MethodPost, "/v1/documents/d1/ingest", "", testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rr.Code)
	}
	a.pipeline.Wait()

	// The file does not exist, so extraction fails and retry becomes possible.
	got, _ := a.store.GetDocument(ctx, "d1")
	if got.Status != storage.StatusError {
		t.Fatalf("status = %s, want ERROR", got.Status)
	}
	rr = a.do(t, authReq(http.MethodPost, "/v1/documents/d1/retry", "", testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("retry status = %d, want 202", rr.Code)
	}
	a.pipeline.Wait()
}

func TestIngest_NotFound(t *testing.T) {
	a := newTestApp(t, testToken)
	rr := a.do(t, authReq(http.MethodPost, "/v1/documents/missing/ingest", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestChat_RoundTrip(t *testing.T) {
	a := newTestApp(t, testToken)
	doc := a.upload(t, "biology.txt", notes)

	rr := a.do(t, authReq(http.MethodPost, "/v1/documents/"+doc.ID+"/chat", `{"message":"What does chlorophyll absorb?"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	resp := decode[ChatResponse](t, rr)
	if !strings.HasPrefix(resp.Answer, "[mock]") {
		t.Errorf("answer = %q", resp.Answer)
	}
	if resp.Sources == nil {
		t.Error("sources should be an array, not null")
	}

	rr = a.do(t, authReq(http.MethodGet, "/v1/documents/"+doc.ID+"/messages", "", testToken))
	msgs := decode[[]MessageView](t, rr)
	if len(msgs) != 2 || msgs[0].Role != "USER" || msgs[1].Role != "AI" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestChat_Validation(t *testing.T) {
	a := newTestApp(t, testToken)
	doc := a.upload(t, "biology.txt", notes)

	for _, body := range []string{`{`, `{"message":""}`} {
		rr := a.do(t, authReq(http.MethodPost, "/v1/documents/"+doc.ID+"/chat", body, testToken))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rr.Code)
		}
	}

	rr := a.do(t, authReq(http.MethodPost, "/v1/documents/missing/chat", `{"message":"hi"}`, testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing document: status = %d, want 404", rr.Code)
	}
}

type stubChatter struct {
	reply chat.Reply
	err   error
}

func (s *stubChatter) Chat(context.Context, string, string) (chat.Reply, error) {
	return s.reply, s.err
}

func (s *stubChatter) History(context.Context, string, int) ([]storage.ChatMessage, error) {
	return nil, s.err
}

func TestChat_EmbeddingFailureIs502WithAnswer(t *testing.T) {
	a := newTestApp(t, testToken)
	a.deps.Chat = &stubChatter{
		reply: chat.Reply{Answer: chat.EmbeddingFailureAnswer, Sources: []chat.Source{}},
		err:   fmt.Errorf("embedding question: %w", retrieval.ErrEmbedding),
	}
	h := NewHandler(a.deps)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/documents/d/chat", `{"message":"hi"}`, testToken))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
	var body struct {
		Answer string `json:"answer"`
		Error  struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	json.Unmarshal(rr.Body.Bytes(), &body)
	if body.Answer != chat.EmbeddingFailureAnswer || body.Error.Type != "embedding_error" {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestDeleteDocument(t *testing.T) {
	a := newTestApp(t, testToken)
	doc := a.upload(t, "biology.txt", notes)

	rr := a.do(t, authReq(http.MethodDelete, "/v1/documents/"+doc.ID, "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if _, err := a.store.GetDocument(context.Background(), doc.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("document still present: %v", err)
	}

	rr = a.do(t, authReq(http.MethodDelete, "/v1/documents/"+doc.ID, "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", rr.Code)
	}
}

func TestDeleteDocument_ConflictWhileProcessing(t *testing.T) {
	a := newTestApp(t, testToken)
	ctx := context.Background()
	a.store.CreateDocument(ctx, storage.Document{ID: "busy", Title: "busy", Filename: "busy.txt"})
	if _, err := a.store.ClaimDocument(ctx, "busy", []storage.Status{storage.StatusUploaded}, "tok", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("ClaimDocument: %v", err)
	}

	rr := a.do(t, authReq(http.MethodDelete, "/v1/documents/busy", "", testToken))
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
}

func TestParseIntParam(t *testing.T) {
	cases := []struct {
		query string
		want  int
	}{
		{"", 20},
		{"limit=5", 5},
		{"limit=0", 20},
		{"limit=-3", 20},
		{"limit=abc", 20},
		{"limit=1000", 100},
	}
	for _, c := range cases {
		r := httptest.NewRequest(http.MethodGet, "/?"+c.query, nil)
		if got := parseIntParam(r, "limit", 20, 100); got != c.want {
			t.Errorf("parseIntParam(%q) = %d, want %d", c.query, got, c.want)
		}
	}
}
