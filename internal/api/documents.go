// Package api exposes documents, ingestion and chat over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/siacta/internal/chat"
	"github.com/kalambet/siacta/internal/ingest"
	"github.com/kalambet/siacta/internal/retrieval"
	"github.com/kalambet/siacta/internal/storage"
)

const (
	maxRequestBodySize    = 1 << 20  // 1MB
	defaultUploadMaxBytes = 32 << 20 // 32MB
	multipartMemory       = 8 << 20
)

// Ingester starts ingestion runs.
type Ingester interface {
	BeginIngestion(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) error
	Reingest(ctx context.Context, id string) error
}

// Cataloger registers and deletes documents.
type Cataloger interface {
	Register(ctx context.Context, filename, mimeType string, body io.Reader) (storage.Document, error)
	Delete(ctx context.Context, id string) error
}

// Chatter runs chat turns and reads history.
type Chatter interface {
	Chat(ctx context.Context, documentID, message string) (chat.Reply, error)
	History(ctx context.Context, documentID string, limit int) ([]storage.ChatMessage, error)
}

// Deps are the collaborators of the HTTP handler and the MCP server.
type Deps struct {
	Store          *storage.Store
	Catalog        Cataloger
	Ingester       Ingester
	Chat           Chatter
	Token          string
	UploadMaxBytes int64
	Logger         *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// NewHandler returns the HTTP API. Everything except /health requires the
// bearer token when one is configured.
func NewHandler(deps Deps) http.Handler {
	if deps.UploadMaxBytes <= 0 {
		deps.UploadMaxBytes = defaultUploadMaxBytes
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Route("/v1/documents", func(r chi.Router) {
			r.Post("/", handleUpload(deps))
			r.Get("/", handleListDocuments(deps))
			r.Get("/{id}", handleGetDocument(deps))
			r.Delete("/{id}", handleDeleteDocument(deps))
			r.Post("/{id}/ingest", handleIngest(deps))
			r.Post("/{id}/retry", handleRetry(deps))
			r.Post("/{id}/chat", handleChat(deps))
			r.Get("/{id}/messages", handleListMessages(deps))
		})
	})
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeErr maps the error taxonomy onto HTTP status codes.
func writeErr(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, ingest.ErrAlreadyClaimed), errors.Is(err, storage.ErrConflict):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	case errors.Is(err, ingest.ErrUnsupportedType):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.As(err, &tooLarge):
		httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "upload exceeds %d bytes", tooLarge.Limit)
	case errors.Is(err, retrieval.ErrEmbedding):
		httpError(w, http.StatusBadGateway, "embedding_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > deps.UploadMaxBytes {
			httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "upload exceeds %d bytes", deps.UploadMaxBytes)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, deps.UploadMaxBytes)
		defer r.Body.Close()

		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeErr(w, err)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file is required")
			return
		}
		defer file.Close()

		doc, err := deps.Catalog.Register(r.Context(), header.Filename, header.Header.Get("Content-Type"), file)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, documentView(doc))
	}
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		docs, err := deps.Store.ListDocuments(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}
		out := make([]DocumentView, len(docs))
		for i, d := range docs {
			out[i] = documentView(d)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := deps.Store.GetDocument(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, documentView(doc))
	}
}

func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Catalog.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		start := deps.Ingester.BeginIngestion
		if r.URL.Query().Get("reingest") == "true" {
			start = deps.Ingester.Reingest
		}
		accepted(w, r, id, start)
	}
}

func handleRetry(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accepted(w, r, chi.URLParam(r, "id"), deps.Ingester.Retry)
	}
}

func accepted(w http.ResponseWriter, r *http.Request, id string, start func(context.Context, string) error) {
	if err := start(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": string(storage.StatusProcessing),
	})
}

type chatRequest struct {
	Message string `json:"message"`
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Message == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}

		id := chi.URLParam(r, "id")
		reply, err := deps.Chat.Chat(r.Context(), id, req.Message)
		switch {
		case errors.Is(err, retrieval.ErrEmbedding) && reply.Answer != "":
			deps.logger().Warn("chat turn failed", "document_id", id, "error", err)
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"answer":  reply.Answer,
				"sources": reply.Sources,
				"error": map[string]any{
					"message": err.Error(),
					"type":    "embedding_error",
				},
			})
			return
		case err != nil:
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ChatResponse{Answer: reply.Answer, Sources: reply.Sources})
	}
}

func handleListMessages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 500)

		msgs, err := deps.Chat.History(r.Context(), chi.URLParam(r, "id"), limit)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, messageViews(msgs))
	}
}
