package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/kalambet/siacta/internal/extract"
	"github.com/kalambet/siacta/internal/retrieval"
	"github.com/kalambet/siacta/internal/storage"
)

// ErrUnsupportedType is returned by Register for file extensions outside
// extract.SupportedExtensions.
var ErrUnsupportedType = errors.New("unsupported file type")

// FileStore keeps uploaded originals.
type FileStore interface {
	Save(name string, r io.Reader) (string, error)
	Remove(path string) error
}

// CatalogStore is the document record surface the catalog needs.
type CatalogStore interface {
	CreateDocument(ctx context.Context, d storage.Document) (storage.Document, error)
	DeleteDocument(ctx context.Context, id string) (storage.Document, error)
}

// Starter begins ingestion of an UPLOADED document.
type Starter interface {
	BeginIngestion(ctx context.Context, id string) error
}

// Catalog registers uploaded files as documents and removes them again with
// everything derived from them.
type Catalog struct {
	docs    CatalogStore
	files   FileStore
	index   retrieval.VectorIndex
	starter Starter
	logger  *slog.Logger
}

func NewCatalog(docs CatalogStore, files FileStore, index retrieval.VectorIndex, starter Starter, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{docs: docs, files: files, index: index, starter: starter, logger: logger}
}

// Register stores body under a fresh name, creates an UPLOADED document for it
// and starts ingestion. The returned document is the record as created; poll
// GetDocument for progress.
func (c *Catalog) Register(ctx context.Context, filename, mimeType string, body io.Reader) (storage.Document, error) {
	filename = filepath.Base(filename)
	if !extract.Supported(filename) {
		return storage.Document{}, fmt.Errorf("%w: %q (accepted: %s)", ErrUnsupportedType, filepath.Ext(filename), strings.Join(extract.SupportedExtensions(), " "))
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if mimeType == "" || mimeType == "application/octet-stream" {
		if mt := mime.TypeByExtension(ext); mt != "" {
			mimeType = mt
		}
	}

	path, err := c.files.Save(filename, body)
	if err != nil {
		return storage.Document{}, fmt.Errorf("storing %s: %w", filename, err)
	}

	doc, err := c.docs.CreateDocument(ctx, storage.Document{
		ID:       uuid.NewString(),
		Title:    strings.TrimSuffix(filename, filepath.Ext(filename)),
		Filename: filename,
		FilePath: path,
		MimeType: mimeType,
	})
	if err != nil {
		if rerr := c.files.Remove(path); rerr != nil {
			c.logger.Warn("removing orphaned upload", "path", path, "error", rerr)
		}
		return storage.Document{}, fmt.Errorf("registering %s: %w", filename, err)
	}
	c.logger.Info("document registered", "document_id", doc.ID, "filename", filename, "mime_type", mimeType)

	if err := c.starter.BeginIngestion(ctx, doc.ID); err != nil {
		if errors.Is(err, ErrAlreadyClaimed) {
			return doc, nil
		}
		c.logger.Warn("could not start ingestion", "document_id", doc.ID, "error", err)
	}
	return doc, nil
}

// Delete removes the record and chat history, then the stored file, then the
// document's vectors. A document that is being ingested cannot be deleted.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	doc, err := c.docs.DeleteDocument(ctx, id)
	if err != nil {
		return fmt.Errorf("deleting document %s: %w", id, err)
	}
	if doc.FilePath != "" {
		if err := c.files.Remove(doc.FilePath); err != nil {
			c.logger.Warn("removing stored file", "document_id", id, "path", doc.FilePath, "error", err)
		}
	}
	if err := c.index.DeleteDocument(ctx, id); err != nil {
		return fmt.Errorf("purging vectors of %s: %w", id, err)
	}
	c.logger.Info("document deleted", "document_id", id)
	return nil
}
