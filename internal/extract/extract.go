// Package extract turns stored files into plain text, split by page when the
// format has pages.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

// ErrExtraction marks a file that could not be read or parsed. It is fatal to
// the ingestion attempt.
var ErrExtraction = errors.New("extraction failed")

// NotExtractableText stands in for the content of formats we cannot read, so
// ingestion still reaches a terminal state.
const NotExtractableText = "Text content is not extractable for this format."

// Page is the text of a single page. Numbers start at 1.
type Page struct {
	Number int
	Text   string
}

// Result is the outcome of extracting one file. Pages is nil when the format
// has no page structure; PageCount is nil in that case too.
type Result struct {
	FullText  string
	Pages     []Page
	PageCount *int
	Author    string
}

// Extractable reports whether Result carries real document text rather than
// the not-extractable sentinel.
func (r Result) Extractable() bool {
	return r.FullText != NotExtractableText
}

type fileReader interface {
	Read(path string) (Result, error)
}

// Extractor dispatches to a format reader by MIME type, falling back to the
// file extension when the MIME type is empty or generic.
type Extractor struct {
	byMIME map[string]fileReader
	byExt  map[string]fileReader
	logger *slog.Logger
}

func New() *Extractor {
	pdfR := pdfReader{}
	plain := plainReader{}
	htmlR := htmlReader{}
	office := docconvReader{}

	return &Extractor{
		byMIME: map[string]fileReader{
			"application/pdf": pdfR,
			"text/plain":      plain,
			"text/markdown":   plain,
			"text/html":       htmlR,
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document": office,
			"application/vnd.oasis.opendocument.text":                                 office,
			"application/rtf": office,
			"text/rtf":        office,
		},
		byExt: map[string]fileReader{
			".pdf":  pdfR,
			".txt":  plain,
			".md":   plain,
			".html": htmlR,
			".htm":  htmlR,
			".docx": office,
			".odt":  office,
			".rtf":  office,
		},
		logger: slog.Default(),
	}
}

// SupportedExtensions lists the extensions accepted at upload. EPUB is
// accepted but yields NotExtractableText.
func SupportedExtensions() []string {
	return []string{".pdf", ".docx", ".txt", ".epub", ".md", ".html", ".htm", ".odt", ".rtf"}
}

// Supported reports whether a file name has an accepted extension.
func Supported(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range SupportedExtensions() {
		if e == ext {
			return true
		}
	}
	return false
}

// Extract reads path and returns its text. Parsing runs in a goroutine so a
// cancelled ctx returns promptly even if the parser does not check it.
func (e *Extractor) Extract(ctx context.Context, path, mimeType string) (Result, error) {
	r := e.readerFor(path, mimeType)
	if r == nil {
		e.logger.Info("format not extractable", "path", path, "mime_type", mimeType)
		return Result{FullText: NotExtractableText}, nil
	}

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := r.Read(path)
		done <- outcome{res, err}
	}()

	select {
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%w: %s: %w", ErrExtraction, path, ctx.Err())
	case o := <-done:
		if o.err != nil {
			if errors.Is(o.err, ErrExtraction) {
				return Result{}, o.err
			}
			return Result{}, fmt.Errorf("%w: %s: %w", ErrExtraction, path, o.err)
		}
		return o.res, nil
	}
}

func (e *Extractor) readerFor(path, mimeType string) fileReader {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if r, ok := e.byMIME[mt]; ok {
		return r
	}
	return e.byExt[strings.ToLower(filepath.Ext(path))]
}

// normalize converts line endings and drops invalid UTF-8.
func normalize(s string) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}
