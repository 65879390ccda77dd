package extract

import (
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

type pdfReader struct{}

// Read extracts text page by page together with the Info dictionary author.
// The pdf package panics on some malformed inputs; those become ErrExtraction.
func (pdfReader) Read(path string) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = Result{}, fmt.Errorf("%w: malformed pdf %s: %v", ErrExtraction, path, r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("%w: opening pdf %s: %w", ErrExtraction, path, err)
	}
	defer f.Close()

	n := r.NumPage()
	fonts := make(map[string]*pdf.Font)
	pages := make([]Page, 0, n)
	texts := make([]string, 0, n)

	for i := 1; i <= n; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, Page{Number: i})
			continue
		}
		for _, name := range p.Fonts() {
			if _, ok := fonts[name]; !ok {
				font := p.Font(name)
				fonts[name] = &font
			}
		}
		text, err := p.GetPlainText(fonts)
		if err != nil {
			return Result{}, fmt.Errorf("%w: reading page %d of %s: %w", ErrExtraction, i, path, err)
		}
		text = normalize(text)
		pages = append(pages, Page{Number: i, Text: text})
		texts = append(texts, text)
	}

	return Result{
		FullText:  strings.Join(texts, "\n"),
		Pages:     pages,
		PageCount: &n,
		Author:    strings.TrimSpace(r.Trailer().Key("Info").Key("Author").Text()),
	}, nil
}
