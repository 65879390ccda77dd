// Package chunker splits document text into overlapping fixed-size windows.
package chunker

import (
	"fmt"
	"strings"
)

const (
	DefaultSize      = 1000
	DefaultOverlap   = 200
	DefaultMinLength = 50
)

// Page is one page of source text. Numbers start at 1.
type Page struct {
	Number int
	Text   string
}

// Chunk is a window of document text. PageNumber is 0 when the source had no
// page boundaries. Offset is the rune offset of the window within its page
// (or within the full text in fallback mode).
type Chunk struct {
	ID         string
	Text       string
	PageNumber int
	Ordinal    int
	Offset     int
}

// Chunker holds the window parameters. Sizes are measured in runes.
type Chunker struct {
	size      int
	overlap   int
	minLength int
}

func New(size, overlap, minLength int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", size, overlap)
	}
	if minLength < 0 {
		minLength = 0
	}
	return &Chunker{size: size, overlap: overlap, minLength: minLength}, nil
}

// Default returns a Chunker with size 1000, overlap 200 and a 50 rune minimum.
func Default() *Chunker {
	return &Chunker{size: DefaultSize, overlap: DefaultOverlap, minLength: DefaultMinLength}
}

// Split chunks pages independently when any are given, otherwise fullText.
// Output depends only on the inputs and the Chunker parameters, so chunk ids
// are stable across re-ingestion.
func (c *Chunker) Split(documentID string, pages []Page, fullText string) []Chunk {
	var out []Chunk
	if len(pages) > 0 {
		for _, p := range pages {
			for _, w := range c.windows(p.Text) {
				out = append(out, Chunk{
					ID:         fmt.Sprintf("doc_%s_p%d_c%d", documentID, p.Number, w.offset),
					Text:       w.text,
					PageNumber: p.Number,
					Ordinal:    len(out),
					Offset:     w.offset,
				})
			}
		}
		return out
	}

	for _, w := range c.windows(fullText) {
		ordinal := len(out)
		out = append(out, Chunk{
			ID:      fmt.Sprintf("doc_%s_chunk_%d", documentID, ordinal),
			Text:    w.text,
			Ordinal: ordinal,
			Offset:  w.offset,
		})
	}
	return out
}

type window struct {
	offset int
	text   string
}

// windows slides size runes forward by size-overlap until the window reaches
// the end of the text, dropping windows shorter than minLength once trimmed.
func (c *Chunker) windows(text string) []window {
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil
	}

	step := c.size - c.overlap
	var out []window
	for pos := 0; ; pos += step {
		end := min(pos+c.size, n)
		chunk := strings.TrimSpace(string(runes[pos:end]))
		if len([]rune(chunk)) >= c.minLength && chunk != "" {
			out = append(out, window{offset: pos, text: chunk})
		}
		if end >= n {
			break
		}
	}
	return out
}
