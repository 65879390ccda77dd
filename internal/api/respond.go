package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/kalambet/siacta/internal/chat"
	"github.com/kalambet/siacta/internal/storage"
)

// DocumentView is the JSON shape of a document.
type DocumentView struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Filename     string   `json:"filename"`
	MimeType     string   `json:"mimeType"`
	Status       string   `json:"status"`
	PageCount    *int     `json:"pageCount"`
	Author       string   `json:"author,omitempty"`
	SummaryShort string   `json:"summaryShort,omitempty"`
	SummaryLong  string   `json:"summaryLong,omitempty"`
	Concepts     []string `json:"concepts"`
	CreatedAt    string   `json:"createdAt"`
	UpdatedAt    string   `json:"updatedAt"`
}

func documentView(d storage.Document) DocumentView {
	concepts := d.Concepts
	if concepts == nil {
		concepts = []string{}
	}
	return DocumentView{
		ID:           d.ID,
		Title:        d.Title,
		Filename:     d.Filename,
		MimeType:     d.MimeType,
		Status:       string(d.Status),
		PageCount:    d.PageCount,
		Author:       d.Author,
		SummaryShort: d.SummaryShort,
		SummaryLong:  d.SummaryLong,
		Concepts:     concepts,
		CreatedAt:    d.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    d.UpdatedAt.Format(time.RFC3339),
	}
}

// MessageView is the JSON shape of a chat message.
type MessageView struct {
	ID        int64  `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
}

func messageViews(msgs []storage.ChatMessage) []MessageView {
	out := make([]MessageView, len(msgs))
	for i, m := range msgs {
		out[i] = MessageView{ID: m.ID, Role: string(m.Role), Content: m.Content, CreatedAt: m.CreatedAt.Format(time.RFC3339)}
	}
	return out
}

// ChatResponse is the body of a chat turn.
type ChatResponse struct {
	Answer  string        `json:"answer"`
	Sources []chat.Source `json:"sources"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
