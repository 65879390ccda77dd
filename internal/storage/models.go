package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a status transition loses a compare-and-set,
// either because the document is in a state the transition does not allow or
// because another ingestion run owns it.
var ErrConflict = errors.New("status conflict")

// Status is a document's lifecycle state.
type Status string

const (
	StatusUploaded   Status = "UPLOADED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusError      Status = "ERROR"
)

type Document struct {
	ID           string
	UserID       string
	Title        string
	Filename     string
	FilePath     string
	MimeType     string
	Status       Status
	PageCount    *int // nil when the format has no page structure
	Author       string
	SummaryShort string
	SummaryLong  string
	Concepts     []string
	LeaseExpires *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Summary holds the fields written together with the COMPLETED transition.
type Summary struct {
	Short    string
	Long     string
	Concepts []string
}

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser Role = "USER"
	RoleAI   Role = "AI"
)

type ChatMessage struct {
	ID         int64
	DocumentID string
	Role       Role
	Content    string
	CreatedAt  time.Time
}
