package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const documentColumns = `id, user_id, title, filename, file_path, mime_type, status, page_count,
	author, summary_short, summary_long, concepts, lease_expires_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var d Document
	var pageCount sql.NullInt64
	var lease sql.NullString
	var concepts, createdAt, updatedAt string
	if err := row.Scan(&d.ID, &d.UserID, &d.Title, &d.Filename, &d.FilePath, &d.MimeType, &d.Status, &pageCount,
		&d.Author, &d.SummaryShort, &d.SummaryLong, &concepts, &lease, &createdAt, &updatedAt); err != nil {
		return Document{}, err
	}
	if pageCount.Valid {
		n := int(pageCount.Int64)
		d.PageCount = &n
	}
	if concepts != "" {
		if err := json.Unmarshal([]byte(concepts), &d.Concepts); err != nil {
			return Document{}, fmt.Errorf("decoding concepts for %s: %w", d.ID, err)
		}
	}
	var err error
	if lease.Valid {
		t, err := parseTime("lease_expires_at", lease.String)
		if err != nil {
			return Document{}, err
		}
		d.LeaseExpires = &t
	}
	if d.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Document{}, err
	}
	if d.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Document{}, err
	}
	return d, nil
}

// CreateDocument inserts a new document record. Status defaults to UPLOADED.
func (s *Store) CreateDocument(ctx context.Context, d Document) (Document, error) {
	if d.Status == "" {
		d.Status = StatusUploaded
	}
	now := s.now()
	d.CreatedAt, d.UpdatedAt = now, now

	var pageCount any
	if d.PageCount != nil {
		pageCount = *d.PageCount
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, user_id, title, filename, file_path, mime_type, status, page_count, author, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.UserID, d.Title, d.Filename, d.FilePath, d.MimeType, d.Status, pageCount, d.Author,
		formatTime(now), formatTime(now),
	)
	if err != nil {
		return Document{}, fmt.Errorf("inserting document %s: %w", d.ID, err)
	}
	return d, nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (Document, error) {
	d, err := scanDocument(s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	return d, nil
}

// ListDocuments returns the most recently created documents first.
func (s *Store) ListDocuments(ctx context.Context, limit int) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+`
		FROM documents ORDER BY created_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// ClaimDocument moves a document into PROCESSING if its current status is one
// of from. The update is a compare-and-set on the observed status, so of two
// concurrent callers exactly one succeeds; the other gets ErrConflict.
// It returns the status the document had before the claim.
func (s *Store) ClaimDocument(ctx context.Context, id string, from []Status, token string, leaseUntil time.Time) (Status, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	var current Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM documents WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading status of %s: %w", id, err)
	}
	if !containsStatus(from, current) {
		return current, fmt.Errorf("%w: %s is %s", ErrConflict, id, current)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE documents SET status = ?, claim_token = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusProcessing, token, formatTime(leaseUntil), formatTime(s.now()), id, current,
	)
	if err != nil {
		return "", fmt.Errorf("claiming %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("checking claimed rows: %w", err)
	}
	if n != 1 {
		return current, fmt.Errorf("%w: %s changed concurrently", ErrConflict, id)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing claim: %w", err)
	}
	return current, nil
}

func containsStatus(set []Status, st Status) bool {
	for _, s := range set {
		if s == st {
			return true
		}
	}
	return false
}

// execOwned runs an UPDATE guarded by status = PROCESSING and the claim token.
// Zero affected rows means the run no longer owns the document.
func (s *Store) execOwned(ctx context.Context, id, token, set string, args ...any) error {
	args = append(args, id, token)
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET `+set+`
		WHERE id = ? AND status = 'PROCESSING' AND claim_token = ?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s is not owned by this run", ErrConflict, id)
	}
	return nil
}

// RenewLease extends the lease held by token.
func (s *Store) RenewLease(ctx context.Context, id, token string, until time.Time) error {
	return s.execOwned(ctx, id, token, `lease_expires_at = ?, updated_at = ?`,
		formatTime(until), formatTime(s.now()))
}

// UpdateMetadata records extraction results. pageCount may be nil.
func (s *Store) UpdateMetadata(ctx context.Context, id, token string, pageCount *int, author string) error {
	var pc any
	if pageCount != nil {
		pc = *pageCount
	}
	return s.execOwned(ctx, id, token, `page_count = ?, author = ?, updated_at = ?`,
		pc, author, formatTime(s.now()))
}

// CompleteDocument stores the summary and flips the document to COMPLETED in
// a single statement, releasing the lease.
func (s *Store) CompleteDocument(ctx context.Context, id, token string, sum Summary) error {
	concepts := sum.Concepts
	if concepts == nil {
		concepts = []string{}
	}
	raw, err := json.Marshal(concepts)
	if err != nil {
		return fmt.Errorf("encoding concepts: %w", err)
	}
	return s.execOwned(ctx, id, token,
		`status = 'COMPLETED', summary_short = ?, summary_long = ?, concepts = ?,
		claim_token = '', lease_expires_at = NULL, updated_at = ?`,
		sum.Short, sum.Long, string(raw), formatTime(s.now()))
}

// FailDocument moves an owned document to ERROR.
func (s *Store) FailDocument(ctx context.Context, id, token string) error {
	return s.execOwned(ctx, id, token,
		`status = 'ERROR', claim_token = '', lease_expires_at = NULL, updated_at = ?`,
		formatTime(s.now()))
}

// ExpireLeases moves every PROCESSING document whose lease ended before now
// to ERROR and returns their ids.
func (s *Store) ExpireLeases(ctx context.Context, now time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning expiry transaction: %w", err)
	}
	defer tx.Rollback()

	cutoff := formatTime(now)
	rows, err := tx.QueryContext(ctx, `SELECT id FROM documents
		WHERE status = 'PROCESSING' AND (lease_expires_at IS NULL OR lease_expires_at < ?)`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("selecting expired leases: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, formatTime(s.now()))
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE documents
		SET status = 'ERROR', claim_token = '', lease_expires_at = NULL, updated_at = ?
		WHERE status = 'PROCESSING' AND id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, args...); err != nil {
		return nil, fmt.Errorf("expiring leases: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing expiry: %w", err)
	}
	return ids, nil
}

// DeleteDocument removes the document and its chat history and returns the
// deleted record so the caller can purge vectors and the stored file. A
// PROCESSING document is refused with ErrConflict; the check and the delete
// are one transaction, so a concurrent claim cannot slip between them.
func (s *Store) DeleteDocument(ctx context.Context, id string) (Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Document{}, fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	d, err := scanDocument(tx.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	if d.Status == StatusProcessing {
		return Document{}, fmt.Errorf("%w: document %s is being ingested", ErrConflict, id)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE document_id = ?`, id); err != nil {
		return Document{}, fmt.Errorf("deleting messages of %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ? AND status != 'PROCESSING'`, id)
	if err != nil {
		return Document{}, fmt.Errorf("deleting document %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Document{}, err
	}
	if n == 0 {
		return Document{}, fmt.Errorf("%w: document %s is being ingested", ErrConflict, id)
	}
	if err := tx.Commit(); err != nil {
		return Document{}, fmt.Errorf("committing delete: %w", err)
	}
	return d, nil
}
