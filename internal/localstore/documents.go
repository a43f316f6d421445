package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"matheditor/internal/document"
)

const documentColumns = `id, name, type, head, data, handle, base_id, parent_id, sort_order, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (document.Document, error) {
	var (
		doc                      document.Document
		docType, data            string
		handle, baseID, parentID sql.NullString
		sortOrder                sql.NullInt64
		createdAt, updatedAt     string
	)
	if err := row.Scan(&doc.ID, &doc.Name, &docType, &doc.Head, &data, &handle, &baseID, &parentID, &sortOrder, &createdAt, &updatedAt); err != nil {
		return document.Document{}, err
	}
	doc.Type = document.Type(docType)
	doc.Data = json.RawMessage(data)
	doc.Handle = nullString(handle)
	doc.BaseID = nullString(baseID)
	doc.ParentID = nullString(parentID)
	if sortOrder.Valid {
		order := int(sortOrder.Int64)
		doc.SortOrder = &order
	}
	var err error
	if doc.CreatedAt, err = parseTime(createdAt); err != nil {
		return document.Document{}, err
	}
	if doc.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return document.Document{}, err
	}
	return doc, nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (document.Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return document.Document{}, fmt.Errorf("get local document %s: %w", id, document.ErrNotFound)
	}
	if err != nil {
		return document.Document{}, fmt.Errorf("get local document: %w", err)
	}
	return doc, nil
}

// DocumentIDByHandle satisfies document.HandleLookup for local handle checks.
func (s *Store) DocumentIDByHandle(ctx context.Context, handle string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM documents WHERE handle = ?`, handle).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", document.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup local handle: %w", err)
	}
	return id, nil
}

func (s *Store) GetAllDocuments(ctx context.Context) ([]document.Document, error) {
	return s.queryDocuments(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY updated_at DESC`)
}

// ChildrenOf lists the documents directly under parentID.
func (s *Store) ChildrenOf(ctx context.Context, parentID string) ([]document.Document, error) {
	return s.queryDocuments(ctx, `SELECT `+documentColumns+` FROM documents WHERE parent_id = ? ORDER BY sort_order, name`, parentID)
}

func (s *Store) queryDocuments(ctx context.Context, query string, args ...any) ([]document.Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list local documents: %w", err)
	}
	defer rows.Close()

	docs := []document.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan local document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *Store) AddDocument(ctx context.Context, doc document.Document) error {
	return addDocument(ctx, s.db, doc)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func addDocument(ctx context.Context, db execer, doc document.Document) error {
	if doc.Type == "" {
		doc.Type = document.TypeDocument
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, doc.ID, doc.Name, string(doc.Type), doc.Head, string(doc.Data),
		nullable(doc.Handle), nullable(doc.BaseID), nullable(doc.ParentID), nullableInt(doc.SortOrder),
		formatTime(doc.CreatedAt), formatTime(doc.UpdatedAt))
	if err != nil {
		return fmt.Errorf("add local document: %w", err)
	}
	return nil
}

// UpdateDocument applies patch and returns the updated record. A Head in the patch must name a
// revision of this document already in the store; its data replaces the document's.
func (s *Store) UpdateDocument(ctx context.Context, id string, patch document.Patch) (document.Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return document.Document{}, fmt.Errorf("begin local update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if patch.Head != nil && patch.Data == nil {
		var revisionDocument, data string
		err := tx.QueryRowContext(ctx, `SELECT document_id, data FROM revisions WHERE id = ?`, *patch.Head).Scan(&revisionDocument, &data)
		if errors.Is(err, sql.ErrNoRows) {
			return document.Document{}, fmt.Errorf("set head %s: %w", *patch.Head, document.ErrNotFound)
		}
		if err != nil {
			return document.Document{}, fmt.Errorf("lookup head revision: %w", err)
		}
		if revisionDocument != id {
			return document.Document{}, fmt.Errorf("set head %s on %s: %w", *patch.Head, id, document.ErrForeignRevision)
		}
		patch.Data = json.RawMessage(data)
	}

	if err := updateDocument(ctx, tx, id, patch); err != nil {
		return document.Document{}, err
	}
	doc, err := scanDocument(tx.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id))
	if err != nil {
		return document.Document{}, fmt.Errorf("reload local document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return document.Document{}, fmt.Errorf("commit local update: %w", err)
	}
	return doc, nil
}

func updateDocument(ctx context.Context, db execer, id string, patch document.Patch) error {
	sets := []string{}
	args := []any{}
	add := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.Head != nil {
		add("head", *patch.Head)
	}
	if patch.Data != nil {
		add("data", string(patch.Data))
	}
	if patch.Handle != nil {
		add("handle", nullable(document.StringPtr(*patch.Handle)))
	}
	if patch.ParentID != nil {
		add("parent_id", nullable(document.StringPtr(*patch.ParentID)))
	}
	if patch.SortOrder != nil {
		add("sort_order", *patch.SortOrder)
	}
	updatedAt := time.Now().UTC()
	if patch.UpdatedAt != nil {
		updatedAt = *patch.UpdatedAt
	}
	add("updated_at", formatTime(updatedAt))
	args = append(args, id)

	result, err := db.ExecContext(ctx, `UPDATE documents SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update local document: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("update local document %s: %w", id, document.ErrNotFound)
	}
	return nil
}

// RemoveDocument deletes the document and its revisions.
func (s *Store) RemoveDocument(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin local delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete local document: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("delete local document %s: %w", id, document.ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM revisions WHERE document_id = ?`, id); err != nil {
		return fmt.Errorf("delete local revisions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit local delete: %w", err)
	}
	return nil
}

func nullString(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

func nullable(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableInt(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	return t, nil
}
