package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"matheditor/internal/document"
)

const revisionColumns = `id, document_id, data, created_at`

func scanRevision(row rowScanner) (document.Revision, error) {
	var (
		revision  document.Revision
		data      string
		createdAt string
	)
	if err := row.Scan(&revision.ID, &revision.DocumentID, &data, &createdAt); err != nil {
		return document.Revision{}, err
	}
	revision.Data = json.RawMessage(data)
	var err error
	revision.CreatedAt, err = parseTime(createdAt)
	return revision, err
}

func (s *Store) GetRevision(ctx context.Context, id string) (document.Revision, error) {
	revision, err := scanRevision(s.db.QueryRowContext(ctx, `SELECT `+revisionColumns+` FROM revisions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return document.Revision{}, fmt.Errorf("get local revision %s: %w", id, document.ErrNotFound)
	}
	if err != nil {
		return document.Revision{}, fmt.Errorf("get local revision: %w", err)
	}
	return revision, nil
}

func (s *Store) GetAllRevisions(ctx context.Context) ([]document.Revision, error) {
	return s.queryRevisions(ctx, `SELECT `+revisionColumns+` FROM revisions ORDER BY created_at`)
}

// RevisionsOf lists a document's revisions, oldest first.
func (s *Store) RevisionsOf(ctx context.Context, documentID string) ([]document.Revision, error) {
	return s.queryRevisions(ctx, `SELECT `+revisionColumns+` FROM revisions WHERE document_id = ? ORDER BY created_at`, documentID)
}

func (s *Store) queryRevisions(ctx context.Context, query string, args ...any) ([]document.Revision, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list local revisions: %w", err)
	}
	defer rows.Close()

	revisions := []document.Revision{}
	for rows.Next() {
		revision, err := scanRevision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan local revision: %w", err)
		}
		revisions = append(revisions, revision)
	}
	return revisions, rows.Err()
}

func (s *Store) AddRevision(ctx context.Context, revision document.Revision) error {
	return addRevision(ctx, s.db, revision)
}

func addRevision(ctx context.Context, db execer, revision document.Revision) error {
	_, err := db.ExecContext(ctx, `INSERT INTO revisions (`+revisionColumns+`) VALUES (?, ?, ?, ?)`,
		revision.ID, revision.DocumentID, string(revision.Data), formatTime(revision.CreatedAt))
	if err != nil {
		return fmt.Errorf("add local revision: %w", err)
	}
	return nil
}

// RemoveRevision deletes a revision unless it is its document's head.
func (s *Store) RemoveRevision(ctx context.Context, id string) error {
	var head sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT d.head FROM revisions r LEFT JOIN documents d ON d.id = r.document_id WHERE r.id = ?
	`, id).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("delete local revision %s: %w", id, document.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lookup local revision: %w", err)
	}
	if head.Valid && head.String == id {
		return fmt.Errorf("delete local revision %s: %w", id, document.ErrHeadRevision)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM revisions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete local revision: %w", err)
	}
	return nil
}

// Create inserts a new document together with its initial revision.
func (s *Store) Create(ctx context.Context, doc document.Document, revision document.Revision) error {
	if revision.DocumentID != doc.ID || revision.ID != doc.Head {
		return fmt.Errorf("create local document %s: %w", doc.ID, document.ErrForeignRevision)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin local create: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := addDocument(ctx, tx, doc); err != nil {
		return err
	}
	if err := addRevision(ctx, tx, revision); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit local create: %w", err)
	}
	return nil
}

// Commit appends revision and moves the document's head to it in one transaction. Extra
// metadata changes in patch are applied in the same transaction.
func (s *Store) Commit(ctx context.Context, revision document.Revision, patch document.Patch) (document.Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return document.Document{}, fmt.Errorf("begin local commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	doc, err := scanDocument(tx.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, revision.DocumentID))
	if errors.Is(err, sql.ErrNoRows) {
		return document.Document{}, fmt.Errorf("commit to local document %s: %w", revision.DocumentID, document.ErrNotFound)
	}
	if err != nil {
		return document.Document{}, fmt.Errorf("load local document: %w", err)
	}
	if err := document.SetHead(&doc, revision); err != nil {
		return document.Document{}, err
	}
	if err := addRevision(ctx, tx, revision); err != nil {
		return document.Document{}, err
	}

	patch.Head = &doc.Head
	patch.Data = doc.Data
	patch.UpdatedAt = &doc.UpdatedAt
	if err := updateDocument(ctx, tx, doc.ID, patch); err != nil {
		return document.Document{}, err
	}
	doc, err = scanDocument(tx.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, doc.ID))
	if err != nil {
		return document.Document{}, fmt.Errorf("reload local document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return document.Document{}, fmt.Errorf("commit local revision: %w", err)
	}
	return doc, nil
}

// Restore imports documents and revisions, skipping ids already present. A document whose
// handle is held by another local document is stored without a handle. Revisions of
// documents that end up absent are dropped. It returns the number of documents added.
func (s *Store) Restore(ctx context.Context, docs []document.Document, revisions []document.Revision) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin restore: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	added := 0
	for _, doc := range docs {
		if doc.Type == "" {
			doc.Type = document.TypeDocument
		}
		inserted, err := insertIgnore(ctx, tx, doc)
		if err != nil {
			return 0, err
		}
		if !inserted && doc.Handle != nil {
			exists, err := documentExists(ctx, tx, doc.ID)
			if err != nil {
				return 0, err
			}
			if !exists {
				doc.Handle = nil
				if inserted, err = insertIgnore(ctx, tx, doc); err != nil {
					return 0, err
				}
			}
		}
		if inserted {
			added++
		}
	}
	present := make(map[string]bool)
	for _, revision := range revisions {
		ok, seen := present[revision.DocumentID]
		if !seen {
			if ok, err = documentExists(ctx, tx, revision.DocumentID); err != nil {
				return 0, err
			}
			present[revision.DocumentID] = ok
		}
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO revisions (`+revisionColumns+`) VALUES (?, ?, ?, ?)`,
			revision.ID, revision.DocumentID, string(revision.Data), formatTime(revision.CreatedAt)); err != nil {
			return 0, fmt.Errorf("restore revision %s: %w", revision.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit restore: %w", err)
	}
	return added, nil
}

func insertIgnore(ctx context.Context, tx *sql.Tx, doc document.Document) (bool, error) {
	result, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, doc.ID, doc.Name, string(doc.Type), doc.Head, string(doc.Data),
		nullable(doc.Handle), nullable(doc.BaseID), nullable(doc.ParentID), nullableInt(doc.SortOrder),
		formatTime(doc.CreatedAt), formatTime(doc.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("restore document %s: %w", doc.ID, err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func documentExists(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check local document %s: %w", id, err)
	}
	return true, nil
}
