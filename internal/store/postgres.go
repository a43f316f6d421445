package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"matheditor/internal/document"
)

type PostgresStore struct {
	db *DB
}

func NewPostgresStore(db *DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Pool.Ping(ctx)
}

const documentColumns = `id, name, type, head, handle, base_id, parent_id, domain_id, sort_order, private, published, author_id, created_at, updated_at`

func scanDocument(row pgx.Row) (Document, error) {
	var item Document
	err := row.Scan(&item.ID, &item.Name, &item.Type, &item.Head, &item.Handle, &item.BaseID, &item.ParentID,
		&item.DomainID, &item.SortOrder, &item.Private, &item.Published, &item.AuthorID, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

func collectDocuments(rows pgx.Rows, err error) ([]Document, error) {
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		item, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, document.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// CreateDocument inserts the document and its initial revision together.
func (s *PostgresStore) CreateDocument(ctx context.Context, item Document, revision Revision) error {
	if revision.DocumentID != item.ID || revision.ID != item.Head {
		return fmt.Errorf("create document %s: %w", item.ID, document.ErrForeignRevision)
	}
	return s.db.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO documents (id, name, type, head, handle, base_id, parent_id, domain_id, sort_order, private, published, author_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`, item.ID, item.Name, item.Type, item.Head, item.Handle, item.BaseID, item.ParentID, item.DomainID,
			item.SortOrder, item.Private, item.Published, item.AuthorID, item.CreatedAt, item.UpdatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("insert document: %w", document.ErrHandleTaken)
		}
		if err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		return insertRevision(ctx, tx, revision)
	})
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	item, err := scanDocument(s.db.Pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, documentID))
	if err != nil {
		return Document{}, notFound(err, "get document")
	}
	return item, nil
}

func (s *PostgresStore) GetDocumentByHandle(ctx context.Context, handle string) (Document, error) {
	item, err := scanDocument(s.db.Pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE handle=$1`, handle))
	if err != nil {
		return Document{}, notFound(err, "get document by handle")
	}
	return item, nil
}

// DocumentIDByHandle satisfies document.HandleLookup.
func (s *PostgresStore) DocumentIDByHandle(ctx context.Context, handle string) (string, error) {
	var id string
	if err := s.db.Pool.QueryRow(ctx, `SELECT id FROM documents WHERE handle=$1`, handle).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", document.ErrNotFound
		}
		return "", fmt.Errorf("lookup handle: %w", err)
	}
	return id, nil
}

// ListDocumentsForUser returns documents the user authored or co-authors.
func (s *PostgresStore) ListDocumentsForUser(ctx context.Context, userID, email string) ([]Document, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE author_id=$1
		   OR id IN (SELECT document_id FROM coauthors WHERE LOWER(user_email)=LOWER($2))
		ORDER BY updated_at DESC
	`, userID, email)
	return collectDocuments(rows, err)
}

// ListPublished returns public, published documents, newest first.
func (s *PostgresStore) ListPublished(ctx context.Context, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE published AND NOT private
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit)
	return collectDocuments(rows, err)
}

// ListChildren returns the documents directly under parentID.
func (s *PostgresStore) ListChildren(ctx context.Context, parentID string) ([]Document, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE parent_id=$1
		ORDER BY sort_order NULLS LAST, name
	`, parentID)
	return collectDocuments(rows, err)
}

// DocumentLink fetches the domain and parent of one node for the ancestry walk.
func (s *PostgresStore) DocumentLink(ctx context.Context, documentID string) (DocumentLink, error) {
	var link DocumentLink
	err := s.db.Pool.QueryRow(ctx, `SELECT domain_id, parent_id FROM documents WHERE id=$1`, documentID).
		Scan(&link.DomainID, &link.ParentID)
	if err != nil {
		return DocumentLink{}, notFound(err, "get document link")
	}
	return link, nil
}

// UpdateDocument applies metadata changes and bumps updated_at.
func (s *PostgresStore) UpdateDocument(ctx context.Context, documentID string, patch DocumentPatch) error {
	sets, args := patchAssignments(patch)
	args = append(args, documentID)
	query := `UPDATE documents SET ` + strings.Join(sets, ", ") + ` WHERE id=$` + strconv.Itoa(len(args))

	tag, err := s.db.Pool.Exec(ctx, query, args...)
	if isUniqueViolation(err) {
		return fmt.Errorf("update document: %w", document.ErrHandleTaken)
	}
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update document %s: %w", documentID, document.ErrNotFound)
	}
	return nil
}

func patchAssignments(patch DocumentPatch) ([]string, []any) {
	sets := []string{}
	args := []any{}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, column+"=$"+strconv.Itoa(len(args)))
	}
	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.Handle != nil {
		add("handle", document.StringPtr(*patch.Handle))
	}
	if patch.ParentID != nil {
		add("parent_id", document.StringPtr(*patch.ParentID))
	}
	if patch.DomainID != nil {
		add("domain_id", document.StringPtr(*patch.DomainID))
	}
	if patch.SortOrder != nil {
		add("sort_order", *patch.SortOrder)
	}
	if patch.Private != nil {
		add("private", *patch.Private)
	}
	if patch.Published != nil {
		add("published", *patch.Published)
	}
	sets = append(sets, "updated_at=NOW()")
	return sets, args
}

// CommitRevision stores a new revision and makes it the document's head in one transaction.
func (s *PostgresStore) CommitRevision(ctx context.Context, revision Revision) error {
	return s.db.inTx(ctx, func(tx pgx.Tx) error {
		if err := insertRevision(ctx, tx, revision); err != nil {
			return err
		}
		return setHead(ctx, tx, revision.DocumentID, revision.ID)
	})
}

// SetHead points the document at an existing revision of its own.
func (s *PostgresStore) SetHead(ctx context.Context, documentID, revisionID string) error {
	return s.db.inTx(ctx, func(tx pgx.Tx) error {
		var owner string
		if err := tx.QueryRow(ctx, `SELECT document_id FROM revisions WHERE id=$1`, revisionID).Scan(&owner); err != nil {
			return notFound(err, "lookup revision")
		}
		if owner != documentID {
			return fmt.Errorf("set head %s on %s: %w", revisionID, documentID, document.ErrForeignRevision)
		}
		return setHead(ctx, tx, documentID, revisionID)
	})
}

func setHead(ctx context.Context, tx pgx.Tx, documentID, revisionID string) error {
	tag, err := tx.Exec(ctx, `UPDATE documents SET head=$2, updated_at=NOW() WHERE id=$1`, documentID, revisionID)
	if err != nil {
		return fmt.Errorf("set head: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set head on %s: %w", documentID, document.ErrNotFound)
	}
	return nil
}

// DeleteDocument removes the document and everything below it. It returns the removed ids,
// the document itself first. Revisions and co-author rows cascade.
func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) ([]string, error) {
	var removed []string
	err := s.db.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			WITH RECURSIVE subtree(id) AS (
				SELECT id FROM documents WHERE id=$1
				UNION
				SELECT d.id FROM documents d JOIN subtree s ON d.parent_id = s.id
			)
			SELECT id FROM subtree ORDER BY id = $1 DESC, id
		`, documentID)
		if err != nil {
			return fmt.Errorf("collect subtree: %w", err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("collect subtree: %w", err)
		}
		if len(ids) == 0 {
			return fmt.Errorf("delete document %s: %w", documentID, document.ErrNotFound)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM documents WHERE id = ANY($1)`, ids)
		if err != nil {
			return fmt.Errorf("delete document: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("delete document %s: %w", documentID, document.ErrNotFound)
		}
		removed = ids
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func insertRevision(ctx context.Context, tx pgx.Tx, revision Revision) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO revisions (id, document_id, author_id, data, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, revision.ID, revision.DocumentID, revision.AuthorID, []byte(revision.Data), revision.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert revision: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRevision(ctx context.Context, revisionID string) (Revision, error) {
	var item Revision
	var data []byte
	err := s.db.Pool.QueryRow(ctx, `
		SELECT id, document_id, author_id, data, created_at FROM revisions WHERE id=$1
	`, revisionID).Scan(&item.ID, &item.DocumentID, &item.AuthorID, &data, &item.CreatedAt)
	if err != nil {
		return Revision{}, notFound(err, "get revision")
	}
	item.Data = data
	return item, nil
}

// ListRevisions returns a document's revisions without their data, newest first.
func (s *PostgresStore) ListRevisions(ctx context.Context, documentID string) ([]Revision, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, document_id, author_id, created_at
		FROM revisions
		WHERE document_id=$1
		ORDER BY created_at DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	items := make([]Revision, 0)
	for rows.Next() {
		var item Revision
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.AuthorID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}
	return items, nil
}

// DeleteRevision removes a revision of documentID unless it is the head.
func (s *PostgresStore) DeleteRevision(ctx context.Context, documentID, revisionID string) error {
	return s.db.inTx(ctx, func(tx pgx.Tx) error {
		var head string
		if err := tx.QueryRow(ctx, `SELECT head FROM documents WHERE id=$1 FOR UPDATE`, documentID).Scan(&head); err != nil {
			return notFound(err, "lookup document head")
		}
		if head == revisionID {
			return fmt.Errorf("delete revision %s: %w", revisionID, document.ErrHeadRevision)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM revisions WHERE id=$1 AND document_id=$2`, revisionID, documentID)
		if err != nil {
			return fmt.Errorf("delete revision: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("delete revision %s: %w", revisionID, document.ErrNotFound)
		}
		return nil
	})
}

func (s *PostgresStore) ListCoauthors(ctx context.Context, documentID string) ([]Coauthor, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT c.document_id, c.user_email, u.id, u.name, u.image, c.created_at
		FROM coauthors c
		LEFT JOIN users u ON LOWER(u.email)=LOWER(c.user_email)
		WHERE c.document_id=$1
		ORDER BY c.created_at
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list coauthors: %w", err)
	}
	defer rows.Close()

	items := make([]Coauthor, 0)
	for rows.Next() {
		var item Coauthor
		if err := rows.Scan(&item.DocumentID, &item.Email, &item.UserID, &item.Name, &item.Image, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan coauthor: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate coauthors: %w", err)
	}
	return items, nil
}

// AddCoauthor is idempotent; it reports whether a row was inserted.
func (s *PostgresStore) AddCoauthor(ctx context.Context, documentID, email string) (bool, error) {
	tag, err := s.db.Pool.Exec(ctx, `
		INSERT INTO coauthors (document_id, user_email)
		VALUES ($1, LOWER($2))
		ON CONFLICT (document_id, user_email) DO NOTHING
	`, documentID, email)
	if err != nil {
		return false, fmt.Errorf("add coauthor: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) RemoveCoauthor(ctx context.Context, documentID, email string) error {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM coauthors WHERE document_id=$1 AND LOWER(user_email)=LOWER($2)`, documentID, email)
	if err != nil {
		return fmt.Errorf("remove coauthor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("remove coauthor %s: %w", email, document.ErrNotFound)
	}
	return nil
}

// IsCoauthor reports whether email is listed on the document.
func (s *PostgresStore) IsCoauthor(ctx context.Context, documentID, email string) (bool, error) {
	var exists bool
	err := s.db.Pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM coauthors WHERE document_id=$1 AND LOWER(user_email)=LOWER($2))
	`, documentID, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check coauthor: %w", err)
	}
	return exists, nil
}

// SearchDocuments is the full-text fallback when the search engine is unavailable.
func (s *PostgresStore) SearchDocuments(ctx context.Context, query string, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE published AND NOT private
		  AND to_tsvector('simple', name) @@ plainto_tsquery('simple', $1)
		ORDER BY ts_rank(to_tsvector('simple', name), plainto_tsquery('simple', $1)) DESC, updated_at DESC
		LIMIT $2
	`, query, limit)
	return collectDocuments(rows, err)
}
