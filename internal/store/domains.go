package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"matheditor/internal/document"
)

const domainColumns = `id, slug, name, user_id, color, icon, created_at, updated_at`

func scanDomain(row pgx.Row) (Domain, error) {
	var item Domain
	err := row.Scan(&item.ID, &item.Slug, &item.Name, &item.UserID, &item.Color, &item.Icon, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

func (s *PostgresStore) ListDomains(ctx context.Context, userID string) ([]Domain, error) {
	rows, err := s.db.Pool.Query(ctx, `SELECT `+domainColumns+` FROM domains WHERE user_id=$1 ORDER BY name`, userID)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	defer rows.Close()

	items := make([]Domain, 0)
	for rows.Next() {
		item, err := scanDomain(rows)
		if err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate domains: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetDomain(ctx context.Context, domainID string) (Domain, error) {
	item, err := scanDomain(s.db.Pool.QueryRow(ctx, `SELECT `+domainColumns+` FROM domains WHERE id=$1`, domainID))
	if err != nil {
		return Domain{}, notFound(err, "get domain")
	}
	return item, nil
}

func (s *PostgresStore) GetDomainBySlug(ctx context.Context, slug string) (Domain, error) {
	item, err := scanDomain(s.db.Pool.QueryRow(ctx, `SELECT `+domainColumns+` FROM domains WHERE slug=$1`, slug))
	if err != nil {
		return Domain{}, notFound(err, "get domain by slug")
	}
	return item, nil
}

func (s *PostgresStore) InsertDomain(ctx context.Context, item Domain) (Domain, error) {
	created, err := scanDomain(s.db.Pool.QueryRow(ctx, `
		INSERT INTO domains (id, slug, name, user_id, color, icon)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+domainColumns,
		item.ID, item.Slug, item.Name, item.UserID, item.Color, item.Icon))
	if isUniqueViolation(err) {
		return Domain{}, fmt.Errorf("insert domain: %w", document.ErrAlreadyExists)
	}
	if err != nil {
		return Domain{}, fmt.Errorf("insert domain: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) UpdateDomain(ctx context.Context, item Domain) (Domain, error) {
	updated, err := scanDomain(s.db.Pool.QueryRow(ctx, `
		UPDATE domains SET slug=$2, name=$3, color=$4, icon=$5, updated_at=NOW()
		WHERE id=$1
		RETURNING `+domainColumns,
		item.ID, item.Slug, item.Name, item.Color, item.Icon))
	if isUniqueViolation(err) {
		return Domain{}, fmt.Errorf("update domain: %w", document.ErrAlreadyExists)
	}
	if err != nil {
		return Domain{}, notFound(err, "update domain")
	}
	return updated, nil
}

// DeleteDomain removes the domain; its documents keep existing with domain_id cleared.
func (s *PostgresStore) DeleteDomain(ctx context.Context, domainID string) error {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM domains WHERE id=$1`, domainID)
	if err != nil {
		return fmt.Errorf("delete domain: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete domain %s: %w", domainID, document.ErrNotFound)
	}
	return nil
}
