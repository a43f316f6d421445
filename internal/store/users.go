package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"matheditor/internal/document"
)

const userColumns = `id, name, email, password_hash, role, handle, image, created_at`

func scanUser(row pgx.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Role, &user.Handle, &user.Image, &user.CreatedAt)
	return user, err
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	if user.Role == "" {
		user.Role = "user"
	}
	created, err := scanUser(s.db.Pool.QueryRow(ctx, `
		INSERT INTO users (id, name, email, password_hash, role, handle, image)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $7)
		RETURNING `+userColumns,
		user.ID, user.Name, user.Email, user.PasswordHash, user.Role, user.Handle, user.Image))
	if isUniqueViolation(err) {
		return User{}, fmt.Errorf("insert user: %w", document.ErrAlreadyExists)
	}
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, err := scanUser(s.db.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
	if err != nil {
		return User{}, notFound(err, "get user")
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, err := scanUser(s.db.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email=LOWER($1)`, email))
	if err != nil {
		return User{}, notFound(err, "get user by email")
	}
	return user, nil
}

// UsersByID loads several users at once; missing ids are skipped.
func (s *PostgresStore) UsersByID(ctx context.Context, ids []string) (map[string]User, error) {
	out := make(map[string]User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.Pool.Query(ctx, `SELECT `+userColumns+` FROM users WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out[user.ID] = user
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return out, nil
}
