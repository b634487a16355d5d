package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/cafehub/cafeguard/internal/database"
	"github.com/cafehub/cafeguard/internal/model"
)

// UserRepository reads staff accounts and their outlet assignments
type UserRepository struct {
	db *database.Postgres
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(db *database.Postgres) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `
	SELECT u.id, u.email, u.password_hash, u.role, u.default_outlet_id, u.is_active,
	       COALESCE(array_agg(uo.outlet_id ORDER BY uo.outlet_id)
	                FILTER (WHERE uo.outlet_id IS NOT NULL), '{}') AS assigned_outlets
	FROM users u
	LEFT JOIN user_outlets uo ON uo.user_id = u.id
`

// GetByEmail retrieves a user by email, case-insensitively, with assigned outlets
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	query := userColumns + `
		WHERE lower(u.email) = $1
		GROUP BY u.id
	`
	return r.scanUser(r.db.QueryRowContext(ctx, query, strings.ToLower(strings.TrimSpace(email))))
}

// UpdatePasswordHash replaces the stored hash, used when hashing parameters change
func (r *UserRepository) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	query := `UPDATE users SET password_hash = $1, updated_at = now() WHERE id = $2`
	result, err := r.db.ExecContext(ctx, query, hash, id)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastLogin records a successful sign-in
func (r *UserRepository) TouchLastLogin(ctx context.Context, id string) error {
	query := `UPDATE users SET last_login_at = now() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

func (r *UserRepository) scanUser(row *sql.Row) (*model.User, error) {
	var (
		user          model.User
		defaultOutlet sql.NullInt64
		assigned      pq.Int64Array
	)

	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.Role,
		&defaultOutlet,
		&user.IsActive,
		&assigned,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}

	if defaultOutlet.Valid {
		id := defaultOutlet.Int64
		user.DefaultOutletID = &id
	}
	user.AssignedOutlets = []int64(assigned)

	return &user, nil
}
