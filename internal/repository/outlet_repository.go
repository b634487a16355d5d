package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cafehub/cafeguard/internal/database"
	"github.com/cafehub/cafeguard/internal/model"
)

// OutletRepository reads outlets (tenants)
type OutletRepository struct {
	db *database.Postgres
}

// NewOutletRepository creates a new OutletRepository
func NewOutletRepository(db *database.Postgres) *OutletRepository {
	return &OutletRepository{db: db}
}

// GetByID retrieves an outlet by ID
func (r *OutletRepository) GetByID(ctx context.Context, id int64) (*model.Outlet, error) {
	query := `SELECT id, outlet_name, is_active FROM outlets WHERE id = $1`

	var o model.Outlet
	err := r.db.QueryRowContext(ctx, query, id).Scan(&o.ID, &o.OutletName, &o.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get outlet: %w", err)
	}
	return &o, nil
}

// List returns all outlets ordered by ID
func (r *OutletRepository) List(ctx context.Context) ([]model.Outlet, error) {
	query := `SELECT id, outlet_name, is_active FROM outlets ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list outlets: %w", err)
	}
	defer rows.Close()

	var outlets []model.Outlet
	for rows.Next() {
		var o model.Outlet
		if err := rows.Scan(&o.ID, &o.OutletName, &o.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan outlet: %w", err)
		}
		outlets = append(outlets, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outlets: %w", err)
	}
	return outlets, nil
}
