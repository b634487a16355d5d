package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/cafehub/cafeguard/internal/logger"
	"github.com/cafehub/cafeguard/internal/model"
	"github.com/cafehub/cafeguard/internal/repository"
)

// OutletStore is the outlet persistence the directory reads from
type OutletStore interface {
	GetByID(ctx context.Context, id int64) (*model.Outlet, error)
	List(ctx context.Context) ([]model.Outlet, error)
}

// OutletDirectory answers outlet lookups for authorization, caching found
// outlets for a short TTL so scoping a request rarely touches the database.
type OutletDirectory struct {
	store OutletStore
	cache *cache.Cache
	log   *logger.Logger
}

// NewOutletDirectory creates an OutletDirectory caching entries for ttl
func NewOutletDirectory(store OutletStore, ttl time.Duration, log *logger.Logger) *OutletDirectory {
	return &OutletDirectory{
		store: store,
		cache: cache.New(ttl, 2*ttl),
		log:   log.WithComponent("outlet_directory"),
	}
}

// GetOutlet returns the outlet, or (nil, nil) if it does not exist
func (d *OutletDirectory) GetOutlet(ctx context.Context, id int64) (*model.Outlet, error) {
	key := strconv.FormatInt(id, 10)
	if v, ok := d.cache.Get(key); ok {
		o := v.(model.Outlet)
		return &o, nil
	}

	outlet, err := d.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load outlet: %w", err)
	}

	d.cache.Set(key, *outlet, cache.DefaultExpiration)
	return outlet, nil
}

// List returns every outlet and refreshes the cache with them
func (d *OutletDirectory) List(ctx context.Context) ([]model.Outlet, error) {
	outlets, err := d.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, o := range outlets {
		d.cache.Set(strconv.FormatInt(o.ID, 10), o, cache.DefaultExpiration)
	}
	return outlets, nil
}

// Invalidate drops a cached outlet, e.g. after it was deactivated
func (d *OutletDirectory) Invalidate(id int64) {
	d.cache.Delete(strconv.FormatInt(id, 10))
	d.log.Debug().Int64("outlet_id", id).Msg("outlet cache entry invalidated")
}
