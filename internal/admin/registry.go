package admin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"filestore/internal/logging"
	"filestore/internal/store"
)

var (
	ErrUnauthorized   = store.ErrUnauthorized
	ErrOwnerImmutable = errors.New("the owner cannot be removed")
)

var (
	adminCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filestore_admin_cache_hits_total",
		Help: "Admin lookups answered from the cache.",
	})
	adminCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filestore_admin_cache_misses_total",
		Help: "Admin lookups that went to the database.",
	})
)

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = 5 * time.Minute
)

// Store is the persistence the registry needs.
type Store interface {
	EnsureAdmin(ctx context.Context, id int64) error
	AddAdmin(ctx context.Context, id int64) error
	RemoveAdmin(ctx context.Context, id int64) error
	IsAdmin(ctx context.Context, id int64) (bool, error)
	ListAdmins(ctx context.Context) ([]int64, error)
}

// Registry answers who may run privileged commands. The owner is always an
// admin; only the owner may change the admin set.
type Registry struct {
	store Store
	owner int64
	cache *expirable.LRU[int64, bool]
}

// NewRegistry creates a registry for the given owner.
func NewRegistry(s Store, owner int64) *Registry {
	return &Registry{
		store: s,
		owner: owner,
		cache: expirable.NewLRU[int64, bool](defaultCacheSize, nil, defaultCacheTTL),
	}
}

// IsOwner reports whether id is the owner.
func (r *Registry) IsOwner(id int64) bool {
	return id == r.owner
}

// EnsureOwner persists the owner's admin row.
func (r *Registry) EnsureOwner(ctx context.Context) error {
	if err := r.store.EnsureAdmin(ctx, r.owner); err != nil {
		return fmt.Errorf("failed to ensure owner admin: %w", err)
	}
	r.cache.Add(r.owner, true)
	return nil
}

func (r *Registry) IsAdmin(ctx context.Context, id int64) (bool, error) {
	if id == r.owner {
		return true, nil
	}
	if ok, found := r.cache.Get(id); found {
		adminCacheHitsTotal.Inc()
		return ok, nil
	}
	adminCacheMissesTotal.Inc()

	ok, err := r.store.IsAdmin(ctx, id)
	if err != nil {
		return false, err
	}
	r.cache.Add(id, ok)
	return ok, nil
}

// AddAdmin grants admin rights to id. Adding an existing admin is a no-op.
func (r *Registry) AddAdmin(ctx context.Context, actor, id int64) error {
	if actor != r.owner {
		return ErrUnauthorized
	}
	if err := r.store.AddAdmin(ctx, id); err != nil {
		return err
	}
	r.cache.Remove(id)
	logging.Bot.Printf("admin %d added by %d", id, actor)
	return nil
}

// RemoveAdmin revokes admin rights from id. Returns store.ErrNotFound when id
// was not an admin.
func (r *Registry) RemoveAdmin(ctx context.Context, actor, id int64) error {
	if actor != r.owner {
		return ErrUnauthorized
	}
	if id == r.owner {
		return ErrOwnerImmutable
	}
	err := r.store.RemoveAdmin(ctx, id)
	r.cache.Remove(id)
	if err != nil {
		return err
	}
	logging.Bot.Printf("admin %d removed by %d", id, actor)
	return nil
}

// List returns all admin ids, owner included. Only admins may list.
func (r *Registry) List(ctx context.Context, actor int64) ([]int64, error) {
	ok, err := r.IsAdmin(ctx, actor)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnauthorized
	}

	ids, err := r.store.ListAdmins(ctx)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(ids, r.owner) {
		ids = append([]int64{r.owner}, ids...)
	}
	return ids, nil
}
