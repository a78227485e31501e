// Package catalog caches the data catalog's model and field metadata.
package catalog

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/catalog-insight/server/internal/agent/model"
)

var ErrUnknownModel = errors.New("catalog: unknown model")

const modelsCacheKey = "models"

func fieldsCacheKey(modelID string) string { return "fields:" + modelID }

// Accessor is a read-through TTL cache in front of a CatalogSource. Cached
// slices are never handed out directly; callers get copies. Concurrent misses
// for one key share a single source load, which runs detached from the
// cancellation of whichever caller started it.
type Accessor struct {
	source model.CatalogSource
	ttl    time.Duration
	cache  *ttlcache.Cache[string, any]
	loads  singleflight.Group
}

func NewAccessor(source model.CatalogSource, ttl time.Duration) *Accessor {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Accessor{
		source: source,
		ttl:    ttl,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, any](ttl),
			ttlcache.WithDisableTouchOnHit[string, any](),
		),
	}
}

func (a *Accessor) getCached(key string) (any, bool) {
	item := a.cache.Get(key)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (a *Accessor) setCached(key string, v any) {
	a.cache.Set(key, v, a.ttl)
}

// load runs fn once per key across concurrent callers. Each caller waits
// only as long as its own context allows.
func (a *Accessor) load(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	detached := context.WithoutCancel(ctx)
	ch := a.loads.DoChan(key, func() (any, error) {
		return fn(detached)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

// ListModels returns all catalog models.
func (a *Accessor) ListModels(ctx context.Context) ([]model.CatalogModel, error) {
	if v, ok := a.getCached(modelsCacheKey); ok {
		return append([]model.CatalogModel(nil), v.([]model.CatalogModel)...), nil
	}
	v, err := a.load(ctx, modelsCacheKey, func(ctx context.Context) (any, error) {
		models, err := a.source.ListModels(ctx)
		if err != nil {
			return nil, err
		}
		a.setCached(modelsCacheKey, models)
		return models, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]model.CatalogModel(nil), v.([]model.CatalogModel)...), nil
}

// GetFields returns the fields of modelID.
func (a *Accessor) GetFields(ctx context.Context, modelID string) ([]model.Field, error) {
	key := fieldsCacheKey(modelID)
	if v, ok := a.getCached(key); ok {
		return append([]model.Field(nil), v.([]model.Field)...), nil
	}
	v, err := a.load(ctx, key, func(ctx context.Context) (any, error) {
		fields, err := a.source.GetFields(ctx, modelID)
		if err != nil {
			return nil, err
		}
		a.setCached(key, fields)
		return fields, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]model.Field(nil), v.([]model.Field)...), nil
}

// Model looks up one model by id.
func (a *Accessor) Model(ctx context.Context, modelID string) (model.CatalogModel, error) {
	models, err := a.ListModels(ctx)
	if err != nil {
		return model.CatalogModel{}, err
	}
	for _, m := range models {
		if m.ID == modelID {
			return m, nil
		}
	}
	return model.CatalogModel{}, ErrUnknownModel
}

// Vocabulary returns every model and field term in the catalog.
func (a *Accessor) Vocabulary(ctx context.Context) ([]string, error) {
	models, err := a.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range models {
		out = append(out, m.Terms()...)
		fields, err := a.GetFields(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		for _, f := range fields {
			out = append(out, f.Terms()...)
		}
	}
	return out, nil
}

// KnownValues returns the distinct lower-cased sample values of every
// string field in the catalog.
func (a *Accessor) KnownValues(ctx context.Context) ([]string, error) {
	models, err := a.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	for _, m := range models {
		fields, err := a.GetFields(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		for _, f := range fields {
			if f.Type != model.FieldString {
				continue
			}
			for _, v := range f.SampleValues {
				v = strings.ToLower(v)
				if _, dup := seen[v]; !dup {
					seen[v] = struct{}{}
					out = append(out, v)
				}
			}
		}
	}
	return out, nil
}

// Invalidate drops every cached entry.
func (a *Accessor) Invalidate() {
	a.cache.DeleteAll()
}
