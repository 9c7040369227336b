// Package listcache caches listing query results and drops them by prefix
// whenever published data changes. Invalidation is coarse: a
// mutation clears the whole listing namespace it touches.
package listcache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/dharsanguruparan/cardvault/internal/logger"
	"github.com/dharsanguruparan/cardvault/internal/metrics"
	"github.com/dharsanguruparan/cardvault/internal/repository"
)

// Key prefixes.
const (
	PrefixCards       = "cards:list:"
	PrefixCollections = "collections:list:"
	PrefixCardDetail  = "cards:detail:"
)

// Cache is a byte cache with prefix deletion.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte) error
	Delete(ctx context.Context, keys ...string) error
	// DeletePrefix removes every key starting with prefix and reports how
	// many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Scope selects which listing namespaces an invalidation clears.
type Scope uint8

const (
	ScopeCards Scope = 1 << iota
	ScopeCollections

	ScopeAll = ScopeCards | ScopeCollections
)

func (s Scope) prefixes() []string {
	var out []string
	if s&ScopeCards != 0 {
		out = append(out, PrefixCards)
	}
	if s&ScopeCollections != 0 {
		out = append(out, PrefixCollections)
	}
	return out
}

// Invalidator clears cached listings after mutations. Failures are logged
// and never fail the mutation that triggered them.
type Invalidator struct {
	cache Cache
	log   *logger.Logger
}

func NewInvalidator(cache Cache, log *logger.Logger) *Invalidator {
	if log == nil {
		log = logger.Nop()
	}
	return &Invalidator{cache: cache, log: log.With("component", "listcache")}
}

// Invalidate clears every listing under scope.
func (i *Invalidator) Invalidate(ctx context.Context, scope Scope) {
	if i == nil || i.cache == nil {
		return
	}
	for _, prefix := range scope.prefixes() {
		n, err := i.cache.DeletePrefix(ctx, prefix)
		if err != nil {
			i.log.Warn("listing cache invalidation failed", "prefix", prefix, "error", err)
			continue
		}
		metrics.ListCacheInvalidations.WithLabelValues(prefix).Inc()
		i.log.Debug("listing cache invalidated", "prefix", prefix, "removed", n)
	}
}

// InvalidateCard drops a card's detail entry and every card listing.
func (i *Invalidator) InvalidateCard(ctx context.Context, cardID string) {
	if i == nil || i.cache == nil {
		return
	}
	if err := i.cache.Delete(ctx, CardDetailKey(cardID)); err != nil {
		i.log.Warn("card detail invalidation failed", "card_id", cardID, "error", err)
	}
	i.Invalidate(ctx, ScopeCards)
}

// CardListKey derives the cache key for a card listing query.
func CardListKey(q repository.CardQuery) string {
	q = q.Normalize()
	v := url.Values{}
	v.Set("page", strconv.Itoa(q.Page))
	v.Set("limit", strconv.Itoa(q.Limit))
	v.Set("sort", q.Sort)
	if q.CollectionID != "" {
		v.Set("collection", q.CollectionID)
	}
	if q.Tag != "" {
		v.Set("tag", q.Tag)
	}
	if q.Creator != "" {
		v.Set("creator", q.Creator)
	}
	return PrefixCards + v.Encode()
}

// CollectionListKey derives the cache key for a collection listing query.
func CollectionListKey(q repository.CollectionQuery) string {
	q = q.Normalize()
	v := url.Values{}
	v.Set("page", strconv.Itoa(q.Page))
	v.Set("limit", strconv.Itoa(q.Limit))
	if q.Creator != "" {
		v.Set("creator", q.Creator)
	}
	return PrefixCollections + v.Encode()
}

func CardDetailKey(id string) string { return PrefixCardDetail + id }

// Load returns the cached value under key or calls load and caches its
// result. Cache errors degrade to calling load.
func Load[T any](ctx context.Context, c Cache, key string, load func(ctx context.Context) (T, error)) (T, error) {
	if c != nil {
		raw, ok, err := c.Get(ctx, key)
		if err == nil && ok {
			var v T
			if err := json.Unmarshal(raw, &v); err == nil {
				metrics.ListCacheLookups.WithLabelValues("hit").Inc()
				return v, nil
			}
		}
		metrics.ListCacheLookups.WithLabelValues("miss").Inc()
	}
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	if c != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return v, fmt.Errorf("encode cache value: %w", err)
		}
		_ = c.Set(ctx, key, raw)
	}
	return v, nil
}

// Options configures the cache backends.
type Options struct {
	Size int
	TTL  time.Duration
}
