package kpi

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aiops/kpiquery/pkg/cache"
)

// CachedStore wraps a MetricStore with a cache-aside layer for metric
// payloads. Only windows whose last bucket has closed are cached, since open
// buckets are still receiving data. Spans ingested through the store evict
// every payload this process cached for a window they fall into.
type CachedStore struct {
	next    MetricStore
	payload *cache.CacheAside[json.RawMessage]
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	windows map[string]cachedWindow
}

// cachedWindow is the time range [from, until) behind one cache key.
type cachedWindow struct {
	from    time.Time
	until   time.Time
	expires time.Time
}

// NewCachedStore caches payloads of next in c for ttl.
func NewCachedStore(next MetricStore, c cache.Store, ttl time.Duration) *CachedStore {
	return &CachedStore{
		next:    next,
		payload: cache.NewCacheAside[json.RawMessage](c, ttl).WithKeyFunc(func(k string) string { return "kpi:payload:" + k }),
		ttl:     ttl,
		now:     time.Now,
		windows: make(map[string]cachedWindow),
	}
}

func (s *CachedStore) Query(ctx context.Context, query MetricQuery) ([]byte, error) {
	if !s.cacheable(query.Duration) {
		return s.next.Query(ctx, query)
	}

	key := queryCacheKey(query)
	payload, err := s.payload.Get(ctx, key, func(ctx context.Context) (json.RawMessage, error) {
		return s.next.Query(ctx, query)
	})
	if err != nil {
		return nil, err
	}
	s.track(key, query.Duration)
	return payload, nil
}

// IngestSpans forwards spans to the wrapped store and evicts the cached
// payloads whose window contains any of them.
func (s *CachedStore) IngestSpans(ctx context.Context, spans []Span) (int, error) {
	ingester, ok := s.next.(SpanIngester)
	if !ok {
		return 0, fmt.Errorf("metric store %T does not accept spans", s.next)
	}
	count, err := ingester.IngestSpans(ctx, spans)
	if err != nil {
		return count, err
	}

	for _, key := range s.staleKeys(spans) {
		if err := s.payload.Invalidate(ctx, key); err != nil {
			return count, fmt.Errorf("failed to invalidate cached payload: %w", err)
		}
	}
	return count, nil
}

func (s *CachedStore) track(key string, d Duration) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, w := range s.windows {
		if !w.expires.After(now) {
			delete(s.windows, k)
		}
	}
	if _, ok := s.windows[key]; ok {
		return
	}
	s.windows[key] = cachedWindow{
		from:    d.Step.Truncate(d.Start),
		until:   d.Step.Next(d.Step.Truncate(d.End)),
		expires: now.Add(s.ttl),
	}
}

func (s *CachedStore) staleKeys(spans []Span) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key, w := range s.windows {
		for _, sp := range spans {
			if !sp.StartTime.Before(w.from) && sp.StartTime.Before(w.until) {
				keys = append(keys, key)
				delete(s.windows, key)
				break
			}
		}
	}
	return keys
}

func (s *CachedStore) LookupEntity(ctx context.Context, scope Scope, id int) (*Entity, error) {
	return s.next.LookupEntity(ctx, scope, id)
}

func (s *CachedStore) ListEntities(ctx context.Context, scope Scope, parentID int) ([]Entity, error) {
	return s.next.ListEntities(ctx, scope, parentID)
}

func (s *CachedStore) cacheable(d Duration) bool {
	if d.Validate() != nil {
		return false
	}
	lastClosed := d.Step.Next(d.Step.Truncate(d.End))
	return !lastClosed.After(s.now())
}

func queryCacheKey(q MetricQuery) string {
	ids := make([]string, len(q.EntityIDs))
	for i, id := range q.EntityIDs {
		ids[i] = strconv.Itoa(id)
	}
	step := q.Duration.Step
	return fmt.Sprintf("%s:%s:%s:%s:%s:%s",
		q.Metric, q.Scope, step,
		EncodeBucketID(step, q.Duration.Start, 0),
		EncodeBucketID(step, q.Duration.End, 0),
		strings.Join(ids, ","),
	)
}

var (
	_ MetricStore  = (*CachedStore)(nil)
	_ SpanIngester = (*CachedStore)(nil)
)
