package kpi

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InstanceAttribute is the span attribute naming the emitting service instance.
const InstanceAttribute = "service.instance.id"

// DefaultApdexThreshold is the satisfied response-time threshold T.
const DefaultApdexThreshold = 500 * time.Millisecond

// SpanStatus represents the status of a span.
type SpanStatus int

const (
	SpanStatusUnspecified SpanStatus = iota
	SpanStatusOK
	SpanStatusError
)

// Span is one traced call as accepted by the memory store.
type Span struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Name         string
	ServiceName  string
	StartTime    time.Time
	Duration     time.Duration
	Status       SpanStatus
	Attributes   map[string]string
}

type storedSpan struct {
	start      time.Time
	latency    time.Duration
	failed     bool
	serviceID  int
	endpointID int
	instanceID int
}

type entityKey struct {
	scope    Scope
	parentID int
	name     string
}

// MemoryStore is an in-memory MetricStore. It keeps ingested spans and
// buckets them per query, so any step can be served from the same data.
type MemoryStore struct {
	mu        sync.RWMutex
	threshold time.Duration
	spans     []storedSpan
	entities  map[int]Entity
	byKey     map[entityKey]int
	nextID    int
}

// NewMemoryStore creates a new in-memory metric store. A zero threshold uses
// DefaultApdexThreshold.
func NewMemoryStore(apdexThreshold time.Duration) *MemoryStore {
	if apdexThreshold <= 0 {
		apdexThreshold = DefaultApdexThreshold
	}
	return &MemoryStore{
		threshold: apdexThreshold,
		entities:  make(map[int]Entity),
		byKey:     make(map[entityKey]int),
		nextID:    1,
	}
}

// IngestSpans records spans and registers their service, endpoint and instance.
func (s *MemoryStore) IngestSpans(ctx context.Context, spans []Span) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accepted := 0
	for _, span := range spans {
		if span.ServiceName == "" || span.StartTime.IsZero() {
			continue
		}

		serviceID := s.register(ScopeService, 0, span.ServiceName)
		stored := storedSpan{
			start:     span.StartTime.UTC(),
			latency:   span.Duration,
			failed:    span.Status == SpanStatusError,
			serviceID: serviceID,
		}
		if span.Name != "" {
			stored.endpointID = s.register(ScopeEndpoint, serviceID, span.Name)
		}
		if instance := span.Attributes[InstanceAttribute]; instance != "" {
			stored.instanceID = s.register(ScopeInstance, serviceID, instance)
		}

		s.spans = append(s.spans, stored)
		accepted++
	}

	return accepted, nil
}

func (s *MemoryStore) register(scope Scope, parentID int, name string) int {
	key := entityKey{scope: scope, parentID: parentID, name: name}
	if id, ok := s.byKey[key]; ok {
		return id
	}
	id := s.nextID
	s.nextID++
	s.byKey[key] = id
	s.entities[id] = Entity{ID: id, Name: name, Scope: scope, ParentID: parentID}
	return id
}

func (s *MemoryStore) LookupEntity(ctx context.Context, scope Scope, id int) (*Entity, error) {
	if scope == ScopeAll {
		return &Entity{ID: GlobalEntityID, Name: "all", Scope: ScopeAll}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[id]
	if !ok || e.Scope != scope {
		return nil, fmt.Errorf("%w: %s %d", ErrEntityNotFound, scope, id)
	}
	return &e, nil
}

func (s *MemoryStore) ListEntities(ctx context.Context, scope Scope, parentID int) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entity
	for _, e := range s.entities {
		if e.Scope == scope && (parentID == 0 || e.ParentID == parentID) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Query(ctx context.Context, query MetricQuery) ([]byte, error) {
	if err := query.Duration.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	step := query.Duration.Step
	from := step.Truncate(query.Duration.Start)
	until := step.Next(step.Truncate(query.Duration.End))

	wanted := make(map[int]bool, len(query.EntityIDs))
	for _, id := range query.EntityIDs {
		wanted[id] = true
	}

	type bucketKey struct {
		entityID int
		bucket   int64
	}
	calls := make(map[bucketKey][]storedSpan)

	s.mu.RLock()
	for _, span := range s.spans {
		if span.start.Before(from) || !span.start.Before(until) {
			continue
		}
		entityID, ok := span.entityFor(query.Scope)
		if !ok || !wanted[entityID] {
			continue
		}
		key := bucketKey{entityID: entityID, bucket: step.Truncate(span.start).Unix()}
		calls[key] = append(calls[key], span)
	}
	s.mu.RUnlock()

	values := make([]bucketValue, 0, len(calls))
	for key, bucket := range calls {
		v, err := s.aggregate(query.Metric, bucket)
		if err != nil {
			return nil, err
		}
		values = append(values, bucketValue{
			EntityID: key.entityID,
			Bucket:   time.Unix(key.bucket, 0).UTC(),
			Value:    v,
		})
	}
	sort.Slice(values, func(i, j int) bool {
		if values[i].EntityID != values[j].EntityID {
			return values[i].EntityID < values[j].EntityID
		}
		return values[i].Bucket.Before(values[j].Bucket)
	})

	return renderPayload(step, values)
}

func (sp storedSpan) entityFor(scope Scope) (int, bool) {
	switch scope {
	case ScopeService:
		return sp.serviceID, true
	case ScopeEndpoint:
		return sp.endpointID, sp.endpointID != 0
	case ScopeInstance:
		return sp.instanceID, sp.instanceID != 0
	case ScopeAll:
		return GlobalEntityID, true
	default:
		return 0, false
	}
}

func (s *MemoryStore) aggregate(metric MetricName, bucket []storedSpan) (float64, error) {
	calls := float64(len(bucket))
	latencies := make([]time.Duration, len(bucket))
	failed := 0
	for i, sp := range bucket {
		latencies[i] = sp.latency
		if sp.failed {
			failed++
		}
	}

	switch metric {
	case MetricCalls, MetricThroughput:
		return calls, nil
	case MetricSLASuccess:
		return calls - float64(failed), nil
	case MetricResponseTime:
		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		return millis(sum) / calls, nil
	case MetricApdexSatisfied, MetricApdexTolerating, MetricApdexFrustrated:
		satisfied, tolerating := s.apdexCounts(bucket)
		switch metric {
		case MetricApdexSatisfied:
			return satisfied, nil
		case MetricApdexTolerating:
			return tolerating, nil
		default:
			return calls - satisfied - tolerating, nil
		}
	case MetricP50:
		return percentileMillis(latencies, 50), nil
	case MetricP75:
		return percentileMillis(latencies, 75), nil
	case MetricP90:
		return percentileMillis(latencies, 90), nil
	case MetricP95:
		return percentileMillis(latencies, 95), nil
	case MetricP99:
		return percentileMillis(latencies, 99), nil
	default:
		return 0, fmt.Errorf("unknown metric %q", metric)
	}
}

// apdexCounts classifies calls against T; failed calls are always frustrated.
func (s *MemoryStore) apdexCounts(bucket []storedSpan) (satisfied, tolerating float64) {
	for _, sp := range bucket {
		switch {
		case sp.failed:
		case sp.latency <= s.threshold:
			satisfied++
		case sp.latency <= 4*s.threshold:
			tolerating++
		}
	}
	return satisfied, tolerating
}

// percentileMillis returns the latency at rank floor((n-1)*p/100), in milliseconds.
func percentileMillis(latencies []time.Duration, percentile float64) float64 {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	index := int(float64(len(sorted)-1) * (percentile / 100.0))
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return millis(sorted[index])
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

var _ MetricStore = (*MemoryStore)(nil)
