// Package kpi provides the KPI query service: it turns bucketed metric-store
// responses into gap-aware time series and derives Apdex, response time,
// throughput, SLA and latency percentile graphs from them.
package kpi

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrMalformedBucketID is returned when a composite bucket id cannot be decoded.
	ErrMalformedBucketID = errors.New("malformed bucket id")
	// ErrMissingField is returned when a metric-store payload lacks the expected path.
	ErrMissingField = errors.New("missing field")
	// ErrEmptyResult is returned when a payload holds no usable record for an entity.
	ErrEmptyResult = errors.New("empty result")
	// ErrDuplicateBucket is reported (never returned as fatal) when two points share a bucket.
	ErrDuplicateBucket = errors.New("duplicate bucket")
	// ErrAxisMismatch is returned when series compared on one axis are not aligned.
	ErrAxisMismatch = errors.New("axis mismatch")
	// ErrEntityNotFound is returned when the requested entity does not exist.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrInvalidDuration is returned for an unusable query window.
	ErrInvalidDuration = errors.New("invalid duration")
	// ErrInvalidScope is returned for an unknown entity scope.
	ErrInvalidScope = errors.New("invalid scope")
	// ErrAllFailed is returned when every requested KPI failed.
	ErrAllFailed = errors.New("all kpi computations failed")
)

// Scope selects which kind of entity a metric query addresses.
type Scope string

const (
	ScopeService  Scope = "service"
	ScopeEndpoint Scope = "endpoint"
	ScopeInstance Scope = "instance"
	ScopeAll      Scope = "all"
)

// ParseScope parses a scope name case-insensitively. An empty name is the
// service scope.
func ParseScope(s string) (Scope, error) {
	switch scope := Scope(strings.ToLower(strings.TrimSpace(s))); scope {
	case "":
		return ScopeService, nil
	case ScopeService, ScopeEndpoint, ScopeInstance, ScopeAll:
		return scope, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, s)
	}
}

// GlobalEntityID is the entity id carried by ScopeAll records.
const GlobalEntityID = 0

// Entity is a service, endpoint or instance known to the metric store.
type Entity struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Scope    Scope  `json:"scope"`
	ParentID int    `json:"parent_id,omitempty"`
}

// Duration is a query window at a given step granularity.
type Duration struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Step  Step      `json:"step"`
}

// Validate checks the window invariants.
func (d Duration) Validate() error {
	if !d.Step.Valid() {
		return fmt.Errorf("%w: unknown step %q", ErrInvalidDuration, d.Step)
	}
	if d.Start.IsZero() || d.End.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalidDuration)
	}
	if d.Start.After(d.End) {
		return fmt.Errorf("%w: start %s is after end %s", ErrInvalidDuration,
			d.Start.Format(time.RFC3339), d.End.Format(time.RFC3339))
	}
	return nil
}

// Buckets returns every bucket boundary of the window, ascending and inclusive.
func (d Duration) Buckets() []time.Time {
	first := d.Step.Truncate(d.Start)
	last := d.Step.Truncate(d.End)

	var buckets []time.Time
	for t := first; !t.After(last); t = d.Step.Next(t) {
		buckets = append(buckets, t)
	}
	return buckets
}

// BucketCount returns the number of buckets in the window without allocating them.
func (d Duration) BucketCount() int {
	first := d.Step.Truncate(d.Start)
	last := d.Step.Truncate(d.End)
	if last.Before(first) {
		return 0
	}

	switch d.Step {
	case StepMonth:
		return (last.Year()-first.Year())*12 + int(last.Month()-first.Month()) + 1
	default:
		return int(last.Sub(first)/d.Step.Width()) + 1
	}
}

// MetricPoint is one decoded value record for an entity.
type MetricPoint struct {
	EntityID  int
	Value     float64
	Timestamp time.Time
}

// Sample is a single bucket of a series. A nil Value means no data.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     *float64  `json:"value"`
}

// TimeSeries is the ordered, gap-aware series for one entity.
type TimeSeries struct {
	EntityID int      `json:"entity_id"`
	Step     Step     `json:"step"`
	Samples  []Sample `json:"samples"`
}

// Present returns the number of buckets that hold a value.
func (ts TimeSeries) Present() int {
	n := 0
	for _, s := range ts.Samples {
		if s.Value != nil {
			n++
		}
	}
	return n
}

// GraphPoint is one cross-axis point: x is the bucket time in unix milliseconds.
type GraphPoint struct {
	X int64    `json:"x"`
	Y *float64 `json:"y"`
}

// RankedEntity is an entity with its aggregate value over the window.
type RankedEntity struct {
	ID    int      `json:"id"`
	Name  string   `json:"name"`
	Value *float64 `json:"value"`
}

// Failure marks a KPI whose computation did not complete.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// FailureKind classifies a per-KPI failure.
type FailureKind string

const (
	FailureMissingField      FailureKind = "missing_field"
	FailureMalformedBucketID FailureKind = "malformed_bucket_id"
	FailureNoData            FailureKind = "no_data"
	FailureAxisMismatch      FailureKind = "axis_mismatch"
	FailureTimeout           FailureKind = "timeout"
	FailureStoreError        FailureKind = "store_error"
)

// Hard reports whether the failure left the KPI field without a usable shape.
func (k FailureKind) Hard() bool {
	return k != FailureNoData
}

// ServiceKpiAll is the composite result of one query.
type ServiceKpiAll struct {
	RequestID string   `json:"request_id"`
	Entity    Entity   `json:"entity"`
	Duration  Duration `json:"duration"`

	ApdexScore         []GraphPoint     `json:"apdex_score,omitempty"`
	ResponseTime       []GraphPoint     `json:"response_time,omitempty"`
	Throughput         []GraphPoint     `json:"throughput,omitempty"`
	SLA                []GraphPoint     `json:"sla,omitempty"`
	ServicePercentile  *PercentileGraph `json:"service_percentile,omitempty"`
	GlobalPercentile   *PercentileGraph `json:"global_percentile,omitempty"`
	SlowEndpoints      []RankedEntity   `json:"slow_endpoints,omitempty"`
	InstanceThroughput []RankedEntity   `json:"instance_throughput,omitempty"`

	Failures map[KpiType]*Failure `json:"failures,omitempty"`
	Warnings []string             `json:"warnings,omitempty"`
}
