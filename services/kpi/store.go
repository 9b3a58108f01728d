package kpi

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aiops/kpiquery/pkg/config"
)

// MetricName identifies a pre-aggregated metric in the metric store.
type MetricName string

const (
	MetricApdexSatisfied  MetricName = "apdex_satisfied"
	MetricApdexTolerating MetricName = "apdex_tolerating"
	MetricApdexFrustrated MetricName = "apdex_frustrated"
	MetricResponseTime    MetricName = "response_time"
	MetricThroughput      MetricName = "throughput"
	MetricSLASuccess      MetricName = "sla_success"
	MetricCalls           MetricName = "calls"
	MetricP50             MetricName = "p50"
	MetricP75             MetricName = "p75"
	MetricP90             MetricName = "p90"
	MetricP95             MetricName = "p95"
	MetricP99             MetricName = "p99"
)

var tierMetrics = map[Tier]MetricName{
	TierP50: MetricP50,
	TierP75: MetricP75,
	TierP90: MetricP90,
	TierP95: MetricP95,
	TierP99: MetricP99,
}

// MetricQuery selects one metric for a set of entities over a window.
type MetricQuery struct {
	Metric    MetricName
	Scope     Scope
	EntityIDs []int
	Duration  Duration
}

// MetricStore is the metric backend the query service reads from. Query
// returns the raw payload in the value-record format understood by
// ParseResponse.
type MetricStore interface {
	Query(ctx context.Context, query MetricQuery) ([]byte, error)
	LookupEntity(ctx context.Context, scope Scope, id int) (*Entity, error)
	ListEntities(ctx context.Context, scope Scope, parentID int) ([]Entity, error)
}

// StoreOptions contains configuration for creating a store.
type StoreOptions struct {
	Backend        config.StorageBackend
	DB             *sql.DB
	Endpoint       string
	HTTPClient     HTTPDoer
	ApdexThreshold time.Duration
}

// NewStore creates a MetricStore based on the provided options.
func NewStore(opts StoreOptions) (MetricStore, error) {
	switch opts.Backend {
	case config.StoragePostgres:
		if opts.DB == nil {
			return nil, fmt.Errorf("database connection required for postgres backend")
		}
		return NewPostgresStore(opts.DB), nil
	case config.StorageGraphQL:
		if opts.Endpoint == "" {
			return nil, fmt.Errorf("metric store endpoint required for graphql backend")
		}
		client := opts.HTTPClient
		if client == nil {
			client = &http.Client{Timeout: 30 * time.Second}
		}
		return NewGraphQLStore(opts.Endpoint, client), nil
	default:
		return NewMemoryStore(opts.ApdexThreshold), nil
	}
}

type bucketValue struct {
	EntityID int
	Bucket   time.Time
	Value    float64
}

type payloadRecord struct {
	ID    string  `json:"id"`
	Value float64 `json:"value"`
}

// renderPayload writes values in the same shape the upstream metric store uses.
func renderPayload(step Step, values []bucketValue) ([]byte, error) {
	records := make([]payloadRecord, 0, len(values))
	for _, v := range values {
		records = append(records, payloadRecord{
			ID:    EncodeBucketID(step, v.Bucket, v.EntityID),
			Value: v.Value,
		})
	}

	payload := map[string]any{
		DefaultValuesPath[0]: map[string]any{
			DefaultValuesPath[1]: map[string]any{
				DefaultValuesPath[2]: records,
			},
		},
	}
	return json.Marshal(payload)
}
