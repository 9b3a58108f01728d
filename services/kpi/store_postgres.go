package kpi

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Migrations holds the schema of the PostgreSQL metric store.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory of Migrations holding the SQL files.
const MigrationsDir = "migrations"

// PostgresStore reads pre-aggregated buckets from PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed metric store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Query(ctx context.Context, query MetricQuery) ([]byte, error) {
	if err := query.Duration.Validate(); err != nil {
		return nil, err
	}

	step := query.Duration.Step
	ids := make([]int64, len(query.EntityIDs))
	for i, id := range query.EntityIDs {
		ids[i] = int64(id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, bucket, value FROM kpi_metrics
		WHERE metric = $1 AND scope = $2 AND step = $3
		  AND entity_id = ANY($4)
		  AND bucket >= $5 AND bucket <= $6
		ORDER BY entity_id, bucket
	`, string(query.Metric), string(query.Scope), string(step), pq.Array(ids),
		step.Truncate(query.Duration.Start), step.Truncate(query.Duration.End))
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()

	var values []bucketValue
	for rows.Next() {
		var v bucketValue
		if err := rows.Scan(&v.EntityID, &v.Bucket, &v.Value); err != nil {
			return nil, fmt.Errorf("failed to scan metric row: %w", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read metric rows: %w", err)
	}

	return renderPayload(step, values)
}

func (s *PostgresStore) LookupEntity(ctx context.Context, scope Scope, id int) (*Entity, error) {
	if scope == ScopeAll {
		return &Entity{ID: GlobalEntityID, Name: "all", Scope: ScopeAll}, nil
	}

	var e Entity
	err := s.db.QueryRowContext(ctx, `
		SELECT id, scope, name, parent_id FROM kpi_entities
		WHERE id = $1 AND scope = $2
	`, id, string(scope)).Scan(&e.ID, &e.Scope, &e.Name, &e.ParentID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s %d", ErrEntityNotFound, scope, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) ListEntities(ctx context.Context, scope Scope, parentID int) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, name, parent_id FROM kpi_entities
		WHERE scope = $1 AND ($2 = 0 OR parent_id = $2)
		ORDER BY id
	`, string(scope), parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.Scope, &e.Name, &e.ParentID); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// SaveEntity inserts or renames an entity.
func (s *PostgresStore) SaveEntity(ctx context.Context, e Entity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kpi_entities (id, scope, name, parent_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET scope = $2, name = $3, parent_id = $4
	`, e.ID, string(e.Scope), e.Name, e.ParentID)
	if err != nil {
		return fmt.Errorf("failed to save entity: %w", err)
	}
	return nil
}

// SaveValue inserts or replaces one pre-aggregated bucket value.
func (s *PostgresStore) SaveValue(ctx context.Context, metric MetricName, scope Scope, step Step, entityID int, bucket time.Time, value float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kpi_metrics (metric, scope, step, entity_id, bucket, value)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (metric, scope, step, entity_id, bucket) DO UPDATE SET value = $6
	`, string(metric), string(scope), string(step), entityID, step.Truncate(bucket), value)
	if err != nil {
		return fmt.Errorf("failed to save metric value: %w", err)
	}
	return nil
}

var _ MetricStore = (*PostgresStore)(nil)
