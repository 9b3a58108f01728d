package kpi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/aiops/kpiquery/services/kpi"

// Options tunes the query service.
type Options struct {
	// Workers bounds how many KPI computations of one request run at once.
	Workers int
	// QueryTimeout is the deadline of each KPI computation.
	QueryTimeout time.Duration
	// SlowEndpointLimit caps the slow-endpoint ranking.
	SlowEndpointLimit int
	// MaxBuckets rejects windows with more buckets than this.
	MaxBuckets int
	// GapPolicy is used when a request does not name one.
	GapPolicy GapPolicy
	Tracer    trace.Tracer
}

// DefaultOptions returns the defaults used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		Workers:           4,
		QueryTimeout:      10 * time.Second,
		SlowEndpointLimit: 10,
		MaxBuckets:        10000,
		GapPolicy:         GapNull,
	}
}

// Request is one inbound KPI query. An empty Scope is the service scope; the
// global scope uses GlobalEntityID.
type Request struct {
	EntityID      int
	Scope         Scope
	Duration      Duration
	KpiTypeFilter string
	GapPolicy     GapPolicy
}

// Service answers KPI queries against a MetricStore.
type Service struct {
	store  MetricStore
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer
	tasks  map[KpiType]kpiTask
}

type kpiTask struct {
	// key is the field a task fills; percentile tiers share one task.
	key KpiType
	run func(ctx context.Context, run *queryRun) error
}

// NewService creates a query service. Zero option fields take their defaults.
func NewService(store MetricStore, opts Options, logger *slog.Logger) *Service {
	def := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = def.QueryTimeout
	}
	if opts.SlowEndpointLimit <= 0 {
		opts.SlowEndpointLimit = def.SlowEndpointLimit
	}
	if opts.MaxBuckets <= 0 {
		opts.MaxBuckets = def.MaxBuckets
	}
	if opts.GapPolicy == "" {
		opts.GapPolicy = def.GapPolicy
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	s := &Service{
		store:  store,
		opts:   opts,
		logger: logger.With("component", "kpi"),
		tracer: tracer,
	}

	percentile := kpiTask{key: KpiPercentile, run: s.computePercentiles}
	s.tasks = map[KpiType]kpiTask{
		KpiApdexScore:         {key: KpiApdexScore, run: s.computeApdex},
		KpiResponseTime:       {key: KpiResponseTime, run: s.computeResponseTime},
		KpiThroughput:         {key: KpiThroughput, run: s.computeThroughput},
		KpiSLA:                {key: KpiSLA, run: s.computeSLA},
		KpiPercentile:         percentile,
		KpiP50:                percentile,
		KpiP75:                percentile,
		KpiP90:                percentile,
		KpiP95:                percentile,
		KpiP99:                percentile,
		KpiSlowEndpoint:       {key: KpiSlowEndpoint, run: s.computeSlowEndpoints},
		KpiInstanceThroughput: {key: KpiInstanceThroughput, run: s.computeInstanceThroughput},
	}

	return s
}

// queryRun carries the state of one request through its KPI computations.
type queryRun struct {
	store     MetricStore
	scope     Scope
	entity    Entity
	duration  Duration
	selection Selection
	gap       GapPolicy

	mu     sync.Mutex
	result *ServiceKpiAll
}

func (r *queryRun) set(fn func(result *ServiceKpiAll)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.result)
}

func (r *queryRun) warn(errs ...error) {
	if len(errs) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, err := range errs {
		r.result.Warnings = append(r.result.Warnings, err.Error())
	}
}

func (r *queryRun) fail(kt KpiType, err error) FailureKind {
	kind := classifyFailure(err)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.Failures[kt] = &Failure{Kind: kind, Message: err.Error()}
	return kind
}

// Query resolves the requested KPI types, computes each of them concurrently
// and assembles the composite result. A KPI that fails is reported in
// Failures; the request itself fails only when the window is invalid, the
// entity cannot be resolved, the caller cancels, or every KPI failed.
func (s *Service) Query(ctx context.Context, req Request) (*ServiceKpiAll, error) {
	requestID := uuid.New().String()
	logger := s.logger.With("request_id", requestID, "entity_id", req.EntityID)

	ctx, span := s.tracer.Start(ctx, "kpi.Query", trace.WithAttributes(
		attribute.String("kpi.request_id", requestID),
		attribute.Int("kpi.entity_id", req.EntityID),
		attribute.String("kpi.scope", string(req.Scope)),
		attribute.String("kpi.step", string(req.Duration.Step)),
	))
	defer span.End()

	logger.DebugContext(ctx, "request received", "filter", req.KpiTypeFilter, "scope", req.Scope, "step", req.Duration.Step)

	scope, err := ParseScope(string(req.Scope))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := req.Duration.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if n := req.Duration.BucketCount(); n > s.opts.MaxBuckets {
		err := fmt.Errorf("%w: %d buckets exceeds limit %d", ErrInvalidDuration, n, s.opts.MaxBuckets)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	gap := req.GapPolicy
	if gap == "" {
		gap = s.opts.GapPolicy
	}

	entity, err := s.store.LookupEntity(ctx, scope, req.EntityID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to resolve entity %d: %w", req.EntityID, err)
	}

	selection := ParseKpiTypes(req.KpiTypeFilter)
	run := &queryRun{
		store:     s.store,
		scope:     scope,
		entity:    *entity,
		duration:  req.Duration,
		selection: selection,
		gap:       gap,
		result: &ServiceKpiAll{
			RequestID: requestID,
			Entity:    *entity,
			Duration:  req.Duration,
			Failures:  make(map[KpiType]*Failure),
		},
	}
	if len(selection.Unknown) > 0 {
		logger.WarnContext(ctx, "ignoring unknown kpi types", "unknown", selection.Unknown)
		for _, u := range selection.Unknown {
			run.result.Warnings = append(run.result.Warnings, fmt.Sprintf("unknown kpi type %q", u))
		}
	}

	tasks := s.resolveTasks(selection)
	if scope != ScopeService {
		tasks = run.dropServiceOnly(tasks)
	}
	logger.DebugContext(ctx, "types resolved", "tasks", len(tasks), "expanded", selection.Empty())

	var (
		mu         sync.Mutex
		hardErrors []error
	)

	g := new(errgroup.Group)
	g.SetLimit(s.opts.Workers)
	for _, task := range tasks {
		g.Go(func() error {
			if err := s.runTask(ctx, run, task); err != nil {
				kind := run.fail(task.key, err)
				if kind.Hard() {
					mu.Lock()
					hardErrors = append(hardErrors, fmt.Errorf("%s: %w", task.key, err))
					mu.Unlock()
				}
				logger.WarnContext(ctx, "kpi computation failed", "kpi", task.key, "kind", kind, "error", err)
				return nil
			}
			logger.DebugContext(ctx, "kpi computed", "kpi", task.key)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if len(tasks) > 0 && len(hardErrors) == len(tasks) {
		err := fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(hardErrors...))
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	logger.DebugContext(ctx, "result assembled", "failures", len(run.result.Failures), "warnings", len(run.result.Warnings))
	return run.result, nil
}

// serviceOnly lists the KPIs that rank the children of a service.
var serviceOnly = map[KpiType]bool{
	KpiSlowEndpoint:       true,
	KpiInstanceThroughput: true,
}

// dropServiceOnly removes the child rankings from a query of another scope,
// warning about the ones that were asked for by name.
func (r *queryRun) dropServiceOnly(tasks []kpiTask) []kpiTask {
	kept := tasks[:0]
	for _, task := range tasks {
		if !serviceOnly[task.key] {
			kept = append(kept, task)
			continue
		}
		if _, named := r.selection.Types[task.key]; named {
			r.result.Warnings = append(r.result.Warnings,
				fmt.Sprintf("kpi type %s applies to the service scope only", task.key))
		}
	}
	return kept
}

// resolveTasks returns one task per result field, in a stable order.
func (s *Service) resolveTasks(sel Selection) []kpiTask {
	seen := make(map[KpiType]bool)
	var tasks []kpiTask
	for _, kt := range sel.Resolve() {
		task, ok := s.tasks[kt]
		if !ok || seen[task.key] {
			continue
		}
		seen[task.key] = true
		tasks = append(tasks, task)
	}
	return tasks
}

func (s *Service) runTask(ctx context.Context, run *queryRun, task kpiTask) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "kpi.compute", trace.WithAttributes(
		attribute.String("kpi.type", string(task.key)),
	))
	defer span.End()

	err := task.run(ctx, run)
	if err != nil && ctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		err = fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func classifyFailure(err error) FailureKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, ErrMissingField):
		return FailureMissingField
	case errors.Is(err, ErrMalformedBucketID):
		return FailureMalformedBucketID
	case errors.Is(err, ErrAxisMismatch):
		return FailureAxisMismatch
	case errors.Is(err, ErrEmptyResult):
		return FailureNoData
	default:
		return FailureStoreError
	}
}

// fetchOne loads one metric of a single entity. On ErrEmptyResult the
// returned series is still a full, all-absent axis.
func (r *queryRun) fetchOne(ctx context.Context, metric MetricName, scope Scope, entityID int) (TimeSeries, error) {
	payload, err := r.store.Query(ctx, MetricQuery{
		Metric:    metric,
		Scope:     scope,
		EntityIDs: []int{entityID},
		Duration:  r.duration,
	})
	if err != nil {
		return TimeSeries{}, fmt.Errorf("query %s: %w", metric, err)
	}

	points, warnings, err := ParseEntity(r.duration.Step, payload, entityID)
	r.warn(warnings...)
	if err != nil && !errors.Is(err, ErrEmptyResult) {
		return TimeSeries{}, fmt.Errorf("parse %s: %w", metric, err)
	}

	ts, dupes := Assemble(r.duration, entityID, points)
	r.warn(dupes...)
	if err != nil {
		return ts, fmt.Errorf("%s: %w", metric, err)
	}
	return ts, nil
}

// fetchMany loads one metric for several entities with a single store query.
func (r *queryRun) fetchMany(ctx context.Context, metric MetricName, scope Scope, entityIDs []int) ([]TimeSeries, error) {
	payload, err := r.store.Query(ctx, MetricQuery{
		Metric:    metric,
		Scope:     scope,
		EntityIDs: entityIDs,
		Duration:  r.duration,
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", metric, err)
	}

	byEntity, warnings, err := ParseResponse(r.duration.Step, payload, entityIDs...)
	r.warn(warnings...)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", metric, err)
	}

	series, dupes := AssembleAll(r.duration, entityIDs, byEntity)
	r.warn(dupes...)
	return series, nil
}

// fetchAll loads several metrics of one entity, tolerating empty results.
func (r *queryRun) fetchAll(ctx context.Context, scope Scope, entityID int, metrics ...MetricName) ([]TimeSeries, error) {
	series := make([]TimeSeries, len(metrics))
	for i, m := range metrics {
		ts, err := r.fetchOne(ctx, m, scope, entityID)
		if err != nil && !errors.Is(err, ErrEmptyResult) {
			return nil, err
		}
		series[i] = ts
	}
	return series, nil
}

func noData(kt KpiType, points []GraphPoint) error {
	for _, p := range points {
		if p.Y != nil {
			return nil
		}
	}
	return fmt.Errorf("%w: no %s data in window", ErrEmptyResult, kt)
}

func (s *Service) computeApdex(ctx context.Context, run *queryRun) error {
	series, err := run.fetchAll(ctx, run.scope, run.entity.ID,
		MetricApdexSatisfied, MetricApdexTolerating, MetricApdexFrustrated)
	if err != nil {
		return err
	}
	points, err := ComputeApdex(series[0], series[1], series[2])
	if err != nil {
		return err
	}
	run.set(func(r *ServiceKpiAll) { r.ApdexScore = ApplyGapPolicy(points, run.gap) })
	return noData(KpiApdexScore, points)
}

func (s *Service) computeResponseTime(ctx context.Context, run *queryRun) error {
	return s.computeSingle(ctx, run, KpiResponseTime, MetricResponseTime, func(r *ServiceKpiAll, p []GraphPoint) {
		r.ResponseTime = p
	})
}

func (s *Service) computeThroughput(ctx context.Context, run *queryRun) error {
	return s.computeSingle(ctx, run, KpiThroughput, MetricThroughput, func(r *ServiceKpiAll, p []GraphPoint) {
		r.Throughput = p
	})
}

func (s *Service) computeSingle(ctx context.Context, run *queryRun, kt KpiType, metric MetricName, assign func(*ServiceKpiAll, []GraphPoint)) error {
	ts, err := run.fetchOne(ctx, metric, run.scope, run.entity.ID)
	if err != nil && !errors.Is(err, ErrEmptyResult) {
		return err
	}
	points := ComputePassThrough(ts)
	run.set(func(r *ServiceKpiAll) { assign(r, ApplyGapPolicy(points, run.gap)) })
	return noData(kt, points)
}

func (s *Service) computeSLA(ctx context.Context, run *queryRun) error {
	series, err := run.fetchAll(ctx, run.scope, run.entity.ID, MetricSLASuccess, MetricCalls)
	if err != nil {
		return err
	}
	points, err := ComputeSLA(series[0], series[1])
	if err != nil {
		return err
	}
	run.set(func(r *ServiceKpiAll) { r.SLA = ApplyGapPolicy(points, run.gap) })
	return noData(KpiSLA, points)
}

func (s *Service) computePercentiles(ctx context.Context, run *queryRun) error {
	tiers := run.selection.Tiers()

	graphFor := func(scope Scope, entityID int) (*PercentileGraph, error) {
		metrics := make([]MetricName, len(tiers))
		for i, tier := range tiers {
			metrics[i] = tierMetrics[tier]
		}
		series, err := run.fetchAll(ctx, scope, entityID, metrics...)
		if err != nil {
			return nil, err
		}
		byTier := make(map[Tier]TimeSeries, len(tiers))
		for i, tier := range tiers {
			byTier[tier] = series[i]
		}
		return ComputePercentiles(byTier, tiers)
	}

	service, err := graphFor(run.scope, run.entity.ID)
	if err != nil {
		return fmt.Errorf("service percentile: %w", err)
	}
	global, err := graphFor(ScopeAll, GlobalEntityID)
	if err != nil {
		return fmt.Errorf("global percentile: %w", err)
	}

	run.set(func(r *ServiceKpiAll) {
		r.ServicePercentile = ApplyGapPolicyGraph(service, run.gap)
		r.GlobalPercentile = ApplyGapPolicyGraph(global, run.gap)
	})

	for _, points := range service.Tiers {
		if noData(KpiPercentile, points) == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: no percentile data in window", ErrEmptyResult)
}

func (s *Service) computeSlowEndpoints(ctx context.Context, run *queryRun) error {
	ranked, err := s.rankChildren(ctx, run, ScopeEndpoint, MetricResponseTime, s.opts.SlowEndpointLimit)
	if err != nil {
		return err
	}
	run.set(func(r *ServiceKpiAll) { r.SlowEndpoints = ranked })
	return rankedNoData(KpiSlowEndpoint, ranked)
}

func (s *Service) computeInstanceThroughput(ctx context.Context, run *queryRun) error {
	ranked, err := s.rankChildren(ctx, run, ScopeInstance, MetricThroughput, 0)
	if err != nil {
		return err
	}
	run.set(func(r *ServiceKpiAll) { r.InstanceThroughput = ranked })
	return rankedNoData(KpiInstanceThroughput, ranked)
}

func (s *Service) rankChildren(ctx context.Context, run *queryRun, scope Scope, metric MetricName, limit int) ([]RankedEntity, error) {
	children, err := run.store.ListEntities(ctx, scope, run.entity.ID)
	if err != nil {
		return nil, fmt.Errorf("list %s entities: %w", scope, err)
	}
	if len(children) == 0 {
		return []RankedEntity{}, nil
	}

	ids := make([]int, len(children))
	names := make(map[int]string, len(children))
	for i, c := range children {
		ids[i] = c.ID
		names[c.ID] = c.Name
	}

	series, err := run.fetchMany(ctx, metric, scope, ids)
	if err != nil {
		return nil, err
	}
	return RankEntities(series, names, limit), nil
}

func rankedNoData(kt KpiType, ranked []RankedEntity) error {
	for _, r := range ranked {
		if r.Value != nil {
			return nil
		}
	}
	return fmt.Errorf("%w: no %s data in window", ErrEmptyResult, kt)
}
