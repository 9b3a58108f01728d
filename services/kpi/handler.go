package kpi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/aiops/kpiquery/pkg/grpcutil"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "kpi.v1.KpiService"

// KpiServiceServer is the server API of the KPI service. Messages are
// structpb envelopes carrying the JSON shapes of the request and result types.
type KpiServiceServer interface {
	QueryServiceKpi(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	IngestSpans(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Health(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// KpiServiceDesc describes the KPI service for grpc.Server registration.
var KpiServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*KpiServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "QueryServiceKpi", Handler: unaryHandler("QueryServiceKpi", KpiServiceServer.QueryServiceKpi)},
		{MethodName: "IngestSpans", Handler: unaryHandler("IngestSpans", KpiServiceServer.IngestSpans)},
		{MethodName: "Health", Handler: unaryHandler("Health", KpiServiceServer.Health)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kpi/v1/kpi.proto",
}

func unaryHandler(method string, call func(KpiServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(KpiServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(KpiServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// SpanIngester accepts spans for in-process aggregation.
type SpanIngester interface {
	IngestSpans(ctx context.Context, spans []Span) (int, error)
}

// Handler implements the KpiService gRPC interface.
type Handler struct {
	service  *Service
	ingester SpanIngester
	version  string
	logger   *slog.Logger
}

// NewHandler creates a new KPI service handler. ingester may be nil when the
// configured store does not accept spans.
func NewHandler(service *Service, ingester SpanIngester, version string, logger *slog.Logger) *Handler {
	return &Handler{
		service:  service,
		ingester: ingester,
		version:  version,
		logger:   logger.With("component", "kpi-handler"),
	}
}

// Register registers the handler with a gRPC server.
func (h *Handler) Register(s *grpc.Server) {
	s.RegisterService(&KpiServiceDesc, h)
}

// QueryRequest is the wire shape of a QueryServiceKpi request.
type QueryRequest struct {
	ID       int    `json:"id"`
	Scope    string `json:"scope"`
	Duration struct {
		Start string `json:"start"`
		End   string `json:"end"`
		Step  string `json:"step"`
	} `json:"duration"`
	Business  string `json:"business"`
	GapPolicy string `json:"gap_policy"`
}

// QueryServiceKpi computes the KPI set of one entity in the requested scope.
func (h *Handler) QueryServiceKpi(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var wire QueryRequest
	if err := fromStruct(in, &wire); err != nil {
		return nil, grpcutil.InvalidArgumentError("request", err.Error())
	}

	req, err := wire.toRequest()
	if err != nil {
		return nil, err
	}

	h.logger.DebugContext(ctx, "querying service kpis",
		"entity_id", req.EntityID,
		"scope", req.Scope,
		"step", req.Duration.Step,
		"business", req.KpiTypeFilter,
	)

	result, err := h.service.Query(ctx, req)
	if err != nil {
		return nil, h.toStatus(ctx, req, err)
	}

	out, err := toStruct(result)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to encode result", "error", err)
		return nil, grpcutil.InternalError(err)
	}
	return out, nil
}

func (r QueryRequest) toRequest() (Request, error) {
	scope, err := ParseScope(r.Scope)
	if err != nil {
		return Request{}, grpcutil.InvalidArgumentError("scope", err.Error())
	}
	step, err := ParseStep(r.Duration.Step)
	if err != nil {
		return Request{}, grpcutil.InvalidArgumentError("duration.step", err.Error())
	}
	start, err := ParseTimeBound(step, r.Duration.Start)
	if err != nil {
		return Request{}, grpcutil.InvalidArgumentError("duration.start", err.Error())
	}
	end, err := ParseTimeBound(step, r.Duration.End)
	if err != nil {
		return Request{}, grpcutil.InvalidArgumentError("duration.end", err.Error())
	}
	var gap GapPolicy
	if r.GapPolicy != "" {
		if gap, err = ParseGapPolicy(r.GapPolicy); err != nil {
			return Request{}, grpcutil.InvalidArgumentError("gap_policy", err.Error())
		}
	}

	return Request{
		EntityID:      r.ID,
		Scope:         scope,
		Duration:      Duration{Start: start, End: end, Step: step},
		KpiTypeFilter: r.Business,
		GapPolicy:     gap,
	}, nil
}

// ParseTimeBound reads a window bound as RFC 3339 or in the step's
// human-readable layout ("2006-01-02 1504" for MINUTE).
func ParseTimeBound(step Step, s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	layout, ok := graphQLDurationLayouts[step]
	if !ok {
		return time.Time{}, fmt.Errorf("unknown step %q", step)
	}
	t, err := time.ParseInLocation(layout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC 3339 nor %q", s, layout)
	}
	return t, nil
}

func (h *Handler) toStatus(ctx context.Context, req Request, err error) error {
	entityID := req.EntityID
	switch {
	case errors.Is(err, ErrInvalidDuration):
		return grpcutil.InvalidArgumentError("duration", err.Error())
	case errors.Is(err, ErrInvalidScope):
		return grpcutil.InvalidArgumentError("scope", err.Error())
	case errors.Is(err, ErrEntityNotFound):
		return grpcutil.NotFoundError(string(req.Scope), strconv.Itoa(entityID))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return grpcutil.ContextError(err)
	case errors.Is(err, ErrAllFailed):
		h.logger.ErrorContext(ctx, "every kpi failed", "entity_id", entityID, "error", err)
		return grpcutil.WrapError(grpcutil.UnavailableError("metric store"), "%v", err)
	default:
		h.logger.ErrorContext(ctx, "kpi query failed", "entity_id", entityID, "error", err)
		return grpcutil.InternalError(err)
	}
}

// wireSpan is the JSON shape of a span in an IngestSpans request.
type wireSpan struct {
	TraceID      string            `json:"trace_id"`
	SpanID       string            `json:"span_id"`
	ParentSpanID string            `json:"parent_span_id"`
	Name         string            `json:"name"`
	ServiceName  string            `json:"service_name"`
	StartTime    time.Time         `json:"start_time"`
	DurationMs   float64           `json:"duration_ms"`
	Status       string            `json:"status"`
	Attributes   map[string]string `json:"attributes"`
}

func (w wireSpan) toSpan() Span {
	st := SpanStatusUnspecified
	switch w.Status {
	case "ok", "OK":
		st = SpanStatusOK
	case "error", "ERROR":
		st = SpanStatusError
	}
	return Span{
		TraceID:      w.TraceID,
		SpanID:       w.SpanID,
		ParentSpanID: w.ParentSpanID,
		Name:         w.Name,
		ServiceName:  w.ServiceName,
		StartTime:    w.StartTime,
		Duration:     time.Duration(w.DurationMs * float64(time.Millisecond)),
		Status:       st,
		Attributes:   w.Attributes,
	}
}

// IngestSpans feeds spans to the in-process metric store.
func (h *Handler) IngestSpans(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if h.ingester == nil {
		return nil, grpcutil.FailedPreconditionError("span ingestion requires the memory storage backend")
	}

	var wire struct {
		Spans []wireSpan `json:"spans"`
	}
	if err := fromStruct(in, &wire); err != nil {
		return nil, grpcutil.InvalidArgumentError("spans", err.Error())
	}

	spans := make([]Span, 0, len(wire.Spans))
	for _, s := range wire.Spans {
		spans = append(spans, s.toSpan())
	}

	h.logger.DebugContext(ctx, "ingesting spans", "count", len(spans))

	count, err := h.ingester.IngestSpans(ctx, spans)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to ingest spans", "error", err)
		return nil, grpcutil.InternalError(err)
	}

	h.logger.InfoContext(ctx, "spans ingested", "count", count)

	return structpb.NewStruct(map[string]interface{}{"accepted_count": count})
}

// Health reports the serving status and version.
func (h *Handler) Health(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"status":  "SERVING",
		"version": h.version,
	})
}

func fromStruct(in *structpb.Struct, v interface{}) error {
	data, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

var _ KpiServiceServer = (*Handler)(nil)
