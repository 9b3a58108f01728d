package kpi

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls a remote KpiService.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Query runs QueryServiceKpi and decodes the composite result.
func (c *Client) Query(ctx context.Context, req Request) (*ServiceKpiAll, error) {
	in, err := structpb.NewStruct(map[string]interface{}{
		"id":    req.EntityID,
		"scope": string(req.Scope),
		"duration": map[string]interface{}{
			"start": req.Duration.Start.UTC().Format(time.RFC3339),
			"end":   req.Duration.End.UTC().Format(time.RFC3339),
			"step":  string(req.Duration.Step),
		},
		"business":   req.KpiTypeFilter,
		"gap_policy": string(req.GapPolicy),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	out, err := c.invoke(ctx, "QueryServiceKpi", in)
	if err != nil {
		return nil, err
	}

	var result ServiceKpiAll
	if err := fromStruct(out, &result); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return &result, nil
}

// IngestSpans sends spans to a server running the memory backend.
func (c *Client) IngestSpans(ctx context.Context, spans []Span) (int, error) {
	wire := make([]wireSpan, 0, len(spans))
	for _, s := range spans {
		status := ""
		switch s.Status {
		case SpanStatusOK:
			status = "ok"
		case SpanStatusError:
			status = "error"
		}
		wire = append(wire, wireSpan{
			TraceID:      s.TraceID,
			SpanID:       s.SpanID,
			ParentSpanID: s.ParentSpanID,
			Name:         s.Name,
			ServiceName:  s.ServiceName,
			StartTime:    s.StartTime.UTC(),
			DurationMs:   float64(s.Duration) / float64(time.Millisecond),
			Status:       status,
			Attributes:   s.Attributes,
		})
	}

	in, err := toStruct(map[string]interface{}{"spans": wire})
	if err != nil {
		return 0, fmt.Errorf("failed to encode spans: %w", err)
	}

	out, err := c.invoke(ctx, "IngestSpans", in)
	if err != nil {
		return 0, err
	}
	return int(out.GetFields()["accepted_count"].GetNumberValue()), nil
}

// Health returns the server status and version.
func (c *Client) Health(ctx context.Context) (status, version string, err error) {
	out, err := c.invoke(ctx, "Health", &structpb.Struct{})
	if err != nil {
		return "", "", err
	}
	fields := out.GetFields()
	return fields["status"].GetStringValue(), fields["version"].GetStringValue(), nil
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

