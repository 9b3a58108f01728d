package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aiops/kpiquery/cli/internal/output"
	"github.com/aiops/kpiquery/services/kpi"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Send spans to a server running the memory backend",
	Long: `Send spans to a server running the memory backend.

The file is YAML or JSON: either a list of spans or a mapping with a "spans" list.
Each span has trace_id, span_id, parent_span_id, name, service_name,
start_time (RFC 3339), duration_ms, status (ok or error) and attributes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read spans: %w", err)
		}
		spans, err := decodeSpans(data)
		if err != nil {
			return err
		}

		conn, client, err := dial()
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := commandContext(cmd)
		defer cancel()

		accepted, err := client.IngestSpans(ctx, spans)
		if err != nil {
			return fmt.Errorf("failed to ingest spans: %w", err)
		}
		output.Success("accepted %d of %d spans", accepted, len(spans))
		return nil
	},
}

type spanFile struct {
	Spans []spanRecord `yaml:"spans"`
}

type spanRecord struct {
	TraceID      string            `yaml:"trace_id"`
	SpanID       string            `yaml:"span_id"`
	ParentSpanID string            `yaml:"parent_span_id"`
	Name         string            `yaml:"name"`
	ServiceName  string            `yaml:"service_name"`
	StartTime    string            `yaml:"start_time"`
	DurationMs   float64           `yaml:"duration_ms"`
	Status       string            `yaml:"status"`
	Attributes   map[string]string `yaml:"attributes"`
}

func decodeSpans(data []byte) ([]kpi.Span, error) {
	var records []spanRecord
	if err := yaml.Unmarshal(data, &records); err != nil {
		var file spanFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to decode spans: %w", err)
		}
		records = file.Spans
	}

	spans := make([]kpi.Span, 0, len(records))
	for i, r := range records {
		start, err := time.Parse(time.RFC3339Nano, r.StartTime)
		if err != nil {
			return nil, fmt.Errorf("span %d: invalid start_time %q: %w", i, r.StartTime, err)
		}

		status := kpi.SpanStatusUnspecified
		switch r.Status {
		case "ok", "OK":
			status = kpi.SpanStatusOK
		case "error", "ERROR":
			status = kpi.SpanStatusError
		case "":
		default:
			return nil, fmt.Errorf("span %d: unknown status %q", i, r.Status)
		}

		spans = append(spans, kpi.Span{
			TraceID:      r.TraceID,
			SpanID:       r.SpanID,
			ParentSpanID: r.ParentSpanID,
			Name:         r.Name,
			ServiceName:  r.ServiceName,
			StartTime:    start.UTC(),
			Duration:     time.Duration(r.DurationMs * float64(time.Millisecond)),
			Status:       status,
			Attributes:   r.Attributes,
		})
	}
	return spans, nil
}
