package cmd

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/aiops/kpiquery/cli/internal/output"
	"github.com/aiops/kpiquery/services/kpi"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query the KPIs of a service",
	Long: `Query the KPIs of a service over a window. --scope selects an endpoint,
an instance or the whole system (--scope all, no --id) instead.

Times are RFC 3339 or the step's short layout ("2006-01-02 1504" for MINUTE,
"2006-01-02 15" for HOUR, "2006-01-02" for DAY, "2006-01" for MONTH).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := queryRequestFromFlags(cmd)
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

		result, err := client.Query(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to query kpis: %w", err)
		}

		w := output.NewWriterTo(cfg.Format, cmd.OutOrStdout())
		if w.Structured() {
			return w.Print(result)
		}
		if cfg.Verbose {
			cmd.Printf("request %s: %s %q (%d)\n\n", result.RequestID, result.Entity.Scope, result.Entity.Name, result.Entity.ID)
		}
		return w.Print(kpiTables(result))
	},
}

func init() {
	addQueryFlags(queryCmd)
}

func addQueryFlags(c *cobra.Command) {
	c.Flags().Int("id", 0, "Entity id")
	c.Flags().String("scope", "service", "Entity scope (service, endpoint, instance, all)")
	c.Flags().String("start", "", "Window start")
	c.Flags().String("end", "", "Window end")
	c.Flags().String("step", "HOUR", "Bucket step (MINUTE, HOUR, DAY, MONTH)")
	c.Flags().String("types", "", "Comma separated KPI types; empty means all")
	c.Flags().String("gap", "", "Gap policy (null, zero, interpolate, omit)")
	_ = c.MarkFlagRequired("start")
	_ = c.MarkFlagRequired("end")
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), cfg.Timeout)
}

func queryRequestFromFlags(cmd *cobra.Command) (kpi.Request, error) {
	id, _ := cmd.Flags().GetInt("id")
	scopeFlag, _ := cmd.Flags().GetString("scope")
	startFlag, _ := cmd.Flags().GetString("start")
	endFlag, _ := cmd.Flags().GetString("end")
	stepFlag, _ := cmd.Flags().GetString("step")
	types, _ := cmd.Flags().GetString("types")
	gapFlag, _ := cmd.Flags().GetString("gap")

	scope, err := kpi.ParseScope(scopeFlag)
	if err != nil {
		return kpi.Request{}, err
	}
	switch {
	case scope == kpi.ScopeAll:
		id = kpi.GlobalEntityID
	case !cmd.Flags().Changed("id"):
		return kpi.Request{}, fmt.Errorf("--id is required for scope %s", scope)
	}

	step, err := kpi.ParseStep(stepFlag)
	if err != nil {
		return kpi.Request{}, err
	}
	start, err := kpi.ParseTimeBound(step, startFlag)
	if err != nil {
		return kpi.Request{}, fmt.Errorf("invalid --start: %w", err)
	}
	end, err := kpi.ParseTimeBound(step, endFlag)
	if err != nil {
		return kpi.Request{}, fmt.Errorf("invalid --end: %w", err)
	}

	var gap kpi.GapPolicy
	if gapFlag != "" {
		if gap, err = kpi.ParseGapPolicy(gapFlag); err != nil {
			return kpi.Request{}, err
		}
	}

	return kpi.Request{
		EntityID:      id,
		Scope:         scope,
		Duration:      kpi.Duration{Start: start, End: end, Step: step},
		KpiTypeFilter: types,
		GapPolicy:     gap,
	}, nil
}

// kpiTables renders every populated field of a result as its own table.
func kpiTables(r *kpi.ServiceKpiAll) []output.Table {
	var tables []output.Table

	series := []struct {
		kt        kpi.KpiType
		points    []kpi.GraphPoint
		precision int
	}{
		{kpi.KpiApdexScore, r.ApdexScore, 4},
		{kpi.KpiResponseTime, r.ResponseTime, 1},
		{kpi.KpiThroughput, r.Throughput, 1},
		{kpi.KpiSLA, r.SLA, 2},
	}
	for _, s := range series {
		if s.points == nil {
			continue
		}
		t := output.Table{Title: string(s.kt), Headers: []string{"TIME", "VALUE"}}
		for _, p := range s.points {
			t.Rows = append(t.Rows, []string{output.UnixMillis(p.X), output.Value(p.Y, s.precision)})
		}
		tables = append(tables, t)
	}

	if r.ServicePercentile != nil {
		tables = append(tables, percentileTable("PERCENTILE (service)", r.ServicePercentile))
	}
	if r.GlobalPercentile != nil {
		tables = append(tables, percentileTable("PERCENTILE (global)", r.GlobalPercentile))
	}

	if r.SlowEndpoints != nil {
		tables = append(tables, rankedTable(string(kpi.KpiSlowEndpoint), r.SlowEndpoints))
	}
	if r.InstanceThroughput != nil {
		tables = append(tables, rankedTable(string(kpi.KpiInstanceThroughput), r.InstanceThroughput))
	}

	if len(r.Failures) > 0 {
		t := output.Table{Title: "FAILURES", Headers: []string{"KPI", "KIND", "MESSAGE"}}
		keys := make([]string, 0, len(r.Failures))
		for kt := range r.Failures {
			keys = append(keys, string(kt))
		}
		sort.Strings(keys)
		for _, k := range keys {
			f := r.Failures[kpi.KpiType(k)]
			t.Rows = append(t.Rows, []string{k, string(f.Kind), f.Message})
		}
		tables = append(tables, t)
	}

	if len(r.Warnings) > 0 {
		t := output.Table{Title: "WARNINGS", Headers: []string{"MESSAGE"}}
		for _, w := range r.Warnings {
			t.Rows = append(t.Rows, []string{w})
		}
		tables = append(tables, t)
	}

	return tables
}

func percentileTable(title string, g *kpi.PercentileGraph) output.Table {
	var tiers []kpi.Tier
	headers := []string{"TIME"}
	for _, tier := range kpi.AllTiers {
		if _, ok := g.Tiers[tier]; ok {
			tiers = append(tiers, tier)
			headers = append(headers, string(tier))
		}
	}

	// Rows are keyed by bucket time so a short tier leaves blank cells.
	values := make(map[int64]map[kpi.Tier]*float64)
	var axis []int64
	for _, tier := range tiers {
		for _, p := range g.Tiers[tier] {
			if _, ok := values[p.X]; !ok {
				values[p.X] = make(map[kpi.Tier]*float64)
				axis = append(axis, p.X)
			}
			values[p.X][tier] = p.Y
		}
	}
	sort.Slice(axis, func(i, j int) bool { return axis[i] < axis[j] })

	t := output.Table{Title: title, Headers: headers}
	for _, x := range axis {
		row := []string{output.UnixMillis(x)}
		for _, tier := range tiers {
			row = append(row, output.Value(values[x][tier], 0))
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

func rankedTable(title string, ranked []kpi.RankedEntity) output.Table {
	t := output.Table{Title: title, Headers: []string{"RANK", "ID", "NAME", "VALUE"}}
	for i, e := range ranked {
		t.Rows = append(t.Rows, []string{
			strconv.Itoa(i + 1),
			strconv.Itoa(e.ID),
			e.Name,
			output.Value(e.Value, 1),
		})
	}
	return t
}
