package kpi

import (
	"fmt"
	"sort"
	"strings"
)

// PercentileGraph holds one point sequence per tier; all tiers share one x-axis.
type PercentileGraph struct {
	Tiers map[Tier][]GraphPoint `json:"tiers"`
}

// Axis returns the shared x-axis of the graph.
func (g *PercentileGraph) Axis() []int64 {
	for _, tier := range AllTiers {
		if points, ok := g.Tiers[tier]; ok {
			axis := make([]int64, len(points))
			for i, p := range points {
				axis[i] = p.X
			}
			return axis
		}
	}
	return nil
}

// ComputePassThrough reshapes an already aggregated series (response time,
// throughput) into graph points.
func ComputePassThrough(series TimeSeries) []GraphPoint {
	points := make([]GraphPoint, len(series.Samples))
	for i, s := range series.Samples {
		points[i] = GraphPoint{X: s.Timestamp.UnixMilli(), Y: s.Value}
	}
	return points
}

// ComputeApdex derives (satisfied + tolerating/2) / total per bucket. A bucket
// with any absent count, a negative count or a zero total has no data.
func ComputeApdex(satisfied, tolerating, frustrated TimeSeries) ([]GraphPoint, error) {
	if err := checkAxes(satisfied, tolerating, frustrated); err != nil {
		return nil, fmt.Errorf("apdex: %w", err)
	}

	points := make([]GraphPoint, len(satisfied.Samples))
	for i := range satisfied.Samples {
		points[i].X = satisfied.Samples[i].Timestamp.UnixMilli()

		s, t, f := satisfied.Samples[i].Value, tolerating.Samples[i].Value, frustrated.Samples[i].Value
		if s == nil || t == nil || f == nil || *s < 0 || *t < 0 || *f < 0 {
			continue
		}
		total := *s + *t + *f
		if total == 0 {
			continue
		}
		points[i].Y = ratio(*s+*t/2, total)
	}
	return points, nil
}

// ComputeSLA derives success/total per bucket under the same no-data rules as Apdex.
func ComputeSLA(success, total TimeSeries) ([]GraphPoint, error) {
	if err := checkAxes(success, total); err != nil {
		return nil, fmt.Errorf("sla: %w", err)
	}

	points := make([]GraphPoint, len(success.Samples))
	for i := range success.Samples {
		points[i].X = success.Samples[i].Timestamp.UnixMilli()

		ok, all := success.Samples[i].Value, total.Samples[i].Value
		if ok == nil || all == nil || *ok < 0 || *all <= 0 {
			continue
		}
		points[i].Y = ratio(*ok, *all)
	}
	return points, nil
}

// ComputePercentiles aligns the requested tiers onto one shared axis. An empty
// request means every tier.
func ComputePercentiles(tiers map[Tier]TimeSeries, requested []Tier) (*PercentileGraph, error) {
	if len(requested) == 0 {
		requested = AllTiers
	}

	series := make([]TimeSeries, 0, len(requested))
	for _, tier := range requested {
		ts, ok := tiers[tier]
		if !ok {
			return nil, fmt.Errorf("percentile: %w: tier %s has no series", ErrAxisMismatch, tier)
		}
		series = append(series, ts)
	}
	if err := checkAxes(series...); err != nil {
		return nil, fmt.Errorf("percentile: %w", err)
	}

	graph := &PercentileGraph{Tiers: make(map[Tier][]GraphPoint, len(requested))}
	for i, tier := range requested {
		graph.Tiers[tier] = ComputePassThrough(series[i])
	}
	return graph, nil
}

// RankEntities orders entities by the mean of their present samples,
// descending. Entities without data sort last. A limit <= 0 keeps all.
func RankEntities(series []TimeSeries, names map[int]string, limit int) []RankedEntity {
	ranked := make([]RankedEntity, 0, len(series))
	for _, ts := range series {
		ranked = append(ranked, RankedEntity{
			ID:    ts.EntityID,
			Name:  names[ts.EntityID],
			Value: mean(ts),
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i].Value, ranked[j].Value
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a > *b
		}
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

func mean(ts TimeSeries) *float64 {
	var sum float64
	n := 0
	for _, s := range ts.Samples {
		if s.Value != nil {
			sum += *s.Value
			n++
		}
	}
	if n == 0 {
		return nil
	}
	m := sum / float64(n)
	return &m
}

func ratio(num, den float64) *float64 {
	r := num / den
	if r < 0 {
		r = 0
	}
	if r > 1 {
		r = 1
	}
	return &r
}

func checkAxes(series ...TimeSeries) error {
	if len(series) == 0 {
		return nil
	}
	ref := series[0]
	for _, ts := range series[1:] {
		if len(ts.Samples) != len(ref.Samples) {
			return fmt.Errorf("%w: %d samples vs %d", ErrAxisMismatch, len(ts.Samples), len(ref.Samples))
		}
		for i := range ts.Samples {
			if !ts.Samples[i].Timestamp.Equal(ref.Samples[i].Timestamp) {
				return fmt.Errorf("%w: bucket %d differs", ErrAxisMismatch, i)
			}
		}
	}
	return nil
}

// GapPolicy decides how no-data buckets appear in the serialized result.
type GapPolicy string

const (
	// GapNull keeps absent buckets with a null value.
	GapNull GapPolicy = "null"
	// GapZero reports absent buckets as zero.
	GapZero GapPolicy = "zero"
	// GapInterpolate fills inner gaps linearly between present neighbours.
	GapInterpolate GapPolicy = "interpolate"
	// GapOmit drops absent buckets.
	GapOmit GapPolicy = "omit"
)

// ParseGapPolicy parses a policy name; the empty string means GapNull.
func ParseGapPolicy(s string) (GapPolicy, error) {
	switch p := GapPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return GapNull, nil
	case GapNull, GapZero, GapInterpolate, GapOmit:
		return p, nil
	default:
		return "", fmt.Errorf("unknown gap policy %q", s)
	}
}

// ApplyGapPolicy returns a copy of points with absent buckets rendered per policy.
func ApplyGapPolicy(points []GraphPoint, policy GapPolicy) []GraphPoint {
	out := make([]GraphPoint, 0, len(points))
	switch policy {
	case GapZero:
		for _, p := range points {
			if p.Y == nil {
				zero := 0.0
				p.Y = &zero
			}
			out = append(out, p)
		}
	case GapInterpolate:
		out = append(out, points...)
		interpolate(out)
	case GapOmit:
		for _, p := range points {
			if p.Y != nil {
				out = append(out, p)
			}
		}
	default:
		out = append(out, points...)
	}
	return out
}

// ApplyGapPolicyGraph applies a policy to every tier. With GapOmit only the x
// positions absent in every tier are dropped so the tiers keep one axis.
func ApplyGapPolicyGraph(g *PercentileGraph, policy GapPolicy) *PercentileGraph {
	if g == nil {
		return nil
	}
	out := &PercentileGraph{Tiers: make(map[Tier][]GraphPoint, len(g.Tiers))}
	if policy != GapOmit {
		for tier, points := range g.Tiers {
			out.Tiers[tier] = ApplyGapPolicy(points, policy)
		}
		return out
	}

	axis := g.Axis()
	keep := make([]bool, len(axis))
	for _, points := range g.Tiers {
		for i, p := range points {
			if p.Y != nil {
				keep[i] = true
			}
		}
	}
	for tier, points := range g.Tiers {
		kept := make([]GraphPoint, 0, len(points))
		for i, p := range points {
			if keep[i] {
				kept = append(kept, p)
			}
		}
		out.Tiers[tier] = kept
	}
	return out
}

func interpolate(points []GraphPoint) {
	prev := -1
	for i, p := range points {
		if p.Y == nil {
			continue
		}
		if prev >= 0 && i-prev > 1 {
			y0, y1 := *points[prev].Y, *p.Y
			x0, x1 := float64(points[prev].X), float64(p.X)
			for j := prev + 1; j < i; j++ {
				y := y0 + (y1-y0)*(float64(points[j].X)-x0)/(x1-x0)
				points[j].Y = &y
			}
		}
		prev = i
	}
}
