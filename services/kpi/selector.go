package kpi

import (
	"sort"
	"strings"
)

// KpiType names one kind of KPI a request can ask for.
type KpiType string

const (
	KpiApdexScore         KpiType = "APDEX_SCORE"
	KpiResponseTime       KpiType = "RESPONSE_TIME"
	KpiThroughput         KpiType = "THROUGHPUT"
	KpiSLA                KpiType = "SLA"
	KpiPercentile         KpiType = "PERCENTILE"
	KpiP50                KpiType = "P50"
	KpiP75                KpiType = "P75"
	KpiP90                KpiType = "P90"
	KpiP95                KpiType = "P95"
	KpiP99                KpiType = "P99"
	KpiSlowEndpoint       KpiType = "SLOW_ENDPOINT"
	KpiInstanceThroughput KpiType = "INSTANCE_THROUGHPUT"
)

// AllKpiTypes lists every known KPI type.
var AllKpiTypes = []KpiType{
	KpiApdexScore, KpiResponseTime, KpiThroughput, KpiSLA,
	KpiPercentile, KpiP50, KpiP75, KpiP90, KpiP95, KpiP99,
	KpiSlowEndpoint, KpiInstanceThroughput,
}

// Tier is a latency percentile cut-point.
type Tier string

const (
	TierP50 Tier = "P50"
	TierP75 Tier = "P75"
	TierP90 Tier = "P90"
	TierP95 Tier = "P95"
	TierP99 Tier = "P99"
)

// AllTiers lists the percentile tiers in ascending order.
var AllTiers = []Tier{TierP50, TierP75, TierP90, TierP95, TierP99}

var tierTypes = map[KpiType]Tier{
	KpiP50: TierP50,
	KpiP75: TierP75,
	KpiP90: TierP90,
	KpiP95: TierP95,
	KpiP99: TierP99,
}

var kpiAliases = map[string]KpiType{
	"APDEX":       KpiApdexScore,
	"RESP_TIME":   KpiResponseTime,
	"CPM":         KpiThroughput,
	"PERCENTILES": KpiPercentile,
}

// Selection is the parsed form of a KPI type filter.
type Selection struct {
	Types   map[KpiType]struct{}
	Unknown []string
}

// ParseKpiTypes parses a comma-delimited, case-insensitive list of KPI names.
// Unknown tokens are kept in Unknown. An empty filter yields an empty set,
// which Resolve expands to every known type.
func ParseKpiTypes(filter string) Selection {
	sel := Selection{Types: make(map[KpiType]struct{})}
	for _, token := range strings.Split(filter, ",") {
		name := normalizeKpiName(token)
		if name == "" {
			continue
		}
		kt, ok := lookupKpiType(name)
		if !ok {
			sel.Unknown = append(sel.Unknown, strings.TrimSpace(token))
			continue
		}
		sel.Types[kt] = struct{}{}
	}
	return sel
}

func normalizeKpiName(token string) string {
	name := strings.ToUpper(strings.TrimSpace(token))
	name = strings.ReplaceAll(name, "-", "_")
	return strings.Join(strings.Fields(name), "_")
}

func lookupKpiType(name string) (KpiType, bool) {
	if kt, ok := kpiAliases[name]; ok {
		return kt, true
	}
	for _, kt := range AllKpiTypes {
		if string(kt) == name {
			return kt, true
		}
	}
	return "", false
}

// Empty reports whether no known type was selected.
func (s Selection) Empty() bool {
	return len(s.Types) == 0
}

// Resolve returns the selected types, expanding an empty selection to every known type.
func (s Selection) Resolve() []KpiType {
	if s.Empty() {
		out := make([]KpiType, len(AllKpiTypes))
		copy(out, AllKpiTypes)
		return out
	}
	out := make([]KpiType, 0, len(s.Types))
	for _, kt := range AllKpiTypes {
		if _, ok := s.Types[kt]; ok {
			out = append(out, kt)
		}
	}
	return out
}

// Tiers returns the percentile tiers the selection asks for. PERCENTILE, or an
// empty selection, means every tier.
func (s Selection) Tiers() []Tier {
	if s.Empty() {
		return AllTiers
	}
	if _, ok := s.Types[KpiPercentile]; ok {
		return AllTiers
	}
	var tiers []Tier
	for kt := range s.Types {
		if tier, ok := tierTypes[kt]; ok {
			tiers = append(tiers, tier)
		}
	}
	sort.Slice(tiers, func(i, j int) bool { return tierRank(tiers[i]) < tierRank(tiers[j]) })
	return tiers
}

func tierRank(t Tier) int {
	for i, tier := range AllTiers {
		if tier == t {
			return i
		}
	}
	return len(AllTiers)
}
