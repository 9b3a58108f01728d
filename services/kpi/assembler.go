package kpi

import (
	"fmt"
	"time"
)

// Assemble builds the series of one entity over d. Every bucket boundary of d
// gets exactly one sample; buckets without a point carry a nil value. Points
// outside the window are dropped. When two points land in the same bucket the
// later one in input order wins and an ErrDuplicateBucket warning is returned.
func Assemble(d Duration, entityID int, points []MetricPoint) (TimeSeries, []error) {
	buckets := d.Buckets()
	index := make(map[int64]int, len(buckets))
	samples := make([]Sample, len(buckets))
	for i, b := range buckets {
		samples[i] = Sample{Timestamp: b}
		index[b.UnixNano()] = i
	}

	var warnings []error
	for _, p := range points {
		if p.EntityID != entityID {
			continue
		}
		i, ok := index[d.Step.Truncate(p.Timestamp).UnixNano()]
		if !ok {
			continue
		}
		if samples[i].Value != nil {
			warnings = append(warnings, fmt.Errorf("%w: entity %d at %s",
				ErrDuplicateBucket, entityID, samples[i].Timestamp.Format(time.RFC3339)))
		}
		v := p.Value
		samples[i].Value = &v
	}

	return TimeSeries{
		EntityID: entityID,
		Step:     d.Step,
		Samples:  samples,
	}, warnings
}

// AssembleAll assembles one series per entity id, in the order given.
// Entities without points still get a full, all-absent axis.
func AssembleAll(d Duration, entityIDs []int, points map[int][]MetricPoint) ([]TimeSeries, []error) {
	series := make([]TimeSeries, 0, len(entityIDs))
	var warnings []error
	for _, id := range entityIDs {
		ts, w := Assemble(d, id, points[id])
		series = append(series, ts)
		warnings = append(warnings, w...)
	}
	return series, warnings
}
