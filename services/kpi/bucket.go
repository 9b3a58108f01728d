package kpi

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Step is the bucket granularity of a query.
type Step string

const (
	StepMonth  Step = "MONTH"
	StepDay    Step = "DAY"
	StepHour   Step = "HOUR"
	StepMinute Step = "MINUTE"
)

// BucketDelimiter separates the time prefix from the entity id in a composite id.
const BucketDelimiter = "_"

// Hourly ids keep the minute digits (always "00") so every sub-month step shares
// the same prefix width as the metric store's minute buckets.
var bucketLayouts = map[Step]string{
	StepMonth:  "200601",
	StepDay:    "20060102",
	StepHour:   "200601021504",
	StepMinute: "200601021504",
}

// ParseStep parses a step name case-insensitively.
func ParseStep(s string) (Step, error) {
	step := Step(strings.ToUpper(strings.TrimSpace(s)))
	if !step.Valid() {
		return "", fmt.Errorf("%w: unknown step %q", ErrInvalidDuration, s)
	}
	return step, nil
}

// Valid reports whether s is a known step.
func (s Step) Valid() bool {
	_, ok := bucketLayouts[s]
	return ok
}

// Layout returns the time layout of the step's bucket ids.
func (s Step) Layout() string {
	return bucketLayouts[s]
}

// Width returns the fixed bucket width. MONTH has no fixed width and returns 0.
func (s Step) Width() time.Duration {
	switch s {
	case StepDay:
		return 24 * time.Hour
	case StepHour:
		return time.Hour
	case StepMinute:
		return time.Minute
	default:
		return 0
	}
}

// Truncate returns the start of the bucket containing t, in UTC.
func (s Step) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch s {
	case StepMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case StepDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return t.Truncate(s.Width())
	}
}

// Next returns the start of the bucket following the one starting at t.
func (s Step) Next(t time.Time) time.Time {
	if s == StepMonth {
		return t.AddDate(0, 1, 0)
	}
	return t.Add(s.Width())
}

// EncodeBucketID renders the composite id of the bucket containing t for an entity.
func EncodeBucketID(step Step, t time.Time, entityID int) string {
	return step.Truncate(t).Format(step.Layout()) + BucketDelimiter + strconv.Itoa(entityID)
}

// DecodeBucketID parses a composite id under the step's layout.
// The prefix must be a bucket boundary of the step.
func DecodeBucketID(step Step, id string) (time.Time, int, error) {
	if !step.Valid() {
		return time.Time{}, 0, fmt.Errorf("%w: unknown step %q", ErrMalformedBucketID, step)
	}

	i := strings.LastIndex(id, BucketDelimiter)
	if i < 0 {
		return time.Time{}, 0, fmt.Errorf("%w: %q has no delimiter", ErrMalformedBucketID, id)
	}
	prefix, suffix := id[:i], id[i+len(BucketDelimiter):]

	layout := step.Layout()
	if len(prefix) != len(layout) {
		return time.Time{}, 0, fmt.Errorf("%w: %q does not match %s layout", ErrMalformedBucketID, id, step)
	}
	t, err := time.ParseInLocation(layout, prefix, time.UTC)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("%w: %q: %v", ErrMalformedBucketID, id, err)
	}
	if !step.Truncate(t).Equal(t) {
		return time.Time{}, 0, fmt.Errorf("%w: %q is not a %s boundary", ErrMalformedBucketID, id, step)
	}

	entityID, err := strconv.Atoi(suffix)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("%w: %q has a non-numeric entity id", ErrMalformedBucketID, id)
	}

	return t, entityID, nil
}
