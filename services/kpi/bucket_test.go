package kpi

import (
	"errors"
	"testing"
	"time"
)

func TestParseStep(t *testing.T) {
	tests := []struct {
		in      string
		want    Step
		wantErr bool
	}{
		{"HOUR", StepHour, false},
		{"minute", StepMinute, false},
		{" Day ", StepDay, false},
		{"MONTH", StepMonth, false},
		{"WEEK", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStep(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseStep(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidDuration) {
				t.Errorf("ParseStep(%q) error = %v, want ErrInvalidDuration", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseStep(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestEncodeBucketID(t *testing.T) {
	at := time.Date(2024, 1, 15, 10, 37, 12, 0, time.UTC)

	tests := []struct {
		step     Step
		entityID int
		want     string
	}{
		{StepMonth, 4, "202401_4"},
		{StepDay, 7, "20240115_7"},
		{StepHour, 3, "202401151000_3"},
		{StepMinute, 2, "202401151037_2"},
		{StepHour, GlobalEntityID, "202401151000_0"},
	}

	for _, tt := range tests {
		t.Run(string(tt.step), func(t *testing.T) {
			if got := EncodeBucketID(tt.step, at, tt.entityID); got != tt.want {
				t.Errorf("EncodeBucketID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEncodeBucketID_NormalizesToUTC(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	at := time.Date(2024, 1, 15, 19, 0, 0, 0, tokyo)

	if got := EncodeBucketID(StepHour, at, 1); got != "202401151000_1" {
		t.Errorf("EncodeBucketID() = %q, want 202401151000_1", got)
	}
}

func TestDecodeBucketID(t *testing.T) {
	tests := []struct {
		name     string
		step     Step
		id       string
		wantTime time.Time
		wantID   int
	}{
		{"month", StepMonth, "202003_4", time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC), 4},
		{"day", StepDay, "20240229_12", time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), 12},
		{"hour", StepHour, "202401151000_3", time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), 3},
		{"minute", StepMinute, "202401151037_2", time.Date(2024, 1, 15, 10, 37, 0, 0, time.UTC), 2},
		{"global", StepHour, "202401151000_0", time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, id, err := DecodeBucketID(tt.step, tt.id)
			if err != nil {
				t.Fatalf("DecodeBucketID(%q) error = %v", tt.id, err)
			}
			if !ts.Equal(tt.wantTime) {
				t.Errorf("time = %v, want %v", ts, tt.wantTime)
			}
			if id != tt.wantID {
				t.Errorf("entity id = %d, want %d", id, tt.wantID)
			}
		})
	}
}

func TestDecodeBucketID_Malformed(t *testing.T) {
	tests := []struct {
		name string
		step Step
		id   string
	}{
		{"no delimiter", StepMonth, "2020034"},
		{"empty", StepMonth, ""},
		{"wrong width", StepHour, "2024011510_3"},
		{"hour layout for month", StepMonth, "202401151000_3"},
		{"not a date", StepDay, "2024ab15_3"},
		{"invalid month", StepMonth, "202013_1"},
		{"not an hour boundary", StepHour, "202401151030_3"},
		{"non-numeric entity", StepMonth, "202003_x"},
		{"empty entity", StepMonth, "202003_"},
		{"unknown step", Step("WEEK"), "202003_4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeBucketID(tt.step, tt.id)
			if !errors.Is(err, ErrMalformedBucketID) {
				t.Errorf("DecodeBucketID(%q) error = %v, want ErrMalformedBucketID", tt.id, err)
			}
		})
	}
}

func TestBucketID_RoundTrip(t *testing.T) {
	at := time.Date(2023, 12, 31, 23, 59, 0, 0, time.UTC)
	for _, step := range []Step{StepMonth, StepDay, StepHour, StepMinute} {
		id := EncodeBucketID(step, at, 42)
		ts, entityID, err := DecodeBucketID(step, id)
		if err != nil {
			t.Fatalf("%s: DecodeBucketID(%q) error = %v", step, id, err)
		}
		if !ts.Equal(step.Truncate(at)) || entityID != 42 {
			t.Errorf("%s: round trip = (%v, %d), want (%v, 42)", step, ts, entityID, step.Truncate(at))
		}
	}
}

func TestDuration_Validate(t *testing.T) {
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		d       Duration
		wantErr bool
	}{
		{"valid", Duration{Start: start, End: start.Add(time.Hour), Step: StepHour}, false},
		{"single bucket", Duration{Start: start, End: start, Step: StepMinute}, false},
		{"start after end", Duration{Start: start.Add(time.Hour), End: start, Step: StepHour}, true},
		{"unknown step", Duration{Start: start, End: start, Step: "WEEK"}, true},
		{"missing start", Duration{End: start, Step: StepHour}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidDuration) {
				t.Errorf("Validate() error = %v, want ErrInvalidDuration", err)
			}
		})
	}
}

func TestDuration_Buckets(t *testing.T) {
	tests := []struct {
		name  string
		d     Duration
		first time.Time
		last  time.Time
		count int
	}{
		{
			name:  "hours with unaligned bounds",
			d:     Duration{Start: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC), End: time.Date(2024, 1, 15, 12, 10, 0, 0, time.UTC), Step: StepHour},
			first: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
			last:  time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
			count: 3,
		},
		{
			name:  "months across a year end",
			d:     Duration{Start: time.Date(2023, 11, 30, 0, 0, 0, 0, time.UTC), End: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), Step: StepMonth},
			first: time.Date(2023, 11, 1, 0, 0, 0, 0, time.UTC),
			last:  time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
			count: 4,
		},
		{
			name:  "days over a leap day",
			d:     Duration{Start: time.Date(2024, 2, 28, 6, 0, 0, 0, time.UTC), End: time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC), Step: StepDay},
			first: time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC),
			last:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			count: 3,
		},
		{
			name:  "single minute",
			d:     Duration{Start: time.Date(2024, 1, 15, 10, 5, 10, 0, time.UTC), End: time.Date(2024, 1, 15, 10, 5, 50, 0, time.UTC), Step: StepMinute},
			first: time.Date(2024, 1, 15, 10, 5, 0, 0, time.UTC),
			last:  time.Date(2024, 1, 15, 10, 5, 0, 0, time.UTC),
			count: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buckets := tt.d.Buckets()
			if len(buckets) != tt.count {
				t.Fatalf("len(Buckets()) = %d, want %d", len(buckets), tt.count)
			}
			if got := tt.d.BucketCount(); got != tt.count {
				t.Errorf("BucketCount() = %d, want %d", got, tt.count)
			}
			if !buckets[0].Equal(tt.first) {
				t.Errorf("first bucket = %v, want %v", buckets[0], tt.first)
			}
			if !buckets[len(buckets)-1].Equal(tt.last) {
				t.Errorf("last bucket = %v, want %v", buckets[len(buckets)-1], tt.last)
			}
			for i := 1; i < len(buckets); i++ {
				if !buckets[i].After(buckets[i-1]) {
					t.Fatalf("buckets not strictly ascending at %d", i)
				}
			}
		})
	}
}
