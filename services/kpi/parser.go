package kpi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultValuesPath is where the metric store places its value records:
//
//	{"data": {"getLinearIntValues": {"values": [{"id": "202003_4", "value": 0}]}}}
var DefaultValuesPath = []string{"data", "getLinearIntValues", "values"}

type valueRecord struct {
	ID    *string          `json:"id"`
	Value *json.RawMessage `json:"value"`
}

// ParseResponse decodes a metric-store payload into points for the requested
// entities. Records are matched by the entity id encoded in their composite id;
// records for other entities are ignored. Malformed records are skipped and
// returned as warnings.
func ParseResponse(step Step, payload []byte, entityIDs ...int) (map[int][]MetricPoint, []error, error) {
	records, err := extractRecords(payload, DefaultValuesPath)
	if err != nil {
		return nil, nil, err
	}

	wanted := make(map[int]bool, len(entityIDs))
	for _, id := range entityIDs {
		wanted[id] = true
	}

	result := make(map[int][]MetricPoint, len(entityIDs))
	var warnings []error
	decoded := 0

	for i, rec := range records {
		if rec.ID == nil {
			warnings = append(warnings, fmt.Errorf("%w: record %d has no id", ErrMalformedBucketID, i))
			continue
		}
		ts, entityID, err := DecodeBucketID(step, *rec.ID)
		if err != nil {
			warnings = append(warnings, err)
			continue
		}
		decoded++
		if !wanted[entityID] {
			continue
		}

		value, ok, err := decodeValue(rec.Value)
		if err != nil {
			warnings = append(warnings, fmt.Errorf("record %q: %w", *rec.ID, err))
			continue
		}
		if !ok {
			continue
		}

		result[entityID] = append(result[entityID], MetricPoint{
			EntityID:  entityID,
			Value:     value,
			Timestamp: ts,
		})
	}

	// Every record was unreadable: surface that instead of an empty result.
	if decoded == 0 && len(warnings) > 0 {
		return nil, warnings, errors.Join(warnings...)
	}

	return result, warnings, nil
}

// ParseEntity decodes the points of a single entity. It returns ErrEmptyResult
// when the payload holds no usable record for that entity.
func ParseEntity(step Step, payload []byte, entityID int) ([]MetricPoint, []error, error) {
	byEntity, warnings, err := ParseResponse(step, payload, entityID)
	if err != nil {
		return nil, warnings, err
	}
	points := byEntity[entityID]
	if len(points) == 0 {
		return nil, warnings, fmt.Errorf("%w: entity %d", ErrEmptyResult, entityID)
	}
	return points, warnings, nil
}

func extractRecords(payload []byte, path []string) ([]valueRecord, error) {
	var node json.RawMessage = payload
	for _, field := range path {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(node, &obj); err != nil || obj == nil {
			return nil, fmt.Errorf("%w: %q is not an object", ErrMissingField, field)
		}
		next, ok := obj[field]
		if !ok || isNull(next) {
			return nil, fmt.Errorf("%w: %q", ErrMissingField, field)
		}
		node = next
	}

	var records []valueRecord
	if err := json.Unmarshal(node, &records); err != nil {
		return nil, fmt.Errorf("%w: %q is not an array of records", ErrMissingField, path[len(path)-1])
	}
	return records, nil
}

func decodeValue(raw *json.RawMessage) (float64, bool, error) {
	if raw == nil || isNull(*raw) {
		return 0, false, nil
	}
	var v float64
	if err := json.Unmarshal(*raw, &v); err != nil {
		return 0, false, fmt.Errorf("value is not a number: %s", string(*raw))
	}
	return v, true, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
