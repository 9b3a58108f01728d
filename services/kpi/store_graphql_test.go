package kpi

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aiops/kpiquery/pkg/testutil"
)

func TestGraphQLStore_Query(t *testing.T) {
	client := testutil.NewMockHTTPClient()
	client.AddResponse(testutil.MockValues(
		map[string]interface{}{"id": "202401151000_3", "value": 12},
		map[string]interface{}{"id": "202401151100_3", "value": 15},
	))
	store := NewGraphQLStore("http://oap:12800/graphql", client)

	payload, err := store.Query(context.Background(), MetricQuery{
		Metric:    MetricResponseTime,
		Scope:     ScopeEndpoint,
		EntityIDs: []int{3, 4},
		Duration:  hourWindow(10, 11),
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	points, _, err := ParseEntity(StepHour, payload, 3)
	if err != nil {
		t.Fatalf("ParseEntity() error = %v", err)
	}
	if len(points) != 2 {
		t.Errorf("len(points) = %d, want 2", len(points))
	}

	req := client.LastRequest()
	if req.Method != "POST" || req.URL.String() != "http://oap:12800/graphql" {
		t.Errorf("request = %s %s", req.Method, req.URL)
	}
	if ct := req.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var sent struct {
		Query     string `json:"query"`
		Variables struct {
			Metric struct {
				Name  string   `json:"name"`
				Scope string   `json:"scope"`
				IDs   []string `json:"ids"`
			} `json:"metric"`
			Duration struct {
				Start string `json:"start"`
				End   string `json:"end"`
				Step  string `json:"step"`
			} `json:"duration"`
		} `json:"variables"`
	}
	if err := json.Unmarshal(client.LastRequestBody(), &sent); err != nil {
		t.Fatalf("request body is not JSON: %v", err)
	}
	if !strings.Contains(sent.Query, "getLinearIntValues") {
		t.Errorf("query = %q, want getLinearIntValues", sent.Query)
	}
	if sent.Variables.Metric.Name != "response_time" || sent.Variables.Metric.Scope != "ENDPOINT" {
		t.Errorf("metric = %+v", sent.Variables.Metric)
	}
	if strings.Join(sent.Variables.Metric.IDs, ",") != "3,4" {
		t.Errorf("ids = %v, want [3 4]", sent.Variables.Metric.IDs)
	}
	if sent.Variables.Duration.Start != "2024-01-15 10" || sent.Variables.Duration.End != "2024-01-15 11" {
		t.Errorf("duration = %+v, want hour layout", sent.Variables.Duration)
	}
	if sent.Variables.Duration.Step != "HOUR" {
		t.Errorf("step = %q, want HOUR", sent.Variables.Duration.Step)
	}
}

func TestGraphQLStore_Query_Errors(t *testing.T) {
	tests := []struct {
		name string
		resp testutil.MockResponse
		want string
	}{
		{"http status", testutil.MockErrorResponse(502, "bad gateway"), "status 502"},
		{"graphql errors", testutil.MockGraphQLErrors("metric not found"), "metric not found"},
		{"connection", testutil.MockConnectionError(), "connection refused"},
		{"timeout", testutil.MockTimeoutError(), "deadline exceeded"},
		{"empty body", testutil.MockEmptyResponse(503), "status 503"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := testutil.NewMockHTTPClient()
			client.AddResponse(tt.resp)
			store := NewGraphQLStore("http://oap/graphql", client)

			_, err := store.Query(context.Background(), MetricQuery{
				Metric: MetricCalls, Scope: ScopeService, EntityIDs: []int{1}, Duration: hourWindow(10, 11),
			})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Query() error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestGraphQLStore_Query_InvalidDurationSkipsRequest(t *testing.T) {
	client := testutil.NewMockHTTPClient()
	store := NewGraphQLStore("http://oap/graphql", client)

	_, err := store.Query(context.Background(), MetricQuery{
		Metric: MetricCalls, Scope: ScopeService, EntityIDs: []int{1},
		Duration: Duration{Start: at(11, 0), End: at(10, 0), Step: StepHour},
	})
	if !errors.Is(err, ErrInvalidDuration) {
		t.Errorf("Query() error = %v, want ErrInvalidDuration", err)
	}
	if n := len(client.Requests()); n != 0 {
		t.Errorf("sent %d requests, want 0", n)
	}
}

func TestGraphQLStore_Query_MalformedPayloadPassesThrough(t *testing.T) {
	client := testutil.NewMockHTTPClient()
	client.AddResponse(testutil.MockGraphQLResponse(map[string]interface{}{"getLinearIntValues": nil}))
	store := NewGraphQLStore("http://oap/graphql", client)

	payload, err := store.Query(context.Background(), MetricQuery{
		Metric: MetricCalls, Scope: ScopeService, EntityIDs: []int{1}, Duration: hourWindow(10, 11),
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if _, _, err := ParseResponse(StepHour, payload, 1); !errors.Is(err, ErrMissingField) {
		t.Errorf("ParseResponse() error = %v, want ErrMissingField", err)
	}
}

func TestGraphQLStore_LookupEntity(t *testing.T) {
	client := testutil.NewMockHTTPClient()
	client.AddResponse(testutil.MockGraphQLResponse(map[string]interface{}{
		"getEntity": map[string]interface{}{"id": 3, "name": "shop", "scope": "SERVICE", "parentId": 0},
	}))
	client.AddResponse(testutil.MockGraphQLResponse(map[string]interface{}{"getEntity": nil}))
	store := NewGraphQLStore("http://oap/graphql", client)
	ctx := context.Background()

	e, err := store.LookupEntity(ctx, ScopeService, 3)
	if err != nil {
		t.Fatalf("LookupEntity() error = %v", err)
	}
	if e.ID != 3 || e.Name != "shop" || e.Scope != ScopeService {
		t.Errorf("LookupEntity() = %+v", e)
	}

	if _, err := store.LookupEntity(ctx, ScopeService, 4); !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("LookupEntity(missing) error = %v, want ErrEntityNotFound", err)
	}

	global, err := store.LookupEntity(ctx, ScopeAll, 0)
	if err != nil || global.Scope != ScopeAll {
		t.Errorf("LookupEntity(all) = %+v, %v", global, err)
	}
	if n := len(client.Requests()); n != 2 {
		t.Errorf("sent %d requests, want 2 (global scope is local)", n)
	}
}

func TestGraphQLStore_ListEntities(t *testing.T) {
	client := testutil.NewMockHTTPClient()
	client.AddResponse(testutil.MockGraphQLResponse(map[string]interface{}{
		"listEntities": []map[string]interface{}{
			{"id": 7, "name": "/checkout", "scope": "ENDPOINT", "parentId": 3},
			{"id": 8, "name": "/cart", "scope": "ENDPOINT", "parentId": 3},
		},
	}))
	store := NewGraphQLStore("http://oap/graphql", client)

	entities, err := store.ListEntities(context.Background(), ScopeEndpoint, 3)
	if err != nil {
		t.Fatalf("ListEntities() error = %v", err)
	}
	if len(entities) != 2 || entities[1].Name != "/cart" || entities[0].ParentID != 3 || entities[0].Scope != ScopeEndpoint {
		t.Errorf("ListEntities() = %+v", entities)
	}

	var sent struct {
		Variables map[string]interface{} `json:"variables"`
	}
	json.Unmarshal(client.LastRequestBody(), &sent)
	if sent.Variables["scope"] != "ENDPOINT" || sent.Variables["parentId"] != float64(3) {
		t.Errorf("variables = %v", sent.Variables)
	}
}

func TestGraphQLStore_MalformedJSON(t *testing.T) {
	client := testutil.NewMockHTTPClient()
	client.AddResponse(testutil.MockMalformedJSON())
	client.AddResponse(testutil.MockMalformedJSON())
	store := NewGraphQLStore("http://oap/graphql", client)
	ctx := context.Background()

	payload, err := store.Query(ctx, MetricQuery{
		Metric: MetricCalls, Scope: ScopeService, EntityIDs: []int{1}, Duration: hourWindow(10, 11),
	})
	testutil.RequireNoError(t, err, "Query")
	_, _, err = ParseResponse(StepHour, payload, 1)
	testutil.RequireEqual(t, true, errors.Is(err, ErrMissingField), "ParseResponse reports a missing field")

	_, err = store.LookupEntity(ctx, ScopeService, 1)
	testutil.RequireError(t, err, "LookupEntity")
	testutil.RequireEqual(t, 2, len(client.Requests()), "requests sent")
}

func TestGraphQLStore_BehindCache(t *testing.T) {
	client := testutil.NewMockHTTPClient()
	client.SetDefaultResponse(testutil.MockValues(
		map[string]interface{}{"id": "202401151000_1", "value": 4},
	))
	store := NewCachedStore(NewGraphQLStore("http://oap/graphql", client), newMemoryCache(), time.Minute)
	store.now = func() time.Time { return at(13, 0) }
	ctx := context.Background()

	closed := MetricQuery{Metric: MetricCalls, Scope: ScopeService, EntityIDs: []int{1}, Duration: hourWindow(10, 11)}
	for i := 0; i < 3; i++ {
		if _, err := store.Query(ctx, closed); err != nil {
			t.Fatalf("Query() error = %v", err)
		}
	}
	if n := len(client.RequestBodies()); n != 1 {
		t.Errorf("upstream requests = %d, want 1", n)
	}

	client.Reset()
	open := closed
	open.Duration = hourWindow(12, 13)
	for i := 0; i < 2; i++ {
		if _, err := store.Query(ctx, open); err != nil {
			t.Fatalf("Query() error = %v", err)
		}
	}
	if n := len(client.RequestBodies()); n != 2 {
		t.Errorf("upstream requests for an open window = %d, want 2", n)
	}
}
