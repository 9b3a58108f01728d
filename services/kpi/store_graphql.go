package kpi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// HTTPDoer is the subset of *http.Client used by GraphQLStore.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	linearValuesQuery = `query ($metric: MetricCondition!, $duration: Duration!) {
  getLinearIntValues(metric: $metric, duration: $duration) { values { id value } }
}`
	entityQuery = `query ($scope: String!, $id: Int!) {
  getEntity(scope: $scope, id: $id) { id name scope parentId }
}`
	listEntitiesQuery = `query ($scope: String!, $parentId: Int!) {
  listEntities(scope: $scope, parentId: $parentId) { id name scope parentId }
}`
)

// Duration strings sent upstream use a coarser, human-readable layout per step.
var graphQLDurationLayouts = map[Step]string{
	StepMonth:  "2006-01",
	StepDay:    "2006-01-02",
	StepHour:   "2006-01-02 15",
	StepMinute: "2006-01-02 1504",
}

// GraphQLStore queries an upstream OAP-style metric store over HTTP. The
// metric payload is returned untouched for ParseResponse to decode.
type GraphQLStore struct {
	endpoint string
	client   HTTPDoer
}

// NewGraphQLStore creates a store that posts GraphQL queries to endpoint.
func NewGraphQLStore(endpoint string, client HTTPDoer) *GraphQLStore {
	return &GraphQLStore{endpoint: endpoint, client: client}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLEntity struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Scope    string `json:"scope"`
	ParentID int    `json:"parentId"`
}

func (e graphQLEntity) toEntity() Entity {
	return Entity{ID: e.ID, Name: e.Name, Scope: Scope(strings.ToLower(e.Scope)), ParentID: e.ParentID}
}

func (s *GraphQLStore) Query(ctx context.Context, query MetricQuery) ([]byte, error) {
	if err := query.Duration.Validate(); err != nil {
		return nil, err
	}

	ids := make([]string, len(query.EntityIDs))
	for i, id := range query.EntityIDs {
		ids[i] = strconv.Itoa(id)
	}
	layout := graphQLDurationLayouts[query.Duration.Step]

	return s.post(ctx, graphQLRequest{
		Query: linearValuesQuery,
		Variables: map[string]any{
			"metric": map[string]any{
				"name":  string(query.Metric),
				"scope": strings.ToUpper(string(query.Scope)),
				"ids":   ids,
			},
			"duration": map[string]any{
				"start": query.Duration.Start.UTC().Format(layout),
				"end":   query.Duration.End.UTC().Format(layout),
				"step":  string(query.Duration.Step),
			},
		},
	})
}

func (s *GraphQLStore) LookupEntity(ctx context.Context, scope Scope, id int) (*Entity, error) {
	if scope == ScopeAll {
		return &Entity{ID: GlobalEntityID, Name: "all", Scope: ScopeAll}, nil
	}

	body, err := s.post(ctx, graphQLRequest{
		Query:     entityQuery,
		Variables: map[string]any{"scope": strings.ToUpper(string(scope)), "id": id},
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data struct {
			GetEntity *graphQLEntity `json:"getEntity"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode entity response: %w", err)
	}
	if resp.Data.GetEntity == nil {
		return nil, fmt.Errorf("%w: %s %d", ErrEntityNotFound, scope, id)
	}

	e := resp.Data.GetEntity.toEntity()
	return &e, nil
}

func (s *GraphQLStore) ListEntities(ctx context.Context, scope Scope, parentID int) ([]Entity, error) {
	body, err := s.post(ctx, graphQLRequest{
		Query:     listEntitiesQuery,
		Variables: map[string]any{"scope": strings.ToUpper(string(scope)), "parentId": parentID},
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data struct {
			ListEntities []graphQLEntity `json:"listEntities"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode entity list: %w", err)
	}

	entities := make([]Entity, 0, len(resp.Data.ListEntities))
	for _, e := range resp.Data.ListEntities {
		entities = append(entities, e.toEntity())
	}
	return entities, nil
}

func (s *GraphQLStore) post(ctx context.Context, gql graphQLRequest) ([]byte, error) {
	reqBody, err := json.Marshal(gql)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query metric store: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metric store returned status %d: %s", resp.StatusCode, string(body))
	}

	var envelope struct {
		Errors []graphQLError `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Errors) > 0 {
		return nil, fmt.Errorf("metric store error: %s", envelope.Errors[0].Message)
	}

	return body, nil
}

var _ MetricStore = (*GraphQLStore)(nil)
