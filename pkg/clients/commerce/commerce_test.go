package commerce_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	. "contentctl/pkg/clients/commerce"
	"contentctl/pkg/ratelimit"
)

func TestEstimateCost_MatchesSpecFormula(t *testing.T) {
	q := GraphQLQuery{FieldCount: 10, ConnectionCount: 2, FirstArgs: []int{50, 50}}
	// 1 + 0.1*10 + 2 + 0.01*100 = 1 + 1 + 2 + 1 = 5
	if got := EstimateCost(q); got != 5 {
		t.Errorf("expected cost 5, got %d", got)
	}
}

func TestEstimateCost_MinimumOne(t *testing.T) {
	q := GraphQLQuery{}
	if got := EstimateCost(q); got != 1 {
		t.Errorf("expected minimum cost 1, got %d", got)
	}
}

func TestDoREST_SucceedsOnOK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := New(server.URL, ratelimit.TierStandard, 1000, nil)
	defer client.Close()

	resp, err := client.DoREST(context.Background(), RESTRequest{Method: http.MethodGet, Path: "/products"}, "corr-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestDoGraphQL_ParsesUserAndGraphQLErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]interface{}{
			"data": map[string]interface{}{"product": nil},
			"errors": []map[string]interface{}{
				{"message": "not found", "path": []interface{}{"product"}},
				{"message": "internal failure"},
			},
			"extensions": map[string]interface{}{
				"cost": map[string]interface{}{"actualQueryCost": 3, "requestedQueryCost": 5},
			},
		}
		data, _ := json.Marshal(body)
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}))
	defer server.Close()

	client := New(server.URL, ratelimit.TierStandard, 1000, nil)
	defer client.Close()

	result, err := client.DoGraphQL(context.Background(), "/graphql", GraphQLQuery{Query: "{ product { id } }"}, "req-1", "corr-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Errors) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(result.Errors))
	}
	if result.Errors[0].Kind != ErrorKindUser {
		t.Errorf("expected first error classified as USER_ERROR, got %v", result.Errors[0].Kind)
	}
	if result.Errors[1].Kind != ErrorKindGraphQL {
		t.Errorf("expected second error classified as GRAPHQL_ERROR, got %v", result.Errors[1].Kind)
	}
}

func TestDoGraphQL_RefusesOverHardMaximum(t *testing.T) {
	client := New("http://example.invalid", ratelimit.TierStandard, 1000, nil)
	defer client.Close()

	_, err := client.DoGraphQL(context.Background(), "/graphql", GraphQLQuery{FieldCount: 100000}, "req-2", "corr-1")
	if err == nil {
		t.Fatal("expected an error for a query exceeding the hard maximum cost")
	}
}
