package cli

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentgate/agentgate/internal/api"
	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/queue"
)

func TestClientSubmit(t *testing.T) {
	var gotPath string
	var gotBody SubmitRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(SubmitResponse{
			Order:    &order.WorkOrder{ID: "wo-abc"},
			Position: queue.Position{Position: 3, Ahead: 2, State: "waiting"},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	resp, err := client.Submit(SubmitRequest{
		TaskPrompt: "fix it",
		Workspace:  order.WorkspaceSource{Kind: order.SourceLocal, Path: "/tmp/ws"},
		Priority:   7,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if gotPath != "POST /api/orders" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody.TaskPrompt != "fix it" || gotBody.Priority != 7 {
		t.Errorf("body = %+v", gotBody)
	}
	if resp.Order.ID != "wo-abc" || resp.Position.Position != 3 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestClientListOrdersQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(map[string]any{
			"orders": []*order.WorkOrder{{ID: "wo-1"}, {ID: "wo-2"}},
			"count":  2,
		})
	}))
	defer srv.Close()

	orders, err := NewClient(srv.URL).ListOrders([]string{"queued", "running"}, 10, 5)
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if gotQuery != "status=queued,running&limit=10&offset=5" {
		t.Errorf("query = %q", gotQuery)
	}
	if len(orders) != 2 || orders[0].ID != "wo-1" {
		t.Errorf("orders = %+v", orders)
	}
}

func TestClientDecodesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(api.APIError{
			Error: "queue is full",
			Code:  "QUEUE_FULL",
			Fix:   "Wait for capacity or raise max_queue_size",
		})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Submit(SubmitRequest{TaskPrompt: "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusServiceUnavailable || apiErr.Code != "QUEUE_FULL" {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if apiErr.Fix == "" {
		t.Errorf("fix not carried: %+v", apiErr)
	}
}

func TestClientNonJSONErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).Cancel("wo-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusBadGateway || apiErr.Message == "" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestClientUnreachableDaemon(t *testing.T) {
	client := NewClient("http://127.0.0.1:1")
	if err := client.Cancel("wo-1"); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestClientPurge(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(PurgeResult{Purged: []string{"wo-1"}, Count: 1, DryRun: true})
	}))
	defer srv.Close()

	result, err := NewClient(srv.URL).Purge([]string{"succeeded"}, "168h", true)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if gotBody["older_than"] != "168h" || gotBody["dry_run"] != true {
		t.Errorf("body = %+v", gotBody)
	}
	if result.Count != 1 || !result.DryRun {
		t.Errorf("result = %+v", result)
	}
}

func TestClientTrimsBaseURL(t *testing.T) {
	c := NewClient("http://localhost:7466/")
	if c.BaseURL() != "http://localhost:7466" {
		t.Errorf("BaseURL = %q", c.BaseURL())
	}
}
