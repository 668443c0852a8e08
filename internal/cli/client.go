package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentgate/agentgate/internal/api"
	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/queue"
	"github.com/agentgate/agentgate/internal/run"
)

// APIError is a non-2xx response from the daemon.
type APIError struct {
	Status  int
	Message string
	Code    string
	Fix     string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return e.Message
}

// Client talks to a running daemon's API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client for the daemon at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// BaseURL returns the daemon base URL the client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) do(method, path string, body, out any) error {
	var reqBody *bytes.Buffer
	if body != nil {
		reqBody = &bytes.Buffer{}
		if err := json.NewEncoder(reqBody).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload api.APIError
		if json.NewDecoder(resp.Body).Decode(&payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
			apiErr.Code = payload.Code
			apiErr.Fix = payload.Fix
		} else {
			apiErr.Message = fmt.Sprintf("%s %s: status %d", method, path, resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// SubmitRequest mirrors the POST /api/orders body.
type SubmitRequest struct {
	TaskPrompt    string                `json:"task_prompt"`
	Workspace     order.WorkspaceSource `json:"workspace"`
	AgentType     string                `json:"agent_type,omitempty"`
	GatePlan      string                `json:"gate_plan,omitempty"`
	MaxIterations int                   `json:"max_iterations,omitempty"`
	MaxWallClock  string                `json:"max_wall_clock,omitempty"`
	Priority      int                   `json:"priority,omitempty"`
	MaxWaitMs     *int64                `json:"max_wait_ms,omitempty"`
}

// SubmitResponse is the POST /api/orders reply.
type SubmitResponse struct {
	Order    *order.WorkOrder `json:"order"`
	Position queue.Position   `json:"position"`
}

// Submit queues a work order on the daemon.
func (c *Client) Submit(req SubmitRequest) (SubmitResponse, error) {
	var resp SubmitResponse
	err := c.do(http.MethodPost, "/api/orders", req, &resp)
	return resp, err
}

// OrderDetail is the GET /api/orders/{id} reply.
type OrderDetail struct {
	Order    *order.WorkOrder `json:"order"`
	Position *queue.Position  `json:"position,omitempty"`
}

// GetOrder fetches one order with its queue position when present.
func (c *Client) GetOrder(id string) (OrderDetail, error) {
	var resp OrderDetail
	err := c.do(http.MethodGet, "/api/orders/"+id, nil, &resp)
	return resp, err
}

// ListOrders fetches orders newest first, optionally filtered by status.
func (c *Client) ListOrders(statuses []string, limit, offset int) ([]*order.WorkOrder, error) {
	path := "/api/orders"
	params := []string{}
	if len(statuses) > 0 {
		params = append(params, "status="+strings.Join(statuses, ","))
	}
	if limit > 0 {
		params = append(params, "limit="+strconv.Itoa(limit))
	}
	if offset > 0 {
		params = append(params, "offset="+strconv.Itoa(offset))
	}
	if len(params) > 0 {
		path += "?" + strings.Join(params, "&")
	}

	var resp struct {
		Orders []*order.WorkOrder `json:"orders"`
	}
	err := c.do(http.MethodGet, path, nil, &resp)
	return resp.Orders, err
}

// GetPosition fetches an order's queue position.
func (c *Client) GetPosition(id string) (queue.Position, error) {
	var pos queue.Position
	err := c.do(http.MethodGet, "/api/orders/"+id+"/position", nil, &pos)
	return pos, err
}

// Cancel requests cancellation of a queued or running order.
func (c *Client) Cancel(id string) error {
	return c.do(http.MethodPost, "/api/orders/"+id+"/cancel", nil, nil)
}

// Kill terminates a running order. force skips the graceful window.
func (c *Client) Kill(id string, force bool) error {
	return c.do(http.MethodPost, "/api/orders/"+id+"/kill", map[string]bool{"force": force}, nil)
}

// PurgeResult is the POST /api/orders/purge reply.
type PurgeResult struct {
	Purged []string `json:"purged"`
	Count  int      `json:"count"`
	DryRun bool     `json:"dry_run"`
}

// Purge deletes terminal orders matching the filter.
func (c *Client) Purge(statuses []string, olderThan string, dryRun bool) (PurgeResult, error) {
	body := map[string]any{"dry_run": dryRun}
	if len(statuses) > 0 {
		body["statuses"] = statuses
	}
	if olderThan != "" {
		body["older_than"] = olderThan
	}
	var resp PurgeResult
	err := c.do(http.MethodPost, "/api/orders/purge", body, &resp)
	return resp, err
}

// QueueHealth fetches the cached health snapshot.
func (c *Client) QueueHealth() (api.HealthSnapshot, error) {
	var snap api.HealthSnapshot
	err := c.do(http.MethodGet, "/api/queue/health", nil, &snap)
	return snap, err
}

// QueueState fetches waiting and running entries.
func (c *Client) QueueState() (api.QueueState, error) {
	var state api.QueueState
	err := c.do(http.MethodGet, "/api/queue", nil, &state)
	return state, err
}

// GetRun fetches one run record.
func (c *Client) GetRun(id string) (*run.Run, error) {
	var r run.Run
	if err := c.do(http.MethodGet, "/api/runs/"+id, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
