package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/orchestrator"
	"github.com/agentgate/agentgate/internal/queue"
	"github.com/agentgate/agentgate/internal/storage"
)

// submitRequest is the POST /api/orders body.
type submitRequest struct {
	TaskPrompt    string                `json:"task_prompt"`
	Workspace     order.WorkspaceSource `json:"workspace"`
	AgentType     string                `json:"agent_type,omitempty"`
	GatePlan      string                `json:"gate_plan,omitempty"`
	MaxIterations int                   `json:"max_iterations,omitempty"`
	// MaxWallClock is a Go duration string ("2h", "45m").
	MaxWallClock string `json:"max_wall_clock,omitempty"`

	Priority int `json:"priority,omitempty"`
	// MaxWaitMs caps queue wait. Absent means wait forever.
	MaxWaitMs *int64 `json:"max_wait_ms,omitempty"`
}

type submitResponse struct {
	Order    *order.WorkOrder `json:"order"`
	Position queue.Position   `json:"position"`
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	ord := order.New(req.TaskPrompt, req.Workspace)
	ord.AgentType = req.AgentType
	ord.GatePlanSource = req.GatePlan
	ord.MaxIterations = req.MaxIterations
	if req.MaxWallClock != "" {
		d, err := time.ParseDuration(req.MaxWallClock)
		if err != nil {
			JSONError(w, "invalid max_wall_clock: "+err.Error(), http.StatusBadRequest)
			return
		}
		ord.MaxWallClock = d
	}

	opts := queue.EnqueueOptions{Priority: req.Priority}
	if req.MaxWaitMs != nil {
		maxWait := time.Duration(*req.MaxWaitMs) * time.Millisecond
		opts.MaxWait = &maxWait
	}

	pos, err := s.control.Submit(ord, opts)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponseStatus(w, submitResponse{Order: ord, Position: pos}, http.StatusCreated)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	filter := storage.OrderFilter{}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := order.Status(strings.TrimSpace(part))
			if !order.IsValidStatus(st) {
				JSONError(w, "unknown status: "+string(st), http.StatusBadRequest)
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	filter.Limit = queryInt(r, "limit", 0)
	filter.Offset = queryInt(r, "offset", 0)

	orders, err := s.store.ListOrders(filter)
	if err != nil {
		HandleError(w, err)
		return
	}
	if orders == nil {
		orders = []*order.WorkOrder{}
	}
	JSONResponse(w, map[string]any{"orders": orders, "count": len(orders)})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ord, err := s.store.LoadOrder(id)
	if err != nil {
		HandleError(w, err)
		return
	}

	resp := map[string]any{"order": ord}
	if ord.Status == order.StatusQueued || ord.Status == order.StatusRunning {
		if pos, err := s.queue.GetPosition(id); err == nil {
			resp["position"] = pos
		}
	}
	JSONResponse(w, resp)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.queue.GetPosition(r.PathValue("id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, pos)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.control.Cancel(id); err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, map[string]any{"id": id, "canceled": true})
}

type killRequest struct {
	Force bool `json:"force"`
}

func (s *Server) handleKillOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req killRequest
	if r.Body != nil {
		// An empty body means a graceful kill.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if err := s.control.Kill(id, req.Force); err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, map[string]any{"id": id, "killed": true, "force": req.Force})
}

type purgeRequest struct {
	Statuses []string `json:"statuses,omitempty"`
	// OlderThan is a Go duration string; orders updated within that
	// window are kept.
	OlderThan string `json:"older_than,omitempty"`
	DryRun    bool   `json:"dry_run,omitempty"`
}

func (s *Server) handlePurgeOrders(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	filter := orchestrator.PurgeFilter{DryRun: req.DryRun}
	for _, raw := range req.Statuses {
		filter.Statuses = append(filter.Statuses, order.Status(raw))
	}
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil {
			JSONError(w, "invalid older_than: "+err.Error(), http.StatusBadRequest)
			return
		}
		filter.OlderThan = time.Now().Add(-d)
	}

	ids, err := s.control.Purge(filter)
	if err != nil {
		HandleError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	JSONResponse(w, map[string]any{"purged": ids, "count": len(ids), "dry_run": req.DryRun})
}

func (s *Server) handleQueueHealth(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, s.health.Snapshot())
}

// QueueWaiting is one waiting entry in the GET /api/queue payload.
type QueueWaiting struct {
	Position   int       `json:"position"`
	ID         string    `json:"id"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	ETAMs      *int64    `json:"eta_ms,omitempty"`
}

// QueueRunning is one running entry in the GET /api/queue payload.
type QueueRunning struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
}

// QueueState is the GET /api/queue payload.
type QueueState struct {
	Stats   queue.Stats    `json:"stats"`
	Waiting []QueueWaiting `json:"waiting"`
	Running []QueueRunning `json:"running"`
}

func (s *Server) handleQueueState(w http.ResponseWriter, r *http.Request) {
	state := QueueState{
		Stats:   s.queue.Stats(),
		Waiting: []QueueWaiting{},
		Running: []QueueRunning{},
	}
	for i, e := range s.queue.Waiting() {
		qw := QueueWaiting{Position: i + 1, ID: e.ID, Priority: e.Priority, EnqueuedAt: e.EnqueuedAt}
		if pos, err := s.queue.GetPosition(e.ID); err == nil {
			qw.ETAMs = pos.ETAMs
		}
		state.Waiting = append(state.Waiting, qw)
	}
	for _, e := range s.queue.Running() {
		state.Running = append(state.Running, QueueRunning{ID: e.ID, StartedAt: e.StartedAt})
	}
	JSONResponse(w, state)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rn, err := s.store.LoadRun(r.PathValue("id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, rn)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
