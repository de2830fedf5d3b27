package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/fleetward/fleetward/control_plane/bus"
	"github.com/fleetward/fleetward/control_plane/policy"
	"github.com/fleetward/fleetward/control_plane/store"
	"github.com/fleetward/fleetward/control_plane/tracker"
)

// API is the agent-facing and thin admin HTTP surface. Full CRUD lives in a
// separate admin service; this only carries the mutations the scheduler core
// consumes.
type API struct {
	store     store.Store
	resolver  *policy.Resolver
	tracker   *tracker.Tracker
	publisher bus.Publisher
	hub       *EventHub
	log       zerolog.Logger

	// checkinLimiter keeps a reconnect storm from stampeding the store.
	checkinLimiter *rate.Limiter
	upgrader       websocket.Upgrader

	// Now is injectable for tests.
	Now func() time.Time
}

// NewAPI wires the HTTP surface.
func NewAPI(s store.Store, resolver *policy.Resolver, tr *tracker.Tracker, publisher bus.Publisher, hub *EventHub, log zerolog.Logger) *API {
	return &API{
		store:          s,
		resolver:       resolver,
		tracker:        tr,
		publisher:      publisher,
		hub:            hub,
		log:            log.With().Str("component", "api").Logger(),
		checkinLimiter: rate.NewLimiter(rate.Limit(100), 200),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		Now: time.Now,
	}
}

// Router builds the chi mux.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", a.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws/events", a.handleWSEvents)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/checkin", a.handleCheckin)
		r.Post("/tasks/{taskID}/result", a.handleTaskResult)
		r.Post("/tasks/{taskID}/ack", a.handleTaskAck)
		r.Post("/checks/{checkID}/result", a.handleCheckResult)

		r.Get("/agents/{agentID}/tasks", a.handleAgentTasks)
		r.Get("/agents/{agentID}/checks", a.handleAgentChecks)
		r.Get("/agents/{agentID}/patchpolicy", a.handleAgentPatchPolicy)
		r.Post("/agents/{agentID}/tasks/{taskID}/remove", a.handleTaskRemove)

		r.Post("/clients/{clientID}/thresholds", a.handleClientThresholds)
	})
	return r
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type checkinRequest struct {
	AgentID string `json:"agent_id"`
}

func (a *API) handleCheckin(w http.ResponseWriter, r *http.Request) {
	if !a.checkinLimiter.Allow() {
		w.Header().Set("Retry-After", "1")
		a.writeError(w, http.StatusTooManyRequests, "checkin rate exceeded")
		return
	}

	var req checkinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
		a.writeError(w, http.StatusBadRequest, "agent_id required")
		return
	}

	agent, err := a.store.GetAgent(r.Context(), req.AgentID)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	if agent == nil {
		a.writeError(w, http.StatusNotFound, "unknown agent")
		return
	}

	if err := a.store.UpdateAgentLastSeen(r.Context(), req.AgentID, a.Now().UTC()); err != nil {
		a.writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type taskResultRequest struct {
	AgentID string `json:"agent_id"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
	RetCode int    `json:"retcode"`
}

func (a *API) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	var req taskResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
		a.writeError(w, http.StatusBadRequest, "agent_id required")
		return
	}

	result, err := a.store.GetTaskResult(r.Context(), taskID, req.AgentID)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	if result == nil {
		a.writeError(w, http.StatusNotFound, "no result row for pair")
		return
	}

	if err := a.tracker.RecordRun(r.Context(), taskID, req.AgentID, req.Stdout, req.Stderr, req.RetCode, a.Now().UTC()); err != nil {
		a.writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	a.hub.Broadcast("task_result", map[string]interface{}{
		"task_id":  taskID,
		"agent_id": req.AgentID,
		"retcode":  req.RetCode,
	})
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

type ackRequest struct {
	AgentID string `json:"agent_id"`
}

func (a *API) handleTaskAck(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
		a.writeError(w, http.StatusBadRequest, "agent_id required")
		return
	}

	if err := a.tracker.AckSync(r.Context(), taskID, req.AgentID); err != nil {
		a.writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

type checkResultRequest struct {
	AgentID string `json:"agent_id"`
	Output  string `json:"output"`
	RetCode int    `json:"retcode"`
}

func (a *API) handleCheckResult(w http.ResponseWriter, r *http.Request) {
	checkID := chi.URLParam(r, "checkID")

	var req checkResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
		a.writeError(w, http.StatusBadRequest, "agent_id required")
		return
	}

	if err := a.tracker.RecordCheckRun(r.Context(), checkID, req.AgentID, req.Output, req.RetCode, a.Now().UTC()); err != nil {
		a.writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// loadAgent resolves the agent from the URL or writes the error response.
func (a *API) loadAgent(w http.ResponseWriter, r *http.Request) *store.Agent {
	agent, err := a.store.GetAgent(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "store error")
		return nil
	}
	if agent == nil {
		a.writeError(w, http.StatusNotFound, "unknown agent")
		return nil
	}
	return agent
}

func (a *API) handleAgentTasks(w http.ResponseWriter, r *http.Request) {
	agent := a.loadAgent(w, r)
	if agent == nil {
		return
	}

	// include_overridden=1 is the audit/display view with shadowed items.
	exclude := r.URL.Query().Get("include_overridden") != "1"
	tasks, err := a.resolver.ResolveTasks(r.Context(), agent, exclude)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "resolution failed")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

func (a *API) handleAgentChecks(w http.ResponseWriter, r *http.Request) {
	agent := a.loadAgent(w, r)
	if agent == nil {
		return
	}

	exclude := r.URL.Query().Get("include_overridden") != "1"
	checks, err := a.resolver.ResolveChecks(r.Context(), agent, exclude)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "resolution failed")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{"checks": checks})
}

func (a *API) handleAgentPatchPolicy(w http.ResponseWriter, r *http.Request) {
	agent := a.loadAgent(w, r)
	if agent == nil {
		return
	}

	pp, err := a.resolver.ResolvePatchPolicy(r.Context(), agent)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "resolution failed")
		return
	}
	if pp == nil {
		a.writeError(w, http.StatusNotFound, "no patch policy in chain")
		return
	}
	a.writeJSON(w, http.StatusOK, pp)
}

// handleTaskRemove withdraws a task from one agent's local scheduler: the row
// goes to pending deletion and a remove command is pushed; the agent's ack
// closes the loop.
func (a *API) handleTaskRemove(w http.ResponseWriter, r *http.Request) {
	agent := a.loadAgent(w, r)
	if agent == nil {
		return
	}
	taskID := chi.URLParam(r, "taskID")

	if err := a.tracker.MarkPendingDeletion(r.Context(), taskID, agent.ID); err != nil {
		a.writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	cmd := bus.NewRemoveTask(agent.ID, taskID, a.Now().UTC())
	if err := a.publisher.Publish(r.Context(), cmd); err != nil {
		// Row state is already pending deletion; the agent picks the removal
		// up on reconnect, so report accepted rather than failing.
		a.log.Warn().Err(err).Str("task_id", taskID).Str("agent_id", agent.ID).
			Msg("remove command not delivered")
	}
	a.writeJSON(w, http.StatusAccepted, map[string]string{"status": "removal pending"})
}

type thresholdsRequest struct {
	OfflineTime int `json:"offline_time"`
	OverdueTime int `json:"overdue_time"`
}

// handleClientThresholds is the bulk admin mutation: retune liveness
// thresholds for every agent under a client in one shot.
func (a *API) handleClientThresholds(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")

	var req thresholdsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.OfflineTime < 0 || req.OverdueTime < 0 {
		a.writeError(w, http.StatusBadRequest, "thresholds must be non-negative")
		return
	}
	if req.OfflineTime == 0 && req.OverdueTime == 0 {
		a.writeError(w, http.StatusBadRequest, "at least one threshold required")
		return
	}

	n, err := a.store.UpdateThresholdsForClient(r.Context(), clientID, req.OfflineTime, req.OverdueTime)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "store error")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]int64{"agents_updated": n})
}

func (a *API) handleWSEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	a.hub.Register(conn)

	// Read pump: discard inbound frames, unregister on close.
	go func() {
		defer a.hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
