package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/machi/internal/events"
	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/sim"
	"github.com/ashita-ai/machi/internal/town"
)

// Sim is the loop control surface. sim.Handle implements it.
type Sim interface {
	Start() error
	Stop(ctx context.Context) error
	Resume() error
	Status() sim.Status
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	town                *town.Service
	sim                 Sim
	hub                 *events.Hub
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Sim, Hub.
type HandlersDeps struct {
	Town                *town.Service
	Sim                 Sim
	Hub                 *events.Hub
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 64 << 10
	}
	return &Handlers{
		town:                d.Town,
		sim:                 d.Sim,
		hub:                 d.Hub,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: maxBody,
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string   `json:"status"`
	Version       string   `json:"version"`
	Uptime        int64    `json:"uptime_seconds"`
	StoreVersion  uint64   `json:"store_version"`
	Sim           sim.Mode `json:"sim,omitempty"`
	Subscribers   int      `json:"subscribers"`
	QueuePressure string   `json:"queue_pressure"`
}

// HandleHealth handles GET /health. A paused loop or a queue above 75%
// capacity reports "degraded" but still answers 200; the coordinator keeps
// serving commands in both cases.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		Uptime:        int64(time.Since(h.startedAt).Seconds()),
		QueuePressure: "ok",
	}

	stats, err := h.town.Stats(r.Context())
	if err != nil {
		resp.Status = "unhealthy"
		writeJSON(w, r, http.StatusServiceUnavailable, resp)
		return
	}
	resp.StoreVersion = stats.StoreVersion
	for _, q := range stats.Queues {
		if q.Cap == 0 {
			continue
		}
		switch {
		case q.Len > q.Cap*3/4:
			resp.QueuePressure = "critical"
			resp.Status = "degraded"
		case q.Len > q.Cap/2 && resp.QueuePressure == "ok":
			resp.QueuePressure = "high"
		}
	}
	if h.sim != nil {
		resp.Sim = h.sim.Status().Mode
		if resp.Sim == sim.ModePaused {
			resp.Status = "degraded"
		}
	}
	if h.hub != nil {
		resp.Subscribers = h.hub.Subscribers()
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleListAgents handles GET /v1/agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.town.Agents(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agents)
}

// HandleGetAgent handles GET /v1/agents/{name}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.town.Agent(r.Context(), r.PathValue("name"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleMove handles POST /v1/agents/{name}/move.
func (h *Handlers) HandleMove(w http.ResponseWriter, r *http.Request) {
	var req model.MoveRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	agent, err := h.town.Move(r.Context(), r.PathValue("name"), model.Location(req.Location))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleChat handles POST /v1/agents/{name}/chat. A slow responder yields
// an in-character fallback reply with fallback=true, never an error.
func (h *Handlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req model.ChatRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	reply, err := h.town.Converse(r.Context(), r.PathValue("name"), strings.TrimSpace(req.Message))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, reply)
}

// HandleRelationship handles GET /v1/relationships/{a}/{b}.
func (h *Handlers) HandleRelationship(w http.ResponseWriter, r *http.Request) {
	edge, err := h.town.Relationship(r.Context(), r.PathValue("a"), r.PathValue("b"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, edge)
}

// HandleStats handles GET /v1/stats.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.town.Stats(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// HandleSnapshot handles GET /v1/snapshot.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.town.Snapshot(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// SaveResponse is the body of POST /v1/save.
type SaveResponse struct {
	StoreVersion uint64    `json:"store_version"`
	TakenAt      time.Time `json:"taken_at"`
	Agents       int       `json:"agents"`
	Edges        int       `json:"relationships"`
}

// HandleSave handles POST /v1/save.
func (h *Handlers) HandleSave(w http.ResponseWriter, r *http.Request) {
	snap, err := h.town.Save(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, SaveResponse{
		StoreVersion: snap.StoreVersion,
		TakenAt:      snap.TakenAt,
		Agents:       len(snap.Agents),
		Edges:        len(snap.Relationships),
	})
}

// HandleSimStatus handles GET /v1/sim.
func (h *Handlers) HandleSimStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.sim.Status())
}

// HandleSimStart handles POST /v1/sim/start.
func (h *Handlers) HandleSimStart(w http.ResponseWriter, r *http.Request) {
	if err := h.sim.Start(); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.logger.Info("sim: started via api", "request_id", RequestIDFromContext(r.Context()))
	writeJSON(w, r, http.StatusOK, h.sim.Status())
}

// HandleSimStop handles POST /v1/sim/stop.
func (h *Handlers) HandleSimStop(w http.ResponseWriter, r *http.Request) {
	if err := h.sim.Stop(r.Context()); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.logger.Info("sim: stopped via api", "request_id", RequestIDFromContext(r.Context()))
	writeJSON(w, r, http.StatusOK, h.sim.Status())
}

// HandleSimResume handles POST /v1/sim/resume.
func (h *Handlers) HandleSimResume(w http.ResponseWriter, r *http.Request) {
	if err := h.sim.Resume(); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.logger.Info("sim: resumed via api", "request_id", RequestIDFromContext(r.Context()))
	writeJSON(w, r, http.StatusOK, h.sim.Status())
}

// decode reads a bounded JSON body into target. On failure it writes the
// error response and returns false.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	if err := decodeJSON(r, target); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return false
	}
	return true
}

// writeServiceError maps a command error to its HTTP status and code.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := classify(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	if status >= 500 {
		h.logger.Error("http: command failed",
			"path", r.URL.Path,
			"error", err,
			"request_id", RequestIDFromContext(r.Context()),
		)
	}
	writeError(w, r, status, code, msg)
}

func classify(err error) (status int, code, msg string) {
	switch {
	case errors.Is(err, model.ErrAgentNotFound):
		return http.StatusNotFound, model.ErrCodeAgentNotFound, err.Error()
	case errors.Is(err, model.ErrUnknownLocation), errors.Is(err, model.ErrSamePair):
		return http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error()
	case errors.Is(err, model.ErrQueueFull), errors.Is(err, model.ErrQueueClosed):
		return http.StatusServiceUnavailable, model.ErrCodeBusy, "the town is busy, try again shortly"
	case errors.Is(err, sim.ErrShuttingDown):
		return http.StatusServiceUnavailable, model.ErrCodeBusy, err.Error()
	case errors.Is(err, model.ErrLockTimeout):
		return http.StatusServiceUnavailable, model.ErrCodeLockTimeout, "state is contended, try again shortly"
	case errors.Is(err, sim.ErrNotPaused):
		return http.StatusConflict, model.ErrCodeConflict, err.Error()
	case errors.Is(err, town.ErrNoPersister):
		return http.StatusConflict, model.ErrCodeConflict, err.Error()
	default:
		return http.StatusInternalServerError, model.ErrCodeInternalError, "internal error"
	}
}
