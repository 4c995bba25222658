// Package admin exposes the daemon's read-only operational surface: health,
// a status snapshot of slots and queues, and the metrics endpoint. It binds
// to loopback; clients talk to the daemon over the socket, not over HTTP.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/italolelis/downloadd/internal/logctx"
	"github.com/italolelis/downloadd/internal/queue"
	"github.com/italolelis/downloadd/internal/slot"
	"github.com/italolelis/downloadd/internal/telemetry"
)

// Handler serves the admin surface.
type Handler struct {
	table     *slot.Table
	queue     *queue.Queue
	telemetry *telemetry.Telemetry
	startedAt time.Time
}

// NewHandler creates the admin handler.
func NewHandler(table *slot.Table, q *queue.Queue, t *telemetry.Telemetry) *Handler {
	return &Handler{
		table:     table,
		queue:     q,
		telemetry: t,
		startedAt: time.Now(),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(h.telemetry).Middleware)
	r.Use(telemetry.HTTPLogging)

	r.Get("/healthz", h.HandleHealth)
	r.Get("/v1/status", h.HandleStatus)
	r.Method(http.MethodGet, "/metrics", h.telemetry.Handler())

	return r
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type statusResponse struct {
	Uptime        string         `json:"uptime"`
	SlotsOccupied int            `json:"slots_occupied"`
	QueueDepths   map[string]int `json:"queue_depths"`
	Slots         []slotView     `json:"slots"`
}

type slotView struct {
	Package   string        `json:"package"`
	Connected bool          `json:"connected"`
	Requests  []requestView `json:"requests"`
}

type requestView struct {
	ID        int32  `json:"id"`
	URL       string `json:"url"`
	Filename  string `json:"filename,omitempty"`
	Network   string `json:"network"`
	State     string `json:"state"`
	ErrorCode string `json:"error_code,omitempty"`
	Received  string `json:"received"`
	Total     string `json:"total"`
	SavedPath string `json:"saved_path,omitempty"`
}

// HandleStatus reports the current slot and queue picture.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	slots := h.table.Status()

	resp := statusResponse{
		Uptime:        time.Since(h.startedAt).Round(time.Second).String(),
		SlotsOccupied: len(slots),
		QueueDepths:   h.queue.Depths(),
		Slots:         make([]slotView, 0, len(slots)),
	}

	for _, s := range slots {
		view := slotView{Package: s.Package, Connected: s.Connected}

		for _, req := range s.Requests {
			view.Requests = append(view.Requests, requestView{
				ID:        req.ID,
				URL:       req.URL,
				Filename:  req.Filename,
				Network:   req.Network,
				State:     req.State,
				ErrorCode: req.ErrorCode,
				Received:  humanize.Bytes(uint64(max64(req.Received, 0))),
				Total:     humanize.Bytes(uint64(max64(req.Total, 0))),
				SavedPath: req.SavedPath,
			})
		}

		resp.Slots = append(resp.Slots, view)
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error("failed to encode status response", "err", err)
	}
}

func max64(v, floor int64) int64 {
	if v < floor {
		return floor
	}

	return v
}
