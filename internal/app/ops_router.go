package app

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
	"github.com/vladislavdragonenkov/ordering/internal/health"
	"github.com/vladislavdragonenkov/ordering/internal/service/outbox"
)

// opsHandler обслуживает операционные эндпоинты: outbox и предохранители.
type opsHandler struct {
	inspector *outbox.Inspector
	circuits  domain.CircuitReporter
	logger    *log.Entry
}

type outboxEntryResponse struct {
	ID            string    `json:"id"`
	DedupeKey     string    `json:"dedupe_key"`
	Kind          string    `json:"kind"`
	Target        string    `json:"target"`
	Status        string    `json:"status"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type circuitResponse struct {
	Target              string     `json:"target"`
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenUntil           *time.Time `json:"open_until,omitempty"`
}

// newOpsRouter собирает роутер ops-сервера.
func newOpsRouter(healthHandler *health.Handler, inspector *outbox.Inspector, circuits domain.CircuitReporter, logger *log.Entry) http.Handler {
	h := &opsHandler{inspector: inspector, circuits: circuits, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/healthz", healthHandler)
	r.Get("/livez", health.LivenessHandler)
	r.Get("/readyz", healthHandler.ReadinessHandler)

	r.Route("/ops", func(r chi.Router) {
		r.Get("/circuits", h.listCircuits)
		r.Get("/outbox", h.listOutbox)
		r.Get("/outbox/stats", h.outboxStats)
		r.Get("/outbox/{id}", h.getOutboxEntry)
		r.Post("/outbox/{id}/requeue", h.requeueOutboxEntry)
	})
	return r
}

func (h *opsHandler) listOutbox(w http.ResponseWriter, r *http.Request) {
	filter := domain.OutboxFilter{
		Status: domain.OutboxStatus(r.URL.Query().Get("status")),
		Target: domain.Target(r.URL.Query().Get("target")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	entries, err := h.inspector.List(r.Context(), filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	resp := make([]outboxEntryResponse, 0, len(entries))
	for _, entry := range entries {
		resp = append(resp, toOutboxEntryResponse(entry))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *opsHandler) outboxStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.inspector.Stats(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending":           stats.PendingCount,
		"terminal":          stats.TerminalCount,
		"delivered":         stats.DeliveredCount,
		"oldest_pending_at": stats.OldestPendingAt,
	})
}

func (h *opsHandler) getOutboxEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.inspector.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOutboxEntryResponse(entry))
}

func (h *opsHandler) requeueOutboxEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.inspector.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOutboxEntryResponse(entry))
}

func (h *opsHandler) listCircuits(w http.ResponseWriter, _ *http.Request) {
	states := h.circuits.Circuits()
	resp := make([]circuitResponse, 0, len(states))
	for _, s := range states {
		item := circuitResponse{
			Target:              string(s.Target),
			Status:              string(s.Status),
			ConsecutiveFailures: s.ConsecutiveFailures,
		}
		if !s.OpenUntil.IsZero() {
			openUntil := s.OpenUntil
			item.OpenUntil = &openUntil
		}
		resp = append(resp, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

// fail переводит доменную ошибку в HTTP-статус.
func (h *opsHandler) fail(w http.ResponseWriter, err error) {
	switch domain.KindOf(err) {
	case domain.KindRejected:
		writeError(w, http.StatusBadRequest, err.Error())
	case domain.KindNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case domain.KindConflict:
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.WithError(err).Error("ops request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func toOutboxEntryResponse(e domain.OutboxEntry) outboxEntryResponse {
	return outboxEntryResponse{
		ID:            e.ID,
		DedupeKey:     e.DedupeKey,
		Kind:          string(e.Kind),
		Target:        string(e.Target),
		Status:        string(e.Status),
		Attempts:      e.Attempts,
		NextAttemptAt: e.NextAttemptAt,
		LastError:     e.LastError,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
