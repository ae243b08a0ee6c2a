// Package handlers implements the HTTP handlers for the shopdesk API:
// chat turns (plain and streamed), trace inspection, tickets, providers and
// the tables reload hook.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/shopdesk/internal/orchestrator"
	"github.com/agentoven/shopdesk/internal/router"
	"github.com/agentoven/shopdesk/internal/tracer"
	"github.com/agentoven/shopdesk/pkg/contracts"
	"github.com/agentoven/shopdesk/pkg/models"
)

const defaultTraceLimit = 20

// Reloader re-reads the externally loaded tables.
type Reloader interface {
	Reload() error
}

// Handlers holds all handler dependencies.
type Handlers struct {
	Orchestrator *orchestrator.Orchestrator
	Tracer       *tracer.Tracer
	Router       *router.Router
	Repo         contracts.DomainRepository
	Tables       Reloader

	validate *validator.Validate
}

// New creates a Handlers instance.
func New(o *orchestrator.Orchestrator, t *tracer.Tracer, r *router.Router, repo contracts.DomainRepository, tables Reloader) *Handlers {
	return &Handlers{
		Orchestrator: o,
		Tracer:       t,
		Router:       r,
		Repo:         repo,
		Tables:       tables,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
	}
}

// ChatRequest is the body of both chat endpoints.
type ChatRequest struct {
	UserID  string `json:"user_id" validate:"required,max=64"`
	Message string `json:"message" validate:"required"`
}

// ChatResponse is one completed turn.
type ChatResponse struct {
	SessionID     string              `json:"session_id,omitempty"`
	Intent        models.Intent       `json:"intent"`
	SubIntent     string              `json:"sub_intent,omitempty"`
	Confidence    models.Confidence   `json:"confidence"`
	IntentSource  models.IntentSource `json:"intent_source"`
	FinalResponse *models.Response    `json:"final_response"`
}

func newChatResponse(res *orchestrator.TurnResult) ChatResponse {
	return ChatResponse{
		SessionID:     res.SessionID,
		Intent:        res.Intent.Intent,
		SubIntent:     res.Intent.SubIntent,
		Confidence:    res.Intent.Confidence,
		IntentSource:  res.Intent.Source,
		FinalResponse: res.State.FinalResponse,
	}
}

func (h *Handlers) decodeChat(w http.ResponseWriter, r *http.Request) (*ChatRequest, bool) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return nil, false
	}
	if err := h.validate.Struct(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return &req, true
}

// ── Chat ────────────────────────────────────────────────────

// Chat runs one turn.
// POST /api/v1/chat
func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeChat(w, r)
	if !ok {
		return
	}

	res, err := h.Orchestrator.Turn(r.Context(), req.UserID, req.Message)
	if res == nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusOK
	if err != nil {
		status = toolStatus(err)
		log.Warn().Err(err).Str("session_id", res.SessionID).Msg("Turn ended with tool error")
	}
	respondJSON(w, status, newChatResponse(res))
}

// toolStatus maps a primary tool failure to an HTTP status. The body still
// carries the polite final response.
func toolStatus(err error) int {
	var nf *contracts.ErrNotFound
	if errors.As(err, &nf) {
		return http.StatusNotFound
	}
	return http.StatusBadGateway
}

// StreamEvent is one SSE data frame of a streamed turn.
type StreamEvent struct {
	Chunk         string           `json:"chunk,omitempty"`
	Done          bool             `json:"done,omitempty"`
	SessionID     string           `json:"session_id,omitempty"`
	FinalResponse *models.Response `json:"final_response,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// ChatStream runs one turn and streams the answer as Server-Sent Events.
// The last frames are a done event carrying the guard report, then [DONE].
// POST /api/v1/chat/stream
func (h *Handlers) ChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeChat(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(ev StreamEvent) error {
		data, _ := json.Marshal(ev)
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	res, err := h.Orchestrator.StreamTurn(r.Context(), req.UserID, req.Message, func(chunk string) error {
		return send(StreamEvent{Chunk: chunk})
	})
	if r.Context().Err() != nil {
		log.Debug().Msg("Chat stream abandoned by client")
		return
	}

	final := StreamEvent{Done: true}
	if res != nil {
		final.SessionID = res.SessionID
		final.FinalResponse = res.State.FinalResponse
	}
	if err != nil {
		var toolErr *orchestrator.ToolError
		if !errors.As(err, &toolErr) {
			final.Error = "stream failed"
		}
		log.Warn().Err(err).Msg("Chat stream ended with error")
	}
	_ = send(final)
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// ── Traces ──────────────────────────────────────────────────

// ListTraces returns recent trace sessions, newest first.
// GET /api/v1/traces?limit=20
func (h *Handlers) ListTraces(w http.ResponseWriter, r *http.Request) {
	limit := defaultTraceLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	sessions := h.Tracer.Recent(limit)
	if sessions == nil {
		sessions = []*models.TraceSession{}
	}
	respondJSON(w, http.StatusOK, sessions)
}

// GetTrace returns one buffered trace session.
// GET /api/v1/traces/{sessionId}
func (h *Handlers) GetTrace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")
	s, ok := h.Tracer.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "trace session not found: "+id)
		return
	}
	respondJSON(w, http.StatusOK, s)
}

// ── Tickets ─────────────────────────────────────────────────

// ListTickets lists a user's tickets.
// GET /api/v1/tickets?user_id=...&status=...
func (h *Handlers) ListTickets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	tickets, err := h.Repo.ListUserTickets(r.Context(), userID, q.Get("status"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	respondJSON(w, http.StatusOK, tickets)
}

// GetTicket returns one ticket.
// GET /api/v1/tickets/{ticketId}
func (h *Handlers) GetTicket(w http.ResponseWriter, r *http.Request) {
	t, err := h.Repo.GetTicket(r.Context(), chi.URLParam(r, "ticketId"))
	if err != nil {
		respondRepoError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

type ticketStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=open in_progress resolved closed"`
}

// UpdateTicketStatus moves a ticket to a new status.
// PATCH /api/v1/tickets/{ticketId}
func (h *Handlers) UpdateTicketStatus(w http.ResponseWriter, r *http.Request) {
	var req ticketStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	t, err := h.Repo.UpdateTicketStatus(r.Context(), chi.URLParam(r, "ticketId"), req.Status)
	if err != nil {
		respondRepoError(w, err)
		return
	}
	log.Info().Str("ticket_id", t.TicketID).Str("status", t.Status).Msg("Ticket status updated")
	respondJSON(w, http.StatusOK, t)
}

// ── Providers & tables ──────────────────────────────────────

// ListProviders reports the registered LLM providers and their availability.
// GET /api/v1/providers
func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"configured": h.Router.Configured(),
		"providers":  h.Router.Status(),
	})
}

// ReloadTables re-reads the tables document. A failed reload keeps the
// previous tables.
// POST /api/v1/tables/reload
func (h *Handlers) ReloadTables(w http.ResponseWriter, r *http.Request) {
	if err := h.Tables.Reload(); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// ── Helpers ─────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondRepoError(w http.ResponseWriter, err error) {
	var nf *contracts.ErrNotFound
	if errors.As(err, &nf) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}
