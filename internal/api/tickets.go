package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"botbridge/internal/auth"
	"botbridge/internal/resolver"
	"botbridge/internal/service"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxRequestBody = 1 << 20

type InboundRequest struct {
	MessageID   string    `json:"messageId"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
	SessionID   string    `json:"sessionId"`
	Attachments []string  `json:"attachments"`
	Kind        string    `json:"kind,omitempty"`
}

type StopRequest struct {
	Reason string `json:"reason"`
}

func ticketID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func (d Dependencies) inbound(w http.ResponseWriter, r *http.Request) {
	id, ok := ticketID(r)
	if !ok {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid ticket id", d.Log)
		return
	}

	var req InboundRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		d.writeBodyError(w, err)
		return
	}

	kind := resolver.InboundKind(req.Kind)
	switch kind {
	case "", resolver.KindContact, resolver.KindAgent:
	default:
		WriteError(w, http.StatusBadRequest, "invalid_request", "kind must be contact or agent", d.Log)
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	result, err := d.Bots.HandleInbound(r.Context(), auth.GetTenantID(r.Context()), id, service.InboundInput{
		SessionHandle: req.SessionID,
		MessageID:     req.MessageID,
		Text:          req.Text,
		Timestamp:     req.Timestamp,
		Attachments:   req.Attachments,
		Kind:          kind,
	})
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (d Dependencies) botState(w http.ResponseWriter, r *http.Request) {
	id, ok := ticketID(r)
	if !ok {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid ticket id", d.Log)
		return
	}

	state, err := d.Bots.State(r.Context(), auth.GetTenantID(r.Context()), id)
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (d Dependencies) stopBot(w http.ResponseWriter, r *http.Request) {
	id, ok := ticketID(r)
	if !ok {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid ticket id", d.Log)
		return
	}

	var req StopRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		d.writeBodyError(w, err)
		return
	}
	if req.Reason == "" {
		if user := auth.GetUserID(r.Context()); user != "" {
			req.Reason = "stopped by " + user
		}
	}

	state, err := d.Bots.Stop(r.Context(), auth.GetTenantID(r.Context()), id, req.Reason)
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (d Dependencies) writeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		WriteError(w, http.StatusRequestEntityTooLarge, "invalid_request", "Request body too large", d.Log)
		return
	}
	WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", d.Log)
}

func (d Dependencies) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrTicketNotFound):
		WriteError(w, http.StatusNotFound, "ticket_not_found", "Ticket not found", d.Log)
	case errors.Is(err, service.ErrTurnInFlight):
		WriteError(w, http.StatusConflict, "turn_in_flight", err.Error(), d.Log)
	default:
		d.Log.Error("Bot request failed", zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "internal_error", "Internal error", d.Log)
	}
}
