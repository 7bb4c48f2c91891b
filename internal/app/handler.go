package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/perennialhq/concierge/internal/orchestrator"
	"github.com/perennialhq/concierge/internal/tier"
)

// messageRequest is the JSON body of POST /v1/messages.
type messageRequest struct {
	// ConversationID continues an existing conversation; empty starts a new
	// one.
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id"`
	Tier           string `json:"tier"`
	Text           string `json:"text"`
}

// messageResponse is the JSON reply for a completed turn.
type messageResponse struct {
	ResponseText   string       `json:"response_text"`
	ConversationID string       `json:"conversation_id"`
	Usage          messageUsage `json:"usage"`
}

type messageUsage struct {
	InputUnits     int   `json:"input_units"`
	OutputUnits    int   `json:"output_units"`
	CostMinorUnits int64 `json:"cost_minor_units"`
}

// errorResponse is the JSON body for failed requests. Error text is generic;
// details stay in the logs.
type errorResponse struct {
	Error string `json:"error"`
}

// handleUserMessage is the single user-facing operation: one message in, one
// assistant reply out. Budget-exhausted turns are normal 200 replies carrying
// the notice text, not errors.
func (a *App) handleUserMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "user_id and text are required")
		return
	}
	t, err := tier.Parse(req.Tier)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown tier")
		return
	}

	reply, err := a.orc.HandleUserMessage(r.Context(), req.ConversationID, req.UserID, t, req.Text)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrConversationNotFound):
			writeError(w, http.StatusNotFound, "conversation not found")
		case errors.Is(err, orchestrator.ErrUnauthorized):
			writeError(w, http.StatusForbidden, "conversation belongs to another user")
		case errors.Is(err, orchestrator.ErrTurnInFlight):
			writeError(w, http.StatusConflict, "a previous message is still being processed")
		default:
			slog.Error("turn failed", "error", err, "user_id", req.UserID)
			writeError(w, http.StatusInternalServerError, "something went wrong, please try again")
		}
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{
		ResponseText:   reply.Text,
		ConversationID: reply.ConversationID,
		Usage: messageUsage{
			InputUnits:     reply.Usage.InputUnits,
			OutputUnits:    reply.Usage.OutputUnits,
			CostMinorUnits: reply.Usage.CostMinorUnits,
		},
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failure"}`, http.StatusInternalServerError)
	}
}
