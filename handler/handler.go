package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"convo-relay/internal/domain"
	"convo-relay/internal/usecase"
)

// Accepter is the relay surface the webhook needs. Defined here so the
// handler stays testable with a stub.
type Accepter interface {
	Accept(ctx context.Context, in usecase.AcceptInput) (usecase.AcceptOutput, error)
}

type ackResponse struct {
	Message    string `json:"message"`
	EndUserKey string `json:"end_user_key"`
	Refreshed  bool   `json:"refreshed"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler accepts CRM webhook deliveries. It always answers fast: the turn
// outcome is delivered asynchronously through the CRM conversation.
type Handler struct {
	relay Accepter
}

func NewHandler(relay Accepter) (*Handler, error) {
	if relay == nil {
		return nil, errors.New("handler: relay must not be nil")
	}
	return &Handler{relay: relay}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	var in domain.InboundUpdate
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	out, err := h.relay.Accept(r.Context(), in)
	if err != nil {
		switch usecase.CodeOf(err) {
		case usecase.ErrorValidation:
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		default:
			slog.Error("accept failed", "err", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		}
		return
	}

	writeJSON(w, http.StatusOK, ackResponse{
		Message:    "update accepted",
		EndUserKey: out.EndUserKey,
		Refreshed:  out.Refreshed,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("write response failed", "err", err)
	}
}
