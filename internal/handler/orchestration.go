// Package handler provides HTTP handlers for the operations API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-orchestrator/internal/middleware"
	"github.com/capitalize-ai/support-orchestrator/internal/model"
	"github.com/capitalize-ai/support-orchestrator/internal/orchestrator"
	"github.com/capitalize-ai/support-orchestrator/internal/store"
	"github.com/capitalize-ai/support-orchestrator/pkg/logger"
)

// Orchestration is the part of the orchestrator core the API exposes.
type Orchestration interface {
	State(ctx context.Context, conversationID string) (*orchestrator.State, error)
	Reset(ctx context.Context, conversationID string) error
}

// InboundPublisher queues a customer message on the support stream.
type InboundPublisher interface {
	PublishInbound(ctx context.Context, evt model.InboundEvent) (uint64, error)
}

// OrchestrationHandler handles orchestration endpoints.
type OrchestrationHandler struct {
	orchestration Orchestration
	inbound       InboundPublisher
	logger        *logger.Logger
}

// NewOrchestrationHandler creates a new orchestration handler. inbound may be
// nil, which disables event injection.
func NewOrchestrationHandler(orch Orchestration, inbound InboundPublisher, log *logger.Logger) *OrchestrationHandler {
	return &OrchestrationHandler{
		orchestration: orch,
		inbound:       inbound,
		logger:        log.Named("orchestration_handler"),
	}
}

// InjectEventRequest is the body of POST /api/v1/conversations/{conversationID}/events.
type InjectEventRequest struct {
	ID                     string           `json:"id,omitempty" validate:"omitempty,max=128"`
	ExternalConversationID string           `json:"external_conversation_id,omitempty" validate:"omitempty,max=128"`
	AuthorType             model.AuthorType `json:"author_type,omitempty" validate:"omitempty,oneof=customer agent bot system"`
	Text                   string           `json:"text" validate:"required,max=100000"`
}

// InjectEventResponse acknowledges a queued event.
type InjectEventResponse struct {
	EventID  string `json:"event_id"`
	Sequence uint64 `json:"sequence"`
}

// State handles GET /api/v1/conversations/{conversationID}/orchestration
func (h *OrchestrationHandler) State(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	st, err := h.orchestration.State(r.Context(), id)
	if err != nil {
		h.fail(w, r, id, "failed to load orchestration state", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Reset handles POST /api/v1/conversations/{conversationID}/orchestration/reset
func (h *OrchestrationHandler) Reset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	if err := h.orchestration.Reset(ctx, id); err != nil {
		h.fail(w, r, id, "failed to reset orchestration", err)
		return
	}
	h.logger.Info("orchestration reset by operator",
		zap.String("conversation_id", id),
		zap.String("operator", middleware.GetOperator(ctx)),
		zap.String("correlation_id", middleware.GetCorrelationID(ctx)),
	)

	st, err := h.orchestration.State(ctx, id)
	if err != nil {
		h.fail(w, r, id, "failed to load orchestration state", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// InjectEvent handles POST /api/v1/conversations/{conversationID}/events
func (h *OrchestrationHandler) InjectEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	if h.inbound == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}

	var req InjectEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	evt := model.InboundEvent{
		ID:                     req.ID,
		ConversationID:         id,
		ExternalConversationID: req.ExternalConversationID,
		AuthorType:             req.AuthorType,
		Text:                   req.Text,
		ReceivedAt:             time.Now(),
	}
	if evt.ID == "" {
		evt.ID = uuid.Must(uuid.NewV7()).String()
	}
	if evt.AuthorType == "" {
		evt.AuthorType = model.AuthorCustomer
	}

	seq, err := h.inbound.PublishInbound(ctx, evt)
	if err != nil {
		h.fail(w, r, id, "failed to queue event", err)
		return
	}
	h.logger.Info("event injected by operator",
		zap.String("conversation_id", id),
		zap.String("event_id", evt.ID),
		zap.String("operator", middleware.GetOperator(ctx)),
	)
	writeJSON(w, http.StatusAccepted, InjectEventResponse{EventID: evt.ID, Sequence: seq})
}

func conversationID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "conversationID")
	if err := middleware.ValidateConversationID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

func (h *OrchestrationHandler) fail(w http.ResponseWriter, r *http.Request, id, message string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	h.logger.Error(message,
		zap.String("conversation_id", id),
		zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, message)
}
