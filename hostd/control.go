package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keymeld/connect-host/connect"
	"github.com/keymeld/connect-host/connect/store"
)

// ControlType represents the type of a control plane message
type ControlType string

const (
	// Requests from the owner's client
	ControlSubmitRequest    ControlType = "submit_request"
	ControlCurrentMessage   ControlType = "current_message"
	ControlApproveHandshake ControlType = "approve_handshake"
	ControlRejectHandshake  ControlType = "reject_handshake"
	ControlApproveAction    ControlType = "approve_action"
	ControlRejectAction     ControlType = "reject_action"
	ControlFetchMetadata    ControlType = "fetch_metadata"
	ControlVerifyApp        ControlType = "verify_app"
	ControlListSessions     ControlType = "list_sessions"
	ControlDeleteSession    ControlType = "delete_session"

	// Responses
	ControlTypeResponse ControlType = "response"
	ControlTypeError    ControlType = "error"
)

// ControlMessage is a request on the control subject
type ControlMessage struct {
	ID      string          `json:"id"`
	Type    ControlType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ControlResponse is the reply to a control message
type ControlResponse struct {
	ID      string          `json:"id"`
	Type    ControlType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ControlHandler processes control plane messages
type ControlHandler struct {
	controller *connect.Controller
	store      *store.Store
}

// NewControlHandler creates a new control handler
func NewControlHandler(controller *connect.Controller, st *store.Store) *ControlHandler {
	return &ControlHandler{
		controller: controller,
		store:      st,
	}
}

// Handle processes a control message and returns the response
func (h *ControlHandler) Handle(ctx context.Context, msg *ControlMessage) *ControlResponse {
	log.Debug().
		Str("id", msg.ID).
		Str("type", string(msg.Type)).
		Msg("Handling control message")

	switch msg.Type {
	case ControlSubmitRequest:
		return h.handleSubmitRequest(msg)
	case ControlCurrentMessage:
		return h.handleCurrentMessage(msg)
	case ControlApproveHandshake:
		return h.handleApproveHandshake(ctx, msg)
	case ControlRejectHandshake:
		return h.handleRejectHandshake(msg)
	case ControlApproveAction:
		return h.handleApproveAction(msg)
	case ControlRejectAction:
		return h.handleRejectAction(msg)
	case ControlFetchMetadata:
		return h.handleFetchMetadata(ctx, msg)
	case ControlVerifyApp:
		return h.handleVerifyApp(ctx, msg)
	case ControlListSessions:
		return h.handleListSessions(msg)
	case ControlDeleteSession:
		return h.handleDeleteSession(msg)
	default:
		return h.errorResponse(msg.ID, fmt.Sprintf("unknown control type: %s", msg.Type))
	}
}

func (h *ControlHandler) handleSubmitRequest(msg *ControlMessage) *ControlResponse {
	var req struct {
		Link string `json:"link"`
	}
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return h.errorResponse(msg.ID, fmt.Sprintf("invalid submit payload: %v", err))
	}
	if req.Link == "" {
		return h.errorResponse(msg.ID, "missing link")
	}

	installed, err := h.controller.SubmitRawRequest(req.Link)
	if err != nil {
		return h.errorResponse(msg.ID, err.Error())
	}

	payload, _ := json.Marshal(map[string]bool{"installed": installed})
	return h.successResponse(msg.ID, payload)
}

func (h *ControlHandler) handleCurrentMessage(msg *ControlMessage) *ControlResponse {
	current := h.controller.CurrentMessage()
	payload, err := json.Marshal(current)
	if err != nil {
		return h.errorResponse(msg.ID, err.Error())
	}
	return h.successResponse(msg.ID, payload)
}

func (h *ControlHandler) handleApproveHandshake(ctx context.Context, msg *ControlMessage) *ControlResponse {
	var req struct {
		ActionID string `json:"action_id"`
	}
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return h.errorResponse(msg.ID, fmt.Sprintf("invalid approve payload: %v", err))
	}

	action, err := h.findActiveAction(req.ActionID)
	if err != nil {
		return h.errorResponse(msg.ID, err.Error())
	}

	// Reviewed metadata overrides what the app claimed in the handshake.
	// A fetch failure is not fatal: the session falls back to the
	// handshake's self-declared name and URL.
	meta, err := h.controller.FetchMetadataForActiveHandshake(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Metadata fetch failed, using handshake values")
		meta = nil
	}

	if err := h.controller.ApproveHandshake(action, meta); err != nil {
		return h.errorResponse(msg.ID, err.Error())
	}
	return h.successResponse(msg.ID, nil)
}

func (h *ControlHandler) handleRejectHandshake(msg *ControlMessage) *ControlResponse {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return h.errorResponse(msg.ID, fmt.Sprintf("invalid reject payload: %v", err))
	}

	if err := h.controller.RejectHandshake(req.Reason); err != nil {
		return h.errorResponse(msg.ID, err.Error())
	}
	return h.successResponse(msg.ID, nil)
}

func (h *ControlHandler) handleApproveAction(msg *ControlMessage) *ControlResponse {
	var req struct {
		ActionID string          `json:"action_id"`
		Result   json.RawMessage `json:"result,omitempty"`
	}
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return h.errorResponse(msg.ID, fmt.Sprintf("invalid approve payload: %v", err))
	}

	action, err := h.findActiveAction(req.ActionID)
	if err != nil {
		return h.errorResponse(msg.ID, err.Error())
	}

	if err := h.controller.ApproveAction(action, req.Result); err != nil {
		return h.errorResponse(msg.ID, err.Error())
	}
	return h.successResponse(msg.ID, nil)
}

func (h *ControlHandler) handleRejectAction(msg *ControlMessage) *ControlResponse {
	var req struct {
		ActionID string `json:"action_id"`
		Reason   string `json:"reason,omitempty"`
	}
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return h.errorResponse(msg.ID, fmt.Sprintf("invalid reject payload: %v", err))
	}

	action, err := h.findActiveAction(req.ActionID)
	if err != nil {
		return h.errorResponse(msg.ID, err.Error())
	}

	if err := h.controller.RejectAction(action, req.Reason); err != nil {
		return h.errorResponse(msg.ID, err.Error())
	}
	return h.successResponse(msg.ID, nil)
}

func (h *ControlHandler) handleFetchMetadata(ctx context.Context, msg *ControlMessage) *ControlResponse {
	meta, err := h.controller.FetchMetadataForActiveHandshake(ctx)
	if err != nil {
		return h.errorResponse(msg.ID, err.Error())
	}
	payload, _ := json.Marshal(meta)
	return h.successResponse(msg.ID, payload)
}

func (h *ControlHandler) handleVerifyApp(ctx context.Context, msg *ControlMessage) *ControlResponse {
	verified, err := h.controller.IsActiveAppVerified(ctx)
	if err != nil {
		return h.errorResponse(msg.ID, err.Error())
	}
	payload, _ := json.Marshal(map[string]bool{"verified": verified})
	return h.successResponse(msg.ID, payload)
}

// sessionSummary is the client-facing view of a session. Key material
// never leaves the store through the control plane.
type sessionSummary struct {
	AppID     string    `json:"app_id"`
	AppName   string    `json:"app_name,omitempty"`
	AppURL    string    `json:"app_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *ControlHandler) handleListSessions(msg *ControlMessage) *ControlResponse {
	sessions, err := h.store.List()
	if err != nil {
		return h.errorResponse(msg.ID, err.Error())
	}

	summaries := make([]sessionSummary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, sessionSummary{
			AppID:     s.AppID,
			AppName:   s.AppName,
			AppURL:    s.AppURL,
			CreatedAt: s.CreatedAt,
		})
	}

	payload, err := json.Marshal(summaries)
	if err != nil {
		return h.errorResponse(msg.ID, err.Error())
	}
	return h.successResponse(msg.ID, payload)
}

func (h *ControlHandler) handleDeleteSession(msg *ControlMessage) *ControlResponse {
	var req struct {
		AppID string `json:"app_id"`
	}
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return h.errorResponse(msg.ID, fmt.Sprintf("invalid delete payload: %v", err))
	}
	if req.AppID == "" {
		return h.errorResponse(msg.ID, "missing app_id")
	}

	if err := h.store.Delete(req.AppID); err != nil {
		return h.errorResponse(msg.ID, err.Error())
	}

	log.Info().Str("app_id", req.AppID).Msg("Session deleted by owner")
	return h.successResponse(msg.ID, nil)
}

// findActiveAction resolves an action ID against the active message
func (h *ControlHandler) findActiveAction(actionID string) (connect.Action, error) {
	current := h.controller.CurrentMessage()
	if current == nil {
		return connect.Action{}, connect.ErrNoActiveMessage
	}
	for _, act := range current.Actions {
		if act.ID == actionID {
			return act, nil
		}
	}
	return connect.Action{}, connect.ErrUnknownAction
}

// Response helpers

func (h *ControlHandler) successResponse(id string, payload []byte) *ControlResponse {
	return &ControlResponse{
		ID:      id,
		Type:    ControlTypeResponse,
		Payload: payload,
	}
}

func (h *ControlHandler) errorResponse(id string, errMsg string) *ControlResponse {
	return &ControlResponse{
		ID:    id,
		Type:  ControlTypeError,
		Error: sanitizeErrorForClient(errMsg),
	}
}

// sanitizeErrorForClient keeps internal details out of control plane
// replies. Protocol errors pass through, infrastructure errors are
// logged and replaced with a generic message.
func sanitizeErrorForClient(errMsg string) string {
	sensitivePatterns := []string{
		"sql", "database", "sqlite",
		"file", "path", "/",
		"panic", "runtime", "stack",
		"nats", "socket",
	}

	lowerErr := strings.ToLower(errMsg)
	for _, pattern := range sensitivePatterns {
		if strings.Contains(lowerErr, pattern) {
			log.Error().Str("internal_error", errMsg).Msg("Sanitized error returned to client")
			return "operation failed"
		}
	}

	if len(errMsg) > 200 {
		return errMsg[:200]
	}
	return errMsg
}
