package connect

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// protocolFailure is a terminal intake failure. It is reported to the
// app's callback and surfaced as a diagnostic event instead of
// propagating to the caller as an error.
type protocolFailure struct {
	event       string
	params      map[string]string
	clientError string
}

func (f *protocolFailure) Error() string { return f.clientError }

// SubmitRawRequest decodes and processes one raw connect link. It returns
// true when a message was installed for review. A resubmission of the
// previous request is ignored silently. Protocol failures (no session,
// expired session) are reported to the app's callback and return false
// with a nil error. Decode, decryption, and payload validation errors
// propagate.
func (c *Controller) SubmitRawRequest(raw string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	env, err := c.codec.Decode(raw)
	if err != nil {
		return false, fmt.Errorf("failed to decode request: %w", err)
	}

	// Single-slot replay guard: only an immediate resubmission of the
	// previous request is suppressed.
	if env.RequestID == c.lastRequestID {
		log.Debug().Str("request_id", env.RequestID).Msg("Duplicate request ignored")
		return false, nil
	}
	c.lastRequestID = env.RequestID

	switch env.Kind {
	case MessageKindHandshake:
		c.installActiveLocked(handshakeMessage(env), nil)
		log.Info().
			Str("request_id", env.RequestID).
			Str("app_id", env.AppID).
			Msg("Handshake awaiting review")
		return true, nil

	case MessageKindRequest:
		msg, session, err := c.resolveRequest(env)
		if err != nil {
			var fail *protocolFailure
			if errors.As(err, &fail) {
				c.emit(fail.event, fail.params)
				c.deliverError(env.RequestID, env.CallbackURL, fail.clientError)
				return false, nil
			}
			return false, err
		}
		c.installActiveLocked(msg, session)
		log.Info().
			Str("request_id", env.RequestID).
			Str("app_id", env.AppID).
			Int("actions", len(msg.Actions)).
			Msg("Action request awaiting review")
		return true, nil

	default:
		return false, fmt.Errorf("%w: unknown message kind %q", ErrInvalidEnvelope, env.Kind)
	}
}

// resolveRequest looks up the app's session, enforces expiry, and
// decrypts the request body. Conditions the app can only fix by
// handshaking again come back as *protocolFailure.
func (c *Controller) resolveRequest(env *Envelope) (*IncomingMessage, *Session, error) {
	session, err := c.findSession(env.AppID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	if session == nil {
		return nil, nil, &protocolFailure{
			event: EventSessionMissing,
			params: map[string]string{
				"request_id":   env.RequestID,
				"app_id":       env.AppID,
				"callback_url": env.CallbackURL,
			},
			clientError: "no prior handshake for app",
		}
	}

	if c.sessionExpired(session) {
		// The expired session is removed before the app is told. A
		// delete failure is logged but the outcome stands.
		if err := c.store.Delete(session.AppID); err != nil {
			log.Warn().Err(err).Str("app_id", session.AppID).Msg("Failed to delete expired session")
		}
		return nil, nil, &protocolFailure{
			event: EventSessionExpired,
			params: map[string]string{
				"request_id":   env.RequestID,
				"app_id":       env.AppID,
				"callback_url": env.CallbackURL,
			},
			clientError: "session expired, re-handshake required",
		}
	}

	payload, err := c.codec.Decrypt(env.Ciphertext, session)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decrypt request: %w", err)
	}

	msg, err := requestMessage(env, payload)
	if err != nil {
		return nil, nil, err
	}
	return msg, session, nil
}

// findSession returns the stored session for an app, or nil when the app
// never completed a handshake. The store only lists, so lookup scans;
// should duplicates ever exist the newest wins.
func (c *Controller) findSession(appID string) (*Session, error) {
	sessions, err := c.store.List()
	if err != nil {
		return nil, err
	}

	var found *Session
	for _, s := range sessions {
		if s.AppID != appID {
			continue
		}
		if found == nil || s.CreatedAt.After(found.CreatedAt) {
			found = s
		}
	}
	return found, nil
}

// sessionExpired reports whether a session has outlived the expiry window.
func (c *Controller) sessionExpired(s *Session) bool {
	expiry := s.CreatedAt.Add(time.Duration(c.expiryDays) * 24 * time.Hour)
	return c.now().After(expiry)
}

// handshakeMessage wraps a handshake envelope as a single-action message.
func handshakeMessage(env *Envelope) *IncomingMessage {
	return &IncomingMessage{
		RequestID:   env.RequestID,
		Kind:        MessageKindHandshake,
		AppID:       env.AppID,
		CallbackURL: env.CallbackURL,
		Handshake:   env.Handshake,
		Actions: []Action{{
			ID:          "handshake-" + env.RequestID,
			Kind:        ActionKindHandshake,
			AppID:       env.AppID,
			CallbackURL: env.CallbackURL,
		}},
	}
}

// requestMessage maps a decrypted payload onto reviewable actions.
// Action ids must be unique within the message, counting the positional
// ids given to entries that omit one.
func requestMessage(env *Envelope, payload *RequestPayload) (*IncomingMessage, error) {
	actions := make([]Action, 0, len(payload.Actions))
	seen := make(map[string]struct{}, len(payload.Actions))
	for i, pa := range payload.Actions {
		id := pa.ID
		if id == "" {
			id = fmt.Sprintf("action-%d", i+1)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate action id %q", ErrInvalidEnvelope, id)
		}
		seen[id] = struct{}{}
		actions = append(actions, Action{
			ID:          id,
			Kind:        ActionKindRequest,
			Optional:    pa.Optional,
			AppID:       env.AppID,
			CallbackURL: env.CallbackURL,
			Params:      pa.Params,
		})
	}

	return &IncomingMessage{
		RequestID:   env.RequestID,
		Kind:        MessageKindRequest,
		AppID:       env.AppID,
		CallbackURL: env.CallbackURL,
		Actions:     actions,
	}, nil
}
