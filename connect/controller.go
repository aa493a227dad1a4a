// Package connect implements the host side of the KeyMeld connect
// protocol. Apps submit handshake and action requests as encoded links,
// the controller holds a single active message for owner review, and
// per-action outcomes are aggregated into one response delivered to the
// app's callback.
package connect

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultSessionExpiryDays bounds how long an approved session stays
// valid before the app must handshake again.
const DefaultSessionExpiryDays = 7

// Delivery sends a response payload to an app callback. Send is
// fire-and-forget; the controller never waits for acknowledgment.
type Delivery interface {
	Send(callbackURL string, payload []byte)
}

// Config wires a Controller's collaborators and policy.
type Config struct {
	Store    SessionStore
	Codec    Codec
	Delivery Delivery

	// Optional collaborators. A nil Metadata fetcher means apps have no
	// published metadata, a nil Verifier means nothing is verified, and
	// a nil Events sink drops diagnostics.
	Metadata MetadataFetcher
	Verifier AppVerifier
	Events   EventSink

	// SessionExpiryDays defaults to DefaultSessionExpiryDays when zero.
	SessionExpiryDays int

	// Now overrides the clock used for session ages. Tests inject a
	// fixed time.
	Now func() time.Time
}

// Controller owns the active message lifecycle. Every public method holds
// the controller lock for its full duration, so callers observe each
// operation as atomic.
type Controller struct {
	store    SessionStore
	codec    Codec
	delivery Delivery
	metadata MetadataFetcher
	verifier AppVerifier
	events   EventSink

	expiryDays int
	now        func() time.Time

	mu            sync.Mutex
	lastRequestID string
	active        *IncomingMessage
	activeSession *Session
	outcomes      map[string]Outcome
	observers     []func(*IncomingMessage)
}

// NewController validates the wiring and returns a controller with no
// active message.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("codec is required")
	}
	if cfg.Delivery == nil {
		return nil, fmt.Errorf("delivery is required")
	}

	expiry := cfg.SessionExpiryDays
	if expiry <= 0 {
		expiry = DefaultSessionExpiryDays
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Controller{
		store:      cfg.Store,
		codec:      cfg.Codec,
		delivery:   cfg.Delivery,
		metadata:   cfg.Metadata,
		verifier:   cfg.Verifier,
		events:     cfg.Events,
		expiryDays: expiry,
		now:        now,
		outcomes:   make(map[string]Outcome),
	}, nil
}

// --- Active message ---

// CurrentMessage returns the message awaiting review, or nil.
func (c *Controller) CurrentMessage() *IncomingMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// OnActiveChange registers a callback invoked whenever the active message
// changes. Callbacks run on their own goroutine and receive nil when the
// active message is cleared.
func (c *Controller) OnActiveChange(fn func(*IncomingMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// installActiveLocked replaces the active message and discards any
// outcomes recorded for the previous one.
func (c *Controller) installActiveLocked(msg *IncomingMessage, session *Session) {
	c.active = msg
	c.activeSession = session
	c.outcomes = make(map[string]Outcome)
	c.notifyActiveChange(msg)
}

func (c *Controller) clearActiveLocked() {
	c.active = nil
	c.activeSession = nil
	c.outcomes = make(map[string]Outcome)
	c.notifyActiveChange(nil)
}

func (c *Controller) notifyActiveChange(msg *IncomingMessage) {
	for _, fn := range c.observers {
		go fn(msg)
	}
}

func (c *Controller) findAction(id string) (Action, bool) {
	for _, act := range c.active.Actions {
		if act.ID == id {
			return act, true
		}
	}
	return Action{}, false
}

// --- Handshake review ---

// ApproveHandshake accepts the active handshake. It builds a session from
// the handshake keys and the fetched metadata, persists it as the app's
// only session, and delivers the approval once the message is complete.
func (c *Controller) ApproveHandshake(action Action, meta *AppMetadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return ErrNoActiveMessage
	}
	if c.active.Kind != MessageKindHandshake {
		return ErrNoActiveHandshake
	}
	act, ok := c.findAction(action.ID)
	if !ok {
		return ErrUnknownAction
	}

	session, err := NewSession(c.active.Handshake, meta, c.now())
	if err != nil {
		return fmt.Errorf("failed to build session: %w", err)
	}

	// One session per app. The store does not enforce uniqueness, so any
	// prior pairing is deleted before the new one is added.
	if err := c.store.Delete(session.AppID); err != nil {
		return fmt.Errorf("failed to delete prior session: %w", err)
	}
	if err := c.store.Add(session); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}

	c.outcomes[act.ID] = Outcome{ActionID: act.ID, Status: OutcomeApproved}

	log.Info().
		Str("app_id", session.AppID).
		Str("app_name", session.AppName).
		Msg("Handshake approved, session created")

	if c.isCompleteLocked() {
		c.sendHandshakeApprovalLocked(session)
	}
	return nil
}

// RejectHandshake declines the active handshake and delivers the error to
// the app immediately. No session is created.
func (c *Controller) RejectHandshake(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return ErrNoActiveMessage
	}
	if c.active.Kind != MessageKindHandshake {
		return ErrNoActiveHandshake
	}

	msg := c.active
	c.deliverError(msg.RequestID, msg.CallbackURL, reason)
	c.emit(EventHandshakeRejected, map[string]string{
		"request_id": msg.RequestID,
		"app_id":     msg.AppID,
		"reason":     reason,
	})

	log.Info().
		Str("app_id", msg.AppID).
		Str("request_id", msg.RequestID).
		Msg("Handshake rejected")

	c.clearActiveLocked()
	return nil
}

// --- Action review ---

// ApproveAction records an approval for one action of the active request.
// When every action is resolved the aggregated response is delivered and
// the active message is cleared.
func (c *Controller) ApproveAction(action Action, result json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return ErrNoActiveMessage
	}
	if c.active.Kind != MessageKindRequest {
		return ErrNoActiveRequest
	}
	act, ok := c.findAction(action.ID)
	if !ok {
		return ErrUnknownAction
	}

	c.outcomes[act.ID] = Outcome{ActionID: act.ID, Status: OutcomeApproved, Result: result}

	if c.isCompleteLocked() {
		return c.finishRequestLocked()
	}
	return nil
}

// RejectAction records a rejection for one action of the active request.
// Rejecting a mandatory action resolves the whole request immediately
// with whatever outcomes exist so far; rejecting an optional action only
// counts toward completion.
func (c *Controller) RejectAction(action Action, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return ErrNoActiveMessage
	}
	if c.active.Kind != MessageKindRequest {
		return ErrNoActiveRequest
	}
	act, ok := c.findAction(action.ID)
	if !ok {
		return ErrUnknownAction
	}

	c.outcomes[act.ID] = Outcome{ActionID: act.ID, Status: OutcomeRejected, Error: reason}

	if !act.Optional {
		return c.finishRequestLocked()
	}
	if c.isCompleteLocked() {
		return c.finishRequestLocked()
	}
	return nil
}

// --- Handshake context ---

// FetchMetadataForActiveHandshake retrieves the published metadata for
// the app behind the active handshake. The fetch runs outside the
// controller lock.
func (c *Controller) FetchMetadataForActiveHandshake(ctx context.Context) (*AppMetadata, error) {
	c.mu.Lock()
	if c.active == nil {
		c.mu.Unlock()
		return nil, ErrNoActiveMessage
	}
	if c.active.Kind != MessageKindHandshake {
		c.mu.Unlock()
		return nil, ErrNoActiveHandshake
	}
	hs := c.active.Handshake
	c.mu.Unlock()

	if c.metadata == nil {
		return nil, nil
	}
	meta, err := c.metadata.Fetch(ctx, hs.AppID, hs.AppURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch app metadata: %w", err)
	}
	return meta, nil
}

// IsActiveAppVerified reports whether the app behind the active handshake
// is on the trusted registry.
func (c *Controller) IsActiveAppVerified(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.active == nil {
		c.mu.Unlock()
		return false, ErrNoActiveMessage
	}
	if c.active.Kind != MessageKindHandshake {
		c.mu.Unlock()
		return false, ErrNoActiveHandshake
	}
	appID := c.active.AppID
	callback := c.active.CallbackURL
	c.mu.Unlock()

	if c.verifier == nil {
		return false, nil
	}
	return c.verifier.Verify(ctx, appID, callback), nil
}
