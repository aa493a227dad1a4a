package connect

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
)

// isCompleteLocked reports whether every action of the active message has
// a recorded outcome.
func (c *Controller) isCompleteLocked() bool {
	for _, act := range c.active.Actions {
		if _, ok := c.outcomes[act.ID]; !ok {
			return false
		}
	}
	return true
}

// orderedOutcomesLocked returns the recorded outcomes in the message's
// original action order. Unresolved actions are skipped, which only
// happens when a mandatory rejection cut the request short.
func (c *Controller) orderedOutcomesLocked() []Outcome {
	outcomes := make([]Outcome, 0, len(c.active.Actions))
	for _, act := range c.active.Actions {
		if out, ok := c.outcomes[act.ID]; ok {
			outcomes = append(outcomes, out)
		}
	}
	return outcomes
}

// finishRequestLocked seals the aggregated outcomes under the session and
// delivers the response. The active message is cleared once delivery is
// handed off.
func (c *Controller) finishRequestLocked() error {
	msg := c.active

	body, err := json.Marshal(c.orderedOutcomesLocked())
	if err != nil {
		return fmt.Errorf("failed to marshal outcomes: %w", err)
	}

	sealed, err := c.codec.Encrypt(body, c.activeSession)
	if err != nil {
		return fmt.Errorf("failed to encrypt response: %w", err)
	}

	resp := ResponseEnvelope{
		RequestID: msg.RequestID,
		Success:   true,
		Payload:   sealed,
	}
	respBytes, _ := json.Marshal(resp)
	c.delivery.Send(msg.CallbackURL, respBytes)

	c.emit(EventRequestResolved, map[string]string{
		"request_id": msg.RequestID,
		"app_id":     msg.AppID,
		"actions":    fmt.Sprintf("%d", len(msg.Actions)),
		"resolved":   fmt.Sprintf("%d", len(c.outcomes)),
	})

	log.Info().
		Str("request_id", msg.RequestID).
		Str("app_id", msg.AppID).
		Int("actions", len(msg.Actions)).
		Msg("Request resolved, response delivered")

	c.clearActiveLocked()
	return nil
}

// sendHandshakeApprovalLocked delivers the plaintext handshake approval
// carrying the host public key, then clears the active message.
func (c *Controller) sendHandshakeApprovalLocked(session *Session) {
	msg := c.active

	resp := ResponseEnvelope{
		RequestID: msg.RequestID,
		Success:   true,
		Outcomes:  c.orderedOutcomesLocked(),
		PublicKey: session.LocalPublicKey,
	}
	respBytes, _ := json.Marshal(resp)
	c.delivery.Send(msg.CallbackURL, respBytes)

	c.emit(EventHandshakeApproved, map[string]string{
		"request_id": msg.RequestID,
		"app_id":     msg.AppID,
	})

	c.clearActiveLocked()
}

// deliverError sends a failure envelope to an app callback.
func (c *Controller) deliverError(requestID, callbackURL, message string) {
	resp := ResponseEnvelope{
		RequestID: requestID,
		Success:   false,
		Error:     message,
	}
	respBytes, _ := json.Marshal(resp)
	c.delivery.Send(callbackURL, respBytes)
}

func (c *Controller) emit(name string, params map[string]string) {
	if c.events != nil {
		c.events.Emit(name, params)
	}
}
