package connect

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDuplicateSubmissionIgnored(t *testing.T) {
	h := newHarness(t)

	_, appPublic := newAppKeys(t)
	link := handshakeLink(t, "req-1", "app-1", appPublic)

	ok, err := h.controller.SubmitRawRequest(link)
	if err != nil || !ok {
		t.Fatalf("First submission failed: ok=%v err=%v", ok, err)
	}
	eventsBefore := len(h.events.events)
	sentBefore := len(h.delivery.sent)

	ok, err = h.controller.SubmitRawRequest(link)
	if err != nil {
		t.Fatalf("Duplicate submission returned error: %v", err)
	}
	if ok {
		t.Error("Expected duplicate submission to be ignored")
	}
	if len(h.events.events) != eventsBefore {
		t.Error("Expected no events for a duplicate submission")
	}
	if len(h.delivery.sent) != sentBefore {
		t.Error("Expected no delivery for a duplicate submission")
	}
	if msg := h.controller.CurrentMessage(); msg == nil || msg.RequestID != "req-1" {
		t.Errorf("Expected the active message to survive the duplicate, got %+v", msg)
	}
}

func TestReplayGuardHoldsOnlyPreviousRequest(t *testing.T) {
	h := newHarness(t)

	_, appPublic := newAppKeys(t)
	linkA := handshakeLink(t, "req-a", "app-1", appPublic)
	linkB := handshakeLink(t, "req-b", "app-1", appPublic)

	if ok, err := h.controller.SubmitRawRequest(linkA); err != nil || !ok {
		t.Fatalf("Submission A failed: ok=%v err=%v", ok, err)
	}
	if ok, err := h.controller.SubmitRawRequest(linkB); err != nil || !ok {
		t.Fatalf("Submission B failed: ok=%v err=%v", ok, err)
	}

	// A is no longer the previous request, so it processes again.
	ok, err := h.controller.SubmitRawRequest(linkA)
	if err != nil {
		t.Fatalf("Resubmission of A returned error: %v", err)
	}
	if !ok {
		t.Error("Expected A to be accepted after an intervening request")
	}
	if msg := h.controller.CurrentMessage(); msg == nil || msg.RequestID != "req-a" {
		t.Errorf("Expected req-a to be active, got %+v", msg)
	}
}

func TestRequestWithoutSessionReportsFailure(t *testing.T) {
	h := newHarness(t)

	secret := make([]byte, 32)
	payload := RequestPayload{Actions: []RequestAction{{ID: "sign-tx"}}}
	ok, err := h.controller.SubmitRawRequest(requestLink(t, "req-1", "app-none", secret, payload))
	if err != nil {
		t.Fatalf("Expected a handled failure, got error: %v", err)
	}
	if ok {
		t.Error("Expected submission to be refused")
	}

	resp := h.delivery.lastResponse(t)
	if resp.Success {
		t.Error("Expected an error response")
	}
	if resp.Error != "no prior handshake for app" {
		t.Errorf("Unexpected client error: %q", resp.Error)
	}
	if resp.RequestID != "req-1" {
		t.Errorf("Expected error response for req-1, got %q", resp.RequestID)
	}

	missing := h.events.named(EventSessionMissing)
	if len(missing) != 1 {
		t.Fatalf("Expected one session_missing event, got %d", len(missing))
	}
	if missing[0].params["app_id"] != "app-none" || missing[0].params["callback_url"] != testCallback {
		t.Errorf("Event params missing identity: %+v", missing[0].params)
	}

	if h.controller.CurrentMessage() != nil {
		t.Error("Expected no active message after a refused request")
	}
	if h.codec.decrypts != 0 {
		t.Errorf("Expected no decrypt attempt without a session, got %d", h.codec.decrypts)
	}
}

func TestSessionExpiryBoundary(t *testing.T) {
	h := newHarness(t)
	secret := h.completeHandshake(t, "req-hs", "app-1")
	payload := RequestPayload{Actions: []RequestAction{{ID: "sign-tx"}}}

	// Six days in, the session is still good.
	h.clock.Advance(6 * 24 * time.Hour)
	ok, err := h.controller.SubmitRawRequest(requestLink(t, "req-6d", "app-1", secret, payload))
	if err != nil || !ok {
		t.Fatalf("Expected request at day 6 to install: ok=%v err=%v", ok, err)
	}
	if h.codec.decrypts != 1 {
		t.Errorf("Expected one decrypt at day 6, got %d", h.codec.decrypts)
	}

	// Two days later the session has outlived the 7 day window.
	h.clock.Advance(2 * 24 * time.Hour)
	deletesBefore := h.store.deletes
	ok, err = h.controller.SubmitRawRequest(requestLink(t, "req-8d", "app-1", secret, payload))
	if err != nil {
		t.Fatalf("Expected a handled failure at day 8, got error: %v", err)
	}
	if ok {
		t.Error("Expected request at day 8 to be refused")
	}

	if h.store.deletes != deletesBefore+1 {
		t.Errorf("Expected exactly one delete for the expired session, got %d", h.store.deletes-deletesBefore)
	}
	if len(h.store.forApp("app-1")) != 0 {
		t.Error("Expected the expired session to be removed")
	}
	if h.codec.decrypts != 1 {
		t.Errorf("Expected no decrypt on the expired path, got %d", h.codec.decrypts)
	}

	resp := h.delivery.lastResponse(t)
	if resp.Success || resp.Error != "session expired, re-handshake required" {
		t.Errorf("Unexpected expiry response: %+v", resp)
	}
	expired := h.events.named(EventSessionExpired)
	if len(expired) != 1 {
		t.Fatalf("Expected one session_expired event, got %d", len(expired))
	}
	if expired[0].params["app_id"] != "app-1" || expired[0].params["callback_url"] != testCallback {
		t.Errorf("Expiry event params missing identity: %+v", expired[0].params)
	}

	// The refusal leaves the day 6 message alone.
	if msg := h.controller.CurrentMessage(); msg == nil || msg.RequestID != "req-6d" {
		t.Errorf("Expected the day 6 message to stay active, got %+v", msg)
	}
}

func TestDecodeErrorPropagates(t *testing.T) {
	h := newHarness(t)

	ok, err := h.controller.SubmitRawRequest("keymeld://connect?other=value")
	if ok {
		t.Error("Expected malformed submission to be refused")
	}
	if !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("Expected ErrInvalidEnvelope, got %v", err)
	}
	if len(h.delivery.sent) != 0 {
		t.Error("Expected no delivery for an undecodable submission")
	}

	// The replay guard is untouched by decode failures.
	_, appPublic := newAppKeys(t)
	if ok, err := h.controller.SubmitRawRequest(handshakeLink(t, "req-1", "app-1", appPublic)); err != nil || !ok {
		t.Fatalf("Valid submission after decode failure failed: ok=%v err=%v", ok, err)
	}
}

func TestStoreListErrorPropagates(t *testing.T) {
	h := newHarness(t)
	h.store.listErr = fmt.Errorf("disk on fire")

	secret := make([]byte, 32)
	payload := RequestPayload{Actions: []RequestAction{{ID: "sign-tx"}}}
	ok, err := h.controller.SubmitRawRequest(requestLink(t, "req-1", "app-1", secret, payload))
	if ok {
		t.Error("Expected submission to fail")
	}
	if err == nil {
		t.Fatal("Expected the store error to propagate")
	}
	if len(h.delivery.sent) != 0 {
		t.Error("Expected no client delivery for an internal store error")
	}
}

func TestTamperedCiphertextPropagates(t *testing.T) {
	h := newHarness(t)
	secret := h.completeHandshake(t, "req-hs", "app-1")

	payload := RequestPayload{Actions: []RequestAction{{ID: "sign-tx"}}}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal payload: %v", err)
	}
	sealed, err := sealWithSecret(secret, body)
	if err != nil {
		t.Fatalf("Failed to seal payload: %v", err)
	}
	sealed[len(sealed)-1] ^= 0x01

	link := encodeLink(t, &Envelope{
		RequestID:   "req-tampered",
		AppID:       "app-1",
		CallbackURL: testCallback,
		Ciphertext:  sealed,
	})
	ok, err := h.controller.SubmitRawRequest(link)
	if ok {
		t.Error("Expected tampered request to be refused")
	}
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Expected ErrDecryptionFailed, got %v", err)
	}
	if h.controller.CurrentMessage() != nil {
		t.Error("Expected no active message after a decrypt failure")
	}
}

func TestDuplicateActionIDsRejected(t *testing.T) {
	h := newHarness(t)
	secret := h.completeHandshake(t, "req-hs", "app-1")
	sentBefore := len(h.delivery.sent)

	payload := RequestPayload{Actions: []RequestAction{
		{ID: "pay", Params: json.RawMessage(`{"amount":"5"}`)},
		{ID: "pay"},
	}}
	ok, err := h.controller.SubmitRawRequest(requestLink(t, "req-dup", "app-1", secret, payload))
	if ok {
		t.Error("Expected duplicate action ids to be refused")
	}
	if !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("Expected ErrInvalidEnvelope, got %v", err)
	}

	// A claimed id that lands on a positional one is no better.
	payload = RequestPayload{Actions: []RequestAction{
		{ID: "action-2"},
		{},
	}}
	ok, err = h.controller.SubmitRawRequest(requestLink(t, "req-dup-2", "app-1", secret, payload))
	if ok {
		t.Error("Expected colliding action ids to be refused")
	}
	if !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("Expected ErrInvalidEnvelope, got %v", err)
	}

	if h.controller.CurrentMessage() != nil {
		t.Error("Expected no active message after the refusals")
	}
	if len(h.delivery.sent) != sentBefore {
		t.Error("Expected no delivery for refused requests")
	}
}

func TestOmittedActionIDsGetPositionalIDs(t *testing.T) {
	h := newHarness(t)
	secret := h.completeHandshake(t, "req-hs", "app-1")

	payload := RequestPayload{Actions: []RequestAction{
		{Params: json.RawMessage(`{"message":"hi"}`)},
		{Optional: true},
	}}
	ok, err := h.controller.SubmitRawRequest(requestLink(t, "req-anon", "app-1", secret, payload))
	if err != nil || !ok {
		t.Fatalf("Expected request to install: ok=%v err=%v", ok, err)
	}

	msg := h.controller.CurrentMessage()
	if msg == nil || len(msg.Actions) != 2 {
		t.Fatalf("Expected an active message with two actions, got %+v", msg)
	}
	if msg.Actions[0].ID != "action-1" || msg.Actions[1].ID != "action-2" {
		t.Errorf("Expected positional ids, got %q and %q", msg.Actions[0].ID, msg.Actions[1].ID)
	}
	if !msg.Actions[1].Optional {
		t.Error("Expected the second action to stay optional")
	}
}
