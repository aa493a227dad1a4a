// Package main provides an end-to-end test for the connect handshake
// and action request flow, playing the app side against a running host.
package main

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/keymeld/connect-host/connect"
)

const (
	requestSubject  = "connect.requests"
	controlSubject  = "connect.control"
	deliverySubject = "connect.responses"

	testAppID    = "app-e2e-001"
	testCallback = "https://app.example.com/connect/callback"
)

// controlReply mirrors the daemon's control response shape
type controlReply struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// deliveredResponse mirrors the delivery subject wrapper
type deliveredResponse struct {
	CallbackURL string          `json:"callback_url"`
	Payload     json.RawMessage `json:"payload"`
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://nats.internal.keymeld.io:4222"
	}

	credsFile := os.Getenv("NATS_CREDS")
	if credsFile == "" {
		credsFile = "/etc/keymeld/nats.creds"
	}

	fmt.Println("=== KeyMeld Connect E2E Test ===")
	fmt.Printf("NATS URL: %s\n", natsURL)
	fmt.Printf("Creds File: %s\n\n", credsFile)

	nc, err := nats.Connect(natsURL, nats.UserCredentials(credsFile))
	if err != nil {
		fmt.Printf("❌ Failed to connect to NATS: %v\n", err)
		os.Exit(1)
	}
	defer nc.Close()
	fmt.Println("✓ Connected to NATS")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	passed := 0
	failed := 0

	// Test 1: Handshake flow
	secret, ok := testHandshakeFlow(ctx, nc)
	if ok {
		passed++
	} else {
		failed++
	}

	// Tests 2 and 3 need an established session
	var requestLink string
	if secret != nil {
		if requestLink, ok = testActionRequest(ctx, nc, secret); ok {
			passed++
		} else {
			failed++
		}
	} else {
		fmt.Println("\n⚠ Skipping action request tests (no session)")
		failed += 2
	}

	if requestLink != "" {
		if testDuplicateSuppression(nc, requestLink) {
			passed++
		} else {
			failed++
		}
	}

	// Summary
	fmt.Println("\n=== Test Summary ===")
	fmt.Printf("Passed: %d\n", passed)
	fmt.Printf("Failed: %d\n", failed)

	if failed > 0 {
		os.Exit(1)
	}
}

// testHandshakeFlow establishes a session: publish handshake link,
// approve via the control plane, verify the delivered host key.
// Returns the derived traffic secret on success.
func testHandshakeFlow(ctx context.Context, nc *nats.Conn) ([]byte, bool) {
	fmt.Println("\n--- Test 1: Handshake Flow ---")

	private := make([]byte, 32)
	rand.Read(private)
	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		fmt.Printf("❌ Failed to derive app public key: %v\n", err)
		return nil, false
	}

	deliveries, sub, err := subscribeDeliveries(nc)
	if err != nil {
		fmt.Printf("❌ Failed to subscribe to %s: %v\n", deliverySubject, err)
		return nil, false
	}
	defer sub.Unsubscribe()
	fmt.Printf("✓ Subscribed to %s\n", deliverySubject)

	link := makeLink(&connect.Envelope{
		RequestID:   fmt.Sprintf("req-hs-%d", time.Now().UnixNano()),
		CallbackURL: testCallback,
		Handshake: &connect.HandshakePayload{
			AppID:     testAppID,
			AppName:   "E2E Test App",
			AppURL:    "https://app.example.com",
			PublicKey: public,
		},
	})

	fmt.Printf("→ Publishing handshake link to %s\n", requestSubject)
	if err := nc.Publish(requestSubject, []byte(link)); err != nil {
		fmt.Printf("❌ Failed to publish: %v\n", err)
		return nil, false
	}
	nc.Flush()

	current, err := pollCurrentMessage(nc)
	if err != nil {
		fmt.Printf("❌ No active message: %v\n", err)
		return nil, false
	}
	if current.Kind != connect.MessageKindHandshake || len(current.Actions) != 1 {
		fmt.Printf("❌ Unexpected active message: kind=%s actions=%d\n", current.Kind, len(current.Actions))
		return nil, false
	}
	fmt.Printf("✓ Handshake awaiting review (action %s)\n", current.Actions[0].ID)

	reply, err := controlCall(nc, "approve_handshake", map[string]string{
		"action_id": current.Actions[0].ID,
	})
	if err != nil {
		fmt.Printf("❌ Approval failed: %v\n", err)
		return nil, false
	}
	if reply.Type == "error" {
		fmt.Printf("❌ Approval rejected: %s\n", reply.Error)
		return nil, false
	}
	fmt.Println("✓ Handshake approved via control plane")

	resp, err := waitDelivery(deliveries, 5*time.Second)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		return nil, false
	}
	if !resp.Success {
		fmt.Printf("❌ Handshake response carries error: %s\n", resp.Error)
		return nil, false
	}
	if len(resp.PublicKey) != 32 {
		fmt.Printf("❌ Expected 32-byte host key, got %d bytes\n", len(resp.PublicKey))
		return nil, false
	}
	fmt.Printf("  ← Received handshake response (request_id=%s)\n", resp.RequestID)

	secret, err := curve25519.X25519(private, resp.PublicKey)
	if err != nil {
		fmt.Printf("❌ Failed to derive shared secret: %v\n", err)
		return nil, false
	}

	fmt.Println("✓ Session established, traffic secret derived")
	return secret, true
}

// testActionRequest sends an encrypted two-action request, approves both
// actions, and verifies the encrypted aggregated response.
func testActionRequest(ctx context.Context, nc *nats.Conn, secret []byte) (string, bool) {
	fmt.Println("\n--- Test 2: Encrypted Action Request ---")

	deliveries, sub, err := subscribeDeliveries(nc)
	if err != nil {
		fmt.Printf("❌ Failed to subscribe to %s: %v\n", deliverySubject, err)
		return "", false
	}
	defer sub.Unsubscribe()

	body, _ := json.Marshal(connect.RequestPayload{
		Actions: []connect.RequestAction{
			{ID: "sign-message", Params: json.RawMessage(`{"message":"hello from e2e"}`)},
			{ID: "share-address", Optional: true},
		},
	})
	sealed, err := sealPayload(secret, body)
	if err != nil {
		fmt.Printf("❌ Failed to seal request: %v\n", err)
		return "", false
	}

	link := makeLink(&connect.Envelope{
		RequestID:   fmt.Sprintf("req-act-%d", time.Now().UnixNano()),
		AppID:       testAppID,
		CallbackURL: testCallback,
		Ciphertext:  sealed,
	})

	fmt.Printf("→ Publishing encrypted request to %s\n", requestSubject)
	if err := nc.Publish(requestSubject, []byte(link)); err != nil {
		fmt.Printf("❌ Failed to publish: %v\n", err)
		return "", false
	}
	nc.Flush()

	current, err := pollCurrentMessage(nc)
	if err != nil {
		fmt.Printf("❌ No active message: %v\n", err)
		return "", false
	}
	if current.Kind != connect.MessageKindRequest || len(current.Actions) != 2 {
		fmt.Printf("❌ Unexpected active message: kind=%s actions=%d\n", current.Kind, len(current.Actions))
		return "", false
	}
	fmt.Printf("✓ Request awaiting review (%d actions)\n", len(current.Actions))

	// Approve in reverse order to confirm the response preserves request order
	for i := len(current.Actions) - 1; i >= 0; i-- {
		action := current.Actions[i]
		payload := map[string]any{"action_id": action.ID}
		if action.ID == "sign-message" {
			payload["result"] = map[string]string{"signature": "0xdeadbeef"}
		}
		reply, err := controlCall(nc, "approve_action", payload)
		if err != nil {
			fmt.Printf("❌ Failed to approve %s: %v\n", action.ID, err)
			return "", false
		}
		if reply.Type == "error" {
			fmt.Printf("❌ Approval of %s rejected: %s\n", action.ID, reply.Error)
			return "", false
		}
		fmt.Printf("✓ Approved action %s\n", action.ID)
	}

	resp, err := waitDelivery(deliveries, 5*time.Second)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		return "", false
	}
	if !resp.Success || len(resp.Payload) == 0 {
		fmt.Printf("❌ Expected encrypted response, got success=%v error=%s\n", resp.Success, resp.Error)
		return "", false
	}
	fmt.Printf("  ← Received encrypted response (request_id=%s)\n", resp.RequestID)

	plaintext, err := openPayload(secret, resp.Payload)
	if err != nil {
		fmt.Printf("❌ Failed to decrypt response: %v\n", err)
		return "", false
	}

	var outcomes []connect.Outcome
	if err := json.Unmarshal(plaintext, &outcomes); err != nil {
		fmt.Printf("❌ Failed to parse outcomes: %v\n", err)
		return "", false
	}
	if len(outcomes) != 2 || outcomes[0].ActionID != "sign-message" || outcomes[1].ActionID != "share-address" {
		fmt.Printf("❌ Outcomes out of order: %+v\n", outcomes)
		return "", false
	}
	if outcomes[0].Status != connect.OutcomeApproved {
		fmt.Printf("❌ Expected sign-message approved, got %s\n", outcomes[0].Status)
		return "", false
	}

	fmt.Printf("✓ Outcomes verified: %s=%s, %s=%s\n",
		outcomes[0].ActionID, outcomes[0].Status,
		outcomes[1].ActionID, outcomes[1].Status)
	return link, true
}

// testDuplicateSuppression resubmits the previous link and expects the
// host to ignore it.
func testDuplicateSuppression(nc *nats.Conn, link string) bool {
	fmt.Println("\n--- Test 3: Duplicate Suppression ---")

	reply, err := controlCall(nc, "submit_request", map[string]string{"link": link})
	if err != nil {
		fmt.Printf("❌ Resubmission failed: %v\n", err)
		return false
	}
	if reply.Type == "error" {
		fmt.Printf("❌ Resubmission rejected: %s\n", reply.Error)
		return false
	}

	var result struct {
		Installed bool `json:"installed"`
	}
	if err := json.Unmarshal(reply.Payload, &result); err != nil {
		fmt.Printf("❌ Failed to parse submit result: %v\n", err)
		return false
	}
	if result.Installed {
		fmt.Println("❌ Duplicate request was installed")
		return false
	}

	fmt.Println("✓ Duplicate request ignored")
	return true
}

// --- Helpers ---

func makeLink(env *connect.Envelope) string {
	raw, _ := json.Marshal(env)
	return "keymeld://connect?p=" + base64.RawURLEncoding.EncodeToString(raw)
}

func subscribeDeliveries(nc *nats.Conn) (chan *nats.Msg, *nats.Subscription, error) {
	ch := make(chan *nats.Msg, 8)
	sub, err := nc.Subscribe(deliverySubject, func(msg *nats.Msg) {
		ch <- msg
	})
	return ch, sub, err
}

func waitDelivery(ch chan *nats.Msg, timeout time.Duration) (*connect.ResponseEnvelope, error) {
	select {
	case msg := <-ch:
		var wrapper deliveredResponse
		if err := json.Unmarshal(msg.Data, &wrapper); err != nil {
			return nil, fmt.Errorf("malformed delivery wrapper: %w", err)
		}
		if wrapper.CallbackURL != testCallback {
			return nil, fmt.Errorf("delivery for unexpected callback %s", wrapper.CallbackURL)
		}
		var resp connect.ResponseEnvelope
		if err := json.Unmarshal(wrapper.Payload, &resp); err != nil {
			return nil, fmt.Errorf("malformed response envelope: %w", err)
		}
		return &resp, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("timeout waiting for delivery")
	}
}

func controlCall(nc *nats.Conn, typ string, payload any) (*controlReply, error) {
	body := map[string]any{
		"id":   fmt.Sprintf("ctl-%d", time.Now().UnixNano()),
		"type": typ,
	}
	if payload != nil {
		body["payload"] = payload
	}
	data, _ := json.Marshal(body)

	msg, err := nc.Request(controlSubject, data, 5*time.Second)
	if err != nil {
		return nil, err
	}

	var reply controlReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("malformed control reply: %w", err)
	}
	return &reply, nil
}

// pollCurrentMessage waits for the host to install an active message
func pollCurrentMessage(nc *nats.Conn) (*connect.IncomingMessage, error) {
	for i := 0; i < 20; i++ {
		reply, err := controlCall(nc, "current_message", nil)
		if err != nil {
			return nil, err
		}
		if reply.Type == "error" {
			return nil, fmt.Errorf("control error: %s", reply.Error)
		}
		if string(reply.Payload) != "null" && len(reply.Payload) > 0 {
			var current connect.IncomingMessage
			if err := json.Unmarshal(reply.Payload, &current); err != nil {
				return nil, err
			}
			return &current, nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	return nil, fmt.Errorf("no message became active")
}

// --- App-side traffic crypto ---
// Mirrors the host: HKDF-SHA256 over the X25519 shared secret, then
// AES-256-GCM with a 12-byte nonce prefix.

func trafficKey(secret []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, []byte("keymeld-connect-v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

func sealPayload(secret, plaintext []byte) ([]byte, error) {
	key, err := trafficKey(secret)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func openPayload(secret, sealed []byte) ([]byte, error) {
	key, err := trafficKey(secret)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed payload too short")
	}
	return aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], nil)
}
