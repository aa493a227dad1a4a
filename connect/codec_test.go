package connect

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func rawLink(t *testing.T, body map[string]any) string {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal body: %v", err)
	}
	return "keymeld://connect?p=" + base64.RawURLEncoding.EncodeToString(data)
}

func TestDecodeHandshakeLink(t *testing.T) {
	codec := NewX25519Codec()
	_, appPublic := newAppKeys(t)

	env, err := codec.Decode(handshakeLink(t, "req-1", "app-1", appPublic))
	if err != nil {
		t.Fatalf("Failed to decode handshake link: %v", err)
	}
	if env.Kind != MessageKindHandshake {
		t.Errorf("Expected handshake kind, got %q", env.Kind)
	}
	if env.AppID != "app-1" {
		t.Errorf("Expected app id lifted from the handshake body, got %q", env.AppID)
	}
	if env.Handshake == nil || string(env.Handshake.PublicKey) != string(appPublic) {
		t.Error("Expected handshake public key to survive decoding")
	}
	if env.CallbackURL != testCallback {
		t.Errorf("Expected callback %q, got %q", testCallback, env.CallbackURL)
	}
}

func TestDecodeRequestLink(t *testing.T) {
	codec := NewX25519Codec()

	env, err := codec.Decode(encodeLink(t, &Envelope{
		RequestID:   "req-2",
		AppID:       "app-1",
		CallbackURL: testCallback,
		Ciphertext:  []byte("opaque-bytes"),
	}))
	if err != nil {
		t.Fatalf("Failed to decode request link: %v", err)
	}
	if env.Kind != MessageKindRequest {
		t.Errorf("Expected request kind, got %q", env.Kind)
	}
	if string(env.Ciphertext) != "opaque-bytes" {
		t.Error("Expected ciphertext to survive decoding")
	}
}

func TestDecodeRejectsMalformedLinks(t *testing.T) {
	codec := NewX25519Codec()
	_, appPublic := newAppKeys(t)
	shortKey := appPublic[:16]

	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"missing parameter", "keymeld://connect?x=1"},
		{"not base64url", "keymeld://connect?p=%%%"},
		{"not json", "keymeld://connect?p=" + base64.RawURLEncoding.EncodeToString([]byte("hello"))},
		{"missing request_id", rawLink(t, map[string]any{
			"callback_url": testCallback,
			"handshake":    map[string]any{"app_id": "app-1", "public_key": appPublic},
		})},
		{"missing callback_url", rawLink(t, map[string]any{
			"request_id": "req-1",
			"handshake":  map[string]any{"app_id": "app-1", "public_key": appPublic},
		})},
		{"no body", rawLink(t, map[string]any{
			"request_id":   "req-1",
			"callback_url": testCallback,
		})},
		{"both bodies", rawLink(t, map[string]any{
			"request_id":   "req-1",
			"app_id":       "app-1",
			"callback_url": testCallback,
			"handshake":    map[string]any{"app_id": "app-1", "public_key": appPublic},
			"payload":      []byte("x"),
		})},
		{"handshake missing app_id", rawLink(t, map[string]any{
			"request_id":   "req-1",
			"callback_url": testCallback,
			"handshake":    map[string]any{"public_key": appPublic},
		})},
		{"short public key", rawLink(t, map[string]any{
			"request_id":   "req-1",
			"callback_url": testCallback,
			"handshake":    map[string]any{"app_id": "app-1", "public_key": shortKey},
		})},
		{"request missing app_id", rawLink(t, map[string]any{
			"request_id":   "req-1",
			"callback_url": testCallback,
			"payload":      []byte("x"),
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := codec.Decode(tt.raw); !errors.Is(err, ErrInvalidEnvelope) {
				t.Errorf("Expected ErrInvalidEnvelope, got %v", err)
			}
		})
	}
}

func TestSessionTrafficRoundTrip(t *testing.T) {
	codec := NewX25519Codec()
	appPrivate, appPublic := newAppKeys(t)

	session, err := NewSession(&HandshakePayload{
		AppID:     "app-1",
		AppName:   "Example App",
		PublicKey: appPublic,
	}, nil, time.Now())
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	// Both peers must arrive at the same traffic key.
	appSecret, err := deriveSharedSecret(appPrivate, session.LocalPublicKey)
	if err != nil {
		t.Fatalf("Failed to derive app-side secret: %v", err)
	}
	if string(appSecret) != string(session.SharedSecret) {
		t.Fatal("Expected both peers to derive the same shared secret")
	}

	// App seals a request, host opens it.
	payload := RequestPayload{Actions: []RequestAction{
		{ID: "sign-tx", Params: json.RawMessage(`{"tx":"0xabc"}`)},
	}}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal payload: %v", err)
	}
	sealed, err := sealWithSecret(appSecret, body)
	if err != nil {
		t.Fatalf("Failed to seal on the app side: %v", err)
	}
	decoded, err := codec.Decrypt(sealed, session)
	if err != nil {
		t.Fatalf("Failed to decrypt on the host side: %v", err)
	}
	if len(decoded.Actions) != 1 || decoded.Actions[0].ID != "sign-tx" {
		t.Errorf("Request payload did not round-trip: %+v", decoded)
	}

	// Host seals a response, app opens it.
	response := []byte(`[{"action_id":"sign-tx","status":"approved"}]`)
	sealedResp, err := codec.Encrypt(response, session)
	if err != nil {
		t.Fatalf("Failed to encrypt on the host side: %v", err)
	}
	opened, err := openWithSecret(appSecret, sealedResp)
	if err != nil {
		t.Fatalf("Failed to open on the app side: %v", err)
	}
	if string(opened) != string(response) {
		t.Error("Response payload did not round-trip")
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	codec := NewX25519Codec()
	_, appPublic := newAppKeys(t)

	session, err := NewSession(&HandshakePayload{AppID: "app-1", PublicKey: appPublic}, nil, time.Now())
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	sealed, err := codec.Encrypt([]byte(`{"actions":[{"id":"a"}]}`), session)
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}
	sealed[len(sealed)-1] ^= 0x01

	if _, err := codec.Decrypt(sealed, session); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Expected ErrDecryptionFailed, got %v", err)
	}
}

func TestDecryptRejectsShortCiphertext(t *testing.T) {
	codec := NewX25519Codec()
	_, appPublic := newAppKeys(t)

	session, err := NewSession(&HandshakePayload{AppID: "app-1", PublicKey: appPublic}, nil, time.Now())
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	if _, err := codec.Decrypt([]byte("tiny"), session); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("Expected ErrInvalidCiphertext, got %v", err)
	}
}

func TestDecryptRejectsEmptyActionList(t *testing.T) {
	codec := NewX25519Codec()
	_, appPublic := newAppKeys(t)

	session, err := NewSession(&HandshakePayload{AppID: "app-1", PublicKey: appPublic}, nil, time.Now())
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	sealed, err := codec.Encrypt([]byte(`{"actions":[]}`), session)
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}
	if _, err := codec.Decrypt(sealed, session); !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("Expected ErrInvalidEnvelope for an empty action list, got %v", err)
	}
}
