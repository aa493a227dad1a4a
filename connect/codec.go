package connect

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
)

// payloadParam is the query parameter carrying the base64url envelope in a
// connect link.
const payloadParam = "p"

// Codec turns raw connect links into envelopes and handles session traffic
// encryption. Implementations must be safe for concurrent use.
type Codec interface {
	// Decode parses a raw connect link into a validated Envelope with its
	// Kind resolved. Malformed input returns ErrInvalidEnvelope.
	Decode(raw string) (*Envelope, error)

	// Decrypt opens an action request ciphertext under the session keys.
	Decrypt(ciphertext []byte, session *Session) (*RequestPayload, error)

	// Encrypt seals a response payload under the session keys.
	Encrypt(plaintext []byte, session *Session) ([]byte, error)
}

// X25519Codec is the production Codec. Requests arrive as links of the form
//
//	keymeld://connect?p=<base64url(JSON envelope)>
//
// and session traffic is sealed with AES-256-GCM under a key derived from
// the static X25519 shared secret.
type X25519Codec struct{}

func NewX25519Codec() *X25519Codec {
	return &X25519Codec{}
}

// Decode parses and validates a raw connect link.
func (c *X25519Codec) Decode(raw string) (*Envelope, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: not a valid link: %v", ErrInvalidEnvelope, err)
	}

	encoded := u.Query().Get(payloadParam)
	if encoded == "" {
		return nil, fmt.Errorf("%w: missing %q parameter", ErrInvalidEnvelope, payloadParam)
	}

	decoded, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not base64url: %v", ErrInvalidEnvelope, err)
	}

	var env Envelope
	if err := json.Unmarshal(decoded, &env); err != nil {
		return nil, fmt.Errorf("%w: payload is not valid JSON: %v", ErrInvalidEnvelope, err)
	}

	if env.RequestID == "" {
		return nil, fmt.Errorf("%w: missing request_id", ErrInvalidEnvelope)
	}
	if env.CallbackURL == "" {
		return nil, fmt.Errorf("%w: missing callback_url", ErrInvalidEnvelope)
	}

	// Resolve the kind exactly once. Envelopes carry either a handshake
	// body or a ciphertext, never both.
	switch {
	case env.Handshake != nil && len(env.Ciphertext) > 0:
		return nil, fmt.Errorf("%w: both handshake and payload present", ErrInvalidEnvelope)

	case env.Handshake != nil:
		if env.Handshake.AppID == "" {
			return nil, fmt.Errorf("%w: handshake missing app_id", ErrInvalidEnvelope)
		}
		if len(env.Handshake.PublicKey) != x25519KeySize {
			return nil, fmt.Errorf("%w: handshake public key must be %d bytes", ErrInvalidEnvelope, x25519KeySize)
		}
		env.Kind = MessageKindHandshake
		env.AppID = env.Handshake.AppID

	case len(env.Ciphertext) > 0:
		if env.AppID == "" {
			return nil, fmt.Errorf("%w: missing app_id", ErrInvalidEnvelope)
		}
		env.Kind = MessageKindRequest

	default:
		return nil, fmt.Errorf("%w: neither handshake nor payload present", ErrInvalidEnvelope)
	}

	return &env, nil
}

// Decrypt opens an action request body with the session's shared secret.
func (c *X25519Codec) Decrypt(ciphertext []byte, session *Session) (*RequestPayload, error) {
	plaintext, err := openWithSecret(session.SharedSecret, ciphertext)
	if err != nil {
		return nil, err
	}

	var payload RequestPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("%w: decrypted payload is not valid JSON: %v", ErrInvalidEnvelope, err)
	}
	if len(payload.Actions) == 0 {
		return nil, fmt.Errorf("%w: request payload has no actions", ErrInvalidEnvelope)
	}

	return &payload, nil
}

// Encrypt seals a response payload with the session's shared secret.
func (c *X25519Codec) Encrypt(plaintext []byte, session *Session) ([]byte, error) {
	return sealWithSecret(session.SharedSecret, plaintext)
}
