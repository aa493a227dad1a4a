package connect

import (
	"fmt"
	"time"
)

// Session is a durable pairing with one app, created when a handshake is
// approved. SharedSecret is precomputed so request traffic never needs the
// peer key again.
type Session struct {
	AppID           string    `json:"app_id"`
	AppName         string    `json:"app_name,omitempty"`
	AppURL          string    `json:"app_url,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LocalPublicKey  []byte    `json:"local_public_key"`
	LocalPrivateKey []byte    `json:"local_private_key"`
	PeerPublicKey   []byte    `json:"peer_public_key"`
	SharedSecret    []byte    `json:"shared_secret"`
}

// SessionStore persists sessions. Implementations provide no lookup or
// uniqueness guarantees beyond these three operations; one session per app
// is maintained by the controller deleting before adding.
type SessionStore interface {
	Add(session *Session) error
	List() ([]*Session, error)
	Delete(appIDs ...string) error
}

// NewSession derives a fresh host keypair and the shared secret for an
// approved handshake. Fetched metadata, when present, overrides the app's
// self-declared name and URL.
func NewSession(payload *HandshakePayload, meta *AppMetadata, createdAt time.Time) (*Session, error) {
	if payload == nil {
		return nil, fmt.Errorf("handshake payload is required")
	}

	private, public, err := generateKeypair()
	if err != nil {
		return nil, fmt.Errorf("failed to create session keys: %w", err)
	}

	secret, err := deriveSharedSecret(private, payload.PublicKey)
	if err != nil {
		zeroBytes(private)
		return nil, fmt.Errorf("failed to derive shared secret: %w", err)
	}

	session := &Session{
		AppID:           payload.AppID,
		AppName:         payload.AppName,
		AppURL:          payload.AppURL,
		CreatedAt:       createdAt,
		LocalPublicKey:  public,
		LocalPrivateKey: private,
		PeerPublicKey:   payload.PublicKey,
		SharedSecret:    secret,
	}
	if meta != nil {
		if meta.Name != "" {
			session.AppName = meta.Name
		}
		if meta.URL != "" {
			session.AppURL = meta.URL
		}
	}

	return session, nil
}
