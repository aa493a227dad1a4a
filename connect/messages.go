package connect

import "encoding/json"

// MessageKind discriminates handshake requests from encrypted action requests.
type MessageKind string

const (
	MessageKindHandshake MessageKind = "handshake"
	MessageKindRequest   MessageKind = "request"
)

// ActionKind discriminates the single handshake action from request actions.
type ActionKind string

const (
	ActionKindHandshake ActionKind = "handshake"
	ActionKindRequest   ActionKind = "request"
)

// OutcomeStatus is the per-action resolution recorded by the controller.
type OutcomeStatus string

const (
	OutcomeApproved OutcomeStatus = "approved"
	OutcomeRejected OutcomeStatus = "rejected"
)

// --- Wire types ---

// Envelope is the decoded form of a raw connect request. Exactly one of
// Handshake or Ciphertext is set; Kind records which at decode time so
// later stages never re-inspect the raw shape.
type Envelope struct {
	RequestID   string            `json:"request_id"`
	AppID       string            `json:"app_id,omitempty"`
	CallbackURL string            `json:"callback_url"`
	Handshake   *HandshakePayload `json:"handshake,omitempty"`
	Ciphertext  []byte            `json:"payload,omitempty"`

	Kind MessageKind `json:"-"`
}

// HandshakePayload carries the app's self-declared identity and its
// X25519 public key. Name and URL are advisory until metadata is fetched.
type HandshakePayload struct {
	AppID     string `json:"app_id"`
	AppName   string `json:"app_name,omitempty"`
	AppURL    string `json:"app_url,omitempty"`
	PublicKey []byte `json:"public_key"`
}

// RequestPayload is the decrypted body of an action request.
type RequestPayload struct {
	Actions []RequestAction `json:"actions"`
}

// RequestAction is a single client-proposed action inside a RequestPayload.
type RequestAction struct {
	ID       string          `json:"id"`
	Optional bool            `json:"optional,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// --- Controller types ---

// Action is one reviewable unit of an incoming message. IDs are unique
// within their message and key the outcome map.
type Action struct {
	ID          string          `json:"id"`
	Kind        ActionKind      `json:"kind"`
	Optional    bool            `json:"optional,omitempty"`
	AppID       string          `json:"app_id"`
	CallbackURL string          `json:"callback_url"`
	Params      json.RawMessage `json:"params,omitempty"`
}

// IncomingMessage is a fully resolved request awaiting review. Handshake
// is set only for MessageKindHandshake messages.
type IncomingMessage struct {
	RequestID   string            `json:"request_id"`
	Kind        MessageKind       `json:"kind"`
	AppID       string            `json:"app_id"`
	CallbackURL string            `json:"callback_url"`
	Actions     []Action          `json:"actions"`
	Handshake   *HandshakePayload `json:"handshake,omitempty"`
}

// Outcome is the recorded resolution of a single action.
type Outcome struct {
	ActionID string          `json:"action_id"`
	Status   OutcomeStatus   `json:"status"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ResponseEnvelope is what the host delivers back to an app callback.
// Handshake responses carry plaintext Outcomes and the host public key;
// action request responses carry the outcome list encrypted in Payload.
type ResponseEnvelope struct {
	RequestID string    `json:"request_id"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Outcomes  []Outcome `json:"outcomes,omitempty"`
	Payload   []byte    `json:"payload,omitempty"`
	PublicKey []byte    `json:"public_key,omitempty"`
}
