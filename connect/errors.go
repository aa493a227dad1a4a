package connect

import "errors"

var (
	// ErrInvalidEnvelope is returned when a raw request cannot be parsed
	// into a well-formed envelope.
	ErrInvalidEnvelope = errors.New("invalid request envelope")

	// ErrInvalidCiphertext is returned when an encrypted payload does not
	// match the expected wire format.
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")

	// ErrDecryptionFailed is returned when authenticated decryption fails.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrNoActiveMessage is returned when an operation requires an active
	// message and none is set.
	ErrNoActiveMessage = errors.New("no active message")

	// ErrNoActiveHandshake is returned by handshake operations when the
	// active message is not a handshake.
	ErrNoActiveHandshake = errors.New("active message is not a handshake")

	// ErrNoActiveRequest is returned by action operations when the active
	// message is not an action request.
	ErrNoActiveRequest = errors.New("active message is not an action request")

	// ErrUnknownAction is returned when an action does not belong to the
	// active message.
	ErrUnknownAction = errors.New("action does not belong to the active message")
)
