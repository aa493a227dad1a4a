package connect

// Diagnostic event names emitted by the controller.
const (
	EventSessionMissing    = "session_missing"
	EventSessionExpired    = "session_expired"
	EventHandshakeApproved = "handshake_approved"
	EventHandshakeRejected = "handshake_rejected"
	EventRequestResolved   = "request_resolved"
)

// EventSink receives diagnostic events. Emit must not block; the
// controller calls it inline on its protocol paths and expects
// implementations to hand off delivery.
type EventSink interface {
	Emit(name string, params map[string]string)
}
