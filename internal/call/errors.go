package call

import (
	"errors"

	"github.com/petervdpas/callhub/internal/proto"
)

// Sentinel errors for signaling dispatch.
// They are reported to the sending client as error events and never escalate.
var (
	// ErrClosed indicates the manager has shut down.
	ErrClosed = errors.New("call manager closed")

	// ErrUnknownEvent indicates an inbound event name the router does not handle.
	ErrUnknownEvent = errors.New("unknown event")

	// ErrInvalidPayload indicates an inbound payload that failed to decode or validate.
	ErrInvalidPayload = errors.New("invalid payload")
)

// Error codes carried by outbound error events.
const (
	codeUnknownEvent     = "unknown_event"
	codeInvalidPayload   = proto.CodeInvalidPayload
	codeInvalidIdentity  = "invalid_identity"
	codeNotRegistered    = "not_registered"
	codeIdentityMismatch = "identity_mismatch"
	codeSelfCall         = "self_call"
)
