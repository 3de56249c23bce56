package turn

import (
	"errors"
	"fmt"
)

// Error kinds for protocol- and operation-level failures. An inbound
// datagram that fails with a protocol-level error (format,
// unknown-attribute, integrity) while being decoded or verified is dropped;
// it never ends the session. ErrFormat is also returned to a caller whose
// response decoded but carries a malformed address or lifetime value.
// Operation-level errors are returned to the caller of the operation that
// triggered them.
var (
	ErrFormat           = errors.New("turn: malformed message")
	ErrUnknownAttribute = errors.New("turn: unknown comprehension-required attribute")
	ErrIntegrity        = errors.New("turn: message-integrity mismatch or missing")
	ErrTimeout          = errors.New("turn: transaction timed out")
	ErrNoAllocation     = errors.New("turn: operation requires an active allocation")
	ErrNoPermission     = errors.New("turn: no acknowledged permission for peer")
	ErrUnauthorized     = errors.New("turn: unauthorized, credentials were promoted")
	ErrStaleNonce       = errors.New("turn: stale nonce, credentials were re-promoted")
	ErrBadResponse      = errors.New("turn: response missing a required attribute")
	ErrSessionClosed    = errors.New("turn: session is closed")
)

// ServerError wraps a STUN/TURN error-code response that doesn't map to one
// of the named sentinel kinds above. Allocate, Refresh and CreatePermission
// map 401 and 438 to ErrUnauthorized and ErrStaleNonce; every other code,
// and any error response to Bind, is reported as a ServerError.
type ServerError struct {
	Code   int
	Reason string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("turn: server error %d: %s", e.Code, e.Reason)
}
