package mailbox

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by mailbox operations attempted while the
// session is not authenticated. Operations fail fast rather than queue.
var ErrNotConnected = errors.New("not connected")

// ErrConnectionLost is surfaced after the reconnect loop has exhausted
// its attempts; the account is disconnected until explicitly restarted.
var ErrConnectionLost = errors.New("connection lost")

// AuthError indicates that authentication has failed for an account.
// The connection manager refreshes the token and retries once; a second
// consecutive failure produces a fatal AuthError.
type AuthError struct {
	Account string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Account, e.Message)
}

// NetworkError wraps a transient transport failure; it is retried with
// backoff up to policy limits and never surfaced per-attempt.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError indicates a bounded phase (connect, auth) or operation
// exceeded its deadline. Treated as a NetworkError for retry purposes.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout during %s: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ProtocolError indicates an unexpected server response shape. The sync
// pass is aborted and the cache left untouched.
type ProtocolError struct {
	Op      string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error during %s: %s", e.Op, e.Message)
}

// PersistenceError indicates a local durability failure. The sync pass
// is aborted and the UID watermark is not advanced, so the next sync
// redelivers rather than silently losing data.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ValidationError is a compose-time failure surfaced to the caller; no
// network attempt is made.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Message
}

// IsAuthError reports whether err (or any error in its chain) is an
// AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsRetryable reports whether err is transient: network errors and
// timeouts are retried with backoff, everything else is not.
func IsRetryable(err error) bool {
	var netErr *NetworkError
	var toErr *TimeoutError
	return errors.As(err, &netErr) || errors.As(err, &toErr)
}
