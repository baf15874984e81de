package mailbox

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsAuthErrorMatchesWrappedErrors(t *testing.T) {
	err := fmt.Errorf("syncing: %w", &AuthError{Account: "work", Message: "bad password"})
	require.True(t, IsAuthError(err))
	require.False(t, IsAuthError(errors.New("something else")))
}

func TestIsRetryable(t *testing.T) {
	require.True(t, IsRetryable(&NetworkError{Op: "fetch", Err: errors.New("reset")}))
	require.True(t, IsRetryable(&TimeoutError{Op: "connect"}))
	require.True(t, IsRetryable(fmt.Errorf("wrapped: %w", &NetworkError{Op: "fetch"})))

	require.False(t, IsRetryable(&AuthError{Account: "work"}))
	require.False(t, IsRetryable(&ProtocolError{Op: "select"}))
	require.False(t, IsRetryable(&PersistenceError{Op: "upsert"}))
	require.False(t, IsRetryable(ErrNotConnected))
}

func TestErrorUnwrapping(t *testing.T) {
	inner := errors.New("connection reset by peer")
	err := &NetworkError{Op: "fetch", Err: inner}
	require.ErrorIs(t, err, inner)
}
