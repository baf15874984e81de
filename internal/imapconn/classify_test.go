package imapconn

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsyncd/internal/mailbox"
)

func TestClassifyAuthFailures(t *testing.T) {
	for _, msg := range []string{
		"AUTHENTICATIONFAILED: invalid credentials",
		"LOGIN failed",
		"access denied for user",
	} {
		err := classify("login", "work", errors.New(msg))
		require.True(t, mailbox.IsAuthError(err), "expected auth error for %q, got %T", msg, err)
	}
}

func TestClassifyTimeout(t *testing.T) {
	err := classify("connect", "work", context.DeadlineExceeded)

	var timeoutErr *mailbox.TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	require.True(t, mailbox.IsRetryable(err))
}

func TestClassifyTransientNetworkFailures(t *testing.T) {
	for _, msg := range []string{
		"dial tcp: connection refused",
		"read: connection reset by peer",
		"write: broken pipe",
		"unexpected EOF",
	} {
		err := classify("fetch", "work", errors.New(msg))

		var netErr *mailbox.NetworkError
		require.True(t, errors.As(err, &netErr), "expected network error for %q, got %T", msg, err)
		require.True(t, mailbox.IsRetryable(err))
	}
}

func TestClassifyUnknownErrorIsRetryable(t *testing.T) {
	err := classify("select", "work", errors.New("something odd"))
	require.True(t, mailbox.IsRetryable(err))
}

func TestClassifyNil(t *testing.T) {
	require.NoError(t, classify("noop", "work", nil))
}
