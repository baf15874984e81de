package imapconn

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/nhle/mailsyncd/internal/mailbox"
)

// authPatterns mark failures that no amount of retrying fixes without
// new credentials.
var authPatterns = []string{
	"authentication failed",
	"authenticationfailed",
	"login failed",
	"invalid credentials",
	"bad credentials",
	"access denied",
	"unauthorized",
	"authentication error",
}

// transientPatterns mark transport failures worth a reconnect.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"connection lost",
	"broken pipe",
	"use of closed network connection",
	"network unreachable",
	"host unreachable",
	"no such host",
	"unexpected eof",
	"i/o timeout",
	"temporary failure",
	"server temporarily unavailable",
}

// classify maps a raw operation error onto the error taxonomy. Timeouts
// become TimeoutError, credential failures AuthError, transport
// failures NetworkError, and structured IMAP status responses that fit
// none of those ProtocolError.
func classify(op, account string, err error) error {
	if err == nil {
		return nil
	}

	lower := strings.ToLower(err.Error())

	for _, p := range authPatterns {
		if strings.Contains(lower, p) {
			return &mailbox.AuthError{Account: account, Message: err.Error()}
		}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &mailbox.TimeoutError{Op: op, Err: err}
	}

	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			return &mailbox.NetworkError{Op: op, Err: err}
		}
	}

	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return &mailbox.ProtocolError{Op: op, Message: imapErr.Error()}
	}

	return &mailbox.NetworkError{Op: op, Err: err}
}
