package mailbox

import (
	"context"
	"time"

	"github.com/nhle/mailsyncd/internal/model"
)

// SessionState is the connection manager's state machine position.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateAuthenticating
	StateAuthenticated
	StateFolderSelected
	StateReconnecting
)

// String returns the state name for logging.
func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateFolderSelected:
		return "folder_selected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// FolderInfo describes a mailbox returned by a LIST operation.
type FolderInfo struct {
	Name      string
	Delimiter string
	Attrs     []string
}

// FolderState is the server-reported state of a selected mailbox.
type FolderState struct {
	Name           string
	UIDValidity    uint32
	UIDNext        uint32
	NumMessages    uint32
	ReadOnly       bool
	Flags          []string
	PermanentFlags []string
}

// MessageDelta is one fetched message's server state. Envelope and
// Structure are only populated when requested in FetchOptions.
type MessageDelta struct {
	UID          uint32
	SeqNum       uint32
	Flags        []string
	Envelope     model.Envelope
	Structure    *model.BodyPart
	Size         int64
	InternalDate time.Time
}

// FetchOptions selects which attributes a Fetch retrieves. Flags and
// UID are always fetched.
type FetchOptions struct {
	Envelope  bool
	Structure bool
}

// FlagOp is the kind of flag change applied by StoreFlags.
type FlagOp int

const (
	FlagsAdd FlagOp = iota
	FlagsRemove
	FlagsSet
)

// TokenSource supplies and refreshes authentication tokens. The
// connection manager calls Refresh after an authentication failure
// before its single retry.
type TokenSource interface {
	// Token returns the current token (or password).
	Token(ctx context.Context) (string, error)

	// Refresh obtains a fresh token, invalidating the previous one.
	Refresh(ctx context.Context) (string, error)
}

// Session is the single point of contact with the remote server for one
// account. Implementations maintain exactly one live connection and
// serialize folder-mutating operations; only one selected folder's
// state is trusted at a time.
//
// All operations except Connect fail fast with ErrNotConnected while
// the session is not authenticated.
type Session interface {
	// Connect establishes and authenticates the session.
	Connect(ctx context.Context) error

	// Close logs out and tears down the connection.
	Close() error

	// State returns the current state machine position.
	State() SessionState

	// ListFolders lists the account's mailboxes.
	ListFolders(ctx context.Context) ([]FolderInfo, error)

	// OpenFolder selects a mailbox and returns its server state.
	OpenFolder(ctx context.Context, name string, readOnly bool) (*FolderState, error)

	// SearchAll returns every UID the server reports for the selected
	// folder, ascending.
	SearchAll(ctx context.Context) ([]uint32, error)

	// Fetch retrieves the given UIDs and streams each result to fn.
	// Returning an error from fn stops the fetch.
	Fetch(ctx context.Context, uids []uint32, opts FetchOptions, fn func(MessageDelta) error) error

	// FetchBody retrieves the raw RFC 822 body for one message.
	FetchBody(ctx context.Context, uid uint32) ([]byte, error)

	// StoreFlags applies a flag change to the given UIDs.
	StoreFlags(ctx context.Context, uids []uint32, op FlagOp, flags []string) error

	// Move moves the given UIDs to another mailbox.
	Move(ctx context.Context, uids []uint32, dest string) error

	// Expunge permanently removes messages flagged Deleted.
	Expunge(ctx context.Context) error

	// Append stores a built MIME message into a mailbox and returns the
	// UID assigned by the server (0 if the server did not report one).
	Append(ctx context.Context, folder string, body []byte, flags []string) (uint32, error)
}
