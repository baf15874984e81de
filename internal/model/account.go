package model

import "time"

// AuthKind identifies how an account authenticates with its IMAP server.
type AuthKind string

const (
	AuthPassword    AuthKind = "password"
	AuthOAuthBearer AuthKind = "oauthbearer"
)

// Account is a configured mail account. Credentials are not stored here;
// they live in the system keyring under keys derived from the account ID.
type Account struct {
	// ID is the internal unique identifier for this account.
	ID string `json:"id"`

	// Name is the user-defined label for this account.
	Name string `json:"name"`

	// Host is the IMAP server hostname.
	Host string `json:"host"`

	// Port is the IMAP server port.
	Port int `json:"port"`

	// TLS controls whether the connection uses implicit TLS
	// (as opposed to STARTTLS on a plain connection).
	TLS bool `json:"tls"`

	// Username is the login name for IMAP authentication.
	Username string `json:"username"`

	// Auth selects the authentication mechanism.
	Auth AuthKind `json:"auth"`

	// CreatedAt is when this account was added.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when this account was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// Folder is a cached mailbox within an account. UIDValidity and UIDNext
// together form the watermark the sync engine advances only after a
// fully applied sync pass.
type Folder struct {
	// ID is the internal unique identifier for this folder record.
	ID string `json:"id"`

	// AccountID links this folder to its owning account.
	AccountID string `json:"account_id"`

	// Name is the full mailbox name as reported by the server.
	Name string `json:"name"`

	// Delimiter is the hierarchy delimiter reported by LIST.
	Delimiter string `json:"delimiter"`

	// UIDValidity is the server's UID epoch for this mailbox. A zero
	// value means the folder has never been synced. When the server
	// reports a different value, every cached UID is invalid.
	UIDValidity uint32 `json:"uid_validity"`

	// UIDNext is the highest observed UIDNEXT value; incremental syncs
	// fetch from here.
	UIDNext uint32 `json:"uid_next"`

	// ReadOnly reports whether the mailbox was selected read-only.
	ReadOnly bool `json:"read_only"`

	// Flags are the flags defined for this mailbox.
	Flags []string `json:"flags"`

	// PermanentFlags are the flags clients may change permanently.
	PermanentFlags []string `json:"permanent_flags"`

	// TotalCount is the number of messages in the mailbox at last sync.
	TotalCount uint32 `json:"total_count"`

	// UnseenCount is the number of unseen messages at last sync.
	UnseenCount uint32 `json:"unseen_count"`

	// LastSyncAt is when the last successful sync pass completed.
	LastSyncAt time.Time `json:"last_sync_at"`
}
