package model

import "time"

// MutationKind identifies a locally originated change awaiting server
// confirmation.
type MutationKind string

const (
	MutationFlagAdd    MutationKind = "flag_add"
	MutationFlagRemove MutationKind = "flag_remove"
	MutationMove       MutationKind = "move"
	MutationDelete     MutationKind = "delete"
)

// PendingMutation is a local change not yet confirmed by the server.
// The sync engine replays it when a session is available and clears it
// once the observed server state matches its intent, or when the server
// state conflicts (server wins).
type PendingMutation struct {
	// ID is the unique identifier for this mutation.
	ID string `json:"id"`

	// FolderID and UID identify the targeted message.
	FolderID string `json:"folder_id"`
	UID      uint32 `json:"uid"`

	// Kind is the mutation type.
	Kind MutationKind `json:"kind"`

	// Flags are the flags added or removed for flag mutations.
	Flags []string `json:"flags,omitempty"`

	// TargetFolder is the destination mailbox for move mutations.
	TargetFolder string `json:"target_folder,omitempty"`

	// CreatedAt is when the user made the change.
	CreatedAt time.Time `json:"created_at"`
}

// Notice is a non-fatal message surfaced to the user at account/folder
// granularity, e.g. a pending move discarded because the server state
// disagreed.
type Notice struct {
	// ID is the unique identifier for this notice.
	ID string `json:"id"`

	// AccountID and FolderID locate where the notice originated.
	AccountID string `json:"account_id"`
	FolderID  string `json:"folder_id"`

	// UID is the affected message, if any.
	UID uint32 `json:"uid,omitempty"`

	// Message is the human-readable notice text.
	Message string `json:"message"`

	// Read indicates whether the user has seen this notice.
	Read bool `json:"read"`

	// CreatedAt is when this notice was generated.
	CreatedAt time.Time `json:"created_at"`
}
