package store

import (
	"context"
	"time"

	"github.com/nhle/mailsyncd/internal/model"
)

// FlagUpdate replaces the flag set of one cached message.
type FlagUpdate struct {
	UID   uint32
	Flags []string
}

// SyncApply is the outcome of one sync pass, applied to the cache as a
// single transaction. The folder watermark (UIDValidity/UIDNext) is
// written in the same transaction as the message changes, so a failed
// pass leaves the prior cached state intact and the watermark
// unadvanced.
type SyncApply struct {
	FolderID string

	// ClearFirst drops every cached message for the folder before
	// applying upserts (UIDVALIDITY change).
	ClearFirst bool

	// Upserts are fetched messages to insert or update, keyed
	// (FolderID, UID). Duplicate UIDs within one apply are deduplicated
	// by upsert semantics: last value wins.
	Upserts []model.Message

	// FlagUpdates adjust flags on messages already cached.
	FlagUpdates []FlagUpdate

	// RemovedUIDs are cached UIDs the server no longer reports; they
	// are marked removed rather than deleted.
	RemovedUIDs []uint32

	// ClearMutationIDs are pending mutations confirmed or overruled by
	// the observed server state.
	ClearMutationIDs []string

	// Notices are non-fatal conflict notes generated during the pass.
	Notices []model.Notice

	// New folder watermark and server-reported metadata.
	UIDValidity    uint32
	UIDNext        uint32
	TotalCount     uint32
	UnseenCount    uint32
	ReadOnly       bool
	Flags          []string
	PermanentFlags []string
	LastSyncAt     time.Time
}

// Store is the persistence interface for the local mail cache. It is
// the single source of truth the UI reads from; the sync engine is the
// only writer of message and folder records. Implementations must be
// safe for concurrent use across accounts and atomic per message and
// folder record.
type Store interface {
	// === Accounts ===

	UpsertAccount(ctx context.Context, a model.Account) error
	GetAccounts(ctx context.Context) ([]model.Account, error)
	GetAccountByID(ctx context.Context, id string) (*model.Account, error)

	// DeleteAccount removes an account and cascades to its folders and
	// messages.
	DeleteAccount(ctx context.Context, id string) error

	// === Folders ===

	// EnsureFolder returns the cached folder record for (accountID,
	// name), creating an empty one if it does not exist yet.
	EnsureFolder(ctx context.Context, accountID, name string) (*model.Folder, error)
	GetFolders(ctx context.Context, accountID string) ([]model.Folder, error)

	// === Messages ===

	// GetMessages returns the folder's messages ordered by UID
	// ascending, the stable ordering the UI depends on. Messages marked
	// removed are excluded unless includeRemoved is set.
	GetMessages(ctx context.Context, folderID string, includeRemoved bool) ([]model.Message, error)

	// GetMessagesInRange returns messages with fromUID <= UID <= toUID,
	// ordered by UID ascending. toUID zero means no upper bound.
	GetMessagesInRange(ctx context.Context, folderID string, fromUID, toUID uint32) ([]model.Message, error)

	GetMessage(ctx context.Context, folderID string, uid uint32) (*model.Message, error)
	UpsertMessage(ctx context.Context, m *model.Message) error

	// SetMessageBody stores lazily fetched body content for a message.
	SetMessageBody(ctx context.Context, folderID string, uid uint32, textBody, htmlBody string, structure *model.BodyPart) error

	// ApplySync applies a completed sync pass atomically.
	ApplySync(ctx context.Context, apply SyncApply) error

	// === Pending mutations ===

	CreatePendingMutation(ctx context.Context, m model.PendingMutation) error
	GetPendingMutations(ctx context.Context, folderID string) ([]model.PendingMutation, error)
	DeletePendingMutation(ctx context.Context, id string) error

	// === Notices ===

	CreateNotice(ctx context.Context, n model.Notice) error
	GetUnreadNotices(ctx context.Context, accountID string) ([]model.Notice, error)
	MarkNoticeRead(ctx context.Context, id string) error

	Close() error
}
