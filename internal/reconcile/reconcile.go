// Package reconcile decides how a cached folder catches up with the
// server-reported state of its mailbox.
package reconcile

import (
	"github.com/nhle/mailsyncd/internal/mailbox"
	"github.com/nhle/mailsyncd/internal/model"
)

// Action is the kind of sync pass a folder needs.
type Action int

const (
	// NoOp means UIDVALIDITY and UIDNEXT are unchanged; only a flag
	// reconciliation pass is needed.
	NoOp Action = iota

	// IncrementalSync means new messages exist; fetch from FromUID up.
	IncrementalSync

	// FullResync means every cached UID for the folder is invalid: drop
	// them all and refetch from UID 1.
	FullResync
)

// String returns the action name for logging.
func (a Action) String() string {
	switch a {
	case NoOp:
		return "noop"
	case IncrementalSync:
		return "incremental"
	case FullResync:
		return "full_resync"
	default:
		return "unknown"
	}
}

// Decision is the reconciler's verdict for one folder.
type Decision struct {
	Action Action

	// FromUID is the lower fetch bound for IncrementalSync.
	FromUID uint32
}

// Decide compares the cached folder watermark against the server state.
// A missing or changed UIDVALIDITY forces a full resync. Otherwise a
// higher server UIDNEXT yields an incremental fetch from the cached
// watermark, and an equal one yields a flag-only pass. A server UIDNEXT
// lower than the cached watermark should not happen while UIDVALIDITY
// is stable; it is treated as a full resync since the cached UIDs can
// no longer be trusted.
func Decide(cached *model.Folder, remote *mailbox.FolderState) Decision {
	if cached == nil || cached.UIDValidity == 0 || cached.UIDValidity != remote.UIDValidity {
		return Decision{Action: FullResync}
	}

	switch {
	case remote.UIDNext > cached.UIDNext:
		from := cached.UIDNext
		if from == 0 {
			from = 1
		}
		return Decision{Action: IncrementalSync, FromUID: from}
	case remote.UIDNext < cached.UIDNext:
		return Decision{Action: FullResync}
	default:
		return Decision{Action: NoOp}
	}
}
