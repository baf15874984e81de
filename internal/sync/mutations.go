package sync

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailsyncd/internal/mailbox"
	"github.com/nhle/mailsyncd/internal/model"
)

// AddFlags records a local flag addition for the message. The change is
// applied to the cache immediately and replayed to the server on the
// next sync pass; the server state observed afterwards is final.
func (e *Engine) AddFlags(ctx context.Context, folderID string, uid uint32, flags []string) error {
	if err := e.recordMutation(ctx, model.PendingMutation{
		FolderID: folderID,
		UID:      uid,
		Kind:     model.MutationFlagAdd,
		Flags:    flags,
	}); err != nil {
		return err
	}
	return e.applyLocalFlags(ctx, folderID, uid, flags, nil)
}

// RemoveFlags records a local flag removal for the message.
func (e *Engine) RemoveFlags(ctx context.Context, folderID string, uid uint32, flags []string) error {
	if err := e.recordMutation(ctx, model.PendingMutation{
		FolderID: folderID,
		UID:      uid,
		Kind:     model.MutationFlagRemove,
		Flags:    flags,
	}); err != nil {
		return err
	}
	return e.applyLocalFlags(ctx, folderID, uid, nil, flags)
}

// MoveMessage records a local move of the message to another folder.
// The cache keeps the record until the server confirms the move.
func (e *Engine) MoveMessage(ctx context.Context, folderID string, uid uint32, targetFolder string) error {
	if targetFolder == "" {
		return &mailbox.ValidationError{Message: "move requires a target folder"}
	}
	return e.recordMutation(ctx, model.PendingMutation{
		FolderID:     folderID,
		UID:          uid,
		Kind:         model.MutationMove,
		TargetFolder: targetFolder,
	})
}

// DeleteMessage records a local deletion of the message.
func (e *Engine) DeleteMessage(ctx context.Context, folderID string, uid uint32) error {
	return e.recordMutation(ctx, model.PendingMutation{
		FolderID: folderID,
		UID:      uid,
		Kind:     model.MutationDelete,
	})
}

func (e *Engine) recordMutation(ctx context.Context, mut model.PendingMutation) error {
	mut.ID = uuid.NewString()
	mut.CreatedAt = time.Now().UTC()
	return e.store.CreatePendingMutation(ctx, mut)
}

// applyLocalFlags updates the cached flag set so the change is visible
// before the server confirms it.
func (e *Engine) applyLocalFlags(ctx context.Context, folderID string, uid uint32, add, remove []string) error {
	msg, err := e.store.GetMessage(ctx, folderID, uid)
	if err != nil {
		return err
	}

	set := make(map[string]bool, len(msg.Flags))
	for _, f := range msg.Flags {
		set[f] = true
	}
	for _, f := range add {
		set[f] = true
	}
	for _, f := range remove {
		delete(set, f)
	}

	flags := make([]string, 0, len(set))
	for f := range set {
		flags = append(flags, f)
	}
	msg.Flags = flags

	return e.store.UpsertMessage(ctx, msg)
}
