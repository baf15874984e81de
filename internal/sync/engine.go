// Package sync drives the per-account synchronization loop that keeps
// the local cache consistent with the remote server.
package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsyncd/internal/imapconn"
	"github.com/nhle/mailsyncd/internal/mailbox"
	"github.com/nhle/mailsyncd/internal/model"
	"github.com/nhle/mailsyncd/internal/reconcile"
	"github.com/nhle/mailsyncd/internal/store"
)

// flight tracks the single-flight state for one folder.
type flight struct {
	running bool
	queued  bool
}

// Engine synchronizes one account's folders against the server. Sync
// passes for the same folder are strictly serialized; a call arriving
// while a pass is in flight is coalesced into one follow-up pass.
type Engine struct {
	store   store.Store
	session mailbox.Session
	account model.Account
	log     zerolog.Logger

	mu      sync.Mutex
	flights map[string]*flight
}

// NewEngine creates a sync engine for one account.
func NewEngine(st store.Store, session mailbox.Session, account model.Account, logger zerolog.Logger) *Engine {
	return &Engine{
		store:   st,
		session: session,
		account: account,
		log:     logger.With().Str("account", account.Name).Logger(),
		flights: make(map[string]*flight),
	}
}

// SyncFolder runs one sync pass for the folder. Safe to invoke
// repeatedly; a call while the folder is already mid-sync coalesces
// into a single follow-up pass and returns immediately.
func (e *Engine) SyncFolder(ctx context.Context, folderName string) error {
	e.mu.Lock()
	f, ok := e.flights[folderName]
	if !ok {
		f = &flight{}
		e.flights[folderName] = f
	}
	if f.running {
		f.queued = true
		e.mu.Unlock()
		return nil
	}
	f.running = true
	e.mu.Unlock()

	for {
		err := e.syncPass(ctx, folderName)

		e.mu.Lock()
		again := f.queued && err == nil && ctx.Err() == nil
		f.queued = false
		if !again {
			f.running = false
		}
		e.mu.Unlock()

		if !again {
			return err
		}
	}
}

// syncPass performs one full reconciliation of the folder: open it,
// decide the action, replay pending local mutations, fetch what the
// decision requires and commit everything as one transaction. The
// watermark only advances when the whole pass commits.
func (e *Engine) syncPass(ctx context.Context, folderName string) error {
	remote, err := e.session.OpenFolder(ctx, folderName, false)
	if err != nil {
		return fmt.Errorf("opening folder %q: %w", folderName, err)
	}

	cached, err := e.store.EnsureFolder(ctx, e.account.ID, folderName)
	if err != nil {
		return err
	}

	decision := reconcile.Decide(cached, remote)
	e.log.Debug().
		Str("folder", folderName).
		Stringer("action", decision.Action).
		Uint32("cached_uidvalidity", cached.UIDValidity).
		Uint32("remote_uidvalidity", remote.UIDValidity).
		Uint32("cached_uidnext", cached.UIDNext).
		Uint32("remote_uidnext", remote.UIDNext).
		Msg("sync pass")

	now := time.Now().UTC()
	apply := store.SyncApply{
		FolderID:       cached.ID,
		UIDValidity:    remote.UIDValidity,
		UIDNext:        remote.UIDNext,
		ReadOnly:       remote.ReadOnly,
		Flags:          remote.Flags,
		PermanentFlags: remote.PermanentFlags,
		LastSyncAt:     now,
	}

	pending, err := e.store.GetPendingMutations(ctx, cached.ID)
	if err != nil {
		return err
	}

	// A UIDVALIDITY change invalidates the UIDs pending mutations are
	// keyed on. Discard them with a notice rather than replaying against
	// the wrong messages.
	epochChanged := cached.UIDValidity != 0 && cached.UIDValidity != remote.UIDValidity
	if epochChanged {
		for _, mut := range pending {
			apply.ClearMutationIDs = append(apply.ClearMutationIDs, mut.ID)
			apply.Notices = append(apply.Notices, e.notice(cached.ID, mut.UID,
				fmt.Sprintf("pending %s discarded: folder %q was reset by the server", mut.Kind, folderName)))
		}
		pending = nil
	}

	serverUIDs, err := e.session.SearchAll(ctx)
	if err != nil {
		return fmt.Errorf("searching folder %q: %w", folderName, err)
	}
	onServer := make(map[uint32]bool, len(serverUIDs))
	for _, uid := range serverUIDs {
		onServer[uid] = true
	}

	membershipChanged, err := e.replayPending(ctx, folderName, cached.ID, pending, onServer, &apply)
	if err != nil {
		return err
	}
	if membershipChanged {
		serverUIDs, err = e.session.SearchAll(ctx)
		if err != nil {
			return fmt.Errorf("searching folder %q: %w", folderName, err)
		}
		onServer = make(map[uint32]bool, len(serverUIDs))
		for _, uid := range serverUIDs {
			onServer[uid] = true
		}
	}

	cachedMsgs, err := e.store.GetMessages(ctx, cached.ID, false)
	if err != nil {
		return err
	}
	cachedByUID := make(map[uint32]model.Message, len(cachedMsgs))
	for _, m := range cachedMsgs {
		cachedByUID[m.UID] = m
	}

	var unseen uint32
	countUnseen := func(flags []string) {
		for _, f := range flags {
			if f == model.FlagSeen {
				return
			}
		}
		unseen++
	}

	upsert := func(delta mailbox.MessageDelta) error {
		countUnseen(delta.Flags)
		apply.Upserts = append(apply.Upserts, messageFromDelta(cached.ID, delta, now))
		return nil
	}
	reconcileFlags := func(delta mailbox.MessageDelta) error {
		countUnseen(delta.Flags)
		prior, ok := cachedByUID[delta.UID]
		if !ok {
			// Flag data for a message the cache never saw; treat it as a
			// minimal upsert so the record is not silently skipped.
			apply.Upserts = append(apply.Upserts, messageFromDelta(cached.ID, delta, now))
			return nil
		}
		if !flagsEqual(prior.Flags, delta.Flags) {
			apply.FlagUpdates = append(apply.FlagUpdates, store.FlagUpdate{UID: delta.UID, Flags: delta.Flags})
		}
		return nil
	}

	full := mailbox.FetchOptions{Envelope: true, Structure: true}
	flagsOnly := mailbox.FetchOptions{}

	switch decision.Action {
	case reconcile.FullResync:
		apply.ClearFirst = true
		if err := e.session.Fetch(ctx, serverUIDs, full, upsert); err != nil {
			return fmt.Errorf("fetching folder %q: %w", folderName, err)
		}

	case reconcile.IncrementalSync:
		var fresh, known []uint32
		for _, uid := range serverUIDs {
			if uid >= decision.FromUID {
				fresh = append(fresh, uid)
			} else {
				known = append(known, uid)
			}
		}
		if err := e.session.Fetch(ctx, fresh, full, upsert); err != nil {
			return fmt.Errorf("fetching folder %q: %w", folderName, err)
		}
		if err := e.session.Fetch(ctx, known, flagsOnly, reconcileFlags); err != nil {
			return fmt.Errorf("reconciling flags in %q: %w", folderName, err)
		}

	case reconcile.NoOp:
		// UIDNEXT unchanged still gets a flag reconciliation pass.
		if err := e.session.Fetch(ctx, serverUIDs, flagsOnly, reconcileFlags); err != nil {
			return fmt.Errorf("reconciling flags in %q: %w", folderName, err)
		}
	}

	// Cached UIDs the search did not report were expunged or moved away.
	// UID gaps alone never imply removal; only the explicit search does.
	if !apply.ClearFirst {
		for uid := range cachedByUID {
			if !onServer[uid] {
				apply.RemovedUIDs = append(apply.RemovedUIDs, uid)
			}
		}
		sort.Slice(apply.RemovedUIDs, func(i, j int) bool {
			return apply.RemovedUIDs[i] < apply.RemovedUIDs[j]
		})
	}

	apply.TotalCount = uint32(len(serverUIDs))
	apply.UnseenCount = unseen

	if err := e.store.ApplySync(ctx, apply); err != nil {
		return err
	}

	e.log.Info().
		Str("folder", folderName).
		Stringer("action", decision.Action).
		Int("upserts", len(apply.Upserts)).
		Int("flag_updates", len(apply.FlagUpdates)).
		Int("removed", len(apply.RemovedUIDs)).
		Msg("sync pass committed")

	return nil
}

// replayPending pushes not-yet-confirmed local mutations to the server.
// Mutations whose target is gone from the server are discarded with a
// notice; server state is authoritative once observed. Returns whether
// any replayed mutation changed folder membership, in which case the
// UID snapshot must be re-taken.
func (e *Engine) replayPending(ctx context.Context, folderName, folderID string, pending []model.PendingMutation, onServer map[uint32]bool, apply *store.SyncApply) (bool, error) {
	membershipChanged := false

	for _, mut := range pending {
		if !onServer[mut.UID] {
			apply.ClearMutationIDs = append(apply.ClearMutationIDs, mut.ID)
			apply.Notices = append(apply.Notices, e.notice(folderID, mut.UID,
				fmt.Sprintf("pending %s discarded: message %d is no longer in %q", mut.Kind, mut.UID, folderName)))
			continue
		}

		err := e.replayMutation(ctx, mut)
		if err != nil {
			if mailbox.IsRetryable(err) {
				// Transient; keep the mutation for the next pass.
				e.log.Warn().Err(err).
					Str("folder", folderName).
					Uint32("uid", mut.UID).
					Str("kind", string(mut.Kind)).
					Msg("replaying pending mutation failed, will retry")
				continue
			}
			return false, fmt.Errorf("replaying %s for UID %d: %w", mut.Kind, mut.UID, err)
		}

		apply.ClearMutationIDs = append(apply.ClearMutationIDs, mut.ID)
		if mut.Kind == model.MutationMove || mut.Kind == model.MutationDelete {
			membershipChanged = true
		}
	}

	return membershipChanged, nil
}

func (e *Engine) replayMutation(ctx context.Context, mut model.PendingMutation) error {
	switch mut.Kind {
	case model.MutationFlagAdd:
		return e.session.StoreFlags(ctx, []uint32{mut.UID}, mailbox.FlagsAdd, mut.Flags)
	case model.MutationFlagRemove:
		return e.session.StoreFlags(ctx, []uint32{mut.UID}, mailbox.FlagsRemove, mut.Flags)
	case model.MutationMove:
		return e.session.Move(ctx, []uint32{mut.UID}, mut.TargetFolder)
	case model.MutationDelete:
		if err := e.session.StoreFlags(ctx, []uint32{mut.UID}, mailbox.FlagsAdd, []string{model.FlagDeleted}); err != nil {
			return err
		}
		return e.session.Expunge(ctx)
	default:
		return &mailbox.ValidationError{Message: fmt.Sprintf("unknown mutation kind %q", mut.Kind)}
	}
}

func (e *Engine) notice(folderID string, uid uint32, text string) model.Notice {
	return model.Notice{
		ID:        uuid.NewString(),
		AccountID: e.account.ID,
		FolderID:  folderID,
		UID:       uid,
		Message:   text,
		CreatedAt: time.Now().UTC(),
	}
}

// FetchBody returns the message with its body content cached,
// downloading and parsing it on first access.
func (e *Engine) FetchBody(ctx context.Context, folderName string, uid uint32) (*model.Message, error) {
	folder, err := e.store.EnsureFolder(ctx, e.account.ID, folderName)
	if err != nil {
		return nil, err
	}

	msg, err := e.store.GetMessage(ctx, folder.ID, uid)
	if err != nil {
		return nil, err
	}
	if msg.TextBody != "" || msg.HTMLBody != "" {
		return msg, nil
	}

	if _, err := e.session.OpenFolder(ctx, folderName, true); err != nil {
		return nil, fmt.Errorf("opening folder %q: %w", folderName, err)
	}

	raw, err := e.session.FetchBody(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("fetching body for UID %d: %w", uid, err)
	}

	textBody, htmlBody, structure := imapconn.ParseBody(raw)
	if err := e.store.SetMessageBody(ctx, folder.ID, uid, textBody, htmlBody, structure); err != nil {
		return nil, err
	}

	msg.TextBody = textBody
	msg.HTMLBody = htmlBody
	msg.Structure = structure
	return msg, nil
}

// messageFromDelta converts a fetched delta into a cache record.
func messageFromDelta(folderID string, delta mailbox.MessageDelta, fetchedAt time.Time) model.Message {
	return model.Message{
		FolderID:     folderID,
		UID:          delta.UID,
		SeqNum:       delta.SeqNum,
		Flags:        delta.Flags,
		Envelope:     delta.Envelope,
		Structure:    delta.Structure,
		Size:         delta.Size,
		InternalDate: delta.InternalDate,
		FetchedAt:    fetchedAt,
	}
}

// flagsEqual compares two flag sets ignoring order.
func flagsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, f := range a {
		set[f] = true
	}
	for _, f := range b {
		if !set[f] {
			return false
		}
	}
	return true
}
