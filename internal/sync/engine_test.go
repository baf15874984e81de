package sync_test

import (
	"context"
	"fmt"
	"sort"
	gosync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsyncd/internal/mailbox"
	"github.com/nhle/mailsyncd/internal/model"
	"github.com/nhle/mailsyncd/internal/store"
	"github.com/nhle/mailsyncd/internal/sync"
	"github.com/nhle/mailsyncd/tests/testutil"
)

// fakeSession is an in-memory mailbox.Session for engine tests. Message
// state is a UID to flag-set map; applyStores controls whether replayed
// flag changes take effect server-side.
type fakeSession struct {
	mu gosync.Mutex

	folder mailbox.FolderState
	msgs   map[uint32][]string
	raw    map[uint32][]byte

	applyStores bool
	fetchDelay  time.Duration

	envelopeFetches [][]uint32
	flagFetches     [][]uint32
	active          int
	maxActive       int
}

func newFakeSession(uidValidity, uidNext uint32, uids ...uint32) *fakeSession {
	f := &fakeSession{
		folder: mailbox.FolderState{
			Name:        "INBOX",
			UIDValidity: uidValidity,
			UIDNext:     uidNext,
		},
		msgs:        make(map[uint32][]string),
		raw:         make(map[uint32][]byte),
		applyStores: true,
	}
	for _, uid := range uids {
		f.msgs[uid] = []string{}
	}
	return f
}

func (f *fakeSession) Connect(context.Context) error    { return nil }
func (f *fakeSession) Close() error                     { return nil }
func (f *fakeSession) State() mailbox.SessionState      { return mailbox.StateAuthenticated }
func (f *fakeSession) Expunge(context.Context) error    { return nil }
func (f *fakeSession) ListFolders(context.Context) ([]mailbox.FolderInfo, error) {
	return []mailbox.FolderInfo{{Name: "INBOX", Delimiter: "/"}}, nil
}

func (f *fakeSession) OpenFolder(_ context.Context, name string, _ bool) (*mailbox.FolderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := f.folder
	state.Name = name
	state.NumMessages = uint32(len(f.msgs))
	return &state, nil
}

func (f *fakeSession) SearchAll(context.Context) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uids := make([]uint32, 0, len(f.msgs))
	for uid := range f.msgs {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func (f *fakeSession) Fetch(_ context.Context, uids []uint32, opts mailbox.FetchOptions, fn func(mailbox.MessageDelta) error) error {
	f.mu.Lock()
	if opts.Envelope {
		f.envelopeFetches = append(f.envelopeFetches, append([]uint32(nil), uids...))
	} else {
		f.flagFetches = append(f.flagFetches, append([]uint32(nil), uids...))
	}
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	delay := f.fetchDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	for _, uid := range uids {
		f.mu.Lock()
		flags, ok := f.msgs[uid]
		f.mu.Unlock()
		if !ok {
			continue
		}

		delta := mailbox.MessageDelta{
			UID:   uid,
			Flags: append([]string(nil), flags...),
			Size:  64,
		}
		if opts.Envelope {
			delta.Envelope = model.Envelope{
				Subject: fmt.Sprintf("message %d", uid),
				From:    []string{"sender@example.com"},
			}
		}
		if err := fn(delta); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSession) FetchBody(_ context.Context, uid uint32) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.raw[uid]
	if !ok {
		return nil, &mailbox.ProtocolError{Op: "fetch_body", Message: "no such message"}
	}
	return raw, nil
}

func (f *fakeSession) StoreFlags(_ context.Context, uids []uint32, op mailbox.FlagOp, flags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.applyStores {
		return nil
	}
	for _, uid := range uids {
		current, ok := f.msgs[uid]
		if !ok {
			continue
		}
		set := make(map[string]bool)
		for _, fl := range current {
			set[fl] = true
		}
		switch op {
		case mailbox.FlagsAdd:
			for _, fl := range flags {
				set[fl] = true
			}
		case mailbox.FlagsRemove:
			for _, fl := range flags {
				delete(set, fl)
			}
		case mailbox.FlagsSet:
			set = make(map[string]bool)
			for _, fl := range flags {
				set[fl] = true
			}
		}
		next := make([]string, 0, len(set))
		for fl := range set {
			next = append(next, fl)
		}
		sort.Strings(next)
		f.msgs[uid] = next
	}
	return nil
}

func (f *fakeSession) Move(_ context.Context, uids []uint32, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, uid := range uids {
		delete(f.msgs, uid)
	}
	return nil
}

func (f *fakeSession) Append(_ context.Context, _ string, _ []byte, _ []string) (uint32, error) {
	return 0, nil
}

// addMessage registers a new message and advances UIDNEXT.
func (f *fakeSession) addMessage(uid uint32, flags ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if flags == nil {
		flags = []string{}
	}
	f.msgs[uid] = flags
	if uid >= f.folder.UIDNext {
		f.folder.UIDNext = uid + 1
	}
}

func newTestEngine(t *testing.T, session mailbox.Session) (*sync.Engine, *testEnv) {
	t.Helper()
	ctx := context.Background()

	st := testutil.NewTestStore(t)
	account := model.Account{
		ID:       "acct-1",
		Name:     "Work",
		Host:     "imap.example.com",
		Port:     993,
		Username: "user@example.com",
		Auth:     model.AuthPassword,
	}
	require.NoError(t, st.UpsertAccount(ctx, account))

	engine := sync.NewEngine(st, session, account, zerolog.Nop())
	return engine, &testEnv{t: t, st: st, account: account}
}

type testEnv struct {
	t       *testing.T
	st      *store.SQLiteStore
	account model.Account
}

func (e *testEnv) folderID(name string) string {
	e.t.Helper()
	folder, err := e.st.EnsureFolder(context.Background(), e.account.ID, name)
	require.NoError(e.t, err)
	return folder.ID
}

func (e *testEnv) messages(folderID string) []model.Message {
	e.t.Helper()
	msgs, err := e.st.GetMessages(context.Background(), folderID, false)
	require.NoError(e.t, err)
	return msgs
}

func TestSyncFolderFullResyncOnFirstSync(t *testing.T) {
	session := newFakeSession(5, 4, 1, 2, 3)
	engine, env := newTestEngine(t, session)
	ctx := context.Background()

	require.NoError(t, engine.SyncFolder(ctx, "INBOX"))

	folderID := env.folderID("INBOX")
	msgs := env.messages(folderID)
	require.Len(t, msgs, 3)
	require.Equal(t, "message 1", msgs[0].Envelope.Subject)

	folder, err := env.st.EnsureFolder(ctx, env.account.ID, "INBOX")
	require.NoError(t, err)
	require.Equal(t, uint32(5), folder.UIDValidity)
	require.Equal(t, uint32(4), folder.UIDNext)
}

func TestSyncFolderIncrementalFetchesOnlyNewUIDs(t *testing.T) {
	uids := []uint32{1, 2, 3, 4, 5, 6, 7, 8}
	session := newFakeSession(5, 10, uids...)
	engine, env := newTestEngine(t, session)
	ctx := context.Background()

	require.NoError(t, engine.SyncFolder(ctx, "INBOX"))
	folderID := env.folderID("INBOX")
	require.Len(t, env.messages(folderID), 8)

	// Two new messages arrive; UIDNEXT moves from 10 to 12.
	session.addMessage(10)
	session.addMessage(11)
	session.mu.Lock()
	session.envelopeFetches = nil
	session.mu.Unlock()

	require.NoError(t, engine.SyncFolder(ctx, "INBOX"))

	session.mu.Lock()
	fetches := session.envelopeFetches
	session.mu.Unlock()
	require.Len(t, fetches, 1)
	require.Equal(t, []uint32{10, 11}, fetches[0])

	msgs := env.messages(folderID)
	require.Len(t, msgs, 10)
	require.Equal(t, uint32(10), msgs[8].UID)
	require.Equal(t, uint32(11), msgs[9].UID)
}

func TestSyncFolderIsIdempotent(t *testing.T) {
	session := newFakeSession(5, 6, 1, 3, 5)
	engine, env := newTestEngine(t, session)
	ctx := context.Background()

	require.NoError(t, engine.SyncFolder(ctx, "INBOX"))
	folderID := env.folderID("INBOX")
	before := env.messages(folderID)

	require.NoError(t, engine.SyncFolder(ctx, "INBOX"))
	after := env.messages(folderID)

	require.Equal(t, before, after)

	// The second pass is flag-only; nothing warranted a refetch.
	session.mu.Lock()
	defer session.mu.Unlock()
	require.Len(t, session.envelopeFetches, 1)
	require.Len(t, session.flagFetches, 1)
}

func TestSyncFolderUIDValidityChangeRefetchesEverything(t *testing.T) {
	session := newFakeSession(5, 4, 1, 2, 3)
	engine, env := newTestEngine(t, session)
	ctx := context.Background()

	require.NoError(t, engine.SyncFolder(ctx, "INBOX"))
	folderID := env.folderID("INBOX")
	require.Len(t, env.messages(folderID), 3)

	// The server rebuilds the mailbox under a new epoch: same messages,
	// entirely new UIDs.
	session.mu.Lock()
	session.folder.UIDValidity = 6
	session.folder.UIDNext = 3
	session.msgs = map[uint32][]string{1: {}, 2: {}}
	session.mu.Unlock()

	require.NoError(t, engine.SyncFolder(ctx, "INBOX"))

	msgs := env.messages(folderID)
	require.Len(t, msgs, 2)

	folder, err := env.st.EnsureFolder(ctx, env.account.ID, "INBOX")
	require.NoError(t, err)
	require.Equal(t, uint32(6), folder.UIDValidity)
}

func TestSyncFolderServerWinsOnFlagConflict(t *testing.T) {
	session := newFakeSession(5, 2, 1)
	engine, env := newTestEngine(t, session)
	ctx := context.Background()

	require.NoError(t, engine.SyncFolder(ctx, "INBOX"))
	folderID := env.folderID("INBOX")

	// User marks the message read, but the server never applies the
	// store; the next sync observes Seen unset.
	session.applyStores = false
	require.NoError(t, engine.AddFlags(ctx, folderID, 1, []string{model.FlagSeen}))

	cached, err := env.st.GetMessage(ctx, folderID, 1)
	require.NoError(t, err)
	require.True(t, cached.HasFlag(model.FlagSeen))

	require.NoError(t, engine.SyncFolder(ctx, "INBOX"))

	cached, err = env.st.GetMessage(ctx, folderID, 1)
	require.NoError(t, err)
	require.False(t, cached.HasFlag(model.FlagSeen))

	mutations, err := env.st.GetPendingMutations(ctx, folderID)
	require.NoError(t, err)
	require.Empty(t, mutations)
}

func TestSyncFolderMarksRemovedMessages(t *testing.T) {
	session := newFakeSession(5, 4, 1, 2, 3)
	engine, env := newTestEngine(t, session)
	ctx := context.Background()

	require.NoError(t, engine.SyncFolder(ctx, "INBOX"))
	folderID := env.folderID("INBOX")

	// UID 2 is expunged server-side; UIDNEXT does not move.
	session.mu.Lock()
	delete(session.msgs, 2)
	session.mu.Unlock()

	require.NoError(t, engine.SyncFolder(ctx, "INBOX"))

	visible := env.messages(folderID)
	require.Len(t, visible, 2)

	all, err := env.st.GetMessages(ctx, folderID, true)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for _, m := range all {
		require.Equal(t, m.UID == 2, m.Removed)
	}
}

func TestSyncFolderReplaysPendingMove(t *testing.T) {
	session := newFakeSession(5, 3, 1, 2)
	engine, env := newTestEngine(t, session)
	ctx := context.Background()

	require.NoError(t, engine.SyncFolder(ctx, "INBOX"))
	folderID := env.folderID("INBOX")

	require.NoError(t, engine.MoveMessage(ctx, folderID, 2, "Archive"))
	require.NoError(t, engine.SyncFolder(ctx, "INBOX"))

	// The move was replayed, confirmed by the re-search, and the source
	// record marked removed.
	visible := env.messages(folderID)
	require.Len(t, visible, 1)
	require.Equal(t, uint32(1), visible[0].UID)

	mutations, err := env.st.GetPendingMutations(ctx, folderID)
	require.NoError(t, err)
	require.Empty(t, mutations)
}

func TestSyncFolderDiscardsMutationForMissingMessage(t *testing.T) {
	session := newFakeSession(5, 3, 1, 2)
	engine, env := newTestEngine(t, session)
	ctx := context.Background()

	require.NoError(t, engine.SyncFolder(ctx, "INBOX"))
	folderID := env.folderID("INBOX")

	require.NoError(t, engine.MoveMessage(ctx, folderID, 2, "Archive"))

	// The message disappears server-side before the move replays.
	session.mu.Lock()
	delete(session.msgs, 2)
	session.mu.Unlock()

	require.NoError(t, engine.SyncFolder(ctx, "INBOX"))

	mutations, err := env.st.GetPendingMutations(ctx, folderID)
	require.NoError(t, err)
	require.Empty(t, mutations)

	notices, err := env.st.GetUnreadNotices(ctx, env.account.ID)
	require.NoError(t, err)
	require.Len(t, notices, 1)
	require.Equal(t, uint32(2), notices[0].UID)
}

func TestConcurrentSyncFolderCallsAreSerialized(t *testing.T) {
	session := newFakeSession(5, 6, 1, 2, 3, 4, 5)
	session.fetchDelay = 50 * time.Millisecond
	engine, _ := newTestEngine(t, session)
	ctx := context.Background()

	errCh := make(chan error, 2)
	var wg gosync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- engine.SyncFolder(ctx, "INBOX")
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	// Let any coalesced follow-up pass drain.
	time.Sleep(200 * time.Millisecond)

	session.mu.Lock()
	defer session.mu.Unlock()
	require.Equal(t, 1, session.maxActive)
}

func TestFetchBodyCachesParsedContent(t *testing.T) {
	session := newFakeSession(5, 2, 1)
	session.raw[1] = []byte(
		"From: sender@example.com\r\n" +
			"To: user@example.com\r\n" +
			"Subject: hello\r\n" +
			"Content-Type: text/plain; charset=utf-8\r\n" +
			"\r\n" +
			"Hello there\r\n")
	engine, env := newTestEngine(t, session)
	ctx := context.Background()

	require.NoError(t, engine.SyncFolder(ctx, "INBOX"))
	_ = env.folderID("INBOX")

	msg, err := engine.FetchBody(ctx, "INBOX", 1)
	require.NoError(t, err)
	require.Contains(t, msg.TextBody, "Hello there")

	// Second call serves from the cache; drop the raw source to prove it.
	session.mu.Lock()
	delete(session.raw, 1)
	session.mu.Unlock()

	again, err := engine.FetchBody(ctx, "INBOX", 1)
	require.NoError(t, err)
	require.Equal(t, msg.TextBody, again.TextBody)
}
