// Package imapconn owns the single IMAP session for one account and is
// the only component that talks to the remote server.
package imapconn

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsyncd/internal/mailbox"
	"github.com/nhle/mailsyncd/internal/model"
)

// Options configures a Manager.
type Options struct {
	// ConnectTimeout bounds the dial phase. Default 10s.
	ConnectTimeout time.Duration

	// AuthTimeout bounds the authentication phase. Default 5s.
	AuthTimeout time.Duration

	// Backoff is the reconnect delay schedule.
	Backoff BackoffConfig

	// MaxReconnectAttempts bounds the reconnect loop before the session
	// gives up and reports ErrConnectionLost. Default 10.
	MaxReconnectAttempts int

	// IdleRestartInterval is how often the IDLE command is cycled so
	// servers do not drop it. Default 4 minutes.
	IdleRestartInterval time.Duration

	// OnMailboxUpdate is invoked when the server pushes new activity
	// for the selected folder. Used to schedule a sync pass.
	OnMailboxUpdate func(folder string)

	// OnStateChange reports account-level connection status changes;
	// err is non-nil for fatal transitions.
	OnStateChange func(state mailbox.SessionState, err error)

	Logger zerolog.Logger
}

// Manager implements mailbox.Session over go-imap. It maintains exactly
// one live connection per account; which folder is selected is explicit
// per-instance state, never shared between accounts.
type Manager struct {
	account model.Account
	tokens  mailbox.TokenSource
	opts    Options
	log     zerolog.Logger

	mu           sync.Mutex
	client       *imapclient.Client
	state        mailbox.SessionState
	selected     string
	selectedRO   bool
	reconnecting bool
	closed       bool

	// folderMu serializes folder-mutating operations: only one selected
	// folder's state is trusted at a time on a session.
	folderMu sync.Mutex

	idleMu   sync.Mutex
	idleStop chan struct{}
}

// NewManager creates a connection manager for one account. tokens
// supplies the password or OAuth token and its refresh flow.
func NewManager(account model.Account, tokens mailbox.TokenSource, opts Options) *Manager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 5 * time.Second
	}
	if opts.Backoff == (BackoffConfig{}) {
		opts.Backoff = DefaultBackoff()
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 10
	}
	if opts.IdleRestartInterval <= 0 {
		opts.IdleRestartInterval = 4 * time.Minute
	}

	log := opts.Logger.With().
		Str("account", account.Name).
		Str("host", account.Host).
		Logger()

	return &Manager{
		account: account,
		tokens:  tokens,
		opts:    opts,
		log:     log,
		state:   mailbox.StateDisconnected,
	}
}

// State returns the current state machine position.
func (m *Manager) State() mailbox.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(state mailbox.SessionState, err error) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()

	m.log.Debug().Stringer("state", state).Msg("session state changed")
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(state, err)
	}
}

// Connect establishes and authenticates the session. Authentication
// failures trigger one token refresh and retry; a second consecutive
// failure is fatal.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return mailbox.ErrConnectionLost
	}
	if m.state == mailbox.StateAuthenticated || m.state == mailbox.StateFolderSelected {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.setState(mailbox.StateConnecting, nil)

	client, err := m.dialWithTimeout(ctx)
	if err != nil {
		m.setState(mailbox.StateDisconnected, nil)
		return err
	}

	m.setState(mailbox.StateAuthenticating, nil)

	if err := m.authenticateWithTimeout(ctx, client); err != nil {
		if mailbox.IsAuthError(err) {
			// One refresh-and-retry, then fatal.
			if _, rerr := m.tokens.Refresh(ctx); rerr == nil {
				err = m.authenticateWithTimeout(ctx, client)
			}
		}
		if err != nil {
			client.Close()
			m.setState(mailbox.StateDisconnected, err)
			return err
		}
	}

	m.mu.Lock()
	m.client = client
	m.state = mailbox.StateAuthenticated
	m.selected = ""
	m.mu.Unlock()

	m.log.Info().Msg("connected and authenticated")
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(mailbox.StateAuthenticated, nil)
	}

	return nil
}

// dialWithTimeout connects the transport within ConnectTimeout.
func (m *Manager) dialWithTimeout(ctx context.Context) (*imapclient.Client, error) {
	addr := net.JoinHostPort(m.account.Host, strconv.Itoa(m.account.Port))

	type result struct {
		client *imapclient.Client
		err    error
	}
	ch := make(chan result, 1)

	go func() {
		var client *imapclient.Client
		var err error
		if m.account.TLS {
			conn, derr := tls.DialWithDialer(
				&net.Dialer{Timeout: m.opts.ConnectTimeout},
				"tcp", addr,
				&tls.Config{ServerName: m.account.Host},
			)
			if derr != nil {
				ch <- result{nil, derr}
				return
			}
			client = imapclient.New(conn, m.clientOptions())
		} else {
			client, err = imapclient.DialStartTLS(addr, m.clientOptions())
		}
		ch <- result{client, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, classify("connect", m.account.Name, fmt.Errorf("connecting to %s: %w", addr, r.err))
		}
		return r.client, nil
	case <-time.After(m.opts.ConnectTimeout):
		return nil, &mailbox.TimeoutError{Op: "connect", Err: context.DeadlineExceeded}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// authenticateWithTimeout runs the auth phase within AuthTimeout.
func (m *Manager) authenticateWithTimeout(ctx context.Context, client *imapclient.Client) error {
	ch := make(chan error, 1)
	go func() { ch <- m.authenticate(ctx, client) }()

	select {
	case err := <-ch:
		return err
	case <-time.After(m.opts.AuthTimeout):
		return &mailbox.TimeoutError{Op: "authenticate", Err: context.DeadlineExceeded}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) authenticate(ctx context.Context, client *imapclient.Client) error {
	secret, err := m.tokens.Token(ctx)
	if err != nil {
		return &mailbox.AuthError{Account: m.account.Name, Message: err.Error()}
	}

	if m.account.Auth == model.AuthOAuthBearer {
		saslClient := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: m.account.Username,
			Token:    secret,
			Host:     m.account.Host,
			Port:     m.account.Port,
		})
		if err := client.Authenticate(saslClient); err != nil {
			return classify("authenticate", m.account.Name, err)
		}
		return nil
	}

	if err := client.Login(m.account.Username, secret).Wait(); err != nil {
		return classify("login", m.account.Name, err)
	}
	return nil
}

// clientOptions wires the unilateral data handler so IDLE-style pushes
// schedule a sync rather than taking a separate code path.
func (m *Manager) clientOptions() *imapclient.Options {
	return &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					m.notifyUpdate()
				}
			},
			Expunge: func(seqNum uint32) {
				m.notifyUpdate()
			},
		},
	}
}

func (m *Manager) notifyUpdate() {
	m.mu.Lock()
	folder := m.selected
	m.mu.Unlock()

	if folder == "" || m.opts.OnMailboxUpdate == nil {
		return
	}
	go m.opts.OnMailboxUpdate(folder)
}

// Close logs out and tears down the connection. The session cannot be
// reused afterwards.
func (m *Manager) Close() error {
	m.StopIdle()

	m.mu.Lock()
	m.closed = true
	client := m.client
	m.client = nil
	m.state = mailbox.StateDisconnected
	m.mu.Unlock()

	if client == nil {
		return nil
	}

	// Graceful logout with a short bound; force-close on timeout.
	done := make(chan error, 1)
	go func() { done <- client.Logout().Wait() }()
	select {
	case err := <-done:
		if err != nil {
			m.log.Warn().Err(err).Msg("error during logout")
		}
	case <-time.After(2 * time.Second):
		m.log.Warn().Msg("logout timed out, closing connection")
	}

	return client.Close()
}

// session returns the live client, failing fast while not authenticated
// rather than queuing the operation.
func (m *Manager) session() (*imapclient.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != mailbox.StateAuthenticated && m.state != mailbox.StateFolderSelected {
		return nil, mailbox.ErrNotConnected
	}
	if m.client == nil {
		return nil, mailbox.ErrNotConnected
	}
	return m.client, nil
}

// opFailed classifies an operation error and kicks off the reconnect
// loop for transient transport failures.
func (m *Manager) opFailed(op string, err error) error {
	classified := classify(op, m.account.Name, err)
	if mailbox.IsRetryable(classified) {
		m.log.Warn().Err(err).Str("op", op).Msg("transport failure, scheduling reconnect")
		go m.reconnect()
	}
	return classified
}

// reconnect retries the connection with exponential backoff up to the
// configured bound, then surfaces ErrConnectionLost. Only one reconnect
// loop runs at a time.
func (m *Manager) reconnect() {
	m.mu.Lock()
	if m.reconnecting || m.closed {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	selected, selectedRO := m.selected, m.selectedRO
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
	m.mu.Unlock()

	m.setState(mailbox.StateReconnecting, nil)

	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	for attempt := 0; attempt < m.opts.MaxReconnectAttempts; attempt++ {
		time.Sleep(m.opts.Backoff.Delay(attempt))

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		err := m.Connect(context.Background())
		if err == nil {
			if selected != "" {
				if _, serr := m.OpenFolder(context.Background(), selected, selectedRO); serr != nil {
					m.log.Warn().Err(serr).Str("folder", selected).Msg("reselect after reconnect failed")
					continue
				}
			}
			m.log.Info().Int("attempts", attempt+1).Msg("reconnected")
			return
		}

		if mailbox.IsAuthError(err) {
			// Connect already did its refresh-and-retry; this is fatal.
			m.log.Error().Err(err).Msg("authentication failed during reconnect")
			m.setState(mailbox.StateDisconnected, err)
			return
		}

		m.log.Warn().Err(err).Int("attempt", attempt+1).Msg("reconnect attempt failed")
	}

	m.setState(mailbox.StateDisconnected, mailbox.ErrConnectionLost)
}

// ListFolders lists the account's mailboxes.
func (m *Manager) ListFolders(ctx context.Context) ([]mailbox.FolderInfo, error) {
	client, err := m.session()
	if err != nil {
		return nil, err
	}

	listCmd := client.List("", "*", nil)
	data, err := listCmd.Collect()
	if err != nil {
		return nil, m.opFailed("list", err)
	}

	infos := make([]mailbox.FolderInfo, 0, len(data))
	for _, d := range data {
		info := mailbox.FolderInfo{
			Name:      d.Mailbox,
			Delimiter: string(d.Delim),
		}
		for _, attr := range d.Attrs {
			info.Attrs = append(info.Attrs, string(attr))
		}
		infos = append(infos, info)
	}

	return infos, nil
}

// OpenFolder selects a mailbox and returns its server state.
func (m *Manager) OpenFolder(ctx context.Context, name string, readOnly bool) (*mailbox.FolderState, error) {
	client, err := m.session()
	if err != nil {
		return nil, err
	}

	m.folderMu.Lock()
	defer m.folderMu.Unlock()

	var opts *imap.SelectOptions
	if readOnly {
		opts = &imap.SelectOptions{ReadOnly: true}
	}

	data, err := client.Select(name, opts).Wait()
	if err != nil {
		return nil, m.opFailed("select", err)
	}
	if data.UIDValidity == 0 {
		return nil, &mailbox.ProtocolError{Op: "select", Message: "server reported zero UIDVALIDITY"}
	}

	m.mu.Lock()
	m.selected = name
	m.selectedRO = readOnly
	m.state = mailbox.StateFolderSelected
	m.mu.Unlock()

	state := &mailbox.FolderState{
		Name:        name,
		UIDValidity: data.UIDValidity,
		UIDNext:     uint32(data.UIDNext),
		NumMessages: data.NumMessages,
		ReadOnly:    readOnly,
	}
	for _, f := range data.Flags {
		state.Flags = append(state.Flags, string(f))
	}
	for _, f := range data.PermanentFlags {
		state.PermanentFlags = append(state.PermanentFlags, string(f))
	}

	return state, nil
}

// SearchAll returns every UID the server reports for the selected
// folder, ascending.
func (m *Manager) SearchAll(ctx context.Context) ([]uint32, error) {
	client, err := m.session()
	if err != nil {
		return nil, err
	}

	data, err := client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, m.opFailed("search", err)
	}

	imapUIDs := data.AllUIDs()
	uids := make([]uint32, 0, len(imapUIDs))
	for _, u := range imapUIDs {
		uids = append(uids, uint32(u))
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	return uids, nil
}

// Fetch retrieves the given UIDs and streams each result to fn.
func (m *Manager) Fetch(ctx context.Context, uids []uint32, opts mailbox.FetchOptions, fn func(mailbox.MessageDelta) error) error {
	if len(uids) == 0 {
		return nil
	}

	client, err := m.session()
	if err != nil {
		return err
	}

	uidSet := imap.UIDSet{}
	for _, u := range uids {
		uidSet.AddNum(imap.UID(u))
	}

	fetchOpts := &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		RFC822Size:   true,
		Envelope:     opts.Envelope,
	}
	if opts.Structure {
		fetchOpts.BodyStructure = &imap.FetchItemBodyStructure{}
	}

	fetchCmd := client.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			return m.opFailed("fetch", err)
		}

		if err := fn(deltaFromBuffer(buf)); err != nil {
			return err
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return m.opFailed("fetch", err)
	}

	return nil
}

// FetchBody retrieves the raw RFC 822 body for one message.
func (m *Manager) FetchBody(ctx context.Context, uid uint32) ([]byte, error) {
	client, err := m.session()
	if err != nil {
		return nil, err
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(imap.UID(uid)), fetchOpts)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, &mailbox.ProtocolError{
			Op:      "fetch_body",
			Message: fmt.Sprintf("message UID %d not found", uid),
		}
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, m.opFailed("fetch_body", err)
	}

	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return nil, &mailbox.ProtocolError{
			Op:      "fetch_body",
			Message: fmt.Sprintf("no body section returned for UID %d", uid),
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return raw, m.opFailed("fetch_body", err)
	}

	return raw, nil
}

// StoreFlags applies a flag change to the given UIDs.
func (m *Manager) StoreFlags(ctx context.Context, uids []uint32, op mailbox.FlagOp, flags []string) error {
	client, err := m.session()
	if err != nil {
		return err
	}

	m.folderMu.Lock()
	defer m.folderMu.Unlock()

	uidSet := imap.UIDSet{}
	for _, u := range uids {
		uidSet.AddNum(imap.UID(u))
	}

	imapOp := imap.StoreFlagsAdd
	switch op {
	case mailbox.FlagsRemove:
		imapOp = imap.StoreFlagsDel
	case mailbox.FlagsSet:
		imapOp = imap.StoreFlagsSet
	}

	imapFlags := make([]imap.Flag, 0, len(flags))
	for _, f := range flags {
		imapFlags = append(imapFlags, imap.Flag(f))
	}

	storeCmd := client.Store(uidSet, &imap.StoreFlags{
		Op:     imapOp,
		Silent: true,
		Flags:  imapFlags,
	}, nil)

	if err := storeCmd.Close(); err != nil {
		return m.opFailed("store", err)
	}
	return nil
}

// Move moves the given UIDs to another mailbox.
func (m *Manager) Move(ctx context.Context, uids []uint32, dest string) error {
	client, err := m.session()
	if err != nil {
		return err
	}

	m.folderMu.Lock()
	defer m.folderMu.Unlock()

	uidSet := imap.UIDSet{}
	for _, u := range uids {
		uidSet.AddNum(imap.UID(u))
	}

	if _, err := client.Move(uidSet, dest).Wait(); err != nil {
		return m.opFailed("move", err)
	}
	return nil
}

// Expunge permanently removes messages flagged Deleted from the
// selected folder.
func (m *Manager) Expunge(ctx context.Context) error {
	client, err := m.session()
	if err != nil {
		return err
	}

	m.folderMu.Lock()
	defer m.folderMu.Unlock()

	if err := client.Expunge().Close(); err != nil {
		return m.opFailed("expunge", err)
	}
	return nil
}

// Append stores a built MIME message into a mailbox and returns the
// server-assigned UID, or 0 if the server did not report one.
func (m *Manager) Append(ctx context.Context, folder string, body []byte, flags []string) (uint32, error) {
	client, err := m.session()
	if err != nil {
		return 0, err
	}

	m.folderMu.Lock()
	defer m.folderMu.Unlock()

	imapFlags := make([]imap.Flag, 0, len(flags))
	for _, f := range flags {
		imapFlags = append(imapFlags, imap.Flag(f))
	}

	appendCmd := client.Append(folder, int64(len(body)), &imap.AppendOptions{
		Flags: imapFlags,
	})
	if _, err := appendCmd.Write(body); err != nil {
		return 0, m.opFailed("append", err)
	}
	if err := appendCmd.Close(); err != nil {
		return 0, m.opFailed("append", err)
	}

	data, err := appendCmd.Wait()
	if err != nil {
		return 0, m.opFailed("append", err)
	}

	return uint32(data.UID), nil
}

// deltaFromBuffer converts a fetched message buffer to the transport-
// independent delta shape.
func deltaFromBuffer(buf *imapclient.FetchMessageBuffer) mailbox.MessageDelta {
	delta := mailbox.MessageDelta{
		UID:          uint32(buf.UID),
		SeqNum:       buf.SeqNum,
		Size:         buf.RFC822Size,
		InternalDate: buf.InternalDate,
	}

	for _, f := range buf.Flags {
		delta.Flags = append(delta.Flags, string(f))
	}

	if buf.Envelope != nil {
		env := buf.Envelope
		delta.Envelope = model.Envelope{
			MessageID: env.MessageID,
			Subject:   env.Subject,
			Date:      env.Date,
			From:      addressStrings(env.From),
			To:        addressStrings(env.To),
			Cc:        addressStrings(env.Cc),
			Bcc:       addressStrings(env.Bcc),
		}
		if len(env.InReplyTo) > 0 {
			delta.Envelope.InReplyTo = env.InReplyTo[0]
		}
	}

	if buf.BodyStructure != nil {
		delta.Structure = partFromStructure(buf.BodyStructure)
	}

	return delta
}

func addressStrings(addrs []imap.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Addr())
	}
	return out
}

// partFromStructure converts the server-reported BODYSTRUCTURE into the
// tagged part tree the cache stores.
func partFromStructure(bs imap.BodyStructure) *model.BodyPart {
	switch s := bs.(type) {
	case *imap.BodyStructureSinglePart:
		mimeType := s.Type + "/" + s.Subtype
		part := &model.BodyPart{
			MIMEType: mimeType,
			Size:     int64(s.Size),
		}
		switch {
		case s.Type == "text" && s.Subtype == "html":
			part.Kind = model.PartHTML
		case s.Type == "text":
			part.Kind = model.PartText
		default:
			part.Kind = model.PartAttachment
		}
		if s.Params != nil {
			part.Charset = s.Params["charset"]
			part.Filename = s.Params["name"]
		}
		return part
	case *imap.BodyStructureMultiPart:
		part := &model.BodyPart{
			Kind:     model.PartMultipart,
			MIMEType: "multipart/" + s.Subtype,
		}
		for _, child := range s.Children {
			part.Children = append(part.Children, partFromStructure(child))
		}
		return part
	default:
		return nil
	}
}
