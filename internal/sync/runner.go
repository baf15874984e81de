package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsyncd/internal/mailbox"
	"github.com/nhle/mailsyncd/internal/model"
)

// FolderSyncState represents the current state of a folder sync.
type FolderSyncState int

const (
	SyncIdle FolderSyncState = iota
	SyncRunning
	SyncError
)

// String returns the state name for logging.
func (s FolderSyncState) String() string {
	switch s {
	case SyncIdle:
		return "idle"
	case SyncRunning:
		return "running"
	case SyncError:
		return "error"
	default:
		return "unknown"
	}
}

// FolderStatus holds the sync status for a single folder. User-visible
// failure is framed at this granularity, never as a raw protocol error.
type FolderStatus struct {
	Folder   string
	State    FolderSyncState
	LastSync time.Time
	Error    error
}

// syncTimeout bounds a single folder sync pass.
const syncTimeout = 5 * time.Minute

// idleStarter is implemented by sessions that support server push.
type idleStarter interface {
	StartIdle()
	StopIdle()
}

// Runner orchestrates background synchronization for one account: it
// polls the configured folders on an interval, reacts to server push
// wakeups and exposes per-folder status. Multiple accounts run
// independent Runners with no shared state besides the cache.
type Runner struct {
	engine  *Engine
	session mailbox.Session
	cfg     model.AccountConfig
	log     zerolog.Logger

	statuses  map[string]*FolderStatus
	triggerCh chan string
	stopCh    chan struct{}

	mu      gosync.Mutex
	running bool
}

// NewRunner creates a runner for one account.
func NewRunner(engine *Engine, session mailbox.Session, cfg model.AccountConfig, logger zerolog.Logger) *Runner {
	r := &Runner{
		engine:    engine,
		session:   session,
		cfg:       cfg,
		log:       logger.With().Str("account", cfg.Name).Logger(),
		statuses:  make(map[string]*FolderStatus),
		triggerCh: make(chan string, 16),
		stopCh:    make(chan struct{}),
	}
	for _, folder := range cfg.Folders {
		r.statuses[folder] = &FolderStatus{Folder: folder, State: SyncIdle}
	}
	return r
}

// Start connects the session and launches the polling loop. Server push
// is enabled when the session supports it.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.mu.Unlock()

	if err := r.session.Connect(ctx); err != nil {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		return err
	}

	go r.pollLoop()

	if idler, ok := r.session.(idleStarter); ok {
		idler.StartIdle()
	}

	return nil
}

// Stop halts the polling loop and closes the session.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	close(r.stopCh)
	r.running = false
	r.mu.Unlock()

	if idler, ok := r.session.(idleStarter); ok {
		idler.StopIdle()
	}
	if err := r.session.Close(); err != nil {
		r.log.Warn().Err(err).Msg("closing session")
	}
}

// Trigger schedules an immediate sync of one folder, e.g. from a server
// push wakeup. Non-blocking; a full trigger channel drops the request
// since a poll is already imminent.
func (r *Runner) Trigger(folder string) {
	select {
	case r.triggerCh <- folder:
	default:
	}
}

// Statuses returns the current sync status of all configured folders.
func (r *Runner) Statuses() []FolderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	statuses := make([]FolderStatus, 0, len(r.statuses))
	for _, s := range r.statuses {
		statuses = append(statuses, *s)
	}
	return statuses
}

// pollLoop syncs every configured folder on the poll interval and on
// demand via Trigger.
func (r *Runner) pollLoop() {
	interval := time.Duration(r.cfg.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = 120 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial sync immediately on start.
	r.syncAll()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.syncAll()
		case folder := <-r.triggerCh:
			r.syncOne(folder)
		}
	}
}

func (r *Runner) syncAll() {
	for _, folder := range r.cfg.Folders {
		select {
		case <-r.stopCh:
			return
		default:
		}
		r.syncOne(folder)
	}
}

// syncOne runs one folder sync pass and records its outcome.
func (r *Runner) syncOne(folder string) {
	r.setStatus(folder, SyncRunning, nil)

	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()

	err := r.engine.SyncFolder(ctx, folder)
	if err != nil {
		r.setStatus(folder, SyncError, err)

		if mailbox.IsAuthError(err) {
			r.log.Error().Err(err).Str("folder", folder).
				Msg("authentication failed; account needs reconfiguration")
			return
		}
		r.log.Warn().Err(err).Str("folder", folder).Msg("folder sync failed")
		return
	}

	r.setStatus(folder, SyncIdle, nil)
}

func (r *Runner) setStatus(folder string, state FolderSyncState, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	status, ok := r.statuses[folder]
	if !ok {
		status = &FolderStatus{Folder: folder}
		r.statuses[folder] = status
	}

	status.State = state
	status.Error = err
	if state == SyncIdle && err == nil {
		status.LastSync = time.Now()
	}
}
