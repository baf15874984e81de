package imapconn

import (
	"time"

	"github.com/nhle/mailsyncd/internal/mailbox"
)

// StartIdle begins IDLE monitoring on the selected folder. Server
// pushes arrive through the unilateral data handler and surface via
// OnMailboxUpdate. No-op if IDLE is already running.
func (m *Manager) StartIdle() {
	m.idleMu.Lock()
	defer m.idleMu.Unlock()

	if m.idleStop != nil {
		return
	}
	m.idleStop = make(chan struct{})
	go m.idleLoop(m.idleStop)
}

// StopIdle stops IDLE monitoring.
func (m *Manager) StopIdle() {
	m.idleMu.Lock()
	defer m.idleMu.Unlock()

	if m.idleStop == nil {
		return
	}
	close(m.idleStop)
	m.idleStop = nil
}

// idleLoop holds an IDLE command open, cycling it periodically so
// servers that cap IDLE duration do not silently drop the session.
func (m *Manager) idleLoop(stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		client, err := m.session()
		if err != nil {
			// Not connected yet or reconnecting. Wait and retry.
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Second):
				continue
			}
		}

		if m.State() != mailbox.StateFolderSelected {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Second):
				continue
			}
		}

		idleCmd, err := client.Idle()
		if err != nil {
			m.log.Warn().Err(err).Msg("starting IDLE failed")
			m.opFailed("idle", err)
			select {
			case <-stop:
				return
			case <-time.After(m.opts.Backoff.Delay(0)):
				continue
			}
		}

		restart := time.NewTimer(m.opts.IdleRestartInterval)
		select {
		case <-stop:
			restart.Stop()
			idleCmd.Close()
			idleCmd.Wait()
			return
		case <-restart.C:
			if err := idleCmd.Close(); err != nil {
				m.log.Warn().Err(err).Msg("closing IDLE failed")
			}
			if err := idleCmd.Wait(); err != nil {
				m.opFailed("idle", err)
			}
		}
	}
}
