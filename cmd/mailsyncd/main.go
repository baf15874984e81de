// Command mailsyncd keeps configured mail accounts synchronized with a
// local cache. Each account runs its own connection and sync loop;
// shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsyncd/internal/credential"
	"github.com/nhle/mailsyncd/internal/imapconn"
	"github.com/nhle/mailsyncd/internal/mailbox"
	"github.com/nhle/mailsyncd/internal/model"
	"github.com/nhle/mailsyncd/internal/store"
	"github.com/nhle/mailsyncd/internal/sync"
)

func main() {
	configPath := flag.String("config", model.DefaultConfigPath(), "path to the configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("loading configuration")
	}
	if len(cfg.Accounts) == 0 {
		log.Fatal().Str("config", *configPath).Msg("no accounts configured")
	}

	// Assign IDs to accounts configured without one, and persist them so
	// cache and keyring entries stay stable across restarts.
	changed := false
	for i := range cfg.Accounts {
		if cfg.Accounts[i].ID == "" {
			cfg.Accounts[i].ID = uuid.NewString()
			changed = true
		}
	}
	if changed {
		if err := model.SaveConfig(*configPath, cfg); err != nil {
			log.Fatal().Err(err).Msg("saving configuration")
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		log.Fatal().Err(err).Msg("creating cache directory")
	}
	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("opening cache")
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runners []*sync.Runner
	for _, accountCfg := range cfg.Accounts {
		runner, err := startAccount(ctx, st, cfg.Sync, accountCfg, log)
		if err != nil {
			log.Error().Err(err).Str("account", accountCfg.Name).Msg("starting account")
			continue
		}
		runners = append(runners, runner)
	}
	if len(runners) == 0 {
		log.Fatal().Msg("no account could be started")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Stringer("signal", sig).Msg("shutting down")

	cancel()
	for _, runner := range runners {
		runner.Stop()
	}
}

// startAccount wires one account's token source, session, engine and
// runner, and starts its sync loop.
func startAccount(ctx context.Context, st store.Store, settings model.SyncSettings, cfg model.AccountConfig, log zerolog.Logger) (*sync.Runner, error) {
	account := cfg.Account()
	if err := st.UpsertAccount(ctx, account); err != nil {
		return nil, err
	}

	var tokens mailbox.TokenSource
	if account.Auth == model.AuthOAuthBearer {
		tokens = credential.NewKeyringTokenSource(account.ID, nil)
	} else {
		tokens = credential.NewPasswordSource(account.ID)
	}

	var (
		engine *sync.Engine
		runner *sync.Runner
	)

	session := imapconn.NewManager(account, tokens, imapconn.Options{
		ConnectTimeout:       time.Duration(settings.ConnectTimeoutSec) * time.Second,
		AuthTimeout:          time.Duration(settings.AuthTimeoutSec) * time.Second,
		MaxReconnectAttempts: settings.MaxReconnectAttempts,
		Logger:               log,
		OnMailboxUpdate: func(folder string) {
			if runner != nil {
				runner.Trigger(folder)
			}
		},
		OnStateChange: func(state mailbox.SessionState, err error) {
			if err != nil {
				log.Error().Err(err).
					Str("account", account.Name).
					Stringer("state", state).
					Msg("account connection state")
			}
		},
	})

	engine = sync.NewEngine(st, session, account, log)
	runner = sync.NewRunner(engine, session, cfg, log)

	if err := runner.Start(ctx); err != nil {
		return nil, err
	}
	return runner, nil
}
