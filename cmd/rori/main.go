package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"
	"golang.org/x/sync/errgroup"

	"github.com/rakunlabs/at/internal/cluster"
	"github.com/rakunlabs/at/internal/command"
	"github.com/rakunlabs/at/internal/config"
	"github.com/rakunlabs/at/internal/crypto"
	"github.com/rakunlabs/at/internal/directory"
	"github.com/rakunlabs/at/internal/identity"
	"github.com/rakunlabs/at/internal/module"
	"github.com/rakunlabs/at/internal/runner"
	"github.com/rakunlabs/at/internal/scheduler"
	"github.com/rakunlabs/at/internal/server"
	"github.com/rakunlabs/at/internal/store"
	"github.com/rakunlabs/at/internal/store/postgres"
	"github.com/rakunlabs/at/internal/store/sqlite3"
	"github.com/rakunlabs/at/internal/supervisor"
	"github.com/rakunlabs/at/internal/transport"
	"github.com/rakunlabs/at/internal/transport/discord"
	"github.com/rakunlabs/at/internal/transport/ring"
	"github.com/rakunlabs/at/internal/transport/telegram"
)

var (
	name    = "rori"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	st, err := newStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	bridges := cfg.Bridges
	if cfg.Store.EncryptionKey != "" {
		key, err := crypto.DeriveKey(cfg.Store.EncryptionKey)
		if err != nil {
			return fmt.Errorf("derive store encryption key: %w", err)
		}
		if bridges, err = crypto.DecryptBridges(bridges, key); err != nil {
			return fmt.Errorf("decrypt bridge tokens: %w", err)
		}
	}

	transports, err := newTransports(ctx, cfg.Ring, bridges)
	if err != nil {
		return fmt.Errorf("connect transports: %w", err)
	}
	defer func() {
		for _, t := range transports {
			_ = t.Close()
		}
	}()

	id := identity.New(st)
	router := transport.Router{Transports: transports}
	cmd := command.New(id, st, router)

	source := runner.FileSource{Dir: cfg.Modules.Dir}
	gojaRunner := runner.NewGojaRunner(source)
	gojaRunner.Timeout = cfg.Modules.Timeout

	activator := module.New(st, gojaRunner, cfg.Modules.BandWorkers)

	var systemAccount directory.SystemAccount
	if ap, ok := transports[0].(transport.AccountProvider); ok {
		systemAccount = ap
	}
	dir := directory.New(st, st, st, systemAccount)

	sup := supervisor.New(st, id, cmd, activator, transports...)

	srv, err := server.New(cfg.Server, dir, st, st)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	clust, err := cluster.New(cfg.Server.Alan)
	if err != nil {
		return fmt.Errorf("build cluster: %w", err)
	}

	var leader scheduler.LeaderElector = scheduler.AlwaysLeader{}
	if clust != nil {
		leader = clust
	}

	sched := scheduler.New(st, st, st, sup, scheduler.WithLeaderElector(leader))

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return sup.Run(ctx)
	})
	group.Go(func() error {
		return srv.Start(ctx)
	})
	group.Go(func() error {
		sched.Run(ctx)
		return nil
	})
	if clust != nil {
		group.Go(func() error {
			return clust.Start(ctx)
		})
	}

	return group.Wait()
}

// newStore opens the configured backend. cfg.Store.Postgres takes precedence
// when both are set, and an error is returned only when neither is; this
// switch is the one place a backend is chosen so neither backend package
// needs to import the other.
func newStore(ctx context.Context, cfg *config.Config) (store.Storer, error) {
	switch {
	case cfg.Store.Postgres != nil:
		return postgres.New(ctx, cfg.Store.Postgres)
	case cfg.Store.SQLite != nil:
		return sqlite3.New(ctx, cfg.Store.SQLite)
	default:
		return nil, errors.New("no store backend configured (set store.postgres or store.sqlite)")
	}
}

// newTransports builds the primary ring transport plus any configured
// bridges. Ring is always first so Supervisor.Bootstrap treats it as the
// system account to reconcile at startup.
func newTransports(ctx context.Context, ringCfg config.Ring, bridges config.Bridges) ([]transport.Transport, error) {
	primary, err := ring.New(ring.Config{
		BaseURL:      ringCfg.BaseURL,
		AccountID:    ringCfg.AccountID,
		PollInterval: ringCfg.PollInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("connect ring transport: %w", err)
	}

	transports := []transport.Transport{primary}

	if bridges.Discord != nil && bridges.Discord.Token != "" {
		d, err := discord.New(discord.Config{Token: bridges.Discord.Token})
		if err != nil {
			return nil, fmt.Errorf("connect discord bridge: %w", err)
		}
		transports = append(transports, d)
		slog.Info("discord bridge enabled")
	}

	if bridges.Telegram != nil && bridges.Telegram.Token != "" {
		tg, err := telegram.New(telegram.Config{Token: bridges.Telegram.Token})
		if err != nil {
			return nil, fmt.Errorf("connect telegram bridge: %w", err)
		}
		transports = append(transports, tg)
		slog.Info("telegram bridge enabled")
	}

	return transports, nil
}
