// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command bridgelink links users' WhatsApp, Telegram, Discord and Slack
// accounts by driving the login conversation with each platform's Matrix
// bridge bot, and exposes the connect flow over an admin HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	flag "maunium.net/go/mauflag"

	"github.com/aiku/bridgelink/pkg/api"
	"github.com/aiku/bridgelink/pkg/config"
	"github.com/aiku/bridgelink/pkg/events"
	"github.com/aiku/bridgelink/pkg/linker"
	"github.com/aiku/bridgelink/pkg/store"
	"github.com/aiku/bridgelink/pkg/transport"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
var generateExample = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
var dontSaveConfig = flag.MakeFull("n", "no-update", "Don't save updated config to disk.", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

func main() {
	flag.SetHelpTitles(
		"bridgelink - Link external messaging accounts through Matrix bridge bots.",
		"bridgelink [-hen] [-c <path>]",
	)
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	}

	if *generateExample {
		if err := config.WriteExample(*configPath); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		_, _ = fmt.Fprintln(os.Stderr, "Wrote example config to", *configPath)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath, !*dontSaveConfig)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(10)
	}
	log, err := cfg.Logger()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(11)
	}
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Starting bridgelink")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = run(ctx, cfg, *log); err != nil {
		log.Error().Err(err).Msg("Bridgelink stopped with an error")
		os.Exit(2)
	}
	log.Info().Msg("Bridgelink stopped")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	st, closeStore, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer closeStore()

	matrix, err := transport.NewMatrix(cfg.Homeserver.Address, cfg.Homeserver.UserID, cfg.Homeserver.AccessToken, log)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	hub := events.NewHub()
	publishers := events.Multi{hub}
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close Redis client")
			}
		}()
		if err = rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Redis.Address, err)
		}
		redisPub := events.NewRedis(rdb, cfg.Redis.ChannelPrefix, log)
		publishers = append(publishers, redisPub)
		g.Go(func() error { return redisPub.Run(ctx) })
	}

	orch := linker.New(cfg.Registry(), matrix, st, publishers, log)
	server := api.New(orch, st, hub, log)

	g.Go(func() error {
		return matrix.Run(ctx)
	})
	g.Go(func() error {
		return server.Run(ctx, cfg.API.ListenAddr)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down, cancelling live sessions")
		orch.Close()
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, log zerolog.Logger) (store.Store, func(), error) {
	if cfg.Type == config.DatabaseMemory {
		log.Warn().Msg("Using in-memory store, linked accounts will not survive a restart")
		return store.NewMemory(), func() {}, nil
	}
	db, err := store.OpenSQL(ctx, cfg.Type, cfg.URI, log)
	if err != nil {
		return nil, nil, err
	}
	return db, func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}, nil
}
