// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sage-x-project/relay-engine/bus"
	"github.com/sage-x-project/relay-engine/config"
	"github.com/sage-x-project/relay-engine/cryptokit"
	"github.com/sage-x-project/relay-engine/engine"
	"github.com/sage-x-project/relay-engine/engine/senddriver"
	"github.com/sage-x-project/relay-engine/engine/syncbridge"
	"github.com/sage-x-project/relay-engine/frame"
	"github.com/sage-x-project/relay-engine/identity"
	"github.com/sage-x-project/relay-engine/internal/logger"
	"github.com/sage-x-project/relay-engine/internal/metrics"
	"github.com/sage-x-project/relay-engine/store"
	"github.com/sage-x-project/relay-engine/store/memstore"
	"github.com/sage-x-project/relay-engine/store/pgstore"
)

var configDir string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the handshake engine for one agent",
	Long: `Run loads configuration, unseals the agent's identity, connects the
Message Bus Client, and drives the State Machine Core with the Send Driver's
tick loop until interrupted.`,
	Example: `  IDENTITY_PASSPHRASE=secret agentctl run --config-dir ./config`,
	RunE:    runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&configDir, "config-dir", "config", "Directory holding <environment>.yaml / default.yaml")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.LoaderOptions{ConfigDir: configDir})
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	configureLogging(cfg.Logging)

	log := logger.GetDefaultLogger().WithFields(logger.String("component", "agentctl"))

	passphrase := os.Getenv(cfg.Identity.PassphraseEnv)
	if passphrase == "" {
		return fmt.Errorf("%s is empty; set the identity sealing passphrase before running", cfg.Identity.PassphraseEnv)
	}

	idStore, err := identity.NewStore(cfg.Identity.Directory)
	if err != nil {
		return fmt.Errorf("failed to open identity store: %w", err)
	}
	id, err := idStore.LoadOrCreate(cfg.Identity.AgentName, passphrase)
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}
	log.Info("identity loaded", logger.String("agent_id", id.AgentID))

	states, nonces, closeStore, err := buildStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	sessions := cryptokit.NewSessionKeyCache(cfg.Engine.HandshakeTTL*10, cfg.Engine.HandshakeTTL)
	defer sessions.Close()

	eng := engine.New(id, states, nonces, sessions, engine.Config{
		ExchangeLimit:  cfg.Engine.ExchangeLimit,
		InitFinalLimit: cfg.Engine.InitFinalLimit,
		RespFinalLimit: cfg.Engine.RespFinalLimit,
		HandshakeTTL:   cfg.Engine.HandshakeTTL,
	})
	_ = syncbridge.New(eng) // exposed for external dispatch integrations; not driven by this binary alone

	busClient := bus.NewClient(cfg.Bus.URL, id.AgentID, bus.Options{
		DialTimeout:       cfg.Bus.DialTimeout,
		ReadTimeout:       cfg.Bus.ReadTimeout,
		WriteTimeout:      cfg.Bus.WriteTimeout,
		ReconnectInterval: cfg.Bus.ReconnectInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := busClient.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()

	driver := senddriver.New(eng, busClient, cfg.Engine.TickInterval, nil)

	if cfg.Metrics.Enabled {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			log.Info("starting metrics server", logger.String("addr", addr))
			if err := metrics.StartServer(addr); err != nil {
				log.Error("metrics server exited", logger.Error(err))
			}
		}()
	}

	go driver.Run(ctx)
	go receiveLoop(ctx, eng, driver, busClient, log)

	log.Info("agent running", logger.String("agent_id", id.AgentID), logger.String("bus_url", cfg.Bus.URL))
	waitForSignal()
	log.Info("shutting down")
	return nil
}

// receiveLoop hands every inbound frame to the engine and, on success,
// lets the send driver react to whatever transition just committed.
func receiveLoop(ctx context.Context, eng *engine.Engine, driver *senddriver.Driver, client *bus.Client, log logger.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-client.Inbound():
			if !ok {
				return
			}
			handleInbound(ctx, eng, driver, f, log)
		}
	}
}

func handleInbound(ctx context.Context, eng *engine.Engine, driver *senddriver.Driver, f *frame.Frame, log logger.Logger) {
	if err := eng.HandleFrame(ctx, f); err != nil {
		log.Warn("failed to handle inbound frame", logger.String("peer", f.From), logger.Error(err))
		return
	}
	if f.From == "" {
		return
	}
	if err := driver.Drive(ctx, f.From); err != nil {
		log.Warn("send driver failed to react to transition", logger.String("peer", f.From), logger.Error(err))
	}
}

func buildStore(cfg config.StoreConfig) (store.RoleStateStore, store.NonceLog, func(), error) {
	switch cfg.Driver {
	case "postgres":
		ctx := context.Background()
		pool, err := pgstore.Connect(ctx, pgstore.Config{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Database: cfg.Postgres.Database,
			SSLMode:  cfg.Postgres.SSLMode,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return pgstore.NewRoleStateStore(pool), pgstore.NewNonceLog(pool), pool.Close, nil
	default:
		return memstore.NewRoleStateStore(), memstore.NewNonceLog(), func() {}, nil
	}
}

func configureLogging(cfg config.LoggingConfig) {
	level := logger.InfoLevel
	switch strings.ToUpper(cfg.Level) {
	case "DEBUG":
		level = logger.DebugLevel
	case "WARN":
		level = logger.WarnLevel
	case "ERROR":
		level = logger.ErrorLevel
	}
	l := logger.NewLogger(os.Stdout, level)
	l.SetPrettyPrint(cfg.Format != "json")
	logger.SetDefaultLogger(l)
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
