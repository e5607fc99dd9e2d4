// AgentPager gateway: mediates between autonomous coding agents running in
// local multiplexer sessions and remote human approvers.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/pyyush/agent-pager-sub000/internal/adapter"
	"github.com/pyyush/agent-pager-sub000/internal/adapter/claude"
	"github.com/pyyush/agent-pager-sub000/internal/adapter/codex"
	"github.com/pyyush/agent-pager-sub000/internal/adapter/gemini"
	"github.com/pyyush/agent-pager-sub000/internal/approval"
	"github.com/pyyush/agent-pager-sub000/internal/config"
	"github.com/pyyush/agent-pager-sub000/internal/gatewaylimits"
	"github.com/pyyush/agent-pager-sub000/internal/hookingest"
	"github.com/pyyush/agent-pager-sub000/internal/lantransport"
	"github.com/pyyush/agent-pager-sub000/internal/logging"
	"github.com/pyyush/agent-pager-sub000/internal/muxdriver"
	"github.com/pyyush/agent-pager-sub000/internal/orchestrator"
	"github.com/pyyush/agent-pager-sub000/internal/persistence"
	"github.com/pyyush/agent-pager-sub000/internal/relaytransport"
	"github.com/pyyush/agent-pager-sub000/internal/sessionmgr"
)

const muxBinary = "tmux"

// parseFlags overlays CLI flags onto the environment before config.Load
// runs, so flags take the same precedence as an environment variable
// would: a flag the operator actually passed wins over config.toml.
func parseFlags(args []string) error {
	flags := pflag.NewFlagSet("agentpager", pflag.ContinueOnError)
	dataDir := flags.String("data-dir", "", "Directory holding config.toml and the SQLite database (or AGENTPAGER_DATA_DIR)")
	logLevel := flags.String("log-level", "", "Log level: debug, info, warn, error (or LOG_LEVEL)")
	hookPort := flags.Int("hook-port", 0, "Hook ingestion port (or BRIDGE_PORT)")
	wsPort := flags.Int("ws-port", 0, "LAN WebSocket port (or AGENTPAGER_WS_PORT)")
	autoApproveSafe := flags.Bool("auto-approve-safe", false, "Auto-approve safe-risk permission requests without a human (or AGENTPAGER_AUTO_APPROVE_SAFE)")

	if err := flags.Parse(args); err != nil {
		return err
	}

	if *dataDir != "" {
		os.Setenv("AGENTPAGER_DATA_DIR", *dataDir)
	}
	if *logLevel != "" {
		os.Setenv("LOG_LEVEL", *logLevel)
	}
	if *hookPort != 0 {
		os.Setenv("BRIDGE_PORT", strconv.Itoa(*hookPort))
	}
	if *wsPort != 0 {
		os.Setenv("AGENTPAGER_WS_PORT", strconv.Itoa(*wsPort))
	}
	if *autoApproveSafe {
		os.Setenv("AGENTPAGER_AUTO_APPROVE_SAFE", "true")
	}
	return nil
}

func main() {
	if err := parseFlags(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			os.Exit(0)
		}
		slog.Error("failed to parse flags", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(os.Getenv("AGENTPAGER_DATA_DIR"))
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logging.SetupWithConfig(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	slog.Info("starting agentpager gateway", "dataDir", cfg.DataDir, "hookPort", cfg.HookPort, "wsPort", cfg.WSPort)

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	registry := adapter.NewRegistry()
	registry.Register(claude.New())
	registry.Register(codex.New())
	registry.Register(gemini.New())
	registry.DetectAll()

	sessions := sessionmgr.New(store, cfg.MaxConcurrentSessions)
	mux := muxdriver.New(muxBinary)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if result, err := sessions.Recover(ctx, mux, registry); err != nil {
		slog.Error("session recovery failed", "error", err)
	} else {
		slog.Info("session recovery complete", "restored", result.Restored, "cleaned", result.Cleaned)
	}

	blocker := approval.New()
	gw := orchestrator.New(store, sessions, registry, mux, blocker, cfg)

	hookSocket := filepath.Join(cfg.DataDir, "hook.sock")
	hooks := hookingest.New(registry, gw, cfg.HookSecret, registry.Names()[0], hookSocket)
	if err := hooks.Start(ctx, "127.0.0.1", cfg.HookPort); err != nil {
		slog.Error("failed to start hook ingress", "error", err)
		os.Exit(1)
	}

	lanSocket := filepath.Join(cfg.DataDir, "lan.sock")
	lan := lantransport.New(cfg.WSBearer, cfg.MaxLANClients, gw, gw, lanSocket)
	if err := lan.Start(cfg.BindHost, cfg.WSPort); err != nil {
		slog.Error("failed to start LAN transport", "error", err)
		os.Exit(1)
	}

	var relay *relaytransport.Transport
	if cfg.RelayURL != "" {
		signingPriv := cfg.RelaySigningKey
		peerPub := cfg.RelayPeerPublicKey
		if !cfg.RelayE2E {
			signingPriv, peerPub = nil, nil
		}
		relay, err = relaytransport.New(cfg.RelayURL, cfg.RelayRoom, cfg.RelayBearer, signingPriv, peerPub, gw, func(rt *relaytransport.Transport) {
			slog.Info("relay connected", "room", cfg.RelayRoom)
			gw.SendRelayCatchUp(rt)
		})
		if err != nil {
			slog.Error("failed to construct relay transport", "error", err)
			os.Exit(1)
		}
		go relay.Run(ctx)
	}

	gw.AttachTransports(lan, relay)
	go lan.RunHeartbeat(ctx, cfg.HeartbeatInterval, func() int { return len(sessions.ListActive()) })

	<-ctx.Done()
	slog.Info("shutdown signal received, draining")

	for _, h := range sessions.ListActive() {
		blocker.CancelSession(h.ID)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gatewaylimits.MuxCommandTimeout*2)
	defer cancel()
	hooks.Shutdown(shutdownCtx)
	lan.Shutdown(shutdownCtx)

	slog.Info("agentpager gateway stopped")
}
