package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/portunnel/portunnel/internal/admin"
	"github.com/portunnel/portunnel/internal/audit"
	"github.com/portunnel/portunnel/internal/config"
	"github.com/portunnel/portunnel/internal/identity"
	"github.com/portunnel/portunnel/internal/keystore"
	"github.com/portunnel/portunnel/internal/relayserver"
	"github.com/portunnel/portunnel/internal/tunnel"
)

var (
	flagConfig     string
	flagShowConfig bool
)

var rootCmd = &cobra.Command{
	Use:   "tunnel-server",
	Short: "Accepts authenticated tunnel peers and relays public TCP traffic to them",
	RunE:  run,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfig, "config", "tunnel-server.yaml", "path to the server configuration file")
	flags.BoolVar(&flagShowConfig, "show-config", false, "print the resolved configuration and exit")
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("tunnel-server exited")
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadServerConfig(flagConfig)
	if err != nil {
		return err
	}
	if flagShowConfig {
		resolved := *cfg
		resolved.BufSize = cfg.ResolvedBufSize()
		resolved.Heartbeat.IntervalSeconds = int(cfg.Heartbeat.Interval() / time.Second)
		resolved.Heartbeat.Liveness = cfg.Heartbeat.LivenessMax()
		resolved.MaxSessionsPerPeer = cfg.ResolvedMaxSessionsPerPeer()
		resolved.WebSocketPath = cfg.ResolvedWebSocketPath()
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resolved)
	}

	ks := keystore.NewFileStore(cfg.Identity.SelfKeyFile, cfg.Identity.ClientKeysDir, "")
	if err := ks.Start(); err != nil {
		return fmt.Errorf("starting keystore: %w", err)
	}
	defer ks.Stop()

	_, priv, err := ks.LoadSelf()
	if err != nil {
		return fmt.Errorf("loading server identity: %w", err)
	}
	cred, err := identity.NewCredentialFromPrivateKey(priv)
	if err != nil {
		return err
	}

	var acc *tunnel.Acceptor
	if cfg.Transport == config.TransportWebSocket {
		acc = tunnel.NewWebSocketAcceptor(cred, ks.AuthorizePeer)
	} else {
		acc, err = tunnel.NewAcceptor(net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)), cred, ks.AuthorizePeer)
		if err != nil {
			return fmt.Errorf("binding tunnel port: %w", err)
		}
	}

	var auditLog *audit.Log
	if cfg.AuditDB != "" {
		auditLog, err = audit.Open(cfg.AuditDB)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer auditLog.Close()
	}

	srv := relayserver.New(acc, cfg.Heartbeat.LivenessMax(), cfg.Heartbeat.Interval(), cfg.ResolvedBufSize(), cfg.ResolvedMaxSessionsPerPeer())
	if auditLog != nil {
		srv.SetAuditSink(auditLog)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wsSrv *http.Server
	if cfg.Transport == config.TransportWebSocket {
		mux := http.NewServeMux()
		mux.HandleFunc(cfg.ResolvedWebSocketPath(), acc.ServeWebSocket)
		wsSrv = &http.Server{Addr: net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)), Handler: mux}
		go func() {
			log.Info().Str("addr", wsSrv.Addr).Str("path", cfg.ResolvedWebSocketPath()).Msg("tunnel websocket listening")
			if err := wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn().Err(err).Msg("tunnel websocket server stopped")
			}
		}()
	} else {
		go func() {
			log.Info().Str("addr", acc.Addr().String()).Msg("tunnel port listening")
			if err := acc.Serve(); err != nil {
				log.Warn().Err(err).Msg("tunnel acceptor stopped")
			}
		}()
	}
	go srv.Start()

	if cfg.AdminAddr != "" {
		adminSrv := &http.Server{Addr: cfg.AdminAddr, Handler: admin.Router(srv)}
		go func() {
			log.Info().Str("addr", cfg.AdminAddr).Msg("admin surface listening")
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn().Err(err).Msg("admin surface stopped")
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			adminSrv.Shutdown(shutdownCtx)
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	if wsSrv != nil {
		// Stop accepting new upgrades and let in-flight HTTP handlers
		// drain before tearing down the acceptor, so acc.Close doesn't
		// race a ServeWebSocket call that hasn't registered with the
		// acceptor's waitgroup yet.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		wsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	return acc.Close()
}
