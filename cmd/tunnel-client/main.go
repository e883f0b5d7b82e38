package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/portunnel/portunnel/internal/config"
	"github.com/portunnel/portunnel/internal/identity"
	"github.com/portunnel/portunnel/internal/keystore"
	"github.com/portunnel/portunnel/internal/relayclient"
)

var (
	flagConfig     string
	flagShowConfig bool
)

var rootCmd = &cobra.Command{
	Use:   "tunnel-client",
	Short: "Dials a tunnel-server and exposes local origin services through it",
	RunE:  run,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfig, "config", "tunnel-client.yaml", "path to the client configuration file")
	flags.BoolVar(&flagShowConfig, "show-config", false, "print the resolved configuration and exit")
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("tunnel-client exited")
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadClientConfig(flagConfig)
	if err != nil {
		return err
	}
	if flagShowConfig {
		resolved := *cfg
		resolved.BufSize = cfg.ResolvedBufSize()
		resolved.Heartbeat.IntervalSeconds = int(cfg.Heartbeat.Interval() / time.Second)
		resolved.Heartbeat.Liveness = cfg.Heartbeat.LivenessMax()
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resolved)
	}

	ks := keystore.NewFileStore(cfg.Identity.SelfKeyFile, "", cfg.Identity.PeersDir)
	_, priv, err := ks.LoadSelf()
	if err != nil {
		return fmt.Errorf("loading client identity: %w", err)
	}
	cred, err := identity.NewCredentialFromPrivateKey(priv)
	if err != nil {
		return err
	}

	var pinnedServerKey []byte
	if cfg.Identity.PeersDir != "" {
		pub, err := ks.PeerPublicKey("server")
		if err == nil {
			pinnedServerKey = pub
		}
	}

	serverAddr := cfg.ServerURL
	if cfg.Transport != config.TransportWebSocket {
		serverAddr = net.JoinHostPort(cfg.ServerAddr, strconv.Itoa(cfg.ServerPort))
	}

	var services []relayclient.ServiceConfig
	for _, svc := range cfg.Services {
		services = append(services, relayclient.ServiceConfig{
			PeerIdentity: net.JoinHostPort(localHostname(), strconv.Itoa(svc.BindPort)),
			OriginAddr:   net.JoinHostPort(svc.OriginAddr, strconv.Itoa(svc.OriginPort)),
			BufSize:      cfg.ResolvedBufSize(),
		})
	}

	group := relayclient.NewGroup(serverAddr, cfg.Transport, cred, pinnedServerKey, cfg.Heartbeat.Interval(), services)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		group.Run()
		close(done)
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	group.Stop()
	<-done
	return nil
}

func localHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "tunnel-client"
	}
	return h
}
