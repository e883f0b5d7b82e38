// Command tunnel-keygen generates a long-term Ed25519 identity for a
// Relay-Server or Relay-Client role, and writes the public half to a
// location ready to drop into an authorized-keys or peers directory
// (spec §4.8's KeyStore is file-backed by internal/keystore.FileStore;
// this is the provisioning tool the core explicitly treats as an
// external collaborator).
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/portunnel/portunnel/internal/identity"
	"github.com/portunnel/portunnel/internal/keystore"
)

var (
	flagOut  string
	flagName string
)

var rootCmd = &cobra.Command{
	Use:   "tunnel-keygen",
	Short: "Generates a long-term Ed25519 identity keypair",
	RunE:  run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&flagOut, "out", "identity.key", "path to write the hex-encoded private key")
	flags.StringVar(&flagName, "pub-name", "", "filename for the public key (default: <out>.pub)")
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("tunnel-keygen failed")
	}
}

func run(cmd *cobra.Command, args []string) error {
	cred, err := identity.NewCredential()
	if err != nil {
		return err
	}

	if err := keystore.WritePrivateKeyFile(flagOut, cred.PrivateKey()); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}

	pubPath := flagName
	if pubPath == "" {
		pubPath = flagOut + ".pub"
	}
	if err := keystore.WritePublicKeyFile(pubPath, cred.PublicKey()); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}

	log.Info().
		Str("private_key", flagOut).
		Str("public_key", pubPath).
		Str("fingerprint", identity.Fingerprint(cred.PublicKey())).
		Msg("identity generated")
	return nil
}
