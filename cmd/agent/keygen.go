package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"eqagent/internal/platform/config"
	"eqagent/internal/platform/keys"
)

func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the agent's RSA key pair",
		Long: `Generate the long-lived RSA key pair and write it to the storage
directory. The printed public key is what you register with the
EventQueue service during onboarding.

Regenerating an existing pair permanently invalidates every item
already accepted under the old public key, so it requires --force.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if err := os.MkdirAll(cfg.Storage.Path, 0700); err != nil {
				return fmt.Errorf("create storage directory: %w", err)
			}

			km, err := keys.Generate(cfg.Storage.PrivateKeyPath(), cfg.Storage.PublicKeyPath(), force)
			if errors.Is(err, keys.ErrKeyExists) {
				return fmt.Errorf("%s already exists; pass --force to replace it (this invalidates all previously accepted items)", cfg.Storage.PrivateKeyPath())
			}
			if err != nil {
				return err
			}

			publicPEM, err := km.PublicKeyPEM()
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Key pair written to %s\n\n%s", cfg.Storage.Path, publicPEM)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "replace an existing key pair")

	return cmd
}
