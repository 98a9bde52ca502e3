package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// RootOptions holds flags shared by every command.
type RootOptions struct {
	ConfigPath string
}

func main() {
	rootOpts := &RootOptions{}

	rootCmd := &cobra.Command{
		Use:   "eqagent",
		Short: "Store-and-forward webhook relay agent",
		Long: `eqagent runs on your private network, receives encrypted webhook
payloads pushed by the EventQueue service, decrypts them locally and
redelivers the plaintext to the private endpoints you configure. No
inbound port needs to be opened.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&rootOpts.ConfigPath, "config", "configs/config.yaml", "path to config file")

	rootCmd.AddCommand(NewServeCommand(rootOpts))
	rootCmd.AddCommand(NewKeygenCommand(rootOpts))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
