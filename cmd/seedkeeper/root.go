package main

import (
	"time"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var flags globalFlags
	ctx := newCommandContext(&flags)

	rootCmd := &cobra.Command{
		Use:           "seedkeeper",
		Short:         "Client for the seedkeeper key custody daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.url, "url", "", "Daemon endpoint; overrides the endpoint config file")
	pf.StringVar(&flags.endpointConfig, "endpoint-config", "", "Endpoint YAML with connectionUrl (default ~/.seedkeeper/keystore-config.yaml)")
	pf.StringVar(&flags.passphraseFile, "passphrase-file", "", "TOML file holding the store passphrase (default ~/.seedkeeper/config.toml)")
	pf.DurationVar(&flags.timeout, "timeout", 30*time.Second, "Per-call timeout")
	pf.BoolVar(&flags.json, "json", false, "Print results as JSON")

	rootCmd.AddCommand(newNewSeedCommand(ctx))
	rootCmd.AddCommand(newSignCommand(ctx))
	rootCmd.AddCommand(newVerifyCommand(ctx))
	rootCmd.AddCommand(newListCommand(ctx))
	rootCmd.AddCommand(newGetCommand(ctx))
	rootCmd.AddCommand(newExportCommand(ctx))
	rootCmd.AddCommand(newLockCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newDemoCommand(ctx))

	return rootCmd
}
