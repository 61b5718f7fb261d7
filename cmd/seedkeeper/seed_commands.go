package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"seedkeeper/go-keystore/internal/client"
	"seedkeeper/go-keystore/internal/config"
	"seedkeeper/go-keystore/internal/keystore"
	"seedkeeper/go-keystore/internal/platform/secmem"

	"github.com/spf13/cobra"
)

func newNewSeedCommand(ctx *commandContext) *cobra.Command {
	var pathFlag string
	var exportable bool
	cmd := &cobra.Command{
		Use:   "new-seed <tag>",
		Short: "Create a seed under a unique tag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path []uint32
			if cmd.Flags().Changed("path") {
				p, err := keystore.ParsePath(pathFlag)
				if err != nil {
					return err
				}
				path = p
			}
			return ctx.withClient(cmd.Context(), func(callCtx context.Context, c *client.Client) error {
				entry, err := c.NewSeed(callCtx, args[0], path, exportable)
				if err != nil {
					return err
				}
				if ctx.flags.json {
					return writeJSON(cmd, entry)
				}
				printEntry(cmd, entry)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&pathFlag, "path", "", `Derivation path such as "m/0/1", or "m" for the root key; default is the next free index`)
	cmd.Flags().BoolVar(&exportable, "exportable", false, "Allow the seed to be exported")
	return cmd
}

func newSignCommand(ctx *commandContext) *cobra.Command {
	var hintFlag string
	cmd := &cobra.Command{
		Use:   "sign <public-key> <message>",
		Short: "Sign a message with the seed behind a public key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := decodeBase64Arg("public key", args[0])
			if err != nil {
				return err
			}
			var hint []uint32
			if cmd.Flags().Changed("hint") {
				if hint, err = keystore.ParsePath(hintFlag); err != nil {
					return err
				}
			}
			return ctx.withClient(cmd.Context(), func(callCtx context.Context, c *client.Client) error {
				sig, err := c.SignByPubKey(callCtx, pub, hint, []byte(args[1]))
				if err != nil {
					return err
				}
				if ctx.flags.json {
					return writeJSON(cmd, map[string]string{"signature": encode(sig)})
				}
				fmt.Fprintln(cmd.OutOrStdout(), encode(sig))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&hintFlag, "hint", "", `Expected derivation path of the key, such as "m/0"`)
	return cmd
}

func newVerifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <public-key> <signature> <message>",
		Short: "Verify a detached signature",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := decodeBase64Arg("public key", args[0])
			if err != nil {
				return err
			}
			sig, err := decodeBase64Arg("signature", args[1])
			if err != nil {
				return err
			}
			return ctx.withClient(cmd.Context(), func(callCtx context.Context, c *client.Client) error {
				ok, err := c.VerifyDetached(callCtx, pub, sig, []byte(args[2]))
				if err != nil {
					return err
				}
				if ctx.flags.json {
					return writeJSON(cmd, map[string]bool{"valid": ok})
				}
				if !ok {
					return errors.New("signature is not valid")
				}
				fmt.Fprintln(cmd.OutOrStdout(), "signature is valid")
				return nil
			})
		},
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List seeds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd.Context(), func(callCtx context.Context, c *client.Client) error {
				seeds, err := c.ListSeeds(callCtx)
				if err != nil {
					return err
				}
				if ctx.flags.json {
					return writeJSON(cmd, seeds)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "TAG\tPATH\tKEY ID\tEXPORTABLE")
				for _, s := range seeds {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", s.Tag, keystore.FormatPath(s.DerivationPath), s.KeyID, s.Exportable)
				}
				return tw.Flush()
			})
		},
	}
}

func newGetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "get <tag>",
		Short: "Show the seed entry for a tag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd.Context(), func(callCtx context.Context, c *client.Client) error {
				entry, err := c.GetEntry(callCtx, args[0])
				if err != nil {
					return err
				}
				if ctx.flags.json {
					return writeJSON(cmd, entry)
				}
				printEntry(cmd, entry)
				return nil
			})
		},
	}
}

func newExportCommand(ctx *commandContext) *cobra.Command {
	var exportPassFile string
	var outPath string
	cmd := &cobra.Command{
		Use:   "export <public-key>",
		Short: "Export an exportable seed sealed under a separate passphrase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := decodeBase64Arg("public key", args[0])
			if err != nil {
				return err
			}
			if exportPassFile == "" || outPath == "" {
				return errors.New("--export-passphrase-file and --out are required")
			}
			exportPass, err := config.LoadPassphrase(exportPassFile)
			if err != nil {
				return err
			}
			defer secmem.Wipe(exportPass)
			return ctx.withClient(cmd.Context(), func(callCtx context.Context, c *client.Client) error {
				sealed, err := c.ExportSeed(callCtx, pub, exportPass)
				if err != nil {
					return err
				}
				if err := os.WriteFile(outPath, sealed, 0o600); err != nil {
					return fmt.Errorf("write export: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sealed seed written to %s\n", outPath)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&exportPassFile, "export-passphrase-file", "", "TOML file holding the export passphrase")
	cmd.Flags().StringVar(&outPath, "out", "", "Destination file for the sealed seed")
	return cmd
}

func newLockCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Lock the daemon session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd.Context(), func(callCtx context.Context, c *client.Client) error {
				if err := c.Lock(callCtx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "locked")
				return nil
			})
		},
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon session state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd.Context(), func(callCtx context.Context, c *client.Client) error {
				st, err := c.Status(callCtx)
				if err != nil {
					return err
				}
				if ctx.flags.json {
					return writeJSON(cmd, st)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "state:    %s\n", st.State)
				fmt.Fprintf(out, "seeds:    %d\n", st.SeedCount)
				fmt.Fprintf(out, "version:  %s\n", st.Version)
				if st.UnlockedAt != nil {
					fmt.Fprintf(out, "unlocked: %s\n", st.UnlockedAt.Format("2006-01-02T15:04:05Z"))
				}
				return nil
			})
		},
	}
}
