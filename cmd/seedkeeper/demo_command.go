package main

import (
	"context"
	"errors"
	"fmt"

	"seedkeeper/go-keystore/internal/client"

	"github.com/spf13/cobra"
)

// newDemoCommand runs the create, sign and verify round trip against a
// running daemon.
func newDemoCommand(ctx *commandContext) *cobra.Command {
	var tag string
	var message string
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Create a seed, sign a message with it and verify the signature",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return ctx.withClient(cmd.Context(), func(callCtx context.Context, c *client.Client) error {
				fmt.Fprintln(out, "connected to keystore")

				entry, err := c.NewSeed(callCtx, tag, nil, false)
				if err != nil {
					if errors.Is(err, client.ErrDuplicateTag) {
						return fmt.Errorf("seed tag %q already exists, pass --tag with a new tag: %w", tag, err)
					}
					return fmt.Errorf("create seed: %w", err)
				}
				fmt.Fprintf(out, "seed %q created, key_id %s\n", entry.Tag, entry.KeyID)

				sig, err := c.SignByPubKey(callCtx, entry.PublicKey, nil, []byte(message))
				if err != nil {
					return fmt.Errorf("sign: %w", err)
				}
				fmt.Fprintf(out, "signature: %s\n", encode(sig))

				ok, err := c.VerifyDetached(callCtx, entry.PublicKey, sig, []byte(message))
				if err != nil {
					return fmt.Errorf("verify: %w", err)
				}
				if !ok {
					return errors.New("verify: signature rejected")
				}
				fmt.Fprintln(out, "signature verified")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "demo-seed", "Tag for the new seed")
	cmd.Flags().StringVar(&message, "message", "test-data", "Message to sign")
	return cmd
}
