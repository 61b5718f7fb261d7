package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"seedkeeper/go-keystore/internal/keystore"
	"seedkeeper/go-keystore/pkg/models"

	"github.com/spf13/cobra"
)

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func decodeBase64Arg(name, value string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("%s must be standard base64: %w", name, err)
	}
	return b, nil
}

func encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func printEntry(cmd *cobra.Command, e models.SeedEntry) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "tag:         %s\n", e.Tag)
	fmt.Fprintf(out, "key_id:      %s\n", e.KeyID)
	fmt.Fprintf(out, "public_key:  %s\n", encode(e.PublicKey))
	fmt.Fprintf(out, "path:        %s\n", keystore.FormatPath(e.DerivationPath))
	fmt.Fprintf(out, "exportable:  %t\n", e.Exportable)
	fmt.Fprintf(out, "created_at:  %s\n", e.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"))
}
