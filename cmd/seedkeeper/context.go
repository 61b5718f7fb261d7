package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"seedkeeper/go-keystore/internal/client"
	"seedkeeper/go-keystore/internal/config"
	"seedkeeper/go-keystore/internal/platform/secmem"
)

type globalFlags struct {
	url            string
	endpointConfig string
	passphraseFile string
	timeout        time.Duration
	json           bool
}

type commandContext struct {
	flags *globalFlags
}

func newCommandContext(flags *globalFlags) *commandContext {
	return &commandContext{flags: flags}
}

func (c *commandContext) connectionURL() (string, error) {
	if url := strings.TrimSpace(c.flags.url); url != "" {
		return url, nil
	}
	path := c.flags.endpointConfig
	if path == "" {
		path = filepath.Join(homeDir(), ".seedkeeper", config.DefaultEndpointFile)
	}
	return config.LoadConnectionURL(path)
}

func (c *commandContext) passphrasePath() string {
	if c.flags.passphraseFile != "" {
		return c.flags.passphraseFile
	}
	return filepath.Join(homeDir(), ".seedkeeper", config.DefaultPassphraseFile)
}

// withClient connects, runs fn with a per-call deadline and closes the
// client. The passphrase buffer is wiped once the client holds its copy.
func (c *commandContext) withClient(parent context.Context, fn func(context.Context, *client.Client) error) error {
	url, err := c.connectionURL()
	if err != nil {
		return err
	}
	passphrase, err := config.LoadPassphrase(c.passphrasePath())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(parent, c.flags.timeout)
	defer cancel()

	cl, err := client.Connect(ctx, url, passphrase, client.WithCallTimeout(c.flags.timeout))
	secmem.Wipe(passphrase)
	if err != nil {
		return err
	}
	defer cl.Close()
	return fn(ctx, cl)
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
