package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"seedkeeper/go-keystore/internal/platform/endpoint"
	"seedkeeper/go-keystore/internal/platform/secmem"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	DefaultEndpointFile   = "keystore-config.yaml"
	DefaultPassphraseFile = "config.toml"
)

var ErrNoPassphrase = errors.New("passphrase file has no passphrase")

type endpointFile struct {
	ConnectionURL string `yaml:"connectionUrl"`
}

type passphraseFile struct {
	Passphrase string `toml:"passphrase"`
}

// LoadConnectionURL reads connectionUrl from the endpoint YAML at path. A
// missing file falls back to the default Unix socket.
func LoadConnectionURL(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "unix://" + endpoint.DefaultSocketPath(), nil
	}
	if err != nil {
		return "", fmt.Errorf("read endpoint config: %w", err)
	}
	var parsed endpointFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("parse %s: %w", path, err)
	}
	url := strings.TrimSpace(parsed.ConnectionURL)
	if url == "" {
		return "", fmt.Errorf("%s: connectionUrl is empty", path)
	}
	if _, err := endpoint.Parse(url); err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return url, nil
}

// LoadPassphrase reads the passphrase from the TOML file at path. The file
// must not be readable by group or others. The caller owns the returned
// buffer and should wipe it.
func LoadPassphrase(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("passphrase file: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("passphrase file %s has mode %04o, expected 0600", path, info.Mode().Perm())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("passphrase file: %w", err)
	}
	defer secmem.Wipe(data)
	var parsed passphraseFile
	if err := toml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if parsed.Passphrase == "" {
		return nil, ErrNoPassphrase
	}
	return []byte(parsed.Passphrase), nil
}
