package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"seedkeeper/go-keystore/internal/adapters/rpc"
	"seedkeeper/go-keystore/internal/keystore"
	"seedkeeper/go-keystore/internal/securestore"
	"seedkeeper/go-keystore/internal/session"
	"seedkeeper/go-keystore/pkg/models"
)

type cliTestEnv struct {
	url            string
	passphraseFile string
	baseDir        string
	keys           *keystore.KeyStore
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()
	base := t.TempDir()
	t.Setenv("HOME", base)

	kdf := securestore.KDFParams{Time: 1, MemoryKB: 64, Threads: 1}
	store, err := securestore.OpenStore(filepath.Join(base, "store.sealed"), securestore.WithKDFParams(kdf))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	keys := keystore.New(keystore.WithExportKDFParams(kdf))
	manager, err := session.NewManager(store, keys, session.WithLogger(logger))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	srv, err := rpc.NewServer(manager, keys, rpc.WithLogger(logger))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
		manager.Close()
		_ = store.Close()
	})

	passFile := filepath.Join(base, "config.toml")
	if err := os.WriteFile(passFile, []byte("passphrase = \"correct-horse\"\n"), 0o600); err != nil {
		t.Fatalf("write passphrase file: %v", err)
	}
	return &cliTestEnv{
		url:            "tcp://" + ln.Addr().String(),
		passphraseFile: passFile,
		baseDir:        base,
		keys:           keys,
	}
}

func (e *cliTestEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--url", e.url, "--passphrase-file", e.passphraseFile}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDemoCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	out, err := env.run(t, "demo", "--tag", "unique-test-seed")
	if err != nil {
		t.Fatalf("demo: %v\n%s", err, out)
	}
	for _, want := range []string{"connected to keystore", `seed "unique-test-seed" created`, "signature verified"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}

	out, err = env.run(t, "demo", "--tag", "unique-test-seed")
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected duplicate tag error, got %v\n%s", err, out)
	}
}

func TestSeedCommandsRoundTrip(t *testing.T) {
	env := setupCLITestEnv(t)
	out, err := env.run(t, "--json", "new-seed", "agent-1", "--path", "m/4/2")
	if err != nil {
		t.Fatalf("new-seed: %v\n%s", err, out)
	}
	var entry models.SeedEntry
	if err := json.Unmarshal([]byte(out), &entry); err != nil {
		t.Fatalf("decode entry: %v\n%s", err, out)
	}
	if !reflect.DeepEqual(entry.DerivationPath, []uint32{4, 2}) {
		t.Fatalf("unexpected path %v", entry.DerivationPath)
	}
	pub := encode(entry.PublicKey)

	sigOut, err := env.run(t, "sign", pub, "hello", "--hint", "m/4/2")
	if err != nil {
		t.Fatalf("sign: %v\n%s", err, sigOut)
	}
	sig := strings.TrimSpace(sigOut)

	if out, err := env.run(t, "verify", pub, sig, "hello"); err != nil || !strings.Contains(out, "valid") {
		t.Fatalf("verify: %v\n%s", err, out)
	}
	if _, err := env.run(t, "verify", pub, sig, "hellx"); err == nil {
		t.Fatal("expected verify of altered message to fail")
	}

	out, err = env.run(t, "list")
	if err != nil || !strings.Contains(out, "agent-1") || !strings.Contains(out, "m/4/2") {
		t.Fatalf("list: %v\n%s", err, out)
	}
	out, err = env.run(t, "get", "agent-1")
	if err != nil || !strings.Contains(out, entry.KeyID) {
		t.Fatalf("get: %v\n%s", err, out)
	}
	out, err = env.run(t, "status")
	if err != nil || !strings.Contains(out, "unlocked") {
		t.Fatalf("status: %v\n%s", err, out)
	}
}

func TestExportCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	out, err := env.run(t, "--json", "new-seed", "backup", "--path", "m", "--exportable")
	if err != nil {
		t.Fatalf("new-seed: %v\n%s", err, out)
	}
	var entry models.SeedEntry
	if err := json.Unmarshal([]byte(out), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	exportPass := filepath.Join(env.baseDir, "export.toml")
	if err := os.WriteFile(exportPass, []byte("passphrase = \"export-pass\"\n"), 0o600); err != nil {
		t.Fatalf("write export passphrase: %v", err)
	}
	dest := filepath.Join(env.baseDir, "backup.sealed")
	if out, err := env.run(t, "export", encode(entry.PublicKey), "--export-passphrase-file", exportPass, "--out", dest); err != nil {
		t.Fatalf("export: %v\n%s", err, out)
	}
	info, err := os.Stat(dest)
	if err != nil || info.Size() == 0 {
		t.Fatalf("expected sealed export file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected export mode 0600, got %04o", info.Mode().Perm())
	}
}

func TestLockCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	if out, err := env.run(t, "lock"); err != nil || !strings.Contains(out, "locked") {
		t.Fatalf("lock: %v\n%s", err, out)
	}
	if env.keys.Unlocked() {
		t.Fatal("expected keystore to be wiped after lock")
	}
}

func TestCommandsRejectBadInput(t *testing.T) {
	env := setupCLITestEnv(t)
	if _, err := env.run(t, "sign", "not-base64!", "msg"); err == nil {
		t.Fatal("expected base64 error")
	}
	for _, bad := range []string{"a/b", "4/2", "root"} {
		if _, err := env.run(t, "new-seed", "x", "--path", bad); err == nil {
			t.Fatalf("expected path parse error for %q", bad)
		}
	}
}
