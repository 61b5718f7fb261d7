package daemon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"seedkeeper/go-keystore/internal/client"
	"seedkeeper/go-keystore/internal/config"
	"seedkeeper/go-keystore/internal/securestore"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

var fastKDF = securestore.KDFParams{Time: 1, MemoryKB: 64, Threads: 1}

func testConfig(t *testing.T) config.Daemon {
	t.Helper()
	cfg := config.DefaultDaemon()
	cfg.StorePath = filepath.Join(t.TempDir(), "store.sealed")
	cfg.Listen = "/ip4/127.0.0.1/tcp/0"
	return cfg
}

func startDaemon(t *testing.T, cfg config.Daemon) (*Daemon, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d, err := Build(cfg, logger, WithKDFParams(fastKDF), WithVersion("test"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	deadline := time.Now().Add(5 * time.Second)
	for d.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("daemon did not start listening")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return d, "tcp://" + d.Addr().String()
}

func TestDaemonServesClientEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	d, url := startDaemon(t, cfg)
	ctx := context.Background()

	c, err := client.Connect(ctx, url, []byte("correct-horse"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	entry, err := c.NewSeed(ctx, "agent-1", nil, false)
	if err != nil {
		t.Fatalf("new seed: %v", err)
	}
	sig, err := c.SignByPubKey(ctx, entry.PublicKey, nil, []byte("hello"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if ok, err := c.VerifyDetached(ctx, entry.PublicKey, sig, []byte("hello")); err != nil || !ok {
		t.Fatalf("verify: ok=%v err=%v", ok, err)
	}
	if ok, _ := c.VerifyDetached(ctx, entry.PublicKey, sig, []byte("hellx")); ok {
		t.Fatal("altered message must not verify")
	}
	st, err := c.Status(ctx)
	if err != nil || st.Version != "test" {
		t.Fatalf("status: %+v err=%v", st, err)
	}

	if got := testutil.ToFloat64(d.metrics.SessionUnlocked); got != 1 {
		t.Fatalf("expected unlocked gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(d.metrics.Seeds); got != 1 {
		t.Fatalf("expected seeds gauge 1, got %v", got)
	}
	if _, err := os.Stat(cfg.StorePath); err != nil {
		t.Fatalf("expected sealed store on disk: %v", err)
	}

	if err := c.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if got := testutil.ToFloat64(d.metrics.SessionUnlocked); got != 0 {
		t.Fatalf("expected unlocked gauge 0 after lock, got %v", got)
	}
	if got := testutil.ToFloat64(d.metrics.Seeds); got != 1 {
		t.Fatalf("seeds gauge must keep the stored count while locked, got %v", got)
	}
	seeds, err := c.ListSeeds(ctx)
	if err != nil || len(seeds) != 1 {
		t.Fatalf("list while locked: %+v err=%v", seeds, err)
	}
}

func TestDaemonHoldsStoreLock(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg)

	_, err := Build(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), WithKDFParams(fastKDF))
	if !errors.Is(err, securestore.ErrStoreBusy) {
		t.Fatalf("expected ErrStoreBusy for a second daemon on the same store, got %v", err)
	}
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Listen = "http://localhost:1"
	if _, err := Build(cfg, nil); err == nil {
		t.Fatal("expected invalid listen address to fail")
	}
}
