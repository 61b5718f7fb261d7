// Package privacylog keeps secrets and linkable key identifiers out of logs.
package privacylog

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const redactedValue = "[REDACTED]"

// Attribute keys containing any of these are dropped to redactedValue.
var sensitiveKeyParts = []string{
	"passphrase",
	"password",
	"secret",
	"private",
	"mnemonic",
	"master_seed",
	"entropy",
	"token",
	"authorization",
}

// Identifiers that link log lines to one key or caller. They are replaced
// by a keyed per-process fingerprint so lines still correlate within a run.
var fingerprintedKeys = map[string]bool{
	"tag":        true,
	"key_id":     true,
	"public_key": true,
	"peer":       true,
	"remote":     true,
}

var fingerprintKey = func() []byte {
	k := make([]byte, 32)
	if _, err := rand.Read(k); err != nil {
		panic(fmt.Sprintf("privacylog: read random key: %v", err))
	}
	return k
}()

// SanitizingHandler redacts secret-bearing attributes and fingerprints key
// identifiers before records reach the wrapped handler.
type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(SanitizeAttr(a))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = SanitizeAttr(a)
	}
	return &SanitizingHandler{next: h.next.WithAttrs(clean)}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

// SanitizeAttr returns a with secrets redacted and identifiers
// fingerprinted under a "_fp" suffixed key. Groups are walked recursively.
func SanitizeAttr(a slog.Attr) slog.Attr {
	a.Value = a.Value.Resolve()
	name := strings.ToLower(strings.TrimSpace(a.Key))
	switch {
	case isSensitive(name):
		return slog.String(a.Key, redactedValue)
	case fingerprintedKeys[name]:
		return slog.String(a.Key+"_fp", Fingerprint(valueBytes(a.Value)))
	case a.Value.Kind() == slog.KindGroup:
		members := a.Value.Group()
		clean := make([]slog.Attr, len(members))
		for i, m := range members {
			clean[i] = SanitizeAttr(m)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(clean...)}
	}
	if b, ok := a.Value.Any().([]byte); ok && a.Value.Kind() == slog.KindAny {
		return slog.String(a.Key, hex.EncodeToString(b))
	}
	return a
}

// Fingerprint returns "fp_" and 8 bytes of a BLAKE2b MAC of b under a key
// drawn at process start. Empty input stays empty.
func Fingerprint(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	h, err := blake2b.New(8, fingerprintKey)
	if err != nil {
		return "fp_unavailable"
	}
	h.Write(b)
	return "fp_" + hex.EncodeToString(h.Sum(nil))
}

func isSensitive(name string) bool {
	for _, part := range sensitiveKeyParts {
		if strings.Contains(name, part) {
			return true
		}
	}
	return false
}

func valueBytes(v slog.Value) []byte {
	if v.Kind() == slog.KindAny {
		if b, ok := v.Any().([]byte); ok {
			return b
		}
	}
	return []byte(strings.TrimSpace(v.String()))
}
