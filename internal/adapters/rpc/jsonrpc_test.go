package rpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"seedkeeper/go-keystore/internal/keystore"
	"seedkeeper/go-keystore/internal/securestore"
	"seedkeeper/go-keystore/internal/session"
	"seedkeeper/go-keystore/pkg/models"
)

func TestReadFrame(t *testing.T) {
	r := bufio.NewReaderSize(strings.NewReader("{\"a\":1}\n\n{\"b\":2}"), 16)
	first, err := readFrame(r, 64)
	if err != nil || string(first) != "{\"a\":1}\n" {
		t.Fatalf("first frame %q err=%v", first, err)
	}
	blank, err := readFrame(r, 64)
	if err != nil || string(blank) != "\n" {
		t.Fatalf("blank frame %q err=%v", blank, err)
	}
	last, err := readFrame(r, 64)
	if err != nil || string(last) != "{\"b\":2}" {
		t.Fatalf("unterminated last frame %q err=%v", last, err)
	}
	if _, err := readFrame(r, 64); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestReadFrameSpansBufferAndEnforcesLimit(t *testing.T) {
	long := strings.Repeat("x", 40) + "\n"
	r := bufio.NewReaderSize(strings.NewReader(long), 16)
	frame, err := readFrame(r, 64)
	if err != nil || string(frame) != long {
		t.Fatalf("frame spanning buffer: %q err=%v", frame, err)
	}
	r = bufio.NewReaderSize(strings.NewReader(long), 16)
	if _, err := readFrame(r, 20); !errors.Is(err, errFrameTooLarge) {
		t.Fatalf("expected errFrameTooLarge, got %v", err)
	}
}

func TestMapErrorKinds(t *testing.T) {
	cases := []struct {
		err  error
		kind models.ErrorKind
		code int
	}{
		{fmt.Errorf("unlock: %w", securestore.ErrWrongPassphrase), models.KindWrongPassphrase, -32010},
		{keystore.ErrLocked, models.KindLocked, -32011},
		{session.ErrRateLimited, models.KindRateLimited, -32012},
		{fmt.Errorf("%w: %q", keystore.ErrDuplicateTag, "a"), models.KindDuplicateTag, -32020},
		{keystore.ErrDuplicateKey, models.KindDuplicateKey, -32021},
		{keystore.ErrUnknownKey, models.KindUnknownKey, -32022},
		{keystore.ErrNotExportable, models.KindNotExportable, -32023},
		{keystore.ErrMalformedSignature, models.KindMalformedSignature, -32030},
		{securestore.ErrCorrupt, models.KindCorruptStore, -32040},
		{keystore.ErrInconsistentState, models.KindCorruptStore, -32040},
		{keystore.ErrMalformedPublicKey, models.KindProtocol, models.CodeInvalidParams},
		{keystore.ErrInvalidTag, models.KindProtocol, models.CodeInvalidParams},
		{context.DeadlineExceeded, models.KindInternal, -32099},
		{errors.New("disk on fire"), models.KindInternal, -32099},
	}
	for _, tc := range cases {
		got := mapError(tc.err)
		if got.Code != tc.code || got.Data == nil || got.Data.Kind != tc.kind {
			t.Fatalf("%v: expected %s/%d, got %+v", tc.err, tc.kind, tc.code, got)
		}
	}
	if got := mapError(errors.New("open /secret/path: denied")); got.Message != "internal error" {
		t.Fatalf("internal errors must not leak detail, got %q", got.Message)
	}
}

func TestParseRequestKeepsID(t *testing.T) {
	req, rpcErr := parseRequest([]byte(`{"jsonrpc":"2.0","id":"abc","method":""}`))
	if rpcErr == nil || rpcErr.Code != models.CodeInvalidRequest {
		t.Fatalf("expected invalid request, got %+v", rpcErr)
	}
	if string(req.ID) != `"abc"` {
		t.Fatalf("expected id to be recovered, got %s", req.ID)
	}
	req, rpcErr = parseRequest([]byte(`{"jsonrpc":"2.0","method":"status"}`))
	if rpcErr != nil || !req.isNotification() {
		t.Fatalf("expected valid notification, got %+v %+v", req, rpcErr)
	}
}

func TestDecodeParams(t *testing.T) {
	var p models.GetEntryParams
	if err := decodeParams(nil, &p); err != nil {
		t.Fatalf("absent params must decode: %v", err)
	}
	if err := decodeParams([]byte(`null`), &p); err != nil {
		t.Fatalf("null params must decode: %v", err)
	}
	if err := decodeParams([]byte(`["a"]`), &p); !errors.Is(err, errInvalidParams) {
		t.Fatalf("expected errInvalidParams for positional params, got %v", err)
	}
	if err := decodeParams([]byte(`{"tag":"a","other":1}`), &p); !errors.Is(err, errInvalidParams) {
		t.Fatalf("expected errInvalidParams for unknown member, got %v", err)
	}
	if err := decodeParams([]byte(`{"tag":"a"}`), &p); err != nil || p.Tag != "a" {
		t.Fatalf("decode: %v %+v", err, p)
	}
}

func TestIdempotencyCacheExpiresAndBounds(t *testing.T) {
	c := newIdempotencyCache()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.set("k", "h", "result", now)
	if got, found, _ := c.get("k", "h", now.Add(time.Minute)); !found || got != "result" {
		t.Fatalf("expected cached result, got %v %v", got, found)
	}
	if _, _, conflict := c.get("k", "other", now); !conflict {
		t.Fatal("expected conflict for different request hash")
	}
	if _, found, _ := c.get("k", "h", now.Add(idempotencyTTL+time.Second)); found {
		t.Fatal("expected entry to expire")
	}
	for i := 0; i < idempotencyMaxEntries+10; i++ {
		c.set(fmt.Sprintf("k%d", i), "h", i, now.Add(time.Duration(i)*time.Millisecond))
	}
	if len(c.entries) != idempotencyMaxEntries {
		t.Fatalf("expected cache bounded at %d, got %d", idempotencyMaxEntries, len(c.entries))
	}
	if _, found, _ := c.get("k0", "h", now); found {
		t.Fatal("expected oldest entry to be evicted")
	}
}

func TestConnLimiter(t *testing.T) {
	l := newConnLimiter(1)
	release, ok := l.acquire()
	if !ok {
		t.Fatal("first acquire must succeed")
	}
	if _, ok := l.acquire(); ok {
		t.Fatal("second acquire must fail")
	}
	release()
	release()
	if _, ok := l.acquire(); !ok {
		t.Fatal("acquire after release must succeed")
	}
	var unlimited *connLimiter
	if _, ok := unlimited.acquire(); !ok {
		t.Fatal("nil limiter must admit")
	}
}
