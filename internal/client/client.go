// Package client is the typed proxy for the keystore daemon. A Client owns
// one connection, authenticates it with the passphrase on connect and
// re-authenticates transparently after a redial or an idle re-lock.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"seedkeeper/go-keystore/internal/platform/endpoint"
	"seedkeeper/go-keystore/internal/platform/secmem"
	"seedkeeper/go-keystore/pkg/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const (
	DefaultDialTimeout = 2 * time.Second
	DefaultCallTimeout = 30 * time.Second
	DefaultMaxRetries  = 3

	maxResponseBytes = 4 << 20
)

type Option func(*Client)

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.dialTimeout = d
	}
}

// WithCallTimeout bounds each attempt of a call. Retries get a fresh
// deadline; the context bounds the call as a whole.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.callTimeout = d
	}
}

// WithRetry sets how often a call is retried after a transport failure and
// the first backoff interval. maxRetries 0 disables retries.
func WithRetry(maxRetries uint64, initial time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.retryInitial = initial
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

type Client struct {
	endpoint     endpoint.Endpoint
	passphrase   *secmem.Secret
	dialTimeout  time.Duration
	callTimeout  time.Duration
	maxRetries   uint64
	retryInitial time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	nextID uint64
	closed bool
}

type clientRequest struct {
	JSONRPC        string `json:"jsonrpc"`
	ID             uint64 `json:"id"`
	Method         string `json:"method"`
	Params         any    `json:"params"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type clientResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int               `json:"code"`
		Message string            `json:"message"`
		Data    *models.ErrorData `json:"data"`
	} `json:"error"`
}

// Connect dials rawURL and unlocks the connection with passphrase. The
// passphrase is copied; the caller may wipe its buffer afterwards.
func Connect(ctx context.Context, rawURL string, passphrase []byte, opts ...Option) (*Client, error) {
	e, err := endpoint.Parse(rawURL)
	if err != nil {
		return nil, &ConnectionError{Op: "parse", Endpoint: rawURL, Err: err}
	}
	if len(passphrase) == 0 {
		return nil, ErrPassphraseRequired
	}
	c := &Client{
		endpoint:     e,
		passphrase:   secmem.NewSecret(passphrase),
		dialTimeout:  DefaultDialTimeout,
		callTimeout:  DefaultCallTimeout,
		maxRetries:   DefaultMaxRetries,
		retryInitial: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	c.mu.Lock()
	err = c.connectLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// NewSeed creates a seed. A nil path lets the daemon pick the next free
// index; an empty non-nil path selects the root key.
func (c *Client) NewSeed(ctx context.Context, tag string, path []uint32, exportable bool) (models.SeedEntry, error) {
	params := models.NewSeedParams{Tag: tag, Exportable: exportable}
	if path != nil {
		params.DerivationPath = models.Path(path...)
	}
	var out models.SeedEntry
	err := c.call(ctx, models.MethodNewSeed, params, &out, uuid.NewString())
	return out, err
}

func (c *Client) SignByPubKey(ctx context.Context, pub []byte, hint []uint32, message []byte) ([]byte, error) {
	params := models.SignParams{PublicKey: pub, Message: message}
	if hint != nil {
		params.DerivationHint = models.Path(hint...)
	}
	var out models.SignResult
	if err := c.call(ctx, models.MethodSignByPubKey, params, &out, ""); err != nil {
		return nil, err
	}
	return out.Signature, nil
}

func (c *Client) VerifyDetached(ctx context.Context, pub, sig, message []byte) (bool, error) {
	var out models.VerifyResult
	err := c.call(ctx, models.MethodVerifyDetached, models.VerifyParams{PublicKey: pub, Signature: sig, Message: message}, &out, "")
	return out.Valid, err
}

func (c *Client) ListSeeds(ctx context.Context) ([]models.SeedEntry, error) {
	var out models.ListSeedsResult
	if err := c.call(ctx, models.MethodListSeeds, struct{}{}, &out, ""); err != nil {
		return nil, err
	}
	return out.Seeds, nil
}

func (c *Client) GetEntry(ctx context.Context, tag string) (models.SeedEntry, error) {
	var out models.SeedEntry
	err := c.call(ctx, models.MethodGetEntry, models.GetEntryParams{Tag: tag}, &out, "")
	return out, err
}

// ExportSeed returns the seed behind pub sealed under exportPassphrase.
func (c *Client) ExportSeed(ctx context.Context, pub, exportPassphrase []byte) ([]byte, error) {
	var out models.ExportSeedResult
	params := models.ExportSeedParams{PublicKey: pub, ExportPassphrase: string(exportPassphrase)}
	if err := c.call(ctx, models.MethodExportSeed, params, &out, ""); err != nil {
		return nil, err
	}
	return out.Sealed, nil
}

// Lock locks the daemon session for every client, not only this one.
func (c *Client) Lock(ctx context.Context) error {
	return c.call(ctx, models.MethodLock, struct{}{}, nil, "")
}

func (c *Client) Status(ctx context.Context) (models.StatusResult, error) {
	var out models.StatusResult
	err := c.call(ctx, models.MethodStatus, struct{}{}, &out, "")
	return out, err
}

func (c *Client) Version(ctx context.Context) (models.VersionResult, error) {
	var out models.VersionResult
	err := c.call(ctx, models.MethodVersion, struct{}{}, &out, "")
	return out, err
}

// Close drops the connection and wipes the held passphrase.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.passphrase.Destroy()
	return c.dropLocked()
}

// call runs one request, retrying transport failures with exponential
// backoff over a fresh, re-authenticated connection. Every method is safe
// to repeat: new_seed carries an idempotency key the daemon deduplicates.
func (c *Client) call(ctx context.Context, method string, params, out any, idempotencyKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &ConnectionError{Op: method, Endpoint: c.endpoint.String(), Err: ErrClosed}
	}

	relocked := false
	operation := func() error {
		if c.conn == nil {
			if err := c.connectLocked(ctx); err != nil {
				return c.retryable(err)
			}
		}
		err := c.roundTripLocked(ctx, method, params, out, idempotencyKey)
		if errors.Is(err, ErrLocked) && !relocked {
			relocked = true
			c.logger.Debug("session locked, re-authenticating", "component", "client", "operation", method)
			if err := c.unlockLocked(ctx); err != nil {
				return c.retryable(err)
			}
			err = c.roundTripLocked(ctx, method, params, out, idempotencyKey)
		}
		return c.retryable(err)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("keystore call failed, retrying", "component", "client", "operation", method, "wait_ms", wait.Milliseconds(), "error", err)
	}
	err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx), notify)
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) && !isTransport(err) {
		return c.classify(method, err)
	}
	return err
}

// retryable marks everything but transport failures as permanent and drops
// the connection after a transport failure.
func (c *Client) retryable(err error) error {
	if err == nil {
		return nil
	}
	if !isTransport(err) {
		return backoff.Permanent(err)
	}
	_ = c.dropLocked()
	return err
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInitial
	b.MaxInterval = 2 * time.Second
	// Attempts are bounded by maxRetries and ctx. An elapsed cap equal to the
	// attempt deadline would stop the loop after the first timeout.
	b.MaxElapsedTime = 0
	return b
}

func (c *Client) connectLocked(ctx context.Context) error {
	conn, err := endpoint.Dial(ctx, c.endpoint, c.dialTimeout)
	if err != nil {
		return c.classify("dial", err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	if err := c.unlockLocked(ctx); err != nil {
		_ = c.dropLocked()
		return err
	}
	c.logger.Debug("keystore connected", "component", "client", "endpoint", c.endpoint.String())
	return nil
}

func (c *Client) unlockLocked(ctx context.Context) error {
	params := models.UnlockParams{Passphrase: string(c.passphrase.Bytes())}
	var state models.SessionState
	return c.roundTripLocked(ctx, models.MethodUnlock, params, &state, "")
}

func (c *Client) dropLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

func (c *Client) roundTripLocked(ctx context.Context, method string, params, out any, idempotencyKey string) error {
	if c.conn == nil {
		return &ConnectionError{Op: method, Endpoint: c.endpoint.String(), Err: net.ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return c.classify(method, err)
	}
	deadline := time.Now().Add(c.callTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)
	conn := c.conn
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	c.nextID++
	id := c.nextID
	payload, err := json.Marshal(clientRequest{
		JSONRPC:        "2.0",
		ID:             id,
		Method:         method,
		Params:         params,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	payload = append(payload, '\n')
	_, err = c.conn.Write(payload)
	secmem.Wipe(payload)
	if err != nil {
		return c.classify(method, err)
	}

	line, err := readLine(c.reader, maxResponseBytes)
	if err != nil {
		if errors.Is(err, errResponseTooLarge) {
			_ = c.dropLocked()
			return &ProtocolError{Op: method, Msg: err.Error()}
		}
		return c.classify(method, err)
	}
	var resp clientResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		_ = c.dropLocked()
		return &ProtocolError{Op: method, Msg: "malformed response: " + err.Error()}
	}
	respID := bytes.TrimSpace(resp.ID)
	// The daemon answers with a null id when it rejects the connection
	// or the frame before reading the request.
	unaddressed := resp.Error != nil && (len(respID) == 0 || bytes.Equal(respID, []byte("null")))
	if resp.JSONRPC != "2.0" || (!unaddressed && !bytes.Equal(respID, []byte(fmt.Sprint(id)))) {
		_ = c.dropLocked()
		return &ProtocolError{Op: method, Msg: "response does not match request"}
	}
	if resp.Error != nil {
		kind := models.KindForCode(resp.Error.Code)
		if resp.Error.Data != nil && resp.Error.Data.Kind != "" {
			kind = resp.Error.Data.Kind
		}
		return &RemoteError{Kind: kind, Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return &ProtocolError{Op: method, Msg: "malformed result: " + err.Error()}
	}
	return nil
}

// classify turns an I/O or context error into a ConnectionError or
// TimeoutError. Cancellation is returned as is.
func (c *Client) classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &TimeoutError{Op: op, Err: err}
	}
	return &ConnectionError{Op: op, Endpoint: c.endpoint.String(), Err: err}
}

var errResponseTooLarge = errors.New("response exceeds size limit")

func readLine(r *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line)+len(chunk) > limit {
			return nil, errResponseTooLarge
		}
		line = append(line, chunk...)
		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}
