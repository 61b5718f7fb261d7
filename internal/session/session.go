package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"seedkeeper/go-keystore/internal/keystore"
	"seedkeeper/go-keystore/internal/securestore"
)

const (
	DefaultIdleTimeout = 15 * time.Minute
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 32 * time.Second
)

var (
	ErrRateLimited     = errors.New("too many failed unlock attempts, retry later")
	ErrWrongPassphrase = securestore.ErrWrongPassphrase
	ErrLocked          = keystore.ErrLocked
	ErrClosed          = errors.New("session manager is closed")
)

type State string

const (
	StateLocked   State = "locked"
	StateUnlocked State = "unlocked"
)

// Storage is the sealed persistence the manager unlocks against.
// *securestore.Store implements it.
type Storage interface {
	Exists() (bool, error)
	NewKey(passphrase []byte) (*securestore.Key, error)
	Load(passphrase []byte, v any) (*securestore.Key, error)
	VerifyPassphrase(passphrase []byte) error
	Save(ctx context.Context, key *securestore.Key, v any) error
}

// Status is a point-in-time view of the session.
type Status struct {
	State        State
	UnlockedAt   time.Time
	LastActivity time.Time
	RetryAfter   time.Duration
}

// Manager gates access to the private half of a KeyStore. It owns the
// sealing key while unlocked so seed writes do not re-run the KDF.
//
// Lock order is Manager.mu before any KeyStore lock. The persistence sink
// handed to the KeyStore never takes Manager.mu.
type Manager struct {
	mu      sync.Mutex
	store   Storage
	keys    *keystore.KeyStore
	sealKey *securestore.Key

	state        State
	unlockedAt   time.Time
	lastActivity time.Time
	closed       bool

	failedAttempts int
	nextAttemptAt  time.Time

	idleTimeout time.Duration
	backoffBase time.Duration
	backoffMax  time.Duration
	now         func() time.Time
	logger      *slog.Logger
	onChange    func(State)
}

type Option func(*Manager)

// WithIdleTimeout sets the inactivity period after which the session locks.
// Zero disables idle locking.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.idleTimeout = d
	}
}

// WithBackoff sets the failed-attempt backoff policy.
func WithBackoff(base, maxDelay time.Duration) Option {
	return func(m *Manager) {
		m.backoffBase = base
		m.backoffMax = maxDelay
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithStateHook registers a callback for every lock state transition. It is
// called with the manager lock held and must not call back into the manager.
func WithStateHook(fn func(State)) Option {
	return func(m *Manager) {
		m.onChange = fn
	}
}

// NewManager returns a locked manager over store and keys.
func NewManager(store Storage, keys *keystore.KeyStore, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session storage is required")
	}
	if keys == nil {
		return nil, errors.New("keystore is required")
	}
	m := &Manager{
		store:       store,
		keys:        keys,
		state:       StateLocked,
		idleTimeout: DefaultIdleTimeout,
		backoffBase: DefaultBackoffBase,
		backoffMax:  DefaultBackoffMax,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.idleTimeout < 0 {
		return nil, fmt.Errorf("idle timeout must not be negative: %s", m.idleTimeout)
	}
	if m.backoffBase <= 0 || m.backoffMax < m.backoffBase {
		return nil, fmt.Errorf("invalid backoff policy base=%s max=%s", m.backoffBase, m.backoffMax)
	}
	return m, nil
}

// Unlock opens the sealed store with passphrase and loads it into the
// KeyStore. With no store on disk a fresh master seed is generated and an
// empty store is persisted first.
//
// When the session is already unlocked the passphrase is verified against
// the store instead, so a second caller proves knowledge of it without
// reloading anything. Failures in either mode feed the same backoff.
func (m *Manager) Unlock(ctx context.Context, passphrase []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	now := m.now()
	m.expireLocked(now)
	if wait := m.retryAfterLocked(now); wait > 0 {
		return fmt.Errorf("%w: retry in %s", ErrRateLimited, wait.Round(time.Millisecond))
	}

	var err error
	if m.state == StateUnlocked {
		err = m.store.VerifyPassphrase(passphrase)
	} else {
		err = m.openLocked(ctx, passphrase)
	}
	if err != nil {
		if errors.Is(err, securestore.ErrWrongPassphrase) {
			m.recordFailureLocked(now)
		}
		if errors.Is(err, securestore.ErrCorrupt) || errors.Is(err, keystore.ErrInconsistentState) {
			m.logger.Error("sealed store failed integrity check", "component", "session", "operation", "unlock", "error", err)
		}
		return err
	}

	m.failedAttempts = 0
	m.nextAttemptAt = time.Time{}
	m.lastActivity = now
	if m.state != StateUnlocked {
		m.unlockedAt = now
		m.setStateLocked(StateUnlocked)
		m.logger.Info("session unlocked", "component", "session", "operation", "unlock", "seed_count", m.keys.Count())
	}
	return nil
}

func (m *Manager) openLocked(ctx context.Context, passphrase []byte) error {
	exists, err := m.store.Exists()
	if err != nil {
		return err
	}
	var (
		state *keystore.State
		key   *securestore.Key
	)
	if exists {
		state = &keystore.State{}
		key, err = m.store.Load(passphrase, state)
		if err != nil {
			return err
		}
	} else {
		state, err = keystore.NewState()
		if err != nil {
			return err
		}
		key, err = m.store.NewKey(passphrase)
		if err != nil {
			state.Wipe()
			return err
		}
		if err := m.store.Save(ctx, key, state); err != nil {
			state.Wipe()
			key.Destroy()
			return fmt.Errorf("create sealed store: %w", err)
		}
		m.logger.Info("created sealed store", "component", "session", "operation", "unlock")
	}
	defer state.Wipe()

	store := m.store
	sink := keystore.SinkFunc(func(ctx context.Context, st *keystore.State) error {
		return store.Save(ctx, key, st)
	})
	if err := m.keys.Unlock(state, sink); err != nil {
		key.Destroy()
		return err
	}
	m.sealKey = key
	return nil
}

// Lock wipes the master seed and sealing key. Locking a locked session is a
// no-op.
func (m *Manager) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockLocked("lock")
}

func (m *Manager) lockLocked(reason string) {
	if m.state == StateLocked {
		return
	}
	// Wipe waits for in-flight signing and seed writes, which may still use
	// the sealing key through the sink.
	m.keys.Wipe()
	m.sealKey.Destroy()
	m.sealKey = nil
	m.unlockedAt = time.Time{}
	m.setStateLocked(StateLocked)
	m.logger.Info("session locked", "component", "session", "operation", "lock", "reason", reason)
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	if m.onChange != nil {
		m.onChange(s)
	}
}

// Touch records activity for a privileged operation. It returns ErrLocked
// when the session is locked or has just idled out.
func (m *Manager) Touch() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.expireLocked(now)
	if m.state != StateUnlocked {
		return ErrLocked
	}
	m.lastActivity = now
	return nil
}

// State returns the current lock state, applying the idle timeout first.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(m.now())
	return m.state
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.expireLocked(now)
	return Status{
		State:        m.state,
		UnlockedAt:   m.unlockedAt,
		LastActivity: m.lastActivity,
		RetryAfter:   m.retryAfterLocked(now),
	}
}

func (m *Manager) expireLocked(now time.Time) {
	if m.state != StateUnlocked || m.idleTimeout <= 0 {
		return
	}
	if now.Sub(m.lastActivity) >= m.idleTimeout {
		m.lockLocked("idle_timeout")
	}
}

func (m *Manager) retryAfterLocked(now time.Time) time.Duration {
	if m.nextAttemptAt.IsZero() || !now.Before(m.nextAttemptAt) {
		return 0
	}
	return m.nextAttemptAt.Sub(now)
}

func (m *Manager) recordFailureLocked(now time.Time) {
	m.failedAttempts++
	delay := backoffDelay(m.failedAttempts, m.backoffBase, m.backoffMax)
	m.nextAttemptAt = now.Add(delay)
	m.logger.Warn("unlock rejected", "component", "session", "operation", "unlock", "failed_attempts", m.failedAttempts, "retry_after_ms", delay.Milliseconds())
}

// backoffDelay doubles base per consecutive failure and caps at maxDelay.
func backoffDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if delay >= maxDelay/2 {
			return maxDelay
		}
		delay *= 2
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// Run locks the session when the idle timeout passes, until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	if m.idleTimeout <= 0 {
		<-ctx.Done()
		return nil
	}
	interval := m.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.mu.Lock()
			m.expireLocked(m.now())
			m.mu.Unlock()
		}
	}
}

// Close locks the session and refuses further unlocks.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockLocked("shutdown")
	m.closed = true
}
