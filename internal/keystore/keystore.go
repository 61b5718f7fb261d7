package keystore

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"seedkeeper/go-keystore/internal/platform/secmem"
	"seedkeeper/go-keystore/internal/securestore"
)

// Sink persists a complete State. NewSeed acknowledges a seed only after
// Save returned nil.
type Sink interface {
	Save(ctx context.Context, state *State) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, state *State) error

func (f SinkFunc) Save(ctx context.Context, state *State) error {
	return f(ctx, state)
}

// KeyStore holds the unlocked master seed and the seed table. Private keys
// are derived per operation and wiped before the call returns; no method
// returns private bytes.
//
// Mutations hold the write lock. Signing and export hold the read lock so
// Wipe cannot race them. Listing and lookups read an immutable snapshot and
// take no lock at all.
type KeyStore struct {
	mu        sync.RWMutex
	master    *secmem.Secret
	nextIndex uint32
	sink      Sink

	table atomic.Pointer[seedTable]

	now          func() time.Time
	exportParams securestore.KDFParams
}

// Option customises a KeyStore.
type Option func(*KeyStore)

// WithClock overrides the clock used for created_at.
func WithClock(now func() time.Time) Option {
	return func(ks *KeyStore) {
		ks.now = now
	}
}

// WithExportKDFParams sets the Argon2id cost of export envelopes.
func WithExportKDFParams(params securestore.KDFParams) Option {
	return func(ks *KeyStore) {
		ks.exportParams = params
	}
}

// New returns a locked, empty KeyStore.
func New(opts ...Option) *KeyStore {
	ks := &KeyStore{
		now:          time.Now,
		exportParams: securestore.DefaultKDFParams(),
	}
	ks.table.Store(emptyTable)
	for _, opt := range opts {
		opt(ks)
	}
	return ks
}

// Unlock installs state as the live key material. The master seed is copied;
// the caller should Wipe state afterwards. Every stored public key is
// re-derived and compared so a table that does not belong to the master seed
// is rejected.
func (ks *KeyStore) Unlock(state *State, sink Sink) error {
	if state == nil {
		return fmt.Errorf("%w: nil state", ErrInconsistentState)
	}
	if err := migrateState(state); err != nil {
		return fmt.Errorf("%w: %v", ErrInconsistentState, err)
	}
	if len(state.MasterSeed) < MasterSeedSize {
		return fmt.Errorf("%w: %d bytes", ErrInvalidMasterSeed, len(state.MasterSeed))
	}
	entries := make([]SeedEntry, 0, len(state.Seeds))
	seenTags := make(map[string]struct{}, len(state.Seeds))
	for _, stored := range state.Seeds {
		if err := CheckTag(stored.Tag); err != nil {
			return fmt.Errorf("%w: %v", ErrInconsistentState, err)
		}
		if _, dup := seenTags[stored.Tag]; dup {
			return fmt.Errorf("%w: duplicate tag %q", ErrInconsistentState, stored.Tag)
		}
		seenTags[stored.Tag] = struct{}{}
		pub, err := DerivePublicKey(state.MasterSeed, stored.DerivationPath)
		if err != nil {
			return err
		}
		if !bytes.Equal(pub, stored.PublicKey) {
			return fmt.Errorf("%w: seed %q", ErrInconsistentState, stored.Tag)
		}
		entry := stored.clone()
		entry.KeyID, _ = KeyID(pub)
		entries = append(entries, entry)
	}
	sortEntries(entries)

	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.master.Destroy()
	ks.master = secmem.NewSecret(state.MasterSeed)
	ks.nextIndex = state.NextIndex
	ks.sink = sink
	ks.table.Store(newSeedTable(entries))
	return nil
}

// Wipe destroys the master seed. The public seed table stays readable.
func (ks *KeyStore) Wipe() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.master.Destroy()
	ks.master = nil
	ks.sink = nil
}

// Unlocked reports whether a master seed is loaded.
func (ks *KeyStore) Unlocked() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.master != nil
}

// NewSeed creates a seed entry under tag. A nil path assigns the next free
// single-segment path; an empty non-nil path selects the root key.
//
// The new table is persisted through the sink before it becomes visible, so
// an error leaves both memory and disk unchanged.
func (ks *KeyStore) NewSeed(ctx context.Context, tag string, path []uint32, exportable bool) (SeedEntry, error) {
	if err := CheckTag(tag); err != nil {
		return SeedEntry{}, err
	}
	if err := ctx.Err(); err != nil {
		return SeedEntry{}, err
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.master == nil {
		return SeedEntry{}, ErrLocked
	}
	table := ks.table.Load()
	if _, exists := table.lookupTag(tag); exists {
		return SeedEntry{}, fmt.Errorf("%w: %q", ErrDuplicateTag, tag)
	}

	nextIndex := ks.nextIndex
	if path == nil {
		index, err := nextFreeIndex(table, ks.nextIndex)
		if err != nil {
			return SeedEntry{}, err
		}
		path = []uint32{index}
		nextIndex = index + 1
	} else {
		path = append([]uint32{}, path...)
	}

	pub, err := DerivePublicKey(ks.master.Bytes(), path)
	if err != nil {
		return SeedEntry{}, err
	}
	if existing, taken := table.lookupPub(pub); taken {
		return SeedEntry{}, fmt.Errorf("%w: path %s belongs to %q", ErrDuplicateKey, FormatPath(path), existing.Tag)
	}
	keyID, err := KeyID(pub)
	if err != nil {
		return SeedEntry{}, err
	}
	entry := SeedEntry{
		Tag:            tag,
		DerivationPath: path,
		PublicKey:      pub,
		KeyID:          keyID,
		CreatedAt:      ks.now().UTC(),
		Exportable:     exportable,
	}
	candidate := table.with(entry)

	if ks.sink != nil {
		state := &State{
			Version:    StateVersion,
			MasterSeed: ks.master.Bytes(),
			NextIndex:  nextIndex,
			Seeds:      candidate.entries,
		}
		if err := ks.sink.Save(ctx, state); err != nil {
			return SeedEntry{}, fmt.Errorf("persist seed %q: %w", tag, err)
		}
	}
	ks.table.Store(candidate)
	ks.nextIndex = nextIndex
	return entry.clone(), nil
}

func nextFreeIndex(table *seedTable, start uint32) (uint32, error) {
	for index := start; ; index++ {
		if !table.hasSingleIndex(index) {
			return index, nil
		}
		if index == math.MaxUint32 {
			return 0, ErrPathExhausted
		}
	}
}

// SignByPubKey signs message with the private key behind pub.
//
// A stored key signs with its own path; a non-nil hint must then match that
// path. For a key that is not stored, hint names the path to derive and the
// result is used only if it reproduces pub.
func (ks *KeyStore) SignByPubKey(ctx context.Context, pub []byte, hint []uint32, message []byte) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedPublicKey, len(pub))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if ks.master == nil {
		return nil, ErrLocked
	}
	path, err := ks.resolvePath(pub, hint)
	if err != nil {
		return nil, err
	}
	derivedPub, priv, err := deriveKeyPair(ks.master.Bytes(), path)
	if err != nil {
		return nil, err
	}
	defer secmem.Wipe(priv)
	if !bytes.Equal(derivedPub, pub) {
		return nil, ErrUnknownKey
	}
	return ed25519.Sign(priv, message), nil
}

func (ks *KeyStore) resolvePath(pub []byte, hint []uint32) ([]uint32, error) {
	if entry, ok := ks.table.Load().lookupPub(pub); ok {
		if hint != nil && !samePath(hint, entry.DerivationPath) {
			return nil, fmt.Errorf("%w: hint %s does not match stored path", ErrUnknownKey, FormatPath(hint))
		}
		return entry.DerivationPath, nil
	}
	if hint == nil {
		return nil, ErrUnknownKey
	}
	return hint, nil
}

// VerifyDetached checks sig over message. It needs no unlocked state.
func (ks *KeyStore) VerifyDetached(pub, sig, message []byte) (bool, error) {
	return VerifyDetached(pub, sig, message)
}

// VerifyDetached reports whether sig is a valid Ed25519 signature of message
// by pub. Wrong lengths are errors; a well-formed mismatch is false.
func VerifyDetached(pub, sig, message []byte) (bool, error) {
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("%w: %d bytes", ErrMalformedSignature, len(sig))
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("%w: %d bytes", ErrMalformedPublicKey, len(pub))
	}
	return ed25519.Verify(pub, message, sig), nil
}

// ListSeeds returns copies of all entries in creation order.
func (ks *KeyStore) ListSeeds() []SeedEntry {
	table := ks.table.Load()
	out := make([]SeedEntry, 0, len(table.entries))
	for _, e := range table.entries {
		out = append(out, e.clone())
	}
	return out
}

// GetEntry looks up an entry by tag.
func (ks *KeyStore) GetEntry(tag string) (SeedEntry, error) {
	entry, ok := ks.table.Load().lookupTag(tag)
	if !ok {
		return SeedEntry{}, fmt.Errorf("%w: no seed tagged %q", ErrUnknownKey, tag)
	}
	return entry.clone(), nil
}

// Count returns the number of stored entries.
func (ks *KeyStore) Count() int {
	return len(ks.table.Load().entries)
}

// ExportSeed seals the Ed25519 seed behind pub under exportPassphrase. The raw
// seed never leaves this method; entries created as non-exportable are
// refused.
func (ks *KeyStore) ExportSeed(ctx context.Context, pub, exportPassphrase []byte) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedPublicKey, len(pub))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if ks.master == nil {
		return nil, ErrLocked
	}
	entry, ok := ks.table.Load().lookupPub(pub)
	if !ok {
		return nil, ErrUnknownKey
	}
	if !entry.Exportable {
		return nil, fmt.Errorf("%w: %q", ErrNotExportable, entry.Tag)
	}
	seed, err := DeriveSeed(ks.master.Bytes(), entry.DerivationPath)
	if err != nil {
		return nil, err
	}
	defer secmem.Wipe(seed)
	return securestore.Seal(exportPassphrase, seed, ks.exportParams)
}
