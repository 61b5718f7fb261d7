package securestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"seedkeeper/go-keystore/internal/platform/secmem"

	"github.com/gofrs/flock"
)

var ErrStoreBusy = errors.New("sealed store is locked by another process")

// Store binds sealed persistence to one file path and holds an exclusive
// lock file next to it for as long as the store is open.
type Store struct {
	path   string
	params KDFParams
	lock   *flock.Flock
}

// StoreOption customises OpenStore.
type StoreOption func(*Store)

// WithKDFParams overrides the Argon2id cost used for newly derived keys.
func WithKDFParams(params KDFParams) StoreOption {
	return func(s *Store) {
		s.params = params
	}
}

// NormalizeStorePath expands a leading "~/" and cleans the path.
func NormalizeStorePath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("store path is empty")
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Clean(path), nil
}

// OpenStore prepares the directory for path and acquires the store lock.
func OpenStore(path string, opts ...StoreOption) (*Store, error) {
	path, err := NormalizeStorePath(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	s := &Store{
		path:   path,
		params: DefaultKDFParams(),
		lock:   flock.New(path + ".lock"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.params.validate(); err != nil {
		return nil, err
	}
	ok, err := s.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire store lock: %w", err)
	}
	if !ok {
		return nil, ErrStoreBusy
	}
	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

// Close releases the store lock.
func (s *Store) Close() error {
	if s == nil || s.lock == nil {
		return nil
	}
	return s.lock.Unlock()
}

// Exists reports whether a sealed file is present.
func (s *Store) Exists() (bool, error) {
	_, err := os.Stat(s.path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// ReadBlob returns the raw sealed bytes.
func (s *Store) ReadBlob() ([]byte, error) {
	return os.ReadFile(s.path)
}

// NewKey derives a fresh sealing key for a store that does not exist yet.
func (s *Store) NewKey(passphrase []byte) (*Key, error) {
	return DeriveKey(passphrase, s.params)
}

// Load unseals the file into v and returns the sealing key for later writes.
func (s *Store) Load(passphrase []byte, v any) (*Key, error) {
	blob, err := s.ReadBlob()
	if err != nil {
		return nil, err
	}
	plaintext, key, err := Unseal(blob, passphrase)
	if err != nil {
		return nil, err
	}
	defer secmem.Wipe(plaintext)
	if err := json.Unmarshal(plaintext, v); err != nil {
		key.Destroy()
		return nil, fmt.Errorf("%w: payload: %v", ErrCorrupt, err)
	}
	return key, nil
}

// VerifyPassphrase checks passphrase against the file on disk.
func (s *Store) VerifyPassphrase(passphrase []byte) error {
	blob, err := s.ReadBlob()
	if err != nil {
		return err
	}
	return VerifyPassphrase(blob, passphrase)
}

// Save seals v under key and replaces the file atomically. If ctx is done
// before the final rename the previous file is left untouched.
func (s *Store) Save(ctx context.Context, key *Key, v any) error {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return err
	}
	defer secmem.Wipe(plaintext)
	blob, err := key.Seal(plaintext)
	if err != nil {
		return err
	}
	return writeFileAtomic(ctx, s.path, blob)
}

func writeFileAtomic(ctx context.Context, path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	committed = true
	syncDir(dir)
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
