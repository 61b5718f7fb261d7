package keystore

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"seedkeeper/go-keystore/internal/platform/secmem"

	"golang.org/x/crypto/hkdf"
)

// MasterSeedSize is the minimum master seed length accepted for derivation.
const MasterSeedSize = 32

const (
	hkdfInfoRoot  = "seedkeeper/ed25519/root/v1"
	hkdfInfoChild = "seedkeeper/ed25519/child/v1"
)

// DeriveSeed maps (master, path) to a 32-byte Ed25519 seed. It is a pure
// function: the same inputs always yield the same output. The caller owns the
// returned buffer and should wipe it after use.
func DeriveSeed(master []byte, path []uint32) ([]byte, error) {
	if len(master) < MasterSeedSize {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d", ErrInvalidMasterSeed, MasterSeedSize, len(master))
	}
	cur, err := hkdfExpand(master, []byte(hkdfInfoRoot))
	if err != nil {
		return nil, err
	}
	info := make([]byte, len(hkdfInfoChild)+4)
	copy(info, hkdfInfoChild)
	for _, index := range path {
		binary.BigEndian.PutUint32(info[len(hkdfInfoChild):], index)
		next, err := hkdfExpand(cur, info)
		secmem.Wipe(cur)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// DerivePublicKey returns only the public half of the key at path.
func DerivePublicKey(master []byte, path []uint32) (ed25519.PublicKey, error) {
	pub, priv, err := deriveKeyPair(master, path)
	if err != nil {
		return nil, err
	}
	secmem.Wipe(priv)
	return pub, nil
}

// deriveKeyPair returns the key pair at path. The caller must wipe priv.
func deriveKeyPair(master []byte, path []uint32) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	seed, err := DeriveSeed(master, path)
	if err != nil {
		return nil, nil, err
	}
	defer secmem.Wipe(seed)
	priv := ed25519.NewKeyFromSeed(seed)
	pub := append(ed25519.PublicKey(nil), priv[ed25519.SeedSize:]...)
	return pub, priv, nil
}

func hkdfExpand(secret, info []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, info)
	out := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

// FormatPath renders a derivation path as "m/0/7".
func FormatPath(path []uint32) string {
	var b strings.Builder
	b.WriteString("m")
	for _, index := range path {
		b.WriteByte('/')
		b.WriteString(strconv.FormatUint(uint64(index), 10))
	}
	return b.String()
}

// ParsePath is the inverse of FormatPath. "m" is the empty (root) path.
func ParsePath(raw string) ([]uint32, error) {
	raw = strings.TrimSpace(raw)
	if raw != "m" && !strings.HasPrefix(raw, "m/") {
		return nil, fmt.Errorf("derivation path %q must start with m", raw)
	}
	parts := strings.Split(raw, "/")[1:]
	path := make([]uint32, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("derivation path %q: bad index %q", raw, part)
		}
		path = append(path, uint32(v))
	}
	return path, nil
}

func samePath(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
