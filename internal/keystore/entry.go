package keystore

import (
	"crypto/ed25519"
	"fmt"
	"sort"
	"time"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
)

const (
	keyIDPrefix  = "skk1"
	maxTagLength = 128
)

// SeedEntry is the public metadata of one stored seed. Private material is
// never part of it.
type SeedEntry struct {
	Tag            string            `json:"tag"`
	DerivationPath []uint32          `json:"derivation_path"`
	PublicKey      ed25519.PublicKey `json:"public_key"`
	KeyID          string            `json:"key_id"`
	CreatedAt      time.Time         `json:"created_at"`
	Exportable     bool              `json:"exportable"`
}

func (e SeedEntry) clone() SeedEntry {
	e.DerivationPath = append([]uint32{}, e.DerivationPath...)
	e.PublicKey = append(ed25519.PublicKey(nil), e.PublicKey...)
	return e
}

// KeyID returns the printable fingerprint of an Ed25519 public key.
func KeyID(pub []byte) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: %d bytes", ErrMalformedPublicKey, len(pub))
	}
	h := blake2b.Sum256(pub)
	return keyIDPrefix + base58.Encode(h[:]), nil
}

// CheckTag validates a seed tag.
func CheckTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("%w: tag cannot be empty", ErrInvalidTag)
	}
	if len(tag) > maxTagLength {
		return fmt.Errorf("%w: tag longer than %d bytes", ErrInvalidTag, maxTagLength)
	}
	for _, char := range tag {
		if (char >= 'a' && char <= 'z') || (char >= 'A' && char <= 'Z') || (char >= '0' && char <= '9') ||
			char == '-' || char == '_' || char == '.' || char == ':' {
			continue
		}
		return fmt.Errorf("%w: invalid character %q", ErrInvalidTag, char)
	}
	return nil
}

// seedTable is an immutable view of the stored entries. Writers build a new
// table and publish it; readers never lock.
type seedTable struct {
	entries []SeedEntry
	byTag   map[string]int
	byPub   map[string]int
}

var emptyTable = &seedTable{byTag: map[string]int{}, byPub: map[string]int{}}

func newSeedTable(entries []SeedEntry) *seedTable {
	t := &seedTable{
		entries: make([]SeedEntry, 0, len(entries)),
		byTag:   make(map[string]int, len(entries)),
		byPub:   make(map[string]int, len(entries)),
	}
	for _, e := range entries {
		t.byTag[e.Tag] = len(t.entries)
		t.byPub[string(e.PublicKey)] = len(t.entries)
		t.entries = append(t.entries, e)
	}
	return t
}

func (t *seedTable) with(e SeedEntry) *seedTable {
	next := make([]SeedEntry, 0, len(t.entries)+1)
	next = append(next, t.entries...)
	next = append(next, e)
	return newSeedTable(next)
}

func (t *seedTable) lookupTag(tag string) (SeedEntry, bool) {
	i, ok := t.byTag[tag]
	if !ok {
		return SeedEntry{}, false
	}
	return t.entries[i], true
}

func (t *seedTable) lookupPub(pub []byte) (SeedEntry, bool) {
	i, ok := t.byPub[string(pub)]
	if !ok {
		return SeedEntry{}, false
	}
	return t.entries[i], true
}

func (t *seedTable) hasSingleIndex(index uint32) bool {
	for _, e := range t.entries {
		if len(e.DerivationPath) == 1 && e.DerivationPath[0] == index {
			return true
		}
	}
	return false
}

func sortEntries(entries []SeedEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].Tag < entries[j].Tag
	})
}
