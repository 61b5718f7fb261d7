// Package models holds the IPC wire types shared by the daemon and clients.
// Byte fields travel as standard base64 strings.
package models

import "time"

const (
	MethodUnlock         = "unlock"
	MethodLock           = "lock"
	MethodNewSeed        = "new_seed"
	MethodSignByPubKey   = "sign_by_pub_key"
	MethodVerifyDetached = "verify_detached"
	MethodListSeeds      = "list_seeds"
	MethodGetEntry       = "get_entry"
	MethodExportSeed     = "export_seed"
	MethodStatus         = "status"
	MethodVersion        = "version"
)

// Methods lists every method the daemon serves.
var Methods = []string{
	MethodUnlock,
	MethodLock,
	MethodNewSeed,
	MethodSignByPubKey,
	MethodVerifyDetached,
	MethodListSeeds,
	MethodGetEntry,
	MethodExportSeed,
	MethodStatus,
	MethodVersion,
}

const (
	SessionLocked   = "locked"
	SessionUnlocked = "unlocked"
)

type UnlockParams struct {
	Passphrase string `json:"passphrase"`
}

type SessionState struct {
	State string `json:"state"`
}

// NewSeedParams selects the derivation path with DerivationPath: absent or
// null assigns the next free index, [] is the root key.
type NewSeedParams struct {
	Tag            string    `json:"tag"`
	DerivationPath *[]uint32 `json:"derivation_path,omitempty"`
	Exportable     bool      `json:"exportable"`
}

type SeedEntry struct {
	Tag            string    `json:"tag"`
	DerivationPath []uint32  `json:"derivation_path"`
	PublicKey      []byte    `json:"public_key"`
	KeyID          string    `json:"key_id"`
	CreatedAt      time.Time `json:"created_at"`
	Exportable     bool      `json:"exportable"`
}

type SignParams struct {
	PublicKey      []byte    `json:"public_key"`
	DerivationHint *[]uint32 `json:"derivation_hint,omitempty"`
	Message        []byte    `json:"message"`
}

type SignResult struct {
	Signature []byte `json:"signature"`
}

type VerifyParams struct {
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
	Message   []byte `json:"message"`
}

type VerifyResult struct {
	Valid bool `json:"valid"`
}

type ListSeedsResult struct {
	Seeds []SeedEntry `json:"seeds"`
}

type GetEntryParams struct {
	Tag string `json:"tag"`
}

type ExportSeedParams struct {
	PublicKey        []byte `json:"public_key"`
	ExportPassphrase string `json:"export_passphrase"`
}

// ExportSeedResult carries the seed sealed under the export passphrase in
// the same file format as the daemon store.
type ExportSeedResult struct {
	Sealed []byte `json:"sealed"`
}

type StatusResult struct {
	State        string     `json:"state"`
	SeedCount    int        `json:"seed_count"`
	Version      string     `json:"version"`
	UnlockedAt   *time.Time `json:"unlocked_at,omitempty"`
	RetryAfterMS int64      `json:"retry_after_ms,omitempty"`
}

type VersionResult struct {
	Service             string   `json:"service"`
	Version             string   `json:"version"`
	CurrentVersion      int      `json:"current_version"`
	MinSupportedVersion int      `json:"min_supported_version"`
	Methods             []string `json:"methods"`
}

// Path returns a pointer suitable for the optional path fields.
func Path(p ...uint32) *[]uint32 {
	out := append([]uint32{}, p...)
	return &out
}
