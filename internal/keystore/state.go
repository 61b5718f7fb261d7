package keystore

import (
	"fmt"

	"seedkeeper/go-keystore/internal/platform/secmem"

	"github.com/tyler-smith/go-bip39"
)

// StateVersion is the current version of the sealed payload.
const StateVersion = 1

// State is the payload sealed by securestore: the master seed plus the seed
// metadata table.
type State struct {
	Version    int         `json:"version"`
	MasterSeed []byte      `json:"master_seed"`
	NextIndex  uint32      `json:"next_index"`
	Seeds      []SeedEntry `json:"seeds"`
}

// NewState creates the payload for a fresh store with 256 bits of new entropy.
func NewState() (*State, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, err
	}
	return &State{Version: StateVersion, MasterSeed: entropy}, nil
}

// Wipe zeroes the master seed held by s.
func (s *State) Wipe() {
	if s == nil {
		return
	}
	secmem.Wipe(s.MasterSeed)
	s.MasterSeed = nil
}

// migrateState upgrades older payloads in place. Version 0 payloads predate
// the persisted index counter.
func migrateState(s *State) error {
	switch s.Version {
	case StateVersion:
		return nil
	case 0:
		var next uint32
		for _, e := range s.Seeds {
			if len(e.DerivationPath) == 1 && e.DerivationPath[0] >= next {
				next = e.DerivationPath[0] + 1
			}
		}
		s.NextIndex = next
		s.Version = StateVersion
		return nil
	default:
		return fmt.Errorf("unsupported state version %d", s.Version)
	}
}
