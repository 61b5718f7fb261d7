// Package secmem holds the wipe helpers used wherever passphrases, seeds or
// private keys pass through process memory.
package secmem

import "runtime"

// Wipe overwrites b with zeros.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// Clone returns an independent copy of b, or nil for an empty input.
func Clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

// Secret is a byte buffer that is wiped exactly once on Destroy.
type Secret struct {
	b []byte
}

// NewSecret copies b into a new Secret. The caller keeps ownership of b.
func NewSecret(b []byte) *Secret {
	return &Secret{b: Clone(b)}
}

// Bytes exposes the underlying buffer. Callers must not retain it past Destroy.
func (s *Secret) Bytes() []byte {
	if s == nil {
		return nil
	}
	return s.b
}

// Len reports the buffer length; zero after Destroy.
func (s *Secret) Len() int {
	if s == nil {
		return 0
	}
	return len(s.b)
}

// Destroy wipes and releases the buffer.
func (s *Secret) Destroy() {
	if s == nil || s.b == nil {
		return
	}
	Wipe(s.b)
	s.b = nil
}
