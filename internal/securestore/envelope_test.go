package securestore

import (
	"bytes"
	"errors"
	"testing"
)

var testParams = KDFParams{Time: 1, MemoryKB: 64, Threads: 1}

func TestSealUnsealRoundtrip(t *testing.T) {
	seed := bytes.Repeat([]byte{0x5a}, 32)
	blob, err := Seal([]byte("correct-horse"), seed, testParams)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	plain, err := Open(blob, []byte("correct-horse"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !bytes.Equal(plain, seed) {
		t.Fatalf("unexpected plaintext: %x", plain)
	}
}

func TestUnsealWrongPassphrase(t *testing.T) {
	blob, err := Seal([]byte("correct-horse"), []byte("secret"), testParams)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	_, err = Open(blob, []byte("battery-staple"))
	if !errors.Is(err, ErrWrongPassphrase) {
		t.Fatalf("expected ErrWrongPassphrase, got %v", err)
	}
	if err := VerifyPassphrase(blob, []byte("battery-staple")); !errors.Is(err, ErrWrongPassphrase) {
		t.Fatalf("expected ErrWrongPassphrase from verify, got %v", err)
	}
	if err := VerifyPassphrase(blob, []byte("correct-horse")); err != nil {
		t.Fatalf("verify with correct passphrase failed: %v", err)
	}
}

func TestUnsealAnySingleBitFlipIsCorrupt(t *testing.T) {
	blob, err := Seal([]byte("pass"), []byte("secret seed material"), testParams)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	for i := range blob {
		for _, bit := range []byte{0x01, 0x20, 0x80} {
			tampered := append([]byte(nil), blob...)
			tampered[i] ^= bit
			_, err := Open(tampered, []byte("pass"))
			if !errors.Is(err, ErrCorrupt) {
				t.Fatalf("flip at %d bit %#x: expected ErrCorrupt, got %v", i, bit, err)
			}
		}
	}
}

func TestUnsealRejectsTruncatedAndEmpty(t *testing.T) {
	blob, err := Seal([]byte("pass"), []byte("secret"), testParams)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	for _, candidate := range [][]byte{nil, blob[:len(blob)/2], blob[:len(blob)-1]} {
		if _, err := Open(candidate, []byte("pass")); !errors.Is(err, ErrCorrupt) {
			t.Fatalf("expected ErrCorrupt for %d bytes, got %v", len(candidate), err)
		}
	}
}

func TestUnsealRequiresPassphrase(t *testing.T) {
	if _, err := Seal(nil, []byte("x"), testParams); !errors.Is(err, ErrPassphraseRequired) {
		t.Fatalf("expected ErrPassphraseRequired, got %v", err)
	}
	if _, _, err := Unseal([]byte("anything"), nil); !errors.Is(err, ErrPassphraseRequired) {
		t.Fatalf("expected ErrPassphraseRequired, got %v", err)
	}
}

func TestKeyResealKeepsPassphrase(t *testing.T) {
	blob, err := Seal([]byte("pass"), []byte("v1"), testParams)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	_, key, err := Unseal(blob, []byte("pass"))
	if err != nil {
		t.Fatalf("unseal failed: %v", err)
	}
	next, err := key.Seal([]byte("v2"))
	if err != nil {
		t.Fatalf("reseal failed: %v", err)
	}
	key.Destroy()
	if _, err := key.Seal([]byte("v3")); err == nil {
		t.Fatal("expected destroyed key to refuse sealing")
	}
	plain, err := Open(next, []byte("pass"))
	if err != nil {
		t.Fatalf("open resealed blob failed: %v", err)
	}
	if string(plain) != "v2" {
		t.Fatalf("unexpected plaintext %q", plain)
	}
}

func TestSealRejectsInvalidParams(t *testing.T) {
	if _, err := Seal([]byte("pass"), []byte("x"), KDFParams{}); err == nil {
		t.Fatal("expected invalid params to be rejected")
	}
}
