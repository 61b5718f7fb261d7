package secmem

import "testing"

func TestWipeZeroesBuffer(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	Wipe(b)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d not wiped: %d", i, v)
		}
	}
}

func TestSecretDestroyWipesCopy(t *testing.T) {
	src := []byte("correct-horse")
	s := NewSecret(src)
	inner := s.Bytes()
	if string(inner) != "correct-horse" {
		t.Fatalf("unexpected secret contents %q", inner)
	}
	s.Destroy()
	for i, v := range inner {
		if v != 0 {
			t.Fatalf("byte %d not wiped after destroy", i)
		}
	}
	if s.Len() != 0 || s.Bytes() != nil {
		t.Fatal("destroyed secret must be empty")
	}
	if string(src) != "correct-horse" {
		t.Fatal("caller buffer must not be modified")
	}
	s.Destroy()
}
