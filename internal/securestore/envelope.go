package securestore

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"seedkeeper/go-keystore/internal/platform/secmem"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// SchemaVersion is the layout version written into every sealed file.
	SchemaVersion = 1

	filePrefix   = "SEEDKEEPER-STORE"
	kdfArgon2id  = "argon2id"
	saltSize     = 16
	checkKeySize = 32
	keyCheckInfo = "seedkeeper/passphrase-check/v1"
	aadDomain    = "seedkeeper/store-header/v1"
)

var (
	ErrWrongPassphrase    = errors.New("wrong passphrase")
	ErrCorrupt            = errors.New("sealed store is corrupt")
	ErrUnsupportedSchema  = errors.New("unsupported sealed store schema version")
	ErrPassphraseRequired = errors.New("passphrase is required")
)

// KDFParams are the Argon2id cost parameters recorded in every envelope.
type KDFParams struct {
	Time     uint32 `yaml:"time"`
	MemoryKB uint32 `yaml:"memoryKB"`
	Threads  uint8  `yaml:"threads"`
}

// DefaultKDFParams returns the production Argon2id cost.
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 2, MemoryKB: 64 * 1024, Threads: 1}
}

func (p KDFParams) validate() error {
	switch {
	case p.Time == 0 || p.Time > 64:
		return fmt.Errorf("argon2 time %d out of range", p.Time)
	case p.MemoryKB < 8 || p.MemoryKB > 4*1024*1024:
		return fmt.Errorf("argon2 memory %d KiB out of range", p.MemoryKB)
	case p.Threads == 0:
		return errors.New("argon2 threads must be positive")
	}
	return nil
}

// Envelope is the JSON header and ciphertext line of a sealed file.
type Envelope struct {
	SchemaVersion uint32 `json:"schema_version"`
	KDF           string `json:"kdf"`
	KDFTime       uint32 `json:"kdf_time"`
	KDFMemoryKB   uint32 `json:"kdf_memory_kb"`
	KDFThreads    uint8  `json:"kdf_threads"`
	Salt          []byte `json:"salt"`
	Nonce         []byte `json:"nonce"`
	KeyCheck      []byte `json:"key_check"`
	Ciphertext    []byte `json:"ciphertext"`
}

func (e *Envelope) params() KDFParams {
	return KDFParams{Time: e.KDFTime, MemoryKB: e.KDFMemoryKB, Threads: e.KDFThreads}
}

// Key is a passphrase-derived sealing key. It is held while a store is
// unlocked so that writes do not pay the Argon2id cost again.
type Key struct {
	params KDFParams
	salt   []byte
	enc    *secmem.Secret
	check  []byte
}

// DeriveKey stretches passphrase under a fresh random salt.
func DeriveKey(passphrase []byte, params KDFParams) (*Key, error) {
	if len(passphrase) == 0 {
		return nil, ErrPassphraseRequired
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return deriveKey(passphrase, salt, params), nil
}

func deriveKey(passphrase, salt []byte, params KDFParams) *Key {
	raw := argon2.IDKey(passphrase, salt, params.Time, params.MemoryKB, params.Threads, chacha20poly1305.KeySize+checkKeySize)
	defer secmem.Wipe(raw)
	return &Key{
		params: params,
		salt:   append([]byte(nil), salt...),
		enc:    secmem.NewSecret(raw[:chacha20poly1305.KeySize]),
		check:  keyCheck(raw[chacha20poly1305.KeySize:]),
	}
}

func keyCheck(checkKey []byte) []byte {
	h, err := blake2b.New256(checkKey)
	if err != nil {
		// blake2b only rejects keys longer than 64 bytes.
		panic(err)
	}
	_, _ = h.Write([]byte(keyCheckInfo))
	return h.Sum(nil)
}

// Destroy wipes the encryption key.
func (k *Key) Destroy() {
	if k == nil {
		return
	}
	k.enc.Destroy()
}

// Seal encrypts plaintext under k and returns the complete file bytes.
func (k *Key) Seal(plaintext []byte) ([]byte, error) {
	if k == nil || k.enc.Len() == 0 {
		return nil, errors.New("sealing key is destroyed")
	}
	aead, err := chacha20poly1305.NewX(k.enc.Bytes())
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	env := &Envelope{
		SchemaVersion: SchemaVersion,
		KDF:           kdfArgon2id,
		KDFTime:       k.params.Time,
		KDFMemoryKB:   k.params.MemoryKB,
		KDFThreads:    k.params.Threads,
		Salt:          append([]byte(nil), k.salt...),
		Nonce:         nonce,
		KeyCheck:      append([]byte(nil), k.check...),
	}
	env.Ciphertext = aead.Seal(nil, nonce, plaintext, headerAAD(env))
	return encodeFile(env)
}

// Seal derives a one-off key from passphrase and seals plaintext with it.
func Seal(passphrase, plaintext []byte, params KDFParams) ([]byte, error) {
	key, err := DeriveKey(passphrase, params)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()
	return key.Seal(plaintext)
}

// Unseal verifies and decrypts blob. On success it also returns the key so
// the caller can re-seal later writes; the caller owns and must Destroy it.
//
// Any modification of blob yields ErrCorrupt; a well-formed blob opened with
// the wrong passphrase yields ErrWrongPassphrase.
func Unseal(blob, passphrase []byte) ([]byte, *Key, error) {
	if len(passphrase) == 0 {
		return nil, nil, ErrPassphraseRequired
	}
	env, err := decodeFile(blob)
	if err != nil {
		return nil, nil, err
	}
	key := deriveKey(passphrase, env.Salt, env.params())
	if subtle.ConstantTimeCompare(key.check, env.KeyCheck) != 1 {
		key.Destroy()
		return nil, nil, ErrWrongPassphrase
	}
	aead, err := chacha20poly1305.NewX(key.enc.Bytes())
	if err != nil {
		key.Destroy()
		return nil, nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, headerAAD(env))
	if err != nil {
		key.Destroy()
		return nil, nil, ErrCorrupt
	}
	return plaintext, key, nil
}

// Open is Unseal for callers that do not need the key afterwards.
func Open(blob, passphrase []byte) ([]byte, error) {
	plaintext, key, err := Unseal(blob, passphrase)
	if err != nil {
		return nil, err
	}
	key.Destroy()
	return plaintext, nil
}

// VerifyPassphrase checks passphrase against blob without decrypting it.
func VerifyPassphrase(blob, passphrase []byte) error {
	if len(passphrase) == 0 {
		return ErrPassphraseRequired
	}
	env, err := decodeFile(blob)
	if err != nil {
		return err
	}
	key := deriveKey(passphrase, env.Salt, env.params())
	defer key.Destroy()
	if subtle.ConstantTimeCompare(key.check, env.KeyCheck) != 1 {
		return ErrWrongPassphrase
	}
	return nil
}

func headerAAD(env *Envelope) []byte {
	var buf bytes.Buffer
	buf.WriteString(aadDomain)
	var u32 [4]byte
	for _, v := range []uint32{env.SchemaVersion, env.KDFTime, env.KDFMemoryKB} {
		binary.BigEndian.PutUint32(u32[:], v)
		buf.Write(u32[:])
	}
	buf.WriteByte(env.KDFThreads)
	for _, field := range [][]byte{[]byte(env.KDF), env.Salt, env.Nonce, env.KeyCheck} {
		binary.BigEndian.PutUint32(u32[:], uint32(len(field)))
		buf.Write(u32[:])
		buf.Write(field)
	}
	return buf.Bytes()
}

func encodeFile(env *Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(filePrefix)
	buf.WriteByte('\n')
	buf.Write(body)
	buf.WriteByte('\n')
	sum := blake2b.Sum256(buf.Bytes())
	buf.WriteString(hex.EncodeToString(sum[:]))
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func decodeFile(blob []byte) (*Envelope, error) {
	lines := bytes.Split(blob, []byte{'\n'})
	if len(lines) != 4 || len(lines[3]) != 0 {
		return nil, fmt.Errorf("%w: unexpected layout", ErrCorrupt)
	}
	if string(lines[0]) != filePrefix {
		return nil, fmt.Errorf("%w: missing file prefix", ErrCorrupt)
	}
	covered := blob[:len(lines[0])+len(lines[1])+2]
	sum := blake2b.Sum256(covered)
	if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), lines[2]) != 1 {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	var env Envelope
	if err := json.Unmarshal(lines[1], &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: %w %d", ErrCorrupt, ErrUnsupportedSchema, env.SchemaVersion)
	}
	if env.KDF != kdfArgon2id {
		return nil, fmt.Errorf("%w: unsupported kdf %q", ErrCorrupt, env.KDF)
	}
	if err := env.params().validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(env.Salt) != saltSize || len(env.Nonce) != chacha20poly1305.NonceSizeX || len(env.KeyCheck) != blake2b.Size256 {
		return nil, fmt.Errorf("%w: malformed header", ErrCorrupt)
	}
	return &env, nil
}
