package keystore

import "errors"

var (
	ErrLocked             = errors.New("keystore is locked")
	ErrDuplicateTag       = errors.New("seed tag already exists")
	ErrDuplicateKey       = errors.New("derivation path yields a key that is already stored")
	ErrUnknownKey         = errors.New("unknown public key")
	ErrNotExportable      = errors.New("seed is not exportable")
	ErrMalformedSignature = errors.New("malformed signature")
	ErrMalformedPublicKey = errors.New("malformed public key")
	ErrInvalidTag         = errors.New("invalid seed tag")
	ErrInvalidMasterSeed  = errors.New("invalid master seed")
	ErrPathExhausted      = errors.New("no free derivation index left")
	ErrInconsistentState  = errors.New("seed table does not match master seed")
)
