package client

import (
	"errors"
	"fmt"

	"seedkeeper/go-keystore/pkg/models"
)

var (
	ErrConnection = errors.New("keystore connection failed")
	ErrTimeout    = errors.New("keystore request timed out")
	ErrProtocol   = errors.New("keystore protocol error")
	ErrClosed     = errors.New("keystore client closed")

	ErrPassphraseRequired = errors.New("passphrase is required")
)

// Remote error kinds, matched with errors.Is against a *RemoteError.
var (
	ErrWrongPassphrase    = errors.New("wrong passphrase")
	ErrLocked             = errors.New("keystore is locked")
	ErrRateLimited        = errors.New("rate limited")
	ErrDuplicateTag       = errors.New("duplicate tag")
	ErrDuplicateKey       = errors.New("duplicate key")
	ErrUnknownKey         = errors.New("unknown key")
	ErrNotExportable      = errors.New("seed is not exportable")
	ErrMalformedSignature = errors.New("malformed signature")
	ErrCorruptStore       = errors.New("corrupt store")
	ErrInternal           = errors.New("internal keystore error")
)

var kindSentinels = map[models.ErrorKind]error{
	models.KindProtocol:           ErrProtocol,
	models.KindWrongPassphrase:    ErrWrongPassphrase,
	models.KindLocked:             ErrLocked,
	models.KindRateLimited:        ErrRateLimited,
	models.KindDuplicateTag:       ErrDuplicateTag,
	models.KindDuplicateKey:       ErrDuplicateKey,
	models.KindUnknownKey:         ErrUnknownKey,
	models.KindNotExportable:      ErrNotExportable,
	models.KindMalformedSignature: ErrMalformedSignature,
	models.KindCorruptStore:       ErrCorruptStore,
	models.KindInternal:           ErrInternal,
}

// ConnectionError reports that the daemon could not be reached or the
// connection broke mid-call.
type ConnectionError struct {
	Op       string
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// TimeoutError reports a dial or call that ran past its deadline. It also
// matches ErrConnection since the connection state is unknown afterwards.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout || target == ErrConnection
}

// ProtocolError reports a response the client could not make sense of.
type ProtocolError struct {
	Op  string
	Msg string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// RemoteError is an error response from the daemon.
type RemoteError struct {
	Kind    models.ErrorKind
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("keystore %s (%d): %s", e.Kind, e.Code, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

func isTransport(err error) bool {
	return errors.Is(err, ErrConnection)
}
