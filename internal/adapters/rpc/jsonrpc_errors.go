package rpc

import (
	"context"
	"errors"

	"seedkeeper/go-keystore/internal/keystore"
	"seedkeeper/go-keystore/internal/securestore"
	"seedkeeper/go-keystore/internal/session"
	"seedkeeper/go-keystore/pkg/models"
)

var errInvalidParams = errors.New("invalid params")

func kindError(kind models.ErrorKind, message string) *rpcError {
	return &rpcError{Code: kind.Code(), Message: message, Data: &models.ErrorData{Kind: kind}}
}

func protocolError(code int, message string) *rpcError {
	return &rpcError{Code: code, Message: message, Data: &models.ErrorData{Kind: models.KindProtocol}}
}

func rpcInvalidParams(err error) *rpcError {
	msg := errInvalidParams.Error()
	switch {
	case err == nil:
	case errors.Is(err, errInvalidParams):
		msg = err.Error()
	default:
		msg += ": " + err.Error()
	}
	return protocolError(models.CodeInvalidParams, msg)
}

func rpcMethodNotFound() *rpcError {
	return protocolError(models.CodeMethodNotFound, "method not found")
}

// errorKinds is checked in order; the first match wins.
var errorKinds = []struct {
	err  error
	kind models.ErrorKind
}{
	{securestore.ErrWrongPassphrase, models.KindWrongPassphrase},
	{keystore.ErrLocked, models.KindLocked},
	{session.ErrRateLimited, models.KindRateLimited},
	{keystore.ErrDuplicateTag, models.KindDuplicateTag},
	{keystore.ErrDuplicateKey, models.KindDuplicateKey},
	{keystore.ErrUnknownKey, models.KindUnknownKey},
	{keystore.ErrNotExportable, models.KindNotExportable},
	{keystore.ErrMalformedSignature, models.KindMalformedSignature},
	{securestore.ErrCorrupt, models.KindCorruptStore},
	{securestore.ErrUnsupportedSchema, models.KindCorruptStore},
	{keystore.ErrInconsistentState, models.KindCorruptStore},
	{keystore.ErrInvalidMasterSeed, models.KindCorruptStore},
}

// invalidInputs are caller mistakes reported as invalid params.
var invalidInputs = []error{
	errInvalidParams,
	keystore.ErrMalformedPublicKey,
	keystore.ErrInvalidTag,
	securestore.ErrPassphraseRequired,
}

// mapError converts a service error to its wire form. Internal errors get a
// generic message; the caller logs the detail.
func mapError(err error) *rpcError {
	if err == nil {
		return nil
	}
	for _, e := range invalidInputs {
		if errors.Is(err, e) {
			return rpcInvalidParams(err)
		}
	}
	for _, entry := range errorKinds {
		if errors.Is(err, entry.err) {
			return kindError(entry.kind, err.Error())
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return kindError(models.KindInternal, "request timed out")
	case errors.Is(err, session.ErrClosed):
		return kindError(models.KindInternal, "service is shutting down")
	}
	return kindError(models.KindInternal, "internal error")
}

func isWrongPassphrase(err error) bool {
	return errors.Is(err, securestore.ErrWrongPassphrase)
}
