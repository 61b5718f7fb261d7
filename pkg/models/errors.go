package models

// ErrorKind names an error class on the wire. The numeric JSON-RPC code is
// derived from it; clients match on the kind.
type ErrorKind string

const (
	KindProtocol           ErrorKind = "protocol"
	KindWrongPassphrase    ErrorKind = "wrong_passphrase"
	KindLocked             ErrorKind = "locked"
	KindRateLimited        ErrorKind = "rate_limited"
	KindDuplicateTag       ErrorKind = "duplicate_tag"
	KindDuplicateKey       ErrorKind = "duplicate_key"
	KindUnknownKey         ErrorKind = "unknown_key"
	KindNotExportable      ErrorKind = "not_exportable"
	KindMalformedSignature ErrorKind = "malformed_signature"
	KindCorruptStore       ErrorKind = "corrupt_store"
	KindInternal           ErrorKind = "internal"
)

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
)

var kindCodes = map[ErrorKind]int{
	KindWrongPassphrase:    -32010,
	KindLocked:             -32011,
	KindRateLimited:        -32012,
	KindDuplicateTag:       -32020,
	KindDuplicateKey:       -32021,
	KindUnknownKey:         -32022,
	KindNotExportable:      -32023,
	KindMalformedSignature: -32030,
	KindCorruptStore:       -32040,
	KindInternal:           -32099,
}

// Code returns the JSON-RPC code for k. Protocol errors carry their own
// standard code, so KindProtocol maps to invalid request.
func (k ErrorKind) Code() int {
	if k == KindProtocol {
		return CodeInvalidRequest
	}
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return kindCodes[KindInternal]
}

// KindForCode maps a code back to its kind, for peers that omit error data.
func KindForCode(code int) ErrorKind {
	if code <= -32600 && code >= -32700 {
		return KindProtocol
	}
	for kind, c := range kindCodes {
		if c == code {
			return kind
		}
	}
	return KindInternal
}

type ErrorData struct {
	Kind ErrorKind `json:"kind"`
}
