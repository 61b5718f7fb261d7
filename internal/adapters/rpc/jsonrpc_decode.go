package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// decodeParams decodes a by-name params object into v. Absent or null params
// decode as an empty object; positional params and unknown members are
// rejected.
func decodeParams(raw json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	if trimmed[0] != '{' {
		return fmt.Errorf("%w: params must be an object", errInvalidParams)
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", errInvalidParams)
	}
	return nil
}

func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", errInvalidParams, name)
	}
	return nil
}

func optionalPath(p *[]uint32) []uint32 {
	if p == nil {
		return nil
	}
	if *p == nil {
		return []uint32{}
	}
	return *p
}
