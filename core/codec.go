package core

// JSON codec helpers. Request and response buffers between host and guest
// use canonical JSON: struct fields in declaration order, map keys sorted
// (encoding/json does both), addresses as 0x hex, hashes as uppercase hex,
// integers as decimal strings.

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// marshalJSON encodes a value without HTML escaping, so byte-for-byte
// output matches what other tooling produces for the same document.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// Encode appends a newline; strip it.
	out := buf.Bytes()
	if n := len(out); n > 0 && out[n-1] == '\n' {
		out = out[:n-1]
	}
	return out, nil
}

// unmarshalStrict decodes JSON, rejecting unknown fields so that a typo in
// a message key is an error instead of silently ignored input.
func unmarshalStrict(bz []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(bz))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("malformed json: %w", err)
	}
	return nil
}
