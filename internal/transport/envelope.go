// Package transport defines the wire message contracts of spec §6: JSON
// payloads tagged by a "type" field, for both the client (session)
// connection and the node connection. Decoding peeks the tag, then
// unmarshals into the concrete struct that names it — the same
// two-step shape the teacher's realtime provider sessions use to
// dispatch server events by their own "type" tag.
package transport

import (
	"encoding/json"
	"fmt"
)

// envelope is decoded first to discover which concrete message a raw
// payload carries.
type envelope struct {
	Type string `json:"type"`
}

// PeekType reports the "type" tag of a raw message without decoding the
// rest of it.
func PeekType(data []byte) (string, error) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return "", fmt.Errorf("transport: peek type: %w", err)
	}
	if e.Type == "" {
		return "", fmt.Errorf("transport: message missing \"type\"")
	}
	return e.Type, nil
}

// Encode marshals a tagged message back to JSON. Every message struct in
// this package carries its own Type field already set by its
// constructor, so this is a thin wrapper kept for symmetry with Decode*.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transport: encode: %w", err)
	}
	return data, nil
}

func unmarshalInto[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("transport: decode %T: %w", v, err)
	}
	return v, nil
}
