// Package jsonutil centralizes JSON encode/decode behind sonic so every
// package that touches persisted state (cooldowns, locks, history rows)
// shares one fast, consistently-configured codec.
package jsonutil

import (
	"io"

	"github.com/bytedance/sonic"
)

var api = sonic.ConfigStd

// Marshal encodes v using the shared codec.
func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// MarshalIndent encodes v with indentation, for human-editable state files.
func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return api.MarshalIndent(v, prefix, indent)
}

// Unmarshal decodes data into v using the shared codec.
func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// NewDecoder returns a streaming decoder over r.
func NewDecoder(r io.Reader) sonic.Decoder {
	return api.NewDecoder(r)
}
