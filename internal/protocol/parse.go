package protocol

import (
	"encoding/json"
	"fmt"
)

// ParseEnvelope decodes the outer frame of a JSON message. The caller
// switches on Type and calls Decode to get the typed payload.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("message missing type field")
	}
	env.Raw = data
	return &env, nil
}

// Decode unmarshals the full message into the given payload struct.
func (e *Envelope) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return nil
}

// NormalizeAppInitType reports whether t is one of the accepted App handshake
// wire names. Legacy SDKs send tpa_connection_init, newer ones send
// connection_init on the App socket; both normalize to the canonical form.
func NormalizeAppInitType(t string) bool {
	return t == TypeAppConnectionInit || t == TypeAppConnectionInitV2
}
