package types

import (
	"encoding/json"
	"fmt"
)

// Envelope kinds carried on result channels
const (
	KindChunk = "chunk"
	KindEnd   = "end"
)

// Envelope is the wire format for every event on a run's result channel.
// A stream is zero or more chunk envelopes followed by exactly one end
// envelope; the end envelope carries an error message when the run failed.
type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// IsEnd reports whether the envelope terminates the stream
func (e *Envelope) IsEnd() bool {
	return e.Kind == KindEnd
}

// ChunkEnvelope wraps an already-serialised payload in a chunk envelope
func ChunkEnvelope(payload json.RawMessage) Envelope {
	return Envelope{Kind: KindChunk, Payload: payload}
}

// EndEnvelope returns the envelope closing a successful stream
func EndEnvelope() Envelope {
	return Envelope{Kind: KindEnd}
}

// EndErrorEnvelope returns the envelope closing a failed stream
func EndErrorEnvelope(msg string) Envelope {
	return Envelope{Kind: KindEnd, Error: msg}
}

// EncodeEnvelope serialises an envelope for publication
func EncodeEnvelope(e Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// DecodeEnvelope parses a message received from a result channel
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Kind != KindChunk && e.Kind != KindEnd {
		return nil, fmt.Errorf("decode envelope: unknown kind %q", e.Kind)
	}
	return &e, nil
}
