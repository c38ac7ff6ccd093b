package deadletter

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"

	"github.com/randalmurphal/exflow/pkg/exflow/event"
)

// EncodeEnvelope serializes and compresses an envelope for storage.
func EncodeEnvelope(env event.Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return snappy.Encode(nil, data), nil
}

// DecodeEnvelope reverses EncodeEnvelope.
func DecodeEnvelope(blob []byte) (event.Envelope, error) {
	var env event.Envelope
	data, err := snappy.Decode(nil, blob)
	if err != nil {
		return env, fmt.Errorf("decompress envelope: %w", err)
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}
