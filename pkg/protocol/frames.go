package protocol

import "fmt"

// Ledger frames travel as websocket binary messages. The first byte is the
// frame kind, the rest is the algorithm-specific payload which the
// coordinator merges, stores and forwards but never interprets.
const (
	// FrameSyncRequest announces what the joiner already has; the authority
	// answers with a full update frame.
	FrameSyncRequest byte = 0x01
	// FrameUpdate carries a ledger delta or a full merged state.
	FrameUpdate byte = 0x02
)

// EncodeFrame prefixes the payload with its frame kind.
func EncodeFrame(kind byte, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, kind)
	return append(out, payload...)
}

// DecodeFrame splits a binary message into kind and payload.
func DecodeFrame(raw []byte) (byte, []byte, error) {
	if len(raw) == 0 {
		return 0, nil, fmt.Errorf("%w: empty binary frame", ErrMalformed)
	}
	switch raw[0] {
	case FrameSyncRequest, FrameUpdate:
		return raw[0], raw[1:], nil
	default:
		return 0, nil, fmt.Errorf("%w: unknown frame kind 0x%02x", ErrMalformed, raw[0])
	}
}
