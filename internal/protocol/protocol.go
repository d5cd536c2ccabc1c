package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/luciancaetano/shardgate"
)

const (
	maxPayloadSize = 4096             // gateway limit for client frames
	maxInboundSize = 10 * 1024 * 1024 // 10MB max inbound frame
)

// Frame is a gateway frame: {op, d, s, t}.
type Frame struct {
	Op shardgate.Opcode    `json:"op"`
	D  json.RawMessage     `json:"d"`
	S  *int64              `json:"s,omitempty"`
	T  shardgate.EventName `json:"t,omitempty"`
}

// Encode validates and encodes an outgoing frame. d must marshal to a JSON object,
// except for heartbeats which carry a sequence number or null.
func Encode(op shardgate.Opcode, d any) ([]byte, error) {
	if !op.Sendable() {
		return nil, fmt.Errorf("%w: opcode %d (%s) cannot be sent", shardgate.ErrProtocolViolation, op, op)
	}

	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shardgate.ErrProtocolViolation, err)
	}

	if !validPayload(op, raw) {
		return nil, fmt.Errorf("%w: %s payload must be a JSON object", shardgate.ErrProtocolViolation, op)
	}

	out, err := json.Marshal(Frame{Op: op, D: raw})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shardgate.ErrProtocolViolation, err)
	}
	if len(out) > maxPayloadSize {
		return nil, fmt.Errorf("%w: frame size %d exceeds maximum %d bytes", shardgate.ErrProtocolViolation, len(out), maxPayloadSize)
	}
	return out, nil
}

func validPayload(op shardgate.Opcode, raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return false
	}
	if trimmed[0] == '{' {
		return true
	}
	if op != shardgate.OpHeartbeat {
		return false
	}
	if bytes.Equal(trimmed, []byte("null")) {
		return true
	}
	var n json.Number
	return json.Unmarshal(trimmed, &n) == nil
}

// Decode decodes an inbound frame.
func Decode(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, errors.New("empty frame")
	}
	if len(data) > maxInboundSize {
		return Frame{}, fmt.Errorf("frame size %d exceeds maximum %d bytes", len(data), maxInboundSize)
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// CloseClass groups close codes by the reaction they require.
type CloseClass int

const (
	// CloseRecoverable reconnects and keeps the session.
	CloseRecoverable CloseClass = iota
	// CloseClean destroys the shard without reconnecting.
	CloseClean
	// CloseFatal destroys the whole pool.
	CloseFatal
	// CloseSessionInvalid drops the session, then reconnects.
	CloseSessionInvalid
)

func (c CloseClass) String() string {
	switch c {
	case CloseClean:
		return "clean"
	case CloseFatal:
		return "fatal"
	case CloseSessionInvalid:
		return "session_invalid"
	}
	return "recoverable"
}

// Classify maps a close code to its class.
func Classify(code int) CloseClass {
	switch {
	case code == shardgate.CloseNormal:
		return CloseClean
	case slices.Contains(shardgate.FatalCloseCodes, code):
		return CloseFatal
	case slices.Contains(shardgate.SessionInvalidCloseCodes, code):
		return CloseSessionInvalid
	}
	return CloseRecoverable
}
