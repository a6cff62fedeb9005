// Package protocol defines the binary frame format exchanged with
// collaborative clients. A frame is a varint message-type tag, a
// length-prefixed room name, and a type-specific payload. Sync payloads
// carry a further varint step tag.
package protocol

import (
	"errors"
	"fmt"
)

// MessageType discriminates the frame payloads.
type MessageType uint64

const (
	// MessageSync carries a document sync step.
	MessageSync MessageType = 0
	// MessageAwareness carries an encoded awareness diff.
	MessageAwareness MessageType = 1
	// MessageAuth carries an opaque client credential.
	MessageAuth MessageType = 2
	// MessagePresence carries an application-defined JSON payload.
	MessagePresence MessageType = 3
)

// String returns the message type's label, used for metrics and logs.
func (t MessageType) String() string {
	switch t {
	case MessageSync:
		return "sync"
	case MessageAwareness:
		return "awareness"
	case MessageAuth:
		return "auth"
	case MessagePresence:
		return "presence"
	default:
		return "unknown"
	}
}

// SyncStep discriminates sync payloads.
type SyncStep uint64

const (
	// SyncStep1 carries a state vector and requests the missing updates.
	SyncStep1 SyncStep = 0
	// SyncStep2 carries the updates missing from a received state vector.
	SyncStep2 SyncStep = 1
	// SyncUpdate carries an incremental update broadcast.
	SyncUpdate SyncStep = 2
)

var (
	// ErrFrameTooShort indicates a frame ended inside a field.
	ErrFrameTooShort = errors.New("protocol: frame too short")
	// ErrVarintOverflow indicates a varint longer than ten bytes.
	ErrVarintOverflow = errors.New("protocol: varint overflow")
	// ErrLengthOutOfRange indicates a length prefix beyond the frame end.
	ErrLengthOutOfRange = errors.New("protocol: length out of range")
	// ErrUnknownMessageType indicates an unrecognized frame tag.
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
	// ErrUnknownSyncStep indicates an unrecognized sync step tag.
	ErrUnknownSyncStep = errors.New("protocol: unknown sync step")
	// ErrMissingRoomName indicates a frame without a room name.
	ErrMissingRoomName = errors.New("protocol: missing room name")
)

// maxVarintLen is the longest varint encoding of a uint64.
const maxVarintLen = 10

// Frame is a decoded client message.
type Frame struct {
	Type    MessageType
	Room    string
	Payload []byte
}

// EncodeFrame serializes a frame.
func EncodeFrame(frame Frame) []byte {
	buf := make([]byte, 0, 2*maxVarintLen+len(frame.Room)+len(frame.Payload))
	buf = appendUvarint(buf, uint64(frame.Type))
	buf = appendUvarint(buf, uint64(len(frame.Room)))
	buf = append(buf, frame.Room...)
	buf = append(buf, frame.Payload...)
	return buf
}

// DecodeFrame parses a binary frame. Auth frames carry no room name; every
// other type requires one.
func DecodeFrame(data []byte) (Frame, error) {
	tag, n := decodeUvarint(data)
	if n < 0 {
		return Frame{}, varintError(n)
	}
	data = data[n:]

	messageType := MessageType(tag)
	switch messageType {
	case MessageSync, MessageAwareness, MessageAuth, MessagePresence:
	default:
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownMessageType, tag)
	}

	nameLen, n := decodeUvarint(data)
	if n < 0 {
		return Frame{}, varintError(n)
	}
	data = data[n:]
	if nameLen > uint64(len(data)) {
		return Frame{}, ErrLengthOutOfRange
	}
	room := string(data[:nameLen])
	if room == "" && messageType != MessageAuth {
		return Frame{}, ErrMissingRoomName
	}

	payload := make([]byte, len(data)-int(nameLen))
	copy(payload, data[nameLen:])
	return Frame{Type: messageType, Room: room, Payload: payload}, nil
}

// EncodeSync builds a sync frame around a step body.
func EncodeSync(room string, step SyncStep, body []byte) []byte {
	payload := make([]byte, 0, maxVarintLen+len(body))
	payload = appendUvarint(payload, uint64(step))
	payload = append(payload, body...)
	return EncodeFrame(Frame{Type: MessageSync, Room: room, Payload: payload})
}

// DecodeSyncPayload splits a sync payload into its step and body.
func DecodeSyncPayload(payload []byte) (SyncStep, []byte, error) {
	tag, n := decodeUvarint(payload)
	if n < 0 {
		return 0, nil, varintError(n)
	}
	step := SyncStep(tag)
	switch step {
	case SyncStep1, SyncStep2, SyncUpdate:
	default:
		return 0, nil, fmt.Errorf("%w: %d", ErrUnknownSyncStep, tag)
	}
	return step, payload[n:], nil
}

// EncodeAwareness builds an awareness frame around an encoded diff.
func EncodeAwareness(room string, diff []byte) []byte {
	return EncodeFrame(Frame{Type: MessageAwareness, Room: room, Payload: diff})
}

// EncodeAuth builds an auth frame around an opaque credential.
func EncodeAuth(credential string) []byte {
	return EncodeFrame(Frame{Type: MessageAuth, Payload: []byte(credential)})
}

// EncodePresence builds a presence frame around a JSON payload.
func EncodePresence(room string, payload []byte) []byte {
	return EncodeFrame(Frame{Type: MessagePresence, Room: room, Payload: payload})
}

func appendUvarint(buf []byte, value uint64) []byte {
	for value >= 0x80 {
		buf = append(buf, byte(value)|0x80)
		value >>= 7
	}
	return append(buf, byte(value))
}

// decodeUvarint returns (value, bytesRead). Negative bytesRead flags a
// decode failure: -1 truncated, -2 overflow.
func decodeUvarint(buf []byte) (uint64, int) {
	var value uint64
	var shift uint
	for i, b := range buf {
		if i >= maxVarintLen {
			return 0, -2
		}
		value |= uint64(b&0x7F) << shift
		if b < 0x80 {
			return value, i + 1
		}
		shift += 7
	}
	return 0, -1
}

func varintError(n int) error {
	if n == -2 {
		return ErrVarintOverflow
	}
	return ErrFrameTooShort
}
