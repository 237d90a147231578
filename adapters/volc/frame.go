package volc

import (
	"encoding/binary"
	"fmt"
)

// Protocol constants for the Volcengine streaming ASR binary protocol.
const (
	ProtocolVersion byte = 0x1
	HeaderSizeUnits byte = 0x1
)

// MessageType is the high nibble of the second header byte.
type MessageType byte

// Message types used by the streaming ASR API. Values not listed here are
// still decoded and handed to the caller.
const (
	MessageTypeFullClientRequest  MessageType = 0x1
	MessageTypeAudioOnlyRequest   MessageType = 0x2
	MessageTypeFullServerResponse MessageType = 0x9
	MessageTypeErrorResponse      MessageType = 0xF
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeFullClientRequest:
		return "full_client_request"
	case MessageTypeAudioOnlyRequest:
		return "audio_only_request"
	case MessageTypeFullServerResponse:
		return "full_server_response"
	case MessageTypeErrorResponse:
		return "error_response"
	default:
		return fmt.Sprintf("unknown(0x%x)", byte(t))
	}
}

// Serialization is the high nibble of the third header byte.
type Serialization byte

const (
	SerializationNone Serialization = 0x0
	SerializationJSON Serialization = 0x1
)

// Compression is the low nibble of the third header byte.
type Compression byte

const (
	CompressionNone Compression = 0x0
	CompressionGzip Compression = 0x1
)

// Message type specific flags (low nibble of the second header byte).
const (
	FlagNone            byte = 0x0
	FlagLastAudio       byte = 0x2
	FlagServerFinalMask byte = 0x3
)

const (
	headerUnitBytes = 4
	fieldBytes      = 4
	minFrameBytes   = headerUnitBytes + fieldBytes
)

// Frame is one message of the binary protocol.
//
// Wire layout:
//
//	byte0  version<<4 | header size (4-byte units)
//	byte1  message type<<4 | flags
//	byte2  serialization<<4 | compression
//	byte3  reserved
//	[header extension up to header size * 4]
//	[sequence int32, full server responses only]
//	[error code uint32, error responses only]
//	payload size uint32 (big-endian)
//	payload
type Frame struct {
	Version       byte
	HeaderSize    byte
	Type          MessageType
	Flags         byte
	Serialization Serialization
	Compression   Compression
	Sequence      int32
	ErrorCode     uint32
	Payload       []byte
}

// IsFinal reports whether both bits of the server final mask are set.
func (f *Frame) IsFinal() bool {
	return f.Flags&FlagServerFinalMask == FlagServerFinalMask
}

// IsLastAudio reports whether the frame carries the last-chunk flag.
func (f *Frame) IsLastAudio() bool {
	return f.Flags&FlagLastAudio == FlagLastAudio
}

// EncodeFrame builds a frame with no header extension. For client message
// types the result is exactly 8 bytes longer than payload. The payload must
// already be compressed when compression is CompressionGzip.
func EncodeFrame(messageType MessageType, flags byte, serialization Serialization, compression Compression, payload []byte) []byte {
	f := Frame{
		Type:          messageType,
		Flags:         flags,
		Serialization: serialization,
		Compression:   compression,
		Payload:       payload,
	}
	return f.Encode()
}

// Encode serializes the frame. Version and header size are always written as
// ProtocolVersion and HeaderSizeUnits.
func (f *Frame) Encode() []byte {
	buf := make([]byte, headerUnitBytes+prefixBytes(f.Type)+fieldBytes+len(f.Payload))
	buf[0] = (ProtocolVersion&0x0F)<<4 | HeaderSizeUnits&0x0F
	buf[1] = (byte(f.Type)&0x0F)<<4 | f.Flags&0x0F
	buf[2] = (byte(f.Serialization)&0x0F)<<4 | byte(f.Compression)&0x0F
	buf[3] = 0

	off := headerUnitBytes
	switch f.Type {
	case MessageTypeFullServerResponse:
		binary.BigEndian.PutUint32(buf[off:], uint32(f.Sequence))
		off += fieldBytes
	case MessageTypeErrorResponse:
		binary.BigEndian.PutUint32(buf[off:], f.ErrorCode)
		off += fieldBytes
	}

	binary.BigEndian.PutUint32(buf[off:], uint32(len(f.Payload)))
	off += fieldBytes
	copy(buf[off:], f.Payload)
	return buf
}

// DecodeFrame parses one frame. The declared header size is honoured, so
// frames with header extensions are located correctly. The returned Payload
// aliases data. Any structural inconsistency yields ErrMalformedFrame.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < minFrameBytes {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedFrame, len(data), minFrameBytes)
	}

	f := &Frame{
		Version:       data[0] >> 4,
		HeaderSize:    data[0] & 0x0F,
		Type:          MessageType(data[1] >> 4),
		Flags:         data[1] & 0x0F,
		Serialization: Serialization(data[2] >> 4),
		Compression:   Compression(data[2] & 0x0F),
	}

	off := int(f.HeaderSize) * headerUnitBytes
	if off < headerUnitBytes {
		return nil, fmt.Errorf("%w: header size of %d units", ErrMalformedFrame, f.HeaderSize)
	}
	if need := off + prefixBytes(f.Type) + fieldBytes; len(data) < need {
		return nil, fmt.Errorf("%w: %s needs %d bytes before payload, got %d", ErrMalformedFrame, f.Type, need, len(data))
	}

	switch f.Type {
	case MessageTypeFullServerResponse:
		f.Sequence = int32(binary.BigEndian.Uint32(data[off:]))
		off += fieldBytes
	case MessageTypeErrorResponse:
		f.ErrorCode = binary.BigEndian.Uint32(data[off:])
		off += fieldBytes
	}

	size := binary.BigEndian.Uint32(data[off:])
	off += fieldBytes
	if uint64(size) > uint64(len(data)-off) {
		return nil, fmt.Errorf("%w: declared payload of %d bytes, %d remaining", ErrMalformedFrame, size, len(data)-off)
	}

	f.Payload = data[off : off+int(size)]
	return f, nil
}

// prefixBytes is the number of type specific bytes between the header region
// and the payload size field.
func prefixBytes(t MessageType) int {
	switch t {
	case MessageTypeFullServerResponse, MessageTypeErrorResponse:
		return fieldBytes
	default:
		return 0
	}
}
