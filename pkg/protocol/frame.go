package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	// ProtocolVersion is the current protocol version, carried in the upper
	// nibble of the first header byte
	ProtocolVersion = 1

	// HeaderSize is the fixed header size in bytes. It is also the tag stored in
	// the lower nibble of the first header byte.
	HeaderSize = 4

	// MaxPayloadSize is the largest body a 16-bit length field can describe
	MaxPayloadSize = 0xFFFF
)

var (
	ErrPayloadTooLarge = errors.New("payload exceeds 65535 bytes")
	ErrInvalidHeader   = errors.New("invalid header size tag")
	ErrUnknownOpcode   = errors.New("unknown opcode")
	ErrVersionMismatch = errors.New("protocol version mismatch")
)

// Header is the fixed 4-byte frame prefix
// Format: [Version<<4 | HeaderSize (1 byte)][Opcode (1 byte)][Payload length (2 bytes, big-endian)]
type Header struct {
	Version uint8
	Op      Opcode
	Length  uint16
}

// Frame is one header plus its body
type Frame struct {
	Version uint8
	Op      Opcode
	Payload []byte
}

// Marshal packs the header into its wire form
func (h Header) Marshal() [HeaderSize]byte {
	var buf [HeaderSize]byte
	buf[0] = h.Version<<4 | HeaderSize
	buf[1] = uint8(h.Op)
	binary.BigEndian.PutUint16(buf[2:], h.Length)
	return buf
}

// ParseHeader unpacks a 4-byte header.
//
// The returned header is populated whenever the size tag is valid, even when an
// error is returned, so the caller can skip the body of a frame it rejects:
//   - ErrInvalidHeader: size tag is not HeaderSize (stream cannot be trusted)
//   - ErrVersionMismatch: version differs from ProtocolVersion
//   - ErrUnknownOpcode: opcode is outside the opcode space
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortBuffer
	}
	if buf[0]&0x0F != HeaderSize {
		return Header{}, ErrInvalidHeader
	}

	h := Header{
		Version: buf[0] >> 4,
		Op:      Opcode(buf[1]),
		Length:  binary.BigEndian.Uint16(buf[2:4]),
	}
	if h.Version != ProtocolVersion {
		return h, ErrVersionMismatch
	}
	if !h.Op.Valid() {
		return h, ErrUnknownOpcode
	}
	return h, nil
}

// ReadHeader reads and parses a header from r
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	return ParseHeader(buf[:])
}

// EncodeFrame writes the header followed by the payload
func EncodeFrame(w io.Writer, f *Frame) error {
	if len(f.Payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}

	h := Header{Version: f.Version, Op: f.Op, Length: uint16(len(f.Payload))}
	buf := make([]byte, 0, HeaderSize+len(f.Payload))
	hdr := h.Marshal()
	buf = append(buf, hdr[:]...)
	buf = append(buf, f.Payload...)

	// Single write so concurrent writers guarded by a mutex never interleave partial frames
	if _, err := w.Write(buf); err != nil {
		return err
	}

	type flusher interface {
		Flush() error
	}
	if fl, ok := w.(flusher); ok {
		return fl.Flush()
	}
	return nil
}

// DecodeFrame reads one complete frame from r.
// On ErrVersionMismatch or ErrUnknownOpcode the body has already been consumed,
// so the stream stays aligned on the next header.
func DecodeFrame(r io.Reader) (*Frame, error) {
	h, err := ReadHeader(r)
	if err != nil && !errors.Is(err, ErrVersionMismatch) && !errors.Is(err, ErrUnknownOpcode) {
		return nil, err
	}

	payload := make([]byte, h.Length)
	if h.Length > 0 {
		if _, rerr := io.ReadFull(r, payload); rerr != nil {
			return nil, rerr
		}
	}
	if err != nil {
		return nil, err
	}

	return &Frame{
		Version: h.Version,
		Op:      h.Op,
		Payload: payload,
	}, nil
}

// EncodeMessage serializes body with codec and prefixes the header:
// header(version, op, size) ++ body
func EncodeMessage(codec Codec, op Opcode, body Body) ([]byte, error) {
	payload, err := codec.Marshal(body)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	h := Header{Version: ProtocolVersion, Op: op, Length: uint16(len(payload))}
	hdr := h.Marshal()
	out := make([]byte, 0, HeaderSize+len(payload))
	out = append(out, hdr[:]...)
	return append(out, payload...), nil
}

// DecodeMessage parses a complete serialized message produced by EncodeMessage
// into body and returns its header
func DecodeMessage(codec Codec, data []byte, body Body) (Header, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return h, err
	}
	if len(data)-HeaderSize < int(h.Length) {
		return h, ErrShortBuffer
	}
	return h, codec.Unmarshal(data[HeaderSize:HeaderSize+int(h.Length)], body)
}
