package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrSizeMismatch  = errors.New("encoded size differs from Size()")
	ErrTrailingBytes = errors.New("trailing bytes after message body")
	ErrUnknownCodec  = errors.New("unknown codec")
)

// Codec turns message bodies into payload bytes and back. Exactly one codec is
// active per process; peers must agree on it.
type Codec interface {
	Name() string
	Marshal(body Body) ([]byte, error)
	Unmarshal(data []byte, body Body) error
}

// Codec names accepted by CodecByName
const (
	CodecBinary = "binary"
	CodecJSON   = "json"
)

// CodecByName returns the codec registered under name
func CodecByName(name string) (Codec, error) {
	switch name {
	case CodecBinary, "":
		return BinaryCodec{}, nil
	case CodecJSON:
		return JSONCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// BinaryCodec is the compact length-prefixed encoding
type BinaryCodec struct{}

func (BinaryCodec) Name() string { return CodecBinary }

func (BinaryCodec) Marshal(body Body) ([]byte, error) {
	size := body.Size()
	buf := bytes.NewBuffer(make([]byte, 0, size))
	if err := body.EncodeTo(buf); err != nil {
		return nil, err
	}
	if buf.Len() != size {
		return nil, fmt.Errorf("%w: wrote %d, Size() %d", ErrSizeMismatch, buf.Len(), size)
	}
	return buf.Bytes(), nil
}

func (BinaryCodec) Unmarshal(data []byte, body Body) error {
	r := bytes.NewReader(data)
	if err := body.DecodeFrom(r); err != nil {
		return err
	}
	if r.Len() != 0 {
		return ErrTrailingBytes
	}
	return nil
}

// JSONCodec encodes bodies as JSON objects keyed by attribute name
type JSONCodec struct{}

func (JSONCodec) Name() string { return CodecJSON }

func (JSONCodec) Marshal(body Body) ([]byte, error) {
	return json.Marshal(body)
}

func (JSONCodec) Unmarshal(data []byte, body Body) error {
	return json.Unmarshal(data, body)
}
