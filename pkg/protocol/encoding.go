package protocol

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/google/uuid"

	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/ids"
)

const (
	// MaxStringLength is the longest string a single length byte can describe
	MaxStringLength = 255
	// MaxVectorLength is the largest element count a single count byte can describe
	MaxVectorLength = 255
)

var (
	ErrShortBuffer    = errors.New("buffer shorter than encoded length")
	ErrStringTooLong  = errors.New("string exceeds 255 bytes")
	ErrVectorTooLong  = errors.New("vector exceeds 255 elements")
	ErrInvalidVariant = errors.New("invalid response variant tag")
)

// readFull reads exactly len(buf) bytes, reporting truncated input as ErrShortBuffer
func readFull(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrShortBuffer
		}
		return err
	}
	return nil
}

func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func ReadUint8(r io.Reader) (uint8, error) {
	var buf [1]byte
	if err := readFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func WriteUint16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func ReadUint16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if err := readFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func WriteUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func ReadUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if err := readFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// WriteInt64 writes a millisecond timestamp (two's complement, big-endian)
func WriteInt64(w io.Writer, v int64) error {
	return WriteUint64(w, uint64(v))
}

func ReadInt64(r io.Reader) (int64, error) {
	v, err := ReadUint64(r)
	return int64(v), err
}

// WriteString writes a length byte followed by the raw bytes of s
func WriteString(w io.Writer, s string) error {
	if len(s) > MaxStringLength {
		return ErrStringTooLong
	}
	if err := WriteUint8(w, uint8(len(s))); err != nil {
		return err
	}
	if len(s) == 0 {
		return nil
	}
	_, err := io.WriteString(w, s)
	return err
}

func ReadString(r io.Reader) (string, error) {
	n, err := ReadUint8(r)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if err := readFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// StringSize is the encoded size of s
func StringSize(s string) int {
	return 1 + len(s)
}

func WriteUUID(w io.Writer, id uuid.UUID) error {
	_, err := w.Write(id[:])
	return err
}

func ReadUUID(r io.Reader) (uuid.UUID, error) {
	var id uuid.UUID
	if err := readFull(r, id[:]); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// WriteSnowflake writes a snowflake as 8 big-endian bytes
func WriteSnowflake(w io.Writer, id ids.Snowflake) error {
	return WriteUint64(w, uint64(id))
}

func ReadSnowflake(r io.Reader) (ids.Snowflake, error) {
	v, err := ReadUint64(r)
	return ids.Snowflake(v), err
}

// WriteUUIDs writes a count byte followed by each UUID
func WriteUUIDs(w io.Writer, list []uuid.UUID) error {
	if len(list) > MaxVectorLength {
		return ErrVectorTooLong
	}
	if err := WriteUint8(w, uint8(len(list))); err != nil {
		return err
	}
	for _, id := range list {
		if err := WriteUUID(w, id); err != nil {
			return err
		}
	}
	return nil
}

// ReadUUIDs reads a counted UUID vector. An empty vector decodes to nil.
func ReadUUIDs(r io.Reader) ([]uuid.UUID, error) {
	n, err := ReadUint8(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	list := make([]uuid.UUID, n)
	for i := range list {
		if list[i], err = ReadUUID(r); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func UUIDsSize(list []uuid.UUID) int {
	return 1 + len(list)*ids.UUIDSize
}

func WriteSnowflakes(w io.Writer, list []ids.Snowflake) error {
	if len(list) > MaxVectorLength {
		return ErrVectorTooLong
	}
	if err := WriteUint8(w, uint8(len(list))); err != nil {
		return err
	}
	for _, id := range list {
		if err := WriteSnowflake(w, id); err != nil {
			return err
		}
	}
	return nil
}

// ReadSnowflakes reads a counted snowflake vector. An empty vector decodes to nil.
func ReadSnowflakes(r io.Reader) ([]ids.Snowflake, error) {
	n, err := ReadUint8(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	list := make([]ids.Snowflake, n)
	for i := range list {
		if list[i], err = ReadSnowflake(r); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func SnowflakesSize(list []ids.Snowflake) int {
	return 1 + len(list)*8
}
