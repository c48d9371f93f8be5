package protocol

import (
	"encoding/json"
	"errors"
	"io"
)

const (
	responseSuccess uint8 = 0
	responseError   uint8 = 1
)

// bodyPtr constrains P to be *T and a Body, so Response can allocate and
// encode its success payload without reflection
type bodyPtr[T any] interface {
	*T
	Body
}

// Response is the reply envelope shared by every operation.
// Binary: [tag (1 byte)] then the success payload (tag 0) or an error string (tag 1).
// JSON: {"success": <payload>} or {"error": "<message>"}.
type Response[T any, P bodyPtr[T]] struct {
	Value *T
	Err   string
}

// Success wraps v in a success response
func Success[T any, P bodyPtr[T]](v *T) *Response[T, P] {
	return &Response[T, P]{Value: v}
}

// Failure builds an error response
func Failure[T any, P bodyPtr[T]](msg string) *Response[T, P] {
	return &Response[T, P]{Err: msg}
}

// Fail turns r into an error response
func (r *Response[T, P]) Fail(msg string) {
	r.Value = nil
	r.Err = msg
}

// ErrorResponse builds the error response for op
func ErrorResponse(op Opcode, msg string) (Body, error) {
	resp, err := NewResponse(op)
	if err != nil {
		return nil, err
	}
	resp.(interface{ Fail(string) }).Fail(msg)
	return resp, nil
}

// OK reports whether the response carries a success payload
func (r *Response[T, P]) OK() bool {
	return r.Err == ""
}

// AsError returns the error payload as a Go error, or nil on success
func (r *Response[T, P]) AsError() error {
	if r.OK() {
		return nil
	}
	return errors.New(r.Err)
}

func (r *Response[T, P]) value() P {
	if r.Value == nil {
		r.Value = new(T)
	}
	return P(r.Value)
}

func (r *Response[T, P]) EncodeTo(w io.Writer) error {
	if !r.OK() {
		if err := WriteUint8(w, responseError); err != nil {
			return err
		}
		return WriteString(w, r.Err)
	}
	if err := WriteUint8(w, responseSuccess); err != nil {
		return err
	}
	return r.value().EncodeTo(w)
}

func (r *Response[T, P]) DecodeFrom(rd io.Reader) error {
	tag, err := ReadUint8(rd)
	if err != nil {
		return err
	}
	switch tag {
	case responseSuccess:
		r.Err = ""
		r.Value = new(T)
		return P(r.Value).DecodeFrom(rd)
	case responseError:
		r.Value = nil
		r.Err, err = ReadString(rd)
		return err
	default:
		return ErrInvalidVariant
	}
}

func (r *Response[T, P]) Size() int {
	if !r.OK() {
		return 1 + StringSize(r.Err)
	}
	return 1 + r.value().Size()
}

type responseJSON struct {
	Success json.RawMessage `json:"success,omitempty"`
	Error   *string         `json:"error,omitempty"`
}

func (r Response[T, P]) MarshalJSON() ([]byte, error) {
	if r.Err != "" {
		msg := r.Err
		return json.Marshal(responseJSON{Error: &msg})
	}
	v := r.Value
	if v == nil {
		v = new(T)
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(responseJSON{Success: payload})
}

func (r *Response[T, P]) UnmarshalJSON(data []byte) error {
	var env responseJSON
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	switch {
	case env.Error != nil:
		r.Value = nil
		r.Err = *env.Error
		return nil
	case env.Success != nil:
		r.Err = ""
		r.Value = new(T)
		return json.Unmarshal(env.Success, r.Value)
	default:
		return ErrInvalidVariant
	}
}
