package server

import (
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/protocol"
)

// ErrBodyTimeout is returned when a frame body does not arrive within the
// poll budget
var ErrBodyTimeout = errors.New("timed out waiting for frame body")

type connState uint8

const (
	stateAwaitingHeader connState = iota
	stateAwaitingBody
	stateDispatching
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateAwaitingHeader:
		return "awaiting_header"
	case stateAwaitingBody:
		return "awaiting_body"
	case stateDispatching:
		return "dispatching"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// connHandler drives one connection through
// AwaitingHeader -> AwaitingBody -> Dispatching -> AwaitingHeader until Closed
type connHandler struct {
	s    *Server
	sess *Session

	state     connState
	header    protocol.Header
	headerErr error // set when the body is read only to be discarded
	body      []byte
	failures  int // consecutive dropped frames
}

func (s *Server) newConnHandler(sess *Session) *connHandler {
	return &connHandler{s: s, sess: sess, state: stateAwaitingHeader}
}

func (h *connHandler) run() {
	for h.state != stateClosed {
		switch h.state {
		case stateAwaitingHeader:
			h.state = h.awaitHeader()
		case stateAwaitingBody:
			h.state = h.awaitBody()
		case stateDispatching:
			h.state = h.dispatch()
		}
	}
}

// awaitHeader blocks until a full header arrives. There is no idle timeout.
func (h *connHandler) awaitHeader() connState {
	h.header, h.headerErr, h.body = protocol.Header{}, nil, nil

	if err := h.sess.Conn.SetReadDeadline(time.Time{}); err != nil {
		return h.readFailed(err)
	}
	hdr, err := protocol.ReadHeader(h.sess.Conn)
	switch {
	case err == nil:
		h.header = hdr
		return stateAwaitingBody
	case errors.Is(err, protocol.ErrVersionMismatch), errors.Is(err, protocol.ErrUnknownOpcode):
		// Length is still trustworthy: consume the body to stay aligned
		h.header, h.headerErr = hdr, err
		return stateAwaitingBody
	case errors.Is(err, protocol.ErrInvalidHeader):
		return h.protocolFailure("invalid_header", err)
	default:
		return h.readFailed(err)
	}
}

func (h *connHandler) awaitBody() connState {
	body, err := h.readBody(int(h.header.Length))
	if errors.Is(err, ErrBodyTimeout) {
		return h.protocolFailure("body_timeout", err)
	}
	if err != nil {
		return h.readFailed(err)
	}

	switch {
	case errors.Is(h.headerErr, protocol.ErrVersionMismatch):
		return h.protocolFailure("version_mismatch", h.headerErr)
	case errors.Is(h.headerErr, protocol.ErrUnknownOpcode):
		return h.protocolFailure("unknown_opcode", h.headerErr)
	}

	h.body = body
	return stateDispatching
}

// readBody polls for length bytes, waiting BodyPollInterval per attempt for at
// most BodyPollRetries attempts
func (h *connHandler) readBody(length int) ([]byte, error) {
	body := make([]byte, length)
	conn := h.sess.Conn
	cfg := h.s.config

	read, attempts := 0, 0
	for read < length {
		if err := conn.SetReadDeadline(time.Now().Add(cfg.BodyPollInterval)); err != nil {
			return nil, err
		}
		n, err := conn.Read(body[read:])
		read += n
		if err == nil {
			continue
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			attempts++
			if attempts >= cfg.BodyPollRetries {
				return nil, ErrBodyTimeout
			}
			continue
		}
		if errors.Is(err, io.EOF) && read < length {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

func (h *connHandler) dispatch() connState {
	s, sess, op := h.s, h.sess, h.header.Op
	debugLog.Printf("Session %d ← RECV: op=%s len=%d", sess.ID, op, len(h.body))
	s.metrics.RecordMessageReceived(op.String())

	start := time.Now()
	resp, err := s.dispatch(sess, op, h.body)
	if err != nil {
		return h.protocolFailure("decode", err)
	}
	h.failures = 0

	if err := s.send(sess, op, resp); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return stateClosed
		}
		return h.readFailed(err)
	}
	s.metrics.RecordDispatch(op.String(), time.Since(start).Seconds())

	if login, ok := resp.(*protocol.LoginResponse); ok && op == protocol.OpLogin && login.OK() {
		s.replayState(sess)
	}
	return stateAwaitingHeader
}

// protocolFailure drops the current frame. Too many in a row closes the
// connection.
func (h *connHandler) protocolFailure(reason string, err error) connState {
	h.failures++
	h.s.metrics.RecordProtocolError(reason)
	debugLog.Printf("Session %d: dropped frame (%s, %d consecutive): %v", h.sess.ID, reason, h.failures, err)

	if h.failures >= h.s.config.MaxProtocolFailures {
		errorLog.Printf("Session %d: closing after %d consecutive protocol failures", h.sess.ID, h.failures)
		return stateClosed
	}
	return stateAwaitingHeader
}

func (h *connHandler) readFailed(err error) connState {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		debugLog.Printf("Session %d: client disconnected", h.sess.ID)
	} else {
		debugLog.Printf("Session %d: connection error: %v", h.sess.ID, err)
	}
	return stateClosed
}

// send encodes body as an op frame and writes it to sess. A response too
// large for one frame is replaced by an error response.
func (s *Server) send(sess *Session, op protocol.Opcode, body protocol.Body) error {
	data, err := protocol.EncodeMessage(s.codec, op, body)
	if err != nil {
		// The client is still owed an answer in the error variant
		msg := "internal server error"
		if errors.Is(err, protocol.ErrPayloadTooLarge) {
			msg = "response too large"
		}
		errorLog.Printf("Session %d: failed to encode %s response: %v", sess.ID, op, err)
		body, err = protocol.ErrorResponse(op, msg)
		if err == nil {
			data, err = protocol.EncodeMessage(s.codec, op, body)
		}
	}
	if err != nil {
		errorLog.Printf("Session %d: failed to encode %s response: %v", sess.ID, op, err)
		return nil
	}

	if err := sess.Conn.WriteFrame(data); err != nil {
		return err
	}
	s.metrics.RecordMessageSent(op.String())
	debugLog.Printf("Session %d → SEND: op=%s len=%d", sess.ID, op, len(data)-protocol.HeaderSize)
	return nil
}

// replayState sends a freshly logged-in session every channel the user
// belongs to (as ChannelAdded) followed by that channel's messages (as
// MessageReceived), so the client can rebuild its cache
func (s *Server) replayState(sess *Session) {
	uid, ok := sess.User()
	if !ok {
		return
	}
	u, err := s.db.GetUser(uid)
	if err != nil {
		return
	}

	for _, cid := range u.Channels {
		ch, err := s.db.GetChannel(cid)
		if err != nil {
			continue
		}
		if err := s.send(sess, protocol.OpCreateChannel, &protocol.CreateChannelResponse{Value: convertChannel(ch)}); err != nil {
			return
		}

		msgs, err := s.db.ChannelMessages(cid)
		if err != nil {
			continue
		}
		for _, m := range msgs {
			if err := s.send(sess, protocol.OpSendMessage, &protocol.SendMessageResponse{Value: convertMessage(m)}); err != nil {
				return
			}
		}
	}
	debugLog.Printf("Session %d: replayed %d channels", sess.ID, len(u.Channels))
}
