package client

import (
	"errors"
	"fmt"
	"log"
	"net"
	"slices"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/ids"
	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/protocol"
)

var (
	ErrNotLoggedIn    = errors.New("not logged in")
	ErrUnknownChannel = errors.New("unknown channel")
)

// Update is emitted for every response or notification the server sends,
// after the local cache has been updated. Exactly one payload field is set
// on success; Err is set when the server answered with an error.
type Update struct {
	Op  protocol.Opcode
	Err error

	User     *protocol.User
	Channel  *protocol.Channel
	Message  *protocol.Message
	Ref      *protocol.MessageRef
	Accounts []protocol.UserInfo

	// Disconnected is set on the final update of a connection that dropped
	Disconnected bool
}

// Session mirrors the server-side view of one logged in user: it sends
// requests, applies responses and notifications to a local cache, and
// publishes each of them as an Update.
type Session struct {
	codec  protocol.Codec
	logger *log.Logger

	mu       sync.RWMutex
	conn     *Connection
	user     *protocol.User
	channels map[uuid.UUID]*protocol.Channel
	messages map[ids.Snowflake]*protocol.Message
	active   uuid.UUID

	updates chan Update
	pumpWG  sync.WaitGroup
}

// NewSession creates a disconnected session that talks to servers using codec
func NewSession(codec protocol.Codec) *Session {
	return &Session{
		codec:    codec,
		channels: make(map[uuid.UUID]*protocol.Channel),
		messages: make(map[ids.Snowflake]*protocol.Message),
		updates:  make(chan Update, 256),
	}
}

// SetLogger sets a logger for debugging session events
func (s *Session) SetLogger(logger *log.Logger) {
	s.logger = logger
}

func (s *Session) logf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// Updates returns the channel every response and notification is published on
func (s *Session) Updates() <-chan Update {
	return s.updates
}

// Connect opens a TCP connection to host:port
func (s *Session) Connect(host string, port int) error {
	return s.ConnectAddr(net.JoinHostPort(host, strconv.Itoa(port)))
}

// ConnectAddr connects to any address NewConnection accepts, including ws:// URLs.
// An existing connection is closed first.
func (s *Session) ConnectAddr(addr string) error {
	s.Disconnect()

	conn, err := NewConnection(addr, s.codec)
	if err != nil {
		return err
	}
	conn.SetLogger(s.logger)
	if err := conn.Connect(); err != nil {
		conn.Close()
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.pumpWG.Add(1)
	go s.pump(conn)
	return nil
}

// Disconnect closes the connection and forgets the logged in user and cache
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return
	}
	conn.Close()
	s.pumpWG.Wait()
	s.reset(nil)
}

// IsConnected reports whether the session has a live connection
func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil && s.conn.IsConnected()
}

// ConnectionStatus describes a session's live connection
type ConnectionStatus struct {
	Address       string // with scheme for WebSocket connections
	RawAddress    string // host:port
	Type          string // "tcp" or "websocket"
	Codec         string
	BytesSent     uint64
	BytesReceived uint64
}

// Status reports the current connection. ok is false when there is none.
func (s *Session) Status() (status ConnectionStatus, ok bool) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return ConnectionStatus{}, false
	}
	return ConnectionStatus{
		Address:       conn.GetAddress(),
		RawAddress:    conn.GetRawAddress(),
		Type:          conn.GetConnectionType(),
		Codec:         conn.Codec().Name(),
		BytesSent:     conn.GetBytesSent(),
		BytesReceived: conn.GetBytesReceived(),
	}, true
}

// pump applies frames from conn until its Incoming channel is closed
func (s *Session) pump(conn *Connection) {
	defer s.pumpWG.Done()

	for {
		select {
		case frame, ok := <-conn.Incoming():
			if !ok {
				return
			}
			update, err := s.decode(frame)
			if err != nil {
				s.logf("Dropping %s frame: %v", frame.Op, err)
				continue
			}
			s.apply(&update)
			s.publish(update)

		case err, ok := <-conn.Errors():
			if !ok {
				return
			}
			s.logf("Connection lost: %v", err)
			s.publish(Update{Err: err, Disconnected: true})
		}
	}
}

func (s *Session) publish(u Update) {
	select {
	case s.updates <- u:
	default:
		s.logf("Update queue full, dropping %s", u.Op)
	}
}

func (s *Session) send(req protocol.Request) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(req)
}

func (s *Session) requireUser() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return ErrNotLoggedIn
	}
	return nil
}

// ===== Operations =====
// Each returns once the request is written; the outcome arrives as an Update.

func (s *Session) Register(username, displayName, password string) error {
	return s.send(&protocol.RegisterAccountRequest{Username: username, DisplayName: displayName, Password: password})
}

func (s *Session) Login(username, password string) error {
	return s.send(&protocol.LoginRequest{Username: username, Password: password})
}

// SearchAccounts lists accounts whose username matches the regular expression pattern
func (s *Session) SearchAccounts(pattern string) error {
	return s.send(&protocol.ListAccountsRequest{Pattern: pattern})
}

func (s *Session) DeleteAccount(password string) error {
	return s.send(&protocol.DeleteAccountRequest{Password: password})
}

// SendTextMessage posts text to channel as the logged in user
func (s *Session) SendTextMessage(channel uuid.UUID, text string) error {
	if err := s.requireUser(); err != nil {
		return err
	}
	return s.send(&protocol.SendMessageRequest{ChannelID: channel, Text: text})
}

func (s *Session) ReadMessage(message ids.Snowflake) error {
	return s.send(&protocol.ReadMessageRequest{MessageTarget: protocol.MessageTarget{Snowflake: message}})
}

func (s *Session) UnreadMessage(message ids.Snowflake) error {
	return s.send(&protocol.UnreadMessageRequest{MessageTarget: protocol.MessageTarget{Snowflake: message}})
}

func (s *Session) EditMessage(message ids.Snowflake, text string) error {
	return s.send(&protocol.EditMessageRequest{Snowflake: message, Text: text})
}

func (s *Session) DeleteMessage(message ids.Snowflake) error {
	return s.send(&protocol.DeleteMessageRequest{MessageTarget: protocol.MessageTarget{Snowflake: message}})
}

// CreateChannel creates a channel; the logged in user is always a member
func (s *Session) CreateChannel(name string, members []uuid.UUID) error {
	return s.send(&protocol.CreateChannelRequest{Name: name, Members: members})
}

func (s *Session) RenameChannel(channel uuid.UUID, name string) error {
	return s.send(&protocol.UpdateChannelNameRequest{ChannelID: channel, Name: name})
}

func (s *Session) UpdateDisplayName(displayName string) error {
	return s.send(&protocol.UpdateDisplayNameRequest{DisplayName: displayName})
}

func (s *Session) UpdateProfilePicture(pic string) error {
	return s.send(&protocol.UpdateProfilePictureRequest{ProfilePic: pic})
}

func (s *Session) ResetPassword(oldPassword, newPassword string) error {
	return s.send(&protocol.ResetPasswordRequest{OldPassword: oldPassword, NewPassword: newPassword})
}

// ===== Accessors =====

// AuthenticatedUser returns a copy of the logged in user
func (s *Session) AuthenticatedUser() (protocol.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return protocol.User{}, false
	}
	return cloneUser(s.user), true
}

// Channels returns the cached channels sorted by name
func (s *Session) Channels() []protocol.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, cloneChannel(ch))
	}
	slices.SortFunc(out, func(a, b protocol.Channel) int {
		if a.Name != b.Name {
			if a.Name < b.Name {
				return -1
			}
			return 1
		}
		return slices.Compare(a.UID[:], b.UID[:])
	})
	return out
}

// SetActiveChannel selects a cached channel
func (s *Session) SetActiveChannel(channel uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[channel]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	s.active = channel
	return nil
}

// ActiveChannel returns the selected channel
func (s *Session) ActiveChannel() (protocol.Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[s.active]
	if !ok {
		return protocol.Channel{}, false
	}
	return cloneChannel(ch), true
}

// ActiveMessages returns the cached messages of the active channel in send order
func (s *Session) ActiveMessages() []protocol.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.channels[s.active]; !ok {
		return nil
	}
	return s.messagesLocked(s.active)
}

// Messages returns the cached messages of channel in send order
func (s *Session) Messages(channel uuid.UUID) []protocol.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messagesLocked(channel)
}

func (s *Session) messagesLocked(channel uuid.UUID) []protocol.Message {
	var out []protocol.Message
	for _, m := range s.messages {
		if m.ChannelID == channel {
			out = append(out, cloneMessage(m))
		}
	}
	slices.SortFunc(out, func(a, b protocol.Message) int {
		switch {
		case a.Snowflake < b.Snowflake:
			return -1
		case a.Snowflake > b.Snowflake:
			return 1
		}
		return 0
	})
	return out
}

// ===== Frame handling =====

func (s *Session) decode(frame *protocol.Frame) (Update, error) {
	body, err := protocol.NewResponse(frame.Op)
	if err != nil {
		return Update{}, err
	}
	if err := s.codec.Unmarshal(frame.Payload, body); err != nil {
		return Update{}, err
	}

	u := Update{Op: frame.Op}
	switch resp := body.(type) {
	case *protocol.LoginResponse:
		u.Err, u.User = resp.AsError(), resp.Value
	case *protocol.ListAccountsResponse:
		u.Err = resp.AsError()
		if resp.Value != nil {
			u.Accounts = resp.Value.Accounts
		}
	case *protocol.SendMessageResponse:
		u.Err, u.Message = resp.AsError(), resp.Value
	case *protocol.DeleteMessageResponse:
		u.Err, u.Ref = resp.AsError(), resp.Value
	case *protocol.CreateChannelResponse:
		u.Err, u.Channel = resp.AsError(), resp.Value
	case *protocol.ResetPasswordResponse:
		u.Err = resp.AsError()
	default:
		return Update{}, fmt.Errorf("unexpected response type %T", body)
	}
	return u, nil
}

// apply folds a successful update into the cache
func (s *Session) apply(u *Update) {
	if u.Err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch u.Op {
	case protocol.OpRegisterAccount, protocol.OpLogin:
		// Login replays channels and messages right after this response
		s.resetLocked(u.User)
	case protocol.OpUpdateDisplayName, protocol.OpUpdateProfilePicture:
		if s.user != nil && u.User != nil && s.user.UID == u.User.UID {
			copied := cloneUser(u.User)
			s.user = &copied
		}
	case protocol.OpDeleteAccount:
		s.resetLocked(nil)
	case protocol.OpSendMessage, protocol.OpReadMessage, protocol.OpEditMessage, protocol.OpUnreadMessage:
		if u.Message != nil {
			s.upsertMessageLocked(u.Message)
		}
	case protocol.OpDeleteMessage:
		if u.Ref != nil {
			s.deleteMessageLocked(u.Ref)
		}
	case protocol.OpCreateChannel, protocol.OpUpdateChannelName:
		if u.Channel != nil {
			s.upsertChannelLocked(u.Channel)
		}
	}
}

func (s *Session) reset(user *protocol.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(user)
}

func (s *Session) resetLocked(user *protocol.User) {
	s.user = nil
	if user != nil {
		copied := cloneUser(user)
		s.user = &copied
	}
	s.channels = make(map[uuid.UUID]*protocol.Channel)
	s.messages = make(map[ids.Snowflake]*protocol.Message)
	s.active = uuid.Nil
}

func (s *Session) upsertChannelLocked(ch *protocol.Channel) {
	copied := cloneChannel(ch)
	if s.user != nil && !ids.ContainsUUID(copied.UserUIDs, s.user.UID) {
		// We were removed from the channel
		delete(s.channels, copied.UID)
		s.user.Channels, _ = ids.RemoveUUID(s.user.Channels, copied.UID)
		for sf, m := range s.messages {
			if m.ChannelID == copied.UID {
				delete(s.messages, sf)
			}
		}
		if s.active == copied.UID {
			s.active = uuid.Nil
		}
		return
	}

	// The wire view holds only the most recent ids, keep older ones we know of
	if old, ok := s.channels[copied.UID]; ok {
		for _, sf := range old.MessageSnowflakes {
			if _, cached := s.messages[sf]; cached && !slices.Contains(copied.MessageSnowflakes, sf) {
				copied.MessageSnowflakes = append(copied.MessageSnowflakes, sf)
			}
		}
		slices.Sort(copied.MessageSnowflakes)
	}
	s.channels[copied.UID] = &copied

	if s.user != nil && !ids.ContainsUUID(s.user.Channels, copied.UID) {
		s.user.Channels = append(s.user.Channels, copied.UID)
	}
}

func (s *Session) upsertMessageLocked(m *protocol.Message) {
	copied := cloneMessage(m)
	s.messages[copied.Snowflake] = &copied

	if ch, ok := s.channels[copied.ChannelID]; ok && !slices.Contains(ch.MessageSnowflakes, copied.Snowflake) {
		ch.MessageSnowflakes = append(ch.MessageSnowflakes, copied.Snowflake)
		slices.Sort(ch.MessageSnowflakes)
	}
}

func (s *Session) deleteMessageLocked(ref *protocol.MessageRef) {
	delete(s.messages, ref.Snowflake)
	if ch, ok := s.channels[ref.ChannelID]; ok {
		ch.MessageSnowflakes = slices.DeleteFunc(ch.MessageSnowflakes, func(sf ids.Snowflake) bool { return sf == ref.Snowflake })
	}
}

func cloneUser(u *protocol.User) protocol.User {
	c := *u
	c.Channels = slices.Clone(u.Channels)
	return c
}

func cloneChannel(ch *protocol.Channel) protocol.Channel {
	c := *ch
	c.UserUIDs = slices.Clone(ch.UserUIDs)
	c.MessageSnowflakes = slices.Clone(ch.MessageSnowflakes)
	return c
}

func cloneMessage(m *protocol.Message) protocol.Message {
	c := *m
	c.ReadBy = slices.Clone(m.ReadBy)
	return c
}
