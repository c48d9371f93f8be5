package server

import (
	"errors"
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/database"
	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/ids"
	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/protocol"
)

const maxDisplayNameLength = 64

var (
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,20}$`)

	ErrAuthRequired       = errors.New("authentication required")
	ErrNotAuthor          = errors.New("only the sender can change this message")
	ErrInvalidUsername    = errors.New("username must be 3-20 characters: letters, digits, '_' or '-'")
	ErrInvalidDisplayName = errors.New("display name must be 1-64 characters")
	ErrEmptyPassword      = errors.New("password must not be empty")
	ErrEmptyChannelName   = errors.New("channel name must not be empty")
	ErrFieldTooLong       = errors.New("field exceeds 255 bytes")
)

// domainErrors are reported to the client verbatim. Anything else is logged
// and reported as an internal error.
var domainErrors = []error{
	ErrAuthRequired,
	ErrNotAuthor,
	ErrInvalidUsername,
	ErrInvalidDisplayName,
	ErrEmptyPassword,
	ErrEmptyChannelName,
	ErrFieldTooLong,
	database.ErrUsernameTaken,
	database.ErrUserNotFound,
	database.ErrChannelNotFound,
	database.ErrMessageNotFound,
	database.ErrInvalidPattern,
	database.ErrWrongPassword,
	database.ErrNotMember,
	database.ErrAlreadyMember,
	database.ErrTextTooLong,
	database.ErrIDsHalted,
}

// errorMessage turns a handler error into the text of an error response
func errorMessage(sess *Session, op protocol.Opcode, err error) string {
	for _, known := range domainErrors {
		if errors.Is(err, known) {
			return truncateText(err.Error(), protocol.MaxStringLength)
		}
	}
	errorLog.Printf("Session %d: %s failed: %v", sess.ID, op, err)
	return "internal server error"
}

// truncateText cuts s to at most n bytes without splitting a UTF-8 sequence
func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// dispatch decodes payload as the request for op, runs its handler and returns
// the response to write. A non-nil error means the payload was malformed and
// nothing should be written.
func (s *Server) dispatch(sess *Session, op protocol.Opcode, payload []byte) (protocol.Body, error) {
	req, err := protocol.NewRequest(op)
	if err != nil {
		return nil, err
	}
	if err := s.codec.Unmarshal(payload, req); err != nil {
		return nil, fmt.Errorf("decode %s: %w", op, err)
	}

	// Everything except account creation and login acts as the session's user
	uid, authed := sess.User()
	if !authed && op != protocol.OpRegisterAccount && op != protocol.OpLogin {
		return protocol.ErrorResponse(op, ErrAuthRequired.Error())
	}

	switch r := req.(type) {
	case *protocol.RegisterAccountRequest:
		return s.handleRegisterAccount(sess, r), nil
	case *protocol.LoginRequest:
		return s.handleLogin(sess, r), nil
	case *protocol.ListAccountsRequest:
		return s.handleListAccounts(sess, r), nil
	case *protocol.DeleteAccountRequest:
		return s.handleDeleteAccount(sess, uid, r), nil
	case *protocol.SendMessageRequest:
		return s.handleSendMessage(sess, uid, r), nil
	case *protocol.ReadMessageRequest:
		return s.handleReadMessage(sess, uid, r), nil
	case *protocol.DeleteMessageRequest:
		return s.handleDeleteMessage(sess, uid, r), nil
	case *protocol.EditMessageRequest:
		return s.handleEditMessage(sess, uid, r), nil
	case *protocol.UnreadMessageRequest:
		return s.handleUnreadMessage(sess, uid, r), nil
	case *protocol.CreateChannelRequest:
		return s.handleCreateChannel(sess, uid, r), nil
	case *protocol.UpdateChannelNameRequest:
		return s.handleUpdateChannelName(sess, uid, r), nil
	case *protocol.UpdateDisplayNameRequest:
		return s.handleUpdateDisplayName(sess, uid, r), nil
	case *protocol.UpdateProfilePictureRequest:
		return s.handleUpdateProfilePicture(sess, uid, r), nil
	case *protocol.ResetPasswordRequest:
		return s.handleResetPassword(sess, uid, r), nil
	default:
		return nil, protocol.ErrUnknownOpcode
	}
}

func validateDisplayName(name string) error {
	if n := utf8.RuneCountInString(name); n < 1 || n > maxDisplayNameLength || len(name) > protocol.MaxStringLength {
		return ErrInvalidDisplayName
	}
	return nil
}

func validateChannelName(name string) error {
	if name == "" {
		return ErrEmptyChannelName
	}
	if len(name) > protocol.MaxStringLength {
		return ErrFieldTooLong
	}
	return nil
}

// memberOf returns the channel if uid belongs to it
func (s *Server) memberOf(channelID, uid uuid.UUID) (database.Channel, error) {
	ch, err := s.db.GetChannel(channelID)
	if err != nil {
		return database.Channel{}, err
	}
	if !ch.HasMember(uid) {
		return database.Channel{}, database.ErrNotMember
	}
	return ch, nil
}

// ownMessage returns the message if uid sent it
func (s *Server) ownMessage(sf ids.Snowflake, uid uuid.UUID) (database.Message, error) {
	msg, err := s.db.GetMessage(sf)
	if err != nil {
		return database.Message{}, err
	}
	if msg.SenderID != uid {
		return database.Message{}, ErrNotAuthor
	}
	return msg, nil
}

// visibleMessage returns the message if uid is a member of its channel
func (s *Server) visibleMessage(sf ids.Snowflake, uid uuid.UUID) (database.Message, error) {
	msg, err := s.db.GetMessage(sf)
	if err != nil {
		return database.Message{}, err
	}
	if _, err := s.memberOf(msg.ChannelID, uid); err != nil {
		return database.Message{}, err
	}
	return msg, nil
}

// ===== Accounts =====

// handleRegisterAccount creates an account and logs the session in as it
func (s *Server) handleRegisterAccount(sess *Session, req *protocol.RegisterAccountRequest) *protocol.RegisterAccountResponse {
	op := protocol.OpRegisterAccount
	if !usernameRegex.MatchString(req.Username) {
		return &protocol.RegisterAccountResponse{Err: ErrInvalidUsername.Error()}
	}
	if err := validateDisplayName(req.DisplayName); err != nil {
		return &protocol.RegisterAccountResponse{Err: err.Error()}
	}
	if req.Password == "" {
		return &protocol.RegisterAccountResponse{Err: ErrEmptyPassword.Error()}
	}

	u, err := s.db.AddUser(req.Username, req.DisplayName, req.Password)
	if err != nil {
		return &protocol.RegisterAccountResponse{Err: errorMessage(sess, op, err)}
	}

	s.sessions.Authenticate(sess, u.UID)
	debugLog.Printf("Session %d registered as %s", sess.ID, u.Username)
	return &protocol.RegisterAccountResponse{Value: convertUser(u)}
}

func (s *Server) handleLogin(sess *Session, req *protocol.LoginRequest) *protocol.LoginResponse {
	u, err := s.db.Authenticate(req.Username, req.Password)
	if err != nil {
		debugLog.Printf("Session %d: failed login for %q", sess.ID, req.Username)
		return &protocol.LoginResponse{Err: errorMessage(sess, protocol.OpLogin, err)}
	}

	s.sessions.Authenticate(sess, u.UID)
	debugLog.Printf("Session %d logged in as %s", sess.ID, u.Username)
	return &protocol.LoginResponse{Value: convertUser(u)}
}

func (s *Server) handleListAccounts(sess *Session, req *protocol.ListAccountsRequest) *protocol.ListAccountsResponse {
	users, err := s.db.FindUsers(req.Pattern)
	if err != nil {
		return &protocol.ListAccountsResponse{Err: errorMessage(sess, protocol.OpListAccounts, err)}
	}
	return &protocol.ListAccountsResponse{Value: convertAccounts(users)}
}

// handleDeleteAccount removes the caller's account after re-checking the
// password. Every session of the user is logged out; connections stay open.
func (s *Server) handleDeleteAccount(sess *Session, uid uuid.UUID, req *protocol.DeleteAccountRequest) *protocol.DeleteAccountResponse {
	op := protocol.OpDeleteAccount
	ok, err := s.db.VerifyPassword(uid, req.Password)
	if err != nil {
		return &protocol.DeleteAccountResponse{Err: errorMessage(sess, op, err)}
	}
	if !ok {
		return &protocol.DeleteAccountResponse{Err: database.ErrWrongPassword.Error()}
	}

	if _, err := s.db.RemoveUser(uid); err != nil {
		return &protocol.DeleteAccountResponse{Err: errorMessage(sess, op, err)}
	}
	s.sessions.Deauthenticate(uid)
	return &protocol.DeleteAccountResponse{Value: &protocol.Empty{}}
}

func (s *Server) handleUpdateDisplayName(sess *Session, uid uuid.UUID, req *protocol.UpdateDisplayNameRequest) *protocol.UpdateDisplayNameResponse {
	if err := validateDisplayName(req.DisplayName); err != nil {
		return &protocol.UpdateDisplayNameResponse{Err: err.Error()}
	}
	u, err := s.db.UpdateDisplayName(uid, req.DisplayName)
	if err != nil {
		return &protocol.UpdateDisplayNameResponse{Err: errorMessage(sess, protocol.OpUpdateDisplayName, err)}
	}
	return &protocol.UpdateDisplayNameResponse{Value: convertUser(u)}
}

func (s *Server) handleUpdateProfilePicture(sess *Session, uid uuid.UUID, req *protocol.UpdateProfilePictureRequest) *protocol.UpdateProfilePictureResponse {
	if len(req.ProfilePic) > protocol.MaxStringLength {
		return &protocol.UpdateProfilePictureResponse{Err: ErrFieldTooLong.Error()}
	}
	u, err := s.db.UpdateProfilePicture(uid, req.ProfilePic)
	if err != nil {
		return &protocol.UpdateProfilePictureResponse{Err: errorMessage(sess, protocol.OpUpdateProfilePicture, err)}
	}
	return &protocol.UpdateProfilePictureResponse{Value: convertUser(u)}
}

func (s *Server) handleResetPassword(sess *Session, uid uuid.UUID, req *protocol.ResetPasswordRequest) *protocol.ResetPasswordResponse {
	if req.NewPassword == "" {
		return &protocol.ResetPasswordResponse{Err: ErrEmptyPassword.Error()}
	}
	if err := s.db.ResetPassword(uid, req.OldPassword, req.NewPassword); err != nil {
		return &protocol.ResetPasswordResponse{Err: errorMessage(sess, protocol.OpResetPassword, err)}
	}
	debugLog.Printf("Session %d changed password", sess.ID)
	return &protocol.ResetPasswordResponse{Value: &protocol.Empty{}}
}

// ===== Messages =====

func (s *Server) handleSendMessage(sess *Session, uid uuid.UUID, req *protocol.SendMessageRequest) *protocol.SendMessageResponse {
	op := protocol.OpSendMessage
	if _, err := s.memberOf(req.ChannelID, uid); err != nil {
		return &protocol.SendMessageResponse{Err: errorMessage(sess, op, err)}
	}
	msg, err := s.db.AddMessage(uid, req.ChannelID, req.Text)
	if err != nil {
		return &protocol.SendMessageResponse{Err: errorMessage(sess, op, err)}
	}
	return &protocol.SendMessageResponse{Value: convertMessage(msg)}
}

func (s *Server) handleReadMessage(sess *Session, uid uuid.UUID, req *protocol.ReadMessageRequest) *protocol.ReadMessageResponse {
	op := protocol.OpReadMessage
	if _, err := s.visibleMessage(req.Snowflake, uid); err != nil {
		return &protocol.ReadMessageResponse{Err: errorMessage(sess, op, err)}
	}
	msg, err := s.db.MarkRead(req.Snowflake, uid)
	if err != nil {
		return &protocol.ReadMessageResponse{Err: errorMessage(sess, op, err)}
	}
	return &protocol.ReadMessageResponse{Value: convertMessage(msg)}
}

func (s *Server) handleUnreadMessage(sess *Session, uid uuid.UUID, req *protocol.UnreadMessageRequest) *protocol.UnreadMessageResponse {
	op := protocol.OpUnreadMessage
	if _, err := s.visibleMessage(req.Snowflake, uid); err != nil {
		return &protocol.UnreadMessageResponse{Err: errorMessage(sess, op, err)}
	}
	msg, err := s.db.MarkUnread(req.Snowflake, uid)
	if err != nil {
		return &protocol.UnreadMessageResponse{Err: errorMessage(sess, op, err)}
	}
	return &protocol.UnreadMessageResponse{Value: convertMessage(msg)}
}

func (s *Server) handleEditMessage(sess *Session, uid uuid.UUID, req *protocol.EditMessageRequest) *protocol.EditMessageResponse {
	op := protocol.OpEditMessage
	if _, err := s.ownMessage(req.Snowflake, uid); err != nil {
		return &protocol.EditMessageResponse{Err: errorMessage(sess, op, err)}
	}
	msg, err := s.db.EditMessage(req.Snowflake, req.Text)
	if err != nil {
		return &protocol.EditMessageResponse{Err: errorMessage(sess, op, err)}
	}
	return &protocol.EditMessageResponse{Value: convertMessage(msg)}
}

func (s *Server) handleDeleteMessage(sess *Session, uid uuid.UUID, req *protocol.DeleteMessageRequest) *protocol.DeleteMessageResponse {
	op := protocol.OpDeleteMessage
	if _, err := s.ownMessage(req.Snowflake, uid); err != nil {
		return &protocol.DeleteMessageResponse{Err: errorMessage(sess, op, err)}
	}
	msg, err := s.db.RemoveMessage(req.Snowflake)
	if err != nil {
		return &protocol.DeleteMessageResponse{Err: errorMessage(sess, op, err)}
	}
	return &protocol.DeleteMessageResponse{Value: convertMessageRef(msg)}
}

// ===== Channels =====

// handleCreateChannel creates a channel. The caller always ends up a member.
func (s *Server) handleCreateChannel(sess *Session, uid uuid.UUID, req *protocol.CreateChannelRequest) *protocol.CreateChannelResponse {
	if err := validateChannelName(req.Name); err != nil {
		return &protocol.CreateChannelResponse{Err: err.Error()}
	}
	members := append([]uuid.UUID{uid}, req.Members...)
	ch, err := s.db.AddChannel(req.Name, members)
	if err != nil {
		return &protocol.CreateChannelResponse{Err: errorMessage(sess, protocol.OpCreateChannel, err)}
	}
	return &protocol.CreateChannelResponse{Value: convertChannel(ch)}
}

func (s *Server) handleUpdateChannelName(sess *Session, uid uuid.UUID, req *protocol.UpdateChannelNameRequest) *protocol.UpdateChannelNameResponse {
	op := protocol.OpUpdateChannelName
	if err := validateChannelName(req.Name); err != nil {
		return &protocol.UpdateChannelNameResponse{Err: err.Error()}
	}
	if _, err := s.memberOf(req.ChannelID, uid); err != nil {
		return &protocol.UpdateChannelNameResponse{Err: errorMessage(sess, op, err)}
	}
	ch, err := s.db.RenameChannel(req.ChannelID, req.Name)
	if err != nil {
		return &protocol.UpdateChannelNameResponse{Err: errorMessage(sess, op, err)}
	}
	return &protocol.UpdateChannelNameResponse{Value: convertChannel(ch)}
}
