package protocol

import (
	"io"

	"github.com/google/uuid"

	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/ids"
)

// Body is implemented by every request, response and record type.
// Size must equal the number of bytes EncodeTo writes.
type Body interface {
	EncodeTo(w io.Writer) error
	DecodeFrom(r io.Reader) error
	Size() int
}

// Request is a client → server body bound to its opcode
type Request interface {
	Body
	Op() Opcode
}

// ===== Records =====

// User is the full account record as seen by its owner
type User struct {
	UID         uuid.UUID   `json:"uid"`
	Username    string      `json:"username"`
	DisplayName string      `json:"display_name"`
	ProfilePic  string      `json:"profile_pic"`
	Channels    []uuid.UUID `json:"channels"`
}

func (m *User) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.UID); err != nil {
		return err
	}
	if err := WriteString(w, m.Username); err != nil {
		return err
	}
	if err := WriteString(w, m.DisplayName); err != nil {
		return err
	}
	if err := WriteString(w, m.ProfilePic); err != nil {
		return err
	}
	return WriteUUIDs(w, m.Channels)
}

func (m *User) DecodeFrom(r io.Reader) error {
	var err error
	if m.UID, err = ReadUUID(r); err != nil {
		return err
	}
	if m.Username, err = ReadString(r); err != nil {
		return err
	}
	if m.DisplayName, err = ReadString(r); err != nil {
		return err
	}
	if m.ProfilePic, err = ReadString(r); err != nil {
		return err
	}
	m.Channels, err = ReadUUIDs(r)
	return err
}

func (m *User) Size() int {
	return ids.UUIDSize + StringSize(m.Username) + StringSize(m.DisplayName) +
		StringSize(m.ProfilePic) + UUIDsSize(m.Channels)
}

// UserInfo is the public view of an account returned by searches
type UserInfo struct {
	UID         uuid.UUID `json:"uid"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	ProfilePic  string    `json:"profile_pic"`
}

func (m *UserInfo) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.UID); err != nil {
		return err
	}
	if err := WriteString(w, m.Username); err != nil {
		return err
	}
	if err := WriteString(w, m.DisplayName); err != nil {
		return err
	}
	return WriteString(w, m.ProfilePic)
}

func (m *UserInfo) DecodeFrom(r io.Reader) error {
	var err error
	if m.UID, err = ReadUUID(r); err != nil {
		return err
	}
	if m.Username, err = ReadString(r); err != nil {
		return err
	}
	if m.DisplayName, err = ReadString(r); err != nil {
		return err
	}
	m.ProfilePic, err = ReadString(r)
	return err
}

func (m *UserInfo) Size() int {
	return ids.UUIDSize + StringSize(m.Username) + StringSize(m.DisplayName) + StringSize(m.ProfilePic)
}

// AccountList is the result of LIST_ACCOUNTS
type AccountList struct {
	Accounts []UserInfo `json:"accounts"`
}

func (m *AccountList) EncodeTo(w io.Writer) error {
	if len(m.Accounts) > MaxVectorLength {
		return ErrVectorTooLong
	}
	if err := WriteUint8(w, uint8(len(m.Accounts))); err != nil {
		return err
	}
	for i := range m.Accounts {
		if err := m.Accounts[i].EncodeTo(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *AccountList) DecodeFrom(r io.Reader) error {
	n, err := ReadUint8(r)
	if err != nil {
		return err
	}
	m.Accounts = nil
	if n == 0 {
		return nil
	}
	m.Accounts = make([]UserInfo, n)
	for i := range m.Accounts {
		if err := m.Accounts[i].DecodeFrom(r); err != nil {
			return err
		}
	}
	return nil
}

func (m *AccountList) Size() int {
	size := 1
	for i := range m.Accounts {
		size += m.Accounts[i].Size()
	}
	return size
}

// Channel is a named group of users and the ids of its messages in send order
type Channel struct {
	UID               uuid.UUID       `json:"uid"`
	Name              string          `json:"name"`
	UserUIDs          []uuid.UUID     `json:"user_uids"`
	MessageSnowflakes []ids.Snowflake `json:"message_snowflakes"`
}

func (m *Channel) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.UID); err != nil {
		return err
	}
	if err := WriteString(w, m.Name); err != nil {
		return err
	}
	if err := WriteUUIDs(w, m.UserUIDs); err != nil {
		return err
	}
	return WriteSnowflakes(w, m.MessageSnowflakes)
}

func (m *Channel) DecodeFrom(r io.Reader) error {
	var err error
	if m.UID, err = ReadUUID(r); err != nil {
		return err
	}
	if m.Name, err = ReadString(r); err != nil {
		return err
	}
	if m.UserUIDs, err = ReadUUIDs(r); err != nil {
		return err
	}
	m.MessageSnowflakes, err = ReadSnowflakes(r)
	return err
}

func (m *Channel) Size() int {
	return ids.UUIDSize + StringSize(m.Name) + UUIDsSize(m.UserUIDs) + SnowflakesSize(m.MessageSnowflakes)
}

// Message is a single chat message
type Message struct {
	Snowflake  ids.Snowflake `json:"snowflake"`
	SenderID   uuid.UUID     `json:"sender_id"`
	ChannelID  uuid.UUID     `json:"channel_id"`
	CreatedAt  int64         `json:"created_at"`  // Unix milliseconds
	ModifiedAt int64         `json:"modified_at"` // Unix milliseconds
	Text       string        `json:"text"`
	ReadBy     []uuid.UUID   `json:"read_by"`
}

func (m *Message) EncodeTo(w io.Writer) error {
	if err := WriteSnowflake(w, m.Snowflake); err != nil {
		return err
	}
	if err := WriteUUID(w, m.SenderID); err != nil {
		return err
	}
	if err := WriteUUID(w, m.ChannelID); err != nil {
		return err
	}
	if err := WriteInt64(w, m.CreatedAt); err != nil {
		return err
	}
	if err := WriteInt64(w, m.ModifiedAt); err != nil {
		return err
	}
	if err := WriteString(w, m.Text); err != nil {
		return err
	}
	return WriteUUIDs(w, m.ReadBy)
}

func (m *Message) DecodeFrom(r io.Reader) error {
	var err error
	if m.Snowflake, err = ReadSnowflake(r); err != nil {
		return err
	}
	if m.SenderID, err = ReadUUID(r); err != nil {
		return err
	}
	if m.ChannelID, err = ReadUUID(r); err != nil {
		return err
	}
	if m.CreatedAt, err = ReadInt64(r); err != nil {
		return err
	}
	if m.ModifiedAt, err = ReadInt64(r); err != nil {
		return err
	}
	if m.Text, err = ReadString(r); err != nil {
		return err
	}
	m.ReadBy, err = ReadUUIDs(r)
	return err
}

func (m *Message) Size() int {
	return 8 + 2*ids.UUIDSize + 8 + 8 + StringSize(m.Text) + UUIDsSize(m.ReadBy)
}

// MessageRef identifies a deleted message and the channel it belonged to
type MessageRef struct {
	Snowflake ids.Snowflake `json:"snowflake"`
	ChannelID uuid.UUID     `json:"channel_id"`
}

func (m *MessageRef) EncodeTo(w io.Writer) error {
	if err := WriteSnowflake(w, m.Snowflake); err != nil {
		return err
	}
	return WriteUUID(w, m.ChannelID)
}

func (m *MessageRef) DecodeFrom(r io.Reader) error {
	var err error
	if m.Snowflake, err = ReadSnowflake(r); err != nil {
		return err
	}
	m.ChannelID, err = ReadUUID(r)
	return err
}

func (m *MessageRef) Size() int {
	return 8 + ids.UUIDSize
}

// Empty is the success payload of operations that return nothing
type Empty struct{}

func (m *Empty) EncodeTo(io.Writer) error   { return nil }
func (m *Empty) DecodeFrom(io.Reader) error { return nil }
func (m *Empty) Size() int                  { return 0 }

// ===== Requests (Client → Server) =====

// RegisterAccountRequest (0) - create an account and log in
type RegisterAccountRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

func (m *RegisterAccountRequest) Op() Opcode { return OpRegisterAccount }

func (m *RegisterAccountRequest) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Username); err != nil {
		return err
	}
	if err := WriteString(w, m.DisplayName); err != nil {
		return err
	}
	return WriteString(w, m.Password)
}

func (m *RegisterAccountRequest) DecodeFrom(r io.Reader) error {
	var err error
	if m.Username, err = ReadString(r); err != nil {
		return err
	}
	if m.DisplayName, err = ReadString(r); err != nil {
		return err
	}
	m.Password, err = ReadString(r)
	return err
}

func (m *RegisterAccountRequest) Size() int {
	return StringSize(m.Username) + StringSize(m.DisplayName) + StringSize(m.Password)
}

// LoginRequest (1) - authenticate this connection
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (m *LoginRequest) Op() Opcode { return OpLogin }

func (m *LoginRequest) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Username); err != nil {
		return err
	}
	return WriteString(w, m.Password)
}

func (m *LoginRequest) DecodeFrom(r io.Reader) error {
	var err error
	if m.Username, err = ReadString(r); err != nil {
		return err
	}
	m.Password, err = ReadString(r)
	return err
}

func (m *LoginRequest) Size() int {
	return StringSize(m.Username) + StringSize(m.Password)
}

// ListAccountsRequest (2) - search usernames by regular expression
type ListAccountsRequest struct {
	Pattern string `json:"pattern"`
}

func (m *ListAccountsRequest) Op() Opcode                   { return OpListAccounts }
func (m *ListAccountsRequest) EncodeTo(w io.Writer) error   { return WriteString(w, m.Pattern) }
func (m *ListAccountsRequest) Size() int                    { return StringSize(m.Pattern) }
func (m *ListAccountsRequest) DecodeFrom(r io.Reader) error {
	var err error
	m.Pattern, err = ReadString(r)
	return err
}

// DeleteAccountRequest (3) - delete the authenticated account
type DeleteAccountRequest struct {
	Password string `json:"password"`
}

func (m *DeleteAccountRequest) Op() Opcode                 { return OpDeleteAccount }
func (m *DeleteAccountRequest) EncodeTo(w io.Writer) error { return WriteString(w, m.Password) }
func (m *DeleteAccountRequest) Size() int                  { return StringSize(m.Password) }
func (m *DeleteAccountRequest) DecodeFrom(r io.Reader) error {
	var err error
	m.Password, err = ReadString(r)
	return err
}

// SendMessageRequest (4) - post text to a channel
type SendMessageRequest struct {
	ChannelID uuid.UUID `json:"channel_id"`
	Text      string    `json:"text"`
}

func (m *SendMessageRequest) Op() Opcode { return OpSendMessage }

func (m *SendMessageRequest) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.ChannelID); err != nil {
		return err
	}
	return WriteString(w, m.Text)
}

func (m *SendMessageRequest) DecodeFrom(r io.Reader) error {
	var err error
	if m.ChannelID, err = ReadUUID(r); err != nil {
		return err
	}
	m.Text, err = ReadString(r)
	return err
}

func (m *SendMessageRequest) Size() int {
	return ids.UUIDSize + StringSize(m.Text)
}

// MessageTarget addresses an existing message by snowflake
type MessageTarget struct {
	Snowflake ids.Snowflake `json:"snowflake"`
}

func (m *MessageTarget) EncodeTo(w io.Writer) error { return WriteSnowflake(w, m.Snowflake) }
func (m *MessageTarget) Size() int                  { return 8 }
func (m *MessageTarget) DecodeFrom(r io.Reader) error {
	var err error
	m.Snowflake, err = ReadSnowflake(r)
	return err
}

// ReadMessageRequest (5) - mark a message as read by the caller
type ReadMessageRequest struct {
	MessageTarget
}

func (m *ReadMessageRequest) Op() Opcode { return OpReadMessage }

// DeleteMessageRequest (6) - delete a message authored by the caller
type DeleteMessageRequest struct {
	MessageTarget
}

func (m *DeleteMessageRequest) Op() Opcode { return OpDeleteMessage }

// EditMessageRequest (7) - replace the text of a message authored by the caller
type EditMessageRequest struct {
	Snowflake ids.Snowflake `json:"snowflake"`
	Text      string        `json:"text"`
}

func (m *EditMessageRequest) Op() Opcode { return OpEditMessage }

func (m *EditMessageRequest) EncodeTo(w io.Writer) error {
	if err := WriteSnowflake(w, m.Snowflake); err != nil {
		return err
	}
	return WriteString(w, m.Text)
}

func (m *EditMessageRequest) DecodeFrom(r io.Reader) error {
	var err error
	if m.Snowflake, err = ReadSnowflake(r); err != nil {
		return err
	}
	m.Text, err = ReadString(r)
	return err
}

func (m *EditMessageRequest) Size() int {
	return 8 + StringSize(m.Text)
}

// UnreadMessageRequest (8) - remove the caller from a message's read list
type UnreadMessageRequest struct {
	MessageTarget
}

func (m *UnreadMessageRequest) Op() Opcode { return OpUnreadMessage }

// CreateChannelRequest (9) - create a channel; the caller is always a member
type CreateChannelRequest struct {
	Name    string      `json:"name"`
	Members []uuid.UUID `json:"members"`
}

func (m *CreateChannelRequest) Op() Opcode { return OpCreateChannel }

func (m *CreateChannelRequest) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Name); err != nil {
		return err
	}
	return WriteUUIDs(w, m.Members)
}

func (m *CreateChannelRequest) DecodeFrom(r io.Reader) error {
	var err error
	if m.Name, err = ReadString(r); err != nil {
		return err
	}
	m.Members, err = ReadUUIDs(r)
	return err
}

func (m *CreateChannelRequest) Size() int {
	return StringSize(m.Name) + UUIDsSize(m.Members)
}

// UpdateChannelNameRequest (10) - rename a channel the caller belongs to
type UpdateChannelNameRequest struct {
	ChannelID uuid.UUID `json:"channel_id"`
	Name      string    `json:"name"`
}

func (m *UpdateChannelNameRequest) Op() Opcode { return OpUpdateChannelName }

func (m *UpdateChannelNameRequest) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.ChannelID); err != nil {
		return err
	}
	return WriteString(w, m.Name)
}

func (m *UpdateChannelNameRequest) DecodeFrom(r io.Reader) error {
	var err error
	if m.ChannelID, err = ReadUUID(r); err != nil {
		return err
	}
	m.Name, err = ReadString(r)
	return err
}

func (m *UpdateChannelNameRequest) Size() int {
	return ids.UUIDSize + StringSize(m.Name)
}

// UpdateDisplayNameRequest (11)
type UpdateDisplayNameRequest struct {
	DisplayName string `json:"display_name"`
}

func (m *UpdateDisplayNameRequest) Op() Opcode                 { return OpUpdateDisplayName }
func (m *UpdateDisplayNameRequest) EncodeTo(w io.Writer) error { return WriteString(w, m.DisplayName) }
func (m *UpdateDisplayNameRequest) Size() int                  { return StringSize(m.DisplayName) }
func (m *UpdateDisplayNameRequest) DecodeFrom(r io.Reader) error {
	var err error
	m.DisplayName, err = ReadString(r)
	return err
}

// UpdateProfilePictureRequest (12)
type UpdateProfilePictureRequest struct {
	ProfilePic string `json:"profile_pic"`
}

func (m *UpdateProfilePictureRequest) Op() Opcode                 { return OpUpdateProfilePicture }
func (m *UpdateProfilePictureRequest) EncodeTo(w io.Writer) error { return WriteString(w, m.ProfilePic) }
func (m *UpdateProfilePictureRequest) Size() int                  { return StringSize(m.ProfilePic) }
func (m *UpdateProfilePictureRequest) DecodeFrom(r io.Reader) error {
	var err error
	m.ProfilePic, err = ReadString(r)
	return err
}

// ResetPasswordRequest (13) - change the caller's password
type ResetPasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (m *ResetPasswordRequest) Op() Opcode { return OpResetPassword }

func (m *ResetPasswordRequest) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.OldPassword); err != nil {
		return err
	}
	return WriteString(w, m.NewPassword)
}

func (m *ResetPasswordRequest) DecodeFrom(r io.Reader) error {
	var err error
	if m.OldPassword, err = ReadString(r); err != nil {
		return err
	}
	m.NewPassword, err = ReadString(r)
	return err
}

func (m *ResetPasswordRequest) Size() int {
	return StringSize(m.OldPassword) + StringSize(m.NewPassword)
}

// ===== Responses (Server → Client) =====

type (
	RegisterAccountResponse      = Response[User, *User]
	LoginResponse                = Response[User, *User]
	ListAccountsResponse         = Response[AccountList, *AccountList]
	DeleteAccountResponse        = Response[Empty, *Empty]
	SendMessageResponse          = Response[Message, *Message]
	ReadMessageResponse          = Response[Message, *Message]
	DeleteMessageResponse        = Response[MessageRef, *MessageRef]
	EditMessageResponse          = Response[Message, *Message]
	UnreadMessageResponse        = Response[Message, *Message]
	CreateChannelResponse        = Response[Channel, *Channel]
	UpdateChannelNameResponse    = Response[Channel, *Channel]
	UpdateDisplayNameResponse    = Response[User, *User]
	UpdateProfilePictureResponse = Response[User, *User]
	ResetPasswordResponse        = Response[Empty, *Empty]
)

// NewRequest returns an empty request body for op, ready to be decoded into
func NewRequest(op Opcode) (Request, error) {
	switch op {
	case OpRegisterAccount:
		return &RegisterAccountRequest{}, nil
	case OpLogin:
		return &LoginRequest{}, nil
	case OpListAccounts:
		return &ListAccountsRequest{}, nil
	case OpDeleteAccount:
		return &DeleteAccountRequest{}, nil
	case OpSendMessage:
		return &SendMessageRequest{}, nil
	case OpReadMessage:
		return &ReadMessageRequest{}, nil
	case OpDeleteMessage:
		return &DeleteMessageRequest{}, nil
	case OpEditMessage:
		return &EditMessageRequest{}, nil
	case OpUnreadMessage:
		return &UnreadMessageRequest{}, nil
	case OpCreateChannel:
		return &CreateChannelRequest{}, nil
	case OpUpdateChannelName:
		return &UpdateChannelNameRequest{}, nil
	case OpUpdateDisplayName:
		return &UpdateDisplayNameRequest{}, nil
	case OpUpdateProfilePicture:
		return &UpdateProfilePictureRequest{}, nil
	case OpResetPassword:
		return &ResetPasswordRequest{}, nil
	default:
		return nil, ErrUnknownOpcode
	}
}

// NewResponse returns an empty response envelope for op, ready to be decoded into
func NewResponse(op Opcode) (Body, error) {
	switch op {
	case OpRegisterAccount:
		return &RegisterAccountResponse{}, nil
	case OpLogin:
		return &LoginResponse{}, nil
	case OpListAccounts:
		return &ListAccountsResponse{}, nil
	case OpDeleteAccount:
		return &DeleteAccountResponse{}, nil
	case OpSendMessage:
		return &SendMessageResponse{}, nil
	case OpReadMessage:
		return &ReadMessageResponse{}, nil
	case OpDeleteMessage:
		return &DeleteMessageResponse{}, nil
	case OpEditMessage:
		return &EditMessageResponse{}, nil
	case OpUnreadMessage:
		return &UnreadMessageResponse{}, nil
	case OpCreateChannel:
		return &CreateChannelResponse{}, nil
	case OpUpdateChannelName:
		return &UpdateChannelNameResponse{}, nil
	case OpUpdateDisplayName:
		return &UpdateDisplayNameResponse{}, nil
	case OpUpdateProfilePicture:
		return &UpdateProfilePictureResponse{}, nil
	case OpResetPassword:
		return &ResetPasswordResponse{}, nil
	default:
		return nil, ErrUnknownOpcode
	}
}

// Compile-time checks that every body implements its interface
var (
	_ Request = (*RegisterAccountRequest)(nil)
	_ Request = (*LoginRequest)(nil)
	_ Request = (*ListAccountsRequest)(nil)
	_ Request = (*DeleteAccountRequest)(nil)
	_ Request = (*SendMessageRequest)(nil)
	_ Request = (*ReadMessageRequest)(nil)
	_ Request = (*DeleteMessageRequest)(nil)
	_ Request = (*EditMessageRequest)(nil)
	_ Request = (*UnreadMessageRequest)(nil)
	_ Request = (*CreateChannelRequest)(nil)
	_ Request = (*UpdateChannelNameRequest)(nil)
	_ Request = (*UpdateDisplayNameRequest)(nil)
	_ Request = (*UpdateProfilePictureRequest)(nil)
	_ Request = (*ResetPasswordRequest)(nil)

	_ Body = (*User)(nil)
	_ Body = (*UserInfo)(nil)
	_ Body = (*AccountList)(nil)
	_ Body = (*Channel)(nil)
	_ Body = (*Message)(nil)
	_ Body = (*MessageRef)(nil)
	_ Body = (*Empty)(nil)
	_ Body = (*LoginResponse)(nil)
	_ Body = (*DeleteMessageResponse)(nil)
)
