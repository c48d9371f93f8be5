package protocol

import "fmt"

// Opcode identifies the message type carried by a frame. Requests and their
// responses share the same opcode; direction tells them apart.
type Opcode uint8

const (
	OpRegisterAccount Opcode = iota
	OpLogin
	OpListAccounts
	OpDeleteAccount
	OpSendMessage
	OpReadMessage
	OpDeleteMessage
	OpEditMessage
	OpUnreadMessage
	OpCreateChannel
	OpUpdateChannelName
	OpUpdateDisplayName
	OpUpdateProfilePicture
	OpResetPassword

	// NumOpcodes is the size of the opcode space
	NumOpcodes = 14
)

var opcodeNames = [NumOpcodes]string{
	"REGISTER_ACCOUNT",
	"LOGIN",
	"LIST_ACCOUNTS",
	"DELETE_ACCOUNT",
	"SEND_MESSAGE",
	"READ_MESSAGE",
	"DELETE_MESSAGE",
	"EDIT_MESSAGE",
	"UNREAD_MESSAGE",
	"CREATE_CHANNEL",
	"UPDATE_CHANNEL_NAME",
	"UPDATE_DISPLAY_NAME",
	"UPDATE_PROFILE_PICTURE",
	"RESET_PASSWORD",
}

// Valid reports whether op is inside the opcode space
func (op Opcode) Valid() bool {
	return op < NumOpcodes
}

func (op Opcode) String() string {
	if !op.Valid() {
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(op))
	}
	return opcodeNames[op]
}
