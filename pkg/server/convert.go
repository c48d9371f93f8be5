package server

import (
	"github.com/google/uuid"

	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/database"
	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/ids"
	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/protocol"
)

// Wire vectors carry a one-byte count, so every list handed to the codec is
// capped at protocol.MaxVectorLength.

func headUUIDs(list []uuid.UUID) []uuid.UUID {
	if len(list) > protocol.MaxVectorLength {
		list = list[:protocol.MaxVectorLength]
	}
	return append([]uuid.UUID(nil), list...)
}

// tailSnowflakes keeps the most recent ids
func tailSnowflakes(list []ids.Snowflake) []ids.Snowflake {
	if len(list) > protocol.MaxVectorLength {
		list = list[len(list)-protocol.MaxVectorLength:]
	}
	return append([]ids.Snowflake(nil), list...)
}

func convertUser(u database.User) *protocol.User {
	return &protocol.User{
		UID:         u.UID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		ProfilePic:  u.ProfilePic,
		Channels:    headUUIDs(u.Channels),
	}
}

func convertUserInfo(u database.User) protocol.UserInfo {
	return protocol.UserInfo{
		UID:         u.UID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		ProfilePic:  u.ProfilePic,
	}
}

func convertChannel(c database.Channel) *protocol.Channel {
	return &protocol.Channel{
		UID:               c.UID,
		Name:              c.Name,
		UserUIDs:          headUUIDs(c.UserUIDs),
		MessageSnowflakes: tailSnowflakes(c.MessageSnowflakes),
	}
}

func convertMessage(m database.Message) *protocol.Message {
	return &protocol.Message{
		Snowflake:  m.Snowflake,
		SenderID:   m.SenderID,
		ChannelID:  m.ChannelID,
		CreatedAt:  m.CreatedAt,
		ModifiedAt: m.ModifiedAt,
		Text:       m.Text,
		ReadBy:     headUUIDs(m.ReadBy),
	}
}

func convertMessageRef(m database.Message) *protocol.MessageRef {
	return &protocol.MessageRef{Snowflake: m.Snowflake, ChannelID: m.ChannelID}
}

// convertAccounts builds the ListAccounts payload, dropping trailing matches
// once the binary encoding would no longer fit in one frame
func convertAccounts(users []database.User) *protocol.AccountList {
	list := &protocol.AccountList{}
	size := 1 + 1 // response tag + count
	for _, u := range users {
		if len(list.Accounts) == protocol.MaxVectorLength {
			break
		}
		info := convertUserInfo(u)
		if size+info.Size() > protocol.MaxPayloadSize {
			break
		}
		size += info.Size()
		list.Accounts = append(list.Accounts, info)
	}
	return list
}
