package database

import (
	"slices"

	"github.com/google/uuid"

	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/ids"
)

// User represents a registered account
type User struct {
	UID         uuid.UUID
	Username    string
	DisplayName string
	ProfilePic  string
	Channels    []uuid.UUID // channel membership, in join order
}

// Channel represents a group conversation
type Channel struct {
	UID               uuid.UUID
	Name              string
	UserUIDs          []uuid.UUID
	MessageSnowflakes []ids.Snowflake // send order
}

// Message represents a chat message
type Message struct {
	Snowflake  ids.Snowflake
	SenderID   uuid.UUID
	ChannelID  uuid.UUID
	CreatedAt  int64 // Unix milliseconds
	ModifiedAt int64 // Unix milliseconds
	Text       string
	ReadBy     []uuid.UUID
}

// Tables hand out copies so callers never share slices with stored records

func (u User) clone() User {
	u.Channels = slices.Clone(u.Channels)
	return u
}

func (c Channel) clone() Channel {
	c.UserUIDs = slices.Clone(c.UserUIDs)
	c.MessageSnowflakes = slices.Clone(c.MessageSnowflakes)
	return c
}

func (m Message) clone() Message {
	m.ReadBy = slices.Clone(m.ReadBy)
	return m
}

// HasMember reports whether uid belongs to the channel
func (c *Channel) HasMember(uid uuid.UUID) bool {
	return ids.ContainsUUID(c.UserUIDs, uid)
}

// IsReadBy reports whether uid has read the message
func (m *Message) IsReadBy(uid uuid.UUID) bool {
	return ids.ContainsUUID(m.ReadBy, uid)
}
