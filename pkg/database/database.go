package database

import (
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/ids"
)

// MaxTextLength is the longest message text the binary wire format can carry
const MaxTextLength = 255

var (
	ErrTextTooLong   = errors.New("message text exceeds 255 bytes")
	ErrAlreadyMember = errors.New("user is already a member of the channel")
	ErrNotMember     = errors.New("user is not a member of the channel")
	ErrIDsHalted     = errors.New("message ids halted after the clock moved backwards")
)

// Database composes the four tables and owns every operation that touches more
// than one of them. Each table locks independently and no lock is held while
// another table is touched or while notifying, so a concurrent reader can see
// a cascade half applied.
type Database struct {
	users     *UserTable
	channels  *ChannelTable
	messages  *MessageTable
	passwords *PasswordTable

	ids       *ids.Generator
	idsHalted atomic.Bool // set for good once the generator's clock goes backwards
	now       func() time.Time

	notifyMu sync.RWMutex
	notifier Notifier
}

// Option configures a Database
type Option func(*Database)

// WithNotifier sets the event subscriber
func WithNotifier(n Notifier) Option {
	return func(db *Database) { db.notifier = n }
}

// WithPasswordParams overrides the argon2id cost parameters
func WithPasswordParams(p PasswordParams) Option {
	return func(db *Database) { db.passwords = NewPasswordTable(p) }
}

// WithClock overrides the wall clock used for message timestamps
func WithClock(now func() time.Time) Option {
	return func(db *Database) { db.now = now }
}

// New creates an empty database that stamps messages with snowflakes from gen
func New(gen *ids.Generator, opts ...Option) *Database {
	db := &Database{
		users:     NewUserTable(),
		channels:  NewChannelTable(),
		messages:  NewMessageTable(),
		passwords: NewPasswordTable(DefaultPasswordParams),
		ids:       gen,
		now:       time.Now,
		notifier:  nopNotifier{},
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// SetNotifier replaces the event subscriber. A nil notifier drops events.
func (db *Database) SetNotifier(n Notifier) {
	if n == nil {
		n = nopNotifier{}
	}
	db.notifyMu.Lock()
	db.notifier = n
	db.notifyMu.Unlock()
}

func (db *Database) notify(users []uuid.UUID, ev Event) {
	db.notifyMu.RLock()
	n := db.notifier
	db.notifyMu.RUnlock()

	for _, uid := range users {
		n.Notify(uid, ev)
	}
}

// Stats returns the row count of each table
func (db *Database) Stats() (users, channels, messages int) {
	return db.users.Len(), db.channels.Len(), db.messages.Len()
}

// ===== Users =====

// AddUser registers an account. The password is stored first; if the user
// record cannot be inserted the password entry is rolled back.
func (db *Database) AddUser(username, displayName, password string) (User, error) {
	uid, err := ids.NewUUID()
	if err != nil {
		return User{}, err
	}
	if _, err := db.users.GetByUsername(username); err == nil {
		return User{}, ErrUsernameTaken
	}

	if err := db.passwords.Set(uid, password); err != nil {
		return User{}, fmt.Errorf("store password: %w", err)
	}

	u := User{UID: uid, Username: username, DisplayName: displayName}
	if err := db.users.Add(u); err != nil {
		_ = db.passwords.Remove(uid)
		return User{}, err
	}

	log.Printf("Database: registered user %s (%s)", username, uid)
	return u, nil
}

func (db *Database) GetUser(uid uuid.UUID) (User, error) {
	return db.users.Get(uid)
}

func (db *Database) GetUserByUsername(username string) (User, error) {
	return db.users.GetByUsername(username)
}

// VerifyPassword checks plaintext against the stored hash for uid
func (db *Database) VerifyPassword(uid uuid.UUID, plaintext string) (bool, error) {
	if _, err := db.users.Get(uid); err != nil {
		return false, err
	}
	return db.passwords.Verify(uid, plaintext)
}

// Authenticate resolves username and checks the password.
// Unknown users and wrong passwords both return ErrWrongPassword.
func (db *Database) Authenticate(username, password string) (User, error) {
	u, err := db.users.GetByUsername(username)
	if err != nil {
		return User{}, ErrWrongPassword
	}
	ok, err := db.passwords.Verify(u.UID, password)
	if err != nil || !ok {
		return User{}, ErrWrongPassword
	}
	return u, nil
}

// ResetPassword replaces the password for uid after checking the old one
func (db *Database) ResetPassword(uid uuid.UUID, oldPassword, newPassword string) error {
	ok, err := db.VerifyPassword(uid, oldPassword)
	if err != nil {
		return err
	}
	if !ok {
		return ErrWrongPassword
	}
	return db.passwords.Set(uid, newPassword)
}

// FindUsers returns every user whose username matches pattern
func (db *Database) FindUsers(pattern string) ([]User, error) {
	uids, err := db.users.FindUUIDsMatching(pattern)
	if err != nil {
		return nil, err
	}
	out := make([]User, 0, len(uids))
	for _, uid := range uids {
		// Removed between the scan and the lookup
		u, err := db.users.Get(uid)
		if err != nil {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (db *Database) UpdateDisplayName(uid uuid.UUID, displayName string) (User, error) {
	return db.updateProfile(uid, func(u *User) { u.DisplayName = displayName })
}

func (db *Database) UpdateProfilePicture(uid uuid.UUID, pic string) (User, error) {
	return db.updateProfile(uid, func(u *User) { u.ProfilePic = pic })
}

func (db *Database) updateProfile(uid uuid.UUID, fn func(*User)) (User, error) {
	u, err := db.users.Update(uid, func(u *User) error {
		fn(u)
		return nil
	})
	if err != nil {
		return User{}, err
	}
	db.notify([]uuid.UUID{uid}, UserUpdated{User: u})
	return u, nil
}

// RemoveUser deletes an account. For each channel the user belongs to, the
// user leaves the channel, every message they authored there is removed (and
// the remaining members notified), and the remaining members receive the
// updated channel. Channels left with no members are removed. The user and
// password records go last so lookups during the cascade still resolve.
func (db *Database) RemoveUser(uid uuid.UUID) (User, error) {
	u, err := db.users.Get(uid)
	if err != nil {
		return User{}, err
	}

	for _, cid := range u.Channels {
		ch, err := db.channels.Update(cid, func(c *Channel) error {
			c.UserUIDs, _ = ids.RemoveUUID(c.UserUIDs, uid)
			return nil
		})
		if err != nil {
			// Channel already gone
			continue
		}

		for _, sf := range ch.MessageSnowflakes {
			msg, err := db.messages.Get(sf)
			if err != nil || msg.SenderID != uid {
				continue
			}
			if _, err := db.RemoveMessage(sf); err != nil && !errors.Is(err, ErrMessageNotFound) {
				log.Printf("Database: remove message %s of deleted user %s: %v", sf, uid, err)
			}
		}

		if len(ch.UserUIDs) == 0 {
			if err := db.RemoveChannel(cid); err != nil && !errors.Is(err, ErrChannelNotFound) {
				log.Printf("Database: remove empty channel %s: %v", cid, err)
			}
			continue
		}
		if ch, err = db.channels.Get(cid); err == nil {
			db.notify(ch.UserUIDs, ChannelUpdated{Channel: ch})
		}
	}

	removed, err := db.users.Remove(uid)
	if err != nil {
		return User{}, err
	}
	_ = db.passwords.Remove(uid)

	log.Printf("Database: removed user %s (%s)", removed.Username, uid)
	return removed, nil
}

// ===== Channels =====

// AddChannel creates a channel with the given members. Every member must
// exist; duplicates are dropped. Each member gains the channel and is
// notified with ChannelAdded.
func (db *Database) AddChannel(name string, members []uuid.UUID) (Channel, error) {
	unique := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		if ids.ContainsUUID(unique, m) {
			continue
		}
		if _, err := db.users.Get(m); err != nil {
			return Channel{}, fmt.Errorf("member %s: %w", m, err)
		}
		unique = append(unique, m)
	}

	uid, err := ids.NewUUID()
	if err != nil {
		return Channel{}, err
	}
	ch := Channel{UID: uid, Name: name, UserUIDs: unique}
	if err := db.channels.Add(ch); err != nil {
		return Channel{}, err
	}

	joined := make([]uuid.UUID, 0, len(unique))
	for _, m := range unique {
		_, err := db.users.Update(m, func(u *User) error {
			u.Channels = append(u.Channels, uid)
			return nil
		})
		if err != nil {
			// Member deleted concurrently
			db.channels.Update(uid, func(c *Channel) error {
				c.UserUIDs, _ = ids.RemoveUUID(c.UserUIDs, m)
				return nil
			})
			continue
		}
		joined = append(joined, m)
	}

	ch, err = db.channels.Get(uid)
	if err != nil {
		return Channel{}, err
	}
	db.notify(joined, ChannelAdded{Channel: ch})
	log.Printf("Database: created channel %q (%s) with %d members", name, uid, len(joined))
	return ch, nil
}

func (db *Database) GetChannel(uid uuid.UUID) (Channel, error) {
	return db.channels.Get(uid)
}

// AddUserToChannel adds uid to the channel. The new member receives
// ChannelAdded; existing members receive ChannelUpdated.
func (db *Database) AddUserToChannel(channelID, uid uuid.UUID) (Channel, error) {
	if _, err := db.users.Get(uid); err != nil {
		return Channel{}, err
	}

	ch, err := db.channels.Update(channelID, func(c *Channel) error {
		if c.HasMember(uid) {
			return ErrAlreadyMember
		}
		c.UserUIDs = append(c.UserUIDs, uid)
		return nil
	})
	if err != nil {
		return Channel{}, err
	}

	_, err = db.users.Update(uid, func(u *User) error {
		if !ids.ContainsUUID(u.Channels, channelID) {
			u.Channels = append(u.Channels, channelID)
		}
		return nil
	})
	if err != nil {
		db.channels.Update(channelID, func(c *Channel) error {
			c.UserUIDs, _ = ids.RemoveUUID(c.UserUIDs, uid)
			return nil
		})
		return Channel{}, err
	}

	others, _ := ids.RemoveUUID(ch.UserUIDs, uid)
	db.notify([]uuid.UUID{uid}, ChannelAdded{Channel: ch})
	db.notify(others, ChannelUpdated{Channel: ch})
	return ch, nil
}

// RenameChannel changes the channel name and notifies members
func (db *Database) RenameChannel(channelID uuid.UUID, name string) (Channel, error) {
	ch, err := db.channels.Update(channelID, func(c *Channel) error {
		c.Name = name
		return nil
	})
	if err != nil {
		return Channel{}, err
	}
	db.notify(ch.UserUIDs, ChannelUpdated{Channel: ch})
	return ch, nil
}

// RemoveChannel removes the channel from every member's list, deletes the
// channel's messages and finally the channel itself
func (db *Database) RemoveChannel(channelID uuid.UUID) error {
	ch, err := db.channels.Get(channelID)
	if err != nil {
		return err
	}

	for _, m := range ch.UserUIDs {
		db.users.Update(m, func(u *User) error {
			u.Channels, _ = ids.RemoveUUID(u.Channels, channelID)
			return nil
		})
	}
	for _, sf := range ch.MessageSnowflakes {
		db.messages.Remove(sf)
	}
	if _, err := db.channels.Remove(channelID); err != nil {
		return err
	}

	log.Printf("Database: removed channel %s (%d messages)", channelID, len(ch.MessageSnowflakes))
	return nil
}

// ChannelMessages returns the channel's messages in send order
func (db *Database) ChannelMessages(channelID uuid.UUID) ([]Message, error) {
	ch, err := db.channels.Get(channelID)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(ch.MessageSnowflakes))
	for _, sf := range ch.MessageSnowflakes {
		if m, err := db.messages.Get(sf); err == nil {
			out = append(out, m)
		}
	}
	return out, nil
}

// ===== Messages =====

// IDsHalted reports whether message creation stopped because the snowflake
// clock moved backwards. Restarting the process is the only way out.
func (db *Database) IDsHalted() bool {
	return db.idsHalted.Load()
}

// AddMessage posts text to a channel and notifies every member. The new
// message is already read by its sender.
func (db *Database) AddMessage(sender, channelID uuid.UUID, text string) (Message, error) {
	if len(text) > MaxTextLength {
		return Message{}, ErrTextTooLong
	}
	if _, err := db.channels.Get(channelID); err != nil {
		return Message{}, err
	}

	if db.idsHalted.Load() {
		return Message{}, ErrIDsHalted
	}
	sf, err := db.ids.Next()
	if err != nil {
		if errors.Is(err, ids.ErrClockMovedBackwards) && !db.idsHalted.Swap(true) {
			log.Printf("ERROR: Database: %v, no further messages will be accepted", err)
		}
		return Message{}, fmt.Errorf("generate snowflake: %w", err)
	}
	now := db.now().UnixMilli()
	msg := Message{
		Snowflake:  sf,
		SenderID:   sender,
		ChannelID:  channelID,
		CreatedAt:  now,
		ModifiedAt: now,
		Text:       text,
		ReadBy:     []uuid.UUID{sender},
	}
	if err := db.messages.Add(msg); err != nil {
		return Message{}, err
	}

	ch, err := db.channels.Update(channelID, func(c *Channel) error {
		c.MessageSnowflakes = append(c.MessageSnowflakes, sf)
		return nil
	})
	if err != nil {
		// Channel removed between the check and the append
		db.messages.Remove(sf)
		return Message{}, err
	}

	db.notify(ch.UserUIDs, MessageReceived{Message: msg})
	return msg, nil
}

func (db *Database) GetMessage(sf ids.Snowflake) (Message, error) {
	return db.messages.Get(sf)
}

// EditMessage replaces the text and bumps ModifiedAt
func (db *Database) EditMessage(sf ids.Snowflake, text string) (Message, error) {
	if len(text) > MaxTextLength {
		return Message{}, ErrTextTooLong
	}
	now := db.now().UnixMilli()
	msg, err := db.messages.Update(sf, func(m *Message) error {
		m.Text = text
		m.ModifiedAt = now
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	db.notifyMembers(msg.ChannelID, MessageEdited{Message: msg})
	return msg, nil
}

// MarkRead adds uid to the message's read list
func (db *Database) MarkRead(sf ids.Snowflake, uid uuid.UUID) (Message, error) {
	msg, err := db.messages.Update(sf, func(m *Message) error {
		if !m.IsReadBy(uid) {
			m.ReadBy = append(m.ReadBy, uid)
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	db.notifyMembers(msg.ChannelID, MessageRead{Message: msg})
	return msg, nil
}

// MarkUnread removes uid from the message's read list
func (db *Database) MarkUnread(sf ids.Snowflake, uid uuid.UUID) (Message, error) {
	msg, err := db.messages.Update(sf, func(m *Message) error {
		m.ReadBy, _ = ids.RemoveUUID(m.ReadBy, uid)
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	db.notifyMembers(msg.ChannelID, MessageUnread{Message: msg})
	return msg, nil
}

// RemoveMessage deletes a message. It fails if the message or its channel is
// gone; otherwise the message is removed, members are notified, and the
// snowflake is dropped from the channel's list.
func (db *Database) RemoveMessage(sf ids.Snowflake) (Message, error) {
	msg, err := db.messages.Get(sf)
	if err != nil {
		return Message{}, err
	}
	ch, err := db.channels.Get(msg.ChannelID)
	if err != nil {
		return Message{}, err
	}

	if _, err := db.messages.Remove(sf); err != nil {
		return Message{}, err
	}
	db.notify(ch.UserUIDs, MessageDeleted{Message: msg})

	db.channels.Update(msg.ChannelID, func(c *Channel) error {
		c.MessageSnowflakes = slices.DeleteFunc(c.MessageSnowflakes, func(s ids.Snowflake) bool {
			return s == sf
		})
		return nil
	})
	return msg, nil
}

func (db *Database) notifyMembers(channelID uuid.UUID, ev Event) {
	ch, err := db.channels.Get(channelID)
	if err != nil {
		return
	}
	db.notify(ch.UserUIDs, ev)
}
