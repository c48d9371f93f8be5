package database

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/ids"
)

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// fastPasswords keeps argon2 cheap in tests
var fastPasswords = PasswordParams{Time: 1, Memory: 64, Threads: 1, KeyLen: 32}

type delivery struct {
	user uuid.UUID
	ev   Event
}

type recorder struct {
	mu  sync.Mutex
	got []delivery
}

func (r *recorder) record(user uuid.UUID, ev Event) {
	r.mu.Lock()
	r.got = append(r.got, delivery{user, ev})
	r.mu.Unlock()
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.got = nil
	r.mu.Unlock()
}

// eventsFor returns the events delivered to user, in order
func (r *recorder) eventsFor(user uuid.UUID) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, d := range r.got {
		if d.user == user {
			out = append(out, d.ev)
		}
	}
	return out
}

func newTestDB(t *testing.T) (*Database, *recorder) {
	t.Helper()
	gen, err := ids.NewGenerator(ids.DefaultEpoch, 1, 1)
	require.NoError(t, err)
	rec := &recorder{}
	return New(gen, WithNotifier(NotifierFunc(rec.record)), WithPasswordParams(fastPasswords)), rec
}

func mustUser(t *testing.T, db *Database, name string) User {
	t.Helper()
	u, err := db.AddUser(name, name+" display", "pw-"+name)
	require.NoError(t, err)
	return u
}

func TestAddUser(t *testing.T) {
	db, _ := newTestDB(t)

	alice := mustUser(t, db, "alice")
	assert.Equal(t, "alice", alice.Username)
	assert.Empty(t, alice.Channels)

	got, err := db.GetUser(alice.UID)
	require.NoError(t, err)
	assert.Equal(t, alice, got)

	byName, err := db.GetUserByUsername("alice")
	require.NoError(t, err)
	assert.Equal(t, alice.UID, byName.UID)

	t.Run("duplicate username", func(t *testing.T) {
		_, err := db.AddUser("alice", "Other", "pw")
		assert.ErrorIs(t, err, ErrUsernameTaken)
		assert.Equal(t, 1, db.passwords.Len(), "no orphaned password entry")
	})
}

func TestPasswords(t *testing.T) {
	db, _ := newTestDB(t)
	u := mustUser(t, db, "bob")

	ok, err := db.VerifyPassword(u.UID, "pw-bob")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.VerifyPassword(u.UID, "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = db.VerifyPassword(uuid.New(), "pw-bob")
	assert.ErrorIs(t, err, ErrUserNotFound)

	t.Run("authenticate", func(t *testing.T) {
		got, err := db.Authenticate("bob", "pw-bob")
		require.NoError(t, err)
		assert.Equal(t, u.UID, got.UID)

		_, err = db.Authenticate("bob", "nope")
		assert.ErrorIs(t, err, ErrWrongPassword)
		_, err = db.Authenticate("nobody", "pw-bob")
		assert.ErrorIs(t, err, ErrWrongPassword)
	})

	t.Run("reset", func(t *testing.T) {
		assert.ErrorIs(t, db.ResetPassword(u.UID, "wrong", "new"), ErrWrongPassword)
		require.NoError(t, db.ResetPassword(u.UID, "pw-bob", "new"))

		ok, err := db.VerifyPassword(u.UID, "new")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, _ = db.VerifyPassword(u.UID, "pw-bob")
		assert.False(t, ok)
	})
}

func TestPasswordTableSaltsDiffer(t *testing.T) {
	pt := NewPasswordTable(fastPasswords)
	a, b := uuid.New(), uuid.New()
	require.NoError(t, pt.Set(a, "same"))
	require.NoError(t, pt.Set(b, "same"))

	assert.NotEqual(t, pt.entries[a].salt, pt.entries[b].salt)
	assert.NotEqual(t, pt.entries[a].hash, pt.entries[b].hash)
	assert.Len(t, pt.entries[a].salt, saltSize)

	require.NoError(t, pt.Remove(a))
	assert.ErrorIs(t, pt.Remove(a), ErrUserNotFound)
}

func TestAddChannel(t *testing.T) {
	db, rec := newTestDB(t)
	u1 := mustUser(t, db, "u1")
	u2 := mustUser(t, db, "u2")

	ch, err := db.AddChannel("General", []uuid.UUID{u1.UID, u2.UID, u1.UID})
	require.NoError(t, err)

	got, err := db.GetChannel(ch.UID)
	require.NoError(t, err)
	assert.Equal(t, "General", got.Name)
	assert.ElementsMatch(t, []uuid.UUID{u1.UID, u2.UID}, got.UserUIDs)

	for _, u := range []User{u1, u2} {
		fresh, err := db.GetUser(u.UID)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{ch.UID}, fresh.Channels)

		evs := rec.eventsFor(u.UID)
		require.Len(t, evs, 1)
		added, ok := evs[0].(ChannelAdded)
		require.True(t, ok)
		assert.Equal(t, ch.UID, added.Channel.UID)
	}

	t.Run("unknown member", func(t *testing.T) {
		_, err := db.AddChannel("bad", []uuid.UUID{u1.UID, uuid.New()})
		assert.ErrorIs(t, err, ErrUserNotFound)
		_, channels, _ := db.Stats()
		assert.Equal(t, 1, channels)
	})
}

func TestAddUserToChannel(t *testing.T) {
	db, rec := newTestDB(t)
	u1 := mustUser(t, db, "u1")
	u2 := mustUser(t, db, "u2")
	ch, err := db.AddChannel("room", []uuid.UUID{u1.UID})
	require.NoError(t, err)
	rec.reset()

	updated, err := db.AddUserToChannel(ch.UID, u2.UID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{u1.UID, u2.UID}, updated.UserUIDs)

	require.Len(t, rec.eventsFor(u2.UID), 1)
	assert.IsType(t, ChannelAdded{}, rec.eventsFor(u2.UID)[0])
	require.Len(t, rec.eventsFor(u1.UID), 1)
	assert.IsType(t, ChannelUpdated{}, rec.eventsFor(u1.UID)[0])

	_, err = db.AddUserToChannel(ch.UID, u2.UID)
	assert.ErrorIs(t, err, ErrAlreadyMember)
	_, err = db.AddUserToChannel(uuid.New(), u2.UID)
	assert.ErrorIs(t, err, ErrChannelNotFound)
	_, err = db.AddUserToChannel(ch.UID, uuid.New())
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestAddMessage(t *testing.T) {
	db, rec := newTestDB(t)
	u1 := mustUser(t, db, "u1")
	u2 := mustUser(t, db, "u2")
	ch, err := db.AddChannel("room", []uuid.UUID{u1.UID, u2.UID})
	require.NoError(t, err)
	rec.reset()

	msg, err := db.AddMessage(u1.UID, ch.UID, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, []uuid.UUID{u1.UID}, msg.ReadBy, "sender has read their own message")
	assert.Equal(t, msg.CreatedAt, msg.ModifiedAt)

	got, err := db.GetChannel(ch.UID)
	require.NoError(t, err)
	assert.Equal(t, []ids.Snowflake{msg.Snowflake}, got.MessageSnowflakes)

	for _, u := range []User{u1, u2} {
		evs := rec.eventsFor(u.UID)
		require.Len(t, evs, 1)
		assert.Equal(t, MessageReceived{Message: msg}, evs[0])
	}

	t.Run("missing channel", func(t *testing.T) {
		_, err := db.AddMessage(u1.UID, uuid.New(), "x")
		assert.ErrorIs(t, err, ErrChannelNotFound)
	})

	t.Run("text too long", func(t *testing.T) {
		long := make([]byte, MaxTextLength+1)
		_, err := db.AddMessage(u1.UID, ch.UID, string(long))
		assert.ErrorIs(t, err, ErrTextTooLong)
	})

	t.Run("empty text", func(t *testing.T) {
		m, err := db.AddMessage(u1.UID, ch.UID, "")
		require.NoError(t, err)
		assert.Equal(t, "", m.Text)
	})
}

func TestClockMovedBackwardsHaltsMessages(t *testing.T) {
	var clock atomic.Int64
	clock.Store(time.Now().UnixMilli())
	gen, err := ids.NewGenerator(ids.DefaultEpoch, 1, 1, ids.WithClock(clock.Load))
	require.NoError(t, err)
	db := New(gen, WithPasswordParams(fastPasswords))

	u := mustUser(t, db, "u")
	ch, err := db.AddChannel("room", []uuid.UUID{u.UID})
	require.NoError(t, err)

	_, err = db.AddMessage(u.UID, ch.UID, "before")
	require.NoError(t, err)
	assert.False(t, db.IDsHalted())

	clock.Add(-10)
	_, err = db.AddMessage(u.UID, ch.UID, "rewound")
	assert.ErrorIs(t, err, ids.ErrClockMovedBackwards)
	assert.True(t, db.IDsHalted())

	// Recovery of the clock does not resume id issue
	clock.Add(1000)
	_, err = db.AddMessage(u.UID, ch.UID, "after")
	assert.ErrorIs(t, err, ErrIDsHalted)

	got, err := db.GetChannel(ch.UID)
	require.NoError(t, err)
	assert.Len(t, got.MessageSnowflakes, 1)
}

func TestConcurrentAddMessage(t *testing.T) {
	db, _ := newTestDB(t)
	members := make([]uuid.UUID, 4)
	for i := range members {
		members[i] = mustUser(t, db, fmt.Sprintf("user%d", i)).UID
	}
	ch, err := db.AddChannel("busy", members)
	require.NoError(t, err)

	const perWorker = 100
	var wg sync.WaitGroup
	results := make(chan ids.Snowflake, len(members)*perWorker)
	for _, sender := range members {
		wg.Add(1)
		go func(sender uuid.UUID) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				m, err := db.AddMessage(sender, ch.UID, fmt.Sprintf("msg %d", i))
				if err != nil {
					t.Errorf("AddMessage: %v", err)
					return
				}
				results <- m.Snowflake
			}
		}(sender)
	}
	wg.Wait()
	close(results)

	final, err := db.GetChannel(ch.UID)
	require.NoError(t, err)
	require.Len(t, final.MessageSnowflakes, len(members)*perWorker)

	counts := make(map[ids.Snowflake]int)
	for _, sf := range final.MessageSnowflakes {
		counts[sf]++
	}
	for sf := range results {
		assert.Equal(t, 1, counts[sf], "snowflake %s", sf)
	}
}

func TestMessageMutations(t *testing.T) {
	db, rec := newTestDB(t)
	u1 := mustUser(t, db, "u1")
	u2 := mustUser(t, db, "u2")
	ch, err := db.AddChannel("room", []uuid.UUID{u1.UID, u2.UID})
	require.NoError(t, err)
	msg, err := db.AddMessage(u1.UID, ch.UID, "first")
	require.NoError(t, err)
	rec.reset()

	edited, err := db.EditMessage(msg.Snowflake, "second")
	require.NoError(t, err)
	assert.Equal(t, "second", edited.Text)
	assert.GreaterOrEqual(t, edited.ModifiedAt, msg.CreatedAt)
	assert.IsType(t, MessageEdited{}, rec.eventsFor(u2.UID)[0])

	read, err := db.MarkRead(msg.Snowflake, u2.UID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{u1.UID, u2.UID}, read.ReadBy)

	read, err = db.MarkRead(msg.Snowflake, u2.UID)
	require.NoError(t, err)
	assert.Len(t, read.ReadBy, 2, "marking twice does not duplicate")

	unread, err := db.MarkUnread(msg.Snowflake, u2.UID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{u1.UID}, unread.ReadBy)

	evs := rec.eventsFor(u1.UID)
	require.Len(t, evs, 4)
	assert.IsType(t, MessageRead{}, evs[1])
	assert.IsType(t, MessageUnread{}, evs[3])

	_, err = db.EditMessage(ids.Snowflake(1), "x")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestRemoveMessage(t *testing.T) {
	db, rec := newTestDB(t)
	u1 := mustUser(t, db, "u1")
	ch, err := db.AddChannel("room", []uuid.UUID{u1.UID})
	require.NoError(t, err)
	m1, err := db.AddMessage(u1.UID, ch.UID, "one")
	require.NoError(t, err)
	m2, err := db.AddMessage(u1.UID, ch.UID, "two")
	require.NoError(t, err)
	rec.reset()

	removed, err := db.RemoveMessage(m1.Snowflake)
	require.NoError(t, err)
	assert.Equal(t, m1.Snowflake, removed.Snowflake)
	assert.Equal(t, []Event{MessageDeleted{Message: m1}}, rec.eventsFor(u1.UID))

	got, err := db.GetChannel(ch.UID)
	require.NoError(t, err)
	assert.Equal(t, []ids.Snowflake{m2.Snowflake}, got.MessageSnowflakes)

	_, err = db.RemoveMessage(m1.Snowflake)
	assert.ErrorIs(t, err, ErrMessageNotFound)

	msgs, err := db.ChannelMessages(ch.UID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "two", msgs[0].Text)
}

func TestRemoveUserCascade(t *testing.T) {
	db, rec := newTestDB(t)
	victim := mustUser(t, db, "victim")
	other := mustUser(t, db, "other")

	chA, err := db.AddChannel("a", []uuid.UUID{victim.UID, other.UID})
	require.NoError(t, err)
	chB, err := db.AddChannel("b", []uuid.UUID{victim.UID, other.UID})
	require.NoError(t, err)

	var authored []ids.Snowflake
	for _, c := range []uuid.UUID{chA.UID, chA.UID, chB.UID} {
		m, err := db.AddMessage(victim.UID, c, "bye")
		require.NoError(t, err)
		authored = append(authored, m.Snowflake)
	}
	kept, err := db.AddMessage(other.UID, chB.UID, "still here")
	require.NoError(t, err)
	rec.reset()

	removed, err := db.RemoveUser(victim.UID)
	require.NoError(t, err)
	assert.Equal(t, victim.UID, removed.UID)

	_, err = db.GetUser(victim.UID)
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = db.VerifyPassword(victim.UID, "pw-victim")
	assert.ErrorIs(t, err, ErrUserNotFound)

	for _, sf := range authored {
		_, err := db.GetMessage(sf)
		assert.ErrorIs(t, err, ErrMessageNotFound)
	}

	a, err := db.GetChannel(chA.UID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{other.UID}, a.UserUIDs)
	assert.Empty(t, a.MessageSnowflakes)

	b, err := db.GetChannel(chB.UID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{other.UID}, b.UserUIDs)
	assert.Equal(t, []ids.Snowflake{kept.Snowflake}, b.MessageSnowflakes)

	deleted, updated := 0, 0
	for _, ev := range rec.eventsFor(other.UID) {
		switch ev.(type) {
		case MessageDeleted:
			deleted++
		case ChannelUpdated:
			updated++
		}
	}
	assert.Equal(t, 3, deleted)
	assert.Equal(t, 2, updated)
	assert.Empty(t, rec.eventsFor(victim.UID), "departed user is not notified")
}

func TestRemoveUserDropsEmptyChannel(t *testing.T) {
	db, _ := newTestDB(t)
	solo := mustUser(t, db, "solo")
	ch, err := db.AddChannel("mine", []uuid.UUID{solo.UID})
	require.NoError(t, err)
	_, err = db.AddMessage(solo.UID, ch.UID, "echo")
	require.NoError(t, err)

	_, err = db.RemoveUser(solo.UID)
	require.NoError(t, err)

	_, err = db.GetChannel(ch.UID)
	assert.ErrorIs(t, err, ErrChannelNotFound)
	users, channels, messages := db.Stats()
	assert.Equal(t, [3]int{0, 0, 0}, [3]int{users, channels, messages})
}

func TestRemoveChannel(t *testing.T) {
	db, rec := newTestDB(t)
	u1 := mustUser(t, db, "u1")
	u2 := mustUser(t, db, "u2")
	ch, err := db.AddChannel("room", []uuid.UUID{u1.UID, u2.UID})
	require.NoError(t, err)
	m, err := db.AddMessage(u2.UID, ch.UID, "hi")
	require.NoError(t, err)
	rec.reset()

	require.NoError(t, db.RemoveChannel(ch.UID))

	for _, u := range []User{u1, u2} {
		fresh, err := db.GetUser(u.UID)
		require.NoError(t, err)
		assert.Empty(t, fresh.Channels)
	}
	_, err = db.GetMessage(m.Snowflake)
	assert.ErrorIs(t, err, ErrMessageNotFound)
	assert.ErrorIs(t, db.RemoveChannel(ch.UID), ErrChannelNotFound)
}

func TestRenameChannelAndProfile(t *testing.T) {
	db, rec := newTestDB(t)
	u1 := mustUser(t, db, "u1")
	ch, err := db.AddChannel("old", []uuid.UUID{u1.UID})
	require.NoError(t, err)
	rec.reset()

	renamed, err := db.RenameChannel(ch.UID, "new")
	require.NoError(t, err)
	assert.Equal(t, "new", renamed.Name)
	assert.Equal(t, []Event{ChannelUpdated{Channel: renamed}}, rec.eventsFor(u1.UID))
	rec.reset()

	u, err := db.UpdateDisplayName(u1.UID, "Fancy")
	require.NoError(t, err)
	assert.Equal(t, "Fancy", u.DisplayName)
	u, err = db.UpdateProfilePicture(u1.UID, "pic.png")
	require.NoError(t, err)
	assert.Equal(t, "pic.png", u.ProfilePic)
	assert.Len(t, rec.eventsFor(u1.UID), 2)

	_, err = db.UpdateDisplayName(uuid.New(), "x")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestFindUsers(t *testing.T) {
	db, _ := newTestDB(t)
	for _, name := range []string{"alice", "alfred", "bob"} {
		mustUser(t, db, name)
	}

	tests := []struct {
		pattern string
		want    []string
	}{
		{"^al", []string{"alfred", "alice"}},
		{"", []string{"alfred", "alice", "bob"}},
		{"b$", []string{"bob"}},
		{"zzz", nil},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			users, err := db.FindUsers(tt.pattern)
			require.NoError(t, err)
			var names []string
			for _, u := range users {
				names = append(names, u.Username)
			}
			assert.Equal(t, tt.want, names)
		})
	}

	t.Run("malformed pattern", func(t *testing.T) {
		_, err := db.FindUsers("(unclosed")
		assert.ErrorIs(t, err, ErrInvalidPattern)
		users, _, _ := db.Stats()
		assert.Equal(t, 3, users, "table untouched")
	})
}

func TestTablesReturnCopies(t *testing.T) {
	users := NewUserTable()
	u := User{UID: uuid.New(), Username: "copy", Channels: []uuid.UUID{uuid.New()}}
	require.NoError(t, users.Add(u))

	got, err := users.Get(u.UID)
	require.NoError(t, err)
	got.Channels[0] = uuid.Nil

	again, err := users.Get(u.UID)
	require.NoError(t, err)
	assert.Equal(t, u.Channels, again.Channels)

	_, err = users.Update(u.UID, func(x *User) error {
		x.Username = "renamed"
		return nil
	})
	require.NoError(t, err)
	_, err = users.GetByUsername("copy")
	assert.NoError(t, err, "username is immutable")
}
