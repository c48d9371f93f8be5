package database

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/ids"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrChannelNotFound = errors.New("channel not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrDuplicateKey    = errors.New("key already exists")
	ErrUsernameTaken   = errors.New("username already exists")
	ErrInvalidPattern  = errors.New("invalid search pattern")
)

// table is a map of records guarded by a single lock. Records are stored by
// value; every read returns a copy.
type table[K comparable, V any] struct {
	mu       sync.RWMutex
	rows     map[K]V
	clone    func(V) V
	notFound error
}

func (t *table[K, V]) init(clone func(V) V, notFound error) {
	t.rows = make(map[K]V)
	t.clone = clone
	t.notFound = notFound
}

func (t *table[K, V]) get(key K) (V, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	v, ok := t.rows[key]
	if !ok {
		var zero V
		return zero, t.notFound
	}
	return t.clone(v), nil
}

func (t *table[K, V]) insert(key K, v V) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.rows[key]; ok {
		return ErrDuplicateKey
	}
	t.rows[key] = t.clone(v)
	return nil
}

func (t *table[K, V]) remove(key K) (V, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.rows[key]
	if !ok {
		var zero V
		return zero, t.notFound
	}
	delete(t.rows, key)
	return v, nil
}

// update applies fn to the stored record under the write lock. If fn returns
// an error the record is left unchanged.
func (t *table[K, V]) update(key K, fn func(*V) error) (V, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.rows[key]
	if !ok {
		var zero V
		return zero, t.notFound
	}
	v = t.clone(v)
	if err := fn(&v); err != nil {
		var zero V
		return zero, err
	}
	t.rows[key] = v
	return t.clone(v), nil
}

func (t *table[K, V]) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// UserTable stores accounts keyed by UID with a unique username index
type UserTable struct {
	table[uuid.UUID, User]
	byName map[string]uuid.UUID // guarded by table.mu
}

func NewUserTable() *UserTable {
	t := &UserTable{byName: make(map[string]uuid.UUID)}
	t.init(User.clone, ErrUserNotFound)
	return t
}

// Get returns a copy of the user
func (t *UserTable) Get(uid uuid.UUID) (User, error) {
	return t.get(uid)
}

// GetByUsername looks a user up by exact username
func (t *UserTable) GetByUsername(username string) (User, error) {
	t.mu.RLock()
	uid, ok := t.byName[username]
	t.mu.RUnlock()
	if !ok {
		return User{}, ErrUserNotFound
	}
	return t.get(uid)
}

// Add inserts u. The username must not already be registered.
func (t *UserTable) Add(u User) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.rows[u.UID]; ok {
		return ErrDuplicateKey
	}
	if _, ok := t.byName[u.Username]; ok {
		return ErrUsernameTaken
	}
	t.rows[u.UID] = u.clone()
	t.byName[u.Username] = u.UID
	return nil
}

// Remove deletes the user and returns the removed record
func (t *UserTable) Remove(uid uuid.UUID) (User, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, ok := t.rows[uid]
	if !ok {
		return User{}, ErrUserNotFound
	}
	delete(t.rows, uid)
	delete(t.byName, u.Username)
	return u, nil
}

// Update mutates the user in place. Usernames are immutable.
func (t *UserTable) Update(uid uuid.UUID, fn func(*User) error) (User, error) {
	return t.update(uid, func(u *User) error {
		name := u.Username
		if err := fn(u); err != nil {
			return err
		}
		u.Username = name
		return nil
	})
}

// Len returns the number of stored users
func (t *UserTable) Len() int {
	return t.len()
}

// FindUUIDsMatching returns the UIDs of every user whose username matches
// pattern, ordered by username. Malformed patterns return ErrInvalidPattern.
func (t *UserTable) FindUUIDsMatching(pattern string) ([]uuid.UUID, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}

	t.mu.RLock()
	names := make([]string, 0, len(t.byName))
	for name := range t.byName {
		if re.MatchString(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]uuid.UUID, len(names))
	for i, name := range names {
		out[i] = t.byName[name]
	}
	t.mu.RUnlock()

	return out, nil
}

// ChannelTable stores channels keyed by UID
type ChannelTable struct {
	table[uuid.UUID, Channel]
}

func NewChannelTable() *ChannelTable {
	t := &ChannelTable{}
	t.init(Channel.clone, ErrChannelNotFound)
	return t
}

func (t *ChannelTable) Get(uid uuid.UUID) (Channel, error) { return t.get(uid) }
func (t *ChannelTable) Add(c Channel) error                { return t.insert(c.UID, c) }
func (t *ChannelTable) Remove(uid uuid.UUID) (Channel, error) {
	return t.remove(uid)
}
func (t *ChannelTable) Update(uid uuid.UUID, fn func(*Channel) error) (Channel, error) {
	return t.update(uid, fn)
}
func (t *ChannelTable) Len() int { return t.len() }

// MessageTable stores messages keyed by snowflake
type MessageTable struct {
	table[ids.Snowflake, Message]
}

func NewMessageTable() *MessageTable {
	t := &MessageTable{}
	t.init(Message.clone, ErrMessageNotFound)
	return t
}

func (t *MessageTable) Get(sf ids.Snowflake) (Message, error) { return t.get(sf) }
func (t *MessageTable) Add(m Message) error                   { return t.insert(m.Snowflake, m) }
func (t *MessageTable) Remove(sf ids.Snowflake) (Message, error) {
	return t.remove(sf)
}
func (t *MessageTable) Update(sf ids.Snowflake, fn func(*Message) error) (Message, error) {
	return t.update(sf, fn)
}
func (t *MessageTable) Len() int { return t.len() }
