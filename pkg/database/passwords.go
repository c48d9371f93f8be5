package database

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
)

var ErrWrongPassword = errors.New("incorrect password")

const saltSize = 16

// PasswordParams are the argon2id cost parameters
type PasswordParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	KeyLen  uint32
}

// DefaultPasswordParams follows the OWASP argon2id baseline
var DefaultPasswordParams = PasswordParams{Time: 2, Memory: 19 * 1024, Threads: 1, KeyLen: 32}

type passwordEntry struct {
	hash []byte
	salt []byte
}

// PasswordTable holds salted argon2id hashes keyed by user UID. Hashes never
// leave the table.
type PasswordTable struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]passwordEntry
	params  PasswordParams
}

func NewPasswordTable(params PasswordParams) *PasswordTable {
	return &PasswordTable{
		entries: make(map[uuid.UUID]passwordEntry),
		params:  params,
	}
}

func (t *PasswordTable) hash(plaintext string, salt []byte) []byte {
	p := t.params
	return argon2.IDKey([]byte(plaintext), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
}

// Set stores a fresh salt and hash for uid, replacing any previous entry
func (t *PasswordTable) Set(uid uuid.UUID, plaintext string) error {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	// Hash outside the lock
	entry := passwordEntry{hash: t.hash(plaintext, salt), salt: salt}

	t.mu.Lock()
	t.entries[uid] = entry
	t.mu.Unlock()
	return nil
}

// Verify reports whether plaintext matches the stored hash.
// Returns ErrUserNotFound when uid has no entry.
func (t *PasswordTable) Verify(uid uuid.UUID, plaintext string) (bool, error) {
	t.mu.RLock()
	entry, ok := t.entries[uid]
	t.mu.RUnlock()
	if !ok {
		return false, ErrUserNotFound
	}
	computed := t.hash(plaintext, entry.salt)
	return subtle.ConstantTimeCompare(computed, entry.hash) == 1, nil
}

// Remove deletes the entry for uid
func (t *PasswordTable) Remove(uid uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[uid]; !ok {
		return ErrUserNotFound
	}
	delete(t.entries, uid)
	return nil
}

func (t *PasswordTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
