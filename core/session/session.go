// Package session persists per-user conversation state: a stack of dialog
// frames plus a string-keyed bag of JSON values.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultStack is the stack id used for the main conversation of a user.
const DefaultStack = "main"

var (
	// ErrNotFound is returned when no live session exists for a key.
	ErrNotFound = errors.New("session: not found")
	// ErrConflict is returned by CompareAndSwap when the stored version moved on.
	ErrConflict = errors.New("session: version conflict")
)

// Key addresses one conversation stack of one user.
type Key struct {
	UserID  int64
	StackID string
}

// Frame is one entry of the navigation stack.
type Frame struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// Session is the durable conversation record.
type Session struct {
	UserID  int64
	ChatID  int64
	StackID string
	Stack   []Frame
	Data    map[string]json.RawMessage
	// Version is bumped by the store on every write; zero means never stored.
	Version   uint64
	// Epoch is assigned by the store when the record is created. A record
	// recreated after a delete, purge or expiry gets a new one, so a version
	// read from the old record never matches the new record.
	Epoch     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key returns the store key of s.
func (s *Session) Key() Key {
	return Key{UserID: s.UserID, StackID: s.StackID}
}

// Top returns the current frame.
func (s *Session) Top() (Frame, bool) {
	if len(s.Stack) == 0 {
		return Frame{}, false
	}
	return s.Stack[len(s.Stack)-1], true
}

// State returns the state of the top frame or "" for an empty stack.
func (s *Session) State() string {
	f, _ := s.Top()
	return f.State
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Stack = slices.Clone(s.Stack)
	c.Data = make(map[string]json.RawMessage, len(s.Data))
	for k, v := range s.Data {
		c.Data[k] = slices.Clone(v)
	}
	return &c
}

// Store is the contract shared by all backends.
//
// Put upserts: stack and chat are replaced, Data is merged field by field
// with the incoming value winning, the version is incremented and the TTL
// refreshed. CompareAndSwap does the same only when the stored version equals
// expected and, if s carries an epoch, the stored epoch equals it;
// expected == 0 means "create only if absent".
type Store interface {
	Get(ctx context.Context, key Key) (*Session, error)
	Put(ctx context.Context, s *Session) error
	CompareAndSwap(ctx context.Context, s *Session, expected uint64) error
	Delete(ctx context.Context, key Key) error
	PurgeUser(ctx context.Context, userID int64) (int, error)
	Close() error
}

// Expirer is implemented by backends without native key expiry.
type Expirer interface {
	PurgeExpired(ctx context.Context) (int, error)
}

func newEpoch() string {
	return ulid.Make().String()
}

// merge folds incoming bag values over stored ones.
func merge(stored, incoming map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(stored)+len(incoming))
	maps.Copy(out, stored)
	for k, v := range incoming {
		out[k] = slices.Clone(v)
	}
	return out
}
