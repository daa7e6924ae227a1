package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(userID int64, state string) *Session {
	return &Session{
		UserID:  userID,
		ChatID:  userID,
		StackID: DefaultStack,
		Stack:   []Frame{{ID: "f1", State: state}},
		Data:    map[string]json.RawMessage{},
	}
}

// runStoreContract exercises the behavior every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("missing", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get(ctx, Key{UserID: 1, StackID: DefaultStack})
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("round trip", func(t *testing.T) {
		store := newStore(t)
		s := newSession(2, "menu")
		s.Data["text"] = json.RawMessage(`["hi"]`)
		require.NoError(t, store.Put(ctx, s))
		assert.EqualValues(t, 1, s.Version)

		got, err := store.Get(ctx, s.Key())
		require.NoError(t, err)
		assert.Equal(t, "menu", got.State())
		assert.Equal(t, s.Stack, got.Stack)
		assert.Equal(t, int64(2), got.ChatID)
		assert.JSONEq(t, `["hi"]`, string(got.Data["text"]))
		assert.EqualValues(t, 1, got.Version)
	})

	t.Run("put merges data", func(t *testing.T) {
		store := newStore(t)
		s := newSession(3, "collecting")
		s.Data["text"] = json.RawMessage(`["a"]`)
		require.NoError(t, store.Put(ctx, s))

		next := newSession(3, "confirm")
		next.Data["author"] = json.RawMessage(`2`)
		require.NoError(t, store.Put(ctx, next))
		assert.EqualValues(t, 2, next.Version)

		got, err := store.Get(ctx, next.Key())
		require.NoError(t, err)
		assert.Equal(t, "confirm", got.State())
		assert.JSONEq(t, `["a"]`, string(got.Data["text"]))
		assert.JSONEq(t, `2`, string(got.Data["author"]))
	})

	t.Run("compare and swap", func(t *testing.T) {
		store := newStore(t)
		s := newSession(4, "menu")

		require.ErrorIs(t, store.CompareAndSwap(ctx, s, 7), ErrNotFound)
		require.NoError(t, store.CompareAndSwap(ctx, s, 0))
		assert.EqualValues(t, 1, s.Version)
		require.ErrorIs(t, store.CompareAndSwap(ctx, newSession(4, "menu"), 0), ErrConflict)

		stale := newSession(4, "confirm")
		require.NoError(t, store.CompareAndSwap(ctx, s, 1))
		require.ErrorIs(t, store.CompareAndSwap(ctx, stale, 1), ErrConflict)

		got, err := store.Get(ctx, s.Key())
		require.NoError(t, err)
		assert.EqualValues(t, 2, got.Version)
		assert.Equal(t, "menu", got.State())
	})

	t.Run("concurrent swap has one winner", func(t *testing.T) {
		store := newStore(t)
		base := newSession(5, "confirm")
		require.NoError(t, store.Put(ctx, base))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s := newSession(5, "sent")
				if store.CompareAndSwap(ctx, s, base.Version) == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.EqualValues(t, 1, wins.Load())
	})

	t.Run("purge user", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Put(ctx, newSession(6, "menu")))
		other := newSession(6, "menu")
		other.StackID = "aux"
		require.NoError(t, store.Put(ctx, other))
		require.NoError(t, store.Put(ctx, newSession(66, "menu")))

		n, err := store.PurgeUser(ctx, 6)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = store.Get(ctx, Key{UserID: 6, StackID: DefaultStack})
		require.ErrorIs(t, err, ErrNotFound)
		_, err = store.Get(ctx, Key{UserID: 66, StackID: DefaultStack})
		require.NoError(t, err)
	})

	for name, remove := range map[string]func(Store, Key) error{
		"purge": func(store Store, key Key) error {
			_, err := store.PurgeUser(ctx, key.UserID)
			return err
		},
		"delete": func(store Store, key Key) error { return store.Delete(ctx, key) },
	} {
		t.Run(name+" starts a new epoch", func(t *testing.T) {
			store := newStore(t)
			require.NoError(t, store.Put(ctx, newSession(8, "confirm")))
			stale, err := store.Get(ctx, Key{UserID: 8, StackID: DefaultStack})
			require.NoError(t, err)
			require.NotEmpty(t, stale.Epoch)

			require.NoError(t, remove(store, stale.Key()))
			fresh := newSession(8, "menu")
			require.NoError(t, store.Put(ctx, fresh))
			assert.Equal(t, stale.Version, fresh.Version)
			assert.NotEqual(t, stale.Epoch, fresh.Epoch)

			stale.Stack = []Frame{{ID: "f1", State: "sent"}}
			require.ErrorIs(t, store.CompareAndSwap(ctx, stale, stale.Version), ErrConflict)
			got, err := store.Get(ctx, fresh.Key())
			require.NoError(t, err)
			assert.Equal(t, "menu", got.State())
			assert.Equal(t, fresh.Epoch, got.Epoch)

			require.NoError(t, store.CompareAndSwap(ctx, got, got.Version))
		})
	}

	t.Run("delete", func(t *testing.T) {
		store := newStore(t)
		s := newSession(7, "menu")
		require.NoError(t, store.Put(ctx, s))
		require.NoError(t, store.Delete(ctx, s.Key()))
		_, err := store.Get(ctx, s.Key())
		require.ErrorIs(t, err, ErrNotFound)
	})
}
