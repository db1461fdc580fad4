package state

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

type profile struct {
	Name  string   `json:"name"`
	Tags  []string `json:"tags"`
	Count int      `json:"count"`
}

// runFactorySuite checks the behaviour every backend must share.
func runFactorySuite(t *testing.T, newFactory func(t *testing.T) Factory) {
	ctx := context.Background()

	t.Run("CreateGetExistsDelete", func(t *testing.T) {
		f := newFactory(t)
		ok, err := f.Exists(ctx, "agent-1")
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = f.Get(ctx, "agent-1")
		assert.ErrorIs(t, err, ErrNotFound)

		s, err := f.Create(ctx, "agent-1")
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(s.AgentID(), "agent-1"))

		_, err = f.Create(ctx, "agent-1")
		assert.ErrorIs(t, err, ErrExists)

		require.NoError(t, s.Put(ctx, KeyType, "demo.echo@1.0.0"))
		again, err := f.Get(ctx, "agent-1")
		require.NoError(t, err)
		var typ string
		found, err := again.Get(ctx, KeyType, &typ)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "demo.echo@1.0.0", typ)

		require.NoError(t, f.Delete(ctx, "agent-1"))
		ok, _ = f.Exists(ctx, "agent-1")
		assert.False(t, ok)
		require.NoError(t, f.Delete(ctx, "agent-1"), "deleting twice is fine")

		fresh, err := f.Create(ctx, "agent-1")
		require.NoError(t, err)
		keys, err := fresh.Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys, "a recreated agent starts empty")
	})

	t.Run("PutGetRemove", func(t *testing.T) {
		f := newFactory(t)
		s, err := f.Create(ctx, "agent-2")
		require.NoError(t, err)

		in := profile{Name: "ada", Tags: []string{"x"}, Count: 3}
		require.NoError(t, s.Put(ctx, "profile", in))

		var out profile
		found, err := s.Get(ctx, "profile", &out)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, in, out)

		var generic map[string]any
		_, err = s.Get(ctx, "profile", &generic)
		require.NoError(t, err)
		assert.Equal(t, "ada", generic["name"])

		found, err = s.Get(ctx, "profile", nil)
		require.NoError(t, err)
		assert.True(t, found)

		require.NoError(t, s.Remove(ctx, "profile"))
		found, err = s.Get(ctx, "profile", &out)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("KeysAndClear", func(t *testing.T) {
		f := newFactory(t)
		s, err := f.Create(ctx, "agent-3")
		require.NoError(t, err)
		other, err := f.Create(ctx, "agent-33")
		require.NoError(t, err)
		require.NoError(t, other.Put(ctx, "untouched", true))

		for _, k := range []string{"b", "a", "c"} {
			require.NoError(t, s.Put(ctx, k, 1))
		}
		keys, err := s.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, keys)

		require.NoError(t, s.Clear(ctx))
		keys, err = s.Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)

		keys, err = other.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"untouched"}, keys, "agents sharing an id prefix stay isolated")
	})

	t.Run("PutIfUnchanged", func(t *testing.T) {
		f := newFactory(t)
		s, err := f.Create(ctx, "agent-4")
		require.NoError(t, err)

		ok, err := s.PutIfUnchanged(ctx, "count", 1, nil)
		require.NoError(t, err)
		assert.True(t, ok, "nil old value inserts an absent key")

		ok, err = s.PutIfUnchanged(ctx, "count", 5, nil)
		require.NoError(t, err)
		assert.False(t, ok, "nil old value fails on an existing key")

		ok, err = s.PutIfUnchanged(ctx, "count", 2, 7)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.PutIfUnchanged(ctx, "count", 2, 1)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.PutIfUnchanged(ctx, "missing", 2, 1)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.Put(ctx, "doc", map[string]any{"b": 1, "a": []any{"x"}}))
		ok, err = s.PutIfUnchanged(ctx, "doc", "next", map[string]any{"a": []any{"x"}, "b": 1})
		require.NoError(t, err)
		assert.True(t, ok, "comparison ignores key order")
	})

	t.Run("PutIfUnchangedIsAtomic", func(t *testing.T) {
		f := newFactory(t)
		s, err := f.Create(ctx, "agent-5")
		require.NoError(t, err)
		require.NoError(t, s.Put(ctx, "n", 0))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.PutIfUnchanged(ctx, "n", 1, 0)
				if err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

func TestMemoryFactory(t *testing.T) {
	runFactorySuite(t, func(*testing.T) Factory { return NewMemoryFactory() })
}

func TestLevelDBFactory(t *testing.T) {
	runFactorySuite(t, func(t *testing.T) Factory {
		db, err := leveldb.Open(storage.NewMemStorage(), nil)
		require.NoError(t, err)
		f := NewLevelDBFactory(db)
		t.Cleanup(func() { f.Close() })
		return f
	})
}

func TestLevelDBFactory_AgentIDsAndReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	f, err := OpenLevelDB(dir)
	require.NoError(t, err)
	for _, id := range []string{"b", "a"} {
		s, err := f.Create(ctx, id)
		require.NoError(t, err)
		require.NoError(t, s.Put(ctx, KeyType, "demo.counter"))
	}
	ids, err := f.AgentIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
	require.NoError(t, f.Close())

	f, err = OpenLevelDB(dir)
	require.NoError(t, err)
	defer f.Close()
	s, err := f.Get(ctx, "a")
	require.NoError(t, err)
	var typ string
	found, err := s.Get(ctx, KeyType, &typ)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "demo.counter", typ)

	_, err = f.Create(ctx, "bad\x00id")
	assert.Error(t, err)
}
