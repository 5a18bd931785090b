package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreGetMissing(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "conversations/nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreWriteAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.Write(ctx, Write{
		Path:   "users/u1",
		Fields: map[string]any{"username": "amit", "category": "fire"},
	})
	require.NoError(t, err)

	doc, err := s.Get(ctx, "users/u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", doc.ID())
	assert.Equal(t, "amit", doc.Data["username"])

	// Mutating the returned snapshot must not leak into the store.
	doc.Data["username"] = "mallory"
	again, err := s.Get(ctx, "users/u1")
	require.NoError(t, err)
	assert.Equal(t, "amit", again.Data["username"])
}

func TestMemoryStoreMergeSemantics(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, Write{
		Path:   "conversations/c1",
		Fields: map[string]any{"kind": "direct", "lastMessage": "hello"},
	}))
	require.NoError(t, s.Write(ctx, Write{
		Path:   "conversations/c1",
		Merge:  true,
		Fields: map[string]any{"lastMessage": "bye"},
	}))

	doc, err := s.Get(ctx, "conversations/c1")
	require.NoError(t, err)
	assert.Equal(t, "direct", doc.Data["kind"], "merge must keep untouched fields")
	assert.Equal(t, "bye", doc.Data["lastMessage"])

	// A non-merge write replaces the whole document.
	require.NoError(t, s.Write(ctx, Write{
		Path:   "conversations/c1",
		Fields: map[string]any{"kind": "group"},
	}))
	doc, err = s.Get(ctx, "conversations/c1")
	require.NoError(t, err)
	assert.Equal(t, "group", doc.Data["kind"])
	assert.Nil(t, doc.Data["lastMessage"])
}

func TestMemoryStoreDottedPaths(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, Write{
		Path:   "conversations/c1",
		Merge:  true,
		Fields: map[string]any{"unread.u2": int64(3)},
	}))
	require.NoError(t, s.Write(ctx, Write{
		Path:   "conversations/c1",
		Merge:  true,
		Fields: map[string]any{"unread.u3": int64(1)},
	}))

	doc, err := s.Get(ctx, "conversations/c1")
	require.NoError(t, err)
	unread, ok := doc.Data["unread"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(3), unread["u2"])
	assert.Equal(t, int64(1), unread["u3"])
}

func TestMemoryStoreSentinels(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return frozen })

	require.NoError(t, s.Write(ctx, Write{
		Path:  "conversations/c1",
		Merge: true,
		Fields: map[string]any{
			"lastUpdated":  ServerTimestamp,
			"unread.u2":    Increment(1),
			"participants": ArrayUnion("u1", "u2"),
		},
	}))
	require.NoError(t, s.Write(ctx, Write{
		Path:  "conversations/c1",
		Merge: true,
		Fields: map[string]any{
			"unread.u2":    Increment(2),
			"participants": ArrayUnion("u2", "u3"),
		},
	}))

	doc, err := s.Get(ctx, "conversations/c1")
	require.NoError(t, err)
	assert.Equal(t, frozen, doc.Data["lastUpdated"])
	unread := doc.Data["unread"].(map[string]any)
	assert.Equal(t, int64(3), unread["u2"])
	assert.Equal(t, []any{"u1", "u2", "u3"}, doc.Data["participants"])

	require.NoError(t, s.Write(ctx, Write{
		Path:   "conversations/c1",
		Merge:  true,
		Fields: map[string]any{"participants": ArrayRemove("u1", "missing")},
	}))
	doc, err = s.Get(ctx, "conversations/c1")
	require.NoError(t, err)
	assert.Equal(t, []any{"u2", "u3"}, doc.Data["participants"])
}

func TestMemoryStoreQueryFiltersAndOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	seed := []struct {
		id           string
		participants []any
		updated      time.Time
	}{
		{"c1", []any{"u1", "u2"}, base.Add(1 * time.Hour)},
		{"c2", []any{"u1", "u3"}, base.Add(3 * time.Hour)},
		{"c3", []any{"u2", "u3"}, base.Add(2 * time.Hour)},
	}
	for _, c := range seed {
		require.NoError(t, s.Write(ctx, Write{
			Path:   "conversations/" + c.id,
			Fields: map[string]any{"participants": c.participants, "lastUpdated": c.updated},
		}))
	}
	// A nested document must not leak into the parent collection scan.
	require.NoError(t, s.Write(ctx, Write{
		Path:   "conversations/c1/messages/m1",
		Fields: map[string]any{"text": "hi"},
	}))

	docs, err := s.Query(ctx, Query{
		Collection: "conversations",
		Filters:    []Filter{{Field: "participants", Op: OpArrayContains, Value: "u1"}},
		OrderBy:    []Order{{Field: "lastUpdated", Desc: true}},
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "c2", docs[0].ID())
	assert.Equal(t, "c1", docs[1].ID())

	docs, err = s.Query(ctx, Query{
		Collection: "conversations",
		OrderBy:    []Order{{Field: "lastUpdated", Desc: true}},
		Limit:      2,
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "c2", docs[0].ID())
	assert.Equal(t, "c3", docs[1].ID())
}

func TestMemoryStoreQueryInAndRange(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, author := range []string{"a", "b", "c"} {
		require.NoError(t, s.Write(ctx, Write{
			Path: "posts/p" + author,
			Fields: map[string]any{
				"authorId":  author,
				"createdAt": base.Add(time.Duration(i) * time.Hour),
			},
		}))
	}

	docs, err := s.Query(ctx, Query{
		Collection: "posts",
		Filters: []Filter{
			{Field: "authorId", Op: OpIn, Value: []any{"a", "c"}},
			{Field: "createdAt", Op: OpGreaterEqual, Value: base.Add(30 * time.Minute)},
		},
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "pc", docs[0].ID())
}

func TestMemoryStoreSubscribeCoalesces(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, Query{Collection: "conversations"})
	require.NoError(t, err)
	defer sub.Stop()

	// Initial snapshot: empty result set.
	select {
	case docs := <-sub.Snapshots():
		assert.Empty(t, docs)
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot")
	}

	require.NoError(t, s.Write(ctx, Write{Path: "conversations/c1", Fields: map[string]any{"kind": "direct"}}))
	require.NoError(t, s.Write(ctx, Write{Path: "conversations/c2", Fields: map[string]any{"kind": "group"}}))

	// The consumer was slow; it must still converge on the latest state.
	deadline := time.After(time.Second)
	for {
		select {
		case docs := <-sub.Snapshots():
			if len(docs) == 2 {
				return
			}
		case <-deadline:
			t.Fatal("subscription never reached latest state")
		}
	}
}

func TestMemoryStoreSubscribeStopClosesChannel(t *testing.T) {
	s := NewMemoryStore()
	sub, err := s.Subscribe(context.Background(), Query{Collection: "conversations"})
	require.NoError(t, err)

	sub.Stop()
	select {
	case _, open := <-sub.Snapshots():
		if open {
			// Drain the pending initial snapshot, then expect close.
			_, open = <-sub.Snapshots()
			assert.False(t, open)
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Stop")
	}
	assert.NoError(t, sub.Err())
}

func TestMemoryStoreRunBatchAtomicVisibility(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.RunBatch(ctx, []Write{
		{Path: "conversations/c1/messages/m1", Fields: map[string]any{"text": "hi"}},
		{Path: "conversations/c1", Merge: true, Fields: map[string]any{"lastMessage": "hi", "unread.u2": Increment(1)}},
	})
	require.NoError(t, err)

	conv, err := s.Get(ctx, "conversations/c1")
	require.NoError(t, err)
	assert.Equal(t, "hi", conv.Data["lastMessage"])
	msg, err := s.Get(ctx, "conversations/c1/messages/m1")
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Data["text"])
}

func TestMemoryStoreDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, Write{Path: "users/u1", Fields: map[string]any{"username": "x"}}))
	require.NoError(t, s.Delete(ctx, "users/u1"))
	_, err := s.Get(ctx, "users/u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreNewIDUnique(t *testing.T) {
	s := NewMemoryStore()
	a := s.NewID("conversations")
	b := s.NewID("conversations")
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
