package chat

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/anonto42/elemchat/internal/models"
	"github.com/anonto42/elemchat/internal/store"
)

// countingStore wraps a Store and counts mutations, so tests can assert
// the zero-write idempotency of repeated reconciliation.
type countingStore struct {
	store.Store
	writes atomic.Int64
}

func (c *countingStore) Write(ctx context.Context, w store.Write) error {
	c.writes.Add(1)
	return c.Store.Write(ctx, w)
}

func (c *countingStore) RunBatch(ctx context.Context, writes []store.Write) error {
	c.writes.Add(int64(len(writes)))
	return c.Store.RunBatch(ctx, writes)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *countingStore, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	counting := &countingStore{Store: mem}
	return NewCoordinator(counting, zap.NewNop()), counting, mem
}

func findCommunityDoc(t *testing.T, mem *store.MemoryStore, category string) models.Conversation {
	t.Helper()
	docs, err := mem.Query(context.Background(), store.Query{
		Collection: "conversations",
		Filters: []store.Filter{
			{Field: "kind", Op: store.OpEqual, Value: string(models.KindCommunity)},
			{Field: "category", Op: store.OpEqual, Value: category},
		},
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	return models.ConversationFromDoc(docs[0])
}

func communityMessages(t *testing.T, mem *store.MemoryStore, conversationID string) []models.Message {
	t.Helper()
	docs, err := mem.Query(context.Background(), store.Query{
		Collection: models.MessagesCollection(conversationID),
		OrderBy:    []store.Order{{Field: "createdAt"}},
	})
	require.NoError(t, err)
	out := make([]models.Message, 0, len(docs))
	for _, d := range docs {
		out = append(out, models.MessageFromDoc(d))
	}
	return out
}

func TestEnsureMembershipCreatesCommunity(t *testing.T) {
	c, _, mem := newTestCoordinator(t)
	ctx := context.Background()
	seedUser(t, mem, "u1", "Amit")

	conv, err := c.EnsureMembership(ctx, "u1", "fire")
	require.NoError(t, err)
	assert.Equal(t, models.KindCommunity, conv.Kind)
	assert.Equal(t, "fire", conv.Category)
	assert.Equal(t, []string{"u1"}, conv.Participants)
	assert.Equal(t, communityDescription, conv.LastMessage)

	msgs := communityMessages(t, mem, conv.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MessageSystem, msgs[0].Kind)
	assert.Equal(t, models.SystemSender, msgs[0].Sender)
	assert.Equal(t, communityDescription, msgs[0].Text)
}

func TestEnsureMembershipJoinsExistingCommunity(t *testing.T) {
	c, _, mem := newTestCoordinator(t)
	ctx := context.Background()
	seedUser(t, mem, "u1", "Amit")
	seedUser(t, mem, "u2", "Noa")

	first, err := c.EnsureMembership(ctx, "u1", "water")
	require.NoError(t, err)
	second, err := c.EnsureMembership(ctx, "u2", "water")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "one community per category")
	assert.ElementsMatch(t, []string{"u1", "u2"}, second.Participants)

	msgs := communityMessages(t, mem, first.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Noa joined the community", msgs[1].Text)
	assert.Equal(t, "Noa joined the community", second.LastMessage)
}

func TestEnsureMembershipRepeatedCallWritesNothing(t *testing.T) {
	c, counting, mem := newTestCoordinator(t)
	ctx := context.Background()
	seedUser(t, mem, "u1", "Amit")

	_, err := c.EnsureMembership(ctx, "u1", "fire")
	require.NoError(t, err)
	baseline := counting.writes.Load()

	_, err = c.EnsureMembership(ctx, "u1", "fire")
	require.NoError(t, err)
	assert.Equal(t, baseline, counting.writes.Load(), "repeat reconciliation must perform zero writes")

	// A fresh session loses the in-memory state but the store already
	// agrees, so reconciliation still writes nothing.
	c.Reset("u1")
	_, err = c.EnsureMembership(ctx, "u1", "fire")
	require.NoError(t, err)
	assert.Equal(t, baseline, counting.writes.Load())
}

func TestEnsureMembershipSwitchesCategory(t *testing.T) {
	c, _, mem := newTestCoordinator(t)
	ctx := context.Background()
	seedUser(t, mem, "u1", "Amit")
	seedUser(t, mem, "u2", "Noa")

	fire, err := c.EnsureMembership(ctx, "u1", "fire")
	require.NoError(t, err)
	_, err = c.EnsureMembership(ctx, "u2", "fire")
	require.NoError(t, err)

	water, err := c.EnsureMembership(ctx, "u1", "water")
	require.NoError(t, err)
	assert.Equal(t, "water", water.Category)
	assert.True(t, water.HasParticipant("u1"))

	fireNow := findCommunityDoc(t, mem, "fire")
	assert.False(t, fireNow.HasParticipant("u1"), "membership is exclusive")
	assert.True(t, fireNow.HasParticipant("u2"))
	assert.Equal(t, "Amit left the community", fireNow.LastMessage)

	fireMsgs := communityMessages(t, mem, fire.ID)
	last := fireMsgs[len(fireMsgs)-1]
	assert.Equal(t, models.MessageSystem, last.Kind)
	assert.Equal(t, "Amit left the community", last.Text)
}

func TestEnsureMembershipAdminExempt(t *testing.T) {
	c, counting, mem := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, mem.Write(ctx, store.Write{
		Path:   models.UserPath("op1"),
		Fields: map[string]any{"username": "Operator", "role": models.RoleAdmin},
	}))

	conv, err := c.EnsureMembership(ctx, "op1", "fire")
	require.NoError(t, err)
	assert.Empty(t, conv.ID)
	assert.Zero(t, counting.writes.Load())

	docs, err := mem.Query(ctx, store.Query{Collection: "conversations"})
	require.NoError(t, err)
	assert.Empty(t, docs, "no community may be created for an operator")
}

func TestEnsureMembershipUnknownCategory(t *testing.T) {
	c, _, mem := newTestCoordinator(t)
	seedUser(t, mem, "u1", "Amit")
	_, err := c.EnsureMembership(context.Background(), "u1", "plasma")
	require.Error(t, err)
}

func TestEnsureMembershipUnknownUser(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	_, err := c.EnsureMembership(context.Background(), "ghost", "fire")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestEnsureMembershipRepairsDivergedState(t *testing.T) {
	c, _, mem := newTestCoordinator(t)
	ctx := context.Background()
	seedUser(t, mem, "u1", "Amit")

	conv, err := c.EnsureMembership(ctx, "u1", "fire")
	require.NoError(t, err)

	// Another session yanked the user out; the local synced map still
	// claims membership.
	require.NoError(t, mem.Write(ctx, store.Write{
		Path:   conv.Path(),
		Merge:  true,
		Fields: map[string]any{"participants": store.ArrayRemove("u1")},
	}))

	repaired, err := c.EnsureMembership(ctx, "u1", "fire")
	require.NoError(t, err)
	assert.True(t, repaired.HasParticipant("u1"), "reconciliation must self-heal")
}

func TestCoordinatorRunConsumesChanges(t *testing.T) {
	c, _, mem := newTestCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seedUser(t, mem, "u1", "Amit")

	changes := make(chan CategoryChange)
	done := make(chan struct{})
	go func() {
		c.Run(ctx, changes)
		close(done)
	}()

	changes <- CategoryChange{UserID: "u1", Category: "earth"}
	close(changes)
	<-done

	conv := findCommunityDoc(t, mem, "earth")
	assert.True(t, conv.HasParticipant("u1"))
}
