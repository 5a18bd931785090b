package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/anonto42/elemchat/internal/models"
	"github.com/anonto42/elemchat/internal/store"
)

// communityDescription seeds a freshly created community's first system
// message and preview line.
const communityDescription = "This community is for everyone in your element. Share, ask, and connect with fellow members."

// CategoryChange is an identity-provider push telling the coordinator a
// user's category moved.
type CategoryChange struct {
	UserID   string
	Category string
}

// Coordinator enforces the one-community-per-category invariant. Every
// step checks current membership before writing, so an interrupted run
// self-heals on the next EnsureMembership call.
type Coordinator struct {
	store  store.Store
	logger *zap.Logger

	mu     sync.Mutex
	synced map[string]string // userID -> category confirmed in place
}

// NewCoordinator builds a membership coordinator.
func NewCoordinator(st store.Store, logger *zap.Logger) *Coordinator {
	return &Coordinator{store: st, logger: logger, synced: make(map[string]string)}
}

// Synced reports the category the user was last reconciled into, if any.
func (c *Coordinator) Synced(userID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	category, ok := c.synced[userID]
	return category, ok
}

// Reset clears the in-memory sync state. Test hook simulating a fresh
// session.
func (c *Coordinator) Reset(userID string) {
	c.mu.Lock()
	delete(c.synced, userID)
	c.mu.Unlock()
}

// Run consumes category pushes until the context ends.
func (c *Coordinator) Run(ctx context.Context, changes <-chan CategoryChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			if _, err := c.EnsureMembership(ctx, change.UserID, change.Category); err != nil {
				c.logger.Error("membership sync failed",
					zap.String("user", change.UserID),
					zap.String("category", change.Category),
					zap.Error(err))
			}
		}
	}
}

// EnsureMembership reconciles the user into exactly the target
// category's community: leave every other community, then find-or-create
// and join the target. Idempotent; a repeat call with the same category
// performs zero writes.
func (c *Coordinator) EnsureMembership(ctx context.Context, userID, category string) (models.Conversation, error) {
	if !models.ValidCategory(category) {
		return models.Conversation{}, fmt.Errorf("chat: unknown category %q", category)
	}

	c.mu.Lock()
	alreadySynced := c.synced[userID] == category
	c.mu.Unlock()

	userDoc, err := c.store.Get(ctx, models.UserPath(userID))
	if err != nil {
		return models.Conversation{}, fmt.Errorf("load user %s: %w", userID, err)
	}
	user := models.UserFromDoc(userDoc)
	if user.Role == models.RoleAdmin {
		// Operators never join communities.
		return models.Conversation{}, nil
	}

	if alreadySynced {
		if conv, err := c.findCommunity(ctx, category); err == nil && conv.HasParticipant(userID) {
			return conv, nil
		}
		// State disagreed with the store; fall through and repair.
		c.logger.Warn("membership state out of sync, repairing",
			zap.String("user", userID), zap.String("category", category))
	}

	if err := c.leaveOtherCommunities(ctx, user, category); err != nil {
		return models.Conversation{}, err
	}
	conv, err := c.joinCommunity(ctx, user, category)
	if err != nil {
		return models.Conversation{}, err
	}

	c.mu.Lock()
	c.synced[userID] = category
	c.mu.Unlock()
	return conv, nil
}

func (c *Coordinator) findCommunity(ctx context.Context, category string) (models.Conversation, error) {
	docs, err := c.store.Query(ctx, store.Query{
		Collection: "conversations",
		Filters: []store.Filter{
			{Field: "kind", Op: store.OpEqual, Value: string(models.KindCommunity)},
			{Field: "category", Op: store.OpEqual, Value: category},
		},
		Limit: 1,
	})
	if err != nil {
		return models.Conversation{}, err
	}
	if len(docs) == 0 {
		return models.Conversation{}, store.ErrNotFound
	}
	return models.ConversationFromDoc(docs[0]), nil
}

// leaveOtherCommunities removes the user from every community whose
// category differs from the target, appending a departure notice.
// Removing an already-absent participant is a no-op by construction.
func (c *Coordinator) leaveOtherCommunities(ctx context.Context, user models.User, target string) error {
	docs, err := c.store.Query(ctx, store.Query{
		Collection: "conversations",
		Filters: []store.Filter{
			{Field: "kind", Op: store.OpEqual, Value: string(models.KindCommunity)},
			{Field: "participants", Op: store.OpArrayContains, Value: user.ID},
		},
	})
	if err != nil {
		return err
	}
	for _, doc := range docs {
		conv := models.ConversationFromDoc(doc)
		if conv.Category == target {
			continue
		}
		notice := user.DisplayName + " left the community"
		writes := []store.Write{
			{
				Path:  conv.Path(),
				Merge: true,
				Fields: map[string]any{
					"participants":     store.ArrayRemove(user.ID),
					"participantNames": store.ArrayRemove(user.DisplayName),
					"lastMessage":      notice,
					"lastUpdated":      store.ServerTimestamp,
				},
			},
			c.systemMessageWrite(conv.ID, notice),
		}
		if err := c.store.RunBatch(ctx, writes); err != nil {
			return fmt.Errorf("leave community %s: %w", conv.ID, err)
		}
		c.logger.Info("left community",
			zap.String("user", user.ID),
			zap.String("community", conv.ID),
			zap.String("category", conv.Category))
	}
	return nil
}

// joinCommunity finds or creates the target community and adds the user
// if missing.
func (c *Coordinator) joinCommunity(ctx context.Context, user models.User, category string) (models.Conversation, error) {
	conv, err := c.findCommunity(ctx, category)
	if errors.Is(err, store.ErrNotFound) {
		return c.createCommunity(ctx, user, category)
	}
	if err != nil {
		return models.Conversation{}, err
	}
	if conv.HasParticipant(user.ID) {
		return conv, nil
	}
	notice := user.DisplayName + " joined the community"
	writes := []store.Write{
		{
			Path:  conv.Path(),
			Merge: true,
			Fields: map[string]any{
				"participants":     store.ArrayUnion(user.ID),
				"participantNames": store.ArrayUnion(user.DisplayName),
				"lastMessage":      notice,
				"lastUpdated":      store.ServerTimestamp,
			},
		},
		c.systemMessageWrite(conv.ID, notice),
	}
	if err := c.store.RunBatch(ctx, writes); err != nil {
		return models.Conversation{}, fmt.Errorf("join community %s: %w", conv.ID, err)
	}
	c.logger.Info("joined community",
		zap.String("user", user.ID),
		zap.String("community", conv.ID),
		zap.String("category", category))
	doc, err := c.store.Get(ctx, conv.Path())
	if err != nil {
		return models.Conversation{}, err
	}
	return models.ConversationFromDoc(doc), nil
}

func (c *Coordinator) createCommunity(ctx context.Context, user models.User, category string) (models.Conversation, error) {
	id := c.store.NewID("conversations")
	writes := []store.Write{
		{
			Path: "conversations/" + id,
			Fields: map[string]any{
				"kind":             string(models.KindCommunity),
				"category":         category,
				"participants":     []any{user.ID},
				"participantNames": []any{user.DisplayName},
				"unread":           map[string]any{},
				"lastMessage":      communityDescription,
				"lastUpdated":      store.ServerTimestamp,
				"createdAt":        store.ServerTimestamp,
			},
		},
		c.systemMessageWrite(id, communityDescription),
	}
	if err := c.store.RunBatch(ctx, writes); err != nil {
		return models.Conversation{}, fmt.Errorf("create community %s: %w", category, err)
	}
	c.logger.Info("created community",
		zap.String("user", user.ID),
		zap.String("community", id),
		zap.String("category", category))
	doc, err := c.store.Get(ctx, "conversations/"+id)
	if err != nil {
		return models.Conversation{}, err
	}
	return models.ConversationFromDoc(doc), nil
}

func (c *Coordinator) systemMessageWrite(conversationID, text string) store.Write {
	id := c.store.NewID(models.MessagesCollection(conversationID))
	msg := models.Message{
		Sender: models.SystemSender,
		Kind:   models.MessageSystem,
		Text:   text,
	}
	return store.Write{
		Path:   models.MessagesCollection(conversationID) + "/" + id,
		Fields: msg.Fields(),
	}
}
