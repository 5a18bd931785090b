// Package notifications merges the unread-message, followed-post and
// relevant-comment streams into one deduplicated feed per user.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anonto42/elemchat/internal/cache"
	"github.com/anonto42/elemchat/internal/models"
	"github.com/anonto42/elemchat/internal/store"
)

// Window bounds post/comment notifications; older activity never
// surfaces regardless of seen-state.
const Window = 24 * time.Hour

// minRecentMessages is the floor on how many recent messages are
// fetched per conversation when attributing unread counters.
const minRecentMessages = 5

// ReadMarker is the only path through which the aggregator may reset
// unread counters.
type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID, userID string) error
}

// Aggregator builds and serves the unified notification feed.
type Aggregator struct {
	store    store.Store
	profiles *cache.Profiles
	reader   ReadMarker
	logger   *zap.Logger
	now      func() time.Time
}

// NewAggregator builds a notification aggregator.
func NewAggregator(st store.Store, profiles *cache.Profiles, reader ReadMarker, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		store:    st,
		profiles: profiles,
		reader:   reader,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the window reference time. Test hook.
func (a *Aggregator) SetClock(now func() time.Time) { a.now = now }

// Build assembles the current feed for the user. Each source stream's
// errors are contained: a failing stream contributes nothing while the
// others still populate the feed.
func (a *Aggregator) Build(ctx context.Context, userID string) (Feed, error) {
	seen := a.seenSet(ctx, userID)

	var items []Item
	var totalUnread int64

	convDocs, err := a.store.Query(ctx, store.Query{
		Collection: "conversations",
		Filters: []store.Filter{
			{Field: "participants", Op: store.OpArrayContains, Value: userID},
		},
	})
	if err != nil {
		a.logger.Error("message stream failed", zap.String("user", userID), zap.Error(err))
	} else {
		messageItems, unread := a.messageItems(ctx, userID, convDocs)
		items = append(items, messageItems...)
		totalUnread = unread
	}

	postItems, err := a.postItems(ctx, userID, seen)
	if err != nil {
		a.logger.Error("post stream failed", zap.String("user", userID), zap.Error(err))
	} else {
		items = append(items, postItems...)
	}

	commentItems, err := a.commentItems(ctx, userID, seen)
	if err != nil {
		a.logger.Error("comment stream failed", zap.String("user", userID), zap.Error(err))
	} else {
		items = append(items, commentItems...)
	}

	return Feed{Items: mergeItems(items), TotalUnread: totalUnread}, nil
}

// mergeItems deduplicates by id and imposes the feed's total order,
// timestamp descending.
func mergeItems(items []Item) []Item {
	seen := make(map[string]struct{}, len(items))
	out := items[:0]
	for _, item := range items {
		if _, dup := seen[item.ID]; dup {
			continue
		}
		seen[item.ID] = struct{}{}
		out = append(out, item)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

func (a *Aggregator) seenSet(ctx context.Context, userID string) models.SeenSet {
	doc, err := a.store.Get(ctx, models.SeenSetPath(userID))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			a.logger.Warn("seen-set load failed", zap.String("user", userID), zap.Error(err))
		}
		return models.SeenSet{}
	}
	return models.SeenSetFromDoc(doc)
}

// messageItems attributes each conversation's unread counter to recent
// messages from other senders. When nothing can be attributed despite a
// nonzero counter, a single generic fallback item stands in — a nonzero
// count is never silently dropped.
func (a *Aggregator) messageItems(ctx context.Context, userID string, convDocs []store.Document) ([]Item, int64) {
	var items []Item
	var totalUnread int64
	for _, doc := range convDocs {
		conv := models.ConversationFromDoc(doc)
		unread := conv.UnreadFor(userID)
		if unread <= 0 {
			continue
		}
		totalUnread += unread
		label := a.conversationLabel(ctx, userID, conv)

		fetch := unread
		if fetch < minRecentMessages {
			fetch = minRecentMessages
		}
		msgDocs, err := a.store.Query(ctx, store.Query{
			Collection: conv.MessagesCollection(),
			OrderBy:    []store.Order{{Field: "createdAt", Desc: true}},
			Limit:      int(fetch),
		})
		if err != nil {
			a.logger.Warn("unread attribution failed",
				zap.String("conversation", conv.ID), zap.Error(err))
			msgDocs = nil
		}

		attributed := 0
		for _, msgDoc := range msgDocs {
			if int64(attributed) >= unread {
				break
			}
			msg := models.MessageFromDoc(msgDoc)
			if msg.Sender == userID {
				continue
			}
			items = append(items, a.messageItem(ctx, userID, conv, label, msg))
			attributed++
		}
		if attributed == 0 {
			items = append(items, Item{
				ID:             conv.ID + "_unread",
				Kind:           KindMessage,
				SourceID:       conv.ID,
				ConversationID: conv.ID,
				Body:           fmt.Sprintf("%d new messages", unread),
				Timestamp:      conv.LastUpdated,
				UnreadCount:    unread,
			})
		}
	}
	return items, totalUnread
}

func (a *Aggregator) messageItem(ctx context.Context, userID string, conv models.Conversation, label string, msg models.Message) Item {
	senderName := msg.SenderName
	if senderName == "" && msg.Sender != models.SystemSender {
		if sender, err := a.profiles.Get(ctx, msg.Sender); err == nil {
			senderName = sender.DisplayName
		} else {
			senderName = msg.Sender
		}
	}
	if conv.Kind != models.KindDirect && label != "" {
		senderName = senderName + " (" + label + ")"
	}
	body := msg.Text
	if body == "" {
		body = msg.Summary()
	}
	// SourceID is the conversation, not the message: acknowledging any
	// message item resets that conversation's unread counter.
	return Item{
		ID:             conv.ID + "_" + msg.ID,
		Kind:           KindMessage,
		SourceID:       conv.ID,
		ConversationID: conv.ID,
		SenderID:       msg.Sender,
		SenderName:     senderName,
		Body:           body,
		Timestamp:      msg.CreatedAt,
		UnreadCount:    1,
	}
}

func (a *Aggregator) conversationLabel(ctx context.Context, userID string, conv models.Conversation) string {
	switch conv.Kind {
	case models.KindGroup:
		return conv.DisplayName
	case models.KindCommunity:
		return conv.Category
	case models.KindDirect:
		partner, err := a.profiles.Get(ctx, conv.Partner(userID))
		if err != nil {
			return conv.Partner(userID)
		}
		return partner.DisplayName
	default:
		return ""
	}
}

// postItems surfaces posts by followed users inside the window, minus
// the user's own and anything already acknowledged.
func (a *Aggregator) postItems(ctx context.Context, userID string, seen models.SeenSet) ([]Item, error) {
	user, err := a.profiles.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(user.Following) == 0 {
		return nil, nil
	}
	cutoff := a.now().Add(-Window)
	docs, err := a.store.Query(ctx, store.Query{
		Collection: "posts",
		Filters: []store.Filter{
			{Field: "authorId", Op: store.OpIn, Value: toAny(user.Following)},
			{Field: "createdAt", Op: store.OpGreaterEqual, Value: cutoff},
		},
		OrderBy: []store.Order{{Field: "createdAt", Desc: true}},
	})
	if err != nil {
		return nil, err
	}
	var items []Item
	for _, doc := range docs {
		post := models.PostFromDoc(doc)
		if post.AuthorID == userID || seen.HasPost(post.ID) {
			continue
		}
		items = append(items, Item{
			ID:         "post_" + post.ID,
			Kind:       KindPost,
			SourceID:   post.ID,
			SenderID:   post.AuthorID,
			SenderName: a.displayName(ctx, post.AuthorID),
			Body:       post.Content,
			Timestamp:  post.CreatedAt,
		})
	}
	return items, nil
}

// commentItems surfaces window-recent comments on posts the user wrote
// or commented on, minus their own and anything already acknowledged.
func (a *Aggregator) commentItems(ctx context.Context, userID string, seen models.SeenSet) ([]Item, error) {
	relevant, err := a.relevantPosts(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(relevant) == 0 {
		return nil, nil
	}
	cutoff := a.now().Add(-Window)
	docs, err := a.store.Query(ctx, store.Query{
		Collection: "comments",
		Filters: []store.Filter{
			{Field: "createdAt", Op: store.OpGreaterEqual, Value: cutoff},
		},
		OrderBy: []store.Order{{Field: "createdAt", Desc: true}},
	})
	if err != nil {
		return nil, err
	}
	var items []Item
	for _, doc := range docs {
		comment := models.CommentFromDoc(doc)
		if comment.AuthorID == userID || seen.HasComment(comment.ID) {
			continue
		}
		if _, ok := relevant[comment.PostID]; !ok {
			continue
		}
		items = append(items, Item{
			ID:         "comment_" + comment.ID,
			Kind:       KindComment,
			SourceID:   comment.ID,
			SenderID:   comment.AuthorID,
			SenderName: a.displayName(ctx, comment.AuthorID),
			Body:       comment.Content,
			Timestamp:  comment.CreatedAt,
		})
	}
	return items, nil
}

// relevantPosts is the union of the user's own posts and posts they
// commented on.
func (a *Aggregator) relevantPosts(ctx context.Context, userID string) (map[string]struct{}, error) {
	relevant := make(map[string]struct{})
	ownPosts, err := a.store.Query(ctx, store.Query{
		Collection: "posts",
		Filters:    []store.Filter{{Field: "authorId", Op: store.OpEqual, Value: userID}},
	})
	if err != nil {
		return nil, err
	}
	for _, doc := range ownPosts {
		relevant[doc.ID()] = struct{}{}
	}
	ownComments, err := a.store.Query(ctx, store.Query{
		Collection: "comments",
		Filters:    []store.Filter{{Field: "authorId", Op: store.OpEqual, Value: userID}},
	})
	if err != nil {
		return nil, err
	}
	for _, doc := range ownComments {
		relevant[models.CommentFromDoc(doc).PostID] = struct{}{}
	}
	return relevant, nil
}

func (a *Aggregator) displayName(ctx context.Context, userID string) string {
	user, err := a.profiles.Get(ctx, userID)
	if err != nil {
		return userID
	}
	return user.DisplayName
}

// Acknowledge marks one item handled: post/comment ids join the durable
// seen-set (union-only, so concurrent sessions merge), message items
// reset the conversation's unread counter via MarkRead.
func (a *Aggregator) Acknowledge(ctx context.Context, userID string, kind ItemKind, sourceID string) error {
	switch kind {
	case KindPost:
		return a.store.Write(ctx, store.Write{
			Path:   models.SeenSetPath(userID),
			Merge:  true,
			Fields: map[string]any{"seenPosts": store.ArrayUnion(sourceID)},
		})
	case KindComment:
		return a.store.Write(ctx, store.Write{
			Path:   models.SeenSetPath(userID),
			Merge:  true,
			Fields: map[string]any{"seenComments": store.ArrayUnion(sourceID)},
		})
	case KindMessage, KindSystem:
		// Every message item carries its conversation id as sourceID.
		return a.reader.MarkRead(ctx, sourceID, userID)
	default:
		return fmt.Errorf("notifications: unknown item kind %q", kind)
	}
}

// ClearAll acknowledges every visible post/comment item and zeroes the
// unread counter behind every visible message item, as one batch.
func (a *Aggregator) ClearAll(ctx context.Context, userID string) error {
	feedSnapshot, err := a.Build(ctx, userID)
	if err != nil {
		return err
	}
	var postIDs, commentIDs []any
	conversations := make(map[string]struct{})
	for _, item := range feedSnapshot.Items {
		switch item.Kind {
		case KindPost:
			postIDs = append(postIDs, item.SourceID)
		case KindComment:
			commentIDs = append(commentIDs, item.SourceID)
		case KindMessage, KindSystem:
			if item.ConversationID != "" {
				conversations[item.ConversationID] = struct{}{}
			}
		}
	}

	var writes []store.Write
	if len(postIDs) > 0 || len(commentIDs) > 0 {
		fields := map[string]any{}
		if len(postIDs) > 0 {
			fields["seenPosts"] = store.ArrayUnion(postIDs...)
		}
		if len(commentIDs) > 0 {
			fields["seenComments"] = store.ArrayUnion(commentIDs...)
		}
		writes = append(writes, store.Write{Path: models.SeenSetPath(userID), Merge: true, Fields: fields})
	}
	for conversationID := range conversations {
		writes = append(writes, store.Write{
			Path:  "conversations/" + conversationID,
			Merge: true,
			Fields: map[string]any{
				"unread." + userID:   int64(0),
				"lastRead." + userID: store.ServerTimestamp,
			},
		})
	}
	if len(writes) == 0 {
		return nil
	}
	return a.store.RunBatch(ctx, writes)
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// FeedStream delivers rebuilt feeds whenever any source collection
// changes.
type FeedStream struct {
	ch     chan Feed
	cancel context.CancelFunc
	once   sync.Once
}

// Feeds yields feed snapshots; closed when the stream stops.
func (s *FeedStream) Feeds() <-chan Feed { return s.ch }

// Stop tears down all source subscriptions.
func (s *FeedStream) Stop() { s.once.Do(s.cancel) }

// Subscribe opens the live merged feed. Each source subscription that
// fails to open is logged and skipped; the feed runs on the remainder.
func (a *Aggregator) Subscribe(ctx context.Context, userID string) (*FeedStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	queries := []store.Query{
		{
			Collection: "conversations",
			Filters:    []store.Filter{{Field: "participants", Op: store.OpArrayContains, Value: userID}},
		},
		{
			Collection: "posts",
			Filters:    []store.Filter{{Field: "createdAt", Op: store.OpGreaterEqual, Value: a.now().Add(-Window)}},
		},
		{
			Collection: "comments",
			Filters:    []store.Filter{{Field: "createdAt", Op: store.OpGreaterEqual, Value: a.now().Add(-Window)}},
		},
	}
	wake := make(chan struct{}, 1)
	var subs []store.Subscription
	for _, q := range queries {
		sub, err := a.store.Subscribe(ctx, q)
		if err != nil {
			a.logger.Error("feed source subscription failed",
				zap.String("collection", q.Collection), zap.Error(err))
			continue
		}
		subs = append(subs, sub)
		go func(sub store.Subscription) {
			for range sub.Snapshots() {
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}(sub)
	}
	if len(subs) == 0 {
		cancel()
		return nil, errors.New("notifications: no feed sources available")
	}

	stream := &FeedStream{ch: make(chan Feed, 1), cancel: cancel}
	go func() {
		defer close(stream.ch)
		defer func() {
			for _, sub := range subs {
				sub.Stop()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-wake:
			}
			feed, err := a.Build(ctx, userID)
			if err != nil {
				a.logger.Error("feed rebuild failed", zap.String("user", userID), zap.Error(err))
				continue
			}
			select {
			case <-stream.ch:
			default:
			}
			select {
			case stream.ch <- feed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return stream, nil
}
