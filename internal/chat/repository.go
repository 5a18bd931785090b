package chat

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/anonto42/elemchat/internal/cache"
	"github.com/anonto42/elemchat/internal/models"
	"github.com/anonto42/elemchat/internal/store"
)

// ConversationView is the display projection of one conversation for a
// specific user. Degraded marks entries whose enrichment failed and fell
// back to raw ids.
type ConversationView struct {
	models.Conversation
	Title     string `json:"title"`
	AvatarURL string `json:"avatar_url,omitempty"`
	PartnerID string `json:"partner_id,omitempty"`
	Degraded  bool   `json:"degraded,omitempty"`
}

// Repository owns the reconciled conversation set for the session user.
type Repository struct {
	store    store.Store
	profiles *cache.Profiles
	logger   *zap.Logger
}

// NewRepository builds a conversation repository.
func NewRepository(st store.Store, profiles *cache.Profiles, logger *zap.Logger) *Repository {
	return &Repository{store: st, profiles: profiles, logger: logger}
}

func conversationsQuery(userID string) store.Query {
	return store.Query{
		Collection: "conversations",
		Filters: []store.Filter{
			{Field: "participants", Op: store.OpArrayContains, Value: userID},
		},
		OrderBy: []store.Order{{Field: "lastUpdated", Desc: true}},
	}
}

// ConversationStream delivers the projected conversation set after every
// store change affecting the user.
type ConversationStream struct {
	ch   chan []ConversationView
	sub  store.Subscription
	once sync.Once
}

// Views yields projection snapshots; closed when the stream stops.
func (s *ConversationStream) Views() <-chan []ConversationView { return s.ch }

// Stop tears down the underlying store subscription.
func (s *ConversationStream) Stop() {
	s.once.Do(func() { s.sub.Stop() })
}

// Subscribe opens a live projection of the user's conversations.
func (r *Repository) Subscribe(ctx context.Context, userID string) (*ConversationStream, error) {
	sub, err := r.store.Subscribe(ctx, conversationsQuery(userID))
	if err != nil {
		return nil, err
	}
	stream := &ConversationStream{ch: make(chan []ConversationView, 1), sub: sub}
	go func() {
		defer close(stream.ch)
		for docs := range sub.Snapshots() {
			views := r.Project(ctx, userID, docs)
			select {
			case <-stream.ch:
			default:
			}
			select {
			case stream.ch <- views:
			case <-ctx.Done():
				return
			}
		}
	}()
	return stream, nil
}

// Snapshot runs the projection once, for request/response callers.
func (r *Repository) Snapshot(ctx context.Context, userID string) ([]ConversationView, error) {
	docs, err := r.store.Query(ctx, conversationsQuery(userID))
	if err != nil {
		return nil, err
	}
	return r.Project(ctx, userID, docs), nil
}

// Project derives display-ready views, newest first. A single
// conversation's enrichment failure degrades that entry to a
// placeholder; it never aborts the projection.
func (r *Repository) Project(ctx context.Context, userID string, docs []store.Document) []ConversationView {
	views := make([]ConversationView, 0, len(docs))
	for _, doc := range docs {
		conv := models.ConversationFromDoc(doc)
		views = append(views, r.project(ctx, userID, conv))
	}
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].LastUpdated.After(views[j].LastUpdated)
	})
	return views
}

func (r *Repository) project(ctx context.Context, userID string, conv models.Conversation) ConversationView {
	view := ConversationView{Conversation: conv}
	switch conv.Kind {
	case models.KindDirect:
		partnerID := conv.Partner(userID)
		view.PartnerID = partnerID
		partner, err := r.profiles.Get(ctx, partnerID)
		if err != nil {
			r.logger.Warn("conversation enrichment failed",
				zap.String("conversation", conv.ID),
				zap.String("partner", partnerID),
				zap.Error(err))
			view.Title = partnerID
			view.Degraded = true
			return view
		}
		view.Title = partner.DisplayName
		view.AvatarURL = partner.PhotoURL
	case models.KindGroup:
		view.Title = conv.DisplayName
		view.AvatarURL = conv.AvatarURL
		if view.Title == "" {
			view.Title = groupFallbackTitle(conv, userID)
		}
	case models.KindCommunity:
		view.Title = communityTitle(conv.Category)
	default:
		view.Title = conv.ID
		view.Degraded = true
	}
	return view
}

func groupFallbackTitle(conv models.Conversation, userID string) string {
	var names []string
	for i, p := range conv.Participants {
		if p != userID && i < len(conv.ParticipantNames) {
			names = append(names, conv.ParticipantNames[i])
		}
	}
	if len(names) == 0 {
		return "Unnamed Group"
	}
	return strings.Join(names, ", ")
}

func communityTitle(category string) string {
	if category == "" {
		return "Community"
	}
	return strings.ToUpper(category[:1]) + category[1:] + " Community"
}

// Search filters a projection by title or participant name, the sidebar
// search behavior.
func Search(views []ConversationView, query string) []ConversationView {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return views
	}
	var out []ConversationView
	for _, v := range views {
		if strings.Contains(strings.ToLower(v.Title), query) {
			out = append(out, v)
			continue
		}
		for _, name := range v.ParticipantNames {
			if strings.Contains(strings.ToLower(name), query) {
				out = append(out, v)
				break
			}
		}
	}
	return out
}

// OpenDirect finds the unique direct conversation for the unordered
// user pair, creating it on first contact.
func (r *Repository) OpenDirect(ctx context.Context, userID, partnerID string) (models.Conversation, error) {
	if userID == partnerID {
		return models.Conversation{}, ErrSelfConversation
	}
	docs, err := r.store.Query(ctx, store.Query{
		Collection: "conversations",
		Filters: []store.Filter{
			{Field: "kind", Op: store.OpEqual, Value: string(models.KindDirect)},
			{Field: "participants", Op: store.OpArrayContains, Value: userID},
		},
	})
	if err != nil {
		return models.Conversation{}, err
	}
	for _, doc := range docs {
		conv := models.ConversationFromDoc(doc)
		if conv.HasParticipant(partnerID) {
			return conv, nil
		}
	}

	user, err := r.profiles.Get(ctx, userID)
	if err != nil {
		return models.Conversation{}, err
	}
	partner, err := r.profiles.Get(ctx, partnerID)
	if err != nil {
		return models.Conversation{}, err
	}

	id := r.store.NewID("conversations")
	participants := models.DirectKey(userID, partnerID)
	names := []string{user.DisplayName, partner.DisplayName}
	if participants[0] != userID {
		names = []string{partner.DisplayName, user.DisplayName}
	}
	err = r.store.Write(ctx, store.Write{
		Path: "conversations/" + id,
		Fields: map[string]any{
			"kind":             string(models.KindDirect),
			"participants":     toAnySlice(participants),
			"participantNames": toAnySlice(names),
			"unread":           map[string]any{},
			"lastMessage":      "",
			"lastUpdated":      store.ServerTimestamp,
			"createdAt":        store.ServerTimestamp,
		},
	})
	if err != nil {
		return models.Conversation{}, err
	}
	doc, err := r.store.Get(ctx, "conversations/"+id)
	if err != nil {
		return models.Conversation{}, err
	}
	return models.ConversationFromDoc(doc), nil
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
