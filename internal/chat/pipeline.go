package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anonto42/elemchat/internal/cache"
	"github.com/anonto42/elemchat/internal/filter"
	"github.com/anonto42/elemchat/internal/models"
	"github.com/anonto42/elemchat/internal/store"
	"github.com/anonto42/elemchat/internal/uploader"
)

// Attachment size caps, matching the client-side file validation.
const (
	maxImageBytes = 10 << 20
	maxMediaBytes = 50 << 20
)

// SendState is the per-send state machine: Pending until the store
// confirms, then Confirmed, or RolledBack on failure before that point.
type SendState int

const (
	SendPending SendState = iota
	SendConfirmed
	SendRolledBack
)

func (s SendState) String() string {
	switch s {
	case SendPending:
		return "pending"
	case SendConfirmed:
		return "confirmed"
	case SendRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// AttachmentUpload carries raw media bytes into a send.
type AttachmentUpload struct {
	Bytes           []byte
	MediaKind       string // image, video, audio
	ContentType     string
	FileName        string
	DurationSeconds float64
}

// Payload is what the user submits: text, an attachment, or both.
type Payload struct {
	Text       string
	Attachment *AttachmentUpload
}

// Outcome reports the terminal state of one send.
type Outcome struct {
	State     SendState `json:"state"`
	TempID    string    `json:"temp_id"`
	MessageID string    `json:"message_id,omitempty"`
}

// Pipeline orchestrates optimistic sends for the session. It owns the
// per-conversation local message views; nothing else mutates them.
type Pipeline struct {
	store    store.Store
	uploads  uploader.Uploader
	filter   *filter.Filter
	profiles *cache.Profiles
	logger   *zap.Logger

	mu    sync.Mutex
	views map[string]*MessageView
}

// NewPipeline builds the message pipeline.
func NewPipeline(st store.Store, up uploader.Uploader, f *filter.Filter, profiles *cache.Profiles, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:    st,
		uploads:  up,
		filter:   f,
		profiles: profiles,
		logger:   logger,
		views:    make(map[string]*MessageView),
	}
}

// View returns the local message view for a conversation, creating a
// detached one if no subscription has been opened yet.
func (p *Pipeline) View(conversationID string) *MessageView {
	p.mu.Lock()
	defer p.mu.Unlock()
	view, ok := p.views[conversationID]
	if !ok {
		view = newMessageView(conversationID, make(chan []models.Message, 1))
		p.views[conversationID] = view
	}
	return view
}

// Open attaches the store's message subscription to the conversation's
// view so confirmed history flows in. Closing the returned view cancels
// only the subscription; in-flight sends run to their terminal outcome.
func (p *Pipeline) Open(ctx context.Context, conversationID string) (*MessageView, error) {
	view := p.View(conversationID)
	sub, err := p.store.Subscribe(ctx, store.Query{
		Collection: models.MessagesCollection(conversationID),
		OrderBy:    []store.Order{{Field: "createdAt"}},
	})
	if err != nil {
		return nil, err
	}
	view.attach(sub)
	go p.pump(ctx, view, sub)
	return view, nil
}

func (p *Pipeline) pump(ctx context.Context, view *MessageView, sub store.Subscription) {
	var lastSeen time.Time
	for docs := range sub.Snapshots() {
		confirmed := make([]models.Message, 0, len(docs))
		for _, doc := range docs {
			confirmed = append(confirmed, models.MessageFromDoc(doc))
		}
		view.setConfirmed(confirmed)
		if n := len(confirmed); n > 0 {
			latest := confirmed[n-1]
			if latest.CreatedAt.After(lastSeen) {
				lastSeen = latest.CreatedAt
				p.repairMetadata(ctx, view.conversationID, latest)
			}
		}
	}
}

// repairMetadata heals the tolerated torn write: a persisted message
// whose parent conversation never received the metadata follow-up. The
// repair rewrites the summary only — unread increments are not
// idempotent and are never replayed.
func (p *Pipeline) repairMetadata(ctx context.Context, conversationID string, latest models.Message) {
	if latest.Kind == models.MessageSystem {
		return
	}
	doc, err := p.store.Get(ctx, "conversations/"+conversationID)
	if err != nil {
		return
	}
	conv := models.ConversationFromDoc(doc)
	// Allow a little clock skew before declaring the metadata stale.
	if !conv.LastUpdated.Before(latest.CreatedAt.Add(-2 * time.Second)) {
		return
	}
	p.logger.Warn("repairing stale conversation metadata",
		zap.String("conversation", conversationID),
		zap.String("message", latest.ID))
	err = p.store.Write(ctx, store.Write{
		Path:  "conversations/" + conversationID,
		Merge: true,
		Fields: map[string]any{
			"lastMessage": latest.Summary(),
			"lastUpdated": store.ServerTimestamp,
		},
	})
	if err != nil {
		p.logger.Warn("metadata repair failed", zap.String("conversation", conversationID), zap.Error(err))
	}
}

// Send performs one optimistic message send. The optimistic entry is
// visible in the conversation's view before Send touches the network;
// failures before persistence roll it back. Send never mutates the
// sender's own unread counter.
func (p *Pipeline) Send(ctx context.Context, conversationID, senderID string, payload Payload, progress uploader.Progress) (Outcome, error) {
	if err := validatePayload(payload); err != nil {
		return Outcome{State: SendRolledBack}, err
	}
	if p.filter.IsRejected(payload.Text) {
		return Outcome{State: SendRolledBack}, ErrRejectedContent
	}

	tempID := "local-" + uuid.NewString()
	optimistic := models.Message{
		ID:        tempID,
		ClientID:  tempID,
		Sender:    senderID,
		Kind:      models.MessageUser,
		Text:      payload.Text,
		CreatedAt: time.Now(),
		Pending:   true,
	}
	if payload.Attachment != nil {
		optimistic.Attachment = &models.Attachment{
			MediaKind:       payload.Attachment.MediaKind,
			FileName:        payload.Attachment.FileName,
			Size:            int64(len(payload.Attachment.Bytes)),
			DurationSeconds: payload.Attachment.DurationSeconds,
		}
	}
	view := p.View(conversationID)
	view.addPending(optimistic)

	rollback := func() {
		view.removePending(tempID)
	}

	// The sender name is looked up only after the optimistic entry is
	// already visible; the local view never waits on a read. It reaches
	// the view when the send confirms.
	if sender, err := p.profiles.Get(ctx, senderID); err == nil {
		optimistic.SenderName = sender.DisplayName
	}

	if payload.Attachment != nil {
		url, err := p.uploadAttachment(ctx, conversationID, payload.Attachment, progress)
		if err != nil {
			rollback()
			p.logger.Warn("attachment upload failed",
				zap.String("conversation", conversationID),
				zap.String("sender", senderID),
				zap.Error(err))
			return Outcome{State: SendRolledBack, TempID: tempID}, fmt.Errorf("%w: %v", ErrUploadFailed, err)
		}
		optimistic.Attachment.URL = url
	}

	doc, err := p.store.Get(ctx, "conversations/"+conversationID)
	if err != nil {
		rollback()
		return Outcome{State: SendRolledBack, TempID: tempID}, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	conv := models.ConversationFromDoc(doc)
	if !conv.HasParticipant(senderID) {
		rollback()
		return Outcome{State: SendRolledBack, TempID: tempID}, ErrNotParticipant
	}

	persisted := optimistic
	persisted.Pending = false
	persisted.ID = p.store.NewID(models.MessagesCollection(conversationID))

	messageWrite := store.Write{
		Path:   models.MessagesCollection(conversationID) + "/" + persisted.ID,
		Fields: persisted.Fields(),
	}
	metaFields := map[string]any{
		"lastMessage": persisted.Summary(),
		"lastUpdated": store.ServerTimestamp,
	}
	for _, participant := range conv.Participants {
		if participant != senderID {
			metaFields["unread."+participant] = store.Increment(1)
		}
	}
	metaWrite := store.Write{Path: conv.Path(), Merge: true, Fields: metaFields}

	if err := p.store.RunBatch(ctx, []store.Write{messageWrite, metaWrite}); err != nil {
		// No batch primitive (or it failed wholesale): persist the
		// message alone, then follow up with the metadata write.
		if msgErr := p.store.Write(ctx, messageWrite); msgErr != nil {
			rollback()
			return Outcome{State: SendRolledBack, TempID: tempID}, fmt.Errorf("%w: %v", ErrPersistenceFailed, msgErr)
		}
		if metaErr := p.store.Write(ctx, metaWrite); metaErr != nil {
			// Tolerated torn write; the view's repair pass picks it up.
			p.logger.Warn("conversation metadata follow-up failed",
				zap.String("conversation", conversationID),
				zap.Error(metaErr))
		}
	}

	view.confirmPending(tempID, persisted)
	return Outcome{State: SendConfirmed, TempID: tempID, MessageID: persisted.ID}, nil
}

func (p *Pipeline) uploadAttachment(ctx context.Context, conversationID string, att *AttachmentUpload, progress uploader.Progress) (string, error) {
	var key string
	if att.MediaKind == "audio" {
		key = uploader.VoiceKey(conversationID)
	} else {
		key = uploader.MessageKey(conversationID, att.FileName)
	}
	return p.uploads.Upload(ctx, key, att.ContentType, att.Bytes, progress)
}

func validatePayload(payload Payload) error {
	if payload.Text == "" && payload.Attachment == nil {
		return ErrEmptyPayload
	}
	if att := payload.Attachment; att != nil {
		if len(att.Bytes) == 0 {
			return ErrEmptyPayload
		}
		limit := maxMediaBytes
		if att.MediaKind == "image" {
			limit = maxImageBytes
		}
		if len(att.Bytes) > limit {
			return fmt.Errorf("%w: %d bytes", ErrAttachmentTooBig, len(att.Bytes))
		}
	}
	return nil
}

// MarkRead zeroes the caller's unread counter and records the last-read
// time. Safe to call repeatedly.
func (p *Pipeline) MarkRead(ctx context.Context, conversationID, userID string) error {
	return p.store.Write(ctx, store.Write{
		Path:  "conversations/" + conversationID,
		Merge: true,
		Fields: map[string]any{
			"unread." + userID:   int64(0),
			"lastRead." + userID: store.ServerTimestamp,
		},
	})
}

// MessageView is the local message list for one conversation: confirmed
// history from the store merged with optimistic pending entries.
type MessageView struct {
	conversationID string

	mu        sync.Mutex
	confirmed []models.Message
	pending   []models.Message

	updates chan []models.Message
	sub     store.Subscription
	once    sync.Once
}

func newMessageView(conversationID string, updates chan []models.Message) *MessageView {
	return &MessageView{conversationID: conversationID, updates: updates}
}

// Updates yields merged snapshots; a slow consumer sees the latest.
func (v *MessageView) Updates() <-chan []models.Message { return v.updates }

// Close stops the attached subscription. In-flight sends are unaffected.
func (v *MessageView) Close() {
	v.once.Do(func() {
		v.mu.Lock()
		sub := v.sub
		v.mu.Unlock()
		if sub != nil {
			sub.Stop()
		}
	})
}

func (v *MessageView) attach(sub store.Subscription) {
	v.mu.Lock()
	v.sub = sub
	v.mu.Unlock()
}

// Messages returns the merged list: confirmed history in server order,
// then pending entries ordered by client send time.
func (v *MessageView) Messages() []models.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mergedLocked()
}

func (v *MessageView) mergedLocked() []models.Message {
	merged := make([]models.Message, 0, len(v.confirmed)+len(v.pending))
	merged = append(merged, v.confirmed...)
	pending := append([]models.Message(nil), v.pending...)
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	merged = append(merged, pending...)
	return merged
}

func (v *MessageView) setConfirmed(confirmed []models.Message) {
	v.mu.Lock()
	v.confirmed = confirmed
	// Drop pending entries the store has confirmed, matched by the
	// temporary client id, so there is no duplicate and no reorder.
	if len(v.pending) > 0 {
		seen := make(map[string]struct{}, len(confirmed))
		for _, m := range confirmed {
			if m.ClientID != "" {
				seen[m.ClientID] = struct{}{}
			}
		}
		kept := v.pending[:0]
		for _, m := range v.pending {
			if _, confirmedNow := seen[m.ClientID]; !confirmedNow {
				kept = append(kept, m)
			}
		}
		v.pending = kept
	}
	v.emitLocked()
	v.mu.Unlock()
}

func (v *MessageView) addPending(m models.Message) {
	v.mu.Lock()
	v.pending = append(v.pending, m)
	v.emitLocked()
	v.mu.Unlock()
}

func (v *MessageView) removePending(tempID string) {
	v.mu.Lock()
	kept := v.pending[:0]
	for _, m := range v.pending {
		if m.ClientID != tempID {
			kept = append(kept, m)
		}
	}
	v.pending = kept
	v.emitLocked()
	v.mu.Unlock()
}

// confirmPending settles the optimistic entry with the persisted message,
// picking up the fields filled in after the entry first surfaced (id,
// sender name, attachment URL).
func (v *MessageView) confirmPending(tempID string, persisted models.Message) {
	v.mu.Lock()
	for i := range v.pending {
		if v.pending[i].ClientID == tempID {
			v.pending[i].ID = persisted.ID
			v.pending[i].SenderName = persisted.SenderName
			v.pending[i].Attachment = persisted.Attachment
			v.pending[i].Pending = false
		}
	}
	v.emitLocked()
	v.mu.Unlock()
}

func (v *MessageView) emitLocked() {
	snapshot := v.mergedLocked()
	select {
	case <-v.updates:
	default:
	}
	select {
	case v.updates <- snapshot:
	default:
	}
}
