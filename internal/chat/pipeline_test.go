package chat

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/anonto42/elemchat/internal/cache"
	"github.com/anonto42/elemchat/internal/filter"
	"github.com/anonto42/elemchat/internal/models"
	"github.com/anonto42/elemchat/internal/store"
	"github.com/anonto42/elemchat/internal/uploader"
)

func newTestPipeline(t *testing.T) (*Pipeline, *store.MemoryStore, *uploader.MemoryUploader) {
	t.Helper()
	st := store.NewMemoryStore()
	uploads := uploader.NewMemoryUploader()
	profiles := cache.NewProfiles(nil, st, 0, zap.NewNop())
	p := NewPipeline(st, uploads, filter.New(), profiles, zap.NewNop())
	return p, st, uploads
}

func seedUser(t *testing.T, st *store.MemoryStore, id, name string) {
	t.Helper()
	require.NoError(t, st.Write(context.Background(), store.Write{
		Path:   models.UserPath(id),
		Fields: map[string]any{"username": name, "category": "fire"},
	}))
}

func seedDirect(t *testing.T, st *store.MemoryStore, id string, participants ...string) {
	t.Helper()
	parts := make([]any, len(participants))
	for i, p := range participants {
		parts[i] = p
	}
	require.NoError(t, st.Write(context.Background(), store.Write{
		Path: "conversations/" + id,
		Fields: map[string]any{
			"kind":         string(models.KindDirect),
			"participants": parts,
			"unread":       map[string]any{},
			"lastUpdated":  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		},
	}))
}

func TestSendConfirmsAndUpdatesMetadata(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	ctx := context.Background()
	frozen := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return frozen })
	seedUser(t, st, "u1", "Amit")
	seedUser(t, st, "u2", "Noa")
	seedDirect(t, st, "c1", "u1", "u2")

	outcome, err := p.Send(ctx, "c1", "u1", Payload{Text: "hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, SendConfirmed, outcome.State)
	assert.NotEmpty(t, outcome.MessageID)
	assert.NotEmpty(t, outcome.TempID)

	msgDoc, err := st.Get(ctx, models.MessagesCollection("c1")+"/"+outcome.MessageID)
	require.NoError(t, err)
	msg := models.MessageFromDoc(msgDoc)
	assert.Equal(t, "hi", msg.Text)
	assert.Equal(t, "u1", msg.Sender)
	assert.Equal(t, "Amit", msg.SenderName)
	assert.Equal(t, outcome.TempID, msg.ClientID)
	assert.Equal(t, frozen, msg.CreatedAt, "createdAt must come from the store clock")

	convDoc, err := st.Get(ctx, "conversations/c1")
	require.NoError(t, err)
	conv := models.ConversationFromDoc(convDoc)
	assert.Equal(t, "hi", conv.LastMessage)
	assert.Equal(t, frozen, conv.LastUpdated)
	assert.Equal(t, int64(1), conv.UnreadFor("u2"))
	assert.Equal(t, int64(0), conv.UnreadFor("u1"), "the sender's own counter never moves")
}

func TestSendIncrementsEveryOtherParticipant(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	ctx := context.Background()
	seedUser(t, st, "u1", "Amit")
	seedDirect(t, st, "g1", "u1", "u2", "u3", "u4")

	_, err := p.Send(ctx, "g1", "u1", Payload{Text: "hello all"}, nil)
	require.NoError(t, err)
	_, err = p.Send(ctx, "g1", "u1", Payload{Text: "again"}, nil)
	require.NoError(t, err)

	conv := models.ConversationFromDoc(mustGet(t, st, "conversations/g1"))
	assert.Equal(t, int64(0), conv.UnreadFor("u1"))
	assert.Equal(t, int64(2), conv.UnreadFor("u2"))
	assert.Equal(t, int64(2), conv.UnreadFor("u3"))
	assert.Equal(t, int64(2), conv.UnreadFor("u4"))
}

func TestSendOptimisticEntryVisibleImmediately(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	ctx := context.Background()
	seedUser(t, st, "u1", "Amit")
	seedDirect(t, st, "c1", "u1", "u2")

	view := p.View("c1")
	before := len(view.Messages())

	outcome, err := p.Send(ctx, "c1", "u1", Payload{Text: "ping"}, nil)
	require.NoError(t, err)

	// Without a subscription the confirmed entry stays local, retained
	// from the optimistic add.
	after := view.Messages()
	require.Len(t, after, before+1)
	last := after[len(after)-1]
	assert.Equal(t, outcome.MessageID, last.ID)
	assert.False(t, last.Pending)
	assert.Equal(t, outcome.TempID, last.ClientID)
	assert.Equal(t, "Amit", last.SenderName, "confirmation settles the sender name into the view")
}

func TestSendRejectedContentRollsBack(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	ctx := context.Background()
	seedUser(t, st, "u1", "Amit")
	seedDirect(t, st, "c1", "u1", "u2")

	outcome, err := p.Send(ctx, "c1", "u1", Payload{Text: "oh shit"}, nil)
	require.ErrorIs(t, err, ErrRejectedContent)
	assert.Equal(t, SendRolledBack, outcome.State)
	assert.Empty(t, p.View("c1").Messages())

	docs, err := st.Query(ctx, store.Query{Collection: models.MessagesCollection("c1")})
	require.NoError(t, err)
	assert.Empty(t, docs, "nothing may reach the store")
}

func TestSendEmptyPayloadRejected(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	_, err := p.Send(context.Background(), "c1", "u1", Payload{}, nil)
	require.ErrorIs(t, err, ErrEmptyPayload)
}

func TestSendAttachmentSizeCaps(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	ctx := context.Background()
	seedUser(t, st, "u1", "Amit")
	seedDirect(t, st, "c1", "u1", "u2")

	_, err := p.Send(ctx, "c1", "u1", Payload{Attachment: &AttachmentUpload{
		Bytes:     bytes.Repeat([]byte{0xff}, maxImageBytes+1),
		MediaKind: "image",
	}}, nil)
	require.ErrorIs(t, err, ErrAttachmentTooBig)

	// The same size is fine for non-image media, which gets the larger cap.
	outcome, err := p.Send(ctx, "c1", "u1", Payload{Attachment: &AttachmentUpload{
		Bytes:       bytes.Repeat([]byte{0xff}, maxImageBytes+1),
		MediaKind:   "video",
		ContentType: "video/mp4",
		FileName:    "clip.mp4",
	}}, nil)
	require.NoError(t, err)
	assert.Equal(t, SendConfirmed, outcome.State)

	conv := models.ConversationFromDoc(mustGet(t, st, "conversations/c1"))
	assert.Equal(t, "Sent a video", conv.LastMessage)
}

func TestSendUploadFailureRollsBack(t *testing.T) {
	p, st, uploads := newTestPipeline(t)
	ctx := context.Background()
	seedUser(t, st, "u1", "Amit")
	seedDirect(t, st, "c1", "u1", "u2")

	uploads.FailNext()
	outcome, err := p.Send(ctx, "c1", "u1", Payload{
		Text: "look",
		Attachment: &AttachmentUpload{
			Bytes:       []byte("not really a jpeg"),
			MediaKind:   "image",
			ContentType: "image/jpeg",
			FileName:    "a.jpg",
		},
	}, nil)
	require.ErrorIs(t, err, ErrUploadFailed)
	assert.Equal(t, SendRolledBack, outcome.State)
	assert.Empty(t, p.View("c1").Messages(), "pending entry must be rolled back")

	docs, err := st.Query(ctx, store.Query{Collection: models.MessagesCollection("c1")})
	require.NoError(t, err)
	assert.Empty(t, docs)
	conv := models.ConversationFromDoc(mustGet(t, st, "conversations/c1"))
	assert.Equal(t, int64(0), conv.UnreadFor("u2"))
}

func TestSendAttachmentPersistsURL(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	ctx := context.Background()
	seedUser(t, st, "u1", "Amit")
	seedDirect(t, st, "c1", "u1", "u2")

	var lastProgress float64
	outcome, err := p.Send(ctx, "c1", "u1", Payload{
		Attachment: &AttachmentUpload{
			Bytes:           []byte("webm bytes"),
			MediaKind:       "audio",
			ContentType:     "audio/webm",
			DurationSeconds: 4.2,
		},
	}, func(f float64) { lastProgress = f })
	require.NoError(t, err)
	assert.Equal(t, float64(1), lastProgress)

	msg := models.MessageFromDoc(mustGet(t, st, models.MessagesCollection("c1")+"/"+outcome.MessageID))
	require.NotNil(t, msg.Attachment)
	assert.Contains(t, msg.Attachment.URL, "memory://audio_messages/c1/")
	assert.Equal(t, "audio", msg.Attachment.MediaKind)
	assert.Equal(t, 4.2, msg.Attachment.DurationSeconds)

	conv := models.ConversationFromDoc(mustGet(t, st, "conversations/c1"))
	assert.Equal(t, "Sent a voice message", conv.LastMessage)
}

func TestSendNonParticipantRejected(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	ctx := context.Background()
	seedUser(t, st, "u9", "Eve")
	seedDirect(t, st, "c1", "u1", "u2")

	_, err := p.Send(ctx, "c1", "u9", Payload{Text: "let me in"}, nil)
	require.ErrorIs(t, err, ErrNotParticipant)
	assert.Empty(t, p.View("c1").Messages())
}

func TestSendMissingConversation(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	seedUser(t, st, "u1", "Amit")

	_, err := p.Send(context.Background(), "ghost", "u1", Payload{Text: "hi"}, nil)
	require.ErrorIs(t, err, ErrPersistenceFailed)
	assert.Empty(t, p.View("ghost").Messages())
}

func TestMarkReadIdempotent(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	ctx := context.Background()
	seedUser(t, st, "u1", "Amit")
	seedDirect(t, st, "c1", "u1", "u2")

	_, err := p.Send(ctx, "c1", "u1", Payload{Text: "one"}, nil)
	require.NoError(t, err)
	_, err = p.Send(ctx, "c1", "u1", Payload{Text: "two"}, nil)
	require.NoError(t, err)

	require.NoError(t, p.MarkRead(ctx, "c1", "u2"))
	require.NoError(t, p.MarkRead(ctx, "c1", "u2"))

	conv := models.ConversationFromDoc(mustGet(t, st, "conversations/c1"))
	assert.Equal(t, int64(0), conv.UnreadFor("u2"))
	assert.False(t, conv.LastRead["u2"].IsZero())
	assert.Equal(t, "two", conv.LastMessage, "markRead must not touch the summary")
}

func TestOpenMergesConfirmedHistory(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seedUser(t, st, "u1", "Amit")
	seedDirect(t, st, "c1", "u1", "u2")

	view, err := p.Open(ctx, "c1")
	require.NoError(t, err)
	defer view.Close()

	outcome, err := p.Send(ctx, "c1", "u1", Payload{Text: "hi"}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := view.Messages()
		return len(msgs) == 1 && msgs[0].ID == outcome.MessageID && !msgs[0].Pending
	}, 2*time.Second, 10*time.Millisecond, "confirmed history must replace the optimistic entry without duplication")
}

func TestPumpRepairsTornMetadata(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seedDirect(t, st, "c1", "u1", "u2")

	// A message persisted well after the conversation's lastUpdated,
	// with no metadata follow-up: the torn write.
	stale := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	late := stale.Add(time.Hour)
	require.NoError(t, st.Write(ctx, store.Write{
		Path: models.MessagesCollection("c1") + "/m1",
		Fields: map[string]any{
			"sender":    "u2",
			"kind":      string(models.MessageUser),
			"text":      "orphaned",
			"createdAt": late,
		},
	}))

	view, err := p.Open(ctx, "c1")
	require.NoError(t, err)
	defer view.Close()

	require.Eventually(t, func() bool {
		conv := models.ConversationFromDoc(mustGet(t, st, "conversations/c1"))
		return conv.LastMessage == "orphaned"
	}, 2*time.Second, 10*time.Millisecond, "repair must rewrite the summary")

	// Repair never invents unread increments.
	conv := models.ConversationFromDoc(mustGet(t, st, "conversations/c1"))
	assert.Equal(t, int64(0), conv.UnreadFor("u1"))
}

func TestDirectMessageScenario(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	ctx := context.Background()
	seedUser(t, st, "u1", "Amit")
	seedUser(t, st, "u2", "Noa")
	profiles := cache.NewProfiles(nil, st, 0, zap.NewNop())
	repo := NewRepository(st, profiles, zap.NewNop())

	conv, err := repo.OpenDirect(ctx, "u1", "u2")
	require.NoError(t, err)

	outcome, err := p.Send(ctx, conv.ID, "u1", Payload{Text: "hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, SendConfirmed, outcome.State)

	// The recipient sees exactly one unread and the preview line.
	got := models.ConversationFromDoc(mustGet(t, st, conv.Path()))
	assert.Equal(t, int64(1), got.UnreadFor("u2"))
	assert.Equal(t, "hi", got.LastMessage)

	// Reading clears it; reading again stays cleared.
	require.NoError(t, p.MarkRead(ctx, conv.ID, "u2"))
	require.NoError(t, p.MarkRead(ctx, conv.ID, "u2"))
	got = models.ConversationFromDoc(mustGet(t, st, conv.Path()))
	assert.Equal(t, int64(0), got.UnreadFor("u2"))
}

func mustGet(t *testing.T, st *store.MemoryStore, path string) store.Document {
	t.Helper()
	doc, err := st.Get(context.Background(), path)
	require.NoError(t, err)
	return doc
}
