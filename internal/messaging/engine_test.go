package messaging

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalix/realtime/internal/apperr"
	"github.com/signalix/realtime/internal/media"
	"github.com/signalix/realtime/internal/model"
	"github.com/signalix/realtime/internal/notify"
	"github.com/signalix/realtime/internal/presence"
	"github.com/signalix/realtime/internal/presence/presencetest"
	"github.com/signalix/realtime/internal/protocol"
	"github.com/signalix/realtime/internal/repo"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

type fixture struct {
	store    *repo.MemoryStore
	registry *presence.Registry
	notifier *notify.Capture
	engine   *Engine
	alice    uuid.UUID
	bob      uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := repo.NewMemoryStore()
	mediaStore, err := media.NewLocalStore(filepath.Join(t.TempDir(), "chats"), "/chats")
	require.NoError(t, err)

	f := &fixture{
		store:    store,
		registry: presence.NewRegistry(log),
		notifier: &notify.Capture{},
		alice:    store.AddUser("alice"),
		bob:      store.AddUser("bob"),
	}
	f.engine = NewEngine(log, store.Users(), store.Messages(), mediaStore, f.registry, f.notifier)
	return f
}

func (f *fixture) connect(t *testing.T, user uuid.UUID) *presencetest.Conn {
	t.Helper()
	c := presencetest.NewConn()
	require.NoError(t, f.registry.Register(context.Background(), user, c))
	return c
}

func TestSend_FansOutToEveryHandle(t *testing.T) {
	f := newFixture(t)
	h1, h2 := f.connect(t, f.alice), f.connect(t, f.alice)
	h3 := f.connect(t, f.bob)

	res, err := f.engine.Send(context.Background(), f.alice, protocol.SendMessage{
		ID:   "tmp-1",
		To:   f.bob.String(),
		Text: "hello",
	})
	require.NoError(t, err)
	assert.True(t, res.Delivered)
	assert.NotEqual(t, uuid.Nil, res.Message.ID)

	require.Equal(t, 1, h3.Count(protocol.EventNewMessage))
	var got model.Message
	require.True(t, h3.Last(protocol.EventNewMessage, &got))
	assert.Equal(t, res.Message.ID, got.ID)
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, model.StatusSent, got.Status)

	for _, h := range []*presencetest.Conn{h1, h2} {
		require.Equal(t, 1, h.Count(protocol.EventMessageSent))
		var sent protocol.MessageSent
		require.True(t, h.Last(protocol.EventMessageSent, &sent))
		assert.Equal(t, "tmp-1", sent.TempID)
		assert.Equal(t, res.Message.ID, sent.ID)
		assert.Zero(t, h.Count(protocol.EventNewMessage))
	}
	assert.Zero(t, h3.Count(protocol.EventMessageSent))

	assert.Equal(t, []uuid.UUID{res.Message.ID}, f.store.HistoryOf(f.alice))
	assert.Equal(t, []uuid.UUID{res.Message.ID}, f.store.HistoryOf(f.bob))
	assert.Empty(t, f.notifier.Requests())
}

func TestSend_StoreAndForward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.Send(ctx, f.alice, protocol.SendMessage{To: f.bob.String(), Text: "are you there?"})
	require.NoError(t, err)
	assert.False(t, res.Delivered)
	assert.Equal(t, 1, f.store.MessageCount())

	wakes := f.notifier.Requests()
	require.Len(t, wakes, 1)
	assert.Equal(t, f.bob, wakes[0].UserID)
	assert.Equal(t, notify.ReasonNewMessage, wakes[0].Reason)
	assert.Equal(t, "alice", wakes[0].Title)

	h := f.connect(t, f.bob)
	assert.Zero(t, h.Count(protocol.EventNewMessage), "no redelivery on register")

	page, err := f.engine.History(ctx, f.bob, f.alice, 0)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, res.Message.ID, page.Messages[0].ID)
	assert.False(t, page.More)
}

func TestSend_InlineImageIsMaterialized(t *testing.T) {
	f := newFixture(t)
	h := f.connect(t, f.bob)

	res, err := f.engine.Send(context.Background(), f.alice, protocol.SendMessage{
		To:    f.bob.String(),
		Image: "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngHeader),
	})
	require.NoError(t, err)

	require.NotNil(t, res.Message.Media)
	assert.Equal(t, "image/png", res.Message.Media.Type)
	assert.True(t, strings.HasPrefix(res.Message.Media.Path, "/chats/"))
	assert.False(t, media.IsInline(res.Message.Media.Path))

	stored, err := f.store.Messages().GetByID(context.Background(), res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Message.Media, stored.Media)

	var got model.Message
	require.True(t, h.Last(protocol.EventNewMessage, &got))
	assert.Equal(t, res.Message.Media.Path, got.Media.Path)
}

func TestSend_ExternalImageURL(t *testing.T) {
	f := newFixture(t)
	res, err := f.engine.Send(context.Background(), f.alice, protocol.SendMessage{
		To:    f.bob.String(),
		Image: "https://cdn.example.com/cat.webp",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Message.Media)
	assert.Equal(t, "https://cdn.example.com/cat.webp", res.Message.Media.Path)
	assert.Equal(t, "image/webp", res.Message.Media.Type)
}

func TestSend_Failures(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name string
		req  func(f *fixture) protocol.SendMessage
		kind apperr.Kind
	}{
		{
			name: "empty body",
			req:  func(f *fixture) protocol.SendMessage { return protocol.SendMessage{To: f.bob.String(), Text: "  "} },
			kind: apperr.KindValidation,
		},
		{
			name: "malformed recipient",
			req:  func(f *fixture) protocol.SendMessage { return protocol.SendMessage{To: "bob", Text: "hi"} },
			kind: apperr.KindValidation,
		},
		{
			name: "spoofed sender",
			req: func(f *fixture) protocol.SendMessage {
				return protocol.SendMessage{From: f.bob.String(), To: f.bob.String(), Text: "hi"}
			},
			kind: apperr.KindValidation,
		},
		{
			name: "unknown recipient",
			req:  func(f *fixture) protocol.SendMessage { return protocol.SendMessage{To: uuid.NewString(), Text: "hi"} },
			kind: apperr.KindNotFound,
		},
		{
			name: "mislabelled inline image",
			req: func(f *fixture) protocol.SendMessage {
				return protocol.SendMessage{
					To:    f.bob.String(),
					Image: "data:image/gif;base64," + base64.StdEncoding.EncodeToString(pngHeader),
				}
			},
			kind: apperr.KindValidation,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			h := f.connect(t, f.bob)
			_, err := f.engine.Send(ctx, f.alice, tc.req(f))
			require.Error(t, err)
			assert.Equal(t, tc.kind, apperr.KindOf(err))
			assert.Zero(t, f.store.MessageCount(), "nothing persisted")
			assert.Empty(t, h.Names(), "nothing delivered")
		})
	}

	t.Run("storage failure", func(t *testing.T) {
		f := newFixture(t)
		h := f.connect(t, f.bob)
		f.store.FailNextWrite(errors.New("disk full"))

		_, err := f.engine.Send(ctx, f.alice, protocol.SendMessage{To: f.bob.String(), Text: "hi"})
		require.Error(t, err)
		assert.Equal(t, apperr.KindStorage, apperr.KindOf(err))
		assert.Equal(t, "storage failure", apperr.Message(err))
		assert.Empty(t, h.Names())
	})
}

func TestHistory_Paginates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < PageSize+5; i++ {
		_, err := f.engine.Send(ctx, f.alice, protocol.SendMessage{To: f.bob.String(), Text: "m"})
		require.NoError(t, err)
	}

	first, err := f.engine.History(ctx, f.alice, f.bob, 0)
	require.NoError(t, err)
	assert.Len(t, first.Messages, PageSize)
	assert.True(t, first.More)
	for i := 1; i < len(first.Messages); i++ {
		assert.True(t, first.Messages[i-1].CreatedAt.After(first.Messages[i].CreatedAt), "newest first")
	}

	second, err := f.engine.History(ctx, f.bob, f.alice, 1)
	require.NoError(t, err)
	assert.Len(t, second.Messages, 5)
	assert.False(t, second.More)

	_, err = f.engine.History(ctx, f.alice, uuid.New(), 0)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.engine.Send(ctx, f.alice, protocol.SendMessage{To: f.bob.String(), Text: "oops"})
	require.NoError(t, err)

	outsider := f.store.AddUser("carol")
	err = f.engine.Delete(ctx, outsider, res.Message.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	require.NoError(t, f.engine.Delete(ctx, f.bob, res.Message.ID))
	assert.Zero(t, f.store.MessageCount())

	err = f.engine.Delete(ctx, f.bob, res.Message.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}
