package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalix/realtime/internal/repo"
)

type localPresence map[uuid.UUID]bool

func (p localPresence) IsOnline(id uuid.UUID) bool { return p[id] }

type remotePresence struct {
	online map[uuid.UUID]bool
	err    error
}

func (p remotePresence) Status(_ context.Context, id uuid.UUID) (bool, error) {
	return p.online[id], p.err
}

func presenceOf(t *testing.T, h *UserHandler, id uuid.UUID) map[string]any {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/users/{userID}/presence", h.HandlePresence)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/"+id.String()+"/presence", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHandlePresence(t *testing.T) {
	store := repo.NewMemoryStore()
	local, remote, offline := store.AddUser("local"), store.AddUser("remote"), store.AddUser("offline")

	h := NewUserHandler(store.Users(), localPresence{local: true}).
		WithRemote(remotePresence{online: map[uuid.UUID]bool{remote: true}})

	assert.Equal(t, true, presenceOf(t, h, local)["online"])
	assert.Equal(t, true, presenceOf(t, h, remote)["online"])
	assert.Equal(t, false, presenceOf(t, h, offline)["online"])

	t.Run("remote failure reads as offline", func(t *testing.T) {
		h := NewUserHandler(store.Users(), localPresence{}).
			WithRemote(remotePresence{err: errors.New("redis down")})
		assert.Equal(t, false, presenceOf(t, h, remote)["online"])
	})

	t.Run("bad id", func(t *testing.T) {
		r := chi.NewRouter()
		r.Get("/users/{userID}/presence", h.HandlePresence)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/nope/presence", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
