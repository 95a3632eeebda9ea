package media

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pngHeader is enough of a PNG for content sniffing.
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

func TestParseDataURI(t *testing.T) {
	t.Run("png", func(t *testing.T) {
		mt, data, err := ParseDataURI("data:image/png;base64," + base64.StdEncoding.EncodeToString(pngHeader))
		require.NoError(t, err)
		assert.Equal(t, "image/png", mt)
		assert.Equal(t, pngHeader, data)
	})

	t.Run("declared type mismatch", func(t *testing.T) {
		_, _, err := ParseDataURI("data:image/gif;base64," + base64.StdEncoding.EncodeToString(pngHeader))
		assert.ErrorIs(t, err, ErrMismatch)
	})

	t.Run("not an image uri", func(t *testing.T) {
		_, _, err := ParseDataURI("data:text/plain;base64,aGVsbG8=")
		assert.ErrorIs(t, err, ErrUnsupported)
	})

	t.Run("bad base64", func(t *testing.T) {
		_, _, err := ParseDataURI("data:image/png;base64,***")
		assert.Error(t, err)
	})
}

func TestTypeFromURL(t *testing.T) {
	cases := map[string]string{
		"https://cdn.example.com/a.JPG":          "image/jpeg",
		"https://cdn.example.com/a.jpeg?x=1":     "image/jpeg",
		"http://cdn.example.com/a.png":           "image/png",
		"https://cdn.example.com/a.gif#frag":     "image/gif",
		"https://cdn.example.com/download":       "application/octet-stream",
		"https://cdn.example.com/archive.tar.gz": "application/octet-stream",
	}
	for url, want := range cases {
		assert.Equal(t, want, TypeFromURL(url), url)
	}
}

func TestLocalStore_Save(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(filepath.Join(dir, "chats"), "/chats")
	require.NoError(t, err)

	owner, peer := uuid.New(), uuid.New()
	ref, err := store.Save(context.Background(), owner, peer, "image/png", pngHeader)
	require.NoError(t, err)

	assert.Equal(t, "image/png", ref.Type)
	assert.True(t, strings.HasPrefix(ref.Path, "/chats/"+owner.String()+"_"+peer.String()+"_"))
	assert.True(t, strings.HasSuffix(ref.Path, ".png"))

	written, err := os.ReadFile(filepath.Join(dir, "chats", strings.TrimPrefix(ref.Path, "/chats/")))
	require.NoError(t, err)
	assert.Equal(t, pngHeader, written)
}
