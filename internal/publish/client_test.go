package publish

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/postwatch/internal/model"
)

type fakeAPI struct {
	mu       sync.Mutex
	uploads  int
	tweets   []map[string]any
	failWith int
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/2/media/upload", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failWith != 0 {
			w.WriteHeader(f.failWith)
			return
		}
		if r.Header.Get("Authorization") != "Bearer token123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.uploads++
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"id": "media-1"}})
	})
	mux.HandleFunc("/2/tweets", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failWith != 0 {
			w.WriteHeader(f.failWith)
			return
		}
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		f.tweets = append(f.tweets, payload)
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"id": "tweet-9"}})
	})
	return mux
}

func TestClient_PublishTextOnly(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	client := NewClient(srv.URL, "token123")
	ref, err := client.Publish(context.Background(), &model.Post{Text: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, "tweet-9", ref)

	require.Len(t, api.tweets, 1)
	assert.Equal(t, "Hello", api.tweets[0]["text"])
	assert.NotContains(t, api.tweets[0], "media")
	assert.Equal(t, 0, api.uploads)
}

func TestClient_PublishWithImages(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	dir := t.TempDir()
	img := filepath.Join(dir, "pic.png")
	require.NoError(t, os.WriteFile(img, []byte("png-bytes"), 0644))

	client := NewClient(srv.URL, "token123")
	ref, err := client.Publish(context.Background(), &model.Post{Text: "Hi", Images: []string{img}})
	require.NoError(t, err)
	assert.Equal(t, "tweet-9", ref)
	assert.Equal(t, 1, api.uploads)

	require.Len(t, api.tweets, 1)
	media := api.tweets[0]["media"].(map[string]any)
	assert.Equal(t, []any{"media-1"}, media["media_ids"])
}

func TestClient_APIErrorSurfaces(t *testing.T) {
	api := &fakeAPI{failWith: http.StatusTooManyRequests}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	client := NewClient(srv.URL, "token123")
	_, err := client.Publish(context.Background(), &model.Post{Text: "Hello"})
	require.Error(t, err)
}

func TestClient_EmptyPostRejected(t *testing.T) {
	client := NewClient("http://unused.invalid", "token123")
	_, err := client.Publish(context.Background(), &model.Post{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "text or media")
}

func TestClient_UnsupportedMediaType(t *testing.T) {
	dir := t.TempDir()
	gif := filepath.Join(dir, "anim.gif")
	require.NoError(t, os.WriteFile(gif, []byte("gif"), 0644))

	client := NewClient("http://unused.invalid", "token123")
	_, err := client.Publish(context.Background(), &model.Post{Text: "x", Images: []string{gif}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported media type")
}

func TestClient_CanceledContext(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient(srv.URL, "token123")
	_, err := client.Publish(ctx, &model.Post{Text: "Hello"})
	require.Error(t, err)
}
