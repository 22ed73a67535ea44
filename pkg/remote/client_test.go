package remote_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pothabooks/potha/pkg/remote"
	"github.com/pothabooks/potha/pkg/remote/remotetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(baseURL string) *remote.Client {
	return remote.New(remote.Options{
		BaseURL:      baseURL,
		SessionToken: "session-token",
		Timeout:      2 * time.Second,
	})
}

func TestFetchChapter(t *testing.T) {
	t.Parallel()
	platform := remotetest.New(t)
	platform.AddBook("book-1", 3)
	platform.Deny("book-1", 3)
	client := newClient(platform.URL())
	ctx := context.Background()

	chapter, err := client.FetchChapter(ctx, "book-1", 2)
	require.NoError(t, err)
	assert.Equal(t, "book-1-ch-2", chapter.ID)
	assert.Equal(t, 2, chapter.ChapterNumber)
	assert.Equal(t, "Chapter 2", chapter.TitleEn)

	_, err = client.FetchChapter(ctx, "book-1", 3)
	require.ErrorIs(t, err, remote.ErrAccessDenied)
	assert.Contains(t, err.Error(), "purchase required")
	assert.False(t, remote.IsTransient(err))

	_, err = client.FetchChapter(ctx, "book-1", 9)
	require.ErrorIs(t, err, remote.ErrNotFound)
}

func TestClassifiesFailures(t *testing.T) {
	t.Parallel()
	platform := remotetest.New(t)
	client := newClient(platform.URL())
	ctx := context.Background()

	platform.SetDown(true)
	err := client.Ping(ctx)
	require.ErrorIs(t, err, remote.ErrUnavailable)
	assert.True(t, remote.IsTransient(err))

	platform.SetDown(false)
	require.NoError(t, client.Ping(ctx))

	dead := newClient("http://127.0.0.1:1")
	err = dead.Ping(ctx)
	require.ErrorIs(t, err, remote.ErrUnreachable)
	assert.True(t, remote.IsTransient(err))
}

func TestPostProgress_MergesCompletedChapters(t *testing.T) {
	t.Parallel()
	platform := remotetest.New(t)
	client := newClient(platform.URL())
	ctx := context.Background()

	_, err := client.PostProgress(ctx, remote.ProgressUpload{
		BookID: "book-1", ChapterID: "c3", ChapterNumber: 3, CompletedChapters: []int{1, 2, 3},
	})
	require.NoError(t, err)

	merged, err := client.PostProgress(ctx, remote.ProgressUpload{
		BookID: "book-1", ChapterID: "c4", ChapterNumber: 4, ScrollPosition: 0.5, CompletedChapters: []int{2, 3, 4},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, merged.CompletedChapters)
	assert.Equal(t, 4, merged.CurrentChapter)

	platform.RejectProgress("bad", "scroll_position out of range")
	_, err = client.PostProgress(ctx, remote.ProgressUpload{BookID: "book-1", ChapterID: "bad"})
	require.ErrorIs(t, err, remote.ErrRejected)
	assert.Contains(t, err.Error(), "scroll_position out of range")
}

func TestGetProgress(t *testing.T) {
	t.Parallel()
	platform := remotetest.New(t)
	client := newClient(platform.URL())
	ctx := context.Background()

	progress, err := client.GetProgress(ctx, "book-1")
	require.NoError(t, err)
	assert.Nil(t, progress)

	platform.SetStoredProgress(&remote.Progress{BookID: "book-1", CurrentChapter: 7, CompletedChapters: []int{5, 6}})
	progress, err = client.GetProgress(ctx, "book-1")
	require.NoError(t, err)
	require.NotNil(t, progress)
	assert.Equal(t, 7, progress.CurrentChapter)
	assert.Equal(t, []int{5, 6}, progress.CompletedChapters)
}

func TestSendsSessionToken(t *testing.T) {
	t.Parallel()
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, newClient(srv.URL).Ping(context.Background()))
	assert.Equal(t, "Bearer session-token", auth)
}

func TestFetchCover_ResolvesRelativeURL(t *testing.T) {
	t.Parallel()
	platform := remotetest.New(t)
	platform.SetCover("book-1", []byte("\x89PNG\r\n\x1a\nrest"))
	client := newClient(platform.URL())

	data, err := client.FetchCover(context.Background(), "/covers/book-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG\r\n\x1a\nrest"), data)

	_, err = client.FetchCover(context.Background(), platform.URL()+"/covers/missing")
	require.ErrorIs(t, err, remote.ErrNotFound)
}
