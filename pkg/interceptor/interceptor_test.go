package interceptor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/pothabooks/potha/pkg/remote"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type fakeUpstream struct {
	mu        sync.Mutex
	responses map[string]string
	down      bool
	calls     map[string]int
	methods   []string
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{responses: map[string]string{}, calls: map[string]int{}}
}

func (f *fakeUpstream) set(uri, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[uri] = body
}

func (f *fakeUpstream) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeUpstream) count(uri string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[uri]
}

func (f *fakeUpstream) Forward(_ context.Context, method, uri string, _ http.Header, body []byte) (*remote.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[uri]++
	f.methods = append(f.methods, method)
	if f.down {
		return nil, errors.Wrap(remote.ErrUnreachable, "connection refused")
	}
	if method != http.MethodGet {
		return &remote.Response{Status: http.StatusCreated, Header: http.Header{}, Body: body}, nil
	}
	resp, ok := f.responses[uri]
	if !ok {
		return &remote.Response{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("missing")}, nil
	}
	return &remote.Response{Status: http.StatusOK, Header: http.Header{"Content-Type": {"text/plain"}}, Body: []byte(resp)}, nil
}

type onlineFlag struct{ v atomic.Bool }

func (o *onlineFlag) IsOnline() bool { return o.v.Load() }

func (o *onlineFlag) SetOnline(online bool) { o.v.Store(online) }

type testContext struct {
	storage     *Storage
	upstream    *fakeUpstream
	online      *onlineFlag
	interceptor *Interceptor
	cancel      context.CancelFunc
}

func newTestContext(t *testing.T, generation string, root string) *testContext {
	t.Helper()
	if root == "" {
		root = t.TempDir()
	}
	storage, err := NewStorage(root)
	require.NoError(t, err)

	upstream := newFakeUpstream()
	upstream.set("/", "home")
	upstream.set("/offline", "offline page")
	upstream.set("/manifest.json", "{}")

	online := &onlineFlag{}
	online.v.Store(true)

	i, err := New(storage, upstream, online, Options{Generation: generation})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go i.Run(ctx)
	t.Cleanup(func() {
		cancel()
		i.Close()
	})

	return &testContext{storage: storage, upstream: upstream, online: online, interceptor: i, cancel: cancel}
}

func (tc *testContext) get(target string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	tc.interceptor.ServeHTTP(rec, req)
	return rec
}

func TestNetworkFirst_FallsBackToCache(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, "v1", "")
	tc.upstream.set("/api/books/123", `{"id":"123"}`)

	rec := tc.get("/api/books/123")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sourceNetwork, rec.Header().Get(CacheHeader))

	tc.upstream.setDown(true)
	rec = tc.get("/api/books/123")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sourceHit, rec.Header().Get(CacheHeader))
	assert.Equal(t, `{"id":"123"}`, rec.Body.String())

	rec = tc.get("/api/books/999")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNetworkFirst_TriesNetworkWhenMarkedOffline(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, "v1", "")
	tc.upstream.set("/api/books/7", "fresh")

	tc.online.v.Store(false)
	rec := tc.get("/api/books/7")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sourceNetwork, rec.Header().Get(CacheHeader))
	assert.Equal(t, "fresh", rec.Body.String())
	assert.Equal(t, 1, tc.upstream.count("/api/books/7"))
	assert.True(t, tc.online.IsOnline())
}

func TestNetworkFirst_UnreachableWhileMarkedOfflineUsesCache(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, "v1", "")
	tc.upstream.set("/api/books/1", "fresh")
	tc.get("/api/books/1")

	tc.online.v.Store(false)
	tc.upstream.setDown(true)
	rec := tc.get("/api/books/1")
	assert.Equal(t, sourceHit, rec.Header().Get(CacheHeader))
	assert.Equal(t, "fresh", rec.Body.String())
	assert.False(t, tc.online.IsOnline())
}

func TestNetworkFirst_OfflineNavigationGetsOfflinePage(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, "v1", "")
	require.NoError(t, tc.interceptor.InstallAndActivate(context.Background()))

	tc.upstream.setDown(true)
	rec := tc.get("/books/42", "Accept", "text/html")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sourceOffline, rec.Header().Get(CacheHeader))
	assert.Equal(t, "offline page", rec.Body.String())

	// Non-navigation requests don't get the page.
	rec = tc.get("/books/42", "Accept", "application/json")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNetworkFirst_BuiltInOfflinePage(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, "v1", "")
	tc.upstream.setDown(true)

	rec := tc.get("/library", "Sec-Fetch-Mode", "navigate")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "You're offline")
}

func TestCacheFirst_DoesNotRefetch(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, "v1", "")
	tc.upstream.set("/static/app.js", "console.log(1)")

	rec := tc.get("/static/app.js")
	assert.Equal(t, sourceNetwork, rec.Header().Get(CacheHeader))
	tc.upstream.set("/static/app.js", "console.log(2)")

	rec = tc.get("/static/app.js")
	assert.Equal(t, sourceHit, rec.Header().Get(CacheHeader))
	assert.Equal(t, "console.log(1)", rec.Body.String())
	assert.Equal(t, 1, tc.upstream.count("/static/app.js"))
}

func TestCacheFirst_DoesNotCacheErrors(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, "v1", "")

	rec := tc.get("/static/missing.css")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	tc.get("/static/missing.css")
	assert.Equal(t, 2, tc.upstream.count("/static/missing.css"))
}

func TestStaleWhileRevalidate(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, "v1", "")
	tc.upstream.set("/covers/photo.jpg", "old")

	rec := tc.get("/covers/photo.jpg")
	assert.Equal(t, "old", rec.Body.String())

	tc.upstream.set("/covers/photo.jpg", "new")
	rec = tc.get("/covers/photo.jpg")
	assert.Equal(t, sourceHit, rec.Header().Get(CacheHeader))
	assert.Equal(t, "old", rec.Body.String())

	require.Eventually(t, func() bool {
		return tc.get("/covers/photo.jpg").Body.String() == "new"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPassthrough_NonGetIsNeverCached(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, "v1", "")

	req := httptest.NewRequest(http.MethodPost, "/api/progress", strings.NewReader(`{"book_id":"1"}`))
	rec := httptest.NewRecorder()
	tc.interceptor.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, `{"book_id":"1"}`, rec.Body.String())

	entries, err := tc.storage.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)

	tc.upstream.setDown(true)
	rec = httptest.NewRecorder()
	tc.interceptor.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/progress", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLifecycle_ActivatePurgesOldGenerations(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	old := newTestContext(t, "v1", root)
	require.NoError(t, old.interceptor.InstallAndActivate(context.Background()))
	old.upstream.set("/covers/1.jpg", "cover")
	old.get("/covers/1.jpg")

	next := newTestContext(t, "v2", root)
	phase, active := next.interceptor.Phase()
	assert.Equal(t, PhaseInstalling, phase)
	assert.Equal(t, "v1", active)

	require.NoError(t, next.interceptor.InstallAndActivate(context.Background()))
	phase, active = next.interceptor.Phase()
	assert.Equal(t, PhaseActive, phase)
	assert.Equal(t, "v2", active)

	names, err := next.storage.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"potha-pages-v2"}, names)
}

func TestLifecycle_WaitsForClientsUnlessSkipWaiting(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, "v1", "")
	ctx := context.Background()

	detach := tc.interceptor.Hub().AddListener(func(Message) {})
	require.NoError(t, tc.interceptor.Install(ctx))
	activated, err := tc.interceptor.Activate(ctx)
	require.NoError(t, err)
	assert.False(t, activated)

	phase, _ := tc.interceptor.Phase()
	assert.Equal(t, PhaseWaiting, phase)

	// The last client leaving activates the waiting version.
	detach()
	phase, _ = tc.interceptor.Phase()
	assert.Equal(t, PhaseActive, phase)
}

func TestLifecycle_SkipWaiting(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, "v1", "")
	ctx := context.Background()

	tc.interceptor.Hub().AddListener(func(Message) {})
	require.NoError(t, tc.interceptor.Install(ctx))
	activated, err := tc.interceptor.Activate(ctx)
	require.NoError(t, err)
	require.False(t, activated)

	require.NoError(t, tc.interceptor.Post(ctx, Message{Type: MessageSkipWaiting}))
	phase, _ := tc.interceptor.Phase()
	assert.Equal(t, PhaseActive, phase)
}

func TestLifecycle_InstallFailsOffline(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, "v1", "")
	tc.upstream.setDown(true)

	require.Error(t, tc.interceptor.Install(context.Background()))
	phase, _ := tc.interceptor.Phase()
	assert.Equal(t, PhaseInstalling, phase)

	tc.upstream.setDown(false)
	tc.interceptor.HandleConnectivity(true)
	require.Eventually(t, func() bool {
		phase, _ := tc.interceptor.Phase()
		return phase == PhaseActive
	}, 2*time.Second, 10*time.Millisecond)
}

func htmlContent(t *testing.T, html string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(html)
	require.NoError(t, err)
	return raw
}

func TestMessages_CacheChapterAndClearCache(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, "v1", "")
	ctx := context.Background()

	err := tc.interceptor.Post(ctx, Message{Type: MessageCacheChapter, BookID: "b1", ChapterNumber: 2, Content: htmlContent(t, "<p>පරිච්ඡේදය දෙක</p>")})
	require.NoError(t, err)

	tc.upstream.setDown(true)
	rec := tc.get("/api/books/b1/chapters/2")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "CACHE_CHAPTER")
	var cached remote.Chapter
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cached))
	assert.Equal(t, "b1", cached.BookID)
	assert.Equal(t, 2, cached.ChapterNumber)
	assert.Equal(t, "<p>පරිච්ඡේදය දෙක</p>", cached.Content)
	assert.Equal(t, 2, cached.WordCount)

	require.NoError(t, tc.interceptor.Post(ctx, Message{Type: MessageClearCache}))
	names, err := tc.storage.Names()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestMessages_CacheChapterObjectIsStoredAsIs(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, "v1", "")
	ctx := context.Background()

	chapter := `{"id":"c3","book_id":"b1","chapter_number":3,"title_en":"Three","content":"<p>three</p>"}`
	err := tc.interceptor.Post(ctx, Message{Type: MessageCacheChapter, BookID: "b1", ChapterNumber: 3, Content: json.RawMessage(chapter)})
	require.NoError(t, err)

	tc.upstream.setDown(true)
	rec := tc.get("/api/books/b1/chapters/3")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, chapter, rec.Body.String())
}

func TestMessages_Invalid(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, "v1", "")
	ctx := context.Background()

	require.ErrorIs(t, tc.interceptor.Post(ctx, Message{Type: "BOGUS"}), ErrInvalidMessage)
	require.ErrorIs(t, tc.interceptor.Post(ctx, Message{Type: MessageCacheChapter}), ErrInvalidMessage)
	require.ErrorIs(t, tc.interceptor.Post(ctx, Message{Type: MessageSyncProgress}), ErrInvalidMessage)
	require.ErrorIs(t, tc.interceptor.Post(ctx, Message{Type: MessageCacheChapter, BookID: "b1", ChapterNumber: 1}), ErrInvalidMessage)
	require.ErrorIs(t, tc.interceptor.Post(ctx, Message{Type: MessageCacheChapter, BookID: "b1", ChapterNumber: 1, Content: json.RawMessage(`{"book_id":"b2","chapter_number":1}`)}), ErrInvalidMessage)
}

func TestHandleConnectivity_BroadcastsSyncProgress(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, "v1", "")
	require.NoError(t, tc.interceptor.InstallAndActivate(context.Background()))

	var got []Message
	var mu sync.Mutex
	tc.interceptor.Hub().AddListener(func(m Message) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, m)
	})

	tc.interceptor.HandleConnectivity(false)
	tc.interceptor.HandleConnectivity(true)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Message{{Type: MessageSyncProgress}}, got)
}

func TestHub_DroppingLastSlowClientReportsEmpty(t *testing.T) {
	t.Parallel()
	h := newHub()
	var emptied atomic.Int32
	h.onEmpty = func() { emptied.Add(1) }

	slow := &wsClient{id: "slow", send: make(chan []byte), hub: h}
	h.clients[slow] = true

	h.Broadcast(Message{Type: MessageSyncProgress})
	assert.Equal(t, 0, h.Count())
	assert.Equal(t, int32(1), emptied.Load())

	// The client's own detach afterwards is a no-op.
	h.remove(slow)
	assert.Equal(t, int32(1), emptied.Load())
}

func TestLifecycle_DroppedSlowClientLetsWaitingVersionActivate(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, "v1", "")
	ctx := context.Background()

	hub := tc.interceptor.Hub()
	slow := &wsClient{id: "slow", send: make(chan []byte), hub: hub}
	hub.mu.Lock()
	hub.clients[slow] = true
	hub.mu.Unlock()

	require.NoError(t, tc.interceptor.Install(ctx))
	activated, err := tc.interceptor.Activate(ctx)
	require.NoError(t, err)
	require.False(t, activated)

	tc.interceptor.HandleConnectivity(true)
	phase, _ := tc.interceptor.Phase()
	assert.Equal(t, PhaseActive, phase)
}

func TestHub_WebsocketClient(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, "v1", "")
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		tc.interceptor.Hub().ServeConn(conn)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return tc.interceptor.Hub().Count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	tc.interceptor.HandleConnectivity(true)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageSyncProgress, msg.Type)

	// Messages from the client reach the message loop.
	require.NoError(t, conn.WriteJSON(Message{Type: MessageCacheChapter, BookID: "b9", ChapterNumber: 1, Content: json.RawMessage(`"x"`)}))
	require.Eventually(t, func() bool {
		cache, err := tc.storage.Open(CacheName(CacheKindAPI, "v1"))
		if err != nil {
			return false
		}
		hit, err := cache.Match("/api/books/b9/chapters/1")
		return err == nil && hit != nil
	}, 2*time.Second, 10*time.Millisecond)
}
