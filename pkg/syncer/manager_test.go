package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pothabooks/potha/pkg/connectivity"
	"github.com/pothabooks/potha/pkg/database"
	"github.com/pothabooks/potha/pkg/migrations"
	"github.com/pothabooks/potha/pkg/models"
	"github.com/pothabooks/potha/pkg/offline"
	"github.com/pothabooks/potha/pkg/remote"
	"github.com/pothabooks/potha/pkg/remote/remotetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

type testContext struct {
	ctx      context.Context
	db       *bun.DB
	store    *offline.Store
	platform *remotetest.Platform
	conn     *connectivity.Observer
	manager  *Manager

	clockMu sync.Mutex
	clock   time.Time
}

func newTestContext(t *testing.T, online bool, opts Options) *testContext {
	t.Helper()
	ctx := context.Background()

	db, err := database.NewForTest()
	require.NoError(t, err)
	_, err = migrations.BringUpToDate(ctx, db)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := offline.NewStore(db, offline.Options{})
	require.NoError(t, store.Init(ctx))

	platform := remotetest.New(t)
	client := remote.New(remote.Options{BaseURL: platform.URL(), Timeout: 2 * time.Second})
	conn := connectivity.New(online, connectivity.Options{})

	tc := &testContext{
		ctx:      ctx,
		db:       db,
		store:    store,
		platform: platform,
		conn:     conn,
		clock:    time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC),
	}
	tc.manager = NewManager(store, client, conn, opts)
	tc.manager.now = tc.now
	require.NoError(t, tc.manager.Init(ctx))
	t.Cleanup(tc.manager.Stop)
	return tc
}

func (tc *testContext) now() time.Time {
	tc.clockMu.Lock()
	defer tc.clockMu.Unlock()
	return tc.clock
}

func (tc *testContext) advance(d time.Duration) {
	tc.clockMu.Lock()
	defer tc.clockMu.Unlock()
	tc.clock = tc.clock.Add(d)
}

func (tc *testContext) enqueue(t *testing.T, chapterID string, number int, completed ...int) {
	t.Helper()
	require.NoError(t, tc.store.EnqueueProgress(tc.ctx, &models.PendingProgressUpdate{
		BookID:            "book-1",
		ChapterID:         chapterID,
		ChapterNumber:     number,
		CompletedChapters: models.NewChapterSet(completed...),
		ClientUpdatedAt:   tc.now(),
	}))
}

func uploadedChapters(uploads []remote.ProgressUpload) []string {
	ids := make([]string, 0, len(uploads))
	for _, u := range uploads {
		ids = append(ids, u.ChapterID)
	}
	return ids
}

func TestSync_OfflineMakesNoRequests(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, false, Options{})

	_, err := tc.manager.RecordProgress(tc.ctx, ProgressInput{BookID: "book-1", ChapterID: "c1", ChapterNumber: 1})
	require.NoError(t, err)

	err = tc.manager.Sync(tc.ctx)
	require.ErrorIs(t, err, ErrOffline)
	assert.Equal(t, 0, tc.platform.TotalCalls())

	state := tc.manager.State()
	assert.Equal(t, StatusOffline, state.Status)
	assert.Equal(t, 1, state.PendingCount)
}

func TestSync_StopsAtFailedItemAndKeepsOrder(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, true, Options{BackoffBase: time.Second})

	tc.enqueue(t, "A", 1)
	tc.enqueue(t, "B", 2)
	tc.enqueue(t, "C", 3)
	tc.platform.RejectProgress("B", "chapter_id is not in this book")

	err := tc.manager.Sync(tc.ctx)
	require.ErrorIs(t, err, remote.ErrRejected)
	assert.Equal(t, []string{"A"}, uploadedChapters(tc.platform.Uploads()))

	state := tc.manager.State()
	assert.Equal(t, StatusError, state.Status)
	require.NotNil(t, state.Error)
	assert.Equal(t, ErrorKindRejected, state.Error.Kind)
	assert.Equal(t, 2, state.PendingCount)

	pending, err := tc.store.ListPendingProgress(tc.ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "B", pending[0].ChapterID)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "C", pending[1].ChapterID)

	// B is backing off, so nothing is sent yet.
	tc.platform.RejectProgress("B", "")
	err = tc.manager.Sync(tc.ctx)
	require.ErrorIs(t, err, ErrBackingOff)
	assert.Len(t, tc.platform.Uploads(), 1)

	tc.advance(time.Second)
	require.NoError(t, tc.manager.Sync(tc.ctx))
	assert.Equal(t, []string{"A", "B", "C"}, uploadedChapters(tc.platform.Uploads()))

	state = tc.manager.State()
	assert.Equal(t, StatusIdle, state.Status)
	assert.Nil(t, state.Error)
	assert.Equal(t, 0, state.PendingCount)
	require.NotNil(t, state.LastSyncedAt)
}

func TestSync_CorruptUpdateDoesNotBlockQueue(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, true, Options{})

	tc.enqueue(t, "A", 1)
	tc.enqueue(t, "B", 2)
	tc.enqueue(t, "C", 3)
	_, err := tc.db.NewUpdate().
		Model((*models.PendingProgressUpdate)(nil)).
		Set("completed_chapters = ?", "[1,").
		Where("chapter_id = ?", "B").
		Exec(tc.ctx)
	require.NoError(t, err)

	require.NoError(t, tc.manager.Sync(tc.ctx))
	assert.Equal(t, []string{"A", "C"}, uploadedChapters(tc.platform.Uploads()))

	state := tc.manager.State()
	assert.Equal(t, StatusIdle, state.Status)
	assert.Equal(t, 0, state.PendingCount)
	assert.Equal(t, 1, state.DeadLetterCount)

	// Later passes stay clean.
	require.NoError(t, tc.manager.Sync(tc.ctx))
	assert.Len(t, tc.platform.Uploads(), 2)
}

func TestSync_CompletedChaptersAreUnioned(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, true, Options{})
	tc.platform.SetStoredProgress(&remote.Progress{BookID: "book-1", CurrentChapter: 4, CompletedChapters: []int{2, 3, 4}})

	tc.enqueue(t, "c3", 3, 1, 2, 3)
	require.NoError(t, tc.manager.Sync(tc.ctx))

	assert.Equal(t, []int{1, 2, 3, 4}, tc.platform.StoredProgress("book-1").CompletedChapters)

	local, err := tc.store.GetLocalProgress(tc.ctx, "book-1")
	require.NoError(t, err)
	assert.Equal(t, models.ChapterSet{1, 2, 3, 4}, local.CompletedChapters)
	require.NotNil(t, local.LastSyncedAt)
}

func TestSync_DeadLettersRepeatedlyRejectedUpdate(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, true, Options{MaxAttempts: 2, BackoffBase: time.Second})

	tc.enqueue(t, "bad", 1)
	tc.enqueue(t, "good", 2)
	tc.platform.RejectProgress("bad", "invalid scroll position")

	require.ErrorIs(t, tc.manager.Sync(tc.ctx), remote.ErrRejected)

	tc.advance(time.Second)
	require.NoError(t, tc.manager.Sync(tc.ctx))
	assert.Equal(t, []string{"good"}, uploadedChapters(tc.platform.Uploads()))

	state := tc.manager.State()
	assert.Equal(t, StatusIdle, state.Status)
	assert.Equal(t, 0, state.PendingCount)
	assert.Equal(t, 1, state.DeadLetterCount)

	dead, err := tc.manager.ListDeadLetters(tc.ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "bad", dead[0].ChapterID)
	assert.Equal(t, 2, dead[0].Attempts)
}

func TestSync_NetworkFailureDoesNotCountAttempts(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, true, Options{})
	tc.enqueue(t, "A", 1)
	tc.platform.SetDown(true)

	err := tc.manager.Sync(tc.ctx)
	require.ErrorIs(t, err, remote.ErrUnavailable)

	state := tc.manager.State()
	assert.Equal(t, StatusError, state.Status)
	require.NotNil(t, state.Error)
	assert.Equal(t, ErrorKindNetwork, state.Error.Kind)

	pending, err := tc.store.ListPendingProgress(tc.ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].Attempts)

	tc.platform.SetDown(false)
	require.NoError(t, tc.manager.Sync(tc.ctx))
	assert.Equal(t, StatusIdle, tc.manager.State().Status)
}

func TestSync_PassTimeoutEndsSyncing(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, true, Options{PassTimeout: 50 * time.Millisecond})
	tc.enqueue(t, "A", 1)
	tc.platform.SetDelay(time.Second)

	require.Error(t, tc.manager.Sync(tc.ctx))
	state := tc.manager.State()
	assert.Equal(t, StatusError, state.Status)
	assert.Equal(t, ErrorKindNetwork, state.Error.Kind)
	assert.Equal(t, 1, state.PendingCount)
}

func TestSync_ConcurrentCallsShareOnePass(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, true, Options{})
	tc.enqueue(t, "A", 1)
	tc.platform.SetDelay(50 * time.Millisecond)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = tc.manager.Sync(tc.ctx)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, tc.platform.Calls("/api/progress"))
}

func TestRecordProgress_AppliesOptimistically(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, false, Options{MaxAttempts: 1})

	view, err := tc.manager.RecordProgress(tc.ctx, ProgressInput{
		BookID: "book-1", ChapterID: "c2", ChapterNumber: 2, ScrollPosition: 0.4,
		IsChapterComplete: true, CompletedChapters: []int{1},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, view.CurrentChapter)
	assert.Equal(t, models.ChapterSet{1, 2}, view.CompletedChapters)

	current, err := tc.manager.Progress(tc.ctx, "book-1")
	require.NoError(t, err)
	assert.Equal(t, 2, current.CurrentChapter)

	pending, err := tc.store.ListPendingProgress(tc.ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.ChapterSet{1, 2}, pending[0].CompletedChapters)

	// The next report carries everything completed so far.
	_, err = tc.manager.RecordProgress(tc.ctx, ProgressInput{BookID: "book-1", ChapterID: "c3", ChapterNumber: 3, ScrollPosition: 0.1})
	require.NoError(t, err)
	pending, err = tc.store.ListPendingProgress(tc.ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, models.ChapterSet{1, 2}, pending[1].CompletedChapters)
}

func TestRecordProgress_EveryUpdateSettlesWhilePassesRun(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, true, Options{Interval: time.Millisecond})
	tc.manager.StartAutoSync(tc.ctx)

	for n := 1; n <= 20; n++ {
		tc.advance(time.Second)
		_, err := tc.manager.RecordProgress(tc.ctx, ProgressInput{BookID: "book-1", ChapterID: "c", ChapterNumber: n, IsChapterComplete: true})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return tc.manager.State().PendingCount == 0
		}, 2*time.Second, 5*time.Millisecond)

		tc.manager.mu.Lock()
		view := tc.manager.views["book-1"]
		tc.manager.mu.Unlock()
		require.Eventually(t, func() bool {
			return view.Pending() == 0
		}, time.Second, 5*time.Millisecond, "update %d was never confirmed", n)
	}
}

func TestRecordProgress_RollsBackDeadLetteredUpdate(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, false, Options{MaxAttempts: 1})
	tc.platform.RejectProgress("c9", "chapter is locked")

	_, err := tc.manager.RecordProgress(tc.ctx, ProgressInput{BookID: "book-1", ChapterID: "c9", ChapterNumber: 9})
	require.NoError(t, err)

	tc.conn.SetOnline(true)
	require.NoError(t, tc.manager.Sync(tc.ctx))

	current, err := tc.manager.Progress(tc.ctx, "book-1")
	require.NoError(t, err)
	assert.Equal(t, 0, current.CurrentChapter)
	assert.Equal(t, 1, tc.manager.State().DeadLetterCount)
}

func TestSubscribe_OfflineToSyncingToIdle(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, false, Options{})
	tc.platform.SetDelay(100 * time.Millisecond)

	var mu sync.Mutex
	var statuses []Status
	unsubscribe := tc.manager.Subscribe(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		if len(statuses) == 0 || statuses[len(statuses)-1] != s.Status {
			statuses = append(statuses, s.Status)
		}
	})
	defer unsubscribe()

	_, err := tc.manager.RecordProgress(tc.ctx, ProgressInput{BookID: "book-1", ChapterID: "c1", ChapterNumber: 1, IsChapterComplete: true})
	require.NoError(t, err)

	tc.conn.SetOnline(true)

	require.Eventually(t, func() bool {
		s := tc.manager.State()
		return s.Status == StatusIdle && s.PendingCount == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) > 0 && statuses[len(statuses)-1] == StatusIdle
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []Status{StatusOffline, StatusSyncing, StatusIdle}, statuses)
	mu.Unlock()

	local, err := tc.store.GetLocalProgress(tc.ctx, "book-1")
	require.NoError(t, err)
	assert.Equal(t, models.ChapterSet{1}, local.CompletedChapters)
}

func TestSubscribe_SlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, true, Options{})

	release := make(chan struct{})
	unsubscribe := tc.manager.Subscribe(func(State) { <-release })
	defer func() {
		close(release)
		unsubscribe()
	}()

	var got []Status
	var mu sync.Mutex
	tc.manager.Subscribe(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, s.Status)
	})

	for i := 0; i < 5; i++ {
		tc.enqueue(t, "c", i+1)
		require.NoError(t, tc.manager.Sync(tc.ctx))
	}
	assert.Equal(t, StatusIdle, tc.manager.State().Status)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1] == StatusIdle
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartAutoSync_IsIdempotent(t *testing.T) {
	t.Parallel()
	tc := newTestContext(t, true, Options{Interval: 20 * time.Millisecond})

	tc.manager.StartAutoSync(tc.ctx)
	tc.manager.mu.Lock()
	first := tc.manager.autoDone
	tc.manager.mu.Unlock()

	tc.manager.StartAutoSync(tc.ctx)
	tc.manager.mu.Lock()
	second := tc.manager.autoDone
	tc.manager.mu.Unlock()
	assert.Equal(t, first, second)

	tc.enqueue(t, "A", 1)
	require.Eventually(t, func() bool {
		return len(tc.platform.Uploads()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	tc.manager.Stop()
	tc.manager.mu.Lock()
	assert.Nil(t, tc.manager.autoCancel)
	tc.manager.mu.Unlock()
}

func TestBackoff(t *testing.T) {
	t.Parallel()
	m := &Manager{opts: Options{BackoffBase: time.Second, BackoffMax: 10 * time.Second}}

	assert.Equal(t, time.Second, m.backoff(1))
	assert.Equal(t, 2*time.Second, m.backoff(2))
	assert.Equal(t, 8*time.Second, m.backoff(4))
	assert.Equal(t, 10*time.Second, m.backoff(5))
	assert.Equal(t, 10*time.Second, m.backoff(30))
}
