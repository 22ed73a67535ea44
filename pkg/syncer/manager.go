// Package syncer drains the progress outbox to the remote platform and
// merges the platform's answers into the local progress mirror.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/pothabooks/potha/pkg/connectivity"
	"github.com/pothabooks/potha/pkg/models"
	"github.com/pothabooks/potha/pkg/offline"
	"github.com/pothabooks/potha/pkg/optimistic"
	"github.com/pothabooks/potha/pkg/remote"
	"github.com/robinjoseph08/golib/logger"
)

var (
	// ErrOffline is returned by Sync when the platform is unreachable. No
	// request was made.
	ErrOffline = errors.New("offline, sync skipped")
	// ErrBackingOff is returned when the head of the queue is waiting out a
	// retry delay.
	ErrBackingOff = errors.New("next progress update is waiting to retry")
)

// Uploader is the progress side of the remote platform.
type Uploader interface {
	PostProgress(ctx context.Context, upload remote.ProgressUpload) (*remote.Progress, error)
}

type Options struct {
	Interval    time.Duration
	PassTimeout time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// MaxAttempts is how many times the platform may reject an update
	// before it's dead-lettered.
	MaxAttempts int
}

func (o *Options) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.PassTimeout <= 0 {
		o.PassTimeout = time.Minute
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
}

// ProgressInput is one reading position report from the reader.
type ProgressInput struct {
	BookID            string  `json:"book_id" validate:"bookid"`
	ChapterID         string  `json:"chapter_id" validate:"required"`
	ChapterNumber     int     `json:"chapter_number" validate:"min=1"`
	ScrollPosition    float64 `json:"scroll_position" validate:"min=0"`
	IsChapterComplete bool    `json:"is_chapter_complete"`
	CompletedChapters []int   `json:"completed_chapters"`
}

type pass struct {
	done chan struct{}
	err  error
}

type Manager struct {
	store  *offline.Store
	client Uploader
	conn   *connectivity.Observer
	opts   Options
	now    func() time.Time

	mu      sync.Mutex
	state   State
	subs    map[int]*subscriber
	nextSub int
	views   map[string]*optimistic.Value[models.ReadingProgress]
	tokens  map[int64]optimistic.Token
	running *pass

	// enqueueMu is held from enqueueing an update until its token is in
	// tokens, so a pass never settles a row it can't pair with its write.
	enqueueMu sync.Mutex

	autoCancel context.CancelFunc
	autoDone   chan struct{}
	triggers   chan struct{}

	unsubConn func()
	wg        sync.WaitGroup
}

func NewManager(store *offline.Store, client Uploader, conn *connectivity.Observer, opts Options) *Manager {
	opts.setDefaults()
	m := &Manager{
		store:    store,
		client:   client,
		conn:     conn,
		opts:     opts,
		now:      time.Now,
		state:    State{Status: StatusIdle},
		subs:     map[int]*subscriber{},
		views:    map[string]*optimistic.Value[models.ReadingProgress]{},
		tokens:   map[int64]optimistic.Token{},
		triggers: make(chan struct{}, 1),
	}
	if !conn.IsOnline() {
		m.state.Status = StatusOffline
	}
	m.unsubConn = conn.Subscribe(m.onConnectivity)
	return m
}

// Init loads the queue counts into the state.
func (m *Manager) Init(ctx context.Context) error {
	return m.refreshCounts(ctx)
}

// State returns the current sync state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers fn for every state change and immediately delivers
// the current state. It returns a function that removes fn.
func (m *Manager) Subscribe(fn func(State)) func() {
	sub := newSubscriber(fn)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = sub
	sub.deliver(m.state)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		sub.stop()
	}
}

// update applies fn to the state and broadcasts the result. Offline
// overrides whatever status fn set.
func (m *Manager) update(fn func(s *State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.state)
	if !m.conn.IsOnline() {
		m.state.Status = StatusOffline
	}
	for _, sub := range m.subs {
		sub.deliver(m.state)
	}
}

// onConnectivity broadcasts going offline. Coming back online leaves the
// offline status in place for the triggered pass to replace.
func (m *Manager) onConnectivity(online bool) {
	if !online {
		m.update(func(*State) {})
		return
	}
	m.Trigger()
}

func (m *Manager) refreshCounts(ctx context.Context) error {
	pending, err := m.store.CountPending(ctx)
	if err != nil {
		return err
	}
	dead, err := m.store.CountDeadLetters(ctx)
	if err != nil {
		return err
	}
	m.update(func(s *State) {
		s.PendingCount = pending
		s.DeadLetterCount = dead
	})
	return nil
}

func (m *Manager) view(ctx context.Context, bookID string) (*optimistic.Value[models.ReadingProgress], error) {
	m.mu.Lock()
	v, ok := m.views[bookID]
	m.mu.Unlock()
	if ok {
		return v, nil
	}

	confirmed := models.ReadingProgress{BookID: bookID, CompletedChapters: models.ChapterSet{}}
	stored, err := m.store.GetLocalProgress(ctx, bookID)
	if err != nil && !errors.Is(err, offline.ErrNotFound) {
		return nil, err
	}
	if stored != nil {
		confirmed = *stored
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.views[bookID]; ok {
		return v, nil
	}
	v = optimistic.New(confirmed)
	m.views[bookID] = v
	return v, nil
}

// Progress returns the reader's view of a book's progress, including
// updates that haven't reached the platform yet.
func (m *Manager) Progress(ctx context.Context, bookID string) (models.ReadingProgress, error) {
	v, err := m.view(ctx, bookID)
	if err != nil {
		return models.ReadingProgress{}, err
	}
	return v.Current(), nil
}

// RecordProgress queues a progress report and shows it right away. The
// queued update carries every chapter completed so far, so the platform's
// union merge makes re-sends harmless.
func (m *Manager) RecordProgress(ctx context.Context, in ProgressInput) (models.ReadingProgress, error) {
	v, err := m.view(ctx, in.BookID)
	if err != nil {
		return models.ReadingProgress{}, err
	}
	current := v.Current()

	completed := current.CompletedChapters.Union(models.NewChapterSet(in.CompletedChapters...))
	if in.IsChapterComplete {
		completed = completed.Add(in.ChapterNumber)
	}
	now := m.now()

	update := &models.PendingProgressUpdate{
		BookID:            in.BookID,
		ChapterID:         in.ChapterID,
		ChapterNumber:     in.ChapterNumber,
		ScrollPosition:    in.ScrollPosition,
		IsChapterComplete: in.IsChapterComplete,
		CompletedChapters: completed,
		ClientUpdatedAt:   now,
	}
	m.enqueueMu.Lock()
	if err := m.store.EnqueueProgress(ctx, update); err != nil {
		m.enqueueMu.Unlock()
		return models.ReadingProgress{}, err
	}

	tentative := current
	tentative.CurrentChapter = in.ChapterNumber
	tentative.ChapterID = in.ChapterID
	tentative.ScrollPosition = in.ScrollPosition
	tentative.CompletedChapters = completed
	tentative.ClientUpdatedAt = &now
	tentative.LastReadAt = &now
	token := v.Apply(tentative)

	m.mu.Lock()
	m.tokens[update.ID] = token
	m.mu.Unlock()
	m.enqueueMu.Unlock()

	if err := m.refreshCounts(ctx); err != nil {
		logger.FromContext(ctx).Err(err).Warn("failed to count pending progress")
	}
	if m.conn.IsOnline() {
		m.Trigger()
	}
	return tentative, nil
}

// Trigger asks for a sync without waiting for it. With auto sync running
// the request is coalesced into the loop.
func (m *Manager) Trigger() {
	m.mu.Lock()
	auto := m.autoCancel != nil
	m.mu.Unlock()

	if auto {
		select {
		case m.triggers <- struct{}{}:
		default:
		}
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.Sync(context.Background()); err != nil && !errors.Is(err, ErrOffline) {
			logger.New().Err(err).Warn("triggered sync failed")
		}
	}()
}

// Sync runs one pass over the outbox. A call made while a pass is running
// waits for that pass and returns its result.
func (m *Manager) Sync(ctx context.Context) error {
	m.mu.Lock()
	if p := m.running; p != nil {
		m.mu.Unlock()
		select {
		case <-p.done:
			return p.err
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		}
	}
	p := &pass{done: make(chan struct{})}
	m.running = p
	m.mu.Unlock()

	p.err = m.runPass(ctx)

	m.mu.Lock()
	m.running = nil
	m.mu.Unlock()
	close(p.done)
	return p.err
}

func (m *Manager) runPass(ctx context.Context) error {
	log := logger.FromContext(ctx)

	if !m.conn.IsOnline() {
		m.update(func(s *State) { s.Status = StatusOffline })
		if err := m.refreshCounts(ctx); err != nil {
			log.Err(err).Warn("failed to count pending progress")
		}
		return ErrOffline
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.PassTimeout)
	defer cancel()

	m.update(func(s *State) { s.Status = StatusSyncing })
	defer func() {
		if err := m.refreshCounts(context.WithoutCancel(ctx)); err != nil {
			log.Err(err).Warn("failed to count pending progress")
		}
	}()

	items, err := m.store.ListPendingProgress(ctx)
	if err != nil {
		m.fail(ErrorKindStorageFailure, err)
		return err
	}

	synced := 0
	for _, item := range items {
		if item.NextAttemptAt != nil && m.now().Before(*item.NextAttemptAt) {
			kind := ErrorKindRejected
			msg := "waiting to retry"
			if item.LastErrorKind != nil && *item.LastErrorKind == models.ProgressErrorKindNetwork {
				kind = ErrorKindNetwork
			}
			if item.LastError != nil {
				msg = *item.LastError
			}
			m.update(func(s *State) {
				s.Status = StatusError
				s.Error = &StateError{Kind: kind, Message: msg}
			})
			return errors.Wrapf(ErrBackingOff, "update %d until %s", item.ID, item.NextAttemptAt.Format(time.RFC3339))
		}

		if err := m.upload(ctx, item); err != nil {
			if errors.Is(err, errDeadLettered) {
				continue
			}
			return err
		}
		synced++
	}

	now := m.now()
	m.update(func(s *State) {
		s.Status = StatusIdle
		s.LastSyncedAt = &now
		s.Error = nil
	})
	if _, err := m.store.PruneSynced(ctx); err != nil {
		log.Err(err).Warn("failed to prune synced progress")
	}
	if synced > 0 {
		log.Info("progress synced", logger.Data{"count": synced})
	}
	return nil
}

var errDeadLettered = errors.New("update dead-lettered")

// upload sends one update. On failure the update stays queued, except that
// an update rejected MaxAttempts times is dead-lettered and errDeadLettered
// is returned so the pass can move on.
func (m *Manager) upload(ctx context.Context, item *models.PendingProgressUpdate) error {
	log := logger.FromContext(ctx).Data(logger.Data{"update_id": item.ID, "book_id": item.BookID})

	merged, err := m.client.PostProgress(ctx, remote.ProgressUpload{
		BookID:            item.BookID,
		ChapterID:         item.ChapterID,
		ChapterNumber:     item.ChapterNumber,
		ScrollPosition:    item.ScrollPosition,
		IsChapterComplete: item.IsChapterComplete,
		CompletedChapters: item.CompletedChapters,
		ClientUpdatedAt:   item.ClientUpdatedAt,
	})
	if err != nil {
		return m.uploadFailed(ctx, item, err)
	}

	if err := m.store.MarkProgressSynced(ctx, item.ID); err != nil {
		m.fail(ErrorKindStorageFailure, err)
		return err
	}

	now := m.now()
	clientUpdatedAt := item.ClientUpdatedAt
	local, err := m.store.MergeLocalProgress(ctx, &models.ReadingProgress{
		BookID:            item.BookID,
		CurrentChapter:    merged.CurrentChapter,
		ChapterID:         merged.ChapterID,
		ScrollPosition:    merged.ScrollPosition,
		IsCompleted:       merged.IsCompleted,
		CompletedChapters: models.NewChapterSet(merged.CompletedChapters...).Union(item.CompletedChapters),
		LastReadAt:        merged.LastReadAt,
		ClientUpdatedAt:   &clientUpdatedAt,
		LastSyncedAt:      &now,
	})
	if err != nil {
		log.Err(err).Warn("failed to merge synced progress")
		return nil
	}
	m.settle(item, local, true)
	return nil
}

func (m *Manager) uploadFailed(ctx context.Context, item *models.PendingProgressUpdate, err error) error {
	log := logger.FromContext(ctx).Data(logger.Data{"update_id": item.ID, "book_id": item.BookID})

	if remote.IsTransient(err) || errors.Is(err, context.DeadlineExceeded) {
		_, rerr := m.store.RecordProgressFailure(context.WithoutCancel(ctx), item.ID, offline.ProgressFailure{
			Kind:    models.ProgressErrorKindNetwork,
			Message: err.Error(),
		})
		if rerr != nil {
			log.Err(rerr).Warn("failed to record progress failure")
		}
		m.fail(ErrorKindNetwork, err)

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.conn.Probe(context.Background())
		}()
		return err
	}

	attempts := item.Attempts + 1
	next := m.now().Add(m.backoff(attempts))
	updated, rerr := m.store.RecordProgressFailure(ctx, item.ID, offline.ProgressFailure{
		Kind:          models.ProgressErrorKindRejected,
		Message:       err.Error(),
		CountAttempt:  true,
		NextAttemptAt: &next,
	})
	if rerr != nil {
		m.fail(ErrorKindStorageFailure, rerr)
		return rerr
	}

	if updated.Attempts >= m.opts.MaxAttempts {
		if derr := m.store.DeadLetterProgress(ctx, item.ID); derr != nil {
			m.fail(ErrorKindStorageFailure, derr)
			return derr
		}
		log.Err(err).Warn("progress update dead-lettered", logger.Data{"attempts": updated.Attempts})
		m.settle(item, nil, false)
		return errDeadLettered
	}

	log.Err(err).Warn("progress update rejected", logger.Data{"attempts": updated.Attempts, "next_attempt_at": next})
	m.fail(ErrorKindRejected, err)
	return err
}

// settle resolves the optimistic write for item, if this process made it.
func (m *Manager) settle(item *models.PendingProgressUpdate, confirmed *models.ReadingProgress, ok bool) {
	m.enqueueMu.Lock()
	m.enqueueMu.Unlock() //nolint:staticcheck // waits for an in-flight RecordProgress to register its token
	m.mu.Lock()
	v := m.views[item.BookID]
	token, hasToken := m.tokens[item.ID]
	delete(m.tokens, item.ID)
	m.mu.Unlock()

	if v == nil {
		return
	}
	switch {
	case ok && hasToken:
		v.Confirm(token, *confirmed)
	case ok:
		v.Reset(*confirmed)
	case hasToken:
		v.Rollback(token)
	}
}

// backoff returns base * 2^(attempts-1), capped at BackoffMax.
func (m *Manager) backoff(attempts int) time.Duration {
	d := m.opts.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= m.opts.BackoffMax {
			return m.opts.BackoffMax
		}
	}
	if d > m.opts.BackoffMax {
		return m.opts.BackoffMax
	}
	return d
}

func (m *Manager) fail(kind ErrorKind, err error) {
	m.update(func(s *State) {
		s.Status = StatusError
		s.Error = &StateError{Kind: kind, Message: err.Error()}
	})
}

// ListDeadLetters returns the updates the platform kept rejecting.
func (m *Manager) ListDeadLetters(ctx context.Context) ([]*models.PendingProgressUpdate, error) {
	return m.store.ListDeadLetters(ctx)
}

// Requeue gives a dead-lettered update a fresh attempt budget.
func (m *Manager) Requeue(ctx context.Context, id int64) error {
	if err := m.store.RequeueDeadLetter(ctx, id); err != nil {
		return err
	}
	if err := m.refreshCounts(ctx); err != nil {
		return err
	}
	m.Trigger()
	return nil
}

// StartAutoSync syncs when connectivity returns and on every interval tick.
// Calling it again while it's running does nothing.
func (m *Manager) StartAutoSync(ctx context.Context) {
	m.mu.Lock()
	if m.autoCancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.autoCancel = cancel
	m.autoDone = make(chan struct{})
	done := m.autoDone
	m.mu.Unlock()

	go m.autoLoop(ctx, done)

	if m.conn.IsOnline() {
		m.Trigger()
	}
}

func (m *Manager) autoLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	log := logger.FromContext(ctx)
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.triggers:
		}
		if err := m.Sync(ctx); err != nil && !errors.Is(err, ErrOffline) && ctx.Err() == nil {
			log.Err(err).Warn("auto sync failed")
		}
	}
}

// Stop ends auto sync, waits for in-flight work, and releases the
// connectivity subscription.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.autoCancel, m.autoDone
	m.autoCancel = nil
	m.autoDone = nil
	subs := m.subs
	m.subs = map[int]*subscriber{}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if m.unsubConn != nil {
		m.unsubConn()
	}
	m.wg.Wait()
	for _, sub := range subs {
		sub.stop()
	}
}
