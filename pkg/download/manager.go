// Package download fetches whole books into the offline store.
package download

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/pothabooks/potha/pkg/htmlutil"
	"github.com/pothabooks/potha/pkg/models"
	"github.com/pothabooks/potha/pkg/offline"
	"github.com/pothabooks/potha/pkg/remote"
	"github.com/robinjoseph08/golib/logger"
	"golang.org/x/time/rate"
)

// Fetcher is the network side of a download.
type Fetcher interface {
	FetchChapter(ctx context.Context, bookID string, number int) (*remote.Chapter, error)
	FetchCover(ctx context.Context, coverURL string) ([]byte, error)
}

type Options struct {
	// MaxConcurrent bounds how many books download at once.
	MaxConcurrent int
	// RatePerSecond paces chapter requests across all downloads. Zero
	// disables pacing.
	RatePerSecond     float64
	CoverMaxDimension int
}

// Book describes what to download. FromChapter and ToChapter narrow the
// download to a range; zero means the first or last chapter.
type Book struct {
	BookID        string `json:"book_id" validate:"required"`
	TitleSi       string `json:"title_si"`
	TitleEn       string `json:"title_en"`
	AuthorSi      string `json:"author_si"`
	AuthorEn      string `json:"author_en"`
	TotalChapters int    `json:"total_chapters" validate:"min=1"`
	CoverURL      string `json:"cover_url"`
	FromChapter   int    `json:"from_chapter" validate:"min=0"`
	ToChapter     int    `json:"to_chapter" validate:"min=0"`
}

func (b Book) chapterRange() (int, int) {
	from, to := b.FromChapter, b.ToChapter
	if from < 1 {
		from = 1
	}
	if to < 1 || to > b.TotalChapters {
		to = b.TotalChapters
	}
	return from, to
}

type Status string

const (
	StatusQueued        Status = "queued"
	StatusDownloading   Status = "downloading"
	StatusCompleted     Status = "completed"
	StatusCancelled     Status = "cancelled"
	StatusFailed        Status = "failed"
	StatusPartial       Status = "partial"
	StatusNotDownloaded Status = "not_downloaded"
)

// Progress is a downloaded/total snapshot for one book.
type Progress struct {
	BookID     string    `json:"book_id"`
	Downloaded int       `json:"downloaded"`
	Total      int       `json:"total"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
}

// Manager runs at most one download per book. Downloads of different books
// run independently, bounded by Options.MaxConcurrent.
type Manager struct {
	store   *offline.Store
	fetcher Fetcher
	opts    Options
	limiter *rate.Limiter
	slots   chan struct{}

	mu     sync.Mutex
	active map[string]*Handle
	subs   map[int]func(Progress)
	nextID int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(store *offline.Store, fetcher Fetcher, opts Options) *Manager {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:   store,
		fetcher: fetcher,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		slots:   make(chan struct{}, opts.MaxConcurrent),
		active:  map[string]*Handle{},
		subs:    map[int]func(Progress){},
		ctx:     ctx,
		cancel:  cancel,
	}
}

// DownloadBook starts downloading book, skipping chapters that are already
// stored. If the book is already downloading, the running handle is
// returned instead of starting a second fetch sequence.
func (m *Manager) DownloadBook(ctx context.Context, book Book) (*Handle, error) {
	if book.BookID == "" || book.TotalChapters < 1 {
		return nil, errors.New("book id and chapter count are required")
	}
	if m.ctx.Err() != nil {
		return nil, errors.New("download manager is closed")
	}

	m.mu.Lock()
	if h, ok := m.active[book.BookID]; ok {
		m.mu.Unlock()
		return h, nil
	}
	h := newHandle(book.BookID)
	m.active[book.BookID] = h
	m.wg.Add(1)
	m.mu.Unlock()

	log := logger.FromContext(ctx).Root(logger.Data{"book_id": book.BookID})
	runCtx := log.WithContext(m.ctx)
	go m.run(runCtx, h, book)

	return h, nil
}

// CancelDownload stops the book's download before its next chapter. Saved
// chapters stay. It returns false if the book wasn't downloading.
func (m *Manager) CancelDownload(bookID string) bool {
	m.mu.Lock()
	h, ok := m.active[bookID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	return true
}

// DeleteDownload cancels any running download for the book, waits for it to
// stop, then removes the book and its chapters. Deleting an absent book is
// not an error.
func (m *Manager) DeleteDownload(ctx context.Context, bookID string) error {
	m.mu.Lock()
	h, ok := m.active[bookID]
	m.mu.Unlock()
	if ok {
		h.cancel()
		select {
		case <-h.done:
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		}
	}
	return m.store.DeleteBook(ctx, bookID)
}

// IsDownloaded reports whether every chapter of the book is stored.
func (m *Manager) IsDownloaded(ctx context.Context, bookID string) (bool, error) {
	book, err := m.store.GetBook(ctx, bookID)
	if errors.Is(err, offline.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return book.IsComplete(), nil
}

// GetDownloadProgress returns the live progress of a running download, or
// the stored downloaded/total counts otherwise.
func (m *Manager) GetDownloadProgress(ctx context.Context, bookID string) (Progress, error) {
	m.mu.Lock()
	h, ok := m.active[bookID]
	m.mu.Unlock()
	if ok {
		return h.Progress(), nil
	}

	book, err := m.store.GetBook(ctx, bookID)
	if errors.Is(err, offline.ErrNotFound) {
		return Progress{BookID: bookID, Status: StatusNotDownloaded}, nil
	}
	if err != nil {
		return Progress{}, err
	}
	p := Progress{
		BookID:     bookID,
		Downloaded: len(book.DownloadedChapters),
		Total:      book.TotalChapters,
		Status:     StatusPartial,
	}
	if book.IsComplete() {
		p.Status = StatusCompleted
	}
	return p, nil
}

// Subscribe registers fn for progress of every download and returns a
// function that removes it. fn runs on the download's goroutine.
func (m *Manager) Subscribe(fn func(Progress)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
		})
	}
}

// Close stops all downloads and waits for them to exit.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) publish(h *Handle, p Progress) {
	h.publish(p)

	m.mu.Lock()
	subs := make([]func(Progress), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(p)
	}
}

func (m *Manager) finish(h *Handle, p Progress, err error) {
	m.mu.Lock()
	delete(m.active, h.bookID)
	m.mu.Unlock()

	m.publish(h, p)
	h.finish(err)
	m.wg.Done()
}

func (m *Manager) run(ctx context.Context, h *Handle, book Book) {
	log := logger.FromContext(ctx)
	from, to := book.chapterRange()
	p := Progress{BookID: book.BookID, Total: to - from + 1, Status: StatusQueued}
	m.publish(h, p)

	select {
	case m.slots <- struct{}{}:
		defer func() { <-m.slots }()
	case <-h.cancelCh:
		m.cancelled(ctx, h, p)
		return
	case <-ctx.Done():
		m.cancelled(ctx, h, p)
		return
	}

	err := m.store.PutBook(ctx, &models.DownloadedBook{
		BookID:        book.BookID,
		TitleSi:       book.TitleSi,
		TitleEn:       book.TitleEn,
		AuthorSi:      book.AuthorSi,
		AuthorEn:      book.AuthorEn,
		TotalChapters: book.TotalChapters,
	})
	if err != nil {
		m.fail(ctx, h, p, &Error{BookID: book.BookID, ChapterNumber: from, Kind: kindOf(err), Err: err})
		return
	}

	have, err := m.store.ChapterNumbers(ctx, book.BookID)
	if err != nil {
		m.fail(ctx, h, p, &Error{BookID: book.BookID, ChapterNumber: from, Kind: kindOf(err), Err: err})
		return
	}
	for n := from; n <= to; n++ {
		if have.Contains(n) {
			p.Downloaded++
		}
	}

	m.saveCover(ctx, book)

	p.Status = StatusDownloading
	m.publish(h, p)

	log.Info("downloading book", logger.Data{"from": from, "to": to, "already_stored": p.Downloaded})

	for n := from; n <= to; n++ {
		if have.Contains(n) {
			continue
		}
		if h.cancelled.Load() {
			m.cancelled(ctx, h, p)
			return
		}
		if err := m.limiter.Wait(ctx); err != nil {
			m.cancelled(ctx, h, p)
			return
		}
		if h.cancelled.Load() {
			m.cancelled(ctx, h, p)
			return
		}

		if err := m.saveChapter(ctx, book.BookID, n); err != nil {
			if ctx.Err() != nil {
				m.cancelled(ctx, h, p)
				return
			}
			m.fail(ctx, h, p, &Error{BookID: book.BookID, ChapterNumber: n, Completed: p.Downloaded, Kind: kindOf(err), Err: err})
			return
		}
		p.Downloaded++
		m.publish(h, p)
	}

	if err := m.store.TouchBook(ctx, book.BookID); err != nil {
		log.Err(err).Warn("failed to touch downloaded book")
	}
	log.Info("book downloaded", logger.Data{"chapters": p.Downloaded})

	p.Status = StatusCompleted
	m.finish(h, p, nil)
}

func (m *Manager) saveChapter(ctx context.Context, bookID string, number int) error {
	payload, err := m.fetcher.FetchChapter(ctx, bookID, number)
	if err != nil {
		return err
	}

	words := payload.WordCount
	if words == 0 {
		words = htmlutil.CountWords(payload.Content)
	}
	minutes := payload.ReadingTimeMinutes
	if minutes == 0 {
		minutes = htmlutil.ReadingTimeMinutes(words)
	}

	return m.store.PutChapter(ctx, &models.DownloadedChapter{
		BookID:             bookID,
		ChapterNumber:      number,
		ChapterID:          payload.ID,
		TitleSi:            payload.TitleSi,
		TitleEn:            payload.TitleEn,
		Content:            payload.Content,
		WordCount:          words,
		ReadingTimeMinutes: minutes,
		DownloadedAt:       time.Now(),
	})
}

// saveCover fetches and stores the cover once per book. Failures only log.
func (m *Manager) saveCover(ctx context.Context, book Book) {
	if book.CoverURL == "" {
		return
	}
	log := logger.FromContext(ctx)

	stored, err := m.store.GetBook(ctx, book.BookID)
	if err == nil && len(stored.CoverImage) > 0 {
		return
	}

	data, err := m.fetcher.FetchCover(ctx, book.CoverURL)
	if err != nil {
		log.Err(err).Warn("failed to fetch cover")
		return
	}
	thumb, mimeType, err := Thumbnail(data, m.opts.CoverMaxDimension)
	if err != nil {
		log.Err(err).Warn("failed to process cover")
		return
	}
	if err := m.store.PutCover(ctx, book.BookID, thumb, mimeType); err != nil {
		log.Err(err).Warn("failed to store cover")
	}
}

func (m *Manager) cancelled(ctx context.Context, h *Handle, p Progress) {
	logger.FromContext(ctx).Info("download cancelled", logger.Data{"downloaded": p.Downloaded})
	p.Status = StatusCancelled
	m.finish(h, p, ErrCancelled)
}

func (m *Manager) fail(ctx context.Context, h *Handle, p Progress, derr *Error) {
	logger.FromContext(ctx).Err(derr).Warn("download failed", logger.Data{
		"chapter": derr.ChapterNumber,
		"kind":    derr.Kind,
	})
	p.Status = StatusFailed
	p.Error = derr.Err.Error()
	p.ErrorKind = derr.Kind
	m.finish(h, p, derr)
}

// Handle follows one running download.
type Handle struct {
	bookID     string
	cancelled  atomic.Bool
	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}

	mu    sync.Mutex
	last  Progress
	chans []chan Progress
	err   error
}

func newHandle(bookID string) *Handle {
	return &Handle{
		bookID:   bookID,
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
		last:     Progress{BookID: bookID, Status: StatusQueued},
	}
}

func (h *Handle) cancel() {
	h.cancelOnce.Do(func() {
		h.cancelled.Store(true)
		close(h.cancelCh)
	})
}

func (h *Handle) BookID() string {
	return h.bookID
}

// Updates returns a channel that receives the latest progress followed by
// every later update, and is closed when the download ends. A reader that
// falls behind only misses intermediate updates, never the final one.
func (h *Handle) Updates() <-chan Progress {
	ch := make(chan Progress, 16)
	h.mu.Lock()
	defer h.mu.Unlock()
	ch <- h.last
	select {
	case <-h.done:
		close(ch)
	default:
		h.chans = append(h.chans, ch)
	}
	return ch
}

// Progress returns the latest snapshot.
func (h *Handle) Progress() Progress {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// Done is closed when the download ends.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the download ends and returns nil on completion,
// ErrCancelled, or an *Error.
func (h *Handle) Wait() error {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) publish(p Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = p
	for _, ch := range h.chans {
		select {
		case ch <- p:
		default:
			// Drop the oldest queued update to make room.
			select {
			case <-ch:
			default:
			}
			ch <- p
		}
	}
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.err = err
	for _, ch := range h.chans {
		close(ch)
	}
	h.chans = nil
	close(h.done)
}
