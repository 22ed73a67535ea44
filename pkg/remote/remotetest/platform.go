// Package remotetest runs an in-memory stand-in for the remote potha
// platform, for tests of the packages that talk to it.
package remotetest

import (
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pothabooks/potha/pkg/remote"
)

// Platform is an echo-backed fake of the chapter, cover, progress, and
// health endpoints. All knobs are safe to change while it's serving.
type Platform struct {
	Server *httptest.Server

	mu        sync.Mutex
	chapters  map[string]map[int]*remote.Chapter
	covers    map[string][]byte
	progress  map[string]*remote.Progress
	pages     map[string]string
	denied    map[string]map[int]bool
	failAfter map[string]int
	rejects   map[string]string
	down      bool
	calls     map[string]int
	uploads   []remote.ProgressUpload
	delay     time.Duration
}

// shellPages are what the agent precaches on install.
var shellPages = map[string]string{
	"/":              "<html><body>potha</body></html>",
	"/offline":       "<html><body>offline</body></html>",
	"/manifest.json": `{"name":"potha"}`,
}

// New starts a platform. The server is closed when the test finishes.
func New(t interface{ Cleanup(func()) }) *Platform {
	p := &Platform{
		chapters:  map[string]map[int]*remote.Chapter{},
		covers:    map[string][]byte{},
		progress:  map[string]*remote.Progress{},
		pages:     map[string]string{},
		denied:    map[string]map[int]bool{},
		failAfter: map[string]int{},
		rejects:   map[string]string{},
		calls:     map[string]int{},
	}

	for path, body := range shellPages {
		p.pages[path] = body
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(p.track)
	e.GET("/api/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/api/books/:bookId/chapters/:number", p.getChapter)
	e.GET("/covers/:bookId", p.getCover)
	e.POST("/api/progress", p.postProgress)
	e.GET("/api/progress/:bookId", p.getProgress)
	e.GET("/*", p.getPage)

	p.Server = httptest.NewServer(e)
	t.Cleanup(p.Server.Close)
	return p
}

func (p *Platform) URL() string {
	return p.Server.URL
}

// AddBook registers total chapters for bookID with generated content.
func (p *Platform) AddBook(bookID string, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	chapters := map[int]*remote.Chapter{}
	for n := 1; n <= total; n++ {
		chapters[n] = &remote.Chapter{
			ID:                 bookID + "-ch-" + strconv.Itoa(n),
			BookID:             bookID,
			ChapterNumber:      n,
			TitleSi:            "පරිච්ඡේදය " + strconv.Itoa(n),
			TitleEn:            "Chapter " + strconv.Itoa(n),
			Content:            "<p>Chapter " + strconv.Itoa(n) + " of " + bookID + "</p>",
			WordCount:          4,
			ReadingTimeMinutes: 1,
		}
	}
	p.chapters[bookID] = chapters
}

func (p *Platform) SetCover(bookID string, image []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.covers[bookID] = image
}

// SetPage serves body at path. Pages are any GET outside the API routes.
func (p *Platform) SetPage(path, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pages[path] = body
}

// Deny makes a chapter answer 403.
func (p *Platform) Deny(bookID string, number int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.denied[bookID] == nil {
		p.denied[bookID] = map[int]bool{}
	}
	p.denied[bookID][number] = true
}

// FailChaptersAfter makes chapter fetches for bookID fail with 503 once n
// of them have succeeded. A negative n clears it.
func (p *Platform) FailChaptersAfter(bookID string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < 0 {
		delete(p.failAfter, bookID)
		return
	}
	p.failAfter[bookID] = n
}

// RejectProgress makes uploads for chapterID answer 422 with msg. An empty
// msg clears it.
func (p *Platform) RejectProgress(chapterID, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if msg == "" {
		delete(p.rejects, chapterID)
		return
	}
	p.rejects[chapterID] = msg
}

// SetDown makes every endpoint answer 503.
func (p *Platform) SetDown(down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = down
}

// SetDelay holds every response for d.
func (p *Platform) SetDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

// Calls returns how many requests hit the given route path, e.g.
// "/api/progress".
func (p *Platform) Calls(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[path]
}

func (p *Platform) TotalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, n := range p.calls {
		total += n
	}
	return total
}

// Uploads returns the accepted progress uploads in arrival order.
func (p *Platform) Uploads() []remote.ProgressUpload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]remote.ProgressUpload(nil), p.uploads...)
}

// StoredProgress returns the platform's record for bookID.
func (p *Platform) StoredProgress(bookID string) *remote.Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.progress[bookID]; ok {
		cp := *rec
		cp.CompletedChapters = append([]int(nil), rec.CompletedChapters...)
		return &cp
	}
	return nil
}

func (p *Platform) SetStoredProgress(rec *remote.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress[rec.BookID] = rec
}

func (p *Platform) track(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		p.mu.Lock()
		p.calls[c.Path()]++
		down, delay := p.down, p.delay
		p.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-c.Request().Context().Done():
				return c.Request().Context().Err()
			}
		}
		if down {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"message": "maintenance"})
		}
		return next(c)
	}
}

func (p *Platform) getChapter(c echo.Context) error {
	bookID := c.Param("bookId")
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "bad chapter number"})
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.denied[bookID][number] {
		return c.JSON(http.StatusForbidden, map[string]string{"code": "forbidden", "message": "purchase required"})
	}
	if n, ok := p.failAfter[bookID]; ok {
		if n <= 0 {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"message": "try again"})
		}
		p.failAfter[bookID] = n - 1
	}
	chapter, ok := p.chapters[bookID][number]
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"code": "not_found", "message": "chapter not found"})
	}
	return c.JSON(http.StatusOK, chapter)
}

func (p *Platform) getCover(c echo.Context) error {
	p.mu.Lock()
	image, ok := p.covers[c.Param("bookId")]
	p.mu.Unlock()
	if !ok {
		return c.NoContent(http.StatusNotFound)
	}
	return c.Blob(http.StatusOK, http.DetectContentType(image), image)
}

func (p *Platform) postProgress(c echo.Context) error {
	var upload remote.ProgressUpload
	if err := c.Bind(&upload); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": err.Error()})
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if msg, ok := p.rejects[upload.ChapterID]; ok {
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"code": "validation", "message": msg})
	}

	p.uploads = append(p.uploads, upload)
	rec, ok := p.progress[upload.BookID]
	if !ok {
		rec = &remote.Progress{BookID: upload.BookID}
		p.progress[upload.BookID] = rec
	}
	rec.CompletedChapters = union(rec.CompletedChapters, upload.CompletedChapters)
	rec.CurrentChapter = upload.ChapterNumber
	rec.ChapterID = upload.ChapterID
	rec.ScrollPosition = upload.ScrollPosition
	now := time.Now()
	rec.LastReadAt = &now
	rec.UpdatedAt = &now

	return c.JSON(http.StatusOK, rec)
}

func (p *Platform) getProgress(c echo.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.progress[c.Param("bookId")]
	if !ok {
		return c.JSON(http.StatusOK, nil)
	}
	return c.JSON(http.StatusOK, rec)
}

func union(a, b []int) []int {
	seen := map[int]bool{}
	out := []int{}
	for _, n := range append(append([]int(nil), a...), b...) {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}

func (p *Platform) getPage(c echo.Context) error {
	p.mu.Lock()
	body, ok := p.pages[c.Request().URL.Path]
	p.mu.Unlock()
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"message": "page not found"})
	}
	if strings.HasSuffix(c.Request().URL.Path, ".json") {
		return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, []byte(body))
	}
	return c.HTML(http.StatusOK, body)
}
