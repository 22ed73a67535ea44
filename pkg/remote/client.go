package remote

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/pothabooks/potha/pkg/version"
	"github.com/robinjoseph08/golib/logger"
	"github.com/segmentio/encoding/json"
)

var (
	// ErrUnreachable covers transport failures and timeouts.
	ErrUnreachable = errors.New("remote platform unreachable")
	// ErrUnavailable is a 5xx or 429 from the platform.
	ErrUnavailable = errors.New("remote platform unavailable")
	// ErrAccessDenied is a 401 or 403. It's terminal for the request.
	ErrAccessDenied = errors.New("access denied")
	ErrNotFound     = errors.New("not found")
	// ErrRejected is any other 4xx, usually a validation failure.
	ErrRejected = errors.New("rejected by server")
)

// IsTransient reports whether err is worth retrying later without changing
// the request.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrUnavailable)
}

type Options struct {
	BaseURL      string
	SessionToken string
	Timeout      time.Duration
	RetryCount   int
	RetryWait    time.Duration
}

// Client talks to the remote potha platform.
type Client struct {
	http    *resty.Client
	proxy   *resty.Client
	baseURL string
	token   string
}

func New(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.RetryWait == 0 {
		opts.RetryWait = 500 * time.Millisecond
	}

	c := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetLogger(restyLogger{}).
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", version.UserAgent()).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(4 * opts.RetryWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= http.StatusInternalServerError
		})
	if opts.SessionToken != "" {
		c.SetAuthToken(opts.SessionToken)
	}

	proxy := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetLogger(restyLogger{}).
		SetHeader("User-Agent", version.UserAgent()).
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}))

	return &Client{http: c, proxy: proxy, baseURL: opts.BaseURL, token: opts.SessionToken}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Chapter is the body returned by the chapter endpoint.
type Chapter struct {
	ID                 string `json:"id"`
	BookID             string `json:"book_id"`
	ChapterNumber      int    `json:"chapter_number"`
	TitleSi            string `json:"title_si"`
	TitleEn            string `json:"title_en"`
	Content            string `json:"content"`
	WordCount          int    `json:"word_count"`
	ReadingTimeMinutes int    `json:"reading_time_minutes"`
}

// ProgressUpload is what the client sends after each reading update.
type ProgressUpload struct {
	BookID            string    `json:"book_id"`
	ChapterID         string    `json:"chapter_id"`
	ChapterNumber     int       `json:"chapter_number"`
	ScrollPosition    float64   `json:"scroll_position"`
	IsChapterComplete bool      `json:"is_chapter_complete"`
	CompletedChapters []int     `json:"completed_chapters"`
	ClientUpdatedAt   time.Time `json:"client_updated_at"`
}

// Progress is the platform's authoritative progress record for a book.
type Progress struct {
	BookID            string     `json:"book_id"`
	CurrentChapter    int        `json:"current_chapter"`
	ChapterID         string     `json:"chapter_id"`
	ScrollPosition    float64    `json:"scroll_position"`
	IsCompleted       bool       `json:"is_completed"`
	CompletedChapters []int      `json:"completed_chapters"`
	LastReadAt        *time.Time `json:"last_read_at"`
	UpdatedAt         *time.Time `json:"updated_at"`
}

// FetchChapter gets one chapter body.
func (c *Client) FetchChapter(ctx context.Context, bookID string, number int) (*Chapter, error) {
	chapter := new(Chapter)
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{
			"bookId": bookID,
			"number": fmt.Sprint(number),
		}).
		SetResult(chapter).
		Get("/api/books/{bookId}/chapters/{number}")
	if err := classify(resp, err); err != nil {
		return nil, errors.Wrapf(err, "fetch chapter %d of book %s", number, bookID)
	}
	return chapter, nil
}

// FetchCover downloads a cover image. Relative URLs resolve against the
// platform base URL.
func (c *Client) FetchCover(ctx context.Context, coverURL string) ([]byte, error) {
	target, err := c.resolve(coverURL)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "image/*").
		Get(target)
	if err := classify(resp, err); err != nil {
		return nil, errors.Wrap(err, "fetch cover")
	}
	return resp.Body(), nil
}

// PostProgress uploads a progress update. The platform merges the completed
// chapters as a set union and returns the merged record.
func (c *Client) PostProgress(ctx context.Context, upload ProgressUpload) (*Progress, error) {
	if upload.CompletedChapters == nil {
		upload.CompletedChapters = []int{}
	}
	progress := new(Progress)
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(upload).
		SetResult(progress).
		Post("/api/progress")
	if err := classify(resp, err); err != nil {
		return nil, errors.Wrapf(err, "upload progress for book %s", upload.BookID)
	}
	return progress, nil
}

// GetProgress returns the stored record, or nil if the platform has none.
func (c *Client) GetProgress(ctx context.Context, bookID string) (*Progress, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("bookId", bookID).
		Get("/api/progress/{bookId}")
	if err := classify(resp, err); err != nil {
		return nil, errors.Wrapf(err, "get progress for book %s", bookID)
	}

	body := bytes.TrimSpace(resp.Body())
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil
	}
	progress := new(Progress)
	if err := json.Unmarshal(body, progress); err != nil {
		return nil, errors.WithStack(err)
	}
	return progress, nil
}

// Ping checks the platform health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Get("/api/health")
	return classify(resp, err)
}

// Response is a raw platform response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

var forwardSkipHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Te":                true,
	"Trailer":           true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"Host":              true,
	"Accept-Encoding":   true,
	"Content-Length":    true,
}

// Forward relays a request to the platform once, without retries or
// redirects. Any HTTP status is a response; only transport failures are
// errors. The session token is added unless the request carries its own
// credentials.
func (c *Client) Forward(ctx context.Context, method, requestURI string, header http.Header, body []byte) (*Response, error) {
	req := c.proxy.R().SetContext(ctx)
	for k, v := range header {
		if forwardSkipHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		req.SetHeaderMultiValues(map[string][]string{k: v})
	}
	if c.token != "" && header.Get("Authorization") == "" {
		req.SetAuthToken(c.token)
	}
	if len(body) > 0 {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, requestURI)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, errors.WithStack(err)
		}
		return nil, errors.Wrap(ErrUnreachable, err.Error())
	}
	return &Response{
		Status: resp.StatusCode(),
		Header: resp.Header().Clone(),
		Body:   resp.Body(),
	}, nil
}

func (c *Client) resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		return ref, nil
	}
	base, err := url.Parse(strings.TrimRight(c.baseURL, "/") + "/")
	if err != nil {
		return "", err
	}
	return base.ResolveReference(u).String(), nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// classify turns a resty outcome into one of the package errors.
func classify(resp *resty.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return errors.WithStack(err)
		}
		return errors.Wrap(ErrUnreachable, err.Error())
	}
	if !resp.IsError() {
		return nil
	}

	msg := resp.Status()
	var body errorBody
	if json.Unmarshal(resp.Body(), &body) == nil && body.Message != "" {
		msg = body.Message
	}

	switch status := resp.StatusCode(); {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return errors.Wrap(ErrAccessDenied, msg)
	case status == http.StatusNotFound:
		return errors.Wrap(ErrNotFound, msg)
	case status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
		return errors.Wrap(ErrUnavailable, msg)
	default:
		return errors.Wrap(ErrRejected, msg)
	}
}

// restyLogger routes resty's own messages through the golib logger.
type restyLogger struct{}

func (restyLogger) Errorf(format string, v ...interface{}) {
	logger.New().Error(fmt.Sprintf(format, v...))
}

func (restyLogger) Warnf(format string, v ...interface{}) {
	logger.New().Warn(fmt.Sprintf(format, v...))
}

func (restyLogger) Debugf(format string, v ...interface{}) {
	logger.New().Debug(fmt.Sprintf(format, v...))
}
