// Package interceptor proxies app requests to the remote platform and
// serves them from versioned response caches when the network can't.
package interceptor

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/pothabooks/potha/pkg/remote"
	"github.com/robinjoseph08/golib/logger"
	"github.com/segmentio/encoding/json"
	"golang.org/x/sync/singleflight"
)

// CacheHeader tells clients where a response came from.
const CacheHeader = "X-Potha-Cache"

const (
	sourceNetwork = "network"
	sourceHit     = "hit"
	sourceOffline = "offline"
)

// OfflinePath is the page served for navigations that can't be answered.
const OfflinePath = "/offline"

// DefaultPrecache is stored on install.
var DefaultPrecache = []string{"/", OfflinePath, "/manifest.json"}

// Upstream sends requests to the remote platform.
type Upstream interface {
	Forward(ctx context.Context, method, requestURI string, header http.Header, body []byte) (*remote.Response, error)
}

// OnlineChecker reports whether the platform is believed reachable.
type OnlineChecker interface {
	IsOnline() bool
}

type onlineSetter interface {
	OnlineChecker
	SetOnline(online bool)
}

type Options struct {
	Generation   string
	MaxSizeBytes int64
	Precache     []string
	// RevalidateTimeout bounds background refreshes.
	RevalidateTimeout time.Duration
}

type Phase string

const (
	PhaseInstalling Phase = "installing"
	PhaseWaiting    Phase = "waiting"
	PhaseActive     Phase = "active"
)

// Interceptor serves every request the local API doesn't handle, picking a
// cache strategy per request class.
type Interceptor struct {
	storage  *Storage
	upstream Upstream
	online   OnlineChecker
	opts     Options
	hub      *Hub

	sf        singleflight.Group
	wg        sync.WaitGroup
	cleaning  atomic.Bool
	mailbox   chan envelope
	installMu sync.Mutex

	mu          sync.Mutex
	phase       Phase
	active      string
	skipWaiting bool
}

type envelope struct {
	msg   Message
	reply chan error
}

func New(storage *Storage, upstream Upstream, online OnlineChecker, opts Options) (*Interceptor, error) {
	if opts.Generation == "" {
		return nil, errors.New("cache generation is required")
	}
	if opts.Precache == nil {
		opts.Precache = DefaultPrecache
	}
	if opts.RevalidateTimeout == 0 {
		opts.RevalidateTimeout = 30 * time.Second
	}

	i := &Interceptor{
		storage:  storage,
		upstream: upstream,
		online:   online,
		opts:     opts,
		hub:      newHub(),
		mailbox:  make(chan envelope, 32),
		phase:    PhaseInstalling,
		active:   opts.Generation,
	}
	i.hub.onMessage = func(msg Message) {
		if err := i.Post(context.Background(), msg); err != nil {
			logger.New().Err(err).Warn("client message failed", logger.Data{"type": msg.Type})
		}
	}
	i.hub.onEmpty = i.activateIfWaiting

	// Until this generation activates, keep serving the newest one on disk.
	names, err := storage.Names()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if gen, ok := cacheGeneration(name); ok && gen != opts.Generation {
			i.active = gen
		}
	}
	for _, name := range names {
		if gen, ok := cacheGeneration(name); ok && gen == opts.Generation {
			i.active = gen
		}
	}

	return i, nil
}

// Hub returns the client hub.
func (i *Interceptor) Hub() *Hub {
	return i.hub
}

// Phase returns the lifecycle phase and the generation being served.
func (i *Interceptor) Phase() (Phase, string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.phase, i.active
}

func (i *Interceptor) activeGeneration() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.active
}

func (i *Interceptor) cache(kind CacheKind) (*Cache, error) {
	return i.storage.Open(CacheName(kind, i.activeGeneration()))
}

// Install precaches the app shell into this generation's page cache. Any
// failed fetch fails the install and leaves the phase unchanged.
func (i *Interceptor) Install(ctx context.Context) error {
	i.installMu.Lock()
	defer i.installMu.Unlock()

	if phase, _ := i.Phase(); phase != PhaseInstalling {
		return nil
	}

	pages, err := i.storage.Open(CacheName(CacheKindPages, i.opts.Generation))
	if err != nil {
		return err
	}
	for _, uri := range i.opts.Precache {
		resp, err := i.upstream.Forward(ctx, http.MethodGet, uri, http.Header{"Accept": []string{"text/html"}}, nil)
		if err != nil {
			return errors.Wrapf(err, "precache %s", uri)
		}
		if resp.Status != http.StatusOK {
			return errors.Errorf("precache %s: status %d", uri, resp.Status)
		}
		if err := pages.Put(uri, resp.Status, resp.Header, resp.Body); err != nil {
			return err
		}
	}

	i.mu.Lock()
	i.phase = PhaseWaiting
	i.mu.Unlock()

	logger.FromContext(ctx).Info("interceptor installed", logger.Data{"generation": i.opts.Generation, "precached": len(i.opts.Precache)})
	return nil
}

// Activate switches to this generation and deletes every other
// generation's caches. While clients are attached the switch waits for
// them to leave, unless SKIP_WAITING was received. It reports whether the
// switch happened.
func (i *Interceptor) Activate(ctx context.Context) (bool, error) {
	i.mu.Lock()
	if i.phase == PhaseActive {
		i.mu.Unlock()
		return true, nil
	}
	if i.phase != PhaseWaiting {
		i.mu.Unlock()
		return false, errors.New("interceptor is not installed")
	}
	if !i.skipWaiting && i.hub.Count() > 0 {
		i.mu.Unlock()
		logger.FromContext(ctx).Info("new cache generation waiting for clients to detach", logger.Data{"generation": i.opts.Generation})
		return false, nil
	}
	i.phase = PhaseActive
	i.active = i.opts.Generation
	i.mu.Unlock()

	return true, i.purgeOtherGenerations(ctx)
}

// InstallAndActivate runs the whole lifecycle.
func (i *Interceptor) InstallAndActivate(ctx context.Context) error {
	if err := i.Install(ctx); err != nil {
		return err
	}
	_, err := i.Activate(ctx)
	return err
}

func (i *Interceptor) activateIfWaiting() {
	if phase, _ := i.Phase(); phase != PhaseWaiting {
		return
	}
	if _, err := i.Activate(context.Background()); err != nil {
		logger.New().Err(err).Error("failed to activate cache generation")
	}
}

func (i *Interceptor) purgeOtherGenerations(ctx context.Context) error {
	names, err := i.storage.Names()
	if err != nil {
		return err
	}
	for _, name := range names {
		gen, ok := cacheGeneration(name)
		if !ok || gen == i.opts.Generation {
			continue
		}
		if err := i.storage.Delete(name); err != nil {
			return err
		}
		logger.FromContext(ctx).Info("deleted old cache", logger.Data{"cache": name})
	}
	return nil
}

// HandleConnectivity tells every client to sync progress when the platform
// comes back, and retries an install that failed while offline.
func (i *Interceptor) HandleConnectivity(online bool) {
	if !online {
		return
	}
	i.hub.Broadcast(Message{Type: MessageSyncProgress})

	if phase, _ := i.Phase(); phase == PhaseInstalling {
		i.wg.Add(1)
		go func() {
			defer i.wg.Done()
			if err := i.InstallAndActivate(context.Background()); err != nil {
				logger.New().Err(err).Warn("install retry failed")
			}
		}()
	}
}

// Run handles control messages one at a time until ctx is done.
func (i *Interceptor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-i.mailbox:
			env.reply <- i.handle(ctx, env.msg)
		}
	}
}

// Post hands msg to the message loop and waits for it to be handled.
func (i *Interceptor) Post(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	env := envelope{msg: msg, reply: make(chan error, 1)}
	select {
	case i.mailbox <- env:
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
	select {
	case err := <-env.reply:
		return err
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

func (i *Interceptor) handle(ctx context.Context, msg Message) error {
	log := logger.FromContext(ctx).Data(logger.Data{"type": msg.Type})

	switch msg.Type {
	case MessageSkipWaiting:
		i.mu.Lock()
		i.skipWaiting = true
		i.mu.Unlock()
		if phase, _ := i.Phase(); phase == PhaseWaiting {
			_, err := i.Activate(ctx)
			return err
		}
		return nil

	case MessageCacheChapter:
		cache, err := i.cache(CacheKindAPI)
		if err != nil {
			return err
		}
		body, err := msg.chapterBody()
		if err != nil {
			return err
		}
		uri := msg.ChapterPath()
		header := http.Header{"Content-Type": []string{"application/json"}}
		if err := cache.Put(uri, http.StatusOK, header, body); err != nil {
			return err
		}
		log.Info("chapter cached", logger.Data{"book_id": msg.BookID, "chapter": msg.ChapterNumber})
		i.triggerCleanup()
		return nil

	case MessageClearCache:
		names, err := i.storage.Names()
		if err != nil {
			return err
		}
		for _, name := range names {
			if !strings.HasPrefix(name, CachePrefix) {
				continue
			}
			if err := i.storage.Delete(name); err != nil {
				return err
			}
		}
		log.Info("caches cleared", logger.Data{"count": len(names)})
		return nil
	}
	return errors.Wrapf(ErrInvalidMessage, "unhandled type %q", msg.Type)
}

// Close waits for background refreshes to finish.
func (i *Interceptor) Close() {
	i.wg.Wait()
}

func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	class := Classify(r)
	switch class.Strategy {
	case StrategyCacheFirst:
		i.cacheFirst(w, r, class)
	case StrategyStaleWhileRevalidate:
		i.staleWhileRevalidate(w, r, class)
	case StrategyNetworkFirst:
		i.networkFirst(w, r, class)
	default:
		i.passthrough(w, r)
	}
}

func (i *Interceptor) isOnline() bool {
	return i.online == nil || i.online.IsOnline()
}

// markOnline tells the observer the platform answered, when it can be told.
func (i *Interceptor) markOnline() {
	if setter, ok := i.online.(onlineSetter); ok && !setter.IsOnline() {
		setter.SetOnline(true)
	}
}

func (i *Interceptor) passthrough(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			writeUnavailable(w, "failed to read request body")
			return
		}
	}
	resp, err := i.upstream.Forward(r.Context(), r.Method, r.URL.RequestURI(), r.Header, body)
	if err != nil {
		logger.FromContext(r.Context()).Err(err).Warn("passthrough request failed")
		writeUnavailable(w, "the platform is unreachable")
		return
	}
	writeResponse(w, resp.Status, resp.Header, resp.Body, sourceNetwork)
}

// fetch GETs the request from the platform and stores a cacheable answer.
func (i *Interceptor) fetch(ctx context.Context, r *http.Request, kind CacheKind) (*remote.Response, error) {
	uri := r.URL.RequestURI()
	resp, err := i.upstream.Forward(ctx, http.MethodGet, uri, r.Header, nil)
	if err != nil {
		return nil, err
	}
	if cacheable(resp) {
		cache, err := i.cache(kind)
		if err == nil {
			err = cache.Put(uri, resp.Status, resp.Header, resp.Body)
		}
		if err != nil {
			logger.FromContext(ctx).Err(err).Warn("failed to cache response", logger.Data{"uri": uri})
		} else {
			i.triggerCleanup()
		}
	}
	return resp, nil
}

func (i *Interceptor) match(ctx context.Context, kind CacheKind, uri string) *CachedResponse {
	cache, err := i.cache(kind)
	if err != nil {
		logger.FromContext(ctx).Err(err).Warn("failed to open cache")
		return nil
	}
	hit, err := cache.Match(uri)
	if err != nil {
		logger.FromContext(ctx).Err(err).Warn("failed to read cache", logger.Data{"uri": uri})
		return nil
	}
	return hit
}

func (i *Interceptor) cacheFirst(w http.ResponseWriter, r *http.Request, class Classification) {
	if hit := i.match(r.Context(), class.Kind, r.URL.RequestURI()); hit != nil {
		writeResponse(w, hit.Status, hit.Header, hit.Body, sourceHit)
		return
	}
	resp, err := i.fetch(r.Context(), r, class.Kind)
	if err != nil {
		writeUnavailable(w, "not cached and the platform is unreachable")
		return
	}
	writeResponse(w, resp.Status, resp.Header, resp.Body, sourceNetwork)
}

func (i *Interceptor) networkFirst(w http.ResponseWriter, r *http.Request, class Classification) {
	ctx := r.Context()
	resp, err := i.fetch(ctx, r, class.Kind)
	if err == nil {
		i.markOnline()
		writeResponse(w, resp.Status, resp.Header, resp.Body, sourceNetwork)
		return
	}
	logger.FromContext(ctx).Err(err).Debug("network-first fetch failed, trying cache")

	if hit := i.match(ctx, class.Kind, r.URL.RequestURI()); hit != nil {
		writeResponse(w, hit.Status, hit.Header, hit.Body, sourceHit)
		return
	}
	if class.Navigation {
		if page := i.match(ctx, CacheKindPages, OfflinePath); page != nil {
			writeResponse(w, page.Status, page.Header, page.Body, sourceOffline)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set(CacheHeader, sourceOffline)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, offlineFallbackHTML)
		return
	}
	writeUnavailable(w, "you are offline and this response isn't cached")
}

func (i *Interceptor) staleWhileRevalidate(w http.ResponseWriter, r *http.Request, class Classification) {
	uri := r.URL.RequestURI()
	hit := i.match(r.Context(), class.Kind, uri)
	if hit == nil {
		i.cacheFirst(w, r, class)
		return
	}

	writeResponse(w, hit.Status, hit.Header, hit.Body, sourceHit)

	if !i.isOnline() {
		return
	}
	header := r.Header.Clone()
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		_, _, _ = i.sf.Do(string(class.Kind)+" "+uri, func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), i.opts.RevalidateTimeout)
			defer cancel()
			req := &http.Request{Method: http.MethodGet, URL: r.URL, Header: header}
			_, err := i.fetch(ctx, req, class.Kind)
			if err != nil {
				logger.New().Err(err).Debug("revalidation failed", logger.Data{"uri": uri})
			}
			return nil, err
		})
	}()
}

func (i *Interceptor) triggerCleanup() {
	if i.opts.MaxSizeBytes <= 0 || !i.cleaning.CompareAndSwap(false, true) {
		return
	}
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		defer i.cleaning.Store(false)
		stats, err := i.storage.RunCleanup(i.opts.MaxSizeBytes)
		if err != nil {
			logger.New().Err(err).Warn("cache cleanup failed")
			return
		}
		if stats.EntriesRemoved > 0 {
			logger.New().Info("cache cleanup evicted entries", logger.Data{
				"removed":       stats.EntriesRemoved,
				"bytes_removed": stats.BytesRemoved,
			})
		}
	}()
}

func cacheable(resp *remote.Response) bool {
	if resp.Status != http.StatusOK {
		return false
	}
	return !strings.Contains(resp.Header.Get("Cache-Control"), "no-store")
}

func writeResponse(w http.ResponseWriter, status int, header http.Header, body []byte, source string) {
	for k, v := range header {
		if ck := http.CanonicalHeaderKey(k); hopHeaders[ck] && ck != "Set-Cookie" {
			continue
		}
		w.Header()[k] = v
	}
	w.Header().Set(CacheHeader, source)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeUnavailable(w http.ResponseWriter, msg string) {
	body, _ := json.Marshal(map[string]string{"code": "offline", "message": msg})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set(CacheHeader, sourceOffline)
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write(body)
}

const offlineFallbackHTML = `<!doctype html>
<html lang="si">
<head><meta charset="utf-8"><title>නොබැඳි | Offline</title></head>
<body>
<h1>ඔබ නොබැඳි ය</h1>
<p>You're offline. Downloaded books are still available in your library.</p>
</body>
</html>
`
