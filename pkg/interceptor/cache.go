package interceptor

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// CachePrefix starts every cache name this agent creates.
const CachePrefix = "potha-"

// CacheName builds the versioned name of a cache, e.g. potha-images-v3.
func CacheName(kind CacheKind, generation string) string {
	return CachePrefix + string(kind) + "-" + generation
}

// cacheGeneration returns the generation tag of a cache name.
func cacheGeneration(name string) (string, bool) {
	if !strings.HasPrefix(name, CachePrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(name, CachePrefix)
	i := strings.Index(rest, "-")
	if i < 0 || i == len(rest)-1 {
		return "", false
	}
	return rest[i+1:], true
}

// Storage is a directory of named response caches. Each cache is a
// subdirectory holding a body file and a metadata file per entry.
type Storage struct {
	root string
	mu   sync.Mutex
}

func NewStorage(root string) (*Storage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create cache directory: %s", root)
	}
	return &Storage{root: root}, nil
}

// Open returns the named cache, creating it if needed.
func (s *Storage) Open(name string) (*Cache, error) {
	dir := filepath.Join(s.root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create cache: %s", name)
	}
	return &Cache{name: name, dir: dir, storage: s}, nil
}

// Names lists the caches that exist.
func (s *Storage) Names() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes a cache and all its entries.
func (s *Storage) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(filepath.Join(s.root, name)); err != nil {
		return errors.Wrapf(err, "failed to delete cache: %s", name)
	}
	return nil
}

// Entries returns the metadata of every entry across all caches.
func (s *Storage) Entries() ([]*EntryMetadata, error) {
	names, err := s.Names()
	if err != nil {
		return nil, err
	}
	var all []*EntryMetadata
	for _, name := range names {
		entries, err := listEntries(filepath.Join(s.root, name))
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	return all, nil
}

// TotalSize returns the bytes held by all cached bodies.
func (s *Storage) TotalSize() (int64, error) {
	entries, err := s.Entries()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.SizeBytes
	}
	return total, nil
}

// Cache is one named response cache.
type Cache struct {
	name    string
	dir     string
	storage *Storage
}

func (c *Cache) Name() string {
	return c.name
}

// CachedResponse is a stored response.
type CachedResponse struct {
	EntryMetadata
	Body []byte
}

// Match returns the cached response for url, or nil if there is none. A hit
// refreshes the entry's last access time.
func (c *Cache) Match(url string) (*CachedResponse, error) {
	c.storage.mu.Lock()
	defer c.storage.mu.Unlock()

	key := entryKey(url)
	meta, err := readMetadata(c.dir, key)
	if err != nil || meta == nil {
		return nil, err
	}
	body, err := os.ReadFile(bodyFilename(c.dir, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}

	meta.LastAccessedAt = time.Now()
	// Access time is only a cleanup hint.
	_ = writeMetadata(c.dir, meta)

	return &CachedResponse{EntryMetadata: *meta, Body: body}, nil
}

// Put stores a response, replacing any previous entry for url.
func (c *Cache) Put(url string, status int, header http.Header, body []byte) error {
	c.storage.mu.Lock()
	defer c.storage.mu.Unlock()

	key := entryKey(url)
	if err := writeFileAtomic(bodyFilename(c.dir, key), body); err != nil {
		return errors.Wrapf(err, "failed to write cached body for %s", url)
	}

	now := time.Now()
	meta := &EntryMetadata{
		Key:            key,
		Cache:          c.name,
		URL:            url,
		Status:         status,
		Header:         storableHeader(header),
		StoredAt:       now,
		LastAccessedAt: now,
		SizeBytes:      int64(len(body)),
	}
	if err := writeMetadata(c.dir, meta); err != nil {
		os.Remove(bodyFilename(c.dir, key))
		return err
	}
	return nil
}

// Delete removes the entry for url, if any.
func (c *Cache) Delete(url string) error {
	c.storage.mu.Lock()
	defer c.storage.mu.Unlock()
	return deleteEntry(c.dir, entryKey(url))
}

// Entries lists the entries of this cache.
func (c *Cache) Entries() ([]*EntryMetadata, error) {
	return listEntries(c.dir)
}

var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Set-Cookie":          true,
	"Content-Length":      true,
}

func storableHeader(h http.Header) http.Header {
	out := http.Header{}
	for k, v := range h {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		out[k] = append([]string(nil), v...)
	}
	return out
}
