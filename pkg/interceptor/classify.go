package interceptor

import (
	"net/http"
	"path"
	"strings"
)

// Strategy is how a request class is served.
type Strategy string

const (
	StrategyCacheFirst           Strategy = "cache-first"
	StrategyNetworkFirst         Strategy = "network-first"
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
	// StrategyPassthrough goes straight to the network and is never cached.
	StrategyPassthrough Strategy = "passthrough"
)

// CacheKind names the cache a request class is stored in.
type CacheKind string

const (
	CacheKindStatic CacheKind = "static"
	CacheKindImages CacheKind = "images"
	CacheKindAPI    CacheKind = "api"
	CacheKindPages  CacheKind = "pages"
)

// CacheKinds lists every cache kind.
var CacheKinds = []CacheKind{CacheKindStatic, CacheKindImages, CacheKindAPI, CacheKindPages}

// Classification is the outcome of Classify.
type Classification struct {
	Strategy Strategy
	Kind     CacheKind
	// Navigation requests fall back to the offline page when nothing else
	// can be served.
	Navigation bool
}

var (
	staticPrefixes = []string{"/_next/static/", "/static/"}
	staticExts     = map[string]bool{".js": true, ".css": true, ".woff": true, ".woff2": true, ".ttf": true, ".otf": true, ".eot": true}
	imagePrefixes  = []string{"/covers/", "/images/"}
	imageExts      = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".svg": true, ".avif": true, ".ico": true}
	pagePrefixes   = []string{"/books", "/library", "/read", "/reader", "/settings"}
)

// Classify decides the caching strategy for a request. Only GET requests
// over http or https are ever cached.
func Classify(r *http.Request) Classification {
	if r.Method != http.MethodGet {
		return Classification{Strategy: StrategyPassthrough}
	}
	if s := r.URL.Scheme; s != "" && s != "http" && s != "https" {
		return Classification{Strategy: StrategyPassthrough}
	}

	p := r.URL.Path
	ext := strings.ToLower(path.Ext(p))

	switch {
	case hasAnyPrefix(p, staticPrefixes) || staticExts[ext]:
		return Classification{Strategy: StrategyCacheFirst, Kind: CacheKindStatic}
	case hasAnyPrefix(p, imagePrefixes) || imageExts[ext]:
		return Classification{Strategy: StrategyStaleWhileRevalidate, Kind: CacheKindImages}
	case strings.HasPrefix(p, "/api/"):
		return Classification{Strategy: StrategyNetworkFirst, Kind: CacheKindAPI}
	case p == "/" || isPage(p):
		return Classification{Strategy: StrategyNetworkFirst, Kind: CacheKindPages, Navigation: isNavigation(r)}
	default:
		return Classification{Strategy: StrategyNetworkFirst, Kind: CacheKindPages}
	}
}

func hasAnyPrefix(p string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// isPage matches the app routes, including nested ones like /books/123.
func isPage(p string) bool {
	for _, prefix := range pagePrefixes {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return true
		}
	}
	return false
}

// isNavigation reports whether the request is a page load rather than a
// subresource fetch.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
