// Package resource holds the per-process table of dynamic URLs served by a worker.
package resource

import (
	"sort"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// Resource is anything the library can serve at a URL.
type Resource interface {
	ServeResource(c *fiber.Ctx) error
}

// Library maps URLs to resources. One Library is owned by each worker process and
// shared by reference with the components that register into it.
type Library struct {
	mu     sync.RWMutex
	urls   map[string]Resource
	logger *zap.Logger
}

// NewLibrary returns an empty library.
func NewLibrary(logger *zap.Logger) *Library {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Library{
		urls:   make(map[string]Resource),
		logger: logger,
	}
}

// Register adds r at url. A URL that is already registered keeps its resource and
// Register reports false.
func (l *Library) Register(url string, r Resource) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.urls[url]; exists {
		l.logger.Warn("duplicate URL ignored", zap.String("url", url))
		return false
	}
	l.urls[url] = r
	return true
}

// Get returns the resource registered at url.
func (l *Library) Get(url string) (Resource, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.urls[url]
	return r, ok
}

// Has reports whether url is registered.
func (l *Library) Has(url string) bool {
	_, ok := l.Get(url)
	return ok
}

// RegisterExclusive is Register that also refuses url when it is a prefix of a
// registered URL whose resource is not shadowable. Nil shadowable protects every
// registered URL.
func (l *Library) RegisterExclusive(url string, r Resource, shadowable func(Resource) bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.urls[url]; exists {
		l.logger.Warn("duplicate URL ignored", zap.String("url", url))
		return false
	}
	for existing, cur := range l.urls {
		if strings.HasPrefix(existing, url) && (shadowable == nil || !shadowable(cur)) {
			l.logger.Warn("URL would shadow a registered resource",
				zap.String("url", url),
				zap.String("registered", existing),
			)
			return false
		}
	}
	l.urls[url] = r
	return true
}

// Deregister removes url and every URL nested under url + "/" whose resource
// satisfies match. Nil match removes them all. The removed entries are returned.
func (l *Library) Deregister(url string, match func(Resource) bool) map[string]Resource {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := make(map[string]Resource)
	children := strings.TrimSuffix(url, "/") + "/"
	for u, r := range l.urls {
		if u != url && !strings.HasPrefix(u, children) {
			continue
		}
		if match != nil && !match(r) {
			continue
		}
		delete(l.urls, u)
		removed[u] = r
	}
	return removed
}

// DeregisterIf removes url only while it still maps to r.
func (l *Library) DeregisterIf(url string, r Resource) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.urls[url]; ok && cur == r {
		delete(l.urls, url)
		return true
	}
	return false
}

// URLs lists the registered URLs in sorted order.
func (l *Library) URLs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]string, 0, len(l.urls))
	for url := range l.urls {
		out = append(out, url)
	}
	sort.Strings(out)
	return out
}

// Handler serves requests by looking the request path up in the library. Paths
// that are not registered fall through to the next route.
func (l *Library) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		r, ok := l.Get(c.Path())
		if !ok {
			return c.Next()
		}
		return r.ServeResource(c)
	}
}
