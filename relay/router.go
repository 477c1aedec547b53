// Package relay routes announced namespaces to subscribers. A Router is the
// shared table; NewLocal turns it into an in-process engine and Server
// exposes it to network peers.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/moqbridge/engine"
	"github.com/opd-ai/moqbridge/serve"
)

// ErrDuplicate is returned when a namespace is already announced. It
// matches serve.ErrDuplicate.
var ErrDuplicate = fmt.Errorf("relay: %w", serve.ErrDuplicate)

// Source serves the tracks of one announced namespace. *serve.TracksReader
// implements it.
type Source interface {
	Namespace() string
	Subscribe(ctx context.Context, name string) (*serve.TrackReader, error)
	Done() <-chan struct{}
}

// Router is a namespace table with announcement watchers. The zero value is
// not usable; use NewRouter.
type Router struct {
	mu        sync.Mutex
	sources   map[string]Source
	watchers  map[uint64]*watcher
	nextWatch uint64
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		sources:  make(map[string]Source),
		watchers: make(map[uint64]*watcher),
	}
}

// Register adds src to the table and notifies watchers. The returned func
// removes it again; it is safe to call more than once.
func (r *Router) Register(src Source) (func(), error) {
	ns := src.Namespace()

	r.mu.Lock()
	if existing, ok := r.sources[ns]; ok && !isDone(existing) {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, ns)
	}
	r.sources[ns] = src
	for _, w := range r.watchers {
		w.push(ns)
	}
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Router.Register",
		"namespace": ns,
	}).Debug("Namespace announced")

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(src) })
	}, nil
}

func (r *Router) remove(src Source) {
	ns := src.Namespace()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sources[ns] == src {
		delete(r.sources, ns)
		logrus.WithFields(logrus.Fields{
			"function":  "Router.remove",
			"namespace": ns,
		}).Debug("Namespace withdrawn")
	}
}

// Announce registers src and blocks until ctx is done or src ends.
func (r *Router) Announce(ctx context.Context, src Source) error {
	unregister, err := r.Register(src)
	if err != nil {
		return err
	}
	defer unregister()

	select {
	case <-ctx.Done():
	case <-src.Done():
	}
	return nil
}

// Subscribe resolves a track in an announced namespace.
func (r *Router) Subscribe(ctx context.Context, namespace, name string) (*serve.TrackReader, error) {
	r.mu.Lock()
	src, ok := r.sources[namespace]
	r.mu.Unlock()

	if !ok || isDone(src) {
		return nil, fmt.Errorf("%w: namespace %q", engine.ErrNotFound, namespace)
	}

	tr, err := src.Subscribe(ctx, name)
	if errors.Is(err, serve.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", engine.ErrNotFound, namespace, name)
	}
	return tr, err
}

// Namespaces returns the live namespaces in sorted order.
func (r *Router) Namespaces() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.sources))
	for ns, src := range r.sources {
		if !isDone(src) {
			out = append(out, ns)
		}
	}
	sort.Strings(out)
	return out
}

// Watch calls fn for every live namespace and then for each new
// announcement, until ctx is done. fn is called from the Watch goroutine,
// one namespace at a time.
func (r *Router) Watch(ctx context.Context, fn func(namespace string)) error {
	w := newWatcher()

	r.mu.Lock()
	id := r.nextWatch
	r.nextWatch++
	r.watchers[id] = w
	for ns, src := range r.sources {
		if !isDone(src) {
			w.push(ns)
		}
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.watchers, id)
		r.mu.Unlock()
	}()

	for {
		for _, ns := range w.drain() {
			if ctx.Err() != nil {
				return nil
			}
			fn(ns)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-w.wake:
		}
	}
}

type watcher struct {
	mu      sync.Mutex
	pending []string
	wake    chan struct{}
}

func newWatcher() *watcher {
	return &watcher{wake: make(chan struct{}, 1)}
}

func (w *watcher) push(ns string) {
	w.mu.Lock()
	w.pending = append(w.pending, ns)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watcher) drain() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.pending
	w.pending = nil
	return out
}

func isDone(src Source) bool {
	select {
	case <-src.Done():
		return true
	default:
		return false
	}
}
