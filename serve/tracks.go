package serve

import (
	"context"
	"fmt"
	"io"
	"sync"
)

type tracks struct {
	namespace string

	mu      sync.Mutex
	entries map[string]*track
	err     error
	done    chan struct{}
}

// NewTracks creates the track set of one namespace.
func NewTracks(namespace string) (*TracksWriter, *TracksReader) {
	ts := &tracks{
		namespace: namespace,
		entries:   make(map[string]*track),
		done:      make(chan struct{}),
	}
	return &TracksWriter{ts: ts}, &TracksReader{ts: ts}
}

// TracksWriter creates and removes the tracks of a namespace.
type TracksWriter struct {
	ts *tracks
}

// Namespace returns the namespace.
func (w *TracksWriter) Namespace() string { return w.ts.namespace }

// Create adds a track. A closed track with the same name is replaced; a
// live one is an ErrDuplicate.
func (w *TracksWriter) Create(name string) (*TrackWriter, error) {
	w.ts.mu.Lock()
	defer w.ts.mu.Unlock()

	if w.ts.err != nil {
		return nil, ErrClosed
	}
	if existing, ok := w.ts.entries[name]; ok && !existing.closed() {
		return nil, fmt.Errorf("%w: %s/%s", ErrDuplicate, w.ts.namespace, name)
	}

	t := newTrack(w.ts.namespace, name)
	w.ts.entries[name] = t
	return &TrackWriter{t: t}, nil
}

// Remove closes and forgets the named track.
func (w *TracksWriter) Remove(name string) {
	w.ts.mu.Lock()
	t, ok := w.ts.entries[name]
	delete(w.ts.entries, name)
	w.ts.mu.Unlock()

	if ok {
		t.close(nil)
	}
}

// Close ends the namespace and every track in it.
func (w *TracksWriter) Close(err error) {
	w.ts.mu.Lock()
	if w.ts.err != nil {
		w.ts.mu.Unlock()
		return
	}
	if err == nil {
		err = io.EOF
	}
	w.ts.err = err
	entries := w.ts.entries
	w.ts.entries = make(map[string]*track)
	close(w.ts.done)
	w.ts.mu.Unlock()

	for _, t := range entries {
		t.close(err)
	}
}

// TracksReader resolves subscriptions against a namespace.
type TracksReader struct {
	ts *tracks
}

// Namespace returns the namespace.
func (r *TracksReader) Namespace() string { return r.ts.namespace }

// Subscribe returns a live reader on the named track.
func (r *TracksReader) Subscribe(ctx context.Context, name string) (*TrackReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.ts.mu.Lock()
	defer r.ts.mu.Unlock()

	if r.ts.err != nil {
		return nil, ErrClosed
	}
	t, ok := r.ts.entries[name]
	if !ok || t.closed() {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, r.ts.namespace, name)
	}
	return t.reader(true), nil
}

// Done is closed when the namespace ends.
func (r *TracksReader) Done() <-chan struct{} {
	return r.ts.done
}

// Err returns why the namespace ended, or nil while it is live.
func (r *TracksReader) Err() error {
	r.ts.mu.Lock()
	defer r.ts.mu.Unlock()
	return r.ts.err
}
