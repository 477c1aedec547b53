package serve

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Mode is the delivery mode a track commits to on first use.
type Mode uint8

const (
	// ModeNone means the writer has not picked a mode yet.
	ModeNone Mode = iota
	// ModeStream delivers ordered groups of objects.
	ModeStream
	// ModeDatagrams delivers independent, unordered payloads.
	ModeDatagrams
)

// String returns a human readable mode name.
func (m Mode) String() string {
	switch m {
	case ModeStream:
		return "stream"
	case ModeDatagrams:
		return "datagrams"
	default:
		return "none"
	}
}

// ModeReader is the reading half of a track once its mode is known. It is
// either a *StreamReader or a *DatagramsReader.
type ModeReader interface {
	Mode() Mode
}

type track struct {
	namespace string
	name      string

	mu        sync.Mutex
	mode      Mode
	priority  uint64
	groups    *feed[*group]
	datagrams *feed[Datagram]
	err       error
	ready     chan struct{} // closed once mode is set or the track is closed
}

func newTrack(namespace, name string) *track {
	return &track{
		namespace: namespace,
		name:      name,
		ready:     make(chan struct{}),
	}
}

// NewTrack creates a standalone track and returns both halves. The returned
// reader starts at the head of the track, so nothing written through the
// writer is missed.
func NewTrack(namespace, name string) (*TrackWriter, *TrackReader) {
	t := newTrack(namespace, name)
	return &TrackWriter{t: t}, t.reader(false)
}

// reader returns a new reader. A live reader skips everything already
// written, which is what a late subscriber to a shared track expects.
func (t *track) reader(live bool) *TrackReader {
	r := &TrackReader{t: t}
	if !live {
		return r
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.mode {
	case ModeStream:
		r.start = t.groups.tail()
	case ModeDatagrams:
		r.start = t.datagrams.tail()
	}
	return r
}

func (t *track) setMode(mode Mode, priority uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.err != nil {
		return ErrClosed
	}
	if t.mode != ModeNone {
		return fmt.Errorf("%w: %s/%s is %s", ErrModeSet, t.namespace, t.name, t.mode)
	}

	t.mode = mode
	t.priority = priority
	switch mode {
	case ModeStream:
		t.groups = newFeed[*group](GroupBacklog)
	case ModeDatagrams:
		t.datagrams = newFeed[Datagram](DatagramBacklog)
	}
	close(t.ready)
	return nil
}

func (t *track) close(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.err != nil {
		return
	}
	if err == nil {
		err = io.EOF
	} else {
		logrus.WithFields(logrus.Fields{
			"function":  "TrackWriter.Close",
			"namespace": t.namespace,
			"track":     t.name,
			"error":     err.Error(),
		}).Debug("Closing track with error")
	}
	t.err = err

	switch t.mode {
	case ModeStream:
		t.groups.close(err)
	case ModeDatagrams:
		t.datagrams.close(err)
	default:
		close(t.ready)
	}
}

func (t *track) closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err != nil
}

// TrackWriter is the producing half of a track.
type TrackWriter struct {
	t *track
}

// Namespace returns the namespace the track belongs to.
func (w *TrackWriter) Namespace() string { return w.t.namespace }

// Name returns the track name.
func (w *TrackWriter) Name() string { return w.t.name }

// Stream commits the track to stream mode.
func (w *TrackWriter) Stream(priority uint64) (*StreamWriter, error) {
	if err := w.t.setMode(ModeStream, priority); err != nil {
		return nil, err
	}
	return &StreamWriter{t: w.t, groups: w.t.groups}, nil
}

// Datagrams commits the track to datagram mode.
func (w *TrackWriter) Datagrams() (*DatagramsWriter, error) {
	if err := w.t.setMode(ModeDatagrams, 0); err != nil {
		return nil, err
	}
	return &DatagramsWriter{t: w.t, datagrams: w.t.datagrams}, nil
}

// Close ends the track. Readers drain retained data and then observe err,
// or io.EOF when err is nil.
func (w *TrackWriter) Close(err error) {
	w.t.close(err)
}

// Closed reports whether the track was closed.
func (w *TrackWriter) Closed() bool {
	return w.t.closed()
}

// TrackReader is a consuming handle on a track.
type TrackReader struct {
	t     *track
	start uint64
}

// Namespace returns the namespace the track belongs to.
func (r *TrackReader) Namespace() string { return r.t.namespace }

// Name returns the track name.
func (r *TrackReader) Name() string { return r.t.name }

// Mode waits until the writer picked a delivery mode and returns the
// matching reader. It fails if the track was closed before a mode was set.
func (r *TrackReader) Mode(ctx context.Context) (ModeReader, error) {
	select {
	case <-r.t.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	r.t.mu.Lock()
	defer r.t.mu.Unlock()

	switch r.t.mode {
	case ModeStream:
		return &StreamReader{groups: r.t.groups, cursor: r.start, priority: r.t.priority}, nil
	case ModeDatagrams:
		return &DatagramsReader{datagrams: r.t.datagrams, cursor: r.start}, nil
	}
	return nil, fmt.Errorf("%w: %s/%s ended before choosing a mode: %v", ErrClosed, r.t.namespace, r.t.name, r.t.err)
}
