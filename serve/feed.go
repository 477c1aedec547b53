package serve

import (
	"context"
	"io"
	"sync"
)

// feed is an append-only log with a bounded backlog and any number of
// independent reader cursors. Cursors are absolute sequence numbers, so a
// reader that fell behind the backlog resumes at the oldest retained item.
type feed[T any] struct {
	mu      sync.Mutex
	items   []T
	base    uint64 // sequence number of items[0]
	limit   int    // 0 means unbounded
	err     error  // terminal state, io.EOF for a clean close
	changed chan struct{}
}

func newFeed[T any](limit int) *feed[T] {
	return &feed[T]{
		limit:   limit,
		changed: make(chan struct{}),
	}
}

func (f *feed[T]) push(v T) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return ErrClosed
	}

	f.items = append(f.items, v)
	if f.limit > 0 && len(f.items) > f.limit {
		drop := len(f.items) - f.limit
		var zero T
		for i := 0; i < drop; i++ {
			f.items[i] = zero
		}
		f.items = f.items[drop:]
		f.base += uint64(drop)
	}

	f.wakeLocked()
	return nil
}

// close terminates the feed. Readers drain what is retained, then observe
// err (io.EOF when err is nil). Only the first close has an effect.
func (f *feed[T]) close(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return
	}
	if err == nil {
		err = io.EOF
	}
	f.err = err
	f.wakeLocked()
}

func (f *feed[T]) closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err != nil
}

// tail returns the sequence number the next pushed item will get.
func (f *feed[T]) tail() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.base + uint64(len(f.items))
}

func (f *feed[T]) wakeLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}

// next blocks until the item at *cursor is available, the feed terminates,
// or ctx is done. The cursor is advanced past the returned item.
func (f *feed[T]) next(ctx context.Context, cursor *uint64) (T, error) {
	var zero T
	for {
		f.mu.Lock()
		if *cursor < f.base {
			*cursor = f.base
		}
		if idx := *cursor - f.base; idx < uint64(len(f.items)) {
			v := f.items[idx]
			*cursor++
			f.mu.Unlock()
			return v, nil
		}
		err := f.err
		wait := f.changed
		f.mu.Unlock()

		if err != nil {
			return zero, err
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-wait:
		}
	}
}
