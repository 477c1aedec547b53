package main

import (
	"sync"
	"unsafe"

	"github.com/opd-ai/moqbridge"
)

// table maps the opaque pointers handed to C back to Go objects. The
// pointers are one-byte C allocations, so C never holds Go memory and a
// stale or foreign pointer simply fails the lookup.
type table[T any] struct {
	param string

	mu sync.RWMutex
	m  map[unsafe.Pointer]*T
}

func newTable[T any](param string) *table[T] {
	return &table[T]{param: param, m: make(map[unsafe.Pointer]*T)}
}

func (t *table[T]) add(v *T) unsafe.Pointer {
	p := allocToken()
	t.mu.Lock()
	t.m[p] = v
	t.mu.Unlock()
	return p
}

func (t *table[T]) get(op string, p unsafe.Pointer) (*T, error) {
	if p == nil {
		return nil, moqbridge.NullArgument(op, t.param)
	}
	t.mu.RLock()
	v, ok := t.m[p]
	t.mu.RUnlock()
	if !ok {
		return nil, moqbridge.Errorf(moqbridge.InvalidArgument, op, "%s is not a live handle", t.param)
	}
	return v, nil
}

// remove forgets p and frees its token. It returns nil for unknown handles.
func (t *table[T]) remove(p unsafe.Pointer) *T {
	if p == nil {
		return nil
	}
	t.mu.Lock()
	v, ok := t.m[p]
	delete(t.m, p)
	t.mu.Unlock()

	if !ok {
		return nil
	}
	freeToken(p)
	return v
}

func (t *table[T]) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}

var (
	clients     = newTable[moqbridge.Client]("client")
	publishers  = newTable[moqbridge.Publisher]("publisher")
	subscribers = newTable[moqbridge.Subscriber]("subscriber")
)
