//go:build !cgo && !linux && !windows

package moqbridge

// Without cgo there is no thread id to key on and every thread shares one
// slot. The C library is always built with cgo.
const threadLocal = false

func threadID() uint64 {
	return 0
}
