package moqbridge

import "sync"

// The last error is kept per OS thread. Foreign callers are bound to their
// own thread for the duration of a call, so this behaves like thread-local
// storage for them. Go callers must runtime.LockOSThread to get the same
// guarantee. Entries are removed by ClearLastError; otherwise the table
// holds at most one entry per thread id the process has failed on, and
// thread ids are reused by the OS.
var lastErrors = struct {
	sync.Mutex
	m map[uint64]string
}{m: make(map[uint64]string)}

// ThreadKey identifies the calling OS thread.
func ThreadKey() uint64 {
	return threadID()
}

func setLastError(msg string) {
	key := threadID()
	lastErrors.Lock()
	lastErrors.m[key] = msg
	lastErrors.Unlock()
}

// LastError returns the message of the most recent failing operation on
// the calling thread and whether there was one.
func LastError() (string, bool) {
	key := threadID()
	lastErrors.Lock()
	defer lastErrors.Unlock()
	msg, ok := lastErrors.m[key]
	return msg, ok
}

// ClearLastError forgets the calling thread's last error.
func ClearLastError() {
	key := threadID()
	lastErrors.Lock()
	delete(lastErrors.m, key)
	lastErrors.Unlock()
}
