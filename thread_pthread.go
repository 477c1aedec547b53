//go:build cgo && !linux && !windows && !darwin

package moqbridge

/*
#include <pthread.h>
#include <stdint.h>

static uint64_t moq_thread_id(void) {
	return (uint64_t)(uintptr_t)pthread_self();
}
*/
import "C"

const threadLocal = true

// pthread_self is unique among live threads, which is all the last error
// table needs.
func threadID() uint64 {
	return uint64(C.moq_thread_id())
}
