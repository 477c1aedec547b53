//go:build darwin && cgo

package moqbridge

/*
#include <pthread.h>
#include <stdint.h>

static uint64_t moq_thread_id(void) {
	uint64_t id = 0;
	pthread_threadid_np(NULL, &id);
	return id;
}
*/
import "C"

const threadLocal = true

func threadID() uint64 {
	return uint64(C.moq_thread_id())
}
