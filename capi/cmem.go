package main

/*
#include "moqbridge.h"
*/
import "C"

import (
	"sync"
	"unsafe"

	"github.com/opd-ai/moqbridge"
)

func allocToken() unsafe.Pointer {
	return C.malloc(1)
}

func freeToken(p unsafe.Pointer) {
	C.free(p)
}

func cString(s string) *C.char {
	return C.CString(s)
}

func goString(p *C.char) string {
	if p == nil {
		return ""
	}
	return C.GoString(p)
}

// cResult converts err into a MoqResult whose message the caller owns.
func cResult(err error) C.MoqResult {
	if err == nil {
		return C.MoqResult{code: C.MOQ_OK}
	}
	r := moqbridge.ResultOf(err)
	return C.MoqResult{
		code:    C.MoqResultCode(r.Code),
		message: cString(r.Message),
	}
}

// lastErrors caches the C copy of each thread's last error so that the
// pointer returned by moq_last_error stays valid until the thread fails
// again. An entry is freed once its thread's error is cleared, so the cache
// never outgrows the Go side table.
var lastErrors = struct {
	sync.Mutex
	m map[uint64]cachedError
}{m: make(map[uint64]cachedError)}

type cachedError struct {
	msg string
	c   *C.char
}

func lastErrorCString() *C.char {
	msg, ok := moqbridge.LastError()
	key := moqbridge.ThreadKey()

	lastErrors.Lock()
	defer lastErrors.Unlock()

	cached, have := lastErrors.m[key]
	if !ok {
		if have {
			C.free(unsafe.Pointer(cached.c))
			delete(lastErrors.m, key)
		}
		return nil
	}
	if have && cached.msg == msg {
		return cached.c
	}
	if have {
		C.free(unsafe.Pointer(cached.c))
	}
	cached = cachedError{msg: msg, c: C.CString(msg)}
	lastErrors.m[key] = cached
	return cached.c
}

func cachedLastErrors() int {
	lastErrors.Lock()
	defer lastErrors.Unlock()
	return len(lastErrors.m)
}
