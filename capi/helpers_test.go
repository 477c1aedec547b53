package main

import (
	"runtime"
	"testing"
)

// takeMessage copies and frees a MoqResult message.
func takeMessage(p *_Ctype_char) string {
	s := goString(p)
	moq_free_str(p)
	return s
}

func lockThread(t *testing.T) {
	t.Helper()
	runtime.LockOSThread()
	t.Cleanup(runtime.UnlockOSThread)
}
