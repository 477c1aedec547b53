package moqbridge

import "golang.org/x/sys/windows"

const threadLocal = true

func threadID() uint64 {
	return uint64(windows.GetCurrentThreadId())
}
