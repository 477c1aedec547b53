package moqbridge

import "golang.org/x/sys/unix"

const threadLocal = true

func threadID() uint64 {
	return uint64(unix.Gettid())
}
