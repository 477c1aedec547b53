package serve

import "errors"

var (
	// ErrClosed indicates the writer side of a feed, track or namespace is gone.
	ErrClosed = errors.New("serve: closed")
	// ErrModeSet indicates a track already picked its delivery mode.
	ErrModeSet = errors.New("serve: track mode already set")
	// ErrNotFound indicates the requested track does not exist in the namespace.
	ErrNotFound = errors.New("serve: track not found")
	// ErrDuplicate indicates a live track with the same name already exists.
	ErrDuplicate = errors.New("serve: track already exists")
)

const (
	// GroupBacklog is the number of groups a stream retains for slow readers.
	GroupBacklog = 1024
	// DatagramBacklog is the number of datagrams a track retains for slow readers.
	DatagramBacklog = 256
)
