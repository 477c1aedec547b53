package transport

import (
	"context"
	"sync"

	"github.com/opd-ai/moqbridge/serve"
)

// RemoteNamespace is a namespace announced by the remote peer. Its tracks
// are fetched from the peer on first subscription and shared by every later
// subscriber of the same track.
type RemoteNamespace struct {
	peer      *Peer
	namespace string
	tw        *serve.TracksWriter
	tr        *serve.TracksReader
	release   func()

	mu        sync.Mutex
	closeOnce sync.Once
}

func newRemoteNamespace(p *Peer, ns string) *RemoteNamespace {
	tw, tr := serve.NewTracks(ns)
	return &RemoteNamespace{peer: p, namespace: ns, tw: tw, tr: tr}
}

// Namespace returns the announced namespace.
func (rn *RemoteNamespace) Namespace() string { return rn.namespace }

// Peer returns the peer that announced the namespace.
func (rn *RemoteNamespace) Peer() *Peer { return rn.peer }

// Done is closed when the remote withdraws the namespace or disconnects.
func (rn *RemoteNamespace) Done() <-chan struct{} { return rn.tr.Done() }

// Subscribe returns a reader on the named track, subscribing upstream when
// no other reader has done so yet.
//
// TODO: drop upstream subscriptions once their last reader is gone; they
// currently live until the namespace ends.
func (rn *RemoteNamespace) Subscribe(ctx context.Context, name string) (*serve.TrackReader, error) {
	if r, err := rn.tr.Subscribe(ctx, name); err == nil {
		return r, nil
	}

	rn.mu.Lock()
	defer rn.mu.Unlock()

	if r, err := rn.tr.Subscribe(ctx, name); err == nil {
		return r, nil
	}

	w, err := rn.tw.Create(name)
	if err != nil {
		return nil, err
	}
	// The mode is still unset, so this reader starts at the head and sees
	// everything the upstream subscription delivers.
	r, err := rn.tr.Subscribe(ctx, name)
	if err != nil {
		w.Close(err)
		return nil, err
	}
	if _, err := rn.peer.Subscribe(ctx, w); err != nil {
		w.Close(err)
		return nil, err
	}
	return r, nil
}

func (rn *RemoteNamespace) close(err error) {
	rn.closeOnce.Do(func() {
		rn.tw.Close(err)
		if rn.release != nil {
			rn.release()
		}
	})
}
