// Package engine defines the contract between the bridge and a
// publish/subscribe engine. The bridge only drives engines through these
// interfaces; relay.NewLocal provides an in-process implementation and
// transport.Dialer a networked one.
package engine

import (
	"context"
	"errors"
	"net/url"

	"github.com/opd-ai/moqbridge/serve"
)

// ErrNotFound is returned by Subscribe when no announced namespace carries
// the requested track.
var ErrNotFound = errors.New("engine: track not found")

// Dialer opens engine sessions.
type Dialer interface {
	Dial(ctx context.Context, u *url.URL) (Session, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, u *url.URL) (Session, error)

// Dial calls f(ctx, u).
func (f DialerFunc) Dial(ctx context.Context, u *url.URL) (Session, error) {
	return f(ctx, u)
}

// Session is an established engine session.
type Session interface {
	Publisher() Publisher
	Subscriber() Subscriber

	// Run drives the session until ctx is done or the session fails.
	Run(ctx context.Context) error

	Close() error
}

// Publisher announces namespaces.
type Publisher interface {
	// Announce makes tracks available to remote subscribers. It blocks for
	// the lifetime of the announcement and returns when ctx is done, the
	// tracks are closed, or the remote side rejects the namespace.
	Announce(ctx context.Context, tracks *serve.TracksReader) error
}

// Subscriber requests tracks.
type Subscriber interface {
	// Subscribe asks for the track named by w and feeds it into w. It
	// returns once the remote side accepted the request; by then the
	// delivery mode of w has been chosen.
	Subscribe(ctx context.Context, w *serve.TrackWriter) (Subscription, error)
}

// Subscription is an accepted track request.
type Subscription interface {
	Close() error
}

// AnnounceWatcher is implemented by sessions that can report namespaces
// announced by other peers.
type AnnounceWatcher interface {
	// WatchAnnounces calls fn for every namespace currently announced and for
	// every later announcement, until ctx is done.
	WatchAnnounces(ctx context.Context, fn func(namespace string)) error
}
