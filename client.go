package moqbridge

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/moqbridge/engine"
	"github.com/opd-ai/moqbridge/serve"
	"github.com/opd-ai/moqbridge/transport"
)

// Scheme is the only URL scheme Connect accepts.
const Scheme = "moqt"

// ConnectionState is reported to the connection callback.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Failed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int32(s))
	}
}

// ConnectionCallback observes connection state changes. It runs on the
// goroutine that caused the change, never with client locks held.
type ConnectionCallback func(state ConnectionState)

// TrackCallback receives namespaces announced by other peers. Announcements
// are per namespace, so track is always empty.
type TrackCallback func(namespace, track string)

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the networked engine, e.g. with relay.NewLocal.
func WithDialer(d engine.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithConnectTimeout overrides Config.ConnectTimeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) { c.connectTimeout = d }
}

// WithSubscribeTimeout overrides Config.SubscribeTimeout.
func WithSubscribeTimeout(d time.Duration) Option {
	return func(c *Client) { c.subscribeTimeout = d }
}

// Client is one engine session plus everything announced, published and
// subscribed through it.
type Client struct {
	id               string
	rt               *Runtime
	dialer           engine.Dialer
	connectTimeout   time.Duration
	subscribeTimeout time.Duration

	mu       sync.Mutex
	poisoned bool
	st       sessionState
}

type sessionState struct {
	status  ConnectionState
	attempt uint64
	url     string
	onState ConnectionCallback
	onTrack TrackCallback

	session    engine.Session
	publisher  engine.Publisher
	subscriber engine.Subscriber
	ctx        context.Context
	cancel     context.CancelFunc
	run        *Task
	watch      *Task
	namespaces map[string]*announcement

	bgErr error
}

type announcement struct {
	tw   *serve.TracksWriter
	task *Task
}

// NewClient creates a disconnected client.
func NewClient(opts ...Option) *Client {
	cfg := currentConfig()
	c := &Client{
		id:               uuid.NewString(),
		rt:               defaultRuntime(),
		dialer:           &transport.Dialer{},
		connectTimeout:   cfg.ConnectTimeout,
		subscribeTimeout: cfg.SubscribeTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewClient",
		"client":   c.id,
	}).Debug("Created client")
	return c
}

// ID returns the trace id of the client.
func (c *Client) ID() string {
	if c == nil {
		return ""
	}
	return c.id
}

// withState runs fn with the state lock held. A panic in fn leaves the
// state marked poisoned; the next holder logs and carries on with it.
func (c *Client) withState(fn func(st *sessionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.poisoned {
		logrus.WithFields(logrus.Fields{
			"function": "Client.withState",
			"client":   c.id,
		}).Warn("Recovering session state left behind by a panic")
		c.poisoned = false
	}

	completed := false
	defer func() {
		if !completed {
			c.poisoned = true
		}
	}()
	fn(&c.st)
	completed = true
}

func parseURL(op, raw string) (*url.URL, error) {
	if raw == "" {
		return nil, newError(InvalidArgument, op, "url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, wrapError(InvalidArgument, op, err)
	}
	if u.Scheme != Scheme {
		return nil, newError(InvalidArgument, op, "unsupported URL scheme %q, expected %s://", u.Scheme, Scheme)
	}
	if u.Host == "" {
		return nil, newError(InvalidArgument, op, "url %q has no host", raw)
	}
	return u, nil
}

// Connect dials url and blocks until the session is established or the
// connect timeout elapses. cb, when non-nil, observes Connecting and then
// Connected or Failed, and later Disconnected.
func (c *Client) Connect(rawURL string, cb ConnectionCallback) error {
	const op = "connect"
	return Do(op, func() error {
		if c == nil {
			return NullArgument(op, "client")
		}
		u, err := parseURL(op, rawURL)
		if err != nil {
			return err
		}

		var attempt uint64
		c.withState(func(st *sessionState) {
			switch st.status {
			case Connecting:
				err = newError(InvalidArgument, op, "connect already in progress")
				return
			case Connected:
				err = newError(InvalidArgument, op, "client is already connected to %s", st.url)
				return
			}
			st.status = Connecting
			st.attempt++
			attempt = st.attempt
			st.url = u.String()
			st.onState = cb
		})
		if err != nil {
			return err
		}

		log := logrus.WithFields(logrus.Fields{
			"function": "Client.Connect",
			"client":   c.id,
			"url":      u.String(),
		})
		notify(cb, Connecting)

		sess, err := blockOn(c.rt, op, c.connectTimeout, func(ctx context.Context) (engine.Session, error) {
			return c.dialer.Dial(ctx, u)
		}, closeSession)
		if err != nil {
			c.abandonConnect(attempt)
			result := "failed"
			if CodeOf(err) == Timeout {
				result = "timeout"
			}
			metrics.connects.WithLabelValues(result).Inc()
			log.WithField("error", err.Error()).Error("Connection failed")
			notify(cb, Failed)

			var be *Error
			if errors.As(err, &be) {
				return err
			}
			return wrapError(ConnectionFailed, op, err)
		}

		stale := false
		c.withState(func(st *sessionState) {
			if st.status != Connecting || st.attempt != attempt {
				stale = true
				return
			}
			c.install(st, sess)
		})
		if stale {
			closeSession(sess)
			metrics.connects.WithLabelValues("cancelled").Inc()
			notify(cb, Failed)
			return newError(ConnectionFailed, op, "connect to %s was cancelled", u)
		}

		metrics.connects.WithLabelValues("ok").Inc()
		log.Info("Connected")
		notify(cb, Connected)
		return nil
	})
}

// install stores an established session and starts its background tasks.
// The state lock is held.
func (c *Client) install(st *sessionState, sess engine.Session) {
	ctx, cancel := context.WithCancel(context.Background())
	st.status = Connected
	st.session = sess
	st.publisher = sess.Publisher()
	st.subscriber = sess.Subscriber()
	st.ctx = ctx
	st.cancel = cancel
	st.namespaces = make(map[string]*announcement)
	st.bgErr = nil
	st.run = c.rt.Spawn(ctx, "session-run", func(ctx context.Context) {
		c.runSession(ctx, sess)
	})
	if st.onTrack != nil {
		if w, ok := sess.(engine.AnnounceWatcher); ok {
			st.watch = c.watch(ctx, w, st.onTrack)
		} else {
			logrus.WithFields(logrus.Fields{
				"function": "Client.install",
				"client":   c.id,
			}).Warn("Engine does not report announcements, track callback stays idle")
		}
	}
}

func (c *Client) abandonConnect(attempt uint64) {
	c.withState(func(st *sessionState) {
		if st.status != Connecting || st.attempt != attempt {
			return
		}
		st.status = Disconnected
		st.url = ""
		st.onState = nil
		st.namespaces = nil
	})
}

func (c *Client) runSession(ctx context.Context, sess engine.Session) {
	err := sess.Run(ctx)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = errors.New("session ended")
	}

	logrus.WithFields(logrus.Fields{
		"function": "Client.runSession",
		"client":   c.id,
		"error":    err.Error(),
	}).Error("Session terminated")

	cb, ok := c.teardown(sess, fmt.Errorf("session: %w", err))
	if ok {
		notify(cb, Disconnected)
	}
}

// teardown resets the state to Disconnected and stops everything the
// session started. With only non-nil, it does nothing unless only is the
// current session. It reports whether the state changed and returns the
// connection callback to notify.
func (c *Client) teardown(only engine.Session, cause error) (ConnectionCallback, bool) {
	var (
		sess    engine.Session
		cancel  context.CancelFunc
		cb      ConnectionCallback
		ns      map[string]*announcement
		changed bool
	)
	c.withState(func(st *sessionState) {
		if only != nil && st.session != only {
			return
		}
		changed = st.status != Disconnected
		sess, cancel, cb, ns = st.session, st.cancel, st.onState, st.namespaces

		st.status = Disconnected
		st.attempt++
		st.url = ""
		st.session = nil
		st.publisher = nil
		st.subscriber = nil
		st.ctx = nil
		st.cancel = nil
		st.run = nil
		st.watch = nil
		st.namespaces = nil
		if cause != nil {
			st.bgErr = cause
		}
	})

	if cancel != nil {
		cancel()
	}
	for _, a := range ns {
		a.tw.Close(nil)
	}
	if sess != nil {
		closeSession(sess)
	}
	return cb, changed
}

// Disconnect closes the session. It is a no-op on a disconnected client,
// apart from notifying Disconnected.
func (c *Client) Disconnect() error {
	const op = "disconnect"
	return Do(op, func() error {
		if c == nil {
			return NullArgument(op, "client")
		}
		cb, _ := c.teardown(nil, nil)
		logrus.WithFields(logrus.Fields{
			"function": "Client.Disconnect",
			"client":   c.id,
		}).Info("Disconnected")
		notify(cb, Disconnected)
		return nil
	})
}

// IsConnected reports whether the client holds an established session.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}
	connected := false
	c.withState(func(st *sessionState) {
		connected = st.status == Connected
	})
	return connected
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	if c == nil {
		return Disconnected
	}
	var s ConnectionState
	c.withState(func(st *sessionState) {
		s = st.status
	})
	return s
}

// BackgroundError returns the most recent failure of a background task
// (session run, announcement or announcement watch), or nil.
func (c *Client) BackgroundError() error {
	if c == nil {
		return nil
	}
	var err error
	c.withState(func(st *sessionState) {
		err = st.bgErr
	})
	return err
}

func (c *Client) recordBackground(err error) {
	c.withState(func(st *sessionState) {
		st.bgErr = err
	})
}

// AnnounceNamespace makes namespace available to subscribers. The
// announcement runs in the background; if the engine rejects it later the
// namespace is dropped and the failure is kept as the background error.
func (c *Client) AnnounceNamespace(namespace string) error {
	const op = "announce_namespace"
	return Do(op, func() error {
		if c == nil {
			return NullArgument(op, "client")
		}
		if namespace == "" {
			return newError(InvalidArgument, op, "namespace is empty")
		}

		var err error
		c.withState(func(st *sessionState) {
			if st.status != Connected {
				err = newError(NotConnected, op, "not connected")
				return
			}
			if _, ok := st.namespaces[namespace]; ok {
				err = newError(Internal, op, "namespace already announced: %s", namespace)
				return
			}

			tw, tr := serve.NewTracks(namespace)
			a := &announcement{tw: tw}
			pub := st.publisher
			a.task = c.rt.Spawn(st.ctx, "announce", func(ctx context.Context) {
				c.runAnnounce(ctx, pub, tr, a)
			})
			st.namespaces[namespace] = a
		})
		if err != nil {
			return err
		}

		logrus.WithFields(logrus.Fields{
			"function":  "Client.AnnounceNamespace",
			"client":    c.id,
			"namespace": namespace,
		}).Info("Announced namespace")
		return nil
	})
}

func (c *Client) runAnnounce(ctx context.Context, pub engine.Publisher, tr *serve.TracksReader, a *announcement) {
	err := pub.Announce(ctx, tr)
	if ctx.Err() != nil {
		return
	}

	log := logrus.WithFields(logrus.Fields{
		"function":  "Client.runAnnounce",
		"client":    c.id,
		"namespace": tr.Namespace(),
	})
	if err == nil {
		log.Debug("Announcement ended")
		return
	}
	log.WithField("error", err.Error()).Error("Announcement failed")

	c.withState(func(st *sessionState) {
		if st.namespaces[tr.Namespace()] == a {
			delete(st.namespaces, tr.Namespace())
		}
		st.bgErr = fmt.Errorf("announce %s: %w", tr.Namespace(), err)
	})
	a.tw.Close(err)
}

// SubscribeAnnounces registers cb for namespaces announced by other peers.
// A nil cb unregisters. The callback is kept across disconnects and starts
// receiving once the client is connected.
func (c *Client) SubscribeAnnounces(cb TrackCallback) error {
	const op = "subscribe_announces"
	return Do(op, func() error {
		if c == nil {
			return NullArgument(op, "client")
		}

		var (
			old *Task
			err error
		)
		c.withState(func(st *sessionState) {
			if cb != nil && st.status == Connected {
				w, ok := st.session.(engine.AnnounceWatcher)
				if !ok {
					err = newError(Unsupported, op, "engine does not report announcements")
					return
				}
				old = st.watch
				st.watch = c.watch(st.ctx, w, cb)
			} else {
				old = st.watch
				st.watch = nil
			}
			st.onTrack = cb
		})
		if old != nil {
			old.Abort()
		}
		return err
	})
}

func (c *Client) watch(ctx context.Context, w engine.AnnounceWatcher, cb TrackCallback) *Task {
	return c.rt.Spawn(ctx, "watch-announces", func(ctx context.Context) {
		err := w.WatchAnnounces(ctx, func(namespace string) {
			invoke(kindTrack, func() { cb(namespace, "") })
		})
		if err == nil || ctx.Err() != nil {
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "Client.watch",
			"client":   c.id,
			"error":    err.Error(),
		}).Warn("Announcement watch ended")
		c.recordBackground(fmt.Errorf("watch announces: %w", err))
	})
}

// Destroy disconnects without notifying the connection callback. The
// client must not be used afterwards.
func (c *Client) Destroy() {
	if c == nil {
		return
	}
	_ = Do("client_destroy", func() error {
		c.teardown(nil, nil)
		c.withState(func(st *sessionState) {
			st.onState = nil
			st.onTrack = nil
		})
		logrus.WithFields(logrus.Fields{
			"function": "Client.Destroy",
			"client":   c.id,
		}).Debug("Destroyed client")
		return nil
	})
}

// connection returns what subscribe needs from a connected session.
func (c *Client) connection(op string) (engine.Subscriber, context.Context, error) {
	var (
		sub engine.Subscriber
		ctx context.Context
		err error
	)
	c.withState(func(st *sessionState) {
		if st.status != Connected {
			err = newError(NotConnected, op, "not connected")
			return
		}
		sub, ctx = st.subscriber, st.ctx
	})
	return sub, ctx, err
}

func notify(cb ConnectionCallback, s ConnectionState) {
	if cb == nil {
		return
	}
	invoke(kindConnection, func() { cb(s) })
}

func closeSession(sess engine.Session) {
	if sess == nil {
		return
	}
	if err := sess.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "closeSession",
			"error":    err.Error(),
		}).Warn("Failed to close engine session")
	}
}
