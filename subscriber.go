package moqbridge

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/moqbridge/engine"
	"github.com/opd-ai/moqbridge/serve"
)

// DataCallback receives one complete object. The slice is only valid for
// the duration of the call.
type DataCallback func(data []byte)

// Subscriber receives one track in the background.
type Subscriber struct {
	namespace string
	track     string
	kind      callbackKind
	handle    func([]byte)

	stopped atomic.Bool

	mu     sync.Mutex
	active bool
	task   *Task
	sub    engine.Subscription
}

// Subscribe requests namespace/track and delivers every object to cb from
// a background goroutine. A nil cb subscribes without delivering.
func (c *Client) Subscribe(namespace, track string, cb DataCallback) (*Subscriber, error) {
	const op = "subscribe"
	return DoValue(op, func() (*Subscriber, error) {
		if c == nil {
			return nil, NullArgument(op, "client")
		}
		handle := func(data []byte) {
			if cb != nil {
				invoke(kindData, func() { cb(data) })
			}
		}
		return c.subscribe(op, namespace, track, kindData, handle)
	})
}

func (c *Client) subscribe(op, namespace, track string, kind callbackKind, handle func([]byte)) (*Subscriber, error) {
	if namespace == "" || track == "" {
		return nil, newError(InvalidArgument, op, "namespace and track must not be empty")
	}
	es, sctx, err := c.connection(op)
	if err != nil {
		return nil, err
	}

	tw, tr := serve.NewTrack(namespace, track)
	sub, err := blockOn(c.rt, op, c.subscribeTimeout, func(ctx context.Context) (engine.Subscription, error) {
		return es.Subscribe(ctx, tw)
	}, func(s engine.Subscription) { _ = s.Close() })
	if err != nil {
		tw.Close(err)
		return nil, subscribeError(op, err)
	}

	s := &Subscriber{
		namespace: namespace,
		track:     track,
		kind:      kind,
		handle:    handle,
		sub:       sub,
		active:    true,
	}
	metrics.activeSubs.Inc()
	s.mu.Lock()
	s.task = c.rt.Spawn(sctx, "reader", func(ctx context.Context) {
		defer s.stop()
		s.read(ctx, tr)
	})
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Client.Subscribe",
		"client":    c.id,
		"namespace": namespace,
		"track":     track,
	}).Info("Subscribed")
	return s, nil
}

func subscribeError(op string, err error) error {
	var be *Error
	switch {
	case errors.As(err, &be):
		return err
	case errors.Is(err, engine.ErrNotFound):
		return wrapError(Internal, op, err)
	case errors.Is(err, serve.ErrClosed), errors.Is(err, context.Canceled):
		return wrapError(NotConnected, op, err)
	default:
		return wrapError(ConnectionFailed, op, err)
	}
}

func (s *Subscriber) read(ctx context.Context, tr *serve.TrackReader) {
	log := logrus.WithFields(logrus.Fields{
		"function":  "Subscriber.read",
		"namespace": s.namespace,
		"track":     s.track,
		"kind":      string(s.kind),
	})

	mode, err := tr.Mode(ctx)
	if err == nil {
		switch r := mode.(type) {
		case *serve.StreamReader:
			err = s.readStream(ctx, r)
		case *serve.DatagramsReader:
			err = s.readDatagrams(ctx, r)
		}
	}

	switch {
	case err == nil, errors.Is(err, io.EOF):
		log.Info("Track ended")
	case ctx.Err() != nil:
		log.Debug("Reader cancelled")
	case throttled("read:" + s.namespace + "/" + s.track):
	default:
		log.WithField("error", err.Error()).Error("Track read failed")
	}
}

func (s *Subscriber) readStream(ctx context.Context, r *serve.StreamReader) error {
	for {
		gr, err := r.Next(ctx)
		if err != nil {
			return err
		}
		for {
			or, err := gr.Next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}
			payload, err := or.ReadAll(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logrus.WithFields(logrus.Fields{
					"function": "Subscriber.readStream",
					"group":    gr.ID(),
					"object":   or.ID(),
					"error":    err.Error(),
				}).Debug("Delivering truncated object")
			}
			if len(payload) == 0 {
				continue
			}
			s.deliver(payload)
		}
	}
}

func (s *Subscriber) readDatagrams(ctx context.Context, r *serve.DatagramsReader) error {
	for {
		d, err := r.Read(ctx)
		if err != nil {
			return err
		}
		s.deliver(d.Payload)
	}
}

func (s *Subscriber) deliver(payload []byte) {
	if s.stopped.Load() {
		return
	}
	metrics.objectsDelivered.Inc()
	s.handle(payload)
}

// stop clears active and releases the engine subscription. It runs both
// from Unsubscribe and when the reader ends on its own.
func (s *Subscriber) stop() *Task {
	s.stopped.Store(true)

	s.mu.Lock()
	wasActive := s.active
	s.active = false
	task, sub := s.task, s.sub
	s.task, s.sub = nil, nil
	s.mu.Unlock()

	if wasActive {
		metrics.activeSubs.Dec()
	}
	if sub != nil {
		if err := sub.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Subscriber.stop",
				"namespace": s.namespace,
				"track":     s.track,
				"error":     err.Error(),
			}).Warn("Failed to close subscription")
		}
	}
	return task
}

// Unsubscribe stops delivery. A callback that was already being dispatched
// may still run shortly after it returns; none starts once the reader
// task has exited. It is idempotent and leaves the handle valid.
func (s *Subscriber) Unsubscribe() error {
	const op = "unsubscribe"
	return Do(op, func() error {
		if s == nil {
			return NullArgument(op, "subscriber")
		}
		if task := s.stop(); task != nil {
			task.Abort()
		}
		logrus.WithFields(logrus.Fields{
			"function":  "Subscriber.Unsubscribe",
			"namespace": s.namespace,
			"track":     s.track,
		}).Debug("Unsubscribed")
		return nil
	})
}

// IsSubscribed reports whether the reader is still running.
func (s *Subscriber) IsSubscribed() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Destroy unsubscribes. It is safe on nil.
func (s *Subscriber) Destroy() {
	if s == nil {
		return
	}
	_ = s.Unsubscribe()
}
