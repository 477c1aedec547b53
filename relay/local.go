package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/moqbridge/engine"
	"github.com/opd-ai/moqbridge/serve"
)

// Local is an engine that talks to a Router in the same process. Every
// session dialed through it shares the router, so a publisher and a
// subscriber created from two sessions see each other.
type Local struct {
	router *Router
}

// NewLocal returns an in-process engine backed by router.
func NewLocal(router *Router) *Local {
	return &Local{router: router}
}

// Router returns the router the engine is bound to.
func (l *Local) Router() *Router {
	return l.router
}

// Dial implements engine.Dialer. The URL is only used for logging.
func (l *Local) Dial(ctx context.Context, u *url.URL) (engine.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.Background())
	logrus.WithFields(logrus.Fields{
		"function": "Local.Dial",
		"url":      u.String(),
	}).Debug("Opened in-process session")

	return &localSession{router: l.router, url: u.String(), ctx: sctx, cancel: cancel}, nil
}

type localSession struct {
	router *Router
	url    string
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

func (s *localSession) Publisher() engine.Publisher   { return s }
func (s *localSession) Subscriber() engine.Subscriber { return s }

func (s *localSession) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-s.ctx.Done():
	}
	return nil
}

func (s *localSession) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		logrus.WithFields(logrus.Fields{
			"function": "localSession.Close",
			"url":      s.url,
		}).Debug("Closed in-process session")
	})
	return nil
}

// Announce implements engine.Publisher.
func (s *localSession) Announce(ctx context.Context, tracks *serve.TracksReader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	return s.router.Announce(ctx, tracks)
}

// WatchAnnounces implements engine.AnnounceWatcher.
func (s *localSession) WatchAnnounces(ctx context.Context, fn func(namespace string)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	return s.router.Watch(ctx, fn)
}

// Subscribe implements engine.Subscriber. The delivery mode of w mirrors
// the source track before Subscribe returns; data is then copied in the
// background until the source ends or the subscription is closed.
func (s *localSession) Subscribe(ctx context.Context, w *serve.TrackWriter) (engine.Subscription, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, fmt.Errorf("session closed: %w", err)
	}

	tr, err := s.router.Subscribe(ctx, w.Namespace(), w.Name())
	if err != nil {
		return nil, err
	}
	mode, err := tr.Mode(ctx)
	if err != nil {
		return nil, err
	}

	fctx, cancel := context.WithCancel(s.ctx)
	sub := &localSubscription{cancel: cancel, done: make(chan struct{})}

	switch src := mode.(type) {
	case *serve.StreamReader:
		dst, err := w.Stream(src.Priority())
		if err != nil {
			cancel()
			return nil, err
		}
		go func() {
			defer close(sub.done)
			dst.Close(forwardStream(fctx, src, dst))
		}()
	case *serve.DatagramsReader:
		dst, err := w.Datagrams()
		if err != nil {
			cancel()
			return nil, err
		}
		go func() {
			defer close(sub.done)
			dst.Close(forwardDatagrams(fctx, src, dst))
		}()
	default:
		cancel()
		return nil, fmt.Errorf("unexpected track mode %T", mode)
	}
	return sub, nil
}

type localSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *localSubscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// forwardStream copies groups from src to dst in order. It returns nil when
// src ended cleanly.
func forwardStream(ctx context.Context, src *serve.StreamReader, dst *serve.StreamWriter) error {
	for {
		gr, err := src.Next(ctx)
		if err != nil {
			return endOf(err)
		}
		gw, err := dst.Create(gr.ID())
		if err != nil {
			return err
		}
		if err := forwardGroup(ctx, gr, gw); err != nil {
			return endOf(err)
		}
	}
}

func forwardGroup(ctx context.Context, gr *serve.GroupReader, gw *serve.GroupWriter) error {
	defer gw.Close()
	for {
		or, err := gr.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		ow, err := gw.CreateObject()
		if err != nil {
			return err
		}
		if err := forwardObject(ctx, or, ow); err != nil {
			return err
		}
	}
}

func forwardObject(ctx context.Context, or *serve.ObjectReader, ow *serve.ObjectWriter) error {
	defer ow.Close()
	for {
		chunk, err := or.Read(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := ow.Write(chunk); err != nil {
			return err
		}
	}
}

func forwardDatagrams(ctx context.Context, src *serve.DatagramsReader, dst *serve.DatagramsWriter) error {
	for {
		d, err := src.Read(ctx)
		if err != nil {
			return endOf(err)
		}
		if err := dst.Write(d); err != nil {
			return err
		}
	}
}

// endOf maps a clean end of stream to nil.
func endOf(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
