package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/moqbridge/engine"
	"github.com/opd-ai/moqbridge/serve"
)

var (
	// ErrClosed is returned once the peer connection has ended.
	ErrClosed = errors.New("peer closed")
	// ErrDuplicate is returned when a namespace is announced twice.
	ErrDuplicate = errors.New("namespace already announced")
	// ErrUnsupported is returned for requests the remote side does not serve.
	ErrUnsupported = errors.New("unsupported request")
)

const (
	outboxSize = 256
	// modeTimeout bounds how long a served subscription waits for the
	// publisher to pick a delivery mode.
	modeTimeout = 10 * time.Second
)

// Handler serves the requests a remote peer makes beyond the namespaces
// this peer announced itself. A nil Handler rejects remote announcements
// and announcement watches.
type Handler interface {
	// Announced registers a namespace announced by the remote peer. It must
	// not block. release is called when the namespace goes away.
	Announced(src *RemoteNamespace) (release func(), err error)
	// Subscribe resolves a track the remote peer asked for.
	Subscribe(ctx context.Context, namespace, name string) (*serve.TrackReader, error)
	// WatchAnnounces reports announcements to the remote peer until ctx is done.
	WatchAnnounces(ctx context.Context, fn func(namespace string)) error
}

// Peer is one end of an established connection. Both ends can announce,
// subscribe and serve subscriptions. Peer implements engine.Session.
type Peer struct {
	id      string
	conn    *secureConn
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc
	out    chan []byte
	done   chan struct{}
	err    error

	mu        sync.Mutex
	local     map[string]*serve.TracksReader
	pending   map[string]*pendingAnnounce
	remote    map[string]*RemoteNamespace
	subs      map[uint64]*outSub
	nextSub   uint64
	serving   map[uint64]context.CancelFunc
	watchers  map[uint64]func(string)
	nextWatch uint64
	watching  bool
	watched   bool
}

type pendingAnnounce struct {
	tracks *serve.TracksReader
	reply  chan error
}

// outSub is a subscription this peer made. Only the read loop touches the
// writer fields after setup.
type outSub struct {
	w     *serve.TrackWriter
	ready chan error

	stream    *serve.StreamWriter
	datagrams *serve.DatagramsWriter
	group     *serve.GroupWriter
	groupID   uint64
	object    *serve.ObjectWriter
	objectID  uint64
}

func newPeer(conn *secureConn, h Handler) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Peer{
		id:       uuid.New().String(),
		conn:     conn,
		handler:  h,
		ctx:      ctx,
		cancel:   cancel,
		out:      make(chan []byte, outboxSize),
		done:     make(chan struct{}),
		local:    make(map[string]*serve.TracksReader),
		pending:  make(map[string]*pendingAnnounce),
		remote:   make(map[string]*RemoteNamespace),
		subs:     make(map[uint64]*outSub),
		serving:  make(map[uint64]context.CancelFunc),
		watchers: make(map[uint64]func(string)),
	}
}

// ID returns the trace id of the peer, used in logs.
func (p *Peer) ID() string { return p.id }

// RemoteKey returns the static public key the remote side authenticated with.
func (p *Peer) RemoteKey() []byte { return p.conn.remoteKey }

// Done is closed when the connection has ended.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Err returns why the connection ended. It is nil while the peer is running
// and after a local Close.
func (p *Peer) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Publisher implements engine.Session.
func (p *Peer) Publisher() engine.Publisher { return p }

// Subscriber implements engine.Session.
func (p *Peer) Subscriber() engine.Subscriber { return p }

// Run implements engine.Session. It waits for the connection to end and
// closes it when ctx is done first.
func (p *Peer) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return p.Close()
	case <-p.done:
		return p.err
	}
}

// Close ends the connection and waits for the loops to stop.
func (p *Peer) Close() error {
	p.cancel()
	<-p.done
	return nil
}

func (p *Peer) start() {
	g, ctx := errgroup.WithContext(p.ctx)
	stop := context.AfterFunc(ctx, func() { _ = p.conn.Close() })

	g.Go(func() error { return p.readLoop(ctx) })
	g.Go(func() error { return p.writeLoop(ctx) })

	go func() {
		err := g.Wait()
		stop()
		_ = p.conn.Close()
		p.finish(err)
	}()
}

func (p *Peer) finish(err error) {
	switch {
	case p.ctx.Err() != nil:
		err = nil
	case errors.Is(err, io.EOF):
		err = fmt.Errorf("%w: remote hung up", ErrClosed)
	}
	p.cancel()

	p.mu.Lock()
	subs := p.subs
	p.subs = make(map[uint64]*outSub)
	remote := p.remote
	p.remote = make(map[string]*RemoteNamespace)
	pending := p.pending
	p.pending = make(map[string]*pendingAnnounce)
	p.err = err
	p.mu.Unlock()

	closeErr := err
	if closeErr == nil {
		closeErr = ErrClosed
	}
	for _, s := range subs {
		s.closeOpen()
		s.fail(closeErr)
	}
	for _, rn := range remote {
		rn.close(closeErr)
	}
	for _, pa := range pending {
		pa.reply <- closeErr
	}

	fields := logrus.Fields{
		"function": "Peer.finish",
		"peer":     p.id,
	}
	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Warn("Peer connection ended")
	} else {
		logrus.WithFields(fields).Debug("Peer connection closed")
	}
	close(p.done)
}

func (p *Peer) closedErr() error {
	<-p.done
	if p.err != nil {
		return p.err
	}
	return ErrClosed
}

func (p *Peer) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-p.out:
			if err := p.conn.WriteFrame(b); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

func (p *Peer) readLoop(ctx context.Context) error {
	for {
		b, err := p.conn.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		m, err := decodeMessage(b)
		if err != nil {
			return err
		}
		if err := p.handle(m); err != nil {
			return err
		}
	}
}

// send queues m for the write loop. It blocks while the outbox is full.
func (p *Peer) send(m *message) error {
	b, err := encodeMessage(m)
	if err != nil {
		return err
	}
	select {
	case p.out <- b:
		return nil
	case <-p.done:
		return p.closedErr()
	case <-p.ctx.Done():
		return ErrClosed
	}
}

// reply sends m without blocking the read loop.
func (p *Peer) reply(m *message) {
	go func() {
		if err := p.send(m); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Peer.reply",
				"peer":     p.id,
				"message":  m.Type.String(),
				"error":    err.Error(),
			}).Debug("Dropped reply")
		}
	}()
}

func (p *Peer) handle(m *message) error {
	switch m.Type {
	case msgAnnounce:
		p.onAnnounce(m)
	case msgAnnounceOK, msgAnnounceError:
		p.onAnnounceReply(m)
	case msgUnannounce:
		p.onUnannounce(m)
	case msgSubscribe:
		p.onSubscribe(m)
	case msgSubscribeOK:
		p.onSubscribeOK(m)
	case msgSubscribeError:
		p.onSubscribeError(m)
	case msgUnsubscribe:
		p.onUnsubscribe(m)
	case msgSubscribeDone:
		p.onSubscribeDone(m)
	case msgObject:
		p.onObject(m)
	case msgGroupDone:
		p.onGroupDone(m)
	case msgDatagram:
		p.onDatagram(m)
	case msgWatchAnnounces:
		p.onWatch()
	case msgAnnounced:
		p.onAnnounced(m)
	default:
		return fmt.Errorf("%w: unexpected %s", ErrProtocol, m.Type)
	}
	return nil
}

// Announce implements engine.Publisher. It returns once ctx is done, the
// tracks end or the connection fails.
func (p *Peer) Announce(ctx context.Context, tracks *serve.TracksReader) error {
	ns := tracks.Namespace()
	pa := &pendingAnnounce{tracks: tracks, reply: make(chan error, 1)}

	p.mu.Lock()
	_, live := p.local[ns]
	_, waiting := p.pending[ns]
	if live || waiting {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, ns)
	}
	p.pending[ns] = pa
	p.mu.Unlock()

	if err := p.send(&message{Type: msgAnnounce, Namespace: ns}); err != nil {
		p.dropPending(ns, pa)
		return err
	}

	select {
	case err := <-pa.reply:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		p.dropPending(ns, pa)
		p.withdraw(ns, tracks)
		return ctx.Err()
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Peer.Announce",
		"peer":      p.id,
		"namespace": ns,
	}).Debug("Namespace accepted by remote")

	defer p.withdraw(ns, tracks)
	select {
	case <-ctx.Done():
		return nil
	case <-tracks.Done():
		return nil
	case <-p.done:
		return p.closedErr()
	}
}

func (p *Peer) dropPending(ns string, pa *pendingAnnounce) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending[ns] == pa {
		delete(p.pending, ns)
	}
}

func (p *Peer) withdraw(ns string, tracks *serve.TracksReader) {
	p.mu.Lock()
	owned := p.local[ns] == tracks
	if owned {
		delete(p.local, ns)
	}
	p.mu.Unlock()

	if owned {
		p.reply(&message{Type: msgUnannounce, Namespace: ns})
	}
}

func (p *Peer) onAnnounceReply(m *message) {
	p.mu.Lock()
	pa, ok := p.pending[m.Namespace]
	if ok {
		delete(p.pending, m.Namespace)
		if m.Type == msgAnnounceOK {
			p.local[m.Namespace] = pa.tracks
		}
	}
	p.mu.Unlock()

	if !ok {
		if m.Type == msgAnnounceOK {
			// The announcement was abandoned while in flight.
			p.reply(&message{Type: msgUnannounce, Namespace: m.Namespace})
		}
		return
	}
	if m.Type == msgAnnounceError {
		pa.reply <- remoteErr(m)
		return
	}
	pa.reply <- nil
}

func (p *Peer) onAnnounce(m *message) {
	ns := m.Namespace
	if p.handler == nil {
		p.reply(&message{Type: msgAnnounceError, Namespace: ns, Code: codeUnsupported, Reason: "announcements not accepted"})
		return
	}

	p.mu.Lock()
	_, dup := p.remote[ns]
	p.mu.Unlock()
	if dup {
		p.reply(&message{Type: msgAnnounceError, Namespace: ns, Code: codeDuplicate, Reason: ErrDuplicate.Error()})
		return
	}

	rn := newRemoteNamespace(p, ns)
	release, err := p.handler.Announced(rn)
	if err != nil {
		rn.close(err)
		p.reply(&message{Type: msgAnnounceError, Namespace: ns, Code: errorCode(err), Reason: err.Error()})
		return
	}
	rn.release = release

	p.mu.Lock()
	p.remote[ns] = rn
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Peer.onAnnounce",
		"peer":      p.id,
		"namespace": ns,
	}).Info("Remote announced namespace")
	p.reply(&message{Type: msgAnnounceOK, Namespace: ns})
}

func (p *Peer) onUnannounce(m *message) {
	p.mu.Lock()
	rn, ok := p.remote[m.Namespace]
	delete(p.remote, m.Namespace)
	p.mu.Unlock()

	if ok {
		rn.close(nil)
	}
}

// Subscribe implements engine.Subscriber.
func (p *Peer) Subscribe(ctx context.Context, w *serve.TrackWriter) (engine.Subscription, error) {
	s := &outSub{w: w, ready: make(chan error, 1)}

	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		return nil, p.closedErr()
	default:
	}
	id := p.nextSub
	p.nextSub++
	p.subs[id] = s
	p.mu.Unlock()

	err := p.send(&message{Type: msgSubscribe, ID: id, Namespace: w.Namespace(), Track: w.Name()})
	if err != nil {
		p.takeSub(id)
		return nil, err
	}

	select {
	case err := <-s.ready:
		if err != nil {
			return nil, err
		}
		return &remoteSubscription{peer: p, id: id}, nil
	case <-ctx.Done():
		p.abandon(id, ctx.Err())
		return nil, ctx.Err()
	}
}

type remoteSubscription struct {
	peer *Peer
	id   uint64
	once sync.Once
}

func (s *remoteSubscription) Close() error {
	s.once.Do(func() {
		s.peer.abandon(s.id, context.Canceled)
	})
	return nil
}

func (p *Peer) takeSub(id uint64) *outSub {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.subs[id]
	if ok {
		delete(p.subs, id)
	}
	return s
}

func (p *Peer) lookupSub(id uint64) *outSub {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subs[id]
}

// abandon drops a subscription locally and tells the remote to stop.
func (p *Peer) abandon(id uint64, reason error) {
	s := p.takeSub(id)
	if s == nil {
		return
	}
	s.fail(reason)
	p.reply(&message{Type: msgUnsubscribe, ID: id})
}

// fail ends the subscription. It may run outside the read loop, so it
// leaves the open group and object to closeOpen.
func (s *outSub) fail(err error) {
	select {
	case s.ready <- err:
	default:
	}
	s.w.Close(err)
}

// closeOpen completes the group and object in progress. Read loop only.
func (s *outSub) closeOpen() {
	if s.object != nil {
		s.object.Close()
		s.object = nil
	}
	if s.group != nil {
		s.group.Close()
		s.group = nil
	}
}

func (p *Peer) onSubscribeOK(m *message) {
	s := p.lookupSub(m.ID)
	if s == nil {
		return
	}

	var err error
	switch serve.Mode(m.Mode) {
	case serve.ModeStream:
		s.stream, err = s.w.Stream(m.Priority)
	case serve.ModeDatagrams:
		s.datagrams, err = s.w.Datagrams()
	default:
		err = fmt.Errorf("%w: subscription %d has mode %d", ErrProtocol, m.ID, m.Mode)
	}
	if err != nil {
		p.abandon(m.ID, err)
		return
	}
	s.ready <- nil
}

func (p *Peer) onSubscribeError(m *message) {
	s := p.takeSub(m.ID)
	if s == nil {
		return
	}
	err := remoteErr(m)
	s.ready <- err
	s.w.Close(err)
}

func (p *Peer) onSubscribeDone(m *message) {
	s := p.takeSub(m.ID)
	if s == nil {
		return
	}
	var err error
	if m.Code != codeNone {
		err = remoteErr(m)
	}
	s.closeOpen()
	s.w.Close(err)
}

func (p *Peer) onObject(m *message) {
	s := p.lookupSub(m.ID)
	if s == nil || s.stream == nil {
		return
	}

	if s.group == nil || s.groupID != m.Group {
		if s.object != nil {
			s.object.Close()
			s.object = nil
		}
		if s.group != nil {
			s.group.Close()
		}
		gw, err := s.stream.Create(m.Group)
		if err != nil {
			s.group = nil
			p.abandon(m.ID, err)
			return
		}
		s.group, s.groupID = gw, m.Group
	}

	if s.object == nil || s.objectID != m.Object {
		if s.object != nil {
			s.object.Close()
		}
		ow, err := s.group.CreateObject()
		if err != nil {
			s.object = nil
			s.closeOpen()
			p.abandon(m.ID, err)
			return
		}
		s.object, s.objectID = ow, m.Object
	}

	if len(m.Payload) > 0 {
		if err := s.object.Write(m.Payload); err != nil {
			s.closeOpen()
			p.abandon(m.ID, err)
			return
		}
	}
	if m.End {
		s.object.Close()
		s.object = nil
	}
}

func (p *Peer) onGroupDone(m *message) {
	s := p.lookupSub(m.ID)
	if s == nil || s.group == nil || s.groupID != m.Group {
		return
	}
	if s.object != nil {
		s.object.Close()
		s.object = nil
	}
	s.group.Close()
	s.group = nil
}

func (p *Peer) onDatagram(m *message) {
	s := p.lookupSub(m.ID)
	if s == nil || s.datagrams == nil {
		return
	}
	err := s.datagrams.Write(serve.Datagram{
		GroupID:  m.Group,
		ObjectID: m.Object,
		Priority: m.Priority,
		Payload:  m.Payload,
	})
	if err != nil {
		p.abandon(m.ID, err)
	}
}

// WatchAnnounces implements engine.AnnounceWatcher.
func (p *Peer) WatchAnnounces(ctx context.Context, fn func(namespace string)) error {
	p.mu.Lock()
	id := p.nextWatch
	p.nextWatch++
	p.watchers[id] = fn
	first := !p.watching
	p.watching = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.watchers, id)
		p.mu.Unlock()
	}()

	if first {
		if err := p.send(&message{Type: msgWatchAnnounces}); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
		return nil
	case <-p.done:
		return p.closedErr()
	}
}

func (p *Peer) onWatch() {
	p.mu.Lock()
	already := p.watched
	p.watched = true
	p.mu.Unlock()

	if already || p.handler == nil {
		return
	}
	go func() {
		err := p.handler.WatchAnnounces(p.ctx, func(ns string) {
			_ = p.send(&message{Type: msgAnnounced, Namespace: ns})
		})
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Peer.onWatch",
				"peer":     p.id,
				"error":    err.Error(),
			}).Warn("Announcement watch ended")
		}
	}()
}

func (p *Peer) onAnnounced(m *message) {
	p.mu.Lock()
	fns := make([]func(string), 0, len(p.watchers))
	for _, fn := range p.watchers {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(m.Namespace)
	}
}
