package moqbridge

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/moqbridge/engine"
	"github.com/opd-ai/moqbridge/limits"
	"github.com/opd-ai/moqbridge/relay"
	"github.com/opd-ai/moqbridge/serve"
	"github.com/opd-ai/moqbridge/transport"
)

const testURL = "moqt://relay.test"

func newLocalClient(t *testing.T, router *relay.Router) *Client {
	t.Helper()
	c := NewClient(
		WithDialer(relay.NewLocal(router)),
		WithConnectTimeout(2*time.Second),
		WithSubscribeTimeout(2*time.Second),
	)
	t.Cleanup(c.Destroy)
	return c
}

func connectLocal(t *testing.T, router *relay.Router) *Client {
	t.Helper()
	c := newLocalClient(t, router)
	require.NoError(t, c.Connect(testURL, nil))
	return c
}

// recorder collects callback payloads.
type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) add(b []byte) {
	r.mu.Lock()
	r.msgs = append(r.msgs, string(b))
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func (r *recorder) count() int {
	return len(r.snapshot())
}

type stateLog struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (l *stateLog) record(s ConnectionState) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) get() []ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ConnectionState(nil), l.states...)
}

type fakeSession struct {
	run    func(ctx context.Context) error
	sub    engine.Subscriber
	closed atomic.Bool
}

func (s *fakeSession) Publisher() engine.Publisher   { return nil }
func (s *fakeSession) Subscriber() engine.Subscriber { return s.sub }
func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *fakeSession) Run(ctx context.Context) error {
	if s.run != nil {
		return s.run(ctx)
	}
	<-ctx.Done()
	return nil
}

type hangingSubscriber struct{}

func (hangingSubscriber) Subscribe(ctx context.Context, w *serve.TrackWriter) (engine.Subscription, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func hangingDialer() engine.Dialer {
	return engine.DialerFunc(func(ctx context.Context, u *url.URL) (engine.Session, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

func TestHelloScenario(t *testing.T) {
	router := relay.NewRouter()
	a := connectLocal(t, router)
	require.NoError(t, a.AnnounceNamespace("ns"))
	pub, err := a.CreatePublisher("ns", "t", Stream)
	require.NoError(t, err)
	t.Cleanup(pub.Destroy)

	b := connectLocal(t, router)
	var rec recorder
	sub, err := b.Subscribe("ns", "t", rec.add)
	require.NoError(t, err)
	t.Cleanup(sub.Destroy)

	require.NoError(t, pub.Publish([]byte("hello")))

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"hello"}, rec.snapshot())
}

func TestStreamPublishPreservesOrder(t *testing.T) {
	router := relay.NewRouter()
	a := connectLocal(t, router)
	require.NoError(t, a.AnnounceNamespace("ns"))
	pub, err := a.CreatePublisher("ns", "ordered", Stream)
	require.NoError(t, err)

	b := connectLocal(t, router)
	var rec recorder
	_, err = b.Subscribe("ns", "ordered", rec.add)
	require.NoError(t, err)

	const n = 200
	want := make([]string, n)
	for i := 0; i < n; i++ {
		want[i] = fmt.Sprintf("payload-%03d", i)
		require.NoError(t, pub.Publish([]byte(want[i])))
	}

	require.Eventually(t, func() bool { return rec.count() == n }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, rec.snapshot())
}

func TestConcurrentPublishKeepsGroupOrder(t *testing.T) {
	router := relay.NewRouter()
	a := connectLocal(t, router)
	require.NoError(t, a.AnnounceNamespace("ns"))
	pub, err := a.CreatePublisher("ns", "shared", Stream)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	u, err := url.Parse(testURL)
	require.NoError(t, err)
	sess, err := relay.NewLocal(router).Dial(ctx, u)
	require.NoError(t, err)
	defer sess.Close()

	w, r := serve.NewTrack("ns", "shared")
	_, err = sess.Subscriber().Subscribe(ctx, w)
	require.NoError(t, err)

	const (
		writers = 8
		each    = 100
	)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				assert.NoError(t, pub.Publish([]byte{byte(j)}))
			}
		}()
	}
	wg.Wait()
	pub.Destroy()

	mode, err := r.Mode(ctx)
	require.NoError(t, err)
	sr := mode.(*serve.StreamReader)
	var ids []uint64
	for {
		gr, err := sr.Next(ctx)
		if err != nil {
			break
		}
		ids = append(ids, gr.ID())
	}
	require.Len(t, ids, writers*each)
	for i := 1; i < len(ids); i++ {
		require.Less(t, ids[i-1], ids[i], "group %d delivered after group %d", ids[i], ids[i-1])
	}
}

func TestDatagramPayloadsMatchSent(t *testing.T) {
	router := relay.NewRouter()
	a := connectLocal(t, router)
	require.NoError(t, a.AnnounceNamespace("ns"))
	pub, err := a.CreatePublisher("ns", "dg", Datagram)
	require.NoError(t, err)
	assert.Equal(t, Datagram, pub.Mode())

	b := connectLocal(t, router)
	var rec recorder
	_, err = b.Subscribe("ns", "dg", rec.add)
	require.NoError(t, err)

	sent := make(map[string]bool)
	for i := 0; i < 50; i++ {
		msg := fmt.Sprintf("dg-%d", i)
		sent[msg] = true
		require.NoError(t, pub.Publish([]byte(msg)))
	}

	require.Eventually(t, func() bool { return rec.count() > 0 }, 2*time.Second, 5*time.Millisecond)
	for _, got := range rec.snapshot() {
		assert.True(t, sent[got], "received unknown datagram %q", got)
	}
}

func TestUnsubscribeStopsCallbacks(t *testing.T) {
	router := relay.NewRouter()
	a := connectLocal(t, router)
	require.NoError(t, a.AnnounceNamespace("ns"))
	pub, err := a.CreatePublisher("ns", "t", Stream)
	require.NoError(t, err)

	b := connectLocal(t, router)
	var rec recorder
	sub, err := b.Subscribe("ns", "t", rec.add)
	require.NoError(t, err)
	assert.True(t, sub.IsSubscribed())

	require.NoError(t, pub.Publish([]byte("before")))
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsSubscribed())
	require.NoError(t, sub.Unsubscribe(), "unsubscribe must be idempotent")

	for i := 0; i < 10; i++ {
		require.NoError(t, pub.Publish([]byte("after")))
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"before"}, rec.snapshot())
}

func TestPanickingCallbackKeepsDelivering(t *testing.T) {
	router := relay.NewRouter()
	a := connectLocal(t, router)
	require.NoError(t, a.AnnounceNamespace("ns"))
	pub, err := a.CreatePublisher("ns", "t", Stream)
	require.NoError(t, err)

	b := connectLocal(t, router)
	var calls atomic.Int32
	_, err = b.Subscribe("ns", "t", func([]byte) {
		calls.Add(1)
		panic("caller bug")
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, pub.Publish([]byte{byte(i + 1)}))
	}
	require.Eventually(t, func() bool { return calls.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestConnectReportsStates(t *testing.T) {
	router := relay.NewRouter()
	c := newLocalClient(t, router)

	var log stateLog
	require.NoError(t, c.Connect(testURL, log.record))
	assert.True(t, c.IsConnected())
	assert.Equal(t, Connected, c.State())
	assert.Equal(t, []ConnectionState{Connecting, Connected}, log.get())

	err := c.Connect(testURL, log.record)
	assert.Equal(t, InvalidArgument, CodeOf(err))

	require.NoError(t, c.Disconnect())
	assert.False(t, c.IsConnected())
	assert.Equal(t, []ConnectionState{Connecting, Connected, Disconnected}, log.get())

	require.NoError(t, c.Connect(testURL, nil), "a disconnected client can reconnect")
}

func TestConnectRejectsSchemeBeforeIO(t *testing.T) {
	var dialed atomic.Bool
	c := NewClient(WithDialer(engine.DialerFunc(func(ctx context.Context, u *url.URL) (engine.Session, error) {
		dialed.Store(true)
		return nil, errors.New("unexpected dial")
	})))
	t.Cleanup(c.Destroy)

	var log stateLog
	for _, raw := range []string{"https://relay.test", "relay.test", "", "moqt://"} {
		err := c.Connect(raw, log.record)
		assert.Equal(t, InvalidArgument, CodeOf(err), raw)
	}
	assert.False(t, dialed.Load())
	assert.Empty(t, log.get())
	assert.Equal(t, Disconnected, c.State())
}

func TestConnectTimeout(t *testing.T) {
	c := NewClient(WithDialer(hangingDialer()), WithConnectTimeout(200*time.Millisecond))
	t.Cleanup(c.Destroy)

	var log stateLog
	start := time.Now()
	err := c.Connect(testURL, log.record)
	elapsed := time.Since(start)

	assert.Equal(t, Timeout, CodeOf(err))
	assert.Equal(t, "connect timed out after 200ms", err.Error())
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, []ConnectionState{Connecting, Failed}, log.get())
	assert.Equal(t, Disconnected, c.State())
}

func TestConnectUnroutableTakesFullTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the full connect timeout")
	}
	c := NewClient(WithDialer(&transport.Dialer{}))
	t.Cleanup(c.Destroy)

	start := time.Now()
	err := c.Connect("moqt://10.255.255.1:4433", nil)
	elapsed := time.Since(start)

	if CodeOf(err) == ConnectionFailed {
		t.Skipf("network refused the address immediately: %v", err)
	}
	assert.Equal(t, Timeout, CodeOf(err))
	assert.GreaterOrEqual(t, elapsed, DefaultConnectTimeout)
	assert.Less(t, elapsed, DefaultConnectTimeout+5*time.Second)
}

func TestLateSessionIsClosed(t *testing.T) {
	late := &fakeSession{}
	release := make(chan struct{})
	c := NewClient(
		WithDialer(engine.DialerFunc(func(ctx context.Context, u *url.URL) (engine.Session, error) {
			<-release
			return late, nil
		})),
		WithConnectTimeout(30*time.Millisecond),
	)
	t.Cleanup(c.Destroy)

	err := c.Connect(testURL, nil)
	assert.Equal(t, Timeout, CodeOf(err))

	close(release)
	require.Eventually(t, late.closed.Load, time.Second, 5*time.Millisecond)
	assert.False(t, c.IsConnected())
}

func TestConnectFailureMapsToConnectionFailed(t *testing.T) {
	c := NewClient(WithDialer(engine.DialerFunc(func(ctx context.Context, u *url.URL) (engine.Session, error) {
		return nil, errors.New("connection refused")
	})))
	t.Cleanup(c.Destroy)

	var log stateLog
	err := c.Connect(testURL, log.record)
	assert.Equal(t, ConnectionFailed, CodeOf(err))
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, []ConnectionState{Connecting, Failed}, log.get())
}

func TestSessionFailureDisconnects(t *testing.T) {
	connected := make(chan struct{})
	sess := &fakeSession{run: func(ctx context.Context) error {
		<-connected
		return errors.New("peer vanished")
	}}
	c := NewClient(WithDialer(engine.DialerFunc(func(ctx context.Context, u *url.URL) (engine.Session, error) {
		return sess, nil
	})))
	t.Cleanup(c.Destroy)

	var log stateLog
	require.NoError(t, c.Connect(testURL, log.record))
	close(connected)

	require.Eventually(t, func() bool { return !c.IsConnected() }, time.Second, 5*time.Millisecond)
	assert.ErrorContains(t, c.BackgroundError(), "peer vanished")
	assert.True(t, sess.closed.Load())
	require.Eventually(t, func() bool {
		states := log.get()
		return len(states) == 3 && states[2] == Disconnected
	}, time.Second, 5*time.Millisecond)
}

func TestOperationsRequireConnection(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c := newLocalClient(t, relay.NewRouter())

	err := c.AnnounceNamespace("ns")
	assert.Equal(t, NotConnected, CodeOf(err))
	msg, ok := LastError()
	require.True(t, ok)
	assert.Equal(t, "not connected", msg)

	_, err = c.CreatePublisher("ns", "t", Stream)
	assert.Equal(t, NotConnected, CodeOf(err))

	sub, err := c.Subscribe("ns", "t", nil)
	assert.Nil(t, sub)
	assert.Equal(t, NotConnected, CodeOf(err))

	assert.NoError(t, c.Disconnect(), "disconnect on a disconnected client is a no-op")
}

func TestNilHandles(t *testing.T) {
	var c *Client
	assert.Equal(t, InvalidArgument, CodeOf(c.Connect(testURL, nil)))
	assert.Equal(t, InvalidArgument, CodeOf(c.Disconnect()))
	assert.Equal(t, InvalidArgument, CodeOf(c.AnnounceNamespace("ns")))
	assert.Equal(t, InvalidArgument, CodeOf(c.SubscribeAnnounces(nil)))
	assert.False(t, c.IsConnected())
	assert.NoError(t, c.BackgroundError())
	c.Destroy()

	_, err := c.CreatePublisher("ns", "t", Stream)
	assert.Equal(t, InvalidArgument, CodeOf(err))
	_, err = c.Subscribe("ns", "t", nil)
	assert.Equal(t, InvalidArgument, CodeOf(err))
	_, err = c.SubscribeCatalog("ns", "catalog", func([]TrackInfo) {})
	assert.Equal(t, InvalidArgument, CodeOf(err))

	var p *Publisher
	assert.Equal(t, InvalidArgument, CodeOf(p.Publish([]byte("x"))))
	p.Destroy()

	var s *Subscriber
	assert.Equal(t, InvalidArgument, CodeOf(s.Unsubscribe()))
	assert.False(t, s.IsSubscribed())
	s.Destroy()
}

func TestAnnounceAndPublisherErrors(t *testing.T) {
	router := relay.NewRouter()
	c := connectLocal(t, router)

	assert.Equal(t, InvalidArgument, CodeOf(c.AnnounceNamespace("")))
	require.NoError(t, c.AnnounceNamespace("ns"))
	assert.Equal(t, Internal, CodeOf(c.AnnounceNamespace("ns")))

	_, err := c.CreatePublisher("other", "t", Stream)
	assert.Equal(t, InvalidArgument, CodeOf(err))
	_, err = c.CreatePublisher("ns", "t", DeliveryMode(9))
	assert.Equal(t, InvalidArgument, CodeOf(err))

	pub, err := c.CreatePublisher("ns", "t", Stream)
	require.NoError(t, err)
	_, err = c.CreatePublisher("ns", "t", Datagram)
	assert.Equal(t, InvalidArgument, CodeOf(err), "track already has a live publisher")

	require.NoError(t, pub.Publish(nil), "empty payloads are accepted")
	pub.Destroy()
	pub.Destroy()
	assert.Equal(t, InvalidArgument, CodeOf(pub.Publish([]byte("x"))))
}

func TestOversizedDatagramRejected(t *testing.T) {
	c := connectLocal(t, relay.NewRouter())
	require.NoError(t, c.AnnounceNamespace("ns"))
	pub, err := c.CreatePublisher("ns", "dg", Datagram)
	require.NoError(t, err)

	err = pub.Publish(make([]byte, limits.MaxDatagramPayload+1))
	assert.Equal(t, InvalidArgument, CodeOf(err))
	assert.ErrorIs(t, err, limits.ErrPayloadTooLarge)
	assert.NoError(t, pub.Publish(make([]byte, limits.MaxDatagramPayload)))
}

func TestPublishAfterDisconnect(t *testing.T) {
	c := connectLocal(t, relay.NewRouter())
	require.NoError(t, c.AnnounceNamespace("ns"))
	pub, err := c.CreatePublisher("ns", "t", Stream)
	require.NoError(t, err)

	require.NoError(t, c.Disconnect())
	assert.Equal(t, NotConnected, CodeOf(pub.Publish([]byte("late"))))
}

func TestRejectedAnnouncementIsDropped(t *testing.T) {
	router := relay.NewRouter()
	first := connectLocal(t, router)
	require.NoError(t, first.AnnounceNamespace("ns"))
	require.Eventually(t, func() bool {
		return len(router.Namespaces()) == 1
	}, time.Second, 5*time.Millisecond)

	second := connectLocal(t, router)
	require.NoError(t, second.AnnounceNamespace("ns"), "rejection is reported in the background")

	require.Eventually(t, func() bool { return second.BackgroundError() != nil }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, second.BackgroundError(), relay.ErrDuplicate)

	_, err := second.CreatePublisher("ns", "t", Stream)
	assert.Equal(t, InvalidArgument, CodeOf(err))
}

func TestSubscribeMissingTrack(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c := connectLocal(t, relay.NewRouter())
	sub, err := c.Subscribe("nowhere", "t", nil)
	assert.Nil(t, sub)
	assert.Equal(t, Internal, CodeOf(err))
	assert.ErrorIs(t, err, engine.ErrNotFound)

	msg, ok := LastError()
	require.True(t, ok)
	assert.Equal(t, err.Error(), msg)
}

func TestSubscribeTimeout(t *testing.T) {
	sess := &fakeSession{sub: hangingSubscriber{}}
	c := NewClient(
		WithDialer(engine.DialerFunc(func(ctx context.Context, u *url.URL) (engine.Session, error) {
			return sess, nil
		})),
		WithSubscribeTimeout(50*time.Millisecond),
	)
	t.Cleanup(c.Destroy)
	require.NoError(t, c.Connect(testURL, nil))

	start := time.Now()
	sub, err := c.Subscribe("ns", "t", nil)
	assert.Nil(t, sub)
	assert.Equal(t, Timeout, CodeOf(err))
	assert.Equal(t, "subscribe timed out after 50ms", err.Error())
	assert.Less(t, time.Since(start), time.Second)
}

func TestDisconnectStopsSubscribers(t *testing.T) {
	router := relay.NewRouter()
	a := connectLocal(t, router)
	require.NoError(t, a.AnnounceNamespace("ns"))
	_, err := a.CreatePublisher("ns", "t", Stream)
	require.NoError(t, err)

	b := connectLocal(t, router)
	sub, err := b.Subscribe("ns", "t", nil)
	require.NoError(t, err)
	require.True(t, sub.IsSubscribed())

	require.NoError(t, b.Disconnect())
	require.Eventually(t, func() bool { return !sub.IsSubscribed() }, time.Second, 5*time.Millisecond)
}

func TestPublisherDestroyEndsSubscription(t *testing.T) {
	router := relay.NewRouter()
	a := connectLocal(t, router)
	require.NoError(t, a.AnnounceNamespace("ns"))
	pub, err := a.CreatePublisher("ns", "t", Stream)
	require.NoError(t, err)

	b := connectLocal(t, router)
	sub, err := b.Subscribe("ns", "t", nil)
	require.NoError(t, err)

	pub.Destroy()
	require.Eventually(t, func() bool { return !sub.IsSubscribed() }, time.Second, 5*time.Millisecond)
}

func TestSubscribeAnnounces(t *testing.T) {
	router := relay.NewRouter()
	watcher := newLocalClient(t, router)

	seen := make(chan string, 8)
	require.NoError(t, watcher.SubscribeAnnounces(func(ns, track string) {
		assert.Empty(t, track)
		seen <- ns
	}), "the callback is stored until connect")
	require.NoError(t, watcher.Connect(testURL, nil))

	pub := connectLocal(t, router)
	require.NoError(t, pub.AnnounceNamespace("live"))

	select {
	case ns := <-seen:
		assert.Equal(t, "live", ns)
	case <-time.After(2 * time.Second):
		t.Fatal("announcement not reported")
	}

	require.NoError(t, watcher.SubscribeAnnounces(nil))
	require.NoError(t, pub.AnnounceNamespace("quiet"))
	select {
	case ns := <-seen:
		t.Fatalf("unregistered callback saw %q", ns)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeAnnouncesUnsupported(t *testing.T) {
	c := NewClient(WithDialer(engine.DialerFunc(func(ctx context.Context, u *url.URL) (engine.Session, error) {
		return &fakeSession{}, nil
	})))
	t.Cleanup(c.Destroy)
	require.NoError(t, c.Connect(testURL, nil))

	err := c.SubscribeAnnounces(func(string, string) {})
	assert.Equal(t, Unsupported, CodeOf(err))
}

func TestSubscribeCatalog(t *testing.T) {
	router := relay.NewRouter()
	a := connectLocal(t, router)
	require.NoError(t, a.AnnounceNamespace("show"))
	pub, err := a.CreatePublisher("show", "catalog", Stream)
	require.NoError(t, err)

	b := connectLocal(t, router)
	got := make(chan []TrackInfo, 4)
	_, err = b.SubscribeCatalog("show", "catalog", func(tracks []TrackInfo) { got <- tracks })
	require.NoError(t, err)

	require.NoError(t, pub.Publish([]byte("{broken")))
	require.NoError(t, pub.Publish([]byte(`{"version":1,"tracks":[{"name":"video","selectionParams":{"codec":"av01","width":640,"height":360}}]}`)))

	select {
	case tracks := <-got:
		require.Len(t, tracks, 1)
		assert.Equal(t, TrackInfo{Name: "video", Codec: "av01", Width: 640, Height: 360}, tracks[0])
	case <-time.After(2 * time.Second):
		t.Fatal("catalog not delivered")
	}

	_, err = b.SubscribeCatalog("show", "catalog", nil)
	assert.Equal(t, InvalidArgument, CodeOf(err))
}

func TestPoisonedStateRecovers(t *testing.T) {
	c := newLocalClient(t, relay.NewRouter())

	func() {
		defer func() { _ = recover() }()
		c.withState(func(st *sessionState) {
			panic("holder bug")
		})
	}()
	assert.True(t, c.poisoned)

	assert.False(t, c.IsConnected())
	assert.False(t, c.poisoned)
}

func TestCreateDestroyLoop(t *testing.T) {
	before := runtime.NumGoroutine()
	for i := 0; i < 100; i++ {
		c := NewClient()
		c.Destroy()
	}
	var nilClient *Client
	nilClient.Destroy()

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, time.Second, 10*time.Millisecond)
}
