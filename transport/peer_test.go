package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/moqbridge/engine"
	"github.com/opd-ai/moqbridge/serve"
)

// testHandler serves fixed namespaces and records remote announcements.
type testHandler struct {
	mu        sync.Mutex
	tracks    map[string]*serve.TracksReader
	watch     []string
	announced chan *RemoteNamespace
}

func newTestHandler() *testHandler {
	return &testHandler{
		tracks:    make(map[string]*serve.TracksReader),
		announced: make(chan *RemoteNamespace, 8),
	}
}

func (h *testHandler) serveNamespace(ns string) *serve.TracksWriter {
	w, r := serve.NewTracks(ns)
	h.mu.Lock()
	h.tracks[ns] = r
	h.mu.Unlock()
	return w
}

func (h *testHandler) Announced(src *RemoteNamespace) (func(), error) {
	h.announced <- src
	return func() {}, nil
}

func (h *testHandler) Subscribe(ctx context.Context, namespace, name string) (*serve.TrackReader, error) {
	h.mu.Lock()
	r, ok := h.tracks[namespace]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrNotFound, namespace)
	}
	return r.Subscribe(ctx, name)
}

func (h *testHandler) WatchAnnounces(ctx context.Context, fn func(namespace string)) error {
	for _, ns := range h.watch {
		fn(ns)
	}
	<-ctx.Done()
	return nil
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// pipePeers connects a client peer to a server peer over net.Pipe. h may be
// nil.
func pipePeers(t *testing.T, h Handler) (client, server *Peer) {
	t.Helper()
	ctx := testContext(t)

	ckp, err := GenerateKeypair()
	require.NoError(t, err)
	skp, err := GenerateKeypair()
	require.NoError(t, err)

	c1, c2 := net.Pipe()
	accepted := make(chan *Peer, 1)
	failed := make(chan error, 1)
	go func() {
		p, err := Accept(ctx, c2, skp, h, time.Second)
		if err != nil {
			failed <- err
			return
		}
		accepted <- p
	}()

	client, err = establish(ctx, c1, ckp, true, skp.Public[:], nil, time.Second)
	require.NoError(t, err)
	select {
	case server = <-accepted:
	case err := <-failed:
		t.Fatalf("accept failed: %v", err)
	}

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func readGroups(ctx context.Context, t *testing.T, tr *serve.TrackReader, n int) []string {
	t.Helper()
	mode, err := tr.Mode(ctx)
	require.NoError(t, err)
	sr, ok := mode.(*serve.StreamReader)
	require.True(t, ok, "expected stream reader, got %T", mode)

	var out []string
	for i := 0; i < n; i++ {
		gr, err := sr.Next(ctx)
		require.NoError(t, err)
		or, err := gr.Next(ctx)
		require.NoError(t, err)
		payload, err := or.ReadAll(ctx)
		require.NoError(t, err)
		out = append(out, string(payload))
	}
	return out
}

func TestPeerSubscribeStream(t *testing.T) {
	ctx := testContext(t)
	h := newTestHandler()
	client, _ := pipePeers(t, h)

	ns := h.serveNamespace("live")
	src, err := ns.Create("video")
	require.NoError(t, err)
	sw, err := src.Stream(2)
	require.NoError(t, err)

	w, r := serve.NewTrack("live", "video")
	sub, err := client.Subscribe(ctx, w)
	require.NoError(t, err)
	defer sub.Close()

	var want []string
	for i := 0; i < 20; i++ {
		gw, err := sw.Create(uint64(i))
		require.NoError(t, err)
		msg := fmt.Sprintf("frame-%d", i)
		require.NoError(t, gw.Write([]byte(msg)))
		gw.Close()
		want = append(want, msg)
	}

	assert.Equal(t, want, readGroups(ctx, t, r, len(want)))
}

func TestPeerSplitsLargeObjects(t *testing.T) {
	ctx := testContext(t)
	h := newTestHandler()
	client, _ := pipePeers(t, h)

	src, err := h.serveNamespace("big").Create("blob")
	require.NoError(t, err)
	sw, err := src.Stream(0)
	require.NoError(t, err)

	w, r := serve.NewTrack("big", "blob")
	_, err = client.Subscribe(ctx, w)
	require.NoError(t, err)

	payload := make([]byte, 3*MaxChunkSize+17)
	for i := range payload {
		payload[i] = byte(i)
	}
	gw, err := sw.Create(0)
	require.NoError(t, err)
	require.NoError(t, gw.Write(payload))
	gw.Close()

	got := readGroups(ctx, t, r, 1)
	assert.Equal(t, string(payload), got[0])
}

func TestPeerSubscribeDatagrams(t *testing.T) {
	ctx := testContext(t)
	h := newTestHandler()
	client, _ := pipePeers(t, h)

	src, err := h.serveNamespace("sensors").Create("temp")
	require.NoError(t, err)
	dw, err := src.Datagrams()
	require.NoError(t, err)

	w, r := serve.NewTrack("sensors", "temp")
	_, err = client.Subscribe(ctx, w)
	require.NoError(t, err)

	require.NoError(t, dw.Write(serve.Datagram{GroupID: 4, ObjectID: 2, Payload: []byte("21.5")}))

	mode, err := r.Mode(ctx)
	require.NoError(t, err)
	dr, ok := mode.(*serve.DatagramsReader)
	require.True(t, ok)

	d, err := dr.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), d.GroupID)
	assert.Equal(t, uint64(2), d.ObjectID)
	assert.Equal(t, "21.5", string(d.Payload))
}

func TestPeerSubscribeNotFound(t *testing.T) {
	ctx := testContext(t)
	client, _ := pipePeers(t, newTestHandler())

	w, _ := serve.NewTrack("nowhere", "t")
	_, err := client.Subscribe(ctx, w)
	assert.ErrorIs(t, err, engine.ErrNotFound)
	assert.True(t, w.Closed())
}

func TestPeerAnnounceServedBack(t *testing.T) {
	ctx := testContext(t)
	h := newTestHandler()
	client, _ := pipePeers(t, h)

	tw, tr := serve.NewTracks("room")
	src, err := tw.Create("audio")
	require.NoError(t, err)
	sw, err := src.Stream(0)
	require.NoError(t, err)

	actx, cancel := context.WithCancel(ctx)
	announceDone := make(chan error, 1)
	go func() { announceDone <- client.Announce(actx, tr) }()

	var rn *RemoteNamespace
	select {
	case rn = <-h.announced:
	case <-ctx.Done():
		t.Fatal("announcement never reached the handler")
	}
	assert.Equal(t, "room", rn.Namespace())

	// ANNOUNCE_OK may still be in flight; retry until the client serves it.
	var r *serve.TrackReader
	require.Eventually(t, func() bool {
		r, err = rn.Subscribe(ctx, "audio")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	gw, err := sw.Create(0)
	require.NoError(t, err)
	require.NoError(t, gw.Write([]byte("hello")))
	gw.Close()
	assert.Equal(t, []string{"hello"}, readGroups(ctx, t, r, 1))

	err = client.Announce(ctx, tr)
	assert.ErrorIs(t, err, ErrDuplicate)

	cancel()
	assert.NoError(t, <-announceDone)
	select {
	case <-rn.Done():
	case <-ctx.Done():
		t.Fatal("remote namespace should end after the announcement is withdrawn")
	}
}

func TestPeerAnnounceWithoutHandler(t *testing.T) {
	ctx := testContext(t)
	client, _ := pipePeers(t, nil)

	_, tr := serve.NewTracks("ns")
	err := client.Announce(ctx, tr)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestPeerWatchAnnounces(t *testing.T) {
	ctx := testContext(t)
	h := newTestHandler()
	h.watch = []string{"a", "b"}
	client, _ := pipePeers(t, h)

	var (
		mu   sync.Mutex
		seen []string
	)
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		_ = client.WatchAnnounces(wctx, func(ns string) {
			mu.Lock()
			seen = append(seen, ns)
			mu.Unlock()
		})
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"a", "b"}, seen)
	mu.Unlock()
}

func TestPeerRemoteCloseEndsSession(t *testing.T) {
	ctx := testContext(t)
	client, server := pipePeers(t, newTestHandler())

	runDone := make(chan error, 1)
	go func() { runDone <- client.Run(ctx) }()

	require.NoError(t, server.Close())
	select {
	case err := <-runDone:
		assert.ErrorIs(t, err, ErrClosed)
	case <-ctx.Done():
		t.Fatal("client did not notice the remote close")
	}

	w, _ := serve.NewTrack("ns", "t")
	_, err := client.Subscribe(ctx, w)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NotEmpty(t, client.ID())
}

func TestPeerLocalCloseHasNoError(t *testing.T) {
	client, _ := pipePeers(t, newTestHandler())
	require.NoError(t, client.Close())
	assert.NoError(t, client.Err())
}

func TestDialerOverTCP(t *testing.T) {
	ctx := testContext(t)
	skp, err := GenerateKeypair()
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	h := newTestHandler()
	src, err := h.serveNamespace("tcp").Create("t")
	require.NoError(t, err)
	sw, err := src.Stream(0)
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		p, err := Accept(ctx, conn, skp, h, time.Second)
		if err != nil {
			_ = conn.Close()
			return
		}
		<-ctx.Done()
		_ = p.Close()
	}()

	u, err := url.Parse("moqt://" + ln.Addr().String())
	require.NoError(t, err)
	d := &Dialer{ServerKey: skp.Public[:], HandshakeTimeout: time.Second}
	sess, err := d.Dial(ctx, u)
	require.NoError(t, err)
	defer sess.Close()

	w, r := serve.NewTrack("tcp", "t")
	_, err = sess.Subscriber().Subscribe(ctx, w)
	require.NoError(t, err)

	gw, err := sw.Create(0)
	require.NoError(t, err)
	require.NoError(t, gw.Write([]byte("over tcp")))
	gw.Close()
	assert.Equal(t, []string{"over tcp"}, readGroups(ctx, t, r, 1))
}

func TestDialerRefusedConnection(t *testing.T) {
	ctx := testContext(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	u, err := url.Parse("moqt://" + addr)
	require.NoError(t, err)
	_, err = (&Dialer{}).Dial(ctx, u)
	require.Error(t, err)

	var opErr *net.OpError
	assert.True(t, errors.As(err, &opErr), "expected a dial error, got %v", err)
}
