package serve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStreamPreservesGroupOrder(t *testing.T) {
	ctx := testContext(t)
	tw, tr := NewTrack("ns", "t")

	sw, err := tw.Stream(0)
	require.NoError(t, err)

	const n = 50
	for i := 0; i < n; i++ {
		gw, err := sw.Create(uint64(i))
		require.NoError(t, err)
		require.NoError(t, gw.Write([]byte(fmt.Sprintf("msg-%d", i))))
		gw.Close()
	}
	sw.Close(nil)

	mode, err := tr.Mode(ctx)
	require.NoError(t, err)
	sr, ok := mode.(*StreamReader)
	require.True(t, ok, "expected stream reader, got %T", mode)

	for i := 0; i < n; i++ {
		gr, err := sr.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), gr.ID())

		or, err := gr.Next(ctx)
		require.NoError(t, err)
		payload, err := or.ReadAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("msg-%d", i), string(payload))
	}

	_, err = sr.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestObjectChunksAccumulate(t *testing.T) {
	ctx := testContext(t)
	tw, tr := NewTrack("ns", "chunks")
	sw, err := tw.Stream(3)
	require.NoError(t, err)

	gw, err := sw.Create(7)
	require.NoError(t, err)
	ow, err := gw.CreateObject()
	require.NoError(t, err)
	require.NoError(t, ow.Write([]byte("hel")))
	require.NoError(t, ow.Write([]byte("lo")))
	ow.Close()

	mode, err := tr.Mode(ctx)
	require.NoError(t, err)
	sr := mode.(*StreamReader)
	assert.Equal(t, uint64(3), sr.Priority())

	gr, err := sr.Next(ctx)
	require.NoError(t, err)
	or, err := gr.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), or.ID())

	payload, err := or.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(payload))
}

func TestModeIsFixedOnce(t *testing.T) {
	tw, _ := NewTrack("ns", "t")
	_, err := tw.Datagrams()
	require.NoError(t, err)

	_, err = tw.Stream(0)
	assert.ErrorIs(t, err, ErrModeSet)
	_, err = tw.Datagrams()
	assert.ErrorIs(t, err, ErrModeSet)
}

func TestModeFailsWhenClosedEarly(t *testing.T) {
	ctx := testContext(t)
	tw, tr := NewTrack("ns", "t")
	tw.Close(nil)

	_, err := tr.Mode(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestModeHonoursContext(t *testing.T) {
	_, tr := NewTrack("ns", "t")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tr.Mode(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDatagramBacklogDropsOldest(t *testing.T) {
	ctx := testContext(t)
	tw, tr := NewTrack("ns", "dg")
	dw, err := tw.Datagrams()
	require.NoError(t, err)

	total := DatagramBacklog + 10
	for i := 0; i < total; i++ {
		require.NoError(t, dw.Write(Datagram{ObjectID: uint64(i), Payload: []byte{byte(i)}}))
	}

	mode, err := tr.Mode(ctx)
	require.NoError(t, err)
	dr := mode.(*DatagramsReader)

	d, err := dr.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), d.ObjectID, "reader should resume at the oldest retained datagram")
}

func TestWriteAfterCloseFails(t *testing.T) {
	tw, _ := NewTrack("ns", "t")
	sw, err := tw.Stream(0)
	require.NoError(t, err)
	tw.Close(errors.New("gone"))

	_, err = sw.Create(0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseErrorReachesReaders(t *testing.T) {
	ctx := testContext(t)
	tw, tr := NewTrack("ns", "t")
	sw, err := tw.Stream(0)
	require.NoError(t, err)

	mode, err := tr.Mode(ctx)
	require.NoError(t, err)

	boom := errors.New("boom")
	sw.Close(boom)

	_, err = mode.(*StreamReader).Next(ctx)
	assert.ErrorIs(t, err, boom)
}

func TestTracksSubscribeIsLive(t *testing.T) {
	ctx := testContext(t)
	w, r := NewTracks("ns")
	assert.Equal(t, "ns", r.Namespace())

	tw, err := w.Create("t")
	require.NoError(t, err)
	sw, err := tw.Stream(0)
	require.NoError(t, err)

	old, err := sw.Create(0)
	require.NoError(t, err)
	require.NoError(t, old.Write([]byte("old")))

	tr, err := r.Subscribe(ctx, "t")
	require.NoError(t, err)

	fresh, err := sw.Create(1)
	require.NoError(t, err)
	require.NoError(t, fresh.Write([]byte("new")))

	mode, err := tr.Mode(ctx)
	require.NoError(t, err)
	gr, err := mode.(*StreamReader).Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gr.ID(), "late subscriber must not replay old groups")
}

func TestTracksFanOut(t *testing.T) {
	ctx := testContext(t)
	w, r := NewTracks("ns")
	tw, err := w.Create("t")
	require.NoError(t, err)
	sw, err := tw.Stream(0)
	require.NoError(t, err)

	var readers []*StreamReader
	for i := 0; i < 3; i++ {
		tr, err := r.Subscribe(ctx, "t")
		require.NoError(t, err)
		mode, err := tr.Mode(ctx)
		require.NoError(t, err)
		readers = append(readers, mode.(*StreamReader))
	}

	gw, err := sw.Create(0)
	require.NoError(t, err)
	require.NoError(t, gw.Write([]byte("x")))

	for _, sr := range readers {
		gr, err := sr.Next(ctx)
		require.NoError(t, err)
		or, err := gr.Next(ctx)
		require.NoError(t, err)
		payload, err := or.ReadAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, "x", string(payload))
	}
}

func TestTracksLifecycle(t *testing.T) {
	ctx := testContext(t)
	w, r := NewTracks("ns")

	_, err := r.Subscribe(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	tw, err := w.Create("t")
	require.NoError(t, err)
	_, err = w.Create("t")
	assert.ErrorIs(t, err, ErrDuplicate)

	tw.Close(nil)
	_, err = w.Create("t")
	assert.NoError(t, err, "closed tracks may be recreated")

	w.Remove("t")
	_, err = r.Subscribe(ctx, "t")
	assert.ErrorIs(t, err, ErrNotFound)

	w.Close(nil)
	select {
	case <-r.Done():
	default:
		t.Fatal("Done should be closed after Close")
	}
	assert.ErrorIs(t, r.Err(), io.EOF)
	_, err = w.Create("again")
	assert.ErrorIs(t, err, ErrClosed)
}
