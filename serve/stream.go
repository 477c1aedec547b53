package serve

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
)

type group struct {
	id         uint64
	objects    *feed[*object]
	nextObject atomic.Uint64
}

type object struct {
	id     uint64
	chunks *feed[[]byte]
}

// StreamWriter produces the groups of a stream-mode track.
type StreamWriter struct {
	t      *track
	groups *feed[*group]
}

// Priority returns the priority the stream was opened with.
func (w *StreamWriter) Priority() uint64 {
	return w.t.priority
}

// Create appends a new group with the given id. Groups are delivered in
// creation order, regardless of their ids.
func (w *StreamWriter) Create(id uint64) (*GroupWriter, error) {
	g := &group{
		id:      id,
		objects: newFeed[*object](0),
	}
	if err := w.groups.push(g); err != nil {
		return nil, err
	}
	return &GroupWriter{g: g}, nil
}

// Close ends the stream and the track it belongs to.
func (w *StreamWriter) Close(err error) {
	w.t.close(err)
}

// GroupWriter produces the objects of one group.
type GroupWriter struct {
	g *group
}

// ID returns the group id.
func (w *GroupWriter) ID() uint64 { return w.g.id }

// CreateObject opens the next object in the group.
func (w *GroupWriter) CreateObject() (*ObjectWriter, error) {
	o := &object{
		id:     w.g.nextObject.Add(1) - 1,
		chunks: newFeed[[]byte](0),
	}
	if err := w.g.objects.push(o); err != nil {
		return nil, err
	}
	return &ObjectWriter{o: o}, nil
}

// Write appends payload as a complete single-chunk object.
func (w *GroupWriter) Write(payload []byte) error {
	ow, err := w.CreateObject()
	if err != nil {
		return err
	}
	if err := ow.Write(payload); err != nil {
		return err
	}
	ow.Close()
	return nil
}

// Close marks the group complete.
func (w *GroupWriter) Close() {
	w.g.objects.close(nil)
}

// ObjectWriter produces the chunks of one object.
type ObjectWriter struct {
	o *object
}

// ID returns the object id within its group.
func (w *ObjectWriter) ID() uint64 { return w.o.id }

// Write appends a chunk. The chunk is copied.
func (w *ObjectWriter) Write(chunk []byte) error {
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	return w.o.chunks.push(buf)
}

// Close marks the object complete.
func (w *ObjectWriter) Close() {
	w.o.chunks.close(nil)
}

// StreamReader consumes the groups of a stream-mode track.
type StreamReader struct {
	groups   *feed[*group]
	cursor   uint64
	priority uint64
}

// Mode implements ModeReader.
func (r *StreamReader) Mode() Mode { return ModeStream }

// Priority returns the priority the publisher opened the stream with.
func (r *StreamReader) Priority() uint64 { return r.priority }

// Next returns the next group. It returns io.EOF once the stream ended.
func (r *StreamReader) Next(ctx context.Context) (*GroupReader, error) {
	g, err := r.groups.next(ctx, &r.cursor)
	if err != nil {
		return nil, err
	}
	return &GroupReader{g: g}, nil
}

// GroupReader consumes the objects of one group.
type GroupReader struct {
	g      *group
	cursor uint64
}

// ID returns the group id.
func (r *GroupReader) ID() uint64 { return r.g.id }

// Next returns the next object. It returns io.EOF once the group is complete.
func (r *GroupReader) Next(ctx context.Context) (*ObjectReader, error) {
	o, err := r.g.objects.next(ctx, &r.cursor)
	if err != nil {
		return nil, err
	}
	return &ObjectReader{o: o}, nil
}

// ObjectReader consumes the chunks of one object.
type ObjectReader struct {
	o      *object
	cursor uint64
}

// ID returns the object id within its group.
func (r *ObjectReader) ID() uint64 { return r.o.id }

// Read returns the next chunk. It returns io.EOF once the object is complete.
func (r *ObjectReader) Read(ctx context.Context) ([]byte, error) {
	return r.o.chunks.next(ctx, &r.cursor)
}

// ReadAll accumulates the remaining chunks into one buffer.
func (r *ObjectReader) ReadAll(ctx context.Context) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.Read(ctx)
		if errors.Is(err, io.EOF) {
			return buf, nil
		}
		if err != nil {
			return buf, err
		}
		buf = append(buf, chunk...)
	}
}
