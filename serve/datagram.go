package serve

import "context"

// Datagram is a single unreliable payload with its addressing metadata.
type Datagram struct {
	GroupID  uint64
	ObjectID uint64
	Priority uint64
	Payload  []byte
}

// DatagramsWriter produces datagrams on a datagram-mode track.
type DatagramsWriter struct {
	t         *track
	datagrams *feed[Datagram]
}

// Write queues d for delivery. The writer takes ownership of d.Payload.
func (w *DatagramsWriter) Write(d Datagram) error {
	return w.datagrams.push(d)
}

// Close ends the track.
func (w *DatagramsWriter) Close(err error) {
	w.t.close(err)
}

// DatagramsReader consumes datagrams. Datagrams that fell out of the backlog
// before being read are lost.
type DatagramsReader struct {
	datagrams *feed[Datagram]
	cursor    uint64
}

// Mode implements ModeReader.
func (r *DatagramsReader) Mode() Mode { return ModeDatagrams }

// Read returns the next datagram. It returns io.EOF once the track ended.
func (r *DatagramsReader) Read(ctx context.Context) (Datagram, error) {
	return r.datagrams.next(ctx, &r.cursor)
}
