package moqbridge

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/moqbridge/limits"
	"github.com/opd-ai/moqbridge/serve"
)

// DeliveryMode selects how a publisher's objects travel.
type DeliveryMode int32

const (
	// Datagram sends each payload as an independent, unreliable datagram.
	Datagram DeliveryMode = iota
	// Stream sends each payload as a one-object group, in order.
	Stream
)

func (m DeliveryMode) String() string {
	switch m {
	case Datagram:
		return "datagram"
	case Stream:
		return "stream"
	default:
		return fmt.Sprintf("DeliveryMode(%d)", int32(m))
	}
}

// Publisher writes one track of an announced namespace.
type Publisher struct {
	namespace string
	track     string
	mode      DeliveryMode

	// mu orders counter allocation with the write that uses it.
	mu      sync.Mutex
	counter atomic.Uint64

	tw        *serve.TrackWriter
	stream    *serve.StreamWriter
	datagrams *serve.DatagramsWriter
	destroyed atomic.Bool
}

// CreatePublisher adds track to the announced namespace and commits it to
// mode.
func (c *Client) CreatePublisher(namespace, track string, mode DeliveryMode) (*Publisher, error) {
	const op = "create_publisher"
	return DoValue(op, func() (*Publisher, error) {
		if c == nil {
			return nil, NullArgument(op, "client")
		}
		if namespace == "" || track == "" {
			return nil, newError(InvalidArgument, op, "namespace and track must not be empty")
		}
		if mode != Datagram && mode != Stream {
			return nil, newError(InvalidArgument, op, "unknown delivery mode %d", int32(mode))
		}

		var (
			tw  *serve.TrackWriter
			err error
		)
		c.withState(func(st *sessionState) {
			if st.status != Connected {
				err = newError(NotConnected, op, "not connected")
				return
			}
			a, ok := st.namespaces[namespace]
			if !ok {
				err = newError(InvalidArgument, op, "namespace not announced: %s", namespace)
				return
			}
			tw, err = a.tw.Create(track)
		})
		if err != nil {
			if errors.Is(err, serve.ErrDuplicate) {
				return nil, wrapError(InvalidArgument, op, err)
			}
			if errors.Is(err, serve.ErrClosed) {
				return nil, wrapError(NotConnected, op, err)
			}
			return nil, err
		}

		p := &Publisher{namespace: namespace, track: track, mode: mode, tw: tw}
		switch mode {
		case Stream:
			p.stream, err = tw.Stream(0)
		case Datagram:
			p.datagrams, err = tw.Datagrams()
		}
		if err != nil {
			tw.Close(err)
			return nil, wrapError(Internal, op, err)
		}

		logrus.WithFields(logrus.Fields{
			"function":  "Client.CreatePublisher",
			"client":    c.id,
			"namespace": namespace,
			"track":     track,
			"mode":      mode.String(),
		}).Info("Created publisher")
		return p, nil
	})
}

// Mode returns the delivery mode chosen at creation.
func (p *Publisher) Mode() DeliveryMode { return p.mode }

// Publish sends data as the next object of the track. data is copied.
func (p *Publisher) Publish(data []byte) error {
	const op = "publish_data"
	return Do(op, func() error {
		if p == nil {
			return NullArgument(op, "publisher")
		}
		if p.destroyed.Load() {
			return newError(InvalidArgument, op, "publisher was destroyed")
		}
		if p.mode == Datagram {
			if err := limits.ValidatePayload(data, limits.MaxDatagramPayload); err != nil {
				return wrapError(InvalidArgument, op, err)
			}
		}

		n, err := p.write(data)
		if err != nil {
			if errors.Is(err, serve.ErrClosed) {
				return newError(NotConnected, op, "track %s/%s is closed", p.namespace, p.track)
			}
			return wrapError(Internal, op, err)
		}

		metrics.objectsPublished.WithLabelValues(p.mode.String()).Inc()
		metrics.bytesPublished.Add(float64(len(data)))
		logrus.WithFields(logrus.Fields{
			"function":  "Publisher.Publish",
			"namespace": p.namespace,
			"track":     p.track,
			"sequence":  n,
			"size":      len(data),
		}).Debug("Published object")
		return nil
	})
}

func (p *Publisher) write(data []byte) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.counter.Add(1) - 1
	switch p.mode {
	case Stream:
		return n, p.writeGroup(n, data)
	default:
		payload := make([]byte, len(data))
		copy(payload, data)
		return n, p.datagrams.Write(serve.Datagram{GroupID: 0, ObjectID: n, Priority: 0, Payload: payload})
	}
}

func (p *Publisher) writeGroup(id uint64, data []byte) error {
	gw, err := p.stream.Create(id)
	if err != nil {
		return err
	}
	defer gw.Close()
	return gw.Write(data)
}

// Destroy ends the track; subscribers observe end of stream. It is safe on
// nil and idempotent.
func (p *Publisher) Destroy() {
	if p == nil || p.destroyed.Swap(true) {
		return
	}
	p.tw.Close(nil)
	logrus.WithFields(logrus.Fields{
		"function":  "Publisher.Destroy",
		"namespace": p.namespace,
		"track":     p.track,
	}).Debug("Destroyed publisher")
}
