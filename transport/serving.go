package transport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/moqbridge/engine"
	"github.com/opd-ai/moqbridge/limits"
	"github.com/opd-ai/moqbridge/serve"
)

// onSubscribe serves a track to the remote peer in its own goroutine.
func (p *Peer) onSubscribe(m *message) {
	ctx, cancel := context.WithCancel(p.ctx)

	p.mu.Lock()
	if _, dup := p.serving[m.ID]; dup {
		p.mu.Unlock()
		cancel()
		p.reply(&message{Type: msgSubscribeError, ID: m.ID, Code: codeDuplicate, Reason: "subscription id in use"})
		return
	}
	p.serving[m.ID] = cancel
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.serving, m.ID)
			p.mu.Unlock()
			cancel()
		}()
		p.serveSubscription(ctx, m.ID, m.Namespace, m.Track)
	}()
}

func (p *Peer) onUnsubscribe(m *message) {
	p.mu.Lock()
	cancel, ok := p.serving[m.ID]
	p.mu.Unlock()

	if ok {
		cancel()
	}
}

func (p *Peer) serveSubscription(ctx context.Context, id uint64, ns, name string) {
	log := logrus.WithFields(logrus.Fields{
		"function":  "Peer.serveSubscription",
		"peer":      p.id,
		"namespace": ns,
		"track":     name,
	})

	tr, err := p.resolve(ctx, ns, name)
	if err != nil {
		log.WithField("error", err.Error()).Debug("Rejecting subscription")
		_ = p.send(&message{Type: msgSubscribeError, ID: id, Code: errorCode(err), Reason: err.Error()})
		return
	}

	mctx, cancel := context.WithTimeout(ctx, modeTimeout)
	mode, err := tr.Mode(mctx)
	cancel()
	if err != nil {
		_ = p.send(&message{Type: msgSubscribeError, ID: id, Code: codeInternal, Reason: err.Error()})
		return
	}

	switch src := mode.(type) {
	case *serve.StreamReader:
		if err := p.send(&message{Type: msgSubscribeOK, ID: id, Mode: uint8(serve.ModeStream), Priority: src.Priority()}); err != nil {
			return
		}
		err = p.sendStream(ctx, id, src)
	case *serve.DatagramsReader:
		if err := p.send(&message{Type: msgSubscribeOK, ID: id, Mode: uint8(serve.ModeDatagrams)}); err != nil {
			return
		}
		err = p.sendDatagrams(ctx, id, src)
	default:
		err = fmt.Errorf("unexpected track mode %T", mode)
	}

	if ctx.Err() != nil {
		// Unsubscribed or the connection is going away.
		return
	}
	done := &message{Type: msgSubscribeDone, ID: id}
	if err != nil {
		done.Code, done.Reason = codeInternal, err.Error()
		log.WithField("error", err.Error()).Warn("Subscription ended with error")
	}
	_ = p.send(done)
}

// resolve looks a track up in the namespaces this peer announced, then asks
// the handler.
func (p *Peer) resolve(ctx context.Context, ns, name string) (*serve.TrackReader, error) {
	p.mu.Lock()
	tracks, ok := p.local[ns]
	p.mu.Unlock()

	if ok {
		return tracks.Subscribe(ctx, name)
	}
	if p.handler != nil {
		return p.handler.Subscribe(ctx, ns, name)
	}
	return nil, fmt.Errorf("%w: namespace %q", engine.ErrNotFound, ns)
}

func (p *Peer) sendStream(ctx context.Context, id uint64, src *serve.StreamReader) error {
	for {
		gr, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := p.sendGroup(ctx, id, gr); err != nil {
			return err
		}
	}
}

func (p *Peer) sendGroup(ctx context.Context, id uint64, gr *serve.GroupReader) error {
	for {
		or, err := gr.Next(ctx)
		if errors.Is(err, io.EOF) {
			return p.send(&message{Type: msgGroupDone, ID: id, Group: gr.ID()})
		}
		if err != nil {
			return err
		}
		if err := p.sendObject(ctx, id, gr.ID(), or); err != nil {
			return err
		}
	}
}

func (p *Peer) sendObject(ctx context.Context, id, group uint64, or *serve.ObjectReader) error {
	for {
		chunk, err := or.Read(ctx)
		if errors.Is(err, io.EOF) {
			return p.send(&message{Type: msgObject, ID: id, Group: group, Object: or.ID(), End: true})
		}
		if err != nil {
			return err
		}
		for len(chunk) > 0 {
			n := min(len(chunk), MaxChunkSize)
			err := p.send(&message{Type: msgObject, ID: id, Group: group, Object: or.ID(), Payload: chunk[:n]})
			if err != nil {
				return err
			}
			chunk = chunk[n:]
		}
	}
}

func (p *Peer) sendDatagrams(ctx context.Context, id uint64, src *serve.DatagramsReader) error {
	for {
		d, err := src.Read(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if limits.ValidatePayload(d.Payload, limits.MaxDatagramPayload) != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Peer.sendDatagrams",
				"peer":     p.id,
				"size":     len(d.Payload),
			}).Warn("Dropping oversized datagram")
			continue
		}
		err = p.send(&message{
			Type:     msgDatagram,
			ID:       id,
			Group:    d.GroupID,
			Object:   d.ObjectID,
			Priority: d.Priority,
			Payload:  d.Payload,
		})
		if err != nil {
			return err
		}
	}
}
