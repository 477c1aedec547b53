package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/moqbridge/engine"
)

const (
	// DefaultPort is used when a URL carries no port.
	DefaultPort = "4433"
	// DefaultHandshakeTimeout bounds the Noise handshake and setup exchange.
	DefaultHandshakeTimeout = 10 * time.Second
)

// Dialer is the networked engine. The zero value generates a fresh identity
// per connection and accepts any server key.
type Dialer struct {
	// Keypair is the client identity. Nil generates one per Dial.
	Keypair *Keypair
	// ServerKey pins the server static public key when set.
	ServerKey []byte
	// HandshakeTimeout defaults to DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	dialer net.Dialer
}

var _ engine.Dialer = (*Dialer)(nil)

// Dial implements engine.Dialer.
func (d *Dialer) Dial(ctx context.Context, u *url.URL) (engine.Session, error) {
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), DefaultPort)
	}

	kp := d.Keypair
	if kp == nil {
		var err error
		if kp, err = GenerateKeypair(); err != nil {
			return nil, err
		}
	}

	conn, err := d.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	p, err := establish(ctx, conn, kp, true, d.ServerKey, nil, d.timeout())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Dialer.Dial",
		"peer":     p.id,
		"addr":     addr,
	}).Info("Connected to relay")
	return p, nil
}

func (d *Dialer) timeout() time.Duration {
	if d.HandshakeTimeout > 0 {
		return d.HandshakeTimeout
	}
	return DefaultHandshakeTimeout
}

// Accept runs the server side of the handshake and setup exchange on conn
// and starts the peer. h serves the client's requests.
func Accept(ctx context.Context, conn net.Conn, kp *Keypair, h Handler, timeout time.Duration) (*Peer, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	return establish(ctx, conn, kp, false, nil, h, timeout)
}

func establish(ctx context.Context, conn net.Conn, kp *Keypair, initiator bool, expectKey []byte, h Handler, timeout time.Duration) (*Peer, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	// Unblock the exchange when ctx is cancelled early.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	sc, err := handshake(conn, kp, initiator, expectKey)
	if err != nil {
		return nil, err
	}
	if err := exchangeSetup(sc, initiator); err != nil {
		return nil, err
	}

	if !stop() {
		return nil, ctx.Err()
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}

	p := newPeer(sc, h)
	p.start()
	return p, nil
}

func exchangeSetup(sc *secureConn, initiator bool) error {
	send, expect := msgClientSetup, msgServerSetup
	if !initiator {
		send, expect = msgServerSetup, msgClientSetup
	}

	write := func() error {
		b, err := encodeMessage(&message{Type: send, Version: ProtocolVersion})
		if err != nil {
			return err
		}
		return sc.WriteFrame(b)
	}
	read := func() error {
		b, err := sc.ReadFrame()
		if err != nil {
			return fmt.Errorf("read setup: %w", err)
		}
		m, err := decodeMessage(b)
		if err != nil {
			return err
		}
		if m.Type != expect {
			return fmt.Errorf("%w: expected %s, got %s", ErrProtocol, expect, m.Type)
		}
		if m.Version != ProtocolVersion {
			return fmt.Errorf("%w: unsupported version %d", ErrProtocol, m.Version)
		}
		return nil
	}

	if initiator {
		if err := write(); err != nil {
			return err
		}
		return read()
	}
	if err := read(); err != nil {
		return err
	}
	return write()
}
