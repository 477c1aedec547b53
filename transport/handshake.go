package transport

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"net"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
)

var (
	// ErrHandshakeFailed wraps every handshake failure.
	ErrHandshakeFailed = errors.New("noise handshake failed")
	// ErrPeerKeyMismatch means the remote static key differs from the pinned one.
	ErrPeerKeyMismatch = errors.New("remote static key mismatch")
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// handshake runs a Noise XX exchange over conn. XX needs three messages:
//
//	-> e
//	<- e, ee, s, es
//	-> s, se
//
// The handshake messages use the same length prefix as transport frames.
// When expectKey is non-nil the remote static key must match it.
func handshake(conn net.Conn, kp *Keypair, initiator bool, expectKey []byte) (*secureConn, error) {
	static := noise.DHKey{
		Private: make([]byte, KeySize),
		Public:  make([]byte, KeySize),
	}
	copy(static.Private, kp.Private[:])
	copy(static.Public, kp.Public[:])
	defer wipe(static.Private)

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	var c1, c2 *noise.CipherState
	if initiator {
		c1, c2, err = initiatorHandshake(conn, hs)
	} else {
		c1, c2, err = responderHandshake(conn, hs)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "handshake",
			"remote":    conn.RemoteAddr().String(),
			"initiator": initiator,
			"error":     err.Error(),
		}).Warn("Handshake failed")
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	remote := hs.PeerStatic()
	if expectKey != nil && !bytes.Equal(remote, expectKey) {
		return nil, ErrPeerKeyMismatch
	}

	sc := &secureConn{conn: conn, remoteKey: append([]byte(nil), remote...)}
	// c1 encrypts initiator to responder traffic, c2 the reverse.
	if initiator {
		sc.send, sc.recv = c1, c2
	} else {
		sc.send, sc.recv = c2, c1
	}

	logrus.WithFields(logrus.Fields{
		"function":  "handshake",
		"remote":    conn.RemoteAddr().String(),
		"initiator": initiator,
	}).Debug("Handshake complete")
	return sc, nil
}

func initiatorHandshake(conn net.Conn, hs *noise.HandshakeState) (*noise.CipherState, *noise.CipherState, error) {
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("write e: %w", err)
	}
	if err := writeFrame(conn, msg); err != nil {
		return nil, nil, err
	}

	msg, err = readFrame(conn)
	if err != nil {
		return nil, nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, msg); err != nil {
		return nil, nil, fmt.Errorf("read e, ee, s, es: %w", err)
	}

	msg, c1, c2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("write s, se: %w", err)
	}
	if err := writeFrame(conn, msg); err != nil {
		return nil, nil, err
	}
	return c1, c2, nil
}

func responderHandshake(conn net.Conn, hs *noise.HandshakeState) (*noise.CipherState, *noise.CipherState, error) {
	msg, err := readFrame(conn)
	if err != nil {
		return nil, nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, msg); err != nil {
		return nil, nil, fmt.Errorf("read e: %w", err)
	}

	msg, _, _, err = hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("write e, ee, s, es: %w", err)
	}
	if err := writeFrame(conn, msg); err != nil {
		return nil, nil, err
	}

	msg, err = readFrame(conn)
	if err != nil {
		return nil, nil, err
	}
	_, c1, c2, err := hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, nil, fmt.Errorf("read s, se: %w", err)
	}
	return c1, c2, nil
}
