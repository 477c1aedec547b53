package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/flynn/noise"

	"github.com/opd-ai/moqbridge/limits"
)

const (
	// MaxFrameSize is the largest frame on the wire.
	MaxFrameSize = limits.MaxFrameSize
	// MaxChunkSize is the largest payload carried by one object or datagram
	// message.
	MaxChunkSize = limits.MaxChunkSize
)

// ErrFrameTooLarge is returned for frames that exceed MaxFrameSize.
var ErrFrameTooLarge = limits.ErrFrameTooLarge

// writeFrame writes data with a 4-byte big endian length prefix.
func writeFrame(w io.Writer, data []byte) error {
	if err := limits.ValidateFrame(uint64(len(data))); err != nil {
		return err
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err := w.Write(buf)
	return err
}

// readFrame reads one length prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if err := limits.ValidateFrame(uint64(length)); err != nil {
		return nil, err
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// secureConn encrypts frames with the cipher states of a finished
// handshake. Writes may come from several goroutines; reads from one.
type secureConn struct {
	conn      net.Conn
	remoteKey []byte

	wmu  sync.Mutex
	send *noise.CipherState
	recv *noise.CipherState
}

func (c *secureConn) WriteFrame(plaintext []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	ct, err := c.send.Encrypt(nil, nil, plaintext)
	if err != nil {
		return fmt.Errorf("encrypt frame: %w", err)
	}
	return writeFrame(c.conn, ct)
}

func (c *secureConn) ReadFrame() ([]byte, error) {
	ct, err := readFrame(c.conn)
	if err != nil {
		return nil, err
	}
	pt, err := c.recv.Decrypt(nil, nil, ct)
	if err != nil {
		return nil, fmt.Errorf("decrypt frame: %w", err)
	}
	return pt, nil
}

func (c *secureConn) Close() error {
	return c.conn.Close()
}
