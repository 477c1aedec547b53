package limits

import (
	"errors"
	"fmt"
	"math"
)

const (
	// MaxFrameSize is the largest frame on the wire, the Noise message limit.
	MaxFrameSize = 65535

	// EncryptionOverhead is the ChaCha20-Poly1305 tag added to every frame.
	EncryptionOverhead = 16

	// MaxMessageHeader bounds the encoded message fields around a payload.
	MaxMessageHeader = 64

	// MaxChunkSize is the largest payload carried by one object or datagram
	// message.
	MaxChunkSize = MaxFrameSize - EncryptionOverhead - MaxMessageHeader

	// MaxDatagramPayload is the largest datagram payload. Datagrams are
	// delivered whole or not at all.
	MaxDatagramPayload = MaxChunkSize

	// MaxPublishPayload is the largest buffer a single publish accepts.
	MaxPublishPayload = math.MaxInt32
)

var (
	// ErrPayloadTooLarge indicates a payload exceeds its limit.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrFrameTooLarge is returned for frames that exceed MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
)

// ValidatePayload checks len(payload) against maxSize.
func ValidatePayload(payload []byte, maxSize int) error {
	return ValidateLength(uint64(len(payload)), maxSize)
}

// ValidateLength checks a length, usually one supplied by a caller before
// the buffer is touched, against maxSize.
func ValidateLength(n uint64, maxSize int) error {
	if n > uint64(maxSize) {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrPayloadTooLarge, n, maxSize)
	}
	return nil
}

// ValidateFrame checks the length of a frame read from or written to the
// wire.
func ValidateFrame(n uint64) error {
	if n > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	return nil
}
