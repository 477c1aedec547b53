// Package limits centralizes the size limits shared by the bridge, the C
// surface and the network transport.
//
// # Size Hierarchy
//
//   - MaxFrameSize (65535 bytes): the largest encrypted frame on the wire,
//     which is the Noise message limit.
//   - MaxChunkSize: the largest payload one transport message carries, after
//     the AEAD tag (EncryptionOverhead) and the message header
//     (MaxMessageHeader) are taken out of a frame.
//   - MaxDatagramPayload: datagrams are never split, so a datagram payload
//     must fit in one chunk.
//   - MaxPublishPayload: the largest buffer accepted by a single publish
//     call across the C boundary. Stream objects of this size are split into
//     chunks by the transport.
//
// # Validation
//
//	if err := limits.ValidatePayload(data, limits.MaxDatagramPayload); err != nil {
//	    // errors.Is(err, limits.ErrPayloadTooLarge)
//	}
//
// Empty payloads are valid everywhere; only the upper bound is enforced.
package limits
