// Package transport is the networked engine: TCP connections secured with
// a Noise XX handshake, carrying msgpack encoded messages in length
// prefixed encrypted frames.
//
// A client dials with Dialer, which implements engine.Dialer. A server
// accepts connections with Accept and serves requests through a Handler;
// relay.Server is the usual Handler.
//
//	d := &transport.Dialer{}
//	sess, err := d.Dial(ctx, u)
//	if err != nil {
//		return err
//	}
//	defer sess.Close()
//
// Large objects are split into chunks of at most MaxChunkSize bytes and
// reassembled on the receiving side, so readers observe the same objects
// the publisher wrote.
package transport
