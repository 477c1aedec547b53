package transport

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/opd-ai/moqbridge/engine"
	"github.com/opd-ai/moqbridge/serve"
)

// ProtocolVersion is exchanged in the setup messages.
const ProtocolVersion = 1

// ErrProtocol is returned for malformed or unexpected messages.
var ErrProtocol = errors.New("protocol violation")

type msgType uint8

const (
	msgClientSetup msgType = iota + 1
	msgServerSetup
	msgAnnounce
	msgAnnounceOK
	msgAnnounceError
	msgUnannounce
	msgSubscribe
	msgSubscribeOK
	msgSubscribeError
	msgUnsubscribe
	msgSubscribeDone
	msgObject
	msgGroupDone
	msgDatagram
	msgWatchAnnounces
	msgAnnounced
	msgLast = msgAnnounced
)

var msgNames = map[msgType]string{
	msgClientSetup:    "CLIENT_SETUP",
	msgServerSetup:    "SERVER_SETUP",
	msgAnnounce:       "ANNOUNCE",
	msgAnnounceOK:     "ANNOUNCE_OK",
	msgAnnounceError:  "ANNOUNCE_ERROR",
	msgUnannounce:     "UNANNOUNCE",
	msgSubscribe:      "SUBSCRIBE",
	msgSubscribeOK:    "SUBSCRIBE_OK",
	msgSubscribeError: "SUBSCRIBE_ERROR",
	msgUnsubscribe:    "UNSUBSCRIBE",
	msgSubscribeDone:  "SUBSCRIBE_DONE",
	msgObject:         "OBJECT",
	msgGroupDone:      "GROUP_DONE",
	msgDatagram:       "DATAGRAM",
	msgWatchAnnounces: "WATCH_ANNOUNCES",
	msgAnnounced:      "ANNOUNCED",
}

func (t msgType) String() string {
	if name, ok := msgNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
}

// Error codes carried by ANNOUNCE_ERROR, SUBSCRIBE_ERROR and SUBSCRIBE_DONE.
const (
	codeNone        = 0
	codeNotFound    = 404
	codeDuplicate   = 409
	codeInternal    = 500
	codeUnsupported = 501
)

// message is the single wire message shape. Which fields are meaningful
// depends on Type; unused fields are omitted from the encoding.
//
// An object is sent as one or more OBJECT messages with the same Group and
// Object; the last one has End set and may carry no payload. GROUP_DONE
// follows the last object of a group.
type message struct {
	Type      msgType `msgpack:"t"`
	Version   uint64  `msgpack:"v,omitempty"`
	ID        uint64  `msgpack:"i,omitempty"`
	Namespace string  `msgpack:"ns,omitempty"`
	Track     string  `msgpack:"tr,omitempty"`
	Mode      uint8   `msgpack:"m,omitempty"`
	Priority  uint64  `msgpack:"p,omitempty"`
	Group     uint64  `msgpack:"g,omitempty"`
	Object    uint64  `msgpack:"o,omitempty"`
	End       bool    `msgpack:"e,omitempty"`
	Code      uint64  `msgpack:"c,omitempty"`
	Reason    string  `msgpack:"r,omitempty"`
	Payload   []byte  `msgpack:"d,omitempty"`
}

func encodeMessage(m *message) ([]byte, error) {
	b, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", m.Type, err)
	}
	return b, nil
}

func decodeMessage(b []byte) (*message, error) {
	var m message
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if m.Type == 0 || m.Type > msgLast {
		return nil, fmt.Errorf("%w: unknown message type %d", ErrProtocol, m.Type)
	}
	return &m, nil
}

// remoteError is an error reported by the other side.
type remoteError struct {
	Code   uint64
	Reason string
}

func (e *remoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Reason)
}

func errorCode(err error) uint64 {
	switch {
	case err == nil:
		return codeNone
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, serve.ErrNotFound):
		return codeNotFound
	case errors.Is(err, ErrDuplicate), errors.Is(err, serve.ErrDuplicate):
		return codeDuplicate
	case errors.Is(err, ErrUnsupported):
		return codeUnsupported
	default:
		return codeInternal
	}
}

// remoteErr converts an error message into a local error. Not found maps
// onto engine.ErrNotFound so callers can test for it.
func remoteErr(m *message) error {
	err := &remoteError{Code: m.Code, Reason: m.Reason}
	switch m.Code {
	case codeNotFound:
		return fmt.Errorf("%w: %v", engine.ErrNotFound, err)
	case codeDuplicate:
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	case codeUnsupported:
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	return err
}
