package main

/*
#include "moqbridge.h"
*/
import "C"

import (
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/moqbridge"
	"github.com/opd-ai/moqbridge/limits"
)

func main() {} // Required for c-shared build mode

// newClient builds the client behind moq_client_create. Tests swap it for
// an in-process engine.
var newClient = func() *moqbridge.Client {
	return moqbridge.NewClient()
}

var versionString = C.CString(moqbridge.Version)

// moq_init performs process-wide setup. It may be called any number of
// times; only the first call does work.
//
//export moq_init
func moq_init() C.bool {
	err := moqbridge.Do("init", moqbridge.Init)
	return C.bool(err == nil)
}

// moq_client_create returns a new disconnected client, or NULL on failure.
//
//export moq_client_create
func moq_client_create() *C.MoqClient {
	c, err := moqbridge.DoValue("client_create", func() (*moqbridge.Client, error) {
		return newClient(), nil
	})
	if err != nil {
		return nil
	}
	return (*C.MoqClient)(clients.add(c))
}

// moq_client_destroy disconnects and frees a client. NULL is ignored.
//
//export moq_client_destroy
func moq_client_destroy(client *C.MoqClient) {
	_ = moqbridge.Do("client_destroy", func() error {
		if c := clients.remove(unsafe.Pointer(client)); c != nil {
			c.Destroy()
		}
		return nil
	})
}

// moq_connect connects client to url and blocks until the session is up
// or the connect timeout elapses.
//
//export moq_connect
func moq_connect(client *C.MoqClient, url *C.char, callback C.MoqConnectionCallback, userData unsafe.Pointer) C.MoqResult {
	const op = "connect"
	return cResult(moqbridge.Do(op, func() error {
		c, err := clients.get(op, unsafe.Pointer(client))
		if err != nil {
			return err
		}
		if url == nil {
			return moqbridge.NullArgument(op, "url")
		}
		return c.Connect(goString(url), connectionCallback(callback, uintptr(userData)))
	}))
}

// moq_disconnect closes the session of client.
//
//export moq_disconnect
func moq_disconnect(client *C.MoqClient) C.MoqResult {
	const op = "disconnect"
	return cResult(moqbridge.Do(op, func() error {
		c, err := clients.get(op, unsafe.Pointer(client))
		if err != nil {
			return err
		}
		return c.Disconnect()
	}))
}

// moq_is_connected reports whether client holds an established session.
// NULL and unknown handles are not connected.
//
//export moq_is_connected
func moq_is_connected(client *C.MoqClient) C.bool {
	c, err := clients.get("is_connected", unsafe.Pointer(client))
	if err != nil {
		return C.bool(false)
	}
	return C.bool(c.IsConnected())
}

//export moq_announce_namespace
func moq_announce_namespace(client *C.MoqClient, namespace *C.char) C.MoqResult {
	const op = "announce_namespace"
	return cResult(moqbridge.Do(op, func() error {
		c, err := clients.get(op, unsafe.Pointer(client))
		if err != nil {
			return err
		}
		if namespace == nil {
			return moqbridge.NullArgument(op, "namespace")
		}
		return c.AnnounceNamespace(goString(namespace))
	}))
}

// moq_create_publisher creates a stream mode publisher.
//
//export moq_create_publisher
func moq_create_publisher(client *C.MoqClient, namespace, track *C.char) *C.MoqPublisher {
	return createPublisher(client, namespace, track, moqbridge.Stream)
}

// moq_create_publisher_ex creates a publisher with an explicit delivery mode.
//
//export moq_create_publisher_ex
func moq_create_publisher_ex(client *C.MoqClient, namespace, track *C.char, mode C.MoqDeliveryMode) *C.MoqPublisher {
	return createPublisher(client, namespace, track, moqbridge.DeliveryMode(mode))
}

func createPublisher(client *C.MoqClient, namespace, track *C.char, mode moqbridge.DeliveryMode) *C.MoqPublisher {
	const op = "create_publisher"
	p, err := moqbridge.DoValue(op, func() (*moqbridge.Publisher, error) {
		c, err := clients.get(op, unsafe.Pointer(client))
		if err != nil {
			return nil, err
		}
		if namespace == nil {
			return nil, moqbridge.NullArgument(op, "namespace")
		}
		if track == nil {
			return nil, moqbridge.NullArgument(op, "track_name")
		}
		return c.CreatePublisher(goString(namespace), goString(track), mode)
	})
	if err != nil {
		return nil
	}
	return (*C.MoqPublisher)(publishers.add(p))
}

//export moq_publisher_destroy
func moq_publisher_destroy(publisher *C.MoqPublisher) {
	_ = moqbridge.Do("publisher_destroy", func() error {
		if p := publishers.remove(unsafe.Pointer(publisher)); p != nil {
			p.Destroy()
		}
		return nil
	})
}

// moq_publish_data publishes data_len bytes. data may only be NULL when
// data_len is 0. The mode argument is ignored; the publisher's mode was
// fixed when it was created.
//
//export moq_publish_data
func moq_publish_data(publisher *C.MoqPublisher, data *C.uint8_t, dataLen C.size_t, mode C.MoqDeliveryMode) C.MoqResult {
	const op = "publish_data"
	return cResult(moqbridge.Do(op, func() error {
		p, err := publishers.get(op, unsafe.Pointer(publisher))
		if err != nil {
			return err
		}
		if err := limits.ValidateLength(uint64(dataLen), limits.MaxPublishPayload); err != nil {
			return moqbridge.Errorf(moqbridge.InvalidArgument, op, "data_len: %v", err)
		}
		if err := moqbridge.CheckBuffer(op, "data", data == nil, int(dataLen)); err != nil {
			return err
		}
		if moqbridge.DeliveryMode(mode) != p.Mode() {
			logrus.WithFields(logrus.Fields{
				"function":       "moq_publish_data",
				"requested_mode": moqbridge.DeliveryMode(mode).String(),
				"mode":           p.Mode().String(),
			}).Debug("Ignoring per-call delivery mode")
		}

		var buf []byte
		if data != nil && dataLen > 0 {
			buf = unsafe.Slice((*byte)(unsafe.Pointer(data)), int(dataLen))
		}
		return p.Publish(buf)
	}))
}

// moq_subscribe subscribes to namespace/track. callback may be NULL.
//
//export moq_subscribe
func moq_subscribe(client *C.MoqClient, namespace, track *C.char, callback C.MoqDataCallback, userData unsafe.Pointer) *C.MoqSubscriber {
	const op = "subscribe"
	s, err := moqbridge.DoValue(op, func() (*moqbridge.Subscriber, error) {
		c, err := clients.get(op, unsafe.Pointer(client))
		if err != nil {
			return nil, err
		}
		if namespace == nil {
			return nil, moqbridge.NullArgument(op, "namespace")
		}
		if track == nil {
			return nil, moqbridge.NullArgument(op, "track_name")
		}
		return c.Subscribe(goString(namespace), goString(track), dataCallback(callback, uintptr(userData)))
	})
	if err != nil {
		return nil
	}
	return (*C.MoqSubscriber)(subscribers.add(s))
}

// moq_subscribe_catalog subscribes to a JSON catalog track and reports its
// tracks through callback.
//
//export moq_subscribe_catalog
func moq_subscribe_catalog(client *C.MoqClient, namespace, track *C.char, callback C.MoqCatalogCallback, userData unsafe.Pointer) *C.MoqSubscriber {
	const op = "subscribe_catalog"
	s, err := moqbridge.DoValue(op, func() (*moqbridge.Subscriber, error) {
		c, err := clients.get(op, unsafe.Pointer(client))
		if err != nil {
			return nil, err
		}
		if namespace == nil {
			return nil, moqbridge.NullArgument(op, "namespace")
		}
		if track == nil {
			return nil, moqbridge.NullArgument(op, "track_name")
		}
		if callback == nil {
			return nil, moqbridge.NullArgument(op, "callback")
		}
		return c.SubscribeCatalog(goString(namespace), goString(track), catalogCallback(callback, uintptr(userData)))
	})
	if err != nil {
		return nil
	}
	return (*C.MoqSubscriber)(subscribers.add(s))
}

// moq_unsubscribe stops delivery but keeps the handle valid.
//
//export moq_unsubscribe
func moq_unsubscribe(subscriber *C.MoqSubscriber) C.MoqResult {
	const op = "unsubscribe"
	return cResult(moqbridge.Do(op, func() error {
		s, err := subscribers.get(op, unsafe.Pointer(subscriber))
		if err != nil {
			return err
		}
		return s.Unsubscribe()
	}))
}

//export moq_is_subscribed
func moq_is_subscribed(subscriber *C.MoqSubscriber) C.bool {
	s, err := subscribers.get("is_subscribed", unsafe.Pointer(subscriber))
	if err != nil {
		return C.bool(false)
	}
	return C.bool(s.IsSubscribed())
}

//export moq_subscriber_destroy
func moq_subscriber_destroy(subscriber *C.MoqSubscriber) {
	_ = moqbridge.Do("subscriber_destroy", func() error {
		if s := subscribers.remove(unsafe.Pointer(subscriber)); s != nil {
			s.Destroy()
		}
		return nil
	})
}

// moq_subscribe_announces reports namespaces announced by other peers. A
// NULL callback unregisters. The callback may be set before connecting.
//
//export moq_subscribe_announces
func moq_subscribe_announces(client *C.MoqClient, callback C.MoqTrackCallback, userData unsafe.Pointer) C.MoqResult {
	const op = "subscribe_announces"
	return cResult(moqbridge.Do(op, func() error {
		c, err := clients.get(op, unsafe.Pointer(client))
		if err != nil {
			return err
		}
		return c.SubscribeAnnounces(trackCallback(callback, uintptr(userData)))
	}))
}

// moq_free_str releases a message returned inside a MoqResult. It must not
// be used on moq_version or moq_last_error strings.
//
//export moq_free_str
func moq_free_str(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}

//export moq_version
func moq_version() *C.char {
	return versionString
}

// moq_last_error returns the calling thread's most recent error message, or
// NULL. The string stays valid until the next failing call on the same
// thread and must not be freed.
//
//export moq_last_error
func moq_last_error() *C.char {
	var p *C.char
	_ = moqbridge.Do("last_error", func() error {
		p = lastErrorCString()
		return nil
	})
	return p
}
