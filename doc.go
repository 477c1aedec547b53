// Package moqbridge turns an asynchronous publish/subscribe engine into a
// blocking, panic-free API that a C caller can drive through opaque
// handles.
//
// Every exported operation recovers panics into an Internal *Error, records
// failures as the calling thread's last error, and bounds its blocking time:
// Connect and Subscribe wait at most Config.ConnectTimeout and
// Config.SubscribeTimeout. Data arrives on background goroutines through the
// callbacks passed to Subscribe and SubscribeCatalog.
//
// A minimal publisher and subscriber sharing an in-process relay:
//
//	router := relay.NewRouter()
//	pubc := moqbridge.NewClient(moqbridge.WithDialer(relay.NewLocal(router)))
//	_ = pubc.Connect("moqt://relay.local", nil)
//	_ = pubc.AnnounceNamespace("ns")
//	pub, _ := pubc.CreatePublisher("ns", "t", moqbridge.Stream)
//
//	subc := moqbridge.NewClient(moqbridge.WithDialer(relay.NewLocal(router)))
//	_ = subc.Connect("moqt://relay.local", nil)
//	sub, _ := subc.Subscribe("ns", "t", func(b []byte) { fmt.Printf("%s\n", b) })
//	_ = pub.Publish([]byte("hello"))
//
// The C surface in capi wraps this package one to one.
package moqbridge
