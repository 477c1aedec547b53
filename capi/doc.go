// Package main builds the moqbridge C library.
//
// # Overview
//
// Every function here is a thin shell over the moqbridge Go API: it turns C
// arguments into Go values, looks up opaque handles, and converts the
// outcome into a MoqResult or a NULL return. Panics never cross into C.
// Failing calls also record a message readable with moq_last_error on the
// same thread.
//
// # Build Instructions
//
//	go build -buildmode=c-shared -o libmoqbridge.so ./capi/
//
// This generates libmoqbridge.so and libmoqbridge.h. The types and
// callback signatures live in moqbridge.h, which the generated header
// includes.
//
// # C API Usage
//
//	#include "libmoqbridge.h"
//
//	static void on_data(void* user_data, const uint8_t* data, size_t len) {
//	    fwrite(data, 1, len, stdout);
//	}
//
//	moq_init();
//	MoqClient* client = moq_client_create();
//	MoqResult res = moq_connect(client, "moqt://relay.example.com:4433", NULL, NULL);
//	if (res.code != MOQ_OK) {
//	    fprintf(stderr, "connect: %s\n", res.message);
//	    moq_free_str(res.message);
//	}
//
//	MoqSubscriber* sub = moq_subscribe(client, "live", "video", on_data, NULL);
//	...
//	moq_subscriber_destroy(sub);
//	moq_client_destroy(client);
//
// Handles are only valid between their create and destroy calls. Destroying
// a handle twice is a caller error, though an already destroyed handle is
// detected and rejected rather than dereferenced.
package main
