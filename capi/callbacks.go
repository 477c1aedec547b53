package main

/*
#include "moqbridge.h"
*/
import "C"

import (
	"unsafe"

	"github.com/opd-ai/moqbridge"
)

// The closures below are the only place user data turns back into a
// pointer, and that happens on the C side of the trampoline.

func connectionCallback(cb C.MoqConnectionCallback, userData uintptr) moqbridge.ConnectionCallback {
	if cb == nil {
		return nil
	}
	return func(s moqbridge.ConnectionState) {
		C.moq_call_connection(cb, C.uintptr_t(userData), C.MoqConnectionState(s))
	}
}

func dataCallback(cb C.MoqDataCallback, userData uintptr) moqbridge.DataCallback {
	if cb == nil {
		return nil
	}
	return func(data []byte) {
		var p *C.uint8_t
		if len(data) > 0 {
			p = (*C.uint8_t)(unsafe.Pointer(&data[0]))
		}
		C.moq_call_data(cb, C.uintptr_t(userData), p, C.size_t(len(data)))
	}
}

func trackCallback(cb C.MoqTrackCallback, userData uintptr) moqbridge.TrackCallback {
	if cb == nil {
		return nil
	}
	return func(namespace, track string) {
		ns, tr := C.CString(namespace), C.CString(track)
		defer C.free(unsafe.Pointer(ns))
		defer C.free(unsafe.Pointer(tr))
		C.moq_call_track(cb, C.uintptr_t(userData), ns, tr)
	}
}

func catalogCallback(cb C.MoqCatalogCallback, userData uintptr) moqbridge.CatalogCallback {
	if cb == nil {
		return nil
	}
	return func(tracks []moqbridge.TrackInfo) {
		if len(tracks) == 0 {
			C.moq_call_catalog(cb, C.uintptr_t(userData), nil, 0)
			return
		}

		mem := C.calloc(C.size_t(len(tracks)), C.size_t(unsafe.Sizeof(C.MoqTrackInfo{})))
		defer C.free(mem)
		infos := unsafe.Slice((*C.MoqTrackInfo)(mem), len(tracks))

		var strs []*C.char
		defer func() {
			for _, s := range strs {
				C.free(unsafe.Pointer(s))
			}
		}()
		str := func(s string) *C.char {
			cs := C.CString(s)
			strs = append(strs, cs)
			return cs
		}

		for i, t := range tracks {
			infos[i] = C.MoqTrackInfo{
				name:        str(t.Name),
				codec:       str(t.Codec),
				mime_type:   str(t.MimeType),
				width:       C.uint32_t(t.Width),
				height:      C.uint32_t(t.Height),
				bitrate:     C.uint64_t(t.Bitrate),
				sample_rate: C.uint32_t(t.SampleRate),
				language:    str(t.Language),
			}
		}
		C.moq_call_catalog(cb, C.uintptr_t(userData), &infos[0], C.size_t(len(tracks)))
	}
}
