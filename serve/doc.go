// Package serve provides the in-memory track primitives shared by the bridge
// and the engines that carry tracks between peers.
//
// A namespace is represented by a Tracks pair: the publishing side creates
// tracks on a TracksWriter and hands the TracksReader to an engine, which
// resolves subscriptions against it. Every track picks exactly one delivery
// mode, once, when its writer is first used:
//
//   - Stream: an ordered sequence of groups, each holding objects, each
//     object made of one or more chunks.
//   - Datagrams: independent, unordered payloads with no delivery guarantee.
//
// Readers are independent cursors over bounded backlogs. A reader that falls
// further behind than the backlog silently skips to the oldest retained
// entry, which is the "latest value" behaviour MoQ relays exhibit.
//
// Example:
//
//	tw, tr := serve.NewTrack("demo", "clock")
//	stream, _ := tw.Stream(0)
//	group, _ := stream.Create(0)
//	_ = group.Write([]byte("tick"))
//
//	mode, _ := tr.Mode(ctx)
//	if sr, ok := mode.(*serve.StreamReader); ok {
//	    g, _ := sr.Next(ctx)
//	    obj, _ := g.Next(ctx)
//	    payload, _ := obj.ReadAll(ctx)
//	}
package serve
