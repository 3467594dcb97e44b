// Package loom contains the framing and dispatch layer
// of a length-prefixed binary request/response protocol
// running over a duplex byte stream.
//
// A [Session] decodes a stream of framed documents arriving
// in arbitrary fragment sizes, dispatches exactly one decoded
// document at a time to an application-supplied [Handler],
// and preserves stream framing even when the handler misbehaves.
// Outgoing documents are batched and fairly multiplexed by an
// [github.com/loomnet/loom/lpub.Publisher].
//
// Nothing in this package blocks on I/O: every operation works
// over bytes already resident in the shared buffers and returns
// immediately, so a session can be driven by a non-blocking
// event loop such as [github.com/loomnet/loom/lnet.Driver].
package loom
