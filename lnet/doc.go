// Package lnet provides the per-connection servicing loop that
// drives a [github.com/loomnet/loom.Session] over any duplex
// byte stream, such as a TCP connection, a pipe, or a QUIC stream.
package lnet
