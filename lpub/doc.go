// Package lpub implements the outbound publisher:
// a size-bounded queue of serialized documents plus
// a fair, bounded round-robin pump over registered push producers.
package lpub
