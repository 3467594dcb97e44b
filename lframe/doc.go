// Package lframe implements the 4-byte header codec and
// the document envelope used to frame every message on the wire.
package lframe
