// Package lbuf provides the elastic byte buffer shared by
// the framing, dispatch, and publishing layers.
//
// This is an independent package, rather than part of the root loom package,
// in order to simplify an internal dependency graph.
package lbuf
