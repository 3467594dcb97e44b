// Package lquic binds the loom framing layer to QUIC streams,
// running one servicing loop per accepted bidirectional stream.
package lquic
