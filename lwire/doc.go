// Package lwire defines the pluggable payload encodings
// and the typed wire views bound to a buffer instance.
package lwire
