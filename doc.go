// Package amqp implements the core of an AMQP 0-9-1 client: the
// connection/channel handshake and close state machine, the frame-level
// wire codec, and a single-threaded consume loop that interleaves message
// delivery with heartbeat liveness tracking.
//
// A Session owns exactly one TCP (or TLS) transport and one channel. It is
// not safe for concurrent use: all I/O happens from whichever goroutine
// calls Setup, the operation methods, or Consume.
package amqp
