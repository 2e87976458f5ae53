// Copyright (C) 2025 The lunagraph authors. All rights reserved.

// Package lunagraph implements the client side of the lunagraph v0
// protocol, a lightweight request/response exchange used to build and
// control a signal-processing graph hosted by a remote engine.
//
// Packets are exchanged as datagrams over a shared [Channel]. Each request
// carries one encoded graph operation (see the graphop package) tagged with
// a request ID, and each response carries the matching ID, a result code,
// and optional data. The protocol uses a byte-oriented packet format with a
// fixed header to keep encoding and decoding cheap.
//
// # Conns
//
// The core type defined by this package is the [Conn], which issues calls
// to the remote engine and correlates responses to their callers:
//
//	c := lunagraph.NewConn(ch)
//	rsp, err := c.Call(ctx, op.Encode())
//
// Multiple goroutines may have calls in flight on one Conn at the same
// time; responses are matched by request ID, so the engine is free to
// answer them in any order. The conn runs until [Conn.Stop] is called, the
// channel is closed by the remote peer, or a protocol fatal error occurs.
// Call [Conn.Wait] to wait for the conn to exit and return its status.
//
// # Channels
//
// The [Channel] interface defines the ability to send and receive packets.
// The channel package provides a UDP datagram implementation and an
// in-memory pair for testing.
//
// # Scripting
//
// The bridge package hosts a Lua runtime whose values and operators are
// translated into graph operations issued through a Conn; that package is
// the intended entry point for most users.
package lunagraph
