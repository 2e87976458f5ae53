// Copyright (C) 2025 The lunagraph authors. All rights reserved.

// Package channel provides implementations of the lunagraph.Channel
// interface.
package channel

import (
	"errors"
	"net"
	"sync"

	"github.com/lunagraph/lunagraph"
)

// errNoPeer is reported by a ListenChannel send before any peer has been heard from.
var errNoPeer = errors.New("no remote peer")

// Direct constructs a connected pair of in-memory channels that pass
// packets directly without encoding into binary. Packets sent to A are
// received by B and vice versa.
func Direct() (A, B lunagraph.Channel) {
	a2b := make(chan *lunagraph.Packet)
	b2a := make(chan *lunagraph.Packet)
	A = direct{a2b: a2b, b2a: b2a}
	B = direct{a2b: b2a, b2a: a2b}
	return
}

type direct struct {
	a2b chan<- *lunagraph.Packet
	b2a <-chan *lunagraph.Packet
}

// Send implements a method of the [lunagraph.Channel] interface.
func (d direct) Send(pkt *lunagraph.Packet) (err error) {
	defer safeClose(&err)
	d.a2b <- pkt
	return nil
}

// Recv implements a method of the [lunagraph.Channel] interface.
func (d direct) Recv() (*lunagraph.Packet, error) {
	pkt, ok := <-d.b2a
	if !ok {
		return nil, net.ErrClosed
	}
	return pkt, nil
}

// Close implements a method of the [lunagraph.Channel] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.a2b)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// maxDatagram is the size of the receive buffer for UDP channels. It is the
// largest payload a UDP datagram can carry over IPv4.
const maxDatagram = 65507

// Dial binds a UDP socket on the local address and connects it to the
// remote address. Each packet is sent and received as one datagram.
func Dial(local, remote string) (*UDPChannel, error) {
	laddr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return nil, err
	}
	raddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return nil, err
	}
	return &UDPChannel{conn: conn}, nil
}

// A UDPChannel exchanges packets as datagrams with a single remote peer.
type UDPChannel struct {
	conn *net.UDPConn
}

// Send implements a method of the [lunagraph.Channel] interface.
func (c *UDPChannel) Send(pkt *lunagraph.Packet) error {
	_, err := c.conn.Write(pkt.Encode())
	return err
}

// Recv implements a method of the [lunagraph.Channel] interface.
func (c *UDPChannel) Recv() (*lunagraph.Packet, error) {
	buf := make([]byte, maxDatagram)
	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	pkt := new(lunagraph.Packet)
	if err := pkt.Decode(buf[:n]); err != nil {
		return nil, err
	}
	return pkt, nil
}

// Close implements a method of the [lunagraph.Channel] interface.
func (c *UDPChannel) Close() error { return c.conn.Close() }

// LocalAddr reports the local address the channel is bound to.
func (c *UDPChannel) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Listen binds a UDP socket on the given address that adopts the source
// address of the most recent inbound datagram as its reply target. It is
// intended for the serving side of the protocol, which answers whichever
// peer spoke last.
func Listen(addr string) (*ListenChannel, error) {
	uaddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", uaddr)
	if err != nil {
		return nil, err
	}
	return &ListenChannel{conn: conn}, nil
}

// A ListenChannel exchanges packets as datagrams with the peer that most
// recently sent to it.
type ListenChannel struct {
	conn *net.UDPConn

	μ    sync.Mutex
	peer *net.UDPAddr
}

// Send implements a method of the [lunagraph.Channel] interface. It reports
// an error if no peer has contacted the channel yet.
func (c *ListenChannel) Send(pkt *lunagraph.Packet) error {
	c.μ.Lock()
	peer := c.peer
	c.μ.Unlock()
	if peer == nil {
		return errNoPeer
	}
	_, err := c.conn.WriteToUDP(pkt.Encode(), peer)
	return err
}

// Recv implements a method of the [lunagraph.Channel] interface.
func (c *ListenChannel) Recv() (*lunagraph.Packet, error) {
	buf := make([]byte, maxDatagram)
	n, addr, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, err
	}
	c.μ.Lock()
	c.peer = addr
	c.μ.Unlock()

	pkt := new(lunagraph.Packet)
	if err := pkt.Decode(buf[:n]); err != nil {
		return nil, err
	}
	return pkt, nil
}

// Close implements a method of the [lunagraph.Channel] interface.
func (c *ListenChannel) Close() error { return c.conn.Close() }

// LocalAddr reports the local address the channel is bound to.
func (c *ListenChannel) LocalAddr() net.Addr { return c.conn.LocalAddr() }
