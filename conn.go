// Copyright (C) 2025 The lunagraph authors. All rights reserved.

package lunagraph

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/creachadair/taskgroup"
)

// A Channel is an addressed datagram exchange with a single remote peer.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the packet in binary format to the remote peer.
	Send(*Packet) error

	// Receive the next available packet from the remote peer.
	Recv() (*Packet, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// A PacketLogger logs a packet exchanged with the remote peer.
type PacketLogger func(pkt PacketInfo)

// A PacketInfo combines a packet and a flag indicating whether the packet
// was sent or received.
type PacketInfo struct {
	*Packet      // the packet being logged
	Sent    bool // whether the packet was sent (true) or received (false)
}

func (p PacketInfo) dir() string {
	if p.Sent {
		return "send"
	}
	return "recv"
}

func (p PacketInfo) String() string {
	return fmt.Sprintf("%v %v", p.dir(), p.Packet)
}

// A Conn issues graph operation requests to a remote engine over a Channel
// and correlates each response with the call that is waiting for it.
//
// Requests issued sequentially by one goroutine are handed to the channel in
// that order. Responses are matched to calls by request ID, so the remote
// engine may answer concurrent requests in any order. A response carrying an
// unknown request ID is discarded.
//
// Call NewConn to wrap a channel and start the service routine. Once started,
// a Conn runs until Stop is called, the channel closes, or a protocol fatal
// error occurs. Use Wait to wait for the conn to exit and report its status.
type Conn struct {
	in  interface{ Recv() (*Packet, error) }
	out struct {
		// Must hold the lock to send to or set ch.
		sync.Mutex
		ch Channel
	}
	tasks *taskgroup.Group

	μ sync.Mutex

	err   error              // protocol fatal error
	calls map[uint32]pending // outbound calls pending responses
	next  uint32             // next unused request ID
	plog  PacketLogger       // what it says on the tin
}

// NewConn constructs a Conn and starts its service routine on ch. The conn
// runs until the channel closes or a protocol fatal error occurs.
func NewConn(ch Channel) *Conn {
	c := &Conn{in: ch}
	g := taskgroup.New(nil)
	c.tasks = g
	c.out.ch = ch
	c.calls = make(map[uint32]pending)

	g.Go(func() error {
		for {
			pkt, err := c.in.Recv()
			if err != nil {
				c.fail(err)
				return nil
			}
			connMetrics.packetRecv.Add(1)
			if err := c.dispatchPacket(pkt); err != nil {
				c.fail(err)
				return nil
			}
		}
	})
	return c
}

// LogPackets registers a callback that will be invoked for each packet
// exchanged with the remote peer, regardless of type, including packets to
// be discarded.
//
// Passing a nil callback disables packet logging. The packet logger is
// invoked synchronously with dispatch, prior to sending or delivery.
func (c *Conn) LogPackets(log PacketLogger) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.plog = log
	return c
}

// Metrics returns a metrics map for the conn. It is safe for the caller to
// add additional metrics to the map while the conn is active.
func (c *Conn) Metrics() *expvar.Map { return connMetrics.emap }

// Stop closes the channel and terminates the conn. It blocks until the conn
// has exited and returns its status.
func (c *Conn) Stop() error { c.closeOut(); return c.Wait() }

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// Wait blocks until c terminates and reports the error that caused it to
// stop. If c stopped because of a closed channel, Wait returns nil;
// otherwise it returns the error that triggered protocol failure.
func (c *Conn) Wait() error {
	c.tasks.Wait()

	c.μ.Lock()
	defer c.μ.Unlock()
	if treatErrorAsSuccess(c.err) {
		return nil
	}
	return c.err
}

// Call sends the encoded graph operation in data to the remote engine and
// blocks until ctx ends or until the matching response is received. If the
// response reports anything other than success, Call returns a nil response
// and the error describes the failure. An error reported by Call has
// concrete type *CallError.
//
// If ctx ends before the response arrives, the pending call is abandoned:
// no cancellation is sent to the remote engine, and a late response for the
// abandoned ID is discarded on arrival.
func (c *Conn) Call(ctx context.Context, data []byte) (_ *Response, err error) {
	connMetrics.callOut.Add(1)
	defer func() {
		if err != nil {
			connMetrics.callOutErr.Add(1)
		}
	}()

	id, pc, err := c.sendReq(data)
	if err != nil {
		return nil, callError(err)
	}
	connMetrics.callPending.Add(1)
	defer connMetrics.callPending.Add(-1)

	select {
	case <-ctx.Done():
		c.μ.Lock()
		c.releaseIDLocked(id)
		c.μ.Unlock()
		return nil, callError(ctx.Err())

	case rsp, ok := <-pc:
		if !ok {
			// Closed without a response means there was a protocol fatal error.
			c.tasks.Wait()
			return nil, callError(fmt.Errorf("call terminated: %w", c.err))
		}
		if rsp.Code != CodeOK {
			ce := &CallError{Response: rsp}

			// Try to decode the error data, but if that fails use the string
			// from the failure message so the caller has a way to debug.
			if err := ce.ErrorData.UnmarshalBinary(rsp.Data); err != nil {
				ce.Message = err.Error()
			}
			return nil, ce
		}
		return rsp, nil
	}
}

// fail terminates all pending calls and updates the failure status.
func (c *Conn) fail(err error) {
	c.closeOut()

	c.μ.Lock()
	defer c.μ.Unlock()
	for _, pc := range c.calls {
		pc.close()
	}
	c.calls = nil
	c.err = err
}

// sendReq sends a request packet carrying data. It blocks until the send
// completes, but does not wait for the reply. The response will be
// delivered on the returned pending channel.
func (c *Conn) sendReq(data []byte) (uint32, pending, error) {
	// Phase 1: Check for fatal errors and acquire state.
	c.μ.Lock()
	if err := c.err; err != nil {
		c.μ.Unlock()
		return 0, nil, err
	}
	c.next++
	id := c.next
	pc := make(pending, 1)
	c.calls[id] = pc
	c.μ.Unlock()

	// Send the request to the remote peer. Note we MUST NOT hold the state
	// lock while doing this, as that would block the receiver from
	// dispatching packets.
	err := c.sendOut(&Packet{
		Type: PacketRequest,
		Payload: Request{
			RequestID: id,
			Data:      data,
		}.Encode(),
	})

	// Phase 2: Check for an error in the send, and update state if it failed.
	c.μ.Lock()
	defer c.μ.Unlock()
	if err != nil {
		c.releaseIDLocked(id)
		return 0, nil, err
	}
	return id, pc, nil
}

// dispatchPacket routes an inbound packet from the remote peer.
// Any error it reports is protocol fatal.
func (c *Conn) dispatchPacket(pkt *Packet) error {
	c.μ.Lock()
	plog := c.plog
	c.μ.Unlock()
	if plog != nil {
		plog(PacketInfo{Packet: pkt, Sent: false})
	}

	if pkt.Type != PacketResponse {
		// The client side of the protocol receives only responses.
		connMetrics.packetDropped.Add(1)
		return nil
	}
	var rsp Response
	if err := rsp.UnmarshalBinary(pkt.Payload); err != nil {
		return fmt.Errorf("invalid response packet: %w", err)
	}

	c.μ.Lock()
	defer c.μ.Unlock()
	pc, ok := c.calls[rsp.RequestID]
	if !ok {
		// Silently discard a response for an unknown request ID.
		connMetrics.packetDropped.Add(1)
		return nil
	}
	c.releaseIDLocked(rsp.RequestID)
	pc.deliver(&rsp) // does not block
	return nil
}

// releaseIDLocked releases the call state for the specified request id.
func (c *Conn) releaseIDLocked(id uint32) {
	delete(c.calls, id)
	if len(c.calls) == 0 {
		c.next = 0
	}
}

func (c *Conn) sendOut(pkt *Packet) error {
	c.out.Lock()
	defer c.out.Unlock()
	connMetrics.packetSent.Add(1)
	if c.plog != nil {
		c.plog(PacketInfo{Packet: pkt, Sent: true})
	}
	return c.out.ch.Send(pkt)
}

func (c *Conn) closeOut() {
	c.out.Lock()
	defer c.out.Unlock()
	if c.out.ch != nil {
		c.out.ch.Close()
	}
}

type pending chan *Response

func (p pending) close() {
	if p != nil {
		close(p)
	}
}

func (p pending) deliver(r *Response) {
	if p != nil {
		p <- r
		close(p)
	}
}

func callError(err error) *CallError { return &CallError{Err: err} }

// CallError is the concrete type of errors reported by the Call method of a
// Conn. For remote operation failures, the Err field is nil and the
// ErrorData contains the details reported by the engine along with the
// complete response message. For transport failures, Err holds the
// underlying error and Response is nil.
type CallError struct {
	ErrorData
	Err      error     // nil for remote operation failures
	Response *Response // set if the error came from a call response
}

// Unwrap reports the underlying error of c. If c.Err == nil, this is nil.
func (c *CallError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.Err != nil {
		return c.Err.Error()
	} else if c.Response.Code == CodeError {
		return fmt.Sprintf("remote operation failed: %v", c.ErrorData.Error())
	}
	return fmt.Sprintf("request %d: %s", c.Response.RequestID, c.Response.Code.String())
}
