// Copyright (C) 2025 The lunagraph authors. All rights reserved.

// Package graphtest provides an in-memory implementation of the remote
// graph engine, for use in tests and as a local demo server.
//
// The engine applies the full graphop vocabulary to a toy graph model and
// records every operation it accepts, in arrival order, so tests can assert
// on the exact request sequence a script produced.
package graphtest

import (
	"fmt"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/lunagraph/lunagraph"
	"github.com/lunagraph/lunagraph/channel"
	"github.com/lunagraph/lunagraph/graphop"
)

// A Server is an in-memory graph engine. It serves the lunagraph v0
// request/response exchange over a Channel, one request at a time.
type Server struct {
	μ       sync.Mutex
	next    graphop.NodeID
	nodes   map[graphop.NodeID]string // id → node kind
	conns   []graphop.Connect
	mixes   map[uint32]graphop.Mix
	playing bool
	ops     []graphop.Op
	hook    func(graphop.Op) error
}

// NewServer constructs a new empty engine.
func NewServer() *Server {
	return &Server{
		nodes: make(map[graphop.NodeID]string),
		mixes: make(map[uint32]graphop.Mix),
	}
}

// FailWith registers a hook consulted before each operation is applied. If
// the hook reports a non-nil error, the operation is rejected with that
// error and not applied. A nil hook (the default) accepts everything.
func (s *Server) FailWith(hook func(graphop.Op) error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.hook = hook
}

// Ops returns a copy of the operations the engine has applied, in arrival
// order. Rejected operations are not recorded.
func (s *Server) Ops() []graphop.Op {
	s.μ.Lock()
	defer s.μ.Unlock()
	out := make([]graphop.Op, len(s.ops))
	copy(out, s.ops)
	return out
}

// Count reports the number of applied operations with the given opcode.
func (s *Server) Count(code graphop.OpCode) int {
	s.μ.Lock()
	defer s.μ.Unlock()
	var n int
	for _, op := range s.ops {
		if op.OpCode() == code {
			n++
		}
	}
	return n
}

// Connections returns a copy of the connections the engine has applied.
func (s *Server) Connections() []graphop.Connect {
	s.μ.Lock()
	defer s.μ.Unlock()
	out := make([]graphop.Connect, len(s.conns))
	copy(out, s.conns)
	return out
}

// Node reports the kind of the node with the given ID, and whether it
// exists. Constant nodes have kind "const", sink nodes "sink", and
// processor nodes the processor name.
func (s *Server) Node(id graphop.NodeID) (kind string, ok bool) {
	s.μ.Lock()
	defer s.μ.Unlock()
	kind, ok = s.nodes[id]
	return
}

// Playing reports whether transport-level playback is active.
func (s *Server) Playing() bool {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.playing
}

// Serve reads requests from ch and answers each one until the channel
// closes. It reports the error that caused it to stop, or nil if the
// channel closed. Serve closes ch before returning, so a client whose
// receive loop is parked on the other end of an in-memory pipe is
// unblocked when the engine goes away.
func (s *Server) Serve(ch lunagraph.Channel) error {
	defer ch.Close()
	for {
		pkt, err := ch.Recv()
		if err != nil {
			return nil
		}
		if pkt.Type != lunagraph.PacketRequest {
			continue // ignore anything that is not a request
		}
		var req lunagraph.Request
		if err := req.UnmarshalBinary(pkt.Payload); err != nil {
			return fmt.Errorf("invalid request packet: %w", err)
		}
		rsp := s.handle(&req)
		if err := ch.Send(&lunagraph.Packet{
			Type:    lunagraph.PacketResponse,
			Payload: rsp.Encode(),
		}); err != nil {
			return err
		}
	}
}

func (s *Server) handle(req *lunagraph.Request) *lunagraph.Response {
	rsp := &lunagraph.Response{RequestID: req.RequestID}
	op, err := graphop.DecodeOp(req.Data)
	if err != nil {
		rsp.Code = lunagraph.CodeUnknownOp
		rsp.Data = lunagraph.ErrorData{Message: err.Error()}.Encode()
		return rsp
	}
	data, err := s.apply(op)
	if err != nil {
		rsp.Code = lunagraph.CodeError
		rsp.Data = lunagraph.ErrorData{Message: err.Error()}.Encode()
		return rsp
	}
	rsp.Data = data
	return rsp
}

// apply applies op to the graph and returns the response data, if any.
func (s *Server) apply(op graphop.Op) ([]byte, error) {
	s.μ.Lock()
	defer s.μ.Unlock()

	if s.hook != nil {
		if err := s.hook(op); err != nil {
			return nil, err
		}
	}

	var data []byte
	switch t := op.(type) {
	case graphop.Constant:
		data = graphop.EncodeNodeID(s.addNodeLocked("const"))
	case graphop.ConstantBool:
		data = graphop.EncodeNodeID(s.addNodeLocked("const"))
	case graphop.ConstantString:
		data = graphop.EncodeNodeID(s.addNodeLocked("const"))
	case graphop.Processor:
		data = graphop.EncodeNodeID(s.addNodeLocked(t.Name))
	case graphop.Sink:
		data = graphop.EncodeNodeID(s.addNodeLocked("sink"))

	case graphop.Connect:
		if _, ok := s.nodes[t.Source]; !ok {
			return nil, fmt.Errorf("connect: unknown source %v", t.Source)
		}
		if _, ok := s.nodes[t.Target]; !ok {
			return nil, fmt.Errorf("connect: unknown target %v", t.Target)
		}
		s.conns = append(s.conns, t)

	case graphop.Replace:
		kind, ok := s.nodes[t.Replacement]
		if !ok {
			return nil, fmt.Errorf("replace: unknown replacement %v", t.Replacement)
		}
		if _, ok := s.nodes[t.Target]; !ok {
			return nil, fmt.Errorf("replace: unknown target %v", t.Target)
		}
		delete(s.nodes, t.Target)

		// The surviving node gets a fresh canonical identifier, which is
		// what the client is expected to adopt for the replaced handle.
		data = graphop.EncodeNodeID(s.addNodeLocked(kind))

	case graphop.Mix:
		if _, ok := s.nodes[t.Source]; !ok {
			return nil, fmt.Errorf("mix: unknown source %v", t.Source)
		}
		s.mixes[t.Channel] = t

	case graphop.Play:
		s.playing = true
	case graphop.Stop:
		s.playing = false

	default:
		return nil, fmt.Errorf("unsupported operation %v", op.OpCode())
	}

	s.ops = append(s.ops, op)
	return data, nil
}

func (s *Server) addNodeLocked(kind string) graphop.NodeID {
	s.next++
	s.nodes[s.next] = kind
	return s.next
}

// A Pipe is a Server connected to a client Channel through an in-memory
// pipe, suitable for testing.
type Pipe struct {
	Server *Server
	Client lunagraph.Channel

	sch  lunagraph.Channel
	done *taskgroup.Single[error]
}

// NewPipe creates a running engine and returns it with a client channel
// connected to it. Call Stop to shut the engine down.
func NewPipe() *Pipe {
	srv := NewServer()
	cch, sch := channel.Direct()
	p := &Pipe{Server: srv, Client: cch, sch: sch}
	p.done = taskgroup.Go(func() error { return srv.Serve(sch) })
	return p
}

// Stop shuts down the engine and blocks until it has exited.
func (p *Pipe) Stop() error {
	p.sch.Close()
	return p.done.Wait()
}
