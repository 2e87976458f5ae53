// Copyright (C) 2025 The lunagraph authors. All rights reserved.

// Package bridge hosts an embedded Lua runtime whose values and operators
// are translated into graph operations issued to a remote signal engine.
//
// A [Session] owns the transport conn and the Lua state. Script-level
// expressions act on [Node] and [Output] handles: arithmetic operators
// create processor nodes and wire their inputs, indexing selects node
// outputs, and literals are coerced into remote constant nodes on demand.
// The catalogued processors, the transport built-ins (play, stop, sleep),
// the terminal output constructor dac, and the mixer are installed into the
// script's global namespace when the session is created.
//
// The hosted script executes on one goroutine and suspends at every remote
// request, so script-visible state needs no locking of its own; concurrency
// appears only where an operator issues independent requests side by side.
package bridge

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/lunagraph/lunagraph"
	"github.com/lunagraph/lunagraph/catalog"
	"github.com/lunagraph/lunagraph/channel"
	"github.com/lunagraph/lunagraph/graphop"
)

// Options control the construction of a Session.
type Options struct {
	// Catalog is the set of processors exposed to the script.
	// If nil, catalog.Default() is used.
	Catalog *catalog.Catalog

	// DenseArgs, if true, makes a nil argument to a generated procedure an
	// error. By default nil arguments are skipped, leaving the input slot
	// at that position unconnected.
	DenseArgs bool
}

// A Session binds a Lua runtime to a transport conn. It is the sole issuer
// of requests for the handles it creates.
//
// Sessions are independent of one another; nothing is shared between two
// Sessions. A Session must not be used from more than one goroutine at a
// time. Handles created by a session hold a non-owning reference to it:
// after Close, any operation attempted through them fails with
// [ErrStaleHandle] without touching the transport.
type Session struct {
	conn  *lunagraph.Conn
	L     *lua.LState
	cat   *catalog.Catalog
	dense bool
	stale atomic.Bool

	ctx context.Context // active execution context, nil when idle
}

// New creates a Session issuing requests on conn. The conn is owned by the
// session from this point on; Close stops it.
func New(conn *lunagraph.Conn, opts Options) *Session {
	cat := opts.Catalog
	if cat == nil {
		cat = catalog.Default()
	}
	s := &Session{
		conn:  conn,
		L:     lua.NewState(),
		cat:   cat,
		dense: opts.DenseArgs,
	}
	s.registerHandleTypes()
	s.registerBuiltins()
	s.registerProcs()
	return s
}

// Dial binds a UDP transport from the local address to the remote engine
// address and returns a ready Session. A failure to bind the transport is
// fatal to construction.
func Dial(local, remote string, opts Options) (*Session, error) {
	ch, err := channel.Dial(local, remote)
	if err != nil {
		return nil, fmt.Errorf("bind transport: %w", err)
	}
	return New(lunagraph.NewConn(ch), opts), nil
}

// Conn returns the transport conn owned by s.
func (s *Session) Conn() *lunagraph.Conn { return s.conn }

// Execute runs chunk as Lua source. Remote failures during evaluation
// surface as Lua errors: the script can intercept them with pcall, and
// otherwise they abort the chunk and are reported here.
func (s *Session) Execute(ctx context.Context, chunk string) error {
	if err := s.alive(); err != nil {
		return err
	}
	s.ctx = ctx
	defer func() { s.ctx = nil }()
	return s.L.DoString(chunk)
}

// ExecuteFile runs the Lua source file at path, as Execute does a chunk.
func (s *Session) ExecuteFile(ctx context.Context, path string) error {
	if err := s.alive(); err != nil {
		return err
	}
	s.ctx = ctx
	defer func() { s.ctx = nil }()
	return s.L.DoFile(path)
}

// Eval evaluates chunk as a Lua expression or chunk and returns the value
// it produces.
func (s *Session) Eval(ctx context.Context, chunk string) (lua.LValue, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}
	s.ctx = ctx
	defer func() { s.ctx = nil }()

	fn, err := s.L.LoadString(chunk)
	if err != nil {
		return nil, err
	}
	if err := s.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
		return nil, err
	}
	v := s.L.Get(-1)
	s.L.Pop(1)
	return v, nil
}

// Close marks the session stale, closes the Lua state, and stops the conn.
// Handles that refer to s outlive it but fail all further operations with
// [ErrStaleHandle]. Close is idempotent.
func (s *Session) Close() error {
	if s.stale.Swap(true) {
		return nil
	}
	s.L.Close()
	return s.conn.Stop()
}

// alive reports ErrStaleHandle if the session has been closed.
func (s *Session) alive() error {
	if s == nil || s.stale.Load() {
		return ErrStaleHandle
	}
	return nil
}

func (s *Session) context() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// request issues one graph operation and awaits its response. This is the
// suspension point of the hosted script: the calling flow yields here until
// the matching response arrives.
func (s *Session) request(op graphop.Op) (*lunagraph.Response, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}
	return s.conn.Call(s.context(), op.Encode())
}

// createNode issues a node-creating operation and decodes the identifier of
// the node the engine created.
func (s *Session) createNode(op graphop.Op) (graphop.NodeID, error) {
	rsp, err := s.request(op)
	if err != nil {
		return 0, err
	}
	id, err := rsp.NodeID()
	if err != nil {
		return 0, fmt.Errorf("%v response: %w", op.OpCode(), err)
	}
	return graphop.NodeID(id), nil
}

// registerBuiltins installs the transport-bound built-ins into the script's
// global namespace.
func (s *Session) registerBuiltins() {
	L := s.L
	L.SetGlobal("play", L.NewFunction(func(L *lua.LState) int {
		if _, err := s.request(graphop.Play{}); err != nil {
			return s.raise(L, err)
		}
		return 0
	}))
	L.SetGlobal("stop", L.NewFunction(func(L *lua.LState) int {
		if _, err := s.request(graphop.Stop{}); err != nil {
			return s.raise(L, err)
		}
		return 0
	}))
	L.SetGlobal("sleep", L.NewFunction(s.sleepBuiltin))
	L.SetGlobal("dac", L.NewFunction(func(L *lua.LState) int {
		node, err := s.sink(collectArgs(L, 1))
		if err != nil {
			return s.raise(L, err)
		}
		L.Push(s.wrapNode(node))
		return 1
	}))
	s.registerMixer()
}

// sleepBuiltin suspends the script flow for a fractional number of seconds.
// Only the script's goroutine is suspended; transport I/O and any other
// work in the process keep running.
func (s *Session) sleepBuiltin(L *lua.LState) int {
	sec := float64(L.CheckNumber(1))
	if sec < 0 {
		L.ArgError(1, "duration must not be negative")
	}
	t := time.NewTimer(time.Duration(sec * float64(time.Second)))
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.context().Done():
		return s.raise(L, s.context().Err())
	}
	return 0
}

// sink creates the terminal output node and wires each argument to one of
// its input slots in order.
func (s *Session) sink(args []lua.LValue) (*Node, error) {
	target, err := s.createNode(graphop.Sink{})
	if err != nil {
		return nil, err
	}
	if err := s.connectArgs(target, args); err != nil {
		return nil, err
	}
	return &Node{sess: s, id: target}, nil
}

const mixerTypeName = "lunagraph.mixer"

// registerMixer installs the global mixer object. Assigning to a channel of
// the mixer routes a signal into that channel of the engine's terminal mix.
func (s *Session) registerMixer() {
	L := s.L
	mt := L.NewTypeMetatable(mixerTypeName)
	L.SetField(mt, "__newindex", L.NewFunction(func(L *lua.LState) int {
		if err := s.mixAssign(L.Get(2), L.Get(3)); err != nil {
			return s.raise(L, err)
		}
		return 0
	}))
	ud := L.NewUserData()
	ud.Value = s
	L.SetMetatable(ud, mt)
	L.SetGlobal("mixer", ud)
}

// mixAssign handles mixer[channel] = producer. The channel key must be a
// non-negative integer and the assigned value a function; the function is
// called with no arguments and its result is coerced into the mix source.
// Structural errors are detected before any request is issued.
func (s *Session) mixAssign(key, value lua.LValue) error {
	ch, ok := key.(lua.LNumber)
	f := float64(ch)
	if !ok || f < 0 || f != math.Trunc(f) {
		return fmt.Errorf("%w: mixer channel must be a non-negative integer, got %s", ErrInvalidArgument, lua.LVAsString(key))
	}
	fn, ok := value.(*lua.LFunction)
	if !ok {
		return fmt.Errorf("%w: mixer channel %d must be assigned a function, got %s", ErrInvalidArgument, uint32(f), value.Type())
	}

	if err := s.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
		return err
	}
	ret := s.L.Get(-1)
	s.L.Pop(1)

	src, port, err := s.coerce(ret)
	if err != nil {
		return err
	}
	_, err = s.request(graphop.Mix{Channel: uint32(f), Source: src, SourceOut: port})
	return err
}

// raise converts err into a Lua error at the current call site. The hosted
// script can intercept it with pcall; otherwise it propagates out of the
// Execute call that triggered it.
func (s *Session) raise(L *lua.LState, err error) int {
	L.RaiseError("%s", err)
	return 0 // unreached, RaiseError does not return
}

// collectArgs gathers the call arguments starting at stack position from.
func collectArgs(L *lua.LState, from int) []lua.LValue {
	top := L.GetTop()
	if top < from {
		return nil
	}
	args := make([]lua.LValue, 0, top-from+1)
	for i := from; i <= top; i++ {
		args = append(args, L.Get(i))
	}
	return args
}
