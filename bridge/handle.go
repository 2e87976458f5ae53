// Copyright (C) 2025 The lunagraph authors. All rights reserved.

package bridge

import (
	"fmt"
	"math"

	"github.com/creachadair/taskgroup"
	lua "github.com/yuin/gopher-lua"

	"github.com/lunagraph/lunagraph/graphop"
)

const (
	nodeTypeName   = "lunagraph.node"
	outputTypeName = "lunagraph.output"
)

// A Node is a client-side reference to a node that exists in the remote
// graph. Nodes are only ever constructed from a response to a create or
// resolve operation, never fabricated locally.
//
// A Node's identifier is stable except across replace, which rebinds the
// same Node (and the same script variable) to the canonical identifier of
// the replacement.
type Node struct {
	sess *Session
	id   graphop.NodeID
}

// ID reports the remote identifier the node currently refers to.
func (n *Node) ID() graphop.NodeID { return n.id }

// index resolves an indexing key into an output reference. Indexing does
// not contact the remote engine.
func (n *Node) index(key lua.LValue) (*Output, error) {
	switch k := key.(type) {
	case lua.LNumber:
		f := float64(k)
		if f < 0 || f != math.Trunc(f) {
			return nil, fmt.Errorf("%w: output position must be a non-negative integer, got %v", ErrInvalidIndex, f)
		}
		return &Output{sess: n.sess, node: n.id, port: graphop.PortIndex(uint32(f))}, nil
	case lua.LString:
		return &Output{sess: n.sess, node: n.id, port: graphop.PortName(string(k))}, nil
	}
	return nil, fmt.Errorf("%w: cannot index a node with %s", ErrInvalidIndex, key.Type())
}

// An Output is a reference to one output slot of a remote node, selected by
// position or by name. Outputs are derived from a Node by indexing and do
// not own the node.
//
// An Output derived before its node was replaced keeps the old identifier;
// that staleness is inherent to in-place replacement.
type Output struct {
	sess *Session
	node graphop.NodeID
	port graphop.Port
}

// Node reports the identifier of the node the output belongs to.
func (o *Output) Node() graphop.NodeID { return o.node }

// Port reports the output selector.
func (o *Output) Port() graphop.Port { return o.port }

// binaryProcs maps arithmetic metamethods to the processor kind that
// implements them on the remote graph.
var binaryProcs = map[string]string{
	"__add": "Add",
	"__sub": "Sub",
	"__mul": "Mul",
	"__div": "Div",
}

// negateProc is the processor kind implementing unary negation.
const negateProc = "Neg"

// registerHandleTypes installs the metatables for the two handle kinds.
// Both kinds support the arithmetic metamethods; only nodes support
// indexing.
func (s *Session) registerHandleTypes() {
	L := s.L

	nmt := L.NewTypeMetatable(nodeTypeName)
	for meta, proc := range binaryProcs {
		L.SetField(nmt, meta, L.NewFunction(s.binaryMeta(proc)))
	}
	L.SetField(nmt, "__unm", L.NewFunction(s.negateMeta))
	L.SetField(nmt, "__index", L.NewFunction(s.nodeIndexMeta))
	L.SetField(nmt, "__tostring", L.NewFunction(handleToString))

	omt := L.NewTypeMetatable(outputTypeName)
	for meta, proc := range binaryProcs {
		L.SetField(omt, meta, L.NewFunction(s.binaryMeta(proc)))
	}
	L.SetField(omt, "__unm", L.NewFunction(s.negateMeta))
	L.SetField(omt, "__tostring", L.NewFunction(handleToString))
}

// wrapNode wraps n as Lua userdata carrying the node metatable.
func (s *Session) wrapNode(n *Node) *lua.LUserData {
	ud := s.L.NewUserData()
	ud.Value = n
	s.L.SetMetatable(ud, s.L.GetTypeMetatable(nodeTypeName))
	return ud
}

// wrapOutput wraps o as Lua userdata carrying the output metatable.
func (s *Session) wrapOutput(o *Output) *lua.LUserData {
	ud := s.L.NewUserData()
	ud.Value = o
	s.L.SetMetatable(ud, s.L.GetTypeMetatable(outputTypeName))
	return ud
}

func handleToString(L *lua.LState) int {
	ud := L.CheckUserData(1)
	switch h := ud.Value.(type) {
	case *Node:
		L.Push(lua.LString(h.id.String()))
	case *Output:
		L.Push(lua.LString(fmt.Sprintf("%v:%v", h.node, h.port)))
	default:
		L.Push(lua.LString(fmt.Sprintf("%T", ud.Value)))
	}
	return 1
}

// coerce converts a script value into a usable connection source, creating
// a constant-valued node on the remote graph when the value is a literal.
//
// Literal coercion is deliberately not idempotent: coercing the same
// literal twice creates two distinct remote nodes. Handles coerce without
// any request.
func (s *Session) coerce(v lua.LValue) (graphop.NodeID, graphop.Port, error) {
	out0 := graphop.PortIndex(0)
	switch t := v.(type) {
	case lua.LNumber:
		id, err := s.createNode(graphop.Constant{Value: float32(t)})
		return id, out0, err
	case lua.LBool:
		id, err := s.createNode(graphop.ConstantBool{Value: bool(t)})
		return id, out0, err
	case lua.LString:
		id, err := s.createNode(graphop.ConstantString{Value: string(t)})
		return id, out0, err
	case *lua.LUserData:
		switch h := t.Value.(type) {
		case *Node:
			return h.id, out0, nil
		case *Output:
			return h.node, h.port, nil
		}
		return 0, graphop.Port{}, fmt.Errorf("%w: unsupported userdata %T", ErrInvalidArgument, t.Value)
	}
	return 0, graphop.Port{}, fmt.Errorf("%w: cannot use a %s as a signal source", ErrInvalidArgument, v.Type())
}

// connect issues one connect operation.
func (s *Session) connect(src graphop.NodeID, out graphop.Port, target graphop.NodeID, in graphop.Port) error {
	_, err := s.request(graphop.Connect{Source: src, SourceOut: out, Target: target, TargetIn: in})
	return err
}

// binary translates one binary arithmetic operator: coerce both operands,
// create the processor node, and wire operand outputs to its two inputs.
// Lua resolves commuted forms like 0.1 * node through the handle's
// metatable, so either operand may be a literal.
func (s *Session) binary(proc string, lhs, rhs lua.LValue) (*Node, error) {
	lsrc, lport, err := s.coerce(lhs)
	if err != nil {
		return nil, err
	}
	rsrc, rport, err := s.coerce(rhs)
	if err != nil {
		return nil, err
	}
	target, err := s.createNode(graphop.Processor{Name: proc})
	if err != nil {
		return nil, err
	}

	// The two connects have no ordering dependency: both are in flight
	// before either completes, and the node is not handed back until both
	// are done. The first error wins, but the other request is still
	// awaited.
	g := taskgroup.New(nil)
	g.Go(func() error { return s.connect(lsrc, lport, target, graphop.PortIndex(0)) })
	g.Go(func() error { return s.connect(rsrc, rport, target, graphop.PortIndex(1)) })
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &Node{sess: s, id: target}, nil
}

// negate translates unary negation into a Neg processor with one input.
func (s *Session) negate(v lua.LValue) (*Node, error) {
	src, port, err := s.coerce(v)
	if err != nil {
		return nil, err
	}
	target, err := s.createNode(graphop.Processor{Name: negateProc})
	if err != nil {
		return nil, err
	}
	if err := s.connect(src, port, target, graphop.PortIndex(0)); err != nil {
		return nil, err
	}
	return &Node{sess: s, id: target}, nil
}

// replace swaps the remote node behind n for the coerced replacement and
// rebinds n in place to the canonical identifier reported by the engine.
func (s *Session) replace(n *Node, v lua.LValue) error {
	rep, _, err := s.coerce(v)
	if err != nil {
		return err
	}
	rsp, err := s.request(graphop.Replace{Target: n.id, Replacement: rep})
	if err != nil {
		return err
	}
	id, err := rsp.NodeID()
	if err != nil {
		return fmt.Errorf("replace response: %w", err)
	}
	n.id = graphop.NodeID(id)
	return nil
}

func (s *Session) binaryMeta(proc string) lua.LGFunction {
	return func(L *lua.LState) int {
		node, err := s.binary(proc, L.Get(1), L.Get(2))
		if err != nil {
			return s.raise(L, err)
		}
		L.Push(s.wrapNode(node))
		return 1
	}
}

func (s *Session) negateMeta(L *lua.LState) int {
	node, err := s.negate(L.Get(1))
	if err != nil {
		return s.raise(L, err)
	}
	L.Push(s.wrapNode(node))
	return 1
}

// nodeIndexMeta implements __index on nodes. The key "replace" resolves to
// the replace method; any other string selects an output by name, and an
// integral number selects an output by position.
func (s *Session) nodeIndexMeta(L *lua.LState) int {
	ud := L.CheckUserData(1)
	node, ok := ud.Value.(*Node)
	if !ok {
		return s.raise(L, fmt.Errorf("%w: not a node handle", ErrInvalidIndex))
	}
	key := L.Get(2)
	if key == lua.LString("replace") {
		L.Push(L.NewFunction(s.replaceMeta))
		return 1
	}
	out, err := node.index(key)
	if err != nil {
		return s.raise(L, err)
	}
	L.Push(s.wrapOutput(out))
	return 1
}

// replaceMeta implements node:replace(v). It returns the receiver, whose
// identifier now names the replacement.
func (s *Session) replaceMeta(L *lua.LState) int {
	ud := L.CheckUserData(1)
	node, ok := ud.Value.(*Node)
	if !ok {
		return s.raise(L, fmt.Errorf("%w: replace called on a non-node", ErrInvalidArgument))
	}
	if err := s.replace(node, L.Get(2)); err != nil {
		return s.raise(L, err)
	}
	L.Push(ud)
	return 1
}
