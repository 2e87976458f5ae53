// Copyright (C) 2025 The lunagraph authors. All rights reserved.

// Package graphop defines the vocabulary of operations that can be applied
// to a remote signal graph, and their binary wire encoding.
//
// Each operation is a small struct whose Encode method produces the request
// data for a [lunagraph.Request]; the opcode is the first byte of the
// encoding. DecodeOp reverses the mapping for the engine side.
package graphop

import (
	"fmt"

	"github.com/lunagraph/lunagraph/wire"
)

// A NodeID identifies one node of the remote graph. Identifiers are
// assigned by the engine and are opaque to the client.
type NodeID uint32

func (n NodeID) String() string { return fmt.Sprintf("node#%d", uint32(n)) }

// A Port selects one input or output slot of a node, either by a zero-based
// position or by a name. The two forms are mutually exclusive; use
// [PortIndex] or [PortName] to construct a value.
type Port struct {
	name   string
	index  uint32
	byName bool
}

// PortIndex returns a Port selecting the slot at zero-based position i.
func PortIndex(i uint32) Port { return Port{index: i} }

// PortName returns a Port selecting the slot with the given name.
func PortName(s string) Port { return Port{name: s, byName: true} }

// ByName reports whether p selects its slot by name.
func (p Port) ByName() bool { return p.byName }

// Index returns the position selected by p. It is 0 if p selects by name.
func (p Port) Index() uint32 {
	if p.byName {
		return 0
	}
	return p.index
}

// Name returns the name selected by p, or "" if p selects by position.
func (p Port) Name() string { return p.name }

func (p Port) String() string {
	if p.byName {
		return fmt.Sprintf("port(%q)", p.name)
	}
	return fmt.Sprintf("port(%d)", p.index)
}

func (p Port) encode(b *wire.Builder) {
	b.Bool(p.byName)
	if p.byName {
		b.VPutString(p.name)
	} else {
		b.Uint32(p.index)
	}
}

func decodePort(s *wire.Scanner) (Port, error) {
	byName, err := s.Bool()
	if err != nil {
		return Port{}, err
	}
	if byName {
		name, err := wire.VGet[string](s)
		if err != nil {
			return Port{}, err
		}
		return PortName(name), nil
	}
	index, err := s.Uint32()
	if err != nil {
		return Port{}, err
	}
	return PortIndex(index), nil
}

// An OpCode identifies the kind of a graph operation on the wire.
type OpCode byte

const (
	opInvalid        OpCode = iota // reserved
	OpConstant                     // create a constant-valued node (float32)
	OpConstantBool                 // create a constant-valued node (bool)
	OpConstantString               // create a constant-valued node (string)
	OpProcessor                    // create a processor node by name
	OpConnect                      // connect a node output to a node input
	OpReplace                      // replace a node with another node
	OpMix                          // route a node output into a mix channel
	OpSink                         // create the terminal output node
	OpPlay                         // start transport-level playback
	OpStop                         // stop transport-level playback
)

func (o OpCode) String() string {
	switch o {
	case OpConstant:
		return "CONSTANT"
	case OpConstantBool:
		return "CONSTANT_BOOL"
	case OpConstantString:
		return "CONSTANT_STRING"
	case OpProcessor:
		return "PROCESSOR"
	case OpConnect:
		return "CONNECT"
	case OpReplace:
		return "REPLACE"
	case OpMix:
		return "MIX"
	case OpSink:
		return "SINK"
	case OpPlay:
		return "PLAY"
	case OpStop:
		return "STOP"
	default:
		return fmt.Sprintf("opcode %d", byte(o))
	}
}

// An Op is a graph operation that can be encoded for the wire.
type Op interface {
	// OpCode reports the operation's wire opcode.
	OpCode() OpCode

	// Encode encodes the operation in binary format, including its opcode.
	Encode() []byte
}

// Constant creates a node whose sole output is a fixed float value.
type Constant struct {
	Value float32
}

// OpCode implements part of the [Op] interface.
func (Constant) OpCode() OpCode { return OpConstant }

// Encode implements part of the [Op] interface.
func (c Constant) Encode() []byte {
	var b wire.Builder
	b.Put(byte(OpConstant))
	b.Float32(c.Value)
	return b.Bytes()
}

// ConstantBool creates a node whose sole output is a fixed Boolean value.
type ConstantBool struct {
	Value bool
}

// OpCode implements part of the [Op] interface.
func (ConstantBool) OpCode() OpCode { return OpConstantBool }

// Encode implements part of the [Op] interface.
func (c ConstantBool) Encode() []byte {
	var b wire.Builder
	b.Put(byte(OpConstantBool))
	b.Bool(c.Value)
	return b.Bytes()
}

// ConstantString creates a node whose sole output is a fixed string value.
type ConstantString struct {
	Value string
}

// OpCode implements part of the [Op] interface.
func (ConstantString) OpCode() OpCode { return OpConstantString }

// Encode implements part of the [Op] interface.
func (c ConstantString) Encode() []byte {
	var b wire.Builder
	b.Put(byte(OpConstantString))
	b.VPutString(c.Value)
	return b.Bytes()
}

// Processor creates a node of the named catalogued processor kind.
type Processor struct {
	Name string
}

// OpCode implements part of the [Op] interface.
func (Processor) OpCode() OpCode { return OpProcessor }

// Encode implements part of the [Op] interface.
func (p Processor) Encode() []byte {
	var b wire.Builder
	b.Put(byte(OpProcessor))
	b.VPutString(p.Name)
	return b.Bytes()
}

// Connect wires an output of the source node to an input of the target node.
type Connect struct {
	Source    NodeID
	SourceOut Port
	Target    NodeID
	TargetIn  Port
}

// OpCode implements part of the [Op] interface.
func (Connect) OpCode() OpCode { return OpConnect }

// Encode implements part of the [Op] interface.
func (c Connect) Encode() []byte {
	var b wire.Builder
	b.Put(byte(OpConnect))
	b.Uint32(uint32(c.Source))
	c.SourceOut.encode(&b)
	b.Uint32(uint32(c.Target))
	c.TargetIn.encode(&b)
	return b.Bytes()
}

func (c Connect) String() string {
	return fmt.Sprintf("connect(%v %v -> %v %v)", c.Source, c.SourceOut, c.Target, c.TargetIn)
}

// Replace substitutes the replacement node for the target node, rerouting
// the target's connections. The engine responds with the canonical
// identifier of the surviving node, which need not equal Replacement.
type Replace struct {
	Target      NodeID
	Replacement NodeID
}

// OpCode implements part of the [Op] interface.
func (Replace) OpCode() OpCode { return OpReplace }

// Encode implements part of the [Op] interface.
func (r Replace) Encode() []byte {
	var b wire.Builder
	b.Put(byte(OpReplace))
	b.Uint32(uint32(r.Target))
	b.Uint32(uint32(r.Replacement))
	return b.Bytes()
}

// Mix routes an output of the source node into the numbered channel of the
// engine's terminal mixer.
type Mix struct {
	Channel   uint32
	Source    NodeID
	SourceOut Port
}

// OpCode implements part of the [Op] interface.
func (Mix) OpCode() OpCode { return OpMix }

// Encode implements part of the [Op] interface.
func (m Mix) Encode() []byte {
	var b wire.Builder
	b.Put(byte(OpMix))
	b.Uint32(m.Channel)
	b.Uint32(uint32(m.Source))
	m.SourceOut.encode(&b)
	return b.Bytes()
}

// Sink creates a terminal output node routing its inputs to the physical
// output of the engine.
type Sink struct{}

// OpCode implements part of the [Op] interface.
func (Sink) OpCode() OpCode { return OpSink }

// Encode implements part of the [Op] interface.
func (Sink) Encode() []byte { return []byte{byte(OpSink)} }

// Play starts transport-level playback on the engine.
type Play struct{}

// OpCode implements part of the [Op] interface.
func (Play) OpCode() OpCode { return OpPlay }

// Encode implements part of the [Op] interface.
func (Play) Encode() []byte { return []byte{byte(OpPlay)} }

// Stop halts transport-level playback on the engine.
type Stop struct{}

// OpCode implements part of the [Op] interface.
func (Stop) OpCode() OpCode { return OpStop }

// Encode implements part of the [Op] interface.
func (Stop) Encode() []byte { return []byte{byte(OpStop)} }

// DecodeOp decodes data as a graph operation. It reports an error for an
// unknown opcode, a truncated encoding, or trailing garbage.
func DecodeOp(data []byte) (Op, error) {
	s := wire.NewScanner(data)
	oc, err := s.Byte()
	if err != nil {
		return nil, fmt.Errorf("missing opcode: %w", err)
	}

	var op Op
	switch OpCode(oc) {
	case OpConstant:
		v, err := s.Float32()
		if err != nil {
			return nil, err
		}
		op = Constant{Value: v}

	case OpConstantBool:
		v, err := s.Bool()
		if err != nil {
			return nil, err
		}
		op = ConstantBool{Value: v}

	case OpConstantString:
		v, err := wire.VGet[string](s)
		if err != nil {
			return nil, err
		}
		op = ConstantString{Value: v}

	case OpProcessor:
		name, err := wire.VGet[string](s)
		if err != nil {
			return nil, err
		}
		op = Processor{Name: name}

	case OpConnect:
		var c Connect
		src, err := s.Uint32()
		if err != nil {
			return nil, err
		}
		c.Source = NodeID(src)
		if c.SourceOut, err = decodePort(s); err != nil {
			return nil, err
		}
		tgt, err := s.Uint32()
		if err != nil {
			return nil, err
		}
		c.Target = NodeID(tgt)
		if c.TargetIn, err = decodePort(s); err != nil {
			return nil, err
		}
		op = c

	case OpReplace:
		tgt, err := s.Uint32()
		if err != nil {
			return nil, err
		}
		rep, err := s.Uint32()
		if err != nil {
			return nil, err
		}
		op = Replace{Target: NodeID(tgt), Replacement: NodeID(rep)}

	case OpMix:
		ch, err := s.Uint32()
		if err != nil {
			return nil, err
		}
		src, err := s.Uint32()
		if err != nil {
			return nil, err
		}
		out, err := decodePort(s)
		if err != nil {
			return nil, err
		}
		op = Mix{Channel: ch, Source: NodeID(src), SourceOut: out}

	case OpSink:
		op = Sink{}
	case OpPlay:
		op = Play{}
	case OpStop:
		op = Stop{}

	default:
		return nil, fmt.Errorf("unknown opcode %d", oc)
	}

	if s.Len() != 0 {
		return nil, fmt.Errorf("%d bytes of trailing garbage", s.Len())
	}
	return op, nil
}

// EncodeNodeID encodes a node identifier as response data.
func EncodeNodeID(id NodeID) []byte {
	var b wire.Builder
	b.Uint32(uint32(id))
	return b.Bytes()
}
