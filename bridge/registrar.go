// Copyright (C) 2025 The lunagraph authors. All rights reserved.

package bridge

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/lunagraph/lunagraph/catalog"
	"github.com/lunagraph/lunagraph/graphop"
)

// registerProcs exposes every catalogued processor as a global script
// function named by the snake_case form of the processor name, e.g.
// SineOscillator becomes sine_oscillator.
func (s *Session) registerProcs() {
	for _, name := range s.cat.Names() {
		s.L.SetGlobal(catalog.Ident(name), s.L.NewFunction(s.procBuiltin(name)))
	}
}

func (s *Session) procBuiltin(name string) lua.LGFunction {
	return func(L *lua.LState) int {
		node, err := s.callProc(name, collectArgs(L, 1))
		if err != nil {
			return s.raise(L, err)
		}
		L.Push(s.wrapNode(node))
		return 1
	}
}

// callProc creates the named processor node, then wires each argument to
// the input slot at the argument's position in call order.
func (s *Session) callProc(name string, args []lua.LValue) (*Node, error) {
	target, err := s.createNode(graphop.Processor{Name: name})
	if err != nil {
		return nil, err
	}
	if err := s.connectArgs(target, args); err != nil {
		return nil, err
	}
	return &Node{sess: s, id: target}, nil
}

// connectArgs coerces args in order and wires each to the input slot at its
// position. A nil argument skips its slot, unless the session was
// configured with DenseArgs, in which case it is an error.
//
// A coercion or connect failure aborts the remaining arguments; inputs
// already wired, and the created node itself, are left in place on the
// remote graph.
func (s *Session) connectArgs(target graphop.NodeID, args []lua.LValue) error {
	for i, arg := range args {
		if arg == lua.LNil {
			if s.dense {
				return fmt.Errorf("%w: argument %d is nil", ErrInvalidArgument, i+1)
			}
			continue
		}
		src, port, err := s.coerce(arg)
		if err != nil {
			return fmt.Errorf("argument %d: %w", i+1, err)
		}
		if err := s.connect(src, port, target, graphop.PortIndex(uint32(i))); err != nil {
			return err
		}
	}
	return nil
}
