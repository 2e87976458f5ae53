// Copyright (C) 2025 The lunagraph authors. All rights reserved.

package lunagraph_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/lunagraph/lunagraph"
	"github.com/lunagraph/lunagraph/channel"
)

// echoServer answers every request with an OK response carrying the request
// data, until its channel closes. It closes its end of the channel on exit
// so the conn's receive loop is not left parked on a half-open pipe.
func echoServer(ch lunagraph.Channel) error {
	defer ch.Close()
	for {
		pkt, err := ch.Recv()
		if err != nil {
			return nil
		}
		var req lunagraph.Request
		if err := req.UnmarshalBinary(pkt.Payload); err != nil {
			return err
		}
		if err := ch.Send(&lunagraph.Packet{
			Type: lunagraph.PacketResponse,
			Payload: lunagraph.Response{
				RequestID: req.RequestID,
				Data:      req.Data,
			}.Encode(),
		}); err != nil {
			return err
		}
	}
}

func TestConnCall(t *testing.T) {
	defer leaktest.Check(t)()

	cch, sch := channel.Direct()
	srv := taskgroup.Go(func() error { return echoServer(sch) })
	conn := lunagraph.NewConn(cch)
	defer func() {
		if err := conn.Stop(); err != nil {
			t.Errorf("Stop: %v", err)
		}
		srv.Wait()
	}()

	ctx := context.Background()
	for _, input := range []string{"", "ping", "a longer payload"} {
		rsp, err := conn.Call(ctx, []byte(input))
		if err != nil {
			t.Fatalf("Call(%q): unexpected error: %v", input, err)
		}
		if got := string(rsp.Data); got != input {
			t.Errorf("Call(%q): got %q, want %q", input, got, input)
		}
		if rsp.Code != lunagraph.CodeOK {
			t.Errorf("Call(%q): got code %v, want OK", input, rsp.Code)
		}
	}
}

func TestConnCallConcurrent(t *testing.T) {
	defer leaktest.Check(t)()

	cch, sch := channel.Direct()

	// A responder that gathers all the requests before answering any of
	// them, then replies in reverse arrival order. This exercises the
	// correlation map: responses do not return in FIFO order.
	const numCalls = 4
	srv := taskgroup.Go(func() error {
		defer sch.Close()
		var reqs []lunagraph.Request
		for len(reqs) < numCalls {
			pkt, err := sch.Recv()
			if err != nil {
				return err
			}
			var req lunagraph.Request
			if err := req.UnmarshalBinary(pkt.Payload); err != nil {
				return err
			}
			reqs = append(reqs, req)
		}
		for i := len(reqs) - 1; i >= 0; i-- {
			if err := sch.Send(&lunagraph.Packet{
				Type: lunagraph.PacketResponse,
				Payload: lunagraph.Response{
					RequestID: reqs[i].RequestID,
					Data:      reqs[i].Data,
				}.Encode(),
			}); err != nil {
				return err
			}
		}
		return nil
	})

	conn := lunagraph.NewConn(cch)
	defer func() {
		conn.Stop()
		if err := srv.Wait(); err != nil {
			t.Errorf("Server: %v", err)
		}
	}()

	g := taskgroup.New(nil)
	for i := range numCalls {
		g.Go(func() error {
			want := fmt.Sprintf("call-%d", i)
			rsp, err := conn.Call(context.Background(), []byte(want))
			if err != nil {
				return err
			}
			if got := string(rsp.Data); got != want {
				return fmt.Errorf("got %q, want %q", got, want)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Errorf("Calls: %v", err)
	}
}

func TestConnRemoteError(t *testing.T) {
	defer leaktest.Check(t)()

	cch, sch := channel.Direct()
	srv := taskgroup.Go(func() error {
		defer sch.Close()
		for {
			pkt, err := sch.Recv()
			if err != nil {
				return nil
			}
			var req lunagraph.Request
			if err := req.UnmarshalBinary(pkt.Payload); err != nil {
				return err
			}
			if err := sch.Send(&lunagraph.Packet{
				Type: lunagraph.PacketResponse,
				Payload: lunagraph.Response{
					RequestID: req.RequestID,
					Code:      lunagraph.CodeError,
					Data:      lunagraph.ErrorData{Code: 7, Message: "no such node"}.Encode(),
				}.Encode(),
			}); err != nil {
				return err
			}
		}
	})

	conn := lunagraph.NewConn(cch)
	defer func() { conn.Stop(); srv.Wait() }()

	rsp, err := conn.Call(context.Background(), []byte("boom"))
	if rsp != nil {
		t.Errorf("Call: unexpected response %v", rsp)
	}
	var ce *lunagraph.CallError
	if !errors.As(err, &ce) {
		t.Fatalf("Call: got error %[1]T (%[1]v), want *CallError", err)
	}
	if ce.Err != nil {
		t.Errorf("CallError.Err: got %v, want nil", ce.Err)
	}
	want := lunagraph.ErrorData{Code: 7, Message: "no such node"}
	if diff := cmp.Diff(want, ce.ErrorData); diff != "" {
		t.Errorf("ErrorData (-want, +got):\n%s", diff)
	}
	if ce.Response == nil || ce.Response.Code != lunagraph.CodeError {
		t.Errorf("CallError.Response: got %v, want code ERROR", ce.Response)
	}
}

func TestConnUnknownID(t *testing.T) {
	defer leaktest.Check(t)()

	cch, sch := channel.Direct()

	// Answer each request twice: first with a bogus request ID that must be
	// discarded, then with the real one.
	srv := taskgroup.Go(func() error {
		defer sch.Close()
		for {
			pkt, err := sch.Recv()
			if err != nil {
				return nil
			}
			var req lunagraph.Request
			if err := req.UnmarshalBinary(pkt.Payload); err != nil {
				return err
			}
			for _, id := range []uint32{req.RequestID + 1000, req.RequestID} {
				if err := sch.Send(&lunagraph.Packet{
					Type: lunagraph.PacketResponse,
					Payload: lunagraph.Response{
						RequestID: id,
						Data:      req.Data,
					}.Encode(),
				}); err != nil {
					return err
				}
			}
		}
	})

	conn := lunagraph.NewConn(cch)
	defer func() { conn.Stop(); srv.Wait() }()

	rsp, err := conn.Call(context.Background(), []byte("hello"))
	if err != nil {
		t.Fatalf("Call: unexpected error: %v", err)
	}
	if got := string(rsp.Data); got != "hello" {
		t.Errorf("Call: got %q, want %q", got, "hello")
	}
}

func TestConnChannelClosed(t *testing.T) {
	defer leaktest.Check(t)()

	cch, sch := channel.Direct()

	// Take one request, then close the channel without answering.
	srv := taskgroup.Go(func() error {
		if _, err := sch.Recv(); err != nil {
			return err
		}
		return sch.Close()
	})

	conn := lunagraph.NewConn(cch)
	defer func() { conn.Stop(); srv.Wait() }()

	rsp, err := conn.Call(context.Background(), []byte("doomed"))
	if rsp != nil {
		t.Errorf("Call: unexpected response %v", rsp)
	}
	var ce *lunagraph.CallError
	if !errors.As(err, &ce) {
		t.Fatalf("Call: got error %[1]T (%[1]v), want *CallError", err)
	}

	// After a protocol fatal error, further calls must fail immediately.
	if _, err := conn.Call(context.Background(), []byte("again")); err == nil {
		t.Error("Call after failure: got nil error")
	}
}

func TestConnContextEnds(t *testing.T) {
	defer leaktest.Check(t)()

	cch, sch := channel.Direct()

	// A responder that consumes requests but never replies.
	srv := taskgroup.Go(func() error {
		defer sch.Close()
		for {
			if _, err := sch.Recv(); err != nil {
				return nil
			}
		}
	})

	conn := lunagraph.NewConn(cch)
	defer func() { conn.Stop(); srv.Wait() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	rsp, err := conn.Call(ctx, []byte("slow"))
	if rsp != nil {
		t.Errorf("Call: unexpected response %v", rsp)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Call: got error %v, want deadline exceeded", err)
	}
}
