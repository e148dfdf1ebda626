package runtime

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/golem-project/worker-executor/internal/durable"
	"github.com/golem-project/worker-executor/internal/oplog"
	"github.com/golem-project/worker-executor/internal/wire"
	"github.com/golem-project/worker-executor/internal/worker"
)

// fakeAgent plays the server side of the length-prefixed protocol over a
// net.Pipe, standing in for a real golem-agent subprocess. respond is
// called once per invokeRequest and may emit hostCallRequest frames
// (waiting for their hostCallReply) before returning the final response.
func fakeAgent(t *testing.T, conn net.Conn, respond func(invokeRequest, *agentConn) invokeResponse) {
	t.Helper()
	reader := bufio.NewReader(conn)
	ac := &agentConn{conn: conn, reader: reader}
	go func() {
		for {
			var frame hostFrame
			if err := ac.receive(&frame); err != nil {
				return
			}
			if frame.Invoke == nil {
				return
			}
			resp := respond(*frame.Invoke, ac)
			if err := ac.send(agentFrame{Result: &resp}); err != nil {
				return
			}
		}
	}()
}

// agentConn is the agent side's half of the framed protocol, used only by
// tests to simulate host-call round trips.
type agentConn struct {
	conn   net.Conn
	reader *bufio.Reader
}

func (a *agentConn) send(v any) error {
	data, err := wire.Encode(v)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := a.conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = a.conn.Write(data)
	return err
}

func (a *agentConn) receive(v any) error {
	var lenBuf [4]byte
	if _, err := ioReadFull(a.reader, lenBuf[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, size)
	if _, err := ioReadFull(a.reader, body); err != nil {
		return err
	}
	return wire.Decode(body, v)
}

// hostCall is a test helper an agent-side handler uses to ask the host to
// answer one durable call and block for the reply.
func (a *agentConn) hostCall(functionID string, wrapType oplog.WrapType, payload wire.Payload) hostCallReply {
	_ = a.send(agentFrame{HostCall: &hostCallRequest{FunctionID: functionID, WrapType: wrapType, Payload: payload}})
	var reply hostFrame
	_ = a.receive(&reply)
	if reply.HostReply == nil {
		return hostCallReply{Error: "test: host sent no reply"}
	}
	return *reply.HostReply
}

func newTestHandle(t *testing.T, respond func(invokeRequest, *agentConn) invokeResponse) *Handle {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close(); _ = server.Close() })
	fakeAgent(t, server, respond)
	return &Handle{
		workerID: worker.ID{ComponentID: "c1", Name: "w1"},
		conn:     client,
		reader:   bufio.NewReader(client),
	}
}

func TestHandleInvokeReturnsResult(t *testing.T) {
	h := newTestHandle(t, func(req invokeRequest, _ *agentConn) invokeResponse {
		if req.Function != "add" {
			t.Errorf("got function %q, want add", req.Function)
		}
		payload, _ := wire.EncodePayload("add", map[string]int{"sum": 3})
		return invokeResponse{Result: &payload}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, trap, err := h.Invoke(ctx, "add", wire.Payload{}, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if trap != nil {
		t.Fatalf("got trap %+v, want nil", trap)
	}
	var decoded map[string]int
	if err := wire.DecodePayload(result, &decoded); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if decoded["sum"] != 3 {
		t.Fatalf("got sum %d, want 3", decoded["sum"])
	}
}

func TestHandleInvokeReturnsTrap(t *testing.T) {
	h := newTestHandle(t, func(invokeRequest, *agentConn) invokeResponse {
		return invokeResponse{Trap: &oplog.TrapInfo{Message: "unreachable"}}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, trap, err := h.Invoke(ctx, "boom", wire.Payload{}, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if trap == nil || trap.Message != "unreachable" {
		t.Fatalf("got trap %+v, want message 'unreachable'", trap)
	}
}

func TestHandleInvokeRoutesHostCallThroughCallback(t *testing.T) {
	h := newTestHandle(t, func(req invokeRequest, ac *agentConn) invokeResponse {
		reqPayload, _ := wire.EncodePayload("golem:api/get-random-bytes", map[string]int{"count": 4})
		reply := ac.hostCall("golem:api/get-random-bytes", oplog.WrapReadLocal, reqPayload)
		if reply.Error != "" {
			t.Errorf("host call failed: %s", reply.Error)
		}
		var bytesOut []byte
		_ = wire.DecodePayload(reply.Payload, &bytesOut)
		result, _ := wire.EncodePayload("result", map[string]int{"len": len(bytesOut)})
		return invokeResponse{Result: &result}
	})

	var seenFunctionID string
	var seenWrapType oplog.WrapType
	hostCall := durable.HostCallFunc(func(ctx context.Context, functionID string, wrapType oplog.WrapType, req wire.Payload) (wire.Payload, error) {
		seenFunctionID = functionID
		seenWrapType = wrapType
		return wire.EncodePayload("bytes", []byte{1, 2, 3, 4})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, trap, err := h.Invoke(ctx, "use-random", wire.Payload{}, hostCall)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if trap != nil {
		t.Fatalf("got trap %+v, want nil", trap)
	}
	if seenFunctionID != "golem:api/get-random-bytes" {
		t.Fatalf("got functionID %q", seenFunctionID)
	}
	if seenWrapType != oplog.WrapReadLocal {
		t.Fatalf("got wrapType %q", seenWrapType)
	}
	var decoded map[string]int
	if err := wire.DecodePayload(result, &decoded); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if decoded["len"] != 4 {
		t.Fatalf("got len %d, want 4", decoded["len"])
	}
}

func TestHandleInvokeWithoutHostCallHandlerReturnsError(t *testing.T) {
	h := newTestHandle(t, func(req invokeRequest, ac *agentConn) invokeResponse {
		reply := ac.hostCall("golem:api/get-current-time", oplog.WrapReadLocal, wire.Payload{})
		if reply.Error == "" {
			t.Error("expected host call to fail without a handler")
		}
		result, _ := wire.EncodePayload("result", map[string]bool{"ok": true})
		return invokeResponse{Result: &result}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := h.Invoke(ctx, "f", wire.Payload{}, nil); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
}
