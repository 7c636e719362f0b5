package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nutritrack/commercekit/pkg/logger"
)

type captureSender struct {
	mu        sync.Mutex
	responses []Response
}

func (c *captureSender) Send(resp Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, resp)
	return nil
}

func (c *captureSender) all() []Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Response(nil), c.responses...)
}

func newTestDispatcher() *Dispatcher {
	return NewDispatcher(logger.NewNop(), nil)
}

func TestDispatchSuccessSendsOneCorrelatedResponse(t *testing.T) {
	d := newTestDispatcher()
	d.Register("echo", func(ctx context.Context, params Params) (Params, error) {
		return Params{"out": params["in"]}, nil
	})

	sender := &captureSender{}
	d.Dispatch(context.Background(), Request{ID: "r-1", Action: "echo", Params: Params{"in": String("x")}}, sender)

	responses := sender.all()
	if len(responses) != 1 {
		t.Fatalf("sent %d responses, want exactly 1", len(responses))
	}
	resp := responses[0]
	if resp.ID != "r-1" {
		t.Errorf("response id = %q, want r-1", resp.ID)
	}
	if resp.Error != "" {
		t.Errorf("response error = %q, want empty", resp.Error)
	}
	if out, _ := resp.Parameters["out"].AsString(); out != "x" {
		t.Errorf("response out = %q, want x", out)
	}
}

func TestDispatchHandlerErrorSendsErrorResponse(t *testing.T) {
	d := newTestDispatcher()
	d.Register("fail", func(ctx context.Context, params Params) (Params, error) {
		return Params{"leak": String("no")}, errors.New("handler broke")
	})

	sender := &captureSender{}
	d.Dispatch(context.Background(), Request{ID: "r-2", Action: "fail"}, sender)

	responses := sender.all()
	if len(responses) != 1 {
		t.Fatalf("sent %d responses, want exactly 1", len(responses))
	}
	resp := responses[0]
	if resp.ID != "r-2" {
		t.Errorf("response id = %q, want r-2", resp.ID)
	}
	if resp.Error != "handler broke" {
		t.Errorf("response error = %q, want handler broke", resp.Error)
	}
	if len(resp.Parameters) != 0 {
		t.Errorf("error response carries parameters %v, want none", resp.Parameters)
	}
}

func TestDispatchUnknownActionIsSilentlyDropped(t *testing.T) {
	d := newTestDispatcher()

	sender := &captureSender{}
	d.Dispatch(context.Background(), Request{ID: "r-3", Action: "fromTheFuture"}, sender)

	if got := sender.all(); len(got) != 0 {
		t.Errorf("unknown action produced %d responses, want 0", len(got))
	}
}

func TestDispatchContainsPanics(t *testing.T) {
	d := newTestDispatcher()
	d.Register("boom", func(ctx context.Context, params Params) (Params, error) {
		panic("unexpected")
	})

	sender := &captureSender{}
	d.Dispatch(context.Background(), Request{ID: "r-4", Action: "boom"}, sender)

	responses := sender.all()
	if len(responses) != 1 {
		t.Fatalf("sent %d responses, want 1", len(responses))
	}
	if responses[0].Error == "" {
		t.Error("panicking handler should surface an action error")
	}
}

func TestRegisterReplacesHandler(t *testing.T) {
	d := newTestDispatcher()
	d.Register("a", func(ctx context.Context, params Params) (Params, error) {
		return Params{"v": Number(1)}, nil
	})
	d.Register("a", func(ctx context.Context, params Params) (Params, error) {
		return Params{"v": Number(2)}, nil
	})

	sender := &captureSender{}
	d.Dispatch(context.Background(), Request{ID: "r-5", Action: "a"}, sender)

	v, _ := sender.all()[0].Parameters["v"].AsNumber()
	if v != 2 {
		t.Errorf("v = %v, want 2 (later registration wins)", v)
	}
}
