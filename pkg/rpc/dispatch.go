package rpc

import (
	"context"
	"fmt"
)

// Dispatcher routes requests to handlers of a registry. It holds no
// per-request state.
type Dispatcher struct {
	registry   *HandlerRegistry
	middleware []Middleware
}

func NewDispatcher(registry *HandlerRegistry, middleware ...Middleware) *Dispatcher {
	return &Dispatcher{
		registry:   registry,
		middleware: middleware,
	}
}

func (d *Dispatcher) Lookup(route string) (Handler, bool) {
	return d.registry.Lookup(route)
}

// Bind orders the request parameters by the handler's declared names. The
// parameter count must match the declaration and every declared name must
// be present.
func (d *Dispatcher) Bind(h Handler, req *Envelope) ([]interface{}, error) {
	if req.NumParams() != len(h.Params) {
		return nil, ErrIllegalParamLength
	}
	args := make([]interface{}, len(h.Params))
	for i, name := range h.Params {
		v, ok := req.Param(name)
		if !ok {
			return nil, ErrIllegalParamLength
		}
		args[i] = v
	}
	return args, nil
}

// Invoke runs the handler and builds the reply. Handler errors and panics
// become exception replies.
func (d *Dispatcher) Invoke(ctx context.Context, h Handler, req *Envelope, args []interface{}) *Envelope {
	final := func(ctx context.Context, req *Envelope) (interface{}, error) {
		return h.Invoke(ctx, args)
	}

	value, err := d.safeCall(ctx, buildInvoker(d.middleware, final), req)
	if err != nil {
		return replyException(req, err)
	}
	return replyReturn(req, value)
}

func (d *Dispatcher) safeCall(ctx context.Context, invoke Invoker, req *Envelope) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return invoke(ctx, req)
}

// Dispatch handles a request synchronously. The boolean is false when no
// handler is registered for the route.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Envelope) (*Envelope, bool) {
	h, ok := d.Lookup(req.Route())
	if !ok {
		return nil, false
	}
	args, err := d.Bind(h, req)
	if err != nil {
		return replyIllegalParamLength(req), true
	}
	return d.Invoke(ctx, h, req, args), true
}
