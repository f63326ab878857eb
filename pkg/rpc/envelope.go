package rpc

import (
	"fmt"

	"github.com/hashicorp/go-uuid"
)

// Kind identifies what an envelope carries.
type Kind uint8

const (
	KindRequest Kind = iota + 1
	KindReturn
	KindException
	KindIllegalParamLength
	KindKeepAlive
	KindTerminate
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindReturn:
		return "return"
	case KindException:
		return "exception"
	case KindIllegalParamLength:
		return "illegal-param-length"
	case KindKeepAlive:
		return "keep-alive"
	case KindTerminate:
		return "terminate"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Envelope is the unit of wire exchange. The correlation id is fixed at
// construction and copied verbatim into every reply.
type Envelope struct {
	id          string
	route       string
	kind        Kind
	params      map[string]interface{}
	returnValue interface{}
	errMsg      string
}

func newID() string {
	id, err := uuid.GenerateUUID()
	if err != nil {
		// crypto/rand failing leaves nothing sensible to fall back on
		panic(fmt.Sprintf("unable to generate correlation id: %v", err))
	}
	return id
}

// NewRequest creates a request envelope for the given route with a fresh
// correlation id.
func NewRequest(route string) *Envelope {
	return &Envelope{
		id:     newID(),
		route:  route,
		kind:   KindRequest,
		params: make(map[string]interface{}),
	}
}

// AddParam sets a named parameter and returns the envelope for chaining.
func (e *Envelope) AddParam(name string, value interface{}) *Envelope {
	if e.params == nil {
		e.params = make(map[string]interface{})
	}
	e.params[name] = value
	return e
}

func (e *Envelope) ID() string {
	return e.id
}

func (e *Envelope) Route() string {
	return e.route
}

func (e *Envelope) Kind() Kind {
	return e.kind
}

// Params returns a copy of the parameter mapping.
func (e *Envelope) Params() map[string]interface{} {
	out := make(map[string]interface{}, len(e.params))
	for k, v := range e.params {
		out[k] = v
	}
	return out
}

func (e *Envelope) Param(name string) (interface{}, bool) {
	v, ok := e.params[name]
	return v, ok
}

func (e *Envelope) NumParams() int {
	return len(e.params)
}

func (e *Envelope) ReturnValue() interface{} {
	return e.returnValue
}

func (e *Envelope) ErrorMessage() string {
	return e.errMsg
}

func (e *Envelope) String() string {
	return fmt.Sprintf("%s %q (%s)", e.kind, e.route, e.id)
}

func replyReturn(req *Envelope, value interface{}) *Envelope {
	return &Envelope{
		id:          req.id,
		route:       req.route,
		kind:        KindReturn,
		returnValue: value,
	}
}

func replyException(req *Envelope, cause error) *Envelope {
	return &Envelope{
		id:     req.id,
		route:  req.route,
		kind:   KindException,
		errMsg: cause.Error(),
	}
}

func replyIllegalParamLength(req *Envelope) *Envelope {
	return &Envelope{
		id:    req.id,
		route: req.route,
		kind:  KindIllegalParamLength,
	}
}

func newKeepAlive() *Envelope {
	return &Envelope{
		id:   newID(),
		kind: KindKeepAlive,
	}
}

func newTerminate() *Envelope {
	return &Envelope{
		id:   newID(),
		kind: KindTerminate,
	}
}
