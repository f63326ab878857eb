package rpc

import (
	"context"
	"fmt"
	"sort"
)

// HandlerFunc receives the request parameters in declaration order.
type HandlerFunc func(ctx context.Context, args []interface{}) (interface{}, error)

// Handler binds a route to an invocable with named parameters.
type Handler struct {
	Route  string
	Params []string
	Invoke HandlerFunc
}

// HandlerRegistry maps routes to handlers. It is immutable once built.
type HandlerRegistry struct {
	handlers map[string]Handler
}

func NewHandlerRegistry(handlers ...Handler) (*HandlerRegistry, error) {
	r := &HandlerRegistry{
		handlers: make(map[string]Handler, len(handlers)),
	}
	for _, h := range handlers {
		if h.Route == "" {
			return nil, fmt.Errorf("handler without route")
		}
		if h.Invoke == nil {
			return nil, fmt.Errorf("handler for %q has no invoke function", h.Route)
		}
		if _, ok := r.handlers[h.Route]; ok {
			return nil, fmt.Errorf("handler for %q already registered", h.Route)
		}
		seen := make(map[string]struct{}, len(h.Params))
		for _, p := range h.Params {
			if _, ok := seen[p]; ok {
				return nil, fmt.Errorf("handler for %q declares parameter %q twice", h.Route, p)
			}
			seen[p] = struct{}{}
		}
		params := make([]string, len(h.Params))
		copy(params, h.Params)
		h.Params = params
		r.handlers[h.Route] = h
	}
	return r, nil
}

// MustHandlerRegistry is like NewHandlerRegistry but panics on error.
func MustHandlerRegistry(handlers ...Handler) *HandlerRegistry {
	r, err := NewHandlerRegistry(handlers...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *HandlerRegistry) Lookup(route string) (Handler, bool) {
	if r == nil {
		return Handler{}, false
	}
	h, ok := r.handlers[route]
	return h, ok
}

// Routes returns the registered routes in sorted order.
func (r *HandlerRegistry) Routes() []string {
	if r == nil {
		return nil
	}
	routes := make([]string, 0, len(r.handlers))
	for route := range r.handlers {
		routes = append(routes, route)
	}
	sort.Strings(routes)
	return routes
}
