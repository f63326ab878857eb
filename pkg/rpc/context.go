package rpc

import (
	"context"
)

type peerKey struct{}
type routeKey struct{}

func newHandlerContext(ctx context.Context, peer string, route string) context.Context {
	ctx = context.WithValue(ctx, peerKey{}, peer)
	return context.WithValue(ctx, routeKey{}, route)
}

// PeerFromContext returns the remote address of the connection a handler
// is serving.
func PeerFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(peerKey{}).(string)
	return v, ok
}

// RouteFromContext returns the route being handled.
func RouteFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(routeKey{}).(string)
	return v, ok
}
