package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/kbirk/duplex/pkg/log"
	"golang.org/x/time/rate"
)

type Invoker func(context.Context, *Envelope) (interface{}, error)
type Middleware func(context.Context, *Envelope, Invoker) (interface{}, error)

func buildInvoker(middleware []Middleware, final Invoker) Invoker {

	// start with the final invoker
	chain := final

	// loop backwards through the middleware slice
	for i := len(middleware) - 1; i >= 0; i-- {
		m := middleware[i]

		// wrap the current chain with the current middleware
		next := chain
		chain = func(ctx context.Context, req *Envelope) (interface{}, error) {
			return m(ctx, req, next)
		}
	}

	return chain
}

// RateLimitMiddleware rejects requests beyond r per second with the given
// burst. Rejections surface to the caller as remote errors.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(ctx context.Context, req *Envelope, next Invoker) (interface{}, error) {
		if !limiter.Allow() {
			return nil, fmt.Errorf("rate limit exceeded")
		}
		return next(ctx, req)
	}
}

// LoggingMiddleware logs every invocation at debug level.
func LoggingMiddleware(logger log.Logger) Middleware {
	return func(ctx context.Context, req *Envelope, next Invoker) (interface{}, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		peer, _ := PeerFromContext(ctx)
		if err != nil {
			logger.Debug("handler failed", "route", req.Route(), "id", req.ID(), "peer", peer, "duration", time.Since(start), "error", err)
		} else {
			logger.Debug("handler completed", "route", req.Route(), "id", req.ID(), "peer", peer, "duration", time.Since(start))
		}
		return resp, err
	}
}
