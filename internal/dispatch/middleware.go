package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	ErrTimeout     = errors.New("handler timed out")
	ErrRateLimited = errors.New("rate limit exceeded")
)

func Logging(logger *logrus.Entry) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) *Response {
			start := time.Now()
			resp := next(ctx, req)

			entry := logger.WithFields(logrus.Fields{
				"action":   req.Action,
				"id":       req.WireID,
				"duration": time.Since(start),
			})
			switch {
			case resp == nil:
				entry.Warnln("Handler returned no response")
			case resp.Err != nil:
				entry.WithError(resp.Err).Warnln("Handler failed")
			default:
				entry.Infoln("Handled call")
			}
			return resp
		}
	}
}

// Timeout bounds the handler run time. The handler keeps running after the
// deadline but its response is discarded.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) *Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return Fail(fmt.Errorf("%w: %s after %s", ErrTimeout, req.Action, timeout))
			}
		}
	}
}

// RateLimit is a token bucket shared by every call passing through it.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) *Response {
			if !limiter.Allow() {
				return Fail(fmt.Errorf("%w: %s", ErrRateLimited, req.Action))
			}
			return next(ctx, req)
		}
	}
}

// Recover turns a handler panic into a failed response.
func Recover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (resp *Response) {
			defer func() {
				if p := recover(); p != nil {
					resp = Fail(fmt.Errorf("%s handler panicked: %v", req.Action, p))
				}
			}()
			return next(ctx, req)
		}
	}
}
