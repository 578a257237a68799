package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/popwandee/lprserver-v3-sub001/pkg/envelope"
	commerrors "github.com/popwandee/lprserver-v3-sub001/pkg/errors"
)

// Middleware wraps a transport to add behaviour around Send.
type Middleware interface {
	// Wrap wraps the given transport with middleware functionality
	Wrap(transport Transport) Transport
}

// MiddlewareFunc is an adapter to allow the use of ordinary functions as middleware
type MiddlewareFunc func(Transport) Transport

// Wrap implements the Middleware interface
func (f MiddlewareFunc) Wrap(t Transport) Transport {
	return f(t)
}

// ChainMiddleware chains multiple middleware together
func ChainMiddleware(middleware ...Middleware) Middleware {
	return MiddlewareFunc(func(transport Transport) Transport {
		// Apply middleware in reverse order so the first middleware is the outermost
		for i := len(middleware) - 1; i >= 0; i-- {
			transport = middleware[i].Wrap(transport)
		}
		return transport
	})
}

// middlewareTransport is a base type for middleware implementations
type middlewareTransport struct {
	next Transport
}

// Kind delegates to the wrapped transport
func (m *middlewareTransport) Kind() Kind {
	return m.next.Kind()
}

// Connect delegates to the wrapped transport
func (m *middlewareTransport) Connect(ctx context.Context) error {
	return m.next.Connect(ctx)
}

// Disconnect delegates to the wrapped transport
func (m *middlewareTransport) Disconnect(ctx context.Context) error {
	return m.next.Disconnect(ctx)
}

// IsConnected delegates to the wrapped transport
func (m *middlewareTransport) IsConnected() bool {
	return m.next.IsConnected()
}

// Send delegates to the wrapped transport
func (m *middlewareTransport) Send(ctx context.Context, env *envelope.Envelope) error {
	return m.next.Send(ctx, env)
}

// Unwrap returns the wrapped transport
func (m *middlewareTransport) Unwrap() Transport {
	return m.next
}

// TimeoutMiddleware bounds every Send with a deadline and converts panics
// raised below it into send failures.
type TimeoutMiddleware struct {
	timeout time.Duration
}

// NewTimeoutMiddleware creates a timeout middleware. A non-positive timeout
// leaves the caller's deadline untouched.
func NewTimeoutMiddleware(timeout time.Duration) Middleware {
	return &TimeoutMiddleware{timeout: timeout}
}

// Wrap implements the Middleware interface
func (tm *TimeoutMiddleware) Wrap(transport Transport) Transport {
	return &timeoutTransport{
		middlewareTransport: middlewareTransport{next: transport},
		timeout:             tm.timeout,
	}
}

type timeoutTransport struct {
	middlewareTransport
	timeout time.Duration
}

// Send applies the deadline and recovers panics from the wrapped transport.
func (tt *timeoutTransport) Send(ctx context.Context, env *envelope.Envelope) (err error) {
	if tt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tt.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = commerrors.SendFailed(string(tt.Kind()), messageID(env), fmt.Errorf("panic: %v", r))
		}
	}()

	err = tt.middlewareTransport.Send(ctx, env)
	if err != nil && ctx.Err() == context.DeadlineExceeded && !commerrors.IsCommError(err) {
		err = commerrors.SendTimeout(string(tt.Kind()), messageID(env), tt.timeout)
	}
	return err
}

func messageID(env *envelope.Envelope) string {
	if env == nil {
		return ""
	}
	return env.MessageID
}
