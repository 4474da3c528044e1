// Package hook implements one-time URLs that any worker in the cluster can
// receive while exactly one worker, the owner, waits for the result.
//
// The owner registers the hook in its resource library and broadcasts a Set
// message; every peer registers a stub under the same URL. A request landing on a
// stub is forwarded to the owner as an Accept message. The owner resolves its
// waiter once, then broadcasts Clear so every stub is dropped.
package hook

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var (
	// ErrURLInUse is returned by Create when the URL is already registered locally
	// or is a prefix of a registered resource that is not a hook.
	ErrURLInUse = errors.New("hook: url already registered")
	// ErrHookClosed is returned when accepting a hook that was already resolved.
	ErrHookClosed = errors.New("hook: already resolved")
)

// Result is what a waiter receives. Accepted is false when the hook was cleared,
// by timeout or explicitly, without a value.
type Result struct {
	Value    []byte
	Accepted bool
}

// Hook is a one-time resource. On the owning worker it carries the waiter; on
// every other worker it is a stub that relays to the owner.
type Hook struct {
	URL      string
	ID       string
	WorkerID string
	ProcID   int

	stub bool
	c    *Coordinator

	mu     sync.Mutex
	timer  *time.Timer
	done   chan struct{}
	result Result
}

// IsStub reports whether this instance only relays to another worker.
func (h *Hook) IsStub() bool { return h.stub }

// Accept resolves the hook with value. On a stub the value is forwarded to the
// owner and resolution happens there.
func (h *Hook) Accept(ctx context.Context, value []byte) error {
	if h.stub {
		return h.c.forwardAccept(ctx, h, value)
	}
	return h.c.finish(ctx, h, Result{Value: value, Accepted: true})
}

// Clear retires the hook without a value. Clearing a stub does nothing; only the
// owner can retire a hook.
func (h *Hook) Clear(ctx context.Context) error {
	if h.stub {
		return nil
	}
	err := h.c.finish(ctx, h, Result{})
	if errors.Is(err, ErrHookClosed) {
		return nil
	}
	return err
}

// Wait blocks until the hook is resolved or ctx ends. Only the owner can wait.
func (h *Hook) Wait(ctx context.Context) (Result, error) {
	if h.stub {
		return Result{}, errors.New("hook: cannot wait on a stub")
	}
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Done is closed once the owner has resolved the hook.
func (h *Hook) Done() <-chan struct{} { return h.done }

// SetTimeout arms, or re-arms, a deadline after which the owner clears the hook.
func (h *Hook) SetTimeout(d time.Duration) *Hook {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.timer != nil {
		h.timer.Stop()
	}
	h.timer = time.AfterFunc(d, h.expire)
	return h
}

// ClearTimeout disarms the deadline.
func (h *Hook) ClearTimeout() *Hook {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	return h
}

func (h *Hook) expire() {
	if h.stub {
		// A stub whose owner never cleared it only drops itself.
		h.c.dropStub(h)
		return
	}
	h.c.logger.Debug("hook timed out", zap.String("url", h.URL), zap.String("hook_id", h.ID))
	if err := h.Clear(context.Background()); err != nil {
		h.c.logger.Warn("failed to clear expired hook", zap.String("url", h.URL), zap.Error(err))
	}
}

// ServeResource accepts the hook with the request body, or the raw query string
// when the body is empty. Only GET and POST accept.
func (h *Hook) ServeResource(c *fiber.Ctx) error {
	if m := c.Method(); m != fiber.MethodGet && m != fiber.MethodPost {
		c.Set(fiber.HeaderAllow, "GET, POST")
		return c.SendStatus(fiber.StatusMethodNotAllowed)
	}

	value := append([]byte(nil), c.Body()...)
	if len(value) == 0 {
		value = append(value, c.Context().QueryArgs().QueryString()...)
	}

	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := h.Accept(ctx, value); err != nil {
		if errors.Is(err, ErrHookClosed) {
			return c.SendStatus(fiber.StatusNotFound)
		}
		h.c.logger.Error("failed to accept hook", zap.String("url", h.URL), zap.Error(err))
		return c.SendStatus(fiber.StatusBadGateway)
	}
	return c.SendString("OK")
}
