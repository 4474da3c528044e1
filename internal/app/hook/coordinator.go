package hook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sifan077/PowerLink/internal/app/ipc"
	"github.com/sifan077/PowerLink/internal/app/resource"
	infraPrometheus "github.com/sifan077/PowerLink/internal/infra/prometheus"
	"go.uber.org/zap"
)

// Message names exchanged between workers.
const (
	MsgSet    = "#HookResource.Set"
	MsgAccept = "#HookResource.Accept"
	MsgClear  = "#HookResource.Clear"
)

// nextHookID is shared by every coordinator in the process so hook ids stay
// unique per process id.
var nextHookID atomic.Uint64

type hookMessage struct {
	URL      string    `json:"url"`
	HookID   string    `json:"hookId"`
	ProcID   int       `json:"procId"`
	WorkerID string    `json:"workerId"`
	Expires  time.Time `json:"expires,omitempty"`
	Value    []byte    `json:"value,omitempty"`
}

// Deps groups what a Coordinator needs.
type Deps struct {
	Library   *resource.Library
	Messenger ipc.Messenger
	Logger    *zap.Logger
	// DefaultTimeout is armed on hooks created without WithTimeout. Zero means none.
	DefaultTimeout time.Duration
}

// Coordinator creates hooks on this worker and keeps this worker's stubs in sync
// with the rest of the cluster.
type Coordinator struct {
	lib            *resource.Library
	ipc            ipc.Messenger
	logger         *zap.Logger
	procID         int
	defaultTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*Hook
}

// NewCoordinator wires the coordinator's message handlers onto the messenger.
func NewCoordinator(deps Deps) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		lib:            deps.Library,
		ipc:            deps.Messenger,
		logger:         logger,
		procID:         os.Getpid(),
		defaultTimeout: deps.DefaultTimeout,
		pending:        make(map[string]*Hook),
	}

	c.ipc.On(MsgSet, c.onSet)
	c.ipc.On(MsgAccept, c.onAccept)
	c.ipc.On(MsgClear, c.onClear)
	return c
}

// Option customises Create.
type Option func(*createOptions)

type createOptions struct {
	timeout time.Duration
}

// WithTimeout arms a deadline on the new hook. Peers drop their stubs at the same
// deadline should the owner never clear them.
func WithTimeout(d time.Duration) Option {
	return func(o *createOptions) { o.timeout = d }
}

// Create registers a hook owned by this worker and announces it to every peer.
func (c *Coordinator) Create(ctx context.Context, url string, opts ...Option) (*Hook, error) {
	o := createOptions{timeout: c.defaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	h := &Hook{
		URL:      url,
		ID:       fmt.Sprintf("%d.%d", c.procID, nextHookID.Add(1)),
		WorkerID: c.ipc.WorkerID(),
		ProcID:   c.procID,
		c:        c,
		done:     make(chan struct{}),
	}

	if !c.lib.RegisterExclusive(url, h, isHook) {
		return nil, fmt.Errorf("%w: %s", ErrURLInUse, url)
	}

	c.mu.Lock()
	c.pending[h.ID] = h
	c.mu.Unlock()

	msg := hookMessage{URL: h.URL, HookID: h.ID, ProcID: h.ProcID, WorkerID: h.WorkerID}
	if o.timeout > 0 {
		msg.Expires = time.Now().Add(o.timeout)
	}

	if err := c.broadcast(ctx, MsgSet, msg); err != nil {
		c.mu.Lock()
		delete(c.pending, h.ID)
		c.mu.Unlock()
		c.lib.DeregisterIf(url, h)
		return nil, err
	}

	if o.timeout > 0 {
		h.SetTimeout(o.timeout)
	}

	infraPrometheus.HooksActive.Inc()
	c.logger.Debug("hook created",
		zap.String("url", h.URL),
		zap.String("hook_id", h.ID),
		zap.Duration("timeout", o.timeout),
	)
	return h, nil
}

// Lookup returns the hook registered at url on this worker, owned or stub.
func (c *Coordinator) Lookup(url string) (*Hook, bool) {
	r, ok := c.lib.Get(url)
	if !ok {
		return nil, false
	}
	h, ok := r.(*Hook)
	return h, ok
}

// Pending returns the number of unresolved hooks owned by this worker.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close clears every hook this worker still owns.
func (c *Coordinator) Close(ctx context.Context) {
	c.mu.Lock()
	owned := make([]*Hook, 0, len(c.pending))
	for _, h := range c.pending {
		owned = append(owned, h)
	}
	c.mu.Unlock()

	for _, h := range owned {
		if err := h.Clear(ctx); err != nil {
			c.logger.Warn("failed to clear hook on shutdown", zap.String("url", h.URL), zap.Error(err))
		}
	}
}

// finish resolves an owned hook exactly once: it claims the pending entry, drops
// the hook everywhere, then releases the waiter.
func (c *Coordinator) finish(ctx context.Context, h *Hook, res Result) error {
	c.mu.Lock()
	_, ok := c.pending[h.ID]
	delete(c.pending, h.ID)
	c.mu.Unlock()

	if !ok {
		return ErrHookClosed
	}

	h.ClearTimeout()

	err := c.broadcast(ctx, MsgClear, hookMessage{
		URL:      h.URL,
		HookID:   h.ID,
		ProcID:   h.ProcID,
		WorkerID: h.WorkerID,
	})
	c.sweep(ctx, h.URL)

	h.result = res
	close(h.done)

	infraPrometheus.HooksActive.Dec()
	if res.Accepted {
		infraPrometheus.HookResolutions.WithLabelValues("accepted").Inc()
	} else {
		infraPrometheus.HookResolutions.WithLabelValues("cleared").Inc()
	}

	c.logger.Debug("hook resolved",
		zap.String("url", h.URL),
		zap.String("hook_id", h.ID),
		zap.Bool("accepted", res.Accepted),
	)

	if err != nil {
		return fmt.Errorf("hook: announce clear: %w", err)
	}
	return nil
}

// sweep drops the hook at url and every hook nested under url + "/". Other
// resources stay. Stubs are forgotten; nested hooks owned here are cleared so
// their waiters wake.
func (c *Coordinator) sweep(ctx context.Context, url string) {
	for _, r := range c.lib.Deregister(url, isHook) {
		h := r.(*Hook)
		h.ClearTimeout()
		if h.stub {
			infraPrometheus.HookStubs.Dec()
			continue
		}
		if err := h.Clear(ctx); err != nil {
			c.logger.Warn("failed to clear nested hook", zap.String("url", h.URL), zap.Error(err))
		}
	}
}

func isHook(r resource.Resource) bool {
	_, ok := r.(*Hook)
	return ok
}

func (c *Coordinator) forwardAccept(ctx context.Context, h *Hook, value []byte) error {
	msg, err := ipc.NewMessage(MsgAccept, hookMessage{
		URL:      h.URL,
		HookID:   h.ID,
		ProcID:   h.ProcID,
		WorkerID: h.WorkerID,
		Value:    value,
	})
	if err != nil {
		return err
	}
	return c.ipc.Send(ctx, h.WorkerID, msg)
}

func (c *Coordinator) dropStub(h *Hook) {
	if c.lib.DeregisterIf(h.URL, h) {
		infraPrometheus.HookStubs.Dec()
	}
}

func (c *Coordinator) broadcast(ctx context.Context, name string, payload hookMessage) error {
	msg, err := ipc.NewMessage(name, payload)
	if err != nil {
		return err
	}
	return c.ipc.Broadcast(ctx, msg)
}

func (c *Coordinator) decode(msg ipc.Message) (hookMessage, bool) {
	var m hookMessage
	if err := msg.Decode(&m); err != nil {
		c.logger.Warn("malformed hook message", zap.String("name", msg.Name), zap.Error(err))
		return hookMessage{}, false
	}
	if m.HookID == "" || m.URL == "" {
		return hookMessage{}, false
	}
	return m, true
}

func (c *Coordinator) onSet(msg ipc.Message) {
	m, ok := c.decode(msg)
	if !ok || m.WorkerID == c.ipc.WorkerID() {
		return
	}
	if c.lib.Has(m.URL) {
		return
	}

	stub := &Hook{
		URL:      m.URL,
		ID:       m.HookID,
		WorkerID: m.WorkerID,
		ProcID:   m.ProcID,
		stub:     true,
		c:        c,
	}
	if !c.lib.RegisterExclusive(m.URL, stub, isHook) {
		return
	}
	infraPrometheus.HookStubs.Inc()

	if !m.Expires.IsZero() {
		stub.SetTimeout(time.Until(m.Expires))
	}
}

func (c *Coordinator) onAccept(msg ipc.Message) {
	m, ok := c.decode(msg)
	if !ok {
		return
	}
	h, ok := c.Lookup(m.URL)
	if !ok || h.stub || h.ID != m.HookID {
		return
	}

	if err := h.Accept(context.Background(), m.Value); err != nil && !errors.Is(err, ErrHookClosed) {
		c.logger.Warn("failed to accept forwarded hook", zap.String("url", m.URL), zap.Error(err))
	}
}

func (c *Coordinator) onClear(msg ipc.Message) {
	m, ok := c.decode(msg)
	if !ok {
		return
	}
	h, ok := c.Lookup(m.URL)
	if !ok || !h.stub || h.ID != m.HookID {
		return
	}

	c.sweep(context.Background(), m.URL)
}
