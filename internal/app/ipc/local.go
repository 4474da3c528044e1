package ipc

import (
	"context"
	"fmt"
	"sync"
)

// LocalHub connects workers living in one process. Delivery is synchronous on the
// sender's goroutine, which keeps per-sender ordering trivially.
type LocalHub struct {
	mu      sync.RWMutex
	workers map[string]*LocalWorker
	order   []string
	primary QueryHandler
}

// NewLocalHub returns an empty hub.
func NewLocalHub() *LocalHub {
	return &LocalHub{workers: make(map[string]*LocalWorker)}
}

// Join attaches a worker to the hub. Joining twice with one id returns the
// existing worker.
func (h *LocalHub) Join(workerID string) *LocalWorker {
	h.mu.Lock()
	defer h.mu.Unlock()

	if w, ok := h.workers[workerID]; ok {
		return w
	}
	w := &LocalWorker{id: workerID, hub: h, handlers: make(map[string][]Handler)}
	h.workers[workerID] = w
	h.order = append(h.order, workerID)
	return w
}

// Leave detaches a worker; later messages addressed to it fail.
func (h *LocalHub) Leave(workerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.workers, workerID)
	for i, id := range h.order {
		if id == workerID {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// ServeQueries installs the primary's query handler.
func (h *LocalHub) ServeQueries(fn QueryHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.primary = fn
}

func (h *LocalHub) snapshot() []*LocalWorker {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*LocalWorker, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.workers[id])
	}
	return out
}

func (h *LocalHub) worker(id string) (*LocalWorker, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	w, ok := h.workers[id]
	return w, ok
}

// LocalWorker is one worker's Messenger on a LocalHub.
type LocalWorker struct {
	id  string
	hub *LocalHub

	mu       sync.RWMutex
	handlers map[string][]Handler
}

var _ Messenger = (*LocalWorker)(nil)

func (w *LocalWorker) WorkerID() string { return w.id }

func (w *LocalWorker) On(name string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = append(w.handlers[name], h)
}

func (w *LocalWorker) Broadcast(ctx context.Context, msg Message) error {
	msg.From = w.id
	for _, peer := range w.hub.snapshot() {
		if err := ctx.Err(); err != nil {
			return err
		}
		peer.deliver(msg)
	}
	return nil
}

func (w *LocalWorker) Send(ctx context.Context, workerID string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	peer, ok := w.hub.worker(workerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	msg.From = w.id
	peer.deliver(msg)
	return nil
}

func (w *LocalWorker) Query(ctx context.Context, msg Message) (Message, error) {
	w.hub.mu.RLock()
	primary := w.hub.primary
	w.hub.mu.RUnlock()

	if primary == nil {
		return Message{}, ErrNoResponder
	}
	msg.From = w.id
	return primary(ctx, msg)
}

func (w *LocalWorker) deliver(msg Message) {
	w.mu.RLock()
	handlers := append([]Handler(nil), w.handlers[msg.Name]...)
	w.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}
