package transport

import (
	"context"
	"sync"

	"github.com/pspdrp/companion/internal/protocol"
	"github.com/pspdrp/companion/internal/session"
)

type fakeHandler struct {
	mu         sync.Mutex
	dispatched []protocol.Message
	claimed    map[session.Identity]bool
	attached   []session.Identity
	detached   []string

	dispatchCh chan protocol.Message
	detachCh   chan string
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		claimed:    make(map[session.Identity]bool),
		dispatchCh: make(chan protocol.Message, 64),
		detachCh:   make(chan string, 8),
	}
}

func (h *fakeHandler) Dispatch(ctx context.Context, id session.Identity, msg protocol.Message) error {
	h.mu.Lock()
	h.dispatched = append(h.dispatched, msg)
	h.mu.Unlock()
	h.dispatchCh <- msg
	return nil
}

func (h *fakeHandler) ClaimDiscovery(id session.Identity) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.claimed[id] {
		return false
	}
	h.claimed[id] = true
	return true
}

func (h *fakeHandler) Attach(ctx context.Context, id session.Identity) session.Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attached = append(h.attached, id)
	return session.Info{Identity: id}
}

func (h *fakeHandler) Detach(ctx context.Context, id session.Identity, reason string) {
	h.mu.Lock()
	h.detached = append(h.detached, reason)
	h.mu.Unlock()
	h.detachCh <- reason
}

func (h *fakeHandler) dispatchCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.dispatched)
}
