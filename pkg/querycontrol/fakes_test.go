package querycontrol

import (
	"context"
	"sync"

	"github.com/harun/fanout/pkg/agent"
)

type fakeHandle struct {
	mu             sync.Mutex
	messages       chan agent.Message
	interrupts     int
	model          string
	permissionMode agent.PermissionMode
	interruptErr   error
	setModelErr    error
	setModeErr     error
	models         []agent.ModelInfo
	modelsErr      error
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		messages: make(chan agent.Message),
		models:   []agent.ModelInfo{{ID: "model-a"}, {ID: "model-b"}},
	}
}

func (h *fakeHandle) Messages() <-chan agent.Message { return h.messages }

func (h *fakeHandle) Err() error { return nil }

func (h *fakeHandle) Interrupt(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.interrupts++
	return h.interruptErr
}

func (h *fakeHandle) SetModel(ctx context.Context, model string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.setModelErr != nil {
		return h.setModelErr
	}
	h.model = model
	return nil
}

func (h *fakeHandle) SetPermissionMode(ctx context.Context, mode agent.PermissionMode) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.setModeErr != nil {
		return h.setModeErr
	}
	h.permissionMode = mode
	return nil
}

func (h *fakeHandle) SupportedModels(ctx context.Context) ([]agent.ModelInfo, error) {
	return h.models, h.modelsErr
}

func (h *fakeHandle) interruptCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interrupts
}

func (h *fakeHandle) currentModel() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.model
}
