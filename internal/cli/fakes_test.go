package cli

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/harun/fanout/pkg/agent"
)

var promptIDPattern = regexp.MustCompile(`\(id: ([^)]+)\)`)

// stubHandle replies once after a delay unless interrupted first
type stubHandle struct {
	messages    chan agent.Message
	interrupted chan struct{}
	once        sync.Once

	mu    sync.Mutex
	err   error
	model string
}

func newStubHandle(reply string, delay time.Duration, err error) *stubHandle {
	h := &stubHandle{
		messages:    make(chan agent.Message, 1),
		interrupted: make(chan struct{}),
	}
	go func() {
		defer close(h.messages)
		select {
		case <-time.After(delay):
		case <-h.interrupted:
			h.mu.Lock()
			h.err = agent.ErrInterrupted
			h.mu.Unlock()
			return
		}
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		if err == nil {
			h.messages <- agent.Message{ID: "m1", Type: agent.MessageTypeAssistant, Text: reply, Timestamp: time.Now()}
		}
	}()
	return h
}

func (h *stubHandle) Messages() <-chan agent.Message { return h.messages }

func (h *stubHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *stubHandle) Interrupt(ctx context.Context) error {
	h.once.Do(func() { close(h.interrupted) })
	return nil
}

func (h *stubHandle) SetModel(ctx context.Context, model string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.model = model
	return nil
}

func (h *stubHandle) SetPermissionMode(ctx context.Context, mode agent.PermissionMode) error {
	return nil
}

func (h *stubHandle) SupportedModels(ctx context.Context) ([]agent.ModelInfo, error) {
	return []agent.ModelInfo{{ID: "stub-model"}}, nil
}

// stubForker forks stub sessions; agents listed in fail end with an error and
// agents listed in slow run long enough to be controlled
type stubForker struct {
	delay time.Duration
	slow  map[string]bool
	fail  map[string]error
}

func newStubForker() *stubForker {
	return &stubForker{
		delay: 10 * time.Millisecond,
		slow:  make(map[string]bool),
		fail:  make(map[string]error),
	}
}

func (f *stubForker) Fork(ctx context.Context, prompt string, opts agent.ForkOptions) (agent.SessionHandle, error) {
	id := ""
	if m := promptIDPattern.FindStringSubmatch(prompt); len(m) == 2 {
		id = m[1]
	}

	delay := f.delay
	if f.slow[id] {
		delay = 5 * time.Second
	}
	return newStubHandle("done by "+id, delay, f.fail[id]), nil
}
