package orchestrator

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/harun/fanout/pkg/agent"
)

var promptIDPattern = regexp.MustCompile(`\(id: ([^)]+)\)`)

func agentIDFromPrompt(prompt string) string {
	m := promptIDPattern.FindStringSubmatch(prompt)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// fakeHandle streams a fixed set of messages and then closes
type fakeHandle struct {
	messages    chan agent.Message
	err         error
	interrupted chan struct{}
	once        sync.Once
}

func newFakeHandle(texts []string, err error, delay time.Duration, onClose func()) *fakeHandle {
	h := &fakeHandle{
		messages:    make(chan agent.Message, len(texts)+1),
		err:         err,
		interrupted: make(chan struct{}),
	}
	go func() {
		defer func() {
			if onClose != nil {
				onClose()
			}
			close(h.messages)
		}()
		select {
		case <-time.After(delay):
		case <-h.interrupted:
			return
		}
		for i, text := range texts {
			h.messages <- agent.Message{
				ID:        string(rune('a' + i)),
				Type:      agent.MessageTypeAssistant,
				Text:      text,
				Timestamp: time.Now(),
			}
		}
	}()
	return h
}

func (h *fakeHandle) Messages() <-chan agent.Message { return h.messages }
func (h *fakeHandle) Err() error                     { return h.err }

func (h *fakeHandle) Interrupt(ctx context.Context) error {
	h.once.Do(func() { close(h.interrupted) })
	return nil
}

func (h *fakeHandle) SetModel(ctx context.Context, model string) error { return nil }

func (h *fakeHandle) SetPermissionMode(ctx context.Context, mode agent.PermissionMode) error {
	return nil
}

func (h *fakeHandle) SupportedModels(ctx context.Context) ([]agent.ModelInfo, error) {
	return nil, nil
}

// fakeForker records fork calls and tracks how many sessions are open at once
type fakeForker struct {
	mu        sync.Mutex
	calls     []forkCall
	open      int
	peak      int
	delay     time.Duration
	failFork  map[string]error
	failDrain map[string]error
	panicOn   map[string]bool
	replies   map[string][]string
}

type forkCall struct {
	AgentID string
	Prompt  string
	Opts    agent.ForkOptions
}

func newFakeForker() *fakeForker {
	return &fakeForker{
		delay:     10 * time.Millisecond,
		failFork:  make(map[string]error),
		failDrain: make(map[string]error),
		panicOn:   make(map[string]bool),
		replies:   make(map[string][]string),
	}
}

func (f *fakeForker) Fork(ctx context.Context, prompt string, opts agent.ForkOptions) (agent.SessionHandle, error) {
	id := agentIDFromPrompt(prompt)

	f.mu.Lock()
	f.calls = append(f.calls, forkCall{AgentID: id, Prompt: prompt, Opts: opts})
	if f.panicOn[id] {
		f.mu.Unlock()
		panic("forker exploded")
	}
	if err := f.failFork[id]; err != nil {
		f.mu.Unlock()
		return nil, err
	}
	f.open++
	if f.open > f.peak {
		f.peak = f.open
	}
	replies, ok := f.replies[id]
	if !ok {
		replies = []string{"done by " + id}
	}
	drainErr := f.failDrain[id]
	f.mu.Unlock()

	return newFakeHandle(replies, drainErr, f.delay, func() {
		f.mu.Lock()
		f.open--
		f.mu.Unlock()
	}), nil
}

func (f *fakeForker) forkOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.calls))
	for i, c := range f.calls {
		ids[i] = c.AgentID
	}
	return ids
}

func (f *fakeForker) call(agentID string) (forkCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.AgentID == agentID {
			return c, true
		}
	}
	return forkCall{}, false
}

func (f *fakeForker) peakOpen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

var errForced = errors.New("forced failure")
