package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/fanout/internal/observability"
	"github.com/harun/fanout/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultMaxTurns      = 1
	messageBufferSize    = 64
	continuationPrompt   = "Continue with the task. Reply with an empty message when you are done."
	defaultSystemPrompt  = "You are one of several parallel agents working on a shared objective. Stay within your assigned task."
	permissionPromptNote = "Permission mode: %s."
)

var (
	// ErrInterrupted is reported by Err when a session was stopped through Interrupt
	ErrInterrupted = errors.New("session interrupted")
	// ErrSessionClosed is returned by control calls against a finished session
	ErrSessionClosed = errors.New("session closed")
)

// ForkerConfig holds LLMForker configuration
type ForkerConfig struct {
	Provider     LLMProvider
	DefaultModel string
	MaxTokens    int
	SystemPrompt string
	Transcripts  *TranscriptStore
	Logger       zerolog.Logger
}

// LLMForker implements Forker on top of an LLMProvider. Each fork is an
// independent conversation that may start from the transcript of an earlier one.
type LLMForker struct {
	provider     LLMProvider
	defaultModel string
	maxTokens    int
	systemPrompt string
	transcripts  *TranscriptStore
	logger       zerolog.Logger
}

// NewLLMForker creates a new LLM-backed forker
func NewLLMForker(cfg ForkerConfig) (*LLMForker, error) {
	observability.EnsureRegistered()

	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.DefaultModel == "" {
		return nil, fmt.Errorf("default model is required")
	}
	if cfg.MaxTokens < 0 {
		return nil, fmt.Errorf("max tokens cannot be negative")
	}

	transcripts := cfg.Transcripts
	if transcripts == nil {
		transcripts = NewTranscriptStore()
	}

	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	return &LLMForker{
		provider:     cfg.Provider,
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
		systemPrompt: systemPrompt,
		transcripts:  transcripts,
		logger:       cfg.Logger,
	}, nil
}

// Transcripts returns the store holding every session's conversation
func (f *LLMForker) Transcripts() *TranscriptStore {
	return f.transcripts
}

// Fork starts a new session. The session runs until its turns are exhausted,
// the context ends, the timeout elapses, or Interrupt is called.
func (f *LLMForker) Fork(ctx context.Context, prompt string, opts ForkOptions) (SessionHandle, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("prompt cannot be empty")
	}
	if opts.MaxTurns < 0 {
		return nil, fmt.Errorf("max turns cannot be negative")
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return nil, fmt.Errorf("failed to generate session id: %w", err)
		}
		sessionID = id
	}

	var history []Message
	if opts.ResumeFrom != "" {
		base, err := f.transcripts.Until(opts.ResumeFrom, opts.ResumeAtMessage)
		if err != nil {
			return nil, fmt.Errorf("failed to resume from %s: %w", opts.ResumeFrom, err)
		}
		history = base
	} else if opts.ResumeAtMessage != "" {
		return nil, fmt.Errorf("resume_at_message requires resume_from")
	}

	model := opts.Model
	if model == "" {
		model = f.defaultModel
	}

	maxTurns := opts.MaxTurns
	if maxTurns == 0 {
		maxTurns = defaultMaxTurns
	}

	var sessionCtx context.Context
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		sessionCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		sessionCtx, cancel = context.WithCancel(ctx)
	}
	sessionCtx = tracing.WithSessionID(sessionCtx, sessionID)

	s := &llmSession{
		id:             sessionID,
		provider:       f.provider,
		transcripts:    f.transcripts,
		maxTokens:      f.maxTokens,
		systemPrompt:   f.systemPrompt,
		maxTurns:       maxTurns,
		history:        history,
		prompt:         prompt,
		model:          model,
		permissionMode: PermissionModeDefault,
		messages:       make(chan Message, messageBufferSize),
		ctx:            sessionCtx,
		cancel:         cancel,
		logger:         tracing.LoggerFromContext(sessionCtx, f.logger),
	}

	s.logger.Debug().
		Str("model", model).
		Int("max_turns", maxTurns).
		Int("history", len(history)).
		Str("resume_from", opts.ResumeFrom).
		Msg("Session forked")

	go s.run()

	return s, nil
}

// llmSession is the SessionHandle returned by LLMForker
type llmSession struct {
	id           string
	provider     LLMProvider
	transcripts  *TranscriptStore
	maxTokens    int
	systemPrompt string
	maxTurns     int
	history      []Message
	prompt       string

	messages chan Message
	ctx      context.Context
	cancel   context.CancelFunc
	logger   zerolog.Logger

	// sendMu serializes sends on messages with its close
	sendMu       sync.Mutex
	streamClosed bool

	mu             sync.Mutex
	model          string
	permissionMode PermissionMode
	interrupted    bool
	err            error
	seq            int
}

func (s *llmSession) Messages() <-chan Message {
	return s.messages
}

func (s *llmSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Interrupt stops the session. It is safe to call more than once.
func (s *llmSession) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	s.interrupted = true
	s.mu.Unlock()

	s.cancel()
	s.logger.Debug().Msg("Session interrupted")
	return nil
}

func (s *llmSession) SetModel(ctx context.Context, model string) error {
	if strings.TrimSpace(model) == "" {
		return fmt.Errorf("model cannot be empty")
	}
	return s.control(func() { s.model = model }, fmt.Sprintf("Model changed to %s.", model))
}

func (s *llmSession) SetPermissionMode(ctx context.Context, mode PermissionMode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid permission mode: %s", mode)
	}
	return s.control(func() { s.permissionMode = mode }, fmt.Sprintf(permissionPromptNote, mode))
}

// control applies a settings change and announces it on the stream. Both
// happen only while the stream is open.
func (s *llmSession) control(apply func(), note string) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.streamClosed {
		return ErrSessionClosed
	}

	s.mu.Lock()
	apply()
	s.mu.Unlock()

	model, _ := s.settings()
	s.send(s.newMessage(MessageTypeSystem, note, model))
	return nil
}

func (s *llmSession) SupportedModels(ctx context.Context) ([]ModelInfo, error) {
	return s.provider.Models(ctx)
}

// run drives the conversation and closes the message stream when it ends
func (s *llmSession) run() {
	ctx, span := tracing.StartSpan(
		s.ctx,
		"fanout.agent",
		"agent.session",
		attribute.String("session_id", s.id),
	)
	defer span.End()

	transcript := append([]Message{}, s.history...)
	transcript = append(transcript, s.emit(MessageTypeUser, s.prompt))

	defer func() {
		s.transcripts.Save(s.id, transcript)
		s.cancel()

		s.sendMu.Lock()
		s.streamClosed = true
		close(s.messages)
		s.sendMu.Unlock()
	}()

	turn := 0
	for ; turn < s.maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			s.fail(err, turn)
			return
		}
		if turn > 0 {
			transcript = append(transcript, s.emit(MessageTypeUser, continuationPrompt))
		}

		model, mode := s.settings()
		systemPrompt := s.systemPrompt
		if mode != PermissionModeDefault {
			systemPrompt = systemPrompt + "\n\n" + fmt.Sprintf(permissionPromptNote, mode)
		}

		start := time.Now()
		resp, err := s.provider.Call(ctx, LLMRequest{
			Model:        model,
			Messages:     toAgentMessages(transcript),
			MaxTokens:    s.maxTokens,
			SystemPrompt: systemPrompt,
		})
		observability.RecordProviderCall(s.provider.Provider(), time.Since(start), err == nil)

		if err != nil {
			s.fail(err, turn)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return
		}

		if turn > 0 && strings.TrimSpace(resp.Content) == "" {
			break
		}

		transcript = append(transcript, s.emitWithModel(MessageTypeAssistant, resp.Content, model))
	}

	// an interrupt after the last reply may have dropped it from the stream
	if err := ctx.Err(); err != nil {
		s.fail(err, min(turn, s.maxTurns-1))
		return
	}

	s.emit(MessageTypeResult, fmt.Sprintf("Session finished after %d message(s).", len(transcript)))
}

func (s *llmSession) settings() (string, PermissionMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model, s.permissionMode
}

// fail records the terminal error. Interrupts and context expiry take precedence
// over whatever error the provider surfaced for the cancelled call.
func (s *llmSession) fail(err error, turn int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.interrupted:
		s.err = ErrInterrupted
	case errors.Is(s.ctx.Err(), context.DeadlineExceeded):
		s.err = fmt.Errorf("session timed out: %w", context.DeadlineExceeded)
	default:
		s.err = fmt.Errorf("turn %d failed: %w", turn+1, err)
	}

	s.logger.Debug().Err(s.err).Int("turn", turn+1).Msg("Session ended with error")
}

func (s *llmSession) emit(msgType MessageType, text string) Message {
	model, _ := s.settings()
	return s.emitWithModel(msgType, text, model)
}

// emitWithModel publishes a message unless the session has been cancelled
func (s *llmSession) emitWithModel(msgType MessageType, text, model string) Message {
	msg := s.newMessage(msgType, text, model)

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.streamClosed {
		s.send(msg)
	}
	return msg
}

func (s *llmSession) newMessage(msgType MessageType, text, model string) Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	return Message{
		ID:        fmt.Sprintf("%s-%d", s.id, s.seq),
		Type:      msgType,
		Text:      text,
		Model:     model,
		Timestamp: time.Now(),
	}
}

// send must be called with sendMu held and the stream open
func (s *llmSession) send(msg Message) {
	select {
	case s.messages <- msg:
	case <-s.ctx.Done():
	}
}
