package agent

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// TranscriptBackend persists transcripts beyond the life of the process
type TranscriptBackend interface {
	Save(sessionID string, messages []Message) error
	Load(sessionID string) ([]Message, error)
	Delete(sessionID string) error
}

// TranscriptStore keeps the conversational messages of every session so later
// forks can resume from them. With a backend, writes go through to it and
// reads of unknown sessions fall back to it.
type TranscriptStore struct {
	transcripts map[string][]Message
	mu          sync.RWMutex
	backend     TranscriptBackend
	logger      zerolog.Logger
}

// NewTranscriptStore creates an empty transcript store
func NewTranscriptStore() *TranscriptStore {
	return &TranscriptStore{
		transcripts: make(map[string][]Message),
		logger:      zerolog.Nop(),
	}
}

// NewPersistentTranscriptStore creates a transcript store backed by durable storage
func NewPersistentTranscriptStore(backend TranscriptBackend, logger zerolog.Logger) *TranscriptStore {
	s := NewTranscriptStore()
	s.backend = backend
	s.logger = logger
	return s
}

// Save replaces the transcript recorded for a session
func (s *TranscriptStore) Save(sessionID string, messages []Message) {
	copied := make([]Message, len(messages))
	copy(copied, messages)

	s.mu.Lock()
	s.transcripts[sessionID] = copied
	s.mu.Unlock()

	if s.backend != nil {
		if err := s.backend.Save(sessionID, copied); err != nil {
			s.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to persist transcript")
		}
	}
}

// Get returns a copy of a session's transcript
func (s *TranscriptStore) Get(sessionID string) ([]Message, error) {
	s.mu.RLock()
	messages, ok := s.transcripts[sessionID]
	s.mu.RUnlock()

	if !ok {
		loaded, err := s.load(sessionID)
		if err != nil {
			return nil, err
		}
		messages = loaded
	}

	copied := make([]Message, len(messages))
	copy(copied, messages)
	return copied, nil
}

func (s *TranscriptStore) load(sessionID string) ([]Message, error) {
	if s.backend == nil {
		return nil, fmt.Errorf("transcript not found: %s", sessionID)
	}

	messages, err := s.backend.Load(sessionID)
	if err != nil {
		return nil, fmt.Errorf("transcript %s: %w", sessionID, err)
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("transcript not found: %s", sessionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.transcripts[sessionID]; ok {
		return cached, nil
	}
	s.transcripts[sessionID] = messages
	return messages, nil
}

// Until returns a session's transcript up to and including the given message.
// An empty messageID returns the full transcript.
func (s *TranscriptStore) Until(sessionID, messageID string) ([]Message, error) {
	messages, err := s.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if messageID == "" {
		return messages, nil
	}

	for i, msg := range messages {
		if msg.ID == messageID {
			return messages[:i+1], nil
		}
	}
	return nil, fmt.Errorf("message %s not found in session %s", messageID, sessionID)
}

// Delete removes a session's transcript
func (s *TranscriptStore) Delete(sessionID string) {
	s.mu.Lock()
	delete(s.transcripts, sessionID)
	s.mu.Unlock()

	if s.backend != nil {
		if err := s.backend.Delete(sessionID); err != nil {
			s.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to delete transcript")
		}
	}
}

// Count returns the number of transcripts held in memory
func (s *TranscriptStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.transcripts)
}

// toAgentMessages converts stream messages into provider conversation turns
func toAgentMessages(messages []Message) []AgentMessage {
	conversation := make([]AgentMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Type {
		case MessageTypeUser:
			conversation = append(conversation, AgentMessage{Role: "user", Content: msg.Text})
		case MessageTypeAssistant:
			conversation = append(conversation, AgentMessage{Role: "assistant", Content: msg.Text})
		}
	}
	return conversation
}
