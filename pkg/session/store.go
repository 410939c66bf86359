package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/fanout/internal/observability"
	"github.com/harun/fanout/internal/tracing"
	"github.com/harun/fanout/pkg/agent"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const fileExt = ".jsonl"

// ErrInvalidSessionID is returned for IDs that cannot be used as file names
var ErrInvalidSessionID = errors.New("invalid session id")

// Entry is one line of a transcript file
type Entry struct {
	SessionID string        `json:"session_id"`
	Message   agent.Message `json:"message"`
}

// Info describes a stored transcript
type Info struct {
	SessionID    string    `json:"session_id"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// Store persists transcripts as one JSONL file per session
type Store struct {
	dir        string
	logger     zerolog.Logger
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// New creates a Store rooted at dir
func New(dir string, logger zerolog.Logger) (*Store, error) {
	observability.EnsureRegistered()

	if dir == "" {
		return nil, fmt.Errorf("transcript directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}

	s := &Store{
		dir:        dir,
		logger:     logger,
		writeLocks: make(map[string]*sync.Mutex),
	}
	s.updateStoredMetric()

	logger.Debug().Str("dir", dir).Msg("Transcript store initialized")
	return s, nil
}

func validateSessionID(sessionID string) error {
	switch {
	case sessionID == "":
		return fmt.Errorf("%w: empty", ErrInvalidSessionID)
	case strings.Contains(sessionID, ".."):
		return fmt.Errorf("%w: contains '..'", ErrInvalidSessionID)
	case strings.ContainsAny(sessionID, "/\\"):
		return fmt.Errorf("%w: contains path separators", ErrInvalidSessionID)
	case strings.Contains(sessionID, "\x00"):
		return fmt.Errorf("%w: contains null bytes", ErrInvalidSessionID)
	}
	return nil
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+fileExt)
}

func (s *Store) lock(sessionID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if l, ok := s.writeLocks[sessionID]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.writeLocks[sessionID] = l
	return l
}

func (s *Store) updateStoredMetric() {
	ids, err := s.List()
	if err != nil {
		return
	}
	observability.SetStoredTranscripts(len(ids))
}

// begin opens a span for one store operation and returns a finish func that
// records its outcome
func (s *Store) begin(op, sessionID string) (zerolog.Logger, func(error) error) {
	ctx := tracing.WithSessionID(context.Background(), sessionID)
	ctx, span := tracing.StartSpan(ctx, "fanout.session", "transcript."+op,
		attribute.String("session_id", sessionID),
	)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()

	return logger, func(err error) error {
		finish(span, err)
		observability.RecordTranscriptOp(op, time.Since(start), err == nil)
		return err
	}
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Save replaces the transcript of a session
func (s *Store) Save(sessionID string, messages []agent.Message) error {
	logger, done := s.begin("save", sessionID)

	if err := validateSessionID(sessionID); err != nil {
		return done(err)
	}

	l := s.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	if err := s.rewrite(sessionID, messages); err != nil {
		return done(err)
	}
	s.updateStoredMetric()

	logger.Debug().Int("messages", len(messages)).Msg("Transcript saved")
	return done(nil)
}

func (s *Store) rewrite(sessionID string, messages []agent.Message) error {
	target := s.path(sessionID)
	tmp := target + ".tmp"

	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	for _, msg := range messages {
		if err := enc.Encode(Entry{SessionID: sessionID, Message: msg}); err != nil {
			file.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to encode message: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync transcript: %w", err)
	}
	file.Close()

	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace transcript: %w", err)
	}
	return nil
}

// Append adds one message to the end of a session's transcript
func (s *Store) Append(sessionID string, msg agent.Message) error {
	logger, done := s.begin("append", sessionID)

	if err := validateSessionID(sessionID); err != nil {
		return done(err)
	}
	if msg.Type == "" {
		return done(fmt.Errorf("message type cannot be empty"))
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	data, err := json.Marshal(Entry{SessionID: sessionID, Message: msg})
	if err != nil {
		return done(fmt.Errorf("failed to encode message: %w", err))
	}

	l := s.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	file, err := os.OpenFile(s.path(sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return done(fmt.Errorf("failed to open transcript: %w", err))
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return done(fmt.Errorf("failed to write message: %w", err))
	}
	if err := file.Sync(); err != nil {
		return done(fmt.Errorf("failed to sync transcript: %w", err))
	}

	logger.Debug().Str("type", string(msg.Type)).Msg("Message appended")
	return done(nil)
}

// Load returns every message of a session in order. A session that was never
// stored yields an empty slice.
func (s *Store) Load(sessionID string) ([]agent.Message, error) {
	logger, done := s.begin("load", sessionID)

	if err := validateSessionID(sessionID); err != nil {
		return nil, done(err)
	}

	file, err := os.Open(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return []agent.Message{}, done(nil)
		}
		return nil, done(fmt.Errorf("failed to open transcript: %w", err))
	}
	defer file.Close()

	messages := []agent.Message{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			logger.Warn().Int("line", line).Err(err).Msg("Skipping corrupt transcript line")
			continue
		}
		if entry.Message.Type == "" {
			logger.Warn().Int("line", line).Msg("Skipping transcript line without a message type")
			continue
		}
		messages = append(messages, entry.Message)
	}
	if err := scanner.Err(); err != nil {
		return nil, done(fmt.Errorf("failed to read transcript: %w", err))
	}

	return messages, done(nil)
}

// Delete removes a session's transcript. Deleting a missing transcript is not an error.
func (s *Store) Delete(sessionID string) error {
	logger, done := s.begin("delete", sessionID)

	if err := validateSessionID(sessionID); err != nil {
		return done(err)
	}

	l := s.lock(sessionID)
	l.Lock()
	err := os.Remove(s.path(sessionID))
	l.Unlock()

	s.locksMu.Lock()
	delete(s.writeLocks, sessionID)
	s.locksMu.Unlock()

	if err != nil && !os.IsNotExist(err) {
		return done(fmt.Errorf("failed to delete transcript: %w", err))
	}
	s.updateStoredMetric()

	logger.Debug().Msg("Transcript deleted")
	return done(nil)
}

// List returns the IDs of all stored transcripts, sorted
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read transcript directory: %w", err)
	}

	ids := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, fileExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// Stat describes a stored transcript
func (s *Store) Stat(sessionID string) (*Info, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	fi, err := os.Stat(s.path(sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to stat transcript %s: %w", sessionID, err)
	}
	return &Info{
		SessionID:    sessionID,
		Size:         fi.Size(),
		LastModified: fi.ModTime(),
	}, nil
}

// Prune deletes transcripts not modified within maxAge and returns how many
// were removed
func (s *Store) Prune(maxAge time.Duration) (int, error) {
	ids, err := s.List()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0
	for _, id := range ids {
		info, err := s.Stat(id)
		if err != nil {
			s.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to stat transcript")
			continue
		}
		if info.LastModified.After(cutoff) {
			continue
		}
		if err := s.Delete(id); err != nil {
			s.logger.Error().Err(err).Str("session_id", id).Msg("Failed to prune transcript")
			continue
		}
		deleted++
	}

	if deleted > 0 {
		s.logger.Info().Int("deleted", deleted).Dur("max_age", maxAge).Msg("Pruned transcripts")
	}
	return deleted, nil
}

var _ agent.TranscriptBackend = (*Store)(nil)
