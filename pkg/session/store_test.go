package session

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harun/fanout/pkg/agent"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := New(dir, zerolog.Nop())
	require.NoError(t, err)
	return store, dir
}

func transcript() []agent.Message {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return []agent.Message{
		{ID: "m1", Type: agent.MessageTypeUser, Text: "summarize the repo", Timestamp: now},
		{ID: "m2", Type: agent.MessageTypeAssistant, Text: "it is a fanout executor", Model: "claude-sonnet-4-5", Timestamp: now},
	}
}

func TestNew(t *testing.T) {
	t.Run("should create the directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "transcripts")
		_, err := New(dir, zerolog.Nop())
		require.NoError(t, err)

		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("should require a directory", func(t *testing.T) {
		_, err := New("", zerolog.Nop())
		assert.Error(t, err)
	})
}

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		name      string
		id        string
		shouldErr bool
	}{
		{"valid id", "sess-1f2e", false},
		{"empty id", "", true},
		{"path traversal", "../etc/passwd", true},
		{"forward slash", "a/b", true},
		{"backslash", "a\\b", true},
		{"null byte", "a\x00b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateSessionID(tt.id)
			if tt.shouldErr {
				assert.ErrorIs(t, err, ErrInvalidSessionID)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStore_SaveLoad(t *testing.T) {
	t.Run("should round trip a transcript", func(t *testing.T) {
		store, _ := setupTestStore(t)

		require.NoError(t, store.Save("s1", transcript()))

		got, err := store.Load("s1")
		require.NoError(t, err)
		assert.Equal(t, transcript(), got)
	})

	t.Run("should replace on save", func(t *testing.T) {
		store, dir := setupTestStore(t)

		require.NoError(t, store.Save("s1", transcript()))
		require.NoError(t, store.Save("s1", transcript()[:1]))

		got, err := store.Load("s1")
		require.NoError(t, err)
		assert.Len(t, got, 1)

		_, err = os.Stat(filepath.Join(dir, "s1.jsonl.tmp"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("should return empty for unknown sessions", func(t *testing.T) {
		store, _ := setupTestStore(t)

		got, err := store.Load("missing")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("should reject invalid ids", func(t *testing.T) {
		store, _ := setupTestStore(t)

		assert.ErrorIs(t, store.Save("../x", transcript()), ErrInvalidSessionID)
		_, err := store.Load("a/b")
		assert.ErrorIs(t, err, ErrInvalidSessionID)
	})

	t.Run("should skip corrupt lines", func(t *testing.T) {
		store, dir := setupTestStore(t)
		require.NoError(t, store.Save("s1", transcript()))

		f, err := os.OpenFile(filepath.Join(dir, "s1.jsonl"), os.O_APPEND|os.O_WRONLY, 0600)
		require.NoError(t, err)
		_, err = f.WriteString("{not json\n\n{\"session_id\":\"s1\",\"message\":{}}\n")
		require.NoError(t, err)
		require.NoError(t, f.Close())

		got, err := store.Load("s1")
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})
}

func TestStore_Append(t *testing.T) {
	t.Run("should append in order", func(t *testing.T) {
		store, _ := setupTestStore(t)

		for _, msg := range transcript() {
			require.NoError(t, store.Append("s1", msg))
		}

		got, err := store.Load("s1")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "m1", got[0].ID)
		assert.Equal(t, "m2", got[1].ID)
	})

	t.Run("should stamp missing timestamps", func(t *testing.T) {
		store, _ := setupTestStore(t)

		require.NoError(t, store.Append("s1", agent.Message{ID: "m1", Type: agent.MessageTypeUser, Text: "hi"}))

		got, err := store.Load("s1")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.False(t, got[0].Timestamp.IsZero())
	})

	t.Run("should reject untyped messages", func(t *testing.T) {
		store, _ := setupTestStore(t)
		assert.Error(t, store.Append("s1", agent.Message{ID: "m1"}))
	})

	t.Run("should serialize concurrent appends", func(t *testing.T) {
		store, _ := setupTestStore(t)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, store.Append("s1", agent.Message{Type: agent.MessageTypeUser, Text: "x"}))
			}()
		}
		wg.Wait()

		got, err := store.Load("s1")
		require.NoError(t, err)
		assert.Len(t, got, 20)
	})
}

func TestStore_DeleteList(t *testing.T) {
	store, dir := setupTestStore(t)

	require.NoError(t, store.Save("b", transcript()))
	require.NoError(t, store.Save("a", transcript()))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0600))

	ids, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	require.NoError(t, store.Delete("a"))
	require.NoError(t, store.Delete("a"))

	ids, err = store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)
}

func TestStore_Prune(t *testing.T) {
	store, dir := setupTestStore(t)

	require.NoError(t, store.Save("old", transcript()))
	require.NoError(t, store.Save("fresh", transcript()))

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "old.jsonl"), past, past))

	deleted, err := store.Prune(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	ids, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, ids)
}

func TestStore_BacksTranscriptStore(t *testing.T) {
	dir := t.TempDir()

	first, err := New(dir, zerolog.Nop())
	require.NoError(t, err)
	agent.NewPersistentTranscriptStore(first, zerolog.Nop()).Save("s1", transcript())

	// a second process sees the same transcript
	second, err := New(dir, zerolog.Nop())
	require.NoError(t, err)
	transcripts := agent.NewPersistentTranscriptStore(second, zerolog.Nop())

	got, err := transcripts.Until("s1", "m1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "summarize the repo", got[0].Text)
}
