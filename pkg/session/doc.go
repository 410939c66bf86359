// Package session persists session transcripts as JSONL files so a later run
// can fork from a session that an earlier process recorded.
//
// Invariants:
// - Session IDs are validated and path-safe.
// - Writes for the same session are serialized.
// - Save replaces a transcript atomically via a temp file and rename.
// - Corrupt lines are skipped on load.
//
// Usage:
//
//	store, _ := session.New("/tmp/fanout/transcripts", logger)
//	_ = store.Save("sess-1", messages)
//	messages, _ := store.Load("sess-1")
package session
