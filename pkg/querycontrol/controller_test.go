package querycontrol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harun/fanout/pkg/agent"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestController(t *testing.T, opts Options) *Controller {
	t.Helper()

	if opts.StatusInterval == 0 {
		opts.StatusInterval = time.Hour
	}
	c := NewController(Config{Options: opts, Logger: zerolog.Nop()})
	t.Cleanup(func() { c.Close() })
	return c
}

func quietOptions() Options {
	opts := DefaultOptions()
	opts.StatusInterval = time.Hour
	return opts
}

// lifecycleEvents returns the buffered events other than status ticks
func lifecycleEvents(ch <-chan Event) []EventType {
	var types []EventType
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return types
			}
			if ev.Type != EventStatus {
				types = append(types, ev.Type)
			}
		default:
			return types
		}
	}
}

func TestRegisterQuery(t *testing.T) {
	t.Run("should register query as running", func(t *testing.T) {
		c := setupTestController(t, quietOptions())

		require.NoError(t, c.RegisterQuery("s1", "agent-1", newFakeHandle()))

		q, err := c.GetQueryStatus("s1")
		require.NoError(t, err)
		assert.Equal(t, "s1", q.SessionID)
		assert.Equal(t, "agent-1", q.AgentID)
		assert.Equal(t, StatusRunning, q.Status)
		assert.True(t, q.CanControl)
		assert.False(t, q.IsPaused)
		assert.False(t, q.StartTime.IsZero())
		assert.NotNil(t, q.Handle())
	})

	t.Run("should reject duplicate live query", func(t *testing.T) {
		c := setupTestController(t, quietOptions())

		require.NoError(t, c.RegisterQuery("s1", "agent-1", newFakeHandle()))
		err := c.RegisterQuery("s1", "agent-1", newFakeHandle())
		assert.ErrorIs(t, err, ErrQueryExists)
	})

	t.Run("should allow re-registering a finished query", func(t *testing.T) {
		c := setupTestController(t, quietOptions())

		require.NoError(t, c.RegisterQuery("s1", "agent-1", newFakeHandle()))
		require.NoError(t, c.MarkCompleted("s1"))
		require.NoError(t, c.RegisterQuery("s1", "agent-1", newFakeHandle()))

		q, err := c.GetQueryStatus("s1")
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, q.Status)
	})

	t.Run("should validate arguments", func(t *testing.T) {
		c := setupTestController(t, quietOptions())

		assert.Error(t, c.RegisterQuery("", "agent-1", newFakeHandle()))
		assert.Error(t, c.RegisterQuery("s1", "agent-1", nil))
	})

	t.Run("should emit registered event", func(t *testing.T) {
		c := setupTestController(t, quietOptions())
		events, cancel := c.Subscribe(8)
		defer cancel()

		require.NoError(t, c.RegisterQuery("s1", "agent-1", newFakeHandle()))
		assert.Equal(t, []EventType{EventRegistered}, lifecycleEvents(events))
	})
}

func TestUnknownQuery(t *testing.T) {
	c := setupTestController(t, quietOptions())
	ctx := context.Background()

	_, err := c.PauseQuery(ctx, "missing", "")
	assert.ErrorIs(t, err, ErrQueryNotFound)

	_, err = c.ResumeQuery(ctx, "missing")
	assert.ErrorIs(t, err, ErrQueryNotFound)

	_, err = c.TerminateQuery(ctx, "missing", "")
	assert.ErrorIs(t, err, ErrQueryNotFound)

	assert.ErrorIs(t, c.ChangeModel(ctx, "missing", "model-a"), ErrQueryNotFound)
	assert.ErrorIs(t, c.ChangePermissionMode(ctx, "missing", agent.PermissionModePlan), ErrQueryNotFound)

	_, err = c.GetSupportedModels(ctx, "missing")
	assert.ErrorIs(t, err, ErrQueryNotFound)

	_, err = c.GetQueryStatus("missing")
	assert.ErrorIs(t, err, ErrQueryNotFound)

	assert.ErrorIs(t, c.MarkCompleted("missing"), ErrQueryNotFound)
	assert.ErrorIs(t, c.MarkFailed("missing", errors.New("boom")), ErrQueryNotFound)
	assert.ErrorIs(t, c.UnregisterQuery("missing"), ErrQueryNotFound)
}

func TestPauseResumeTerminate(t *testing.T) {
	t.Run("should follow pause resume terminate sequence", func(t *testing.T) {
		c := setupTestController(t, quietOptions())
		ctx := context.Background()
		handle := newFakeHandle()
		require.NoError(t, c.RegisterQuery("s1", "agent-1", handle))

		events, cancel := c.Subscribe(32)
		defer cancel()

		paused, err := c.PauseQuery(ctx, "s1", "operator request")
		require.NoError(t, err)
		assert.True(t, paused)

		q, err := c.GetQueryStatus("s1")
		require.NoError(t, err)
		assert.Equal(t, StatusPaused, q.Status)
		assert.True(t, q.IsPaused)
		assert.NotNil(t, q.PausedAt)
		assert.Equal(t, "operator request", q.Reason)

		resumed, err := c.ResumeQuery(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, resumed)

		q, err = c.GetQueryStatus("s1")
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, q.Status)
		assert.False(t, q.IsPaused)
		assert.NotNil(t, q.ResumedAt)

		terminated, err := c.TerminateQuery(ctx, "s1", "done")
		require.NoError(t, err)
		assert.True(t, terminated)

		q, err = c.GetQueryStatus("s1")
		require.NoError(t, err)
		assert.Equal(t, StatusTerminated, q.Status)
		assert.False(t, q.CanControl)
		assert.NotNil(t, q.TerminatedAt)

		assert.Equal(t, []EventType{EventPaused, EventResumed, EventTerminated}, lifecycleEvents(events))
		assert.Equal(t, 2, handle.interruptCount())
	})

	t.Run("should not pause a paused query", func(t *testing.T) {
		c := setupTestController(t, quietOptions())
		ctx := context.Background()
		handle := newFakeHandle()
		require.NoError(t, c.RegisterQuery("s1", "agent-1", handle))

		paused, err := c.PauseQuery(ctx, "s1", "")
		require.NoError(t, err)
		require.True(t, paused)

		paused, err = c.PauseQuery(ctx, "s1", "")
		require.NoError(t, err)
		assert.False(t, paused)
		assert.Equal(t, 1, handle.interruptCount())
	})

	t.Run("should not resume a running query", func(t *testing.T) {
		c := setupTestController(t, quietOptions())
		require.NoError(t, c.RegisterQuery("s1", "agent-1", newFakeHandle()))

		resumed, err := c.ResumeQuery(context.Background(), "s1")
		require.NoError(t, err)
		assert.False(t, resumed)
	})

	t.Run("should reject pause when disabled", func(t *testing.T) {
		opts := quietOptions()
		opts.EnablePause = false
		c := setupTestController(t, opts)
		require.NoError(t, c.RegisterQuery("s1", "agent-1", newFakeHandle()))

		paused, err := c.PauseQuery(context.Background(), "s1", "")
		assert.ErrorIs(t, err, ErrPauseDisabled)
		assert.False(t, paused)
	})

	t.Run("should keep running when interrupt fails on pause", func(t *testing.T) {
		c := setupTestController(t, quietOptions())
		handle := newFakeHandle()
		handle.interruptErr = errors.New("unreachable")
		require.NoError(t, c.RegisterQuery("s1", "agent-1", handle))

		paused, err := c.PauseQuery(context.Background(), "s1", "")
		require.Error(t, err)
		assert.ErrorIs(t, err, handle.interruptErr)
		assert.False(t, paused)

		q, _ := c.GetQueryStatus("s1")
		assert.Equal(t, StatusRunning, q.Status)
	})
}

func TestTerminateQuery(t *testing.T) {
	t.Run("should emit a single terminated event", func(t *testing.T) {
		c := setupTestController(t, quietOptions())
		ctx := context.Background()
		require.NoError(t, c.RegisterQuery("s1", "agent-1", newFakeHandle()))

		var mu sync.Mutex
		count := 0
		c.On(EventTerminated, func(Event) {
			mu.Lock()
			count++
			mu.Unlock()
		})

		for i := 0; i < 3; i++ {
			terminated, err := c.TerminateQuery(ctx, "s1", "stop")
			require.NoError(t, err)
			assert.True(t, terminated)
		}

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 1, count)
	})

	t.Run("should terminate even when interrupt fails", func(t *testing.T) {
		c := setupTestController(t, quietOptions())
		handle := newFakeHandle()
		handle.interruptErr = errors.New("unreachable")
		require.NoError(t, c.RegisterQuery("s1", "agent-1", handle))

		terminated, err := c.TerminateQuery(context.Background(), "s1", "")
		require.NoError(t, err)
		assert.True(t, terminated)

		q, _ := c.GetQueryStatus("s1")
		assert.Equal(t, StatusTerminated, q.Status)
	})

	t.Run("should terminate a completed query once without interrupting", func(t *testing.T) {
		c := setupTestController(t, quietOptions())
		handle := newFakeHandle()
		require.NoError(t, c.RegisterQuery("s1", "agent-1", handle))
		require.NoError(t, c.MarkCompleted("s1"))

		events, cancel := c.Subscribe(8)
		defer cancel()

		terminated, err := c.TerminateQuery(context.Background(), "s1", "")
		require.NoError(t, err)
		assert.True(t, terminated)
		terminated, err = c.TerminateQuery(context.Background(), "s1", "")
		require.NoError(t, err)
		assert.True(t, terminated)

		assert.Equal(t, []EventType{EventTerminated}, lifecycleEvents(events))
		assert.Equal(t, 0, handle.interruptCount())
	})
}

func TestChangeModel(t *testing.T) {
	t.Run("should change model of running query", func(t *testing.T) {
		c := setupTestController(t, quietOptions())
		handle := newFakeHandle()
		require.NoError(t, c.RegisterQuery("s1", "agent-1", handle))

		events, cancel := c.Subscribe(8)
		defer cancel()

		require.NoError(t, c.ChangeModel(context.Background(), "s1", "model-b"))

		q, _ := c.GetQueryStatus("s1")
		assert.Equal(t, "model-b", q.CurrentModel)
		assert.Equal(t, "model-b", handle.currentModel())
		assert.Equal(t, []EventType{EventModelChanged}, lifecycleEvents(events))
	})

	t.Run("should fail on paused query", func(t *testing.T) {
		c := setupTestController(t, quietOptions())
		require.NoError(t, c.RegisterQuery("s1", "agent-1", newFakeHandle()))
		_, err := c.PauseQuery(context.Background(), "s1", "")
		require.NoError(t, err)

		err = c.ChangeModel(context.Background(), "s1", "model-b")
		assert.ErrorIs(t, err, ErrQueryNotRunning)
	})

	t.Run("should fail when disabled", func(t *testing.T) {
		opts := quietOptions()
		opts.EnableModelChange = false
		c := setupTestController(t, opts)
		require.NoError(t, c.RegisterQuery("s1", "agent-1", newFakeHandle()))

		assert.ErrorIs(t, c.ChangeModel(context.Background(), "s1", "model-b"), ErrModelChangeDisabled)
	})

	t.Run("should require a model", func(t *testing.T) {
		c := setupTestController(t, quietOptions())
		require.NoError(t, c.RegisterQuery("s1", "agent-1", newFakeHandle()))

		assert.Error(t, c.ChangeModel(context.Background(), "s1", " "))
	})

	t.Run("should wrap capability failure", func(t *testing.T) {
		c := setupTestController(t, quietOptions())
		handle := newFakeHandle()
		handle.setModelErr = errors.New("unknown model")
		require.NoError(t, c.RegisterQuery("s1", "agent-1", handle))

		err := c.ChangeModel(context.Background(), "s1", "model-z")
		assert.ErrorIs(t, err, handle.setModelErr)

		q, _ := c.GetQueryStatus("s1")
		assert.Empty(t, q.CurrentModel)
	})
}

func TestChangePermissionMode(t *testing.T) {
	t.Run("should change permission mode of running query", func(t *testing.T) {
		c := setupTestController(t, quietOptions())
		handle := newFakeHandle()
		require.NoError(t, c.RegisterQuery("s1", "agent-1", handle))

		events, cancel := c.Subscribe(8)
		defer cancel()

		require.NoError(t, c.ChangePermissionMode(context.Background(), "s1", agent.PermissionModePlan))

		q, _ := c.GetQueryStatus("s1")
		assert.Equal(t, agent.PermissionModePlan, q.PermissionMode)
		assert.Equal(t, []EventType{EventPermissionChanged}, lifecycleEvents(events))
	})

	t.Run("should reject invalid mode", func(t *testing.T) {
		c := setupTestController(t, quietOptions())
		require.NoError(t, c.RegisterQuery("s1", "agent-1", newFakeHandle()))

		assert.Error(t, c.ChangePermissionMode(context.Background(), "s1", agent.PermissionMode("yolo")))
	})

	t.Run("should fail when disabled", func(t *testing.T) {
		opts := quietOptions()
		opts.EnablePermissionChange = false
		c := setupTestController(t, opts)
		require.NoError(t, c.RegisterQuery("s1", "agent-1", newFakeHandle()))

		err := c.ChangePermissionMode(context.Background(), "s1", agent.PermissionModePlan)
		assert.ErrorIs(t, err, ErrPermissionChangeDisabled)
	})

	t.Run("should fail on terminated query", func(t *testing.T) {
		c := setupTestController(t, quietOptions())
		require.NoError(t, c.RegisterQuery("s1", "agent-1", newFakeHandle()))
		_, err := c.TerminateQuery(context.Background(), "s1", "")
		require.NoError(t, err)

		err = c.ChangePermissionMode(context.Background(), "s1", agent.PermissionModePlan)
		assert.ErrorIs(t, err, ErrQueryNotRunning)
	})
}

func TestGetSupportedModels(t *testing.T) {
	c := setupTestController(t, quietOptions())
	require.NoError(t, c.RegisterQuery("s1", "agent-1", newFakeHandle()))

	models, err := c.GetSupportedModels(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, models, 2)
	assert.Equal(t, "model-a", models[0].ID)
}

func TestExecuteCommand(t *testing.T) {
	c := setupTestController(t, quietOptions())
	ctx := context.Background()
	require.NoError(t, c.RegisterQuery("s1", "agent-1", newFakeHandle()))

	ok, err := c.ExecuteCommand(ctx, Command{Kind: CommandChangeModel, SessionID: "s1", Model: "model-b"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.ExecuteCommand(ctx, Command{Kind: CommandPause, SessionID: "s1"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.ExecuteCommand(ctx, Command{Kind: CommandChangePermissions, SessionID: "s1", PermissionMode: agent.PermissionModePlan})
	assert.ErrorIs(t, err, ErrQueryNotRunning)
	assert.False(t, ok)

	ok, err = c.ExecuteCommand(ctx, Command{Kind: CommandResume, SessionID: "s1"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.ExecuteCommand(ctx, Command{Kind: CommandTerminate, SessionID: "s1"})
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = c.ExecuteCommand(ctx, Command{Kind: "explode", SessionID: "s1"})
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestMarkEnded(t *testing.T) {
	t.Run("should complete a paused query", func(t *testing.T) {
		c := setupTestController(t, quietOptions())
		require.NoError(t, c.RegisterQuery("s1", "agent-1", newFakeHandle()))
		_, err := c.PauseQuery(context.Background(), "s1", "")
		require.NoError(t, err)

		require.NoError(t, c.MarkCompleted("s1"))

		q, _ := c.GetQueryStatus("s1")
		assert.Equal(t, StatusCompleted, q.Status)
		assert.False(t, q.IsPaused)
		assert.False(t, q.CanControl)
		assert.NotNil(t, q.EndedAt)
	})

	t.Run("should record failure cause", func(t *testing.T) {
		c := setupTestController(t, quietOptions())
		require.NoError(t, c.RegisterQuery("s1", "agent-1", newFakeHandle()))

		events, cancel := c.Subscribe(8)
		defer cancel()

		require.NoError(t, c.MarkFailed("s1", errors.New("stream broke")))

		q, _ := c.GetQueryStatus("s1")
		assert.Equal(t, StatusFailed, q.Status)
		assert.Equal(t, "stream broke", q.Error)
		assert.Equal(t, []EventType{EventFailed}, lifecycleEvents(events))
	})

	t.Run("should reject ending a terminal query", func(t *testing.T) {
		c := setupTestController(t, quietOptions())
		require.NoError(t, c.RegisterQuery("s1", "agent-1", newFakeHandle()))
		_, err := c.TerminateQuery(context.Background(), "s1", "")
		require.NoError(t, err)

		assert.ErrorIs(t, c.MarkCompleted("s1"), ErrInvalidTransition)
		assert.ErrorIs(t, c.MarkFailed("s1", nil), ErrInvalidTransition)
	})
}

func TestCleanup(t *testing.T) {
	c := setupTestController(t, quietOptions())
	ctx := context.Background()

	require.NoError(t, c.RegisterQuery("running", "agent-1", newFakeHandle()))
	require.NoError(t, c.RegisterQuery("completed", "agent-2", newFakeHandle()))
	require.NoError(t, c.RegisterQuery("terminated", "agent-3", newFakeHandle()))
	require.NoError(t, c.MarkCompleted("completed"))
	_, err := c.TerminateQuery(ctx, "terminated", "")
	require.NoError(t, err)

	assert.Equal(t, 0, c.Cleanup(time.Hour))
	assert.Len(t, c.GetAllQueries(), 3)

	events, cancel := c.Subscribe(8)
	defer cancel()

	assert.Equal(t, 2, c.Cleanup(0))

	queries := c.GetAllQueries()
	require.Len(t, queries, 1)
	assert.Equal(t, "running", queries[0].SessionID)
	assert.Equal(t, []EventType{EventUnregistered, EventUnregistered}, lifecycleEvents(events))
}

func TestUnregisterQuery(t *testing.T) {
	c := setupTestController(t, quietOptions())
	require.NoError(t, c.RegisterQuery("s1", "agent-1", newFakeHandle()))
	require.NoError(t, c.QueueCommand(Command{Kind: CommandPause, SessionID: "s1"}))

	require.NoError(t, c.UnregisterQuery("s1"))

	_, err := c.GetQueryStatus("s1")
	assert.ErrorIs(t, err, ErrQueryNotFound)
	assert.Empty(t, c.QueuedCommands("s1"))
	assert.ErrorIs(t, c.UnregisterQuery("s1"), ErrQueryNotFound)
}

func TestStatusTicks(t *testing.T) {
	opts := DefaultOptions()
	opts.StatusInterval = 10 * time.Millisecond
	c := setupTestController(t, opts)

	events, cancel := c.Subscribe(256)
	defer cancel()

	require.NoError(t, c.RegisterQuery("s1", "agent-1", newFakeHandle()))

	var received []Event
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				received = append(received, ev)
				if ev.Type == EventStatus {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)

	status := received[len(received)-1]
	assert.Equal(t, "s1", status.SessionID)
	assert.Equal(t, StatusRunning, status.Status)
	assert.False(t, status.IsPaused)

	_, err := c.TerminateQuery(context.Background(), "s1", "")
	require.NoError(t, err)

	var afterTerminate []EventType
	seenTerminated := false
	for len(events) > 0 {
		ev := <-events
		if seenTerminated {
			afterTerminate = append(afterTerminate, ev.Type)
		}
		if ev.Type == EventTerminated {
			seenTerminated = true
		}
	}
	require.True(t, seenTerminated)
	assert.Empty(t, afterTerminate)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, lifecycleEvents(events))
	assert.Len(t, events, 0)
}

func TestGetMetrics(t *testing.T) {
	c := setupTestController(t, quietOptions())
	ctx := context.Background()

	require.NoError(t, c.RegisterQuery("s1", "agent-1", newFakeHandle()))
	require.NoError(t, c.RegisterQuery("s2", "agent-2", newFakeHandle()))
	require.NoError(t, c.RegisterQuery("s3", "agent-3", newFakeHandle()))
	require.NoError(t, c.RegisterQuery("s4", "agent-4", newFakeHandle()))

	_, err := c.PauseQuery(ctx, "s2", "")
	require.NoError(t, err)
	_, err = c.PauseQuery(ctx, "s2", "")
	require.NoError(t, err)
	_, err = c.TerminateQuery(ctx, "s3", "")
	require.NoError(t, err)
	require.NoError(t, c.MarkFailed("s4", errors.New("boom")))
	require.NoError(t, c.QueueCommand(Command{Kind: CommandResume, SessionID: "s2"}))

	m := c.GetMetrics()
	assert.Equal(t, 4, m.TotalQueries)
	assert.Equal(t, 1, m.Running)
	assert.Equal(t, 1, m.Paused)
	assert.Equal(t, 1, m.Terminated)
	assert.Equal(t, 1, m.Failed)
	assert.Equal(t, 0, m.Completed)
	assert.Equal(t, 1, m.QueuedCommands)
	assert.Equal(t, 2, m.CommandsExecuted)
	assert.Equal(t, 1, m.CommandsRejected)
}

func TestSubscribe(t *testing.T) {
	c := setupTestController(t, quietOptions())

	events, cancel := c.Subscribe(1)
	cancel()
	cancel()

	_, ok := <-events
	assert.False(t, ok)

	require.NoError(t, c.RegisterQuery("s1", "agent-1", newFakeHandle()))
}

func TestOff(t *testing.T) {
	c := setupTestController(t, quietOptions())

	called := 0
	c.On(EventRegistered, func(Event) { called++ })
	c.Off(EventRegistered)

	require.NoError(t, c.RegisterQuery("s1", "agent-1", newFakeHandle()))
	assert.Equal(t, 0, called)
}

func TestSetOptions(t *testing.T) {
	c := setupTestController(t, quietOptions())
	require.NoError(t, c.RegisterQuery("s1", "agent-1", newFakeHandle()))

	opts := quietOptions()
	opts.EnablePause = false
	c.SetOptions(opts)

	_, err := c.PauseQuery(context.Background(), "s1", "")
	assert.ErrorIs(t, err, ErrPauseDisabled)
	assert.False(t, c.Options().EnablePause)
}

func TestCleanupSchedule(t *testing.T) {
	t.Run("should reject invalid schedule", func(t *testing.T) {
		c := setupTestController(t, quietOptions())
		assert.Error(t, c.StartCleanupSchedule("not a schedule", time.Minute))
	})

	t.Run("should remove finished queries periodically", func(t *testing.T) {
		c := setupTestController(t, quietOptions())
		require.NoError(t, c.RegisterQuery("s1", "agent-1", newFakeHandle()))
		require.NoError(t, c.MarkCompleted("s1"))

		require.NoError(t, c.StartCleanupSchedule("@every 1s", time.Nanosecond))

		assert.Eventually(t, func() bool {
			return len(c.GetAllQueries()) == 0
		}, 3*time.Second, 50*time.Millisecond)
	})
}

func TestClose(t *testing.T) {
	c := NewController(Config{Options: quietOptions(), Logger: zerolog.Nop()})
	require.NoError(t, c.RegisterQuery("s1", "agent-1", newFakeHandle()))
	events, _ := c.Subscribe(8)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.RegisterQuery("s2", "agent-2", newFakeHandle()), ErrControllerClosed)
	assert.ErrorIs(t, c.QueueCommand(Command{Kind: CommandPause, SessionID: "s1"}), ErrControllerClosed)
	assert.ErrorIs(t, c.StartCleanupSchedule("", 0), ErrControllerClosed)

	for range events {
	}
}
