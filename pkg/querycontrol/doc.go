// Package querycontrol tracks forked sessions at runtime and applies control
// commands to them: pause, resume, terminate, model and permission changes.
//
// Sessions are registered by whoever observes the fork (usually a handler on
// the executor's session.forked event) and reported finished through
// MarkCompleted or MarkFailed.
//
//	ctrl := querycontrol.NewController(querycontrol.Config{
//		Options: querycontrol.DefaultOptions(),
//		Logger:  logger,
//	})
//	defer ctrl.Close()
//
//	_ = ctrl.RegisterQuery(sessionID, agentID, handle)
//	_, _ = ctrl.PauseQuery(ctx, sessionID, "operator request")
//
// Commands can also be queued per session and drained later with
// ProcessQueuedCommands; drains of one session are serialized on a
// commandqueue lane.
package querycontrol
