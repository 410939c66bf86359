package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/fanout/pkg/agent"
	"github.com/harun/fanout/pkg/querycontrol"
)

// QueryController is the controller surface exposed over RPC
type QueryController interface {
	GetAllQueries() []querycontrol.ControlledQuery
	GetQueryStatus(sessionID string) (querycontrol.ControlledQuery, error)
	PauseQuery(ctx context.Context, sessionID, reason string) (bool, error)
	ResumeQuery(ctx context.Context, sessionID string) (bool, error)
	TerminateQuery(ctx context.Context, sessionID, reason string) (bool, error)
	ChangeModel(ctx context.Context, sessionID, model string) error
	ChangePermissionMode(ctx context.Context, sessionID string, mode agent.PermissionMode) error
	GetSupportedModels(ctx context.Context, sessionID string) ([]agent.ModelInfo, error)
	QueueCommand(cmd querycontrol.Command) error
	ProcessQueuedCommands(ctx context.Context, sessionID string) (querycontrol.DrainReport, error)
	Cleanup(olderThan time.Duration) int
	GetMetrics() querycontrol.Metrics
	Subscribe(buffer int) (<-chan querycontrol.Event, func())
}

type sessionParams struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

type changeModelParams struct {
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
}

type changePermissionsParams struct {
	SessionID      string               `json:"session_id"`
	PermissionMode agent.PermissionMode `json:"permission_mode"`
}

type cleanupParams struct {
	OlderThanMS int64 `json:"older_than_ms"`
}

// registerControllerMethods registers the query.* and controller.* methods
func (s *Server) registerControllerMethods() error {
	methods := []struct {
		name    string
		schema  string
		handler RequestHandler
	}{
		{"query.list", "", s.handleQueryList},
		{"query.status", sessionParamsSchema, s.handleQueryStatus},
		{"query.pause", sessionParamsSchema, s.handleQueryPause},
		{"query.resume", sessionParamsSchema, s.handleQueryResume},
		{"query.terminate", sessionParamsSchema, s.handleQueryTerminate},
		{"query.changeModel", changeModelParamsSchema, s.handleQueryChangeModel},
		{"query.changePermissions", changePermissionsParamsSchema, s.handleQueryChangePermissions},
		{"query.models", sessionParamsSchema, s.handleQueryModels},
		{"query.queue", queueCommandParamsSchema, s.handleQueryQueue},
		{"query.drain", sessionParamsSchema, s.handleQueryDrain},
		{"query.cleanup", cleanupParamsSchema, s.handleQueryCleanup},
		{"controller.metrics", "", s.handleControllerMetrics},
	}

	for _, m := range methods {
		var err error
		if m.schema == "" {
			err = s.router.RegisterMethod(m.name, m.handler)
		} else {
			err = s.router.RegisterMethodWithSchema(m.name, m.schema, m.handler)
		}
		if err != nil {
			return fmt.Errorf("failed to register %s: %w", m.name, err)
		}
	}
	return nil
}

func (s *Server) handleQueryList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"queries": s.controller.GetAllQueries(),
	}, nil
}

func (s *Server) handleQueryStatus(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	query, err := s.controller.GetQueryStatus(p.SessionID)
	if err != nil {
		return nil, controllerError(err)
	}
	return query, nil
}

func (s *Server) handleQueryPause(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	ok, err := s.controller.PauseQuery(ctx, p.SessionID, p.Reason)
	if err != nil {
		return nil, controllerError(err)
	}
	return map[string]interface{}{"applied": ok}, nil
}

func (s *Server) handleQueryResume(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	ok, err := s.controller.ResumeQuery(ctx, p.SessionID)
	if err != nil {
		return nil, controllerError(err)
	}
	return map[string]interface{}{"applied": ok}, nil
}

func (s *Server) handleQueryTerminate(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	ok, err := s.controller.TerminateQuery(ctx, p.SessionID, p.Reason)
	if err != nil {
		return nil, controllerError(err)
	}
	return map[string]interface{}{"applied": ok}, nil
}

func (s *Server) handleQueryChangeModel(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p changeModelParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	if err := s.controller.ChangeModel(ctx, p.SessionID, p.Model); err != nil {
		return nil, controllerError(err)
	}
	return map[string]interface{}{"applied": true, "model": p.Model}, nil
}

func (s *Server) handleQueryChangePermissions(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p changePermissionsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	if err := s.controller.ChangePermissionMode(ctx, p.SessionID, p.PermissionMode); err != nil {
		return nil, controllerError(err)
	}
	return map[string]interface{}{"applied": true, "permission_mode": p.PermissionMode}, nil
}

func (s *Server) handleQueryModels(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	models, err := s.controller.GetSupportedModels(ctx, p.SessionID)
	if err != nil {
		return nil, controllerError(err)
	}
	return map[string]interface{}{"models": models}, nil
}

func (s *Server) handleQueryQueue(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var cmd querycontrol.Command
	if err := decodeParams(params, &cmd); err != nil {
		return nil, err
	}

	if err := s.controller.QueueCommand(cmd); err != nil {
		return nil, controllerError(err)
	}
	return map[string]interface{}{"queued": true}, nil
}

func (s *Server) handleQueryDrain(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	report, err := s.controller.ProcessQueuedCommands(ctx, p.SessionID)
	if err != nil {
		return nil, controllerError(err)
	}
	return report, nil
}

func (s *Server) handleQueryCleanup(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p cleanupParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	olderThan := querycontrol.DefaultRetention
	if _, ok := params["older_than_ms"]; ok {
		olderThan = time.Duration(p.OlderThanMS) * time.Millisecond
	}

	return map[string]interface{}{"removed": s.controller.Cleanup(olderThan)}, nil
}

func (s *Server) handleControllerMetrics(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return s.controller.GetMetrics(), nil
}

// decodeParams converts schema-validated params into a typed struct
func decodeParams(params map[string]interface{}, v interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return &RPCError{Code: InvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &RPCError{Code: InvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	return nil
}

// controllerError maps controller errors onto RPC error codes
func controllerError(err error) error {
	code := InternalError
	switch {
	case errors.Is(err, querycontrol.ErrQueryNotFound):
		code = QueryNotFound
	case errors.Is(err, querycontrol.ErrPauseDisabled),
		errors.Is(err, querycontrol.ErrModelChangeDisabled),
		errors.Is(err, querycontrol.ErrPermissionChangeDisabled):
		code = CapabilityDisabled
	case errors.Is(err, querycontrol.ErrQueryNotRunning),
		errors.Is(err, querycontrol.ErrInvalidTransition):
		code = PreconditionFailed
	case errors.Is(err, querycontrol.ErrUnknownCommand):
		code = InvalidParams
	}
	return &RPCError{Code: code, Message: err.Error()}
}
