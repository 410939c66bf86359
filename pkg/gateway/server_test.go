package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/fanout/pkg/agent"
	"github.com/harun/fanout/pkg/querycontrol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type stubHandle struct{}

func (stubHandle) Messages() <-chan agent.Message { return nil }
func (stubHandle) Err() error { return nil }
func (stubHandle) Interrupt(context.Context) error { return nil }
func (stubHandle) SetModel(context.Context, string) error { return nil }
func (stubHandle) SetPermissionMode(context.Context, agent.PermissionMode) error { return nil }
func (stubHandle) SupportedModels(context.Context) ([]agent.ModelInfo, error) {
	return []agent.ModelInfo{{ID: "model-a"}}, nil
}

func newTestServer(t *testing.T) (*Server, *querycontrol.Controller) {
	t.Helper()

	opts := querycontrol.DefaultOptions()
	opts.StatusInterval = time.Hour
	ctrl := querycontrol.NewController(querycontrol.Config{Options: opts, Logger: zerolog.Nop()})
	t.Cleanup(func() { ctrl.Close() })

	s, err := NewServer(Config{
		Host:         "127.0.0.1",
		Port:         0,
		SharedSecret: testSecret,
		Controller:   ctrl,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	return s, ctrl
}

func postRPC(t *testing.T, url string, req RPCRequest) RPCResponse {
	t.Helper()

	body, err := json.Marshal(req)
	require.NoError(t, err)

	httpReq, err := http.NewRequest(http.MethodPost, url+"/rpc", bytes.NewReader(body))
	require.NoError(t, err)
	httpReq.Header.Set(SecretHeader, testSecret)

	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rpcResp RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	return rpcResp
}

func TestNewServer(t *testing.T) {
	ctrl := querycontrol.NewController(querycontrol.Config{Logger: zerolog.Nop()})
	defer ctrl.Close()

	t.Run("should require shared secret", func(t *testing.T) {
		_, err := NewServer(Config{Port: 8080, Controller: ctrl})
		assert.Error(t, err)
	})

	t.Run("should require controller", func(t *testing.T) {
		_, err := NewServer(Config{Port: 8080, SharedSecret: testSecret})
		assert.Error(t, err)
	})

	t.Run("should reject invalid port", func(t *testing.T) {
		_, err := NewServer(Config{Port: -1, SharedSecret: testSecret, Controller: ctrl})
		assert.Error(t, err)
	})

	t.Run("should register controller methods", func(t *testing.T) {
		s, err := NewServer(Config{Port: 8080, SharedSecret: testSecret, Controller: ctrl})
		require.NoError(t, err)

		assert.Equal(t, []string{
			"controller.metrics",
			"query.changeModel",
			"query.changePermissions",
			"query.cleanup",
			"query.drain",
			"query.list",
			"query.models",
			"query.pause",
			"query.queue",
			"query.resume",
			"query.status",
			"query.terminate",
		}, s.Methods())
	})
}

func TestServer_HTTP(t *testing.T) {
	s, ctrl := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	require.NoError(t, ctrl.RegisterQuery("s1", "agent-1", stubHandle{}))

	t.Run("should serve healthz", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("should serve metrics", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("should reject missing secret", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/rpc", "application/json", bytes.NewReader([]byte(`{"id":"1","method":"query.list"}`)))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("should reject GET", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/rpc")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("should list queries", func(t *testing.T) {
		resp := postRPC(t, ts.URL, RPCRequest{ID: "1", Method: "query.list"})
		require.Nil(t, resp.Error)

		result := resp.Result.(map[string]interface{})
		queries := result["queries"].([]interface{})
		require.Len(t, queries, 1)
		assert.Equal(t, "s1", queries[0].(map[string]interface{})["session_id"])
	})

	t.Run("should reject invalid params", func(t *testing.T) {
		resp := postRPC(t, ts.URL, RPCRequest{ID: "2", Method: "query.pause", Params: map[string]interface{}{}})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
	})

	t.Run("should map unknown query", func(t *testing.T) {
		resp := postRPC(t, ts.URL, RPCRequest{ID: "3", Method: "query.status", Params: map[string]interface{}{"session_id": "missing"}})
		require.NotNil(t, resp.Error)
		assert.Equal(t, QueryNotFound, resp.Error.Code)
	})

	t.Run("should pause and reject model change while paused", func(t *testing.T) {
		resp := postRPC(t, ts.URL, RPCRequest{ID: "4", Method: "query.pause", Params: map[string]interface{}{"session_id": "s1", "reason": "rpc"}})
		require.Nil(t, resp.Error)
		assert.Equal(t, true, resp.Result.(map[string]interface{})["applied"])

		q, err := ctrl.GetQueryStatus("s1")
		require.NoError(t, err)
		assert.Equal(t, querycontrol.StatusPaused, q.Status)

		resp = postRPC(t, ts.URL, RPCRequest{ID: "5", Method: "query.changeModel", Params: map[string]interface{}{"session_id": "s1", "model": "model-a"}})
		require.NotNil(t, resp.Error)
		assert.Equal(t, PreconditionFailed, resp.Error.Code)
	})

	t.Run("should queue and drain commands", func(t *testing.T) {
		resp := postRPC(t, ts.URL, RPCRequest{ID: "6", Method: "query.queue", Params: map[string]interface{}{"kind": "resume", "session_id": "s1"}})
		require.Nil(t, resp.Error)

		resp = postRPC(t, ts.URL, RPCRequest{ID: "7", Method: "query.queue", Params: map[string]interface{}{"kind": "reboot", "session_id": "s1"}})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)

		resp = postRPC(t, ts.URL, RPCRequest{ID: "8", Method: "query.drain", Params: map[string]interface{}{"session_id": "s1"}})
		require.Nil(t, resp.Error)
		report := resp.Result.(map[string]interface{})
		assert.Equal(t, float64(1), report["executed"])

		q, err := ctrl.GetQueryStatus("s1")
		require.NoError(t, err)
		assert.Equal(t, querycontrol.StatusRunning, q.Status)
	})

	t.Run("should list models", func(t *testing.T) {
		resp := postRPC(t, ts.URL, RPCRequest{ID: "9", Method: "query.models", Params: map[string]interface{}{"session_id": "s1"}})
		require.Nil(t, resp.Error)
		models := resp.Result.(map[string]interface{})["models"].([]interface{})
		assert.Len(t, models, 1)
	})

	t.Run("should terminate and clean up", func(t *testing.T) {
		resp := postRPC(t, ts.URL, RPCRequest{ID: "10", Method: "query.terminate", Params: map[string]interface{}{"session_id": "s1"}})
		require.Nil(t, resp.Error)

		resp = postRPC(t, ts.URL, RPCRequest{ID: "11", Method: "query.cleanup", Params: map[string]interface{}{"older_than_ms": 0}})
		require.Nil(t, resp.Error)
		assert.Equal(t, float64(1), resp.Result.(map[string]interface{})["removed"])

		resp = postRPC(t, ts.URL, RPCRequest{ID: "12", Method: "controller.metrics"})
		require.Nil(t, resp.Error)
		assert.Equal(t, float64(0), resp.Result.(map[string]interface{})["total_queries"])
	})
}

func TestServer_WebSocket(t *testing.T) {
	s, ctrl := newTestServer(t)
	require.NoError(t, s.Start())
	defer s.Stop()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	readJSON := func(v interface{}) {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(v))
	}

	var challenge AuthChallenge
	readJSON(&challenge)
	assert.Equal(t, "auth.challenge", challenge.Event)
	require.Len(t, challenge.Challenge, 64)

	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "early", Method: "query.list"}))
	var early RPCResponse
	readJSON(&early)
	require.NotNil(t, early.Error)
	assert.Equal(t, AuthenticationRequired, early.Error.Code)

	require.NoError(t, conn.WriteJSON(AuthResponse{Method: "auth.response", Signature: Sign(testSecret, challenge.Challenge)}))
	var authResult AuthResult
	readJSON(&authResult)
	require.True(t, authResult.Success)

	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "1", Method: "controller.metrics"}))
	var metrics RPCResponse
	readJSON(&metrics)
	assert.Equal(t, "1", metrics.ID)
	assert.Nil(t, metrics.Error)

	require.NoError(t, ctrl.RegisterQuery("s1", "agent-1", stubHandle{}))

	var event EventMessage
	for {
		readJSON(&event)
		if event.Event == "query.registered" {
			break
		}
	}
	assert.Equal(t, "event", event.Type)
	assert.Equal(t, "s1", event.SessionID)
	assert.NotZero(t, event.Seq)

	infos := s.GetConnectedClients()
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Authenticated)
}
