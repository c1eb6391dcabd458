package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/omar/internal/events"
	"github.com/Dicklesworthstone/omar/internal/projects"
	"github.com/Dicklesworthstone/omar/internal/registry"
	"github.com/Dicklesworthstone/omar/internal/supervisor"
	"github.com/Dicklesworthstone/omar/internal/tmux"
)

type testEnv struct {
	srv     *Server
	sup     *supervisor.Supervisor
	backend *tmux.Double
	dir     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	backend := tmux.NewDouble()
	sup, err := supervisor.New(supervisor.Config{
		DefaultCommand: "claude",
		DefaultWorkdir: dir,
		TaskDelay:      0,
		CaptureTimeout: 100 * time.Millisecond,
		StateDir:       t.TempDir(),
	}, supervisor.Deps{
		Backend: backend,
		Emitter: events.NewEventEmitter(events.NewEventBus(50), 64),
	})
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background()))
	t.Cleanup(sup.Close)

	srv := New(Config{
		Version: "test",
		Retry:   Backoff{Attempts: 3, Base: time.Millisecond, Max: 2 * time.Millisecond},
	}, sup)
	return &testEnv{srv: srv, sup: sup, backend: backend, dir: dir}
}

func (e *testEnv) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func (e *testEnv) spawn(t *testing.T, body string) SpawnResponse {
	t.Helper()
	w := e.do(t, http.MethodPost, "/agents", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp SpawnResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) APIError {
	t.Helper()
	var e APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e), w.Body.String())
	return e
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

func TestRequestIDEchoed(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", "", requestIDHeader, "abc-123<script>")
	assert.Equal(t, "abc-123script", w.Header().Get(requestIDHeader))
}

func TestSpawnCreated(t *testing.T) {
	env := newTestEnv(t)
	resp := env.spawn(t, `{"name":"w1","task":"write tests"}`)

	assert.Equal(t, "w1", resp.ID)
	assert.Equal(t, "running", resp.Status)
	assert.Equal(t, "unassigned", resp.Rule)
	assert.False(t, resp.Sandboxed)
	assert.True(t, env.backend.Has("w1"))
}

func TestSpawnDuplicateConflict(t *testing.T) {
	env := newTestEnv(t)
	env.spawn(t, `{"name":"w1","task":"a"}`)

	w := env.do(t, http.MethodPost, "/agents", `{"name":"w1","task":"b"}`)
	require.Equal(t, http.StatusConflict, w.Code)
	e := decodeError(t, w)
	assert.Equal(t, ErrCodeDuplicateID, e.Code)
	assert.Equal(t, w.Header().Get(requestIDHeader), e.RequestID)
	assert.Equal(t, 1, env.sup.Registry().Len())
}

func TestSpawnInvalidRequests(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{"name":`},
		{"unknown field", `{"name":"w","task":"t","colour":"red"}`},
		{"trailing data", `{"name":"w","task":"t"} {}`},
		{"bad role", `{"name":"w","task":"t","role":"overlord"}`},
		{"bad name", `{"name":"w:1","task":"t"}`},
		{"missing workdir", `{"name":"w","task":"t","workdir":"/does/not/exist"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/agents", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, ErrCodeInvalidRequest, decodeError(t, w).Code)
		})
	}
	assert.Equal(t, 0, env.sup.Registry().Len())
}

func TestSpawnCorrelation(t *testing.T) {
	env := newTestEnv(t)
	env.spawn(t, `{"name":"pm","task":"lead","role":"manager"}`)

	resp := env.spawn(t, `{"name":"pm-api","task":"api"}`)
	assert.Equal(t, "pm", resp.Parent)
	assert.Equal(t, "prefix", resp.Rule)

	resp = env.spawn(t, `{"name":"loner","task":"x"}`)
	assert.Equal(t, "pm", resp.Parent)
	assert.Equal(t, "sole-manager", resp.Rule)
}

func TestSpawnCallerIdentity(t *testing.T) {
	env := newTestEnv(t)
	env.spawn(t, `{"name":"alpha","task":"lead","role":"manager"}`)
	env.spawn(t, `{"name":"beta","task":"lead","role":"manager"}`)

	beta, err := env.sup.Registry().Get("beta")
	require.NoError(t, err)
	require.NotEmpty(t, beta.Token)

	w := env.do(t, http.MethodPost, "/agents", `{"name":"helper","task":"x"}`, TokenHeader, beta.Token)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp SpawnResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "beta", resp.Parent)
	assert.Equal(t, "identity", resp.Rule)

	// An unknown token is ignored rather than rejected.
	w = env.do(t, http.MethodPost, "/agents", `{"name":"other","task":"x"}`, TokenHeader, "bogus")
	require.Equal(t, http.StatusCreated, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unassigned", resp.Rule)
}

func TestListShape(t *testing.T) {
	env := newTestEnv(t)
	env.spawn(t, `{"name":"pm-a","task":"lead","role":"manager"}`)
	env.spawn(t, `{"name":"pm-b","task":"lead","role":"manager"}`)
	env.spawn(t, `{"name":"pm-a-api","task":"api"}`)
	env.spawn(t, `{"name":"stray","task":"x"}`)

	w := env.do(t, http.MethodGet, "/agents", "")
	require.Equal(t, http.StatusOK, w.Code)

	var fleet struct {
		Agents []struct {
			ID          string `json:"id"`
			Role        string `json:"role"`
			Parent      string `json:"parent"`
			Health      string `json:"health"`
			IdleSeconds int64  `json:"idleSeconds"`
			Snippet     string `json:"lastOutputSnippet"`
		} `json:"agents"`
		Counts     map[string]int `json:"counts"`
		Unassigned []string       `json:"unassigned"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fleet))
	require.Len(t, fleet.Agents, 4)
	assert.Equal(t, []string{"stray"}, fleet.Unassigned)
	assert.Equal(t, 4, fleet.Counts["working"])
	for _, key := range []string{"waitingForInput", "idle", "stuck"} {
		_, ok := fleet.Counts[key]
		assert.True(t, ok, "counts missing %s", key)
	}
	for _, a := range fleet.Agents {
		if a.ID == "pm-a-api" {
			assert.Equal(t, "pm-a", a.Parent)
			assert.Equal(t, "worker", a.Role)
		}
	}
}

func TestGetAgent(t *testing.T) {
	env := newTestEnv(t)
	env.spawn(t, `{"name":"w1"}`)
	env.backend.SetOutput("w1", "building...", "Do you want to proceed? (y/n)")

	w := env.do(t, http.MethodGet, "/agents/w1", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var d map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.Equal(t, "w1", d["id"])
	assert.Equal(t, "waitingForInput", d["health"])
	assert.Contains(t, d["outputTail"], "Do you want to proceed")
	_, leaked := d["Token"]
	assert.False(t, leaked)

	w = env.do(t, http.MethodGet, "/agents/nope", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, ErrCodeNotFound, decodeError(t, w).Code)
}

func TestKillTwice(t *testing.T) {
	env := newTestEnv(t)
	env.spawn(t, `{"name":"w1","task":"x"}`)

	w := env.do(t, http.MethodDelete, "/agents/w1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusResponse{ID: "w1", Status: "killed"}, resp)

	w = env.do(t, http.MethodDelete, "/agents/w1", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, ErrCodeNotFound, decodeError(t, w).Code)
}

func TestKillAfterServerExit(t *testing.T) {
	env := newTestEnv(t)
	env.spawn(t, `{"name":"w1"}`)
	env.backend.StopServer()

	w := env.do(t, http.MethodDelete, "/agents/w1", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, env.backend.Calls(tmux.OpKillSession), "a gone session must not be retried")

	w = env.do(t, http.MethodGet, "/agents/w1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSend(t *testing.T) {
	env := newTestEnv(t)
	env.spawn(t, `{"name":"w1"}`)

	w := env.do(t, http.MethodPost, "/agents/w1/send", `{"text":"run the tests"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"status":"sent"}`, w.Body.String())
	assert.Equal(t, []string{"run the tests"}, env.backend.Sent("w1"))

	w = env.do(t, http.MethodPost, "/agents/w1/send", `{"enter":true}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrCodeInvalidRequest, decodeError(t, w).Code)

	w = env.do(t, http.MethodPost, "/agents/ghost/send", `{"text":"hi"}`)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestReassign(t *testing.T) {
	env := newTestEnv(t)
	env.spawn(t, `{"name":"pm","task":"lead","role":"manager"}`)
	env.spawn(t, `{"name":"pm-api","task":"api"}`)
	env.spawn(t, `{"name":"pm-api-db","task":"db","parent":"pm-api"}`)

	w := env.do(t, http.MethodPost, "/agents/pm/reassign", `{"parent":"pm-api-db"}`)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, ErrCodeCycleDetected, decodeError(t, w).Code)

	w = env.do(t, http.MethodPost, "/agents/pm-api/reassign", `{"parent":"ghost"}`)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, ErrCodeUnknownParent, decodeError(t, w).Code)

	w = env.do(t, http.MethodPost, "/agents/pm-api-db/reassign", `{"parent":"pm"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	rec, err := env.sup.Registry().Get("pm-api-db")
	require.NoError(t, err)
	assert.Equal(t, "pm", rec.ParentID)

	w = env.do(t, http.MethodPost, "/agents/pm-api-db/reassign", `{}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBackendUnavailableRetried(t *testing.T) {
	env := newTestEnv(t)
	env.backend.SetError(tmux.OpNewSession, fmt.Errorf("new-session: %w", tmux.ErrBackendUnavailable))

	w := env.do(t, http.MethodPost, "/agents", `{"name":"w1","task":"x"}`)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, ErrCodeBackendUnavailable, decodeError(t, w).Code)
	assert.Equal(t, 3, env.backend.Calls(tmux.OpNewSession))
	assert.Equal(t, 0, env.sup.Registry().Len())
}

func TestPermissionDenied(t *testing.T) {
	env := newTestEnv(t)
	env.spawn(t, `{"name":"w1"}`)
	env.backend.SetError(tmux.OpSend, fmt.Errorf("send-keys: %w", tmux.ErrPermissionDenied))

	w := env.do(t, http.MethodPost, "/agents/w1/send", `{"text":"hi"}`)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, ErrCodePermissionDenied, decodeError(t, w).Code)
	assert.Equal(t, 1, env.backend.Calls(tmux.OpSend))
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", "", "Origin", "https://evil.example")
	require.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodOptions, "/agents", "", "Origin", "http://localhost:3000")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestProjects(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/projects", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"projects":[]}`, w.Body.String())

	for i, name := range []string{"Build REST API", "Set up CI/CD", "Refactor DB"} {
		w = env.do(t, http.MethodPost, "/projects", fmt.Sprintf(`{"name":%q}`, name))
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		assert.JSONEq(t, fmt.Sprintf(`{"id":%d,"name":%q}`, i+1, name), w.Body.String())
	}

	w = env.do(t, http.MethodDelete, "/projects/1", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"id":1,"name":"Build REST API","status":"completed"}`, w.Body.String())

	w = env.do(t, http.MethodGet, "/projects", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"projects":[{"id":1,"name":"Set up CI/CD"},{"id":2,"name":"Refactor DB"}]}`, w.Body.String())
}

func TestProjectsErrors(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodDelete, "/projects/1", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, ErrCodeNotFound, decodeError(t, w).Code)

	w = env.do(t, http.MethodDelete, "/projects/abc", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrCodeInvalidRequest, decodeError(t, w).Code)

	for _, body := range []string{`{"name":""}`, `{"name":"a\nb"}`, `{`, `{"name":"x","extra":1}`} {
		w = env.do(t, http.MethodPost, "/projects", body)
		require.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.Equal(t, ErrCodeInvalidRequest, decodeError(t, w).Code, body)
	}
}

func TestProjectsWithoutStateDir(t *testing.T) {
	sup, err := supervisor.New(supervisor.Config{}, supervisor.Deps{Backend: tmux.NewDouble()})
	require.NoError(t, err)
	require.Nil(t, sup.Projects())

	w := httptest.NewRecorder()
	New(Config{Version: "test"}, sup).Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/projects", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, ErrCodeNotFound, decodeError(t, w).Code)
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/nope", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, ErrCodeNotFound, decodeError(t, w).Code)

	w = env.do(t, http.MethodPut, "/agents", "")
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestRecovererReturnsJSON(t *testing.T) {
	env := newTestEnv(t)
	h := env.srv.requestIDMiddleware(env.srv.recovererMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	e := decodeError(t, w)
	assert.Equal(t, ErrCodeInternal, e.Code)
	assert.NotEmpty(t, e.RequestID)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{registry.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
		{fmt.Errorf("x: %w", tmux.ErrNotFound), http.StatusNotFound, ErrCodeNotFound},
		{registry.ErrDuplicateID, http.StatusConflict, ErrCodeDuplicateID},
		{registry.ErrCycleDetected, http.StatusConflict, ErrCodeCycleDetected},
		{registry.ErrUnknownParent, http.StatusConflict, ErrCodeUnknownParent},
		{supervisor.ErrInvalidRequest, http.StatusBadRequest, ErrCodeInvalidRequest},
		{fmt.Errorf("%w: died", supervisor.ErrSandboxLaunch), http.StatusBadGateway, ErrCodeSandboxLaunch},
		{tmux.ErrBackendUnavailable, http.StatusServiceUnavailable, ErrCodeBackendUnavailable},
		{tmux.ErrPermissionDenied, http.StatusForbidden, ErrCodePermissionDenied},
		{fmt.Errorf("%w: 9", projects.ErrNotFound), http.StatusNotFound, ErrCodeNotFound},
		{projects.ErrInvalidName, http.StatusBadRequest, ErrCodeInvalidRequest},
		{errors.New("other"), http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tt := range tests {
		status, code := classifyError(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}

func TestBackoffDo(t *testing.T) {
	b := Backoff{Attempts: 3, Base: time.Millisecond, Max: time.Millisecond}

	calls := 0
	err := b.Do(context.Background(), func() error {
		calls++
		if calls < 2 {
			return tmux.ErrBackendUnavailable
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	err = b.Do(context.Background(), func() error {
		calls++
		return registry.ErrNotFound
	})
	assert.ErrorIs(t, err, registry.ErrNotFound)
	assert.Equal(t, 1, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls = 0
	err = Backoff{Attempts: 5, Base: time.Hour}.Do(ctx, func() error {
		calls++
		return tmux.ErrBackendUnavailable
	})
	assert.ErrorIs(t, err, tmux.ErrBackendUnavailable)
	assert.Equal(t, 1, calls)
}

func TestWebSocketStreamsEvents(t *testing.T) {
	env := newTestEnv(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	url := "ws://" + ln.Addr().String() + "/ws?agent=w1"
	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		c, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 2*time.Second, 20*time.Millisecond)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.srv.Hub().ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	body := bytes.NewBufferString(`{"name":"w2","task":"x"}`)
	resp, err := http.Post("http://"+ln.Addr().String()+"/agents", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()
	body = bytes.NewBufferString(`{"name":"w1","task":"x"}`)
	resp, err = http.Post("http://"+ln.Addr().String()+"/agents", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev WSEvent
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, WSMsgEvent, ev.Type)
	assert.Equal(t, events.TypeSpawned, ev.EventType)
	assert.Equal(t, "agents:w1", ev.Topic)

	// The unassigned warning for w1 may arrive before the pong.
	require.NoError(t, conn.WriteJSON(WSMessage{Type: WSMsgPing, RequestID: "r1"}))
	for {
		_, msg, err = conn.ReadMessage()
		require.NoError(t, err)
		var reply WSReply
		require.NoError(t, json.Unmarshal(msg, &reply))
		if reply.Type == WSMsgEvent {
			continue
		}
		assert.Equal(t, WSMsgPong, reply.Type)
		assert.Equal(t, "r1", reply.RequestID)
		break
	}
}

func TestMatchTopic(t *testing.T) {
	assert.True(t, matchTopic("*", "agents:x"))
	assert.True(t, matchTopic("agents:*", "agents:x"))
	assert.True(t, matchTopic("agents:x", "agents:x"))
	assert.False(t, matchTopic("agents:x", "agents:y"))
	assert.True(t, isValidTopic("agents:pm"))
	assert.False(t, isValidTopic("sessions:pm"))
	assert.False(t, isValidTopic("agents:"))
}
