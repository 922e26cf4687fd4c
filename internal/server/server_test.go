package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/HerbHall/fruwatch/pkg/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type moduleList []plugin.Plugin

func (m moduleList) All() []plugin.Plugin { return m }

// stubModule is a plugin with fixed state and health.
type stubModule struct {
	info   plugin.PluginInfo
	state  plugin.State
	health plugin.HealthStatus
}

func (s *stubModule) Info() plugin.PluginInfo                         { return s.info }
func (s *stubModule) Init(context.Context, plugin.Dependencies) error { return nil }
func (s *stubModule) Start(context.Context) error                     { return nil }
func (s *stubModule) Stop(context.Context) error                      { return nil }
func (s *stubModule) Suspend()                                        {}
func (s *stubModule) Resume()                                         {}
func (s *stubModule) Restart(context.Context) error                   { return nil }
func (s *stubModule) State() plugin.State                             { return s.state }

func (s *stubModule) Health(context.Context) plugin.HealthStatus { return s.health }

func newStub(name, status string) *stubModule {
	return &stubModule{
		info:   plugin.PluginInfo{Name: name, Version: "0.1.0", Description: name + " module", Roles: []string{"sensor"}},
		state:  plugin.StateRunning,
		health: plugin.HealthStatus{Status: status, Message: status + " message"},
	}
}

func newTestServer(ready ReadinessChecker, modules ...plugin.Plugin) *Server {
	return New(Config{Addr: "127.0.0.1:0"}, moduleList(modules), zap.NewNop(), ready)
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, http.NoBody))
	return w
}

func TestHealthz(t *testing.T) {
	w := get(t, newTestServer(nil), "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"alive"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Fruwatch-Version"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name      string
		ready     ReadinessChecker
		modules   []plugin.Plugin
		wantCode  int
		wantError string
	}{
		{"no checks", nil, nil, http.StatusOK, ""},
		{"healthy modules", nil, []plugin.Plugin{newStub("psu-sensor", "healthy"), newStub("egress", "degraded")}, http.StatusOK, ""},
		{"unhealthy module", nil, []plugin.Plugin{newStub("egress", "unhealthy")}, http.StatusServiceUnavailable, "egress: unhealthy message"},
		{"checker fails", func(context.Context) error { return errors.New("database unreachable") }, nil, http.StatusServiceUnavailable, "database unreachable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(t, newTestServer(tt.ready, tt.modules...), "/readyz")
			assert.Equal(t, tt.wantCode, w.Code)

			var body map[string]string
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			if tt.wantError == "" {
				assert.Equal(t, "ready", body["status"])
				return
			}
			assert.Equal(t, "not ready", body["status"])
			assert.Contains(t, body["error"], tt.wantError)
		})
	}
}

func TestHealth(t *testing.T) {
	w := get(t, newTestServer(nil), "/api/v1/health")
	require.Equal(t, http.StatusOK, w.Code)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "fruwatch", body.Service)
	assert.NotEmpty(t, body.Version["version"])
}

func TestModules(t *testing.T) {
	psu := newStub("psu-sensor", "healthy")
	psu.state = plugin.StateSuspended
	srv := newTestServer(nil, psu, newStub("egress", "degraded"))

	w := get(t, srv, "/api/v1/modules")
	require.Equal(t, http.StatusOK, w.Code)

	var body []ModuleResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Len(t, body, 2)
	assert.Equal(t, "psu-sensor", body[0].Name)
	assert.Equal(t, "suspended", body[0].State)
	require.NotNil(t, body[1].Health)
	assert.Equal(t, "degraded", body[1].Health.Status)
}

func TestModule_ByName(t *testing.T) {
	srv := newTestServer(nil, newStub("psu-sensor", "healthy"))

	w := get(t, srv, "/api/v1/modules/psu-sensor")
	require.Equal(t, http.StatusOK, w.Code)
	var body ModuleResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "running", body.State)

	w = get(t, srv, "/api/v1/modules/ghost")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
}

func TestMetrics(t *testing.T) {
	srv := newTestServer(nil)
	get(t, srv, "/healthz")

	w := get(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "go_goroutines"))
	assert.Contains(t, body, `fruwatch_http_requests_total{method="GET",path="GET /healthz",status="200"}`)
}
