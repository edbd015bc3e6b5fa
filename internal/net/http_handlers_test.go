package net

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	server "dndemicube/server"
	"dndemicube/server/internal/net/proto"
	"dndemicube/server/internal/observability"
	"dndemicube/server/internal/session"
)

func newTestHandler(t *testing.T, obs observability.Config) (http.Handler, *server.Hub) {
	t.Helper()
	engine := session.NewEngine(session.Config{FogCellSize: 10}, session.Deps{})
	loop := session.NewLoop(engine, session.LoopConfig{}, session.LoopHooks{})
	hub := server.NewHub(loop, session.LoopHooks{}, server.Config{}, server.Deps{})
	return NewHTTPHandler(hub, HTTPHandlerConfig{FrameRate: 30, Observability: obs}), hub
}

func TestHealth(t *testing.T) {
	handler, _ := newTestHandler(t, observability.Config{})
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "ok", resp.Body.String())
}

func TestDiagnostics(t *testing.T) {
	handler, hub := newTestHandler(t, observability.Config{})
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/diagnostics", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "application/json", resp.Header().Get("Content-Type"))

	var payload struct {
		Status    string             `json:"status"`
		FrameRate int                `json:"frameRate"`
		Hub       server.Diagnostics `json:"hub"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	assert.Equal(t, "ok", payload.Status)
	assert.Equal(t, 30, payload.FrameRate)
	assert.Equal(t, hub.Version(), payload.Hub.Version)
	assert.Empty(t, payload.Hub.Subscribers)
}

func TestKeyframeEndpoints(t *testing.T) {
	handler, _ := newTestHandler(t, observability.Config{})

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/keyframes/latest", nil))
	assert.Equal(t, http.StatusNotFound, resp.Code, "nothing recorded before the first frame")

	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/keyframes/0", nil))
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/keyframes/abc", nil))
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestKeyframeServedAfterFrame(t *testing.T) {
	engine := session.NewEngine(session.Config{FogCellSize: 10}, session.Deps{})
	loop := session.NewLoop(engine, session.LoopConfig{}, session.LoopHooks{})
	hub := server.NewHub(loop, session.LoopHooks{}, server.Config{KeyframeInterval: 1}, server.Deps{})
	handler := NewHTTPHandler(hub, HTTPHandlerConfig{})

	loop.Enqueue(session.Command{Type: session.CommandSelectMap, Map: &session.MapCommand{Path: "maps/a.png", Width: 100, Height: 50}})
	result := hub.Step(time.Now())
	require.Len(t, result.Outcomes, 1)
	require.NoError(t, result.Outcomes[0].Err)

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/keyframes/latest?role=dm", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	var frame proto.Keyframe
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &frame))
	assert.Equal(t, proto.TypeKeyframe, frame.Type)
	require.NotNil(t, frame.Scene.Map)
	assert.Equal(t, "maps/a.png", frame.Scene.Map.AssetPath)
}

func TestPprofMountedOnlyWhenEnabled(t *testing.T) {
	handler, _ := newTestHandler(t, observability.Config{})
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/debug/pprof/cmdline", nil))
	assert.Equal(t, http.StatusNotFound, resp.Code)

	handler, _ = newTestHandler(t, observability.Config{EnablePprofTrace: true})
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/debug/pprof/cmdline", nil))
	assert.Equal(t, http.StatusOK, resp.Code)
}
