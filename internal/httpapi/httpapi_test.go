// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/callassistant/internal/bridge"
	"github.com/rapidaai/callassistant/internal/session"
	"github.com/rapidaai/callassistant/internal/summary"
	"github.com/rapidaai/callassistant/internal/telephony"
	"github.com/rapidaai/callassistant/internal/tooling"
	"github.com/rapidaai/callassistant/internal/viewer"
	"github.com/rapidaai/callassistant/internal/viewertoken"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestEngine(t *testing.T) *gin.Engine {
	t.Helper()
	store := session.NewStore(nil)
	tokens := viewertoken.New("test-secret")
	tel := telephony.New(telephony.Config{PublicURL: "https://example.test"}, store, tokens, nil)
	viewerHandler := viewer.New(store, tokens, nil)
	synth := summary.New(summary.Config{Store: store})
	assets := tooling.NewAssetRegistry(t.TempDir())
	toolPlane := tooling.New(store, tel, synth, assets, tooling.PanelDefaults{})

	return New(Deps{
		Store:        store,
		Telephony:    tel,
		Viewer:       viewerHandler,
		Tooling:      toolPlane,
		BridgeConfig: bridge.Config{Store: store},
	})
}

func TestHealthz_ReturnsOK(t *testing.T) {
	engine := newTestEngine(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadiness_ReturnsOK(t *testing.T) {
	engine := newTestEngine(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readiness", nil)
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEngine_AppliesCORSHeaders(t *testing.T) {
	engine := newTestEngine(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://widget.example")
	engine.ServeHTTP(w, req)

	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestEngine_TwilioStatusRouteIsWired(t *testing.T) {
	engine := newTestEngine(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/twilio/status?sessionId=unknown", nil)
	engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}
