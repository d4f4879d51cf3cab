// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package httpapi assembles the gin engine: CORS, health checks, the
// carrier media-stream upgrade endpoint, and the telephony/viewer/tooling
// route groups. Grounded on router/healthcheck.go and router/assistant.go's
// engine.Group-per-surface convention.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rapidaai/callassistant/internal/bridge"
	"github.com/rapidaai/callassistant/internal/log"
	"github.com/rapidaai/callassistant/internal/session"
	"github.com/rapidaai/callassistant/internal/telephony"
	"github.com/rapidaai/callassistant/internal/tooling"
	"github.com/rapidaai/callassistant/internal/viewer"
)

// RouteRegistrar is implemented by every surface this engine wires in.
type RouteRegistrar interface {
	RegisterRoutes(engine *gin.Engine)
}

// Deps names everything New needs to assemble the engine.
type Deps struct {
	Store        *session.Store
	Telephony    *telephony.Plane
	Viewer       *viewer.Handler
	Tooling      *tooling.Plane
	BridgeConfig bridge.Config
	Logger       log.Logger
}

// New builds the fully wired gin engine.
func New(deps Deps) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
	engine.Use(cors.New(corsCfg))

	registerHealthcheck(engine)

	deps.Telephony.RegisterRoutes(engine)
	deps.Viewer.RegisterRoutes(engine)
	deps.Tooling.RegisterRoutes(engine)

	mc := &mediaCall{store: deps.Store, bridgeConfig: deps.BridgeConfig, logger: deps.Logger}
	engine.GET("/twilio/call", mc.handle)

	return engine
}

func registerHealthcheck(engine *gin.Engine) {
	group := engine.Group("")
	group.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	group.GET("/readiness", func(c *gin.Context) { c.Status(http.StatusOK) })
}

var carrierUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// mediaCall upgrades the carrier's media-stream request and hands the
// connection to a freshly constructed Media Bridge.
type mediaCall struct {
	store        *session.Store
	bridgeConfig bridge.Config
	logger       log.Logger
}

func (m *mediaCall) handle(c *gin.Context) {
	sessionIDHint := c.Query("sessionId")

	conn, err := carrierUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if m.logger != nil {
			m.logger.Errorf("httpapi: carrier media upgrade failed: %v", err)
		}
		return
	}

	b := bridge.New(m.bridgeConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.Request.Context().Done()
		cancel()
	}()

	if err := b.Run(ctx, conn, sessionIDHint); err != nil {
		if m.logger != nil {
			m.logger.Debugf("httpapi: media bridge for session hint %q ended: %v", sessionIDHint, err)
		}
	}
}

// shutdownTimeout bounds how long graceful server shutdown waits for
// in-flight requests (and websocket upgrades) to finish.
const shutdownTimeout = 10 * time.Second

// Serve runs engine behind an *http.Server on addr until ctx is canceled,
// then shuts it down gracefully.
func Serve(ctx context.Context, addr string, engine *gin.Engine, logger log.Logger) error {
	srv := &http.Server{Addr: addr, Handler: engine}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if logger != nil {
		logger.Infof("httpapi: shutting down")
	}
	return srv.Shutdown(shutdownCtx)
}
