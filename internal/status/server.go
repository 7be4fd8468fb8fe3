// Package status exposes the operational HTTP API: a liveness probe and
// a snapshot of gateway and store state.
package status

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/caiqy/vrcguard/internal/store"
)

// Server serves the operational endpoints.
type Server struct {
	engine    *gin.Engine
	srv       *http.Server
	store     *store.Store
	connected func() bool
}

// New builds the server. connected reports gateway session liveness.
func New(listen string, st *store.Store, connected func() bool) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:    engine,
		srv:       &http.Server{Addr: listen, Handler: engine, ReadHeaderTimeout: 5 * time.Second},
		store:     st,
		connected: connected,
	}
	engine.GET("/healthz", s.health)
	engine.GET("/api/status", s.status)
	return s
}

// Start serves until Shutdown. It blocks; run it on its own goroutine.
func (s *Server) Start() error {
	log.WithField("listen", s.srv.Addr).Info("status: api listening")
	errServe := s.srv.ListenAndServe()
	if errors.Is(errServe, http.ErrServerClosed) {
		return nil
	}
	return errServe
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	bindings, groupBindings, pending, verified, errCounts := s.store.Counts(c.Request.Context())
	if errCounts != nil {
		log.WithError(errCounts).Error("status: counts failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"gateway_connected":     s.connected(),
		"bindings":              bindings,
		"group_bindings":        groupBindings,
		"pending_verifications": pending,
		"global_verifications":  verified,
	})
}
