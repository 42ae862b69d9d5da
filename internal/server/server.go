package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Server is the agent's HTTP command endpoint.
type Server struct {
	http   *http.Server
	logger *slog.Logger
}

// New builds the gin router and wraps it in an http.Server with sane
// timeouts. Nothing starts listening until Start is called.
func New(listenAddr string, api *API, apiKey string, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(recoveryMiddleware(logger))
	router.Use(loggingMiddleware(logger))
	api.RegisterRoutes(router, apiKey)

	s := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return &Server{http: s, logger: logger}
}

// Start serves until Shutdown is called. A clean shutdown is not an error.
func (s *Server) Start() error {
	s.logger.Info("command endpoint listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
