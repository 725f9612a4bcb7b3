package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ghiac/questmind"
	"github.com/ghiac/questmind/config"
	"github.com/ghiac/questmind/log"
	"github.com/gin-gonic/gin"
)

// shutdownTimeout bounds how long in-flight turns may finish after a stop signal
const shutdownTimeout = 30 * time.Second

// Server represents the HTTP server
type Server struct {
	config *config.Config
	qm     *questmind.QuestMind
	http   *http.Server
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.Config, qm *questmind.QuestMind) *Server {
	if cfg.HTTP.GinMode != "" {
		gin.SetMode(cfg.HTTP.GinMode)
	}
	return &Server{
		config: cfg,
		qm:     qm,
		http: &http.Server{
			Addr:              cfg.GetAddress(),
			Handler:           qm.NewRouter(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Handler returns the router served by this server
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Log.Infof("[Server] 🚀 Listening on %s", s.http.Addr)
		log.Log.Infof("[Server] Available endpoints:")
		log.Log.Infof("[Server]   POST /api/chat - Agent turn")
		log.Log.Infof("[Server]   POST /api/expense-chat - Expense extraction")
		log.Log.Infof("[Server]   POST /api/actions/execute - Direct action execution")
		log.Log.Infof("[Server]   GET  /health, /metrics")
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	log.Log.Infof("[Server] 🛑 Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
