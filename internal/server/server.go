package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"go.uber.org/zap"

	"awurachat-backend/internal/chat"
	"awurachat-backend/internal/presence"
)

// Server defines fields used in HTTP processing
type Server struct {
	logger        *zap.SugaredLogger
	httpServer    *http.Server
	afterShutdown []func()
}

// NewServer assembles the HTTP routes around the core components and
// returns new Server struct. Plain endpoints are wrapped with the
// enforcePostJson and log middlewares; the websocket endpoint only logs.
func NewServer(logger *zap.SugaredLogger, users userDirectory, core *chat.Service, tracker *presence.Tracker, opts ...Option) (*Server, error) {
	h := newHandler(logger, users, core, tracker)

	c := &config{
		httpServer: &http.Server{Addr: "0.0.0.0:9000"},
		handlers: map[string]http.Handler{
			"/users/add":          http.HandlerFunc(h.createUser),
			"/users/get":          http.HandlerFunc(h.userByID),
			"/messages/send":      http.HandlerFunc(h.sendMessage),
			"/messages/recent":    http.HandlerFunc(h.recentMessages),
			"/conversations/list": http.HandlerFunc(h.listConversations),
			"/conversations/read": http.HandlerFunc(h.markRead),
			"/typing/set":         http.HandlerFunc(h.setTyping),
		},
		ws: http.HandlerFunc(h.websocket),
	}

	for _, opt := range opts {
		opt.apply(c)
	}

	// middlewares and route registration come last so every option sees raw handlers
	for _, opt := range []Option{applyEnforcePostJson(), applyLog(logger.Desugar()), registerHandlers()} {
		opt.apply(c)
	}

	return &Server{
		logger:        logger,
		httpServer:    c.httpServer,
		afterShutdown: c.afterShutdown,
	}, nil
}

// Start calls ListenAndServe on http.Server instance inside Server struct
// and implements graceful shutdown via goroutine waiting for signals
func (s *Server) Start() error {
	idleConnsClosed := make(chan struct{})

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt)
		<-sigint

		s.logger.Info("Shutting down HTTP server")

		if err := s.httpServer.Shutdown(context.Background()); err != nil {
			s.logger.Errorf("srv.Shutdown: %v", err)
		}
		s.logger.Info("HTTP server is stopped")

		close(idleConnsClosed)
	}()

	s.logger.Infof("Starting HTTP server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("s.httpServer.ListenAndServe: %v", err)
	}

	<-idleConnsClosed

	for _, f := range s.afterShutdown {
		f()
	}

	return nil
}
