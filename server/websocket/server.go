// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket streams operator events to connected dashboards.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxc2/events"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	defaultBufSize = 64
)

var _ events.Sink = (*Server)(nil)

type Config struct {
	Address         string
	Path            string
	Deployment      string
	ClientBuffer    int
	ShutdownTimeout time.Duration
}

// Server is an events.Sink that fans events out to websocket clients.
// Clients narrow the feed with the "types" (comma separated) and
// "destination" (glob) query parameters.
type Server struct {
	config   Config
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	ws          *websocket.Conn
	send        chan []byte
	types       map[string]bool
	destination string
	closeOnce   sync.Once
	done        chan struct{}
}

func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/events"
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = defaultBufSize
	}

	s := &Server{
		config:  cfg,
		logger:  logger,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:    cfg.Address,
		Handler: mux,
	}

	return s
}

// Handler returns the HTTP handler serving the feed.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("event_feed_starting",
		slog.String("addr", s.config.Address),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("event_feed_shutdown_initiated")
		s.closeAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("event_feed_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("event_feed_stopped")
		return nil
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Notify sends ev to every interested client. Clients that cannot keep up
// are disconnected.
func (s *Server) Notify(_ context.Context, ev events.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.clients) == 0 {
		return nil
	}

	payload, err := json.Marshal(ev.Wrap(s.config.Deployment))
	if err != nil {
		return err
	}

	for c := range s.clients {
		if !c.wants(ev) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			s.logger.Warn("event_feed_client_too_slow", slog.String("remote_addr", c.ws.RemoteAddr().String()))
			c.close()
		}
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dest := q.Get("destination")
	if dest != "" {
		if _, err := path.Match(dest, ""); err != nil {
			http.Error(w, "invalid destination pattern", http.StatusBadRequest)
			return
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		ws:          ws,
		send:        make(chan []byte, s.config.ClientBuffer),
		types:       parseTypes(q.Get("types")),
		destination: dest,
		done:        make(chan struct{}),
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	s.logger.Debug("event_feed_client_connected", slog.String("remote_addr", r.RemoteAddr))

	go s.writeLoop(c)
	s.readLoop(c)
}

// readLoop discards client frames and detects disconnects.
func (s *Server) readLoop(c *client) {
	defer s.remove(c)

	c.ws.SetReadLimit(512)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.close()
		delete(s.clients, c)
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *client) wants(ev events.Event) bool {
	if len(c.types) > 0 && !c.types[ev.Type()] {
		return false
	}
	if c.destination == "" {
		return true
	}
	ok, _ := path.Match(c.destination, ev.Destination())
	return ok
}

func parseTypes(raw string) map[string]bool {
	types := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[t] = true
		}
	}
	return types
}
