// Package gateway is the HTTP entrypoint: it accepts upgrades on a fixed
// WebSocket path, allocates a Session per socket, and tracks the live
// session table needed for graceful shutdown. It owns no domain state
// beyond that table. Every decision delegates to the Auth Service and the
// Room Registry through the Session it builds around a gorilla/websocket
// connection.
package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/auth"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/config"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/errs"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/logging"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/metrics"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/room"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/session"
)

// Gateway owns the HTTP surface: the WebSocket upgrade endpoint, and the
// liveness/metrics endpoints every service in the pack exposes alongside it.
type Gateway struct {
	cfg      config.Config
	verifier auth.Verifier
	registry *room.Registry
	log      zerolog.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session.Session
	closing  bool
}

// New wires a Gateway around an already-constructed Verifier and Registry.
func New(cfg config.Config, verifier auth.Verifier, registry *room.Registry) *Gateway {
	metrics.Register(prometheus.DefaultRegisterer)
	return &Gateway{
		cfg:      cfg,
		verifier: verifier,
		registry: registry,
		log:      logging.WithComponent("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*session.Session),
	}
}

// Mux builds the HTTP handler for the Gateway's fixed routes: the WebSocket
// upgrade endpoint plus the health and metrics endpoints the rest of the
// pack's services expose alongside their hubs.
func (g *Gateway) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", g.handleWS)
	mux.HandleFunc("/health", g.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	closing := g.closing
	g.mu.Unlock()
	if closing {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleWS upgrades the connection, allocates a Session, registers it in the
// session table, and blocks until the connection is torn down. The bearer
// token is taken only from the authenticate frame; a token in the query
// string is not read.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	closing := g.closing
	g.mu.Unlock()
	if closing {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	remote := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		remote = strings.Split(fwd, ",")[0]
	}

	sess := session.New(conn, g.cfg, g.verifier, g.registry, remote)
	g.register(sess)
	defer g.unregister(sess)

	sess.Run(r.Context())
}

func (g *Gateway) register(s *session.Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[s.SessionID()] = s
}

func (g *Gateway) unregister(s *session.Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, s.SessionID())
}

// Shutdown marks the Gateway as refusing new connections, tells every live
// session it is going away, and waits up to the configured shutdown grace
// for all of them to finish tearing down before returning. It never forces
// a socket closed itself. Each Session's own Close tears down its
// connection, so Shutdown's job is purely to fan the signal out and wait.
// The wait is an errgroup rather than a poll loop: one goroutine per
// session blocks on that session's own Done channel, and the group's
// shared context is what enforces the grace period across all of them at
// once.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.mu.Lock()
	g.closing = true
	sessions := make([]*session.Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	g.log.Info().Int("sessions", len(sessions)).Msg("notifying sessions of shutdown")
	for _, s := range sessions {
		s.Close(errs.CodeShuttingDown)
	}

	graceCtx, cancel := context.WithTimeout(ctx, g.cfg.ShutdownGrace)
	defer cancel()

	eg, egCtx := errgroup.WithContext(graceCtx)
	for _, s := range sessions {
		s := s
		eg.Go(func() error {
			select {
			case <-s.Done():
				return nil
			case <-egCtx.Done():
				return egCtx.Err()
			}
		})
	}
	if err := eg.Wait(); err != nil {
		g.log.Warn().Err(err).Int("remaining", g.Len()).Msg("shutdown grace elapsed, sessions still open")
	}
}

// Len reports the number of currently registered sessions.
func (g *Gateway) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}
