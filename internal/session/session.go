// Package session implements the per-socket Session state machine:
// CONNECTED -> AUTHENTICATED -> JOINED(d) -> CLOSING/CLOSED. A Session
// exclusively owns its WebSocket connection and outbound queue; it is the
// only place protocol frames are marshaled or unmarshaled, with a single
// read pump and a single write pump per connection the way gorilla/websocket
// expects a connection's lifetime to be structured.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/auth"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/config"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/errs"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/logging"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/metrics"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/protocol"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/room"
)

// Phase is a Session's position in its CONNECTED -> AUTHENTICATED ->
// JOINED(d) -> CLOSING/CLOSED state machine.
type Phase int32

const (
	PhaseConnected Phase = iota
	PhaseAuthenticated
	PhaseJoined
	PhaseClosing
	PhaseClosed
)

// joinedRoom is the Room a Session is currently a participant of, plus the
// bookkeeping needed to leave it cleanly.
type joinedRoom struct {
	docID      string
	rm         *room.Room
	hasWrite   bool
}

// Session owns one WebSocket connection end to end: authentication,
// room membership, heartbeats, and a bounded outbound queue.
type Session struct {
	id         string
	conn       *websocket.Conn
	cfg        config.Config
	verifier   auth.Verifier
	registry   *room.Registry
	log        zerolog.Logger
	remoteAddr string

	phase     int32 // atomic Phase
	principal atomic.Value // auth.Principal

	mu      sync.Mutex
	current *joinedRoom

	outbound      chan []byte
	outboundBytes int64 // atomic

	updateLimiter *rate.Limiter

	closeOnce sync.Once
	closed    chan struct{}

	runDone chan struct{}
}

// New constructs a Session around an already-upgraded WebSocket connection.
// Call Run to drive it; Run blocks until the connection closes.
func New(conn *websocket.Conn, cfg config.Config, verifier auth.Verifier, registry *room.Registry, remoteAddr string) *Session {
	s := &Session{
		id:         uuid.NewString(),
		conn:       conn,
		cfg:        cfg,
		verifier:   verifier,
		registry:   registry,
		remoteAddr: remoteAddr,
		outbound:   make(chan []byte, cfg.SessionOutboundCapacity),
		closed:     make(chan struct{}),
		runDone:    make(chan struct{}),
	}
	s.log = logging.WithComponent("session").With().Str("session_id", s.id).Logger()
	if cfg.UpdateRateLimitHz > 0 {
		s.updateLimiter = rate.NewLimiter(rate.Limit(cfg.UpdateRateLimitHz), 1)
	}
	atomic.StoreInt32(&s.phase, int32(PhaseConnected))
	return s
}

func (s *Session) phaseNow() Phase { return Phase(atomic.LoadInt32(&s.phase)) }
func (s *Session) setPhase(p Phase) { atomic.StoreInt32(&s.phase, int32(p)) }

// SessionID implements room.Sink.
func (s *Session) SessionID() string { return s.id }

// Done reports when Run has fully returned: the socket is closed, any
// joined Room has received LEAVE, and the write pump has exited. Callers
// (the Gateway's shutdown fan-in) can wait on many sessions at once
// without polling each one's phase.
func (s *Session) Done() <-chan struct{} { return s.runDone }

// Enqueue implements room.Sink: marshal frame and hand it to the bounded
// outbound queue. Called from the owning Room's actor goroutine and from
// the Session's own frame handlers.
func (s *Session) Enqueue(frame any) bool {
	raw, err := json.Marshal(frame)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to marshal outbound frame")
		return false
	}
	if atomic.LoadInt64(&s.outboundBytes)+int64(len(raw)) > int64(s.cfg.SessionOutboundMaxBytes) {
		s.evictSlowConsumer()
		return false
	}
	select {
	case s.outbound <- raw:
		atomic.AddInt64(&s.outboundBytes, int64(len(raw)))
		return true
	default:
		s.evictSlowConsumer()
		return false
	}
}

func (s *Session) evictSlowConsumer() {
	metrics.SlowConsumerEvictions.Inc()
	s.Close(errs.CodeSlowConsumer)
}

// Evicted implements room.Sink: the Room removed us from its participant
// set for a reason other than our own LEAVE. Drop back to AUTHENTICATED
// without touching the socket.
func (s *Session) Evicted(code errs.Code, reason string) {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	if s.phaseNow() == PhaseJoined {
		s.setPhase(PhaseAuthenticated)
	}
}

// PermissionChanged implements room.Sink: update the cached write flag used
// to fail DOCUMENT_UPDATE fast, without a Room round trip, after an ACL
// downgrade.
func (s *Session) PermissionChanged(perm auth.Permission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.hasWrite = perm == auth.PermissionWrite
	}
}

// Close implements room.Sink: force-close the socket with a wire error code
// first, best effort. The underlying connection is closed a moment later
// so the write pump gets a chance to flush the error frame first; closing
// it is what unblocks readPump's in-flight ReadMessage call.
func (s *Session) Close(code errs.Code) {
	s.closeOnce.Do(func() {
		s.setPhase(PhaseClosing)
		raw, _ := json.Marshal(protocol.ErrorOut{Type: protocol.TypeError, Code: string(code), Message: string(code)})
		select {
		case s.outbound <- raw:
		default:
		}
		close(s.closed)
		go func() {
			time.Sleep(200 * time.Millisecond)
			s.conn.Close()
		}()
	})
}

// Run drives the Session for the lifetime of the connection: it starts the
// write pump, then reads frames until the socket closes, the auth deadline
// or the heartbeat read deadline is missed, or Close is called. A missed
// join deadline only fails that join. It always returns after the
// connection is fully torn down and any joined Room has received LEAVE.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writePump(ctx)
	}()

	s.readPump(ctx)

	s.leaveCurrentRoom()
	s.setPhase(PhaseClosed)
	s.closeOnce.Do(func() { close(s.closed) })
	cancel()
	s.conn.Close()
	wg.Wait()
	close(s.runDone)
}

func (s *Session) leaveCurrentRoom() {
	s.mu.Lock()
	cur := s.current
	s.current = nil
	s.mu.Unlock()
	if cur != nil {
		cur.rm.Leave(s.id)
	}
}

// readPump is the Session's single inbound decoding point: the session
// exclusively owns its socket. It enforces the authentication deadline and
// the heartbeat miss limit via gorilla's pong-deadline idiom; the join
// deadline is applied by onJoin.
func (s *Session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(int64(s.cfg.SessionOutboundMaxBytes))
	s.resetReadDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.resetReadDeadline()
		return nil
	})

	authDeadline := time.AfterFunc(s.cfg.AuthDeadline, func() {
		if s.phaseNow() == PhaseConnected {
			s.log.Info().Msg("authentication deadline exceeded, closing")
			s.Close(errs.CodeAuthRequired)
			s.conn.Close()
		}
	})
	defer authDeadline.Stop()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if err := s.handleFrame(ctx, data); err != nil {
			s.log.Debug().Err(err).Msg("dropping frame")
		}
		select {
		case <-s.closed:
			return
		default:
		}
	}
}

func (s *Session) resetReadDeadline() {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatInterval * time.Duration(s.cfg.HeartbeatMissLimit)))
}

// writePump is the Session's single outbound writer, and the only goroutine
// that calls conn.WriteMessage, since gorilla/websocket connections are not
// safe for concurrent writers.
func (s *Session) writePump(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			s.drainOutbound()
			return
		case raw := <-s.outbound:
			atomic.AddInt64(&s.outboundBytes, -int64(len(raw)))
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drainOutbound flushes whatever is already queued, best effort, once the
// Session starts closing.
func (s *Session) drainOutbound() {
	for {
		select {
		case raw := <-s.outbound:
			_ = s.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
			_ = s.conn.WriteMessage(websocket.TextMessage, raw)
		default:
			return
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, data []byte) error {
	typ, err := protocol.PeekType(data)
	if err != nil {
		s.sendError(errs.CodeProtocolError, "malformed frame")
		return fmt.Errorf("peek type: %w", err)
	}

	switch typ {
	case protocol.TypeAuthenticate:
		return s.onAuthenticate(data)
	case protocol.TypeJoinDocument:
		return s.onJoin(ctx, data)
	case protocol.TypeLeaveDocument:
		return s.onLeave(data)
	case protocol.TypeDocumentUpdate:
		return s.onUpdate(ctx, data)
	case protocol.TypeCursorUpdate:
		return s.onCursor(data)
	case protocol.TypePing:
		s.Enqueue(protocol.PongOut{Type: protocol.TypePong})
		return nil
	default:
		s.sendError(errs.CodeProtocolError, "unknown frame type")
		return fmt.Errorf("unknown frame type %q", typ)
	}
}

func (s *Session) sendError(code errs.Code, message string) {
	s.Enqueue(protocol.ErrorOut{Type: protocol.TypeError, Code: string(code), Message: message})
}
