// Package room implements the Room actor and its Registry: a
// single-goroutine-per-document state machine that owns a document's live
// CRDT replica, its participant set, and the cadence of persistence. No
// other package ever touches a crdt.State directly.
package room

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/auth"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/config"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/crdt"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/errs"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/logging"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/metrics"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/model"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/protocol"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/repository"
	"golang.org/x/time/rate"
)

// lifecycle mirrors the Room state machine: EMPTY -> LOADING -> ACTIVE <-> IDLE -> DESTROYED.
type lifecycle int

const (
	lcEmpty lifecycle = iota
	lcLoading
	lcActive
	lcIdle
	lcDestroyed
)

// participant is a joined Session's view into this Room.
type participant struct {
	sessionID   string
	principal   auth.Principal
	sink        Sink
	permission  auth.Permission
	cursor      []byte
	joinedAt    time.Time
	cursorLimit *rate.Limiter
}

// Room is the actor owning one document's live state. Every field below
// this comment is touched only from run's goroutine; cross-goroutine
// readers (the Registry's sweep) use the atomic snapshot fields instead.
type Room struct {
	docID string
	cfg   config.Config
	repo  repository.Repository
	log   zerolog.Logger

	inbox chan any

	lifecycle    lifecycle
	metadata     model.Metadata
	acl          model.ACL
	state        *crdt.State
	participants map[string]*participant

	dirty              bool
	updateSeq          uint64
	updatesSinceSnap   int
	lastSnapshotAt     time.Time
	idleSince          time.Time
	persistBackoff     time.Duration
	nextPersistAttempt time.Time
	persisting         bool
	snapshotting       bool

	// Cross-goroutine-readable atomics. participantCount, dirtyFlag and
	// idleSinceNano mirror actor state and are refreshed after every message
	// and tick; pendingJoins is counted by Reserve/Release; destroyedFlag is
	// set when Run exits.
	participantCount int32
	dirtyFlag        int32
	idleSinceNano    int64
	pendingJoins     int32
	destroyedFlag    int32

	done chan struct{}
}

// New constructs a Room in state EMPTY. The caller (Registry) is
// responsible for calling Run in its own goroutine.
func New(docID string, cfg config.Config, repo repository.Repository) *Room {
	return &Room{
		docID:          docID,
		cfg:            cfg,
		repo:           repo,
		log:            logging.WithComponent("room").With().Str("doc_id", docID).Logger(),
		inbox:          make(chan any, 256),
		lifecycle:      lcEmpty,
		participants:   make(map[string]*participant),
		persistBackoff: cfg.PersistInterval,
		done:           make(chan struct{}),
	}
}

// Reserve marks that a JOIN is in flight against this room, so the
// Registry's sweep will not evict it out from under the caller between
// GetOrCreateRoom returning and Join actually being called. Release must be
// called exactly once after Join completes (including on failure).
func (r *Room) Reserve() { atomic.AddInt32(&r.pendingJoins, 1) }

// Release pairs with Reserve.
func (r *Room) Release() { atomic.AddInt32(&r.pendingJoins, -1) }

// Destroyed reports whether the room's actor loop has exited.
func (r *Room) Destroyed() bool { return atomic.LoadInt32(&r.destroyedFlag) == 1 }

// IdleExpired reports, without touching actor-owned state, whether this
// room looks eligible for eviction. The Registry uses this as a cheap
// pre-filter before paying for the destroyCheckMsg round trip.
func (r *Room) IdleExpired(ttl time.Duration) bool {
	if r.Destroyed() {
		return false
	}
	if atomic.LoadInt32(&r.pendingJoins) != 0 {
		return false
	}
	if atomic.LoadInt32(&r.participantCount) != 0 {
		return false
	}
	if atomic.LoadInt32(&r.dirtyFlag) != 0 {
		return false
	}
	idleSince := atomic.LoadInt64(&r.idleSinceNano)
	if idleSince == 0 {
		return false
	}
	return time.Since(time.Unix(0, idleSince)) >= ttl
}

// Run is the actor's main loop. It returns once the room is destroyed: by
// TryDestroy, by a failed first-JOIN load, or by a panic in a handler, which
// is recovered and logged so it ends only this room, not the process.
func (r *Room) Run() {
	ticker := time.NewTicker(r.cfg.PersistInterval)
	defer ticker.Stop()
	defer close(r.done)
	defer atomic.StoreInt32(&r.destroyedFlag, 1)
	defer func() {
		if rec := recover(); rec != nil {
			r.lifecycle = lcDestroyed
			r.log.Error().Interface("panic", rec).Msg("room actor panicked, room destroyed")
		}
	}()

	for {
		select {
		case msg := <-r.inbox:
			if !r.handle(msg) {
				return
			}
		case <-ticker.C:
			r.handleTick()
			r.syncSnapshot()
		}
	}
}

func (r *Room) handle(msg any) bool {
	switch m := msg.(type) {
	case joinMsg:
		r.handleJoin(m)
	case leaveMsg:
		r.handleLeave(m)
	case updateMsg:
		r.handleUpdate(m)
	case cursorMsg:
		r.handleCursor(m)
	case aclChangedMsg:
		r.handleACLChanged(m)
	case persistDoneMsg:
		r.handlePersistDone(m)
	case snapshotDoneMsg:
		r.handleSnapshotDone(m)
	case destroyCheckMsg:
		if r.tryDestroyLocked(m.idleTTL) {
			m.reply <- true
			r.syncSnapshot()
			return false
		}
		m.reply <- false
	case flushMsg:
		m.reply <- r.flushSync()
	default:
		r.log.Warn().Msgf("room: unknown inbox message %T", msg)
	}
	r.syncSnapshot()
	return r.lifecycle != lcDestroyed
}

// tryDestroyLocked re-validates eviction eligibility from inside the actor
// (where participants/dirty/idleSince are safe to read directly) and, if
// still eligible, marks the room for exit. A room with any participant left
// is never eligible.
func (r *Room) tryDestroyLocked(ttl time.Duration) bool {
	if len(r.participants) != 0 || r.dirty {
		return false
	}
	if r.idleSince.IsZero() || time.Since(r.idleSince) < ttl {
		return false
	}
	r.lifecycle = lcDestroyed
	return true
}

func (r *Room) syncSnapshot() {
	atomic.StoreInt32(&r.participantCount, int32(len(r.participants)))
	if r.dirty {
		atomic.StoreInt32(&r.dirtyFlag, 1)
	} else {
		atomic.StoreInt32(&r.dirtyFlag, 0)
	}
	if r.idleSince.IsZero() {
		atomic.StoreInt64(&r.idleSinceNano, 0)
	} else {
		atomic.StoreInt64(&r.idleSinceNano, r.idleSince.UnixNano())
	}
}

// ── JOIN ────────────────────────────────────────────────────────────────

func (r *Room) handleJoin(m joinMsg) {
	if r.lifecycle == lcEmpty {
		r.lifecycle = lcLoading
		if err := r.loadFromRepository(); err != nil {
			// No participant has been admitted yet at this point (this is
			// the room's first JOIN), so there is nothing to eject, just
			// fail this caller; the Registry replaces the destroyed room
			// on the next GetOrCreateRoom for this doc_id.
			m.reply <- JoinResult{Err: err}
			r.lifecycle = lcDestroyed
			return
		}
		r.lifecycle = lcActive
	}

	if existing, ok := r.participants[m.sessionID]; ok {
		m.reply <- r.joinResponseFor(existing.permission)
		return
	}

	perm := model.Effective(r.metadata, r.acl, m.principal.ID)
	if perm == auth.PermissionNone {
		m.reply <- JoinResult{Err: fmt.Errorf("%w", errs.ErrPermissionDenied)}
		return
	}

	p := &participant{
		sessionID:   m.sessionID,
		principal:   m.principal,
		sink:        m.sink,
		permission:  perm,
		joinedAt:    time.Now(),
		cursorLimit: cursorLimiter(r.cfg.CursorRateHz),
	}
	r.participants[m.sessionID] = p
	r.idleSince = time.Time{}
	r.lifecycle = lcActive

	for _, other := range r.participants {
		if other.sessionID == p.sessionID {
			continue
		}
		other.sink.Enqueue(protocol.UserJoinedOut{
			Type:       protocol.TypeUserJoined,
			DocumentID: r.docID,
			Principal: protocol.UserSummary{
				PrincipalID: p.principal.ID,
				DisplayName: p.principal.DisplayName,
				Role:        string(p.principal.Role),
			},
		})
	}

	m.reply <- r.joinResponseFor(perm)
}

func (r *Room) joinResponseFor(perm auth.Permission) JoinResult {
	roster := make([]RosterEntry, 0, len(r.participants))
	for _, p := range r.participants {
		roster = append(roster, RosterEntry{
			PrincipalID: p.principal.ID,
			DisplayName: p.principal.DisplayName,
			Role:        string(p.principal.Role),
		})
	}
	return JoinResult{
		Metadata: DocMetadata{
			Title:   r.metadata.Title,
			OwnerID: r.metadata.OwnerID,
			Public:  r.metadata.Public,
		},
		Permission: perm,
		StateBytes: r.state.Encode(),
		Roster:     roster,
	}
}

func (r *Room) loadFromRepository() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec, err := r.repo.Load(ctx, r.docID)
	if err != nil {
		return err
	}
	state, err := crdt.Decode(rec.StateBytes)
	if err != nil {
		return err
	}
	r.metadata = rec.Metadata
	r.acl = rec.ACL
	if r.acl == nil {
		r.acl = model.ACL{}
	}
	r.state = state
	return nil
}

func cursorLimiter(hz float64) *rate.Limiter {
	if hz <= 0 {
		hz = 30
	}
	return rate.NewLimiter(rate.Limit(hz), 1)
}

// ── LEAVE ───────────────────────────────────────────────────────────────

func (r *Room) handleLeave(m leaveMsg) {
	p, ok := r.participants[m.sessionID]
	if !ok {
		return
	}
	delete(r.participants, m.sessionID)
	for _, other := range r.participants {
		other.sink.Enqueue(protocol.UserLeftOut{
			Type:        protocol.TypeUserLeft,
			DocumentID:  r.docID,
			PrincipalID: p.principal.ID,
		})
	}
	if len(r.participants) == 0 {
		r.idleSince = time.Now()
		r.lifecycle = lcIdle
	}
}

// ── DOCUMENT_UPDATE ─────────────────────────────────────────────────────

func (r *Room) handleUpdate(m updateMsg) {
	p, ok := r.participants[m.sessionID]
	if !ok {
		m.reply <- UpdateResult{Err: errs.ErrRoomDestroyed}
		return
	}
	if p.permission != auth.PermissionWrite {
		metrics.UpdatesRejected.WithLabelValues("permission").Inc()
		m.reply <- UpdateResult{Err: errs.ErrPermissionDenied}
		return
	}
	if len(m.update) == 0 {
		metrics.UpdatesRejected.WithLabelValues("malformed").Inc()
		m.reply <- UpdateResult{Err: errs.ErrMalformedUpdate}
		return
	}

	effective, err := r.state.Merge(m.update)
	if err != nil {
		metrics.UpdatesRejected.WithLabelValues("malformed").Inc()
		m.reply <- UpdateResult{Err: err}
		return
	}

	metrics.UpdatesMerged.WithLabelValues(r.docID).Inc()
	if len(effective) == 0 {
		// Fully redundant update: ack with the current seq, nothing to broadcast.
		m.reply <- UpdateResult{Seq: r.updateSeq}
		return
	}

	r.dirty = true
	r.updatesSinceSnap++
	r.updateSeq++
	seq := r.updateSeq
	m.reply <- UpdateResult{Seq: seq}

	for _, other := range r.participants {
		if other.sessionID == m.sessionID {
			continue
		}
		other.sink.Enqueue(protocol.DocumentUpdateOut{
			Type:            protocol.TypeDocumentUpdateOut,
			DocumentID:      r.docID,
			OriginPrincipal: p.principal.ID,
			Update:          effective,
			Seq:             seq,
		})
	}
}

// ── CURSOR_UPDATE ───────────────────────────────────────────────────────

func (r *Room) handleCursor(m cursorMsg) {
	p, ok := r.participants[m.sessionID]
	if !ok {
		return
	}
	p.cursor = m.cursor
	if !p.cursorLimit.Allow() {
		return // coalesced: latest position is retained, broadcast throttled
	}
	for _, other := range r.participants {
		if other.sessionID == m.sessionID {
			continue
		}
		other.sink.Enqueue(protocol.CursorUpdateOut{
			Type:        protocol.TypeCursorUpdateOut,
			DocumentID:  r.docID,
			PrincipalID: p.principal.ID,
			Cursor:      m.cursor,
		})
	}
}

// ── ACL_CHANGED ─────────────────────────────────────────────────────────

func (r *Room) handleACLChanged(m aclChangedMsg) {
	r.acl = model.ACL(m.acl)
	for sessionID, p := range r.participants {
		newPerm := model.Effective(r.metadata, r.acl, p.principal.ID)
		if newPerm == auth.PermissionNone {
			delete(r.participants, sessionID)
			p.sink.Evicted(errs.CodeInsufficientPermission, "access revoked")
			p.sink.Enqueue(protocol.AccessRevokedOut{
				Type:       protocol.TypeAccessRevoked,
				DocumentID: r.docID,
				Reason:     "acl_changed",
			})
			continue
		}
		if newPerm != p.permission {
			p.permission = newPerm
			p.sink.PermissionChanged(newPerm)
		}
	}
	if len(r.participants) == 0 {
		r.idleSince = time.Now()
		r.lifecycle = lcIdle
	}
}

// ── Persistence cadence ─────────────────────────────────────────────────

func (r *Room) handleTick() {
	if r.lifecycle == lcDestroyed {
		return
	}
	if len(r.participants) == 0 && r.idleSince.IsZero() {
		r.idleSince = time.Now()
	}
	if !r.dirty || r.persisting {
		return
	}
	if time.Now().Before(r.nextPersistAttempt) {
		return
	}
	r.attemptPersist()
}

func (r *Room) attemptPersist() {
	r.persisting = true
	stateBytes := r.state.Encode()
	vectorBytes := encodeVector(r.state.StateVector())
	docID := r.docID
	repo := r.repo
	inbox := r.inbox

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := repo.SaveState(ctx, docID, stateBytes, vectorBytes)
		inbox <- persistDoneMsg{stateBytes: stateBytes, vector: vectorBytes, err: err}
	}()
}

func (r *Room) handlePersistDone(m persistDoneMsg) {
	r.persisting = false
	if m.err != nil {
		metrics.PersistFailures.WithLabelValues(r.docID).Inc()
		r.persistBackoff *= 2
		if r.persistBackoff > 60*time.Second {
			r.persistBackoff = 60 * time.Second
		}
		r.nextPersistAttempt = time.Now().Add(r.persistBackoff)
		r.log.Warn().Err(m.err).Dur("backoff", r.persistBackoff).Msg("persist failed, backing off")
		return
	}
	r.dirty = false
	r.persistBackoff = r.cfg.PersistInterval
	r.nextPersistAttempt = time.Time{}

	timeDue := r.updatesSinceSnap > 0 && (r.lastSnapshotAt.IsZero() || time.Since(r.lastSnapshotAt) >= r.cfg.SnapshotTimeThreshold)
	due := r.updatesSinceSnap >= r.cfg.SnapshotUpdateThreshold || timeDue
	if due && !r.snapshotting {
		r.snapshotting = true
		stateBytes := m.stateBytes
		docID := r.docID
		repo := r.repo
		inbox := r.inbox
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, err := repo.Snapshot(ctx, docID, stateBytes)
			inbox <- snapshotDoneMsg{err: err}
		}()
	}
}

// flushSync persists current_state immediately and blocks the actor while
// doing so. Only called from the shutdown path, where no further inbox
// traffic needs this goroutine free.
func (r *Room) flushSync() error {
	if !r.dirty {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stateBytes := r.state.Encode()
	vectorBytes := encodeVector(r.state.StateVector())
	if err := r.repo.SaveState(ctx, r.docID, stateBytes, vectorBytes); err != nil {
		metrics.PersistFailures.WithLabelValues(r.docID).Inc()
		return err
	}
	r.dirty = false
	return nil
}

func (r *Room) handleSnapshotDone(m snapshotDoneMsg) {
	r.snapshotting = false
	if m.err != nil {
		r.log.Warn().Err(m.err).Msg("snapshot failed")
		return
	}
	r.updatesSinceSnap = 0
	r.lastSnapshotAt = time.Now()
}

// encodeVector serializes a state vector for the repository's informational
// document_state.vector column. It is never decoded back by this package,
// since current_state is always reconstructed from state_bytes via
// crdt.Decode, whose own StateVector() is authoritative. Persisting it here
// is a diagnostic convenience, not load-bearing.
func encodeVector(v crdt.Vector) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil
	}
	return buf.Bytes()
}
