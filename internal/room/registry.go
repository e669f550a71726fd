package room

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/config"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/logging"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/metrics"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/repository"
)

// Registry maps doc_id to a live Room, creating one lazily on first access
// and sweeping idle ones. All table mutation (insert-on-create,
// delete-on-destroy) happens under mu, so a Room can never be deleted from
// the table while a GetOrCreateRoom call is resolving for the same doc_id,
// closing the "JOIN races destroy" gap.
type Registry struct {
	cfg  config.Config
	repo repository.Repository
	log  zerolog.Logger

	mu    sync.Mutex
	rooms map[string]*Room

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// NewRegistry constructs a Registry. Call StartSweep to begin idle eviction.
func NewRegistry(cfg config.Config, repo repository.Repository) *Registry {
	return &Registry{
		cfg:       cfg,
		repo:      repo,
		log:       logging.WithComponent("room-registry"),
		rooms:     make(map[string]*Room),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
}

// GetOrCreateRoom returns the live Room for docID, starting a fresh one
// (and its actor goroutine) if none exists yet or the resident one has been
// destroyed. The returned Room is
// reserved against concurrent eviction; callers MUST call Release once
// they are done issuing calls against it for this operation (typically:
// immediately after the paired Join/Update/etc. call returns).
func (reg *Registry) GetOrCreateRoom(docID string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rm, ok := reg.rooms[docID]
	if !ok || rm.Destroyed() {
		rm = New(docID, reg.cfg, reg.repo)
		reg.rooms[docID] = rm
		go rm.Run()
		metrics.ActiveRooms.Set(float64(len(reg.rooms)))
	}
	rm.Reserve()
	return rm
}

// StartSweep launches the background goroutine that periodically evicts
// rooms idle for longer than cfg.RoomIdleTTL, with a grace period applied
// as an extra quiet window before the first eviction attempt per room.
func (reg *Registry) StartSweep() {
	go reg.sweepLoop()
}

// StopSweep halts the sweep goroutine and waits for it to exit.
func (reg *Registry) StopSweep() {
	close(reg.stopSweep)
	<-reg.sweepDone
}

func (reg *Registry) sweepLoop() {
	defer close(reg.sweepDone)
	interval := reg.cfg.RoomIdleTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-reg.stopSweep:
			return
		case <-ticker.C:
			reg.sweepOnce()
		}
	}
}

func (reg *Registry) sweepOnce() {
	reg.mu.Lock()
	candidates := make([]*Room, 0, len(reg.rooms))
	for _, rm := range reg.rooms {
		if rm.IdleExpired(reg.cfg.RoomIdleTTL + reg.cfg.RoomCleanupGrace) {
			candidates = append(candidates, rm)
		}
	}
	// The lock stays held across TryDestroy's round trip for each
	// candidate: that round trip only touches the room's own inbox (fast,
	// in-memory), and holding the table lock is exactly what prevents a
	// concurrent GetOrCreateRoom from handing out this room between our
	// eligibility check and the table delete below.
	for _, rm := range candidates {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		destroyed, err := rm.TryDestroy(ctx, reg.cfg.RoomIdleTTL+reg.cfg.RoomCleanupGrace)
		cancel()
		if err != nil {
			reg.log.Warn().Err(err).Msg("destroy check timed out, will retry next sweep")
			continue
		}
		if destroyed {
			for docID, candidate := range reg.rooms {
				if candidate == rm {
					delete(reg.rooms, docID)
					break
				}
			}
		}
	}
	metrics.ActiveRooms.Set(float64(len(reg.rooms)))
	reg.mu.Unlock()
}

// Len reports the number of resident rooms, for tests and /health.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// Shutdown flushes every resident room's dirty state to the Repository
// before the process exits. The server's graceful-shutdown sequence calls it
// after Gateway.Shutdown.
func (reg *Registry) Shutdown(ctx context.Context) {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, rm := range reg.rooms {
		rooms = append(rooms, rm)
	}
	reg.mu.Unlock()

	for _, rm := range rooms {
		if err := rm.Flush(ctx); err != nil {
			reg.log.Error().Err(err).Msg("failed to flush room state during shutdown")
		}
	}
}
