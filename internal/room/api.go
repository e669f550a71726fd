package room

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/auth"
)

// Join enqueues a JOIN request and blocks for the Room's reply. Callers must
// bracket this with Reserve/Release (the Registry's GetOrCreateRoom takes
// the reservation; the caller still calls Release) so the Registry cannot
// evict the room mid-call.
func (r *Room) Join(ctx context.Context, sessionID string, principal auth.Principal, sink Sink) (JoinResult, error) {
	reply := make(chan joinResult, 1)
	msg := joinMsg{sessionID: sessionID, principal: principal, sink: sink, reply: reply}
	select {
	case r.inbox <- msg:
	case <-ctx.Done():
		return JoinResult{}, ctx.Err()
	}
	select {
	case res := <-reply:
		return res, res.Err
	case <-ctx.Done():
		return JoinResult{}, ctx.Err()
	}
}

// Leave enqueues a LEAVE notification. It is fire-and-forget: a departing
// Session does not need to wait for the Room to process it.
func (r *Room) Leave(sessionID string) {
	msg := leaveMsg{sessionID: sessionID}
	select {
	case r.inbox <- msg:
	default:
		// Inbox full: the room is badly backed up. Deliver from a goroutine
		// so the caller still does not wait and the participant entry is
		// still removed; give up only if the room exits first.
		go func() {
			select {
			case r.inbox <- msg:
			case <-r.done:
			}
		}()
	}
}

// Update enqueues a DOCUMENT_UPDATE and blocks for its ack.
func (r *Room) Update(ctx context.Context, sessionID string, update []byte) (UpdateResult, error) {
	reply := make(chan UpdateResult, 1)
	msg := updateMsg{sessionID: sessionID, update: update, reply: reply}
	select {
	case r.inbox <- msg:
	case <-ctx.Done():
		return UpdateResult{}, ctx.Err()
	}
	select {
	case res := <-reply:
		return res, res.Err
	case <-ctx.Done():
		return UpdateResult{}, ctx.Err()
	}
}

// Cursor enqueues a CURSOR_UPDATE. Fire-and-forget: cursor broadcasts are
// best-effort and a lost one is superseded by the next.
func (r *Room) Cursor(sessionID string, cursor json.RawMessage) {
	select {
	case r.inbox <- cursorMsg{sessionID: sessionID, cursor: cursor}:
	default:
	}
}

// ACLChanged notifies the room that its document's ACL changed, triggering
// a per-participant permission recomputation.
func (r *Room) ACLChanged(acl map[string]auth.Permission) {
	select {
	case r.inbox <- aclChangedMsg{acl: acl}:
	default:
	}
}

// TryDestroy asks the room, synchronously, whether it is still idle and
// clean after idleTTL; if so the room exits its Run loop and TryDestroy
// returns true. The Registry must hold its room-table lock for the
// duration of this call (see Registry.sweep) so no JOIN can be routed to
// this room between the check and the table update.
func (r *Room) TryDestroy(ctx context.Context, idleTTL time.Duration) (bool, error) {
	reply := make(chan bool, 1)
	select {
	case r.inbox <- destroyCheckMsg{idleTTL: idleTTL, reply: reply}:
	case <-ctx.Done():
		return false, ctx.Err()
	case <-r.done:
		return true, nil // already destroyed by some other path
	}
	select {
	case ok := <-reply:
		return ok, nil
	case <-ctx.Done():
		return false, fmt.Errorf("room: destroy check timed out: %w", ctx.Err())
	case <-r.done:
		return true, nil
	}
}

// Flush forces an immediate, synchronous persistence of current_state if
// dirty. Used by Registry.Shutdown during the server's graceful shutdown so
// in-memory edits are never lost to a restart.
func (r *Room) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case r.inbox <- flushMsg{reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return nil
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return nil
	}
}

// Done is closed once the Room's actor loop has exited.
func (r *Room) Done() <-chan struct{} { return r.done }
