package room

import "github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/auth"
import "github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/errs"

// Sink is how a Room talks back to the Session sitting on the other end of
// a Participant, without the Room knowing anything about WebSockets or
// JSON. A Session exclusively owns its own socket and outbound queue;
// every other component reaches it only through this non-blocking
// interface.
type Sink interface {
	// SessionID identifies the session this sink delivers to.
	SessionID() string

	// Enqueue hands frame (one of the protocol.*Out structs) to the
	// session's outbound queue. It never blocks: it returns false if the
	// queue is full, in which case the session closes itself as a slow
	// consumer and its closing sends the Room a LEAVE. The Room does not act
	// on the return value.
	Enqueue(frame any) bool

	// Evicted tells the session it has been removed from the Room's
	// participant set for a reason other than its own LEAVE request (ACL
	// revocation, fatal room error). The session updates its phase back to
	// AUTHENTICATED without closing the socket.
	Evicted(code errs.Code, reason string)

	// PermissionChanged updates the session's cached effective permission
	// after an ACL_CHANGED recomputation that leaves the participant joined.
	PermissionChanged(perm auth.Permission)

	// Close forcibly closes the session's socket with the given reason.
	Close(code errs.Code)
}
