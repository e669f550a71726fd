package room

import (
	"encoding/json"
	"time"

	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/auth"
)

// The Room actor's inbox carries exactly these message types, each with a
// reply channel where the caller needs a result. Folding every kind into
// one inbox channel, rather than one select statement per message type,
// keeps FIFO ordering across message kinds automatic: a single actor per
// room processes them strictly in order.

type joinMsg struct {
	sessionID string
	principal auth.Principal
	sink      Sink
	reply     chan joinResult
}

// JoinResult is what a successful (or failed) JOIN resolves to.
type JoinResult struct {
	Metadata   DocMetadata
	Permission auth.Permission
	StateBytes []byte
	Roster     []RosterEntry
	Err        error
}

// DocMetadata is the subset of model.Metadata a joiner needs.
type DocMetadata struct {
	Title   string
	OwnerID string
	Public  bool
}

// RosterEntry describes one currently-joined participant.
type RosterEntry struct {
	PrincipalID string
	DisplayName string
	Role        string
}

type joinResult = JoinResult

type leaveMsg struct {
	sessionID string
}

type updateMsg struct {
	sessionID string
	update    []byte
	reply     chan UpdateResult
}

// UpdateResult is what a DOCUMENT_UPDATE resolves to.
type UpdateResult struct {
	Seq uint64
	Err error
}

type cursorMsg struct {
	sessionID string
	cursor    json.RawMessage
}

type aclChangedMsg struct {
	acl map[string]auth.Permission
}

type persistDoneMsg struct {
	stateBytes []byte
	vector     []byte
	err        error
}

type snapshotDoneMsg struct {
	err error
}

// destroyCheckMsg is sent by the Registry's sweep to ask the room, from
// inside its own actor loop, whether it is still eligible for eviction.
// Routing this through the inbox (rather than reading Room fields from the
// sweep goroutine) keeps Room state single-threaded end to end.
type destroyCheckMsg struct {
	idleTTL time.Duration
	reply   chan bool
}

// flushMsg forces a synchronous, blocking persistence attempt regardless of
// backoff state, used only during graceful shutdown where there is no
// further inbox traffic to serialize against.
type flushMsg struct {
	reply chan error
}
