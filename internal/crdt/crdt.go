// Package crdt implements an opaque CRDT replica: a text document as a
// Replicated Growable Array (RGA), exposing only merge, state-vector and
// diff to its caller. No component above this package inspects an update's
// contents; this package is the only place update bytes are given meaning.
package crdt

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/errs"
)

// ─────────────────────────────────────────────────────────────
// Operation identity
// ─────────────────────────────────────────────────────────────

// OpID globally identifies one operation: the Seq-th operation issued by
// NodeID. Two replicas never assign the same (NodeID, Seq) pair twice.
type OpID struct {
	Node string
	Seq  uint64
}

func (id OpID) zero() bool { return id.Node == "" && id.Seq == 0 }

// less orders two concurrent siblings for RGA's total order: higher Seq
// first, ties broken by NodeID ascending. This must be identical on every
// replica for convergence to hold.
func (id OpID) less(other OpID) bool {
	if id.Seq != other.Seq {
		return id.Seq > other.Seq
	}
	return id.Node < other.Node
}

// opKind distinguishes the two operation types this text CRDT supports.
type opKind uint8

const (
	kindInsert opKind = iota
	kindDelete
)

// Op is one RGA operation: either "insert Char after After" or
// "delete Target". Op is exported only for gob encoding; callers never
// construct one directly outside this package and Builder.
type Op struct {
	ID     OpID
	Kind   opKind
	After  OpID // insert only; zero value means "at the document start"
	Char   rune // insert only
	Target OpID // delete only
}

// ─────────────────────────────────────────────────────────────
// State vector
// ─────────────────────────────────────────────────────────────

// Vector maps nodeID to the highest Seq observed from that node. It is the
// compact summary state_vector(S) returns.
type Vector map[string]uint64

// Clone returns an independent copy.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Equal reports whether two vectors summarize the same observed operations.
// Convergence is defined in terms of Vector equality, not byte equality of
// encoded state.
func (v Vector) Equal(other Vector) bool {
	if len(v) != len(other) {
		return false
	}
	for k, val := range v {
		if other[k] != val {
			return false
		}
	}
	return true
}

func (v Vector) covers(id OpID) bool {
	return id.Seq <= v[id.Node]
}

// ─────────────────────────────────────────────────────────────
// State
// ─────────────────────────────────────────────────────────────

// State is one merged CRDT replica. The zero value is not valid; use Empty.
// State is not safe for concurrent use. The Room actor owning it serializes
// every call, since it alone owns current_state.
type State struct {
	log     []Op         // every applied op, in local application order
	applied map[OpID]bool // dedup set mirroring log, for O(1) idempotence checks
	order   []OpID        // materialized left-to-right sequence of insert IDs
	index   map[OpID]int  // insert ID -> position in order
	tomb    map[OpID]bool // tombstoned insert IDs
	vector  Vector
}

// Empty returns a new replica with no operations.
func Empty() *State {
	return &State{
		applied: make(map[OpID]bool),
		index:   make(map[OpID]int),
		tomb:    make(map[OpID]bool),
		vector:  make(Vector),
	}
}

// StateVector returns a compact summary of every operation this replica has
// observed.
func (s *State) StateVector() Vector {
	return s.vector.Clone()
}

// Text reconstructs the current document text by walking the materialized
// order and skipping tombstones. It exists for tests, demos, and operator
// tooling. No protocol component above crdt calls it.
func (s *State) Text() string {
	buf := make([]rune, 0, len(s.order))
	for _, id := range s.order {
		if s.tomb[id] {
			continue
		}
		buf = append(buf, s.opByID(id).Char)
	}
	return string(buf)
}

func (s *State) opByID(id OpID) Op {
	for _, op := range s.log {
		if op.ID == id {
			return op
		}
	}
	return Op{}
}

// ─────────────────────────────────────────────────────────────
// Encode / Decode
// ─────────────────────────────────────────────────────────────

// wireOps is the gob-serializable payload shared by Encode and the update
// bytes produced by client-facing editors: an ordered list of operations.
type wireOps struct {
	Ops []Op
}

// Encode serializes the full replica. The bytes are not guaranteed
// byte-identical across replicas with the same state vector (log order may
// differ); only StateVector() is compared for equality.
func (s *State) Encode() []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wireOps{Ops: s.log}); err != nil {
		// Encoding an in-memory slice of plain value types cannot fail; a
		// failure here indicates memory corruption, not something callers
		// can recover from.
		panic(fmt.Sprintf("crdt: encode: %v", err))
	}
	return buf.Bytes()
}

// Decode reconstructs a replica from bytes produced by Encode.
func Decode(data []byte) (*State, error) {
	s := Empty()
	if len(data) == 0 {
		return s, nil
	}
	var w wireOps
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrMalformedUpdate, err)
	}
	for _, op := range w.Ops {
		if _, err := s.apply(op); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrMalformedUpdate, err)
		}
	}
	return s, nil
}

// ─────────────────────────────────────────────────────────────
// Merge / Diff
// ─────────────────────────────────────────────────────────────

// Merge applies update bytes U to the replica, returning the subset of ops
// that were new (U_eff). U_eff is empty when U was fully redundant. Merge is
// all-or-nothing: a malformed update never mutates s, so a merge that
// raises ErrMalformedUpdate never corrupts the caller's current_state.
func (s *State) Merge(update []byte) ([]byte, error) {
	if len(update) == 0 {
		return nil, fmt.Errorf("%w: empty update", errs.ErrMalformedUpdate)
	}
	var w wireOps
	if err := gob.NewDecoder(bytes.NewReader(update)).Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrMalformedUpdate, err)
	}
	if len(w.Ops) == 0 {
		return nil, fmt.Errorf("%w: empty update", errs.ErrMalformedUpdate)
	}

	// Apply against a scratch copy first so a mid-batch failure (e.g. an op
	// whose dependency this replica has never seen) never leaves s
	// partially mutated.
	scratch := s.clone()
	var effective []Op
	for _, op := range w.Ops {
		applied, err := scratch.apply(op)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrMalformedUpdate, err)
		}
		if applied {
			effective = append(effective, op)
		}
	}
	*s = *scratch

	if len(effective) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wireOps{Ops: effective}); err != nil {
		panic(fmt.Sprintf("crdt: encode effective update: %v", err))
	}
	return buf.Bytes(), nil
}

// Diff returns the update containing every op in s not summarized by v.
func (s *State) Diff(v Vector) []byte {
	var missing []Op
	for _, op := range s.log {
		if !v.covers(op.ID) {
			missing = append(missing, op)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wireOps{Ops: missing}); err != nil {
		panic(fmt.Sprintf("crdt: encode diff: %v", err))
	}
	return buf.Bytes()
}

// ─────────────────────────────────────────────────────────────
// Internal apply machinery
// ─────────────────────────────────────────────────────────────

func (s *State) clone() *State {
	out := &State{
		log:     append([]Op(nil), s.log...),
		applied: make(map[OpID]bool, len(s.applied)),
		order:   append([]OpID(nil), s.order...),
		index:   make(map[OpID]int, len(s.index)),
		tomb:    make(map[OpID]bool, len(s.tomb)),
		vector:  s.vector.Clone(),
	}
	for k, v := range s.applied {
		out.applied[k] = v
	}
	for k, v := range s.index {
		out.index[k] = v
	}
	for k, v := range s.tomb {
		out.tomb[k] = v
	}
	return out
}

// apply applies a single op and returns whether it changed observable state
// (false = already seen, i.e. an idempotent no-op). An op whose dependency
// has not been observed by this replica is rejected: by construction every
// client builds new ops only on top of state the Room has already merged
// and broadcast to it (the single synchronous JOIN sync plus causally
// ordered broadcasts guarantee this), so a missing dependency means the
// update itself is malformed rather than merely out of order.
func (s *State) apply(op Op) (bool, error) {
	if s.applied[op.ID] {
		return false, nil
	}

	switch op.Kind {
	case kindInsert:
		if !op.After.zero() && !s.applied[op.After] {
			return false, fmt.Errorf("insert %v depends on unseen operation %v", op.ID, op.After)
		}
		s.insert(op)
	case kindDelete:
		if !s.applied[op.Target] {
			return false, fmt.Errorf("delete %v targets unseen operation %v", op.ID, op.Target)
		}
		s.tomb[op.Target] = true
		s.applied[op.ID] = true
		s.log = append(s.log, op)
		s.bumpVector(op.ID)
	default:
		return false, fmt.Errorf("unknown op kind %d", op.Kind)
	}
	return true, nil
}

// insert places op into s.order using the classic RGA rule: find After's
// position, then skip forward over every existing sibling inserted after the
// same parent with higher priority (per OpID.less), together with the
// inserts that descend from it, so concurrent inserts at the same position
// converge to the same total order on every replica.
func (s *State) insert(op Op) {
	pos := 0
	if !op.After.zero() {
		pos = s.index[op.After] + 1
	}
	// skipped holds the higher-priority siblings passed over so far and
	// their descendants, which sit contiguously right after them.
	skipped := make(map[OpID]bool)
	for pos < len(s.order) {
		next := s.opByID(s.order[pos])
		if next.After == op.After {
			if op.ID.less(next.ID) {
				break
			}
		} else if !skipped[next.After] {
			break
		}
		skipped[next.ID] = true
		pos++
	}

	s.order = append(s.order, OpID{})
	copy(s.order[pos+1:], s.order[pos:])
	s.order[pos] = op.ID
	for i := pos; i < len(s.order); i++ {
		s.index[s.order[i]] = i
	}

	s.applied[op.ID] = true
	s.log = append(s.log, op)
	s.bumpVector(op.ID)
}

func (s *State) bumpVector(id OpID) {
	if s.vector[id.Node] < id.Seq {
		s.vector[id.Node] = id.Seq
	}
}

// ─────────────────────────────────────────────────────────────
// Editor-facing builder
// ─────────────────────────────────────────────────────────────

// Builder accumulates local operations issued by one node and encodes them
// as update bytes ready for Merge, the client-side half of this CRDT,
// included so tests (and the dev demo) can produce real updates without a
// separate editor binding.
type Builder struct {
	node string
	seq  uint64
	ops  []Op
}

// NewBuilder creates a Builder that issues operations as nodeID, continuing
// from startSeq (0 for a fresh node identity).
func NewBuilder(nodeID string, startSeq uint64) *Builder {
	return &Builder{node: nodeID, seq: startSeq}
}

// InsertText appends ops inserting text after the given OpID (zero value =
// document start), returning the new tail OpID so callers can chain inserts.
func (b *Builder) InsertText(after OpID, text string) OpID {
	for _, r := range text {
		b.seq++
		id := OpID{Node: b.node, Seq: b.seq}
		b.ops = append(b.ops, Op{ID: id, Kind: kindInsert, After: after, Char: r})
		after = id
	}
	return after
}

// Delete tombstones the insert identified by target.
func (b *Builder) Delete(target OpID) {
	b.seq++
	b.ops = append(b.ops, Op{ID: OpID{Node: b.node, Seq: b.seq}, Kind: kindDelete, Target: target})
}

// Seq returns the builder's last issued sequence number.
func (b *Builder) Seq() uint64 { return b.seq }

// Build encodes the accumulated ops as update bytes and clears the buffer.
func (b *Builder) Build() []byte {
	if len(b.ops) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wireOps{Ops: b.ops}); err != nil {
		panic(fmt.Sprintf("crdt: encode builder ops: %v", err))
	}
	b.ops = nil
	return buf.Bytes()
}
