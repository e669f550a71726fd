package room

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/auth"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/config"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/crdt"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/errs"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/model"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/protocol"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/repository"
)

// fakeRepo is an in-memory Repository stand-in so Room tests never touch
// bbolt or a filesystem.
type fakeRepo struct {
	mu    sync.Mutex
	recs  map[string]struct {
		meta  model.Metadata
		acl   model.ACL
		state []byte
	}
	failLoad  bool
	failSave  bool
	snapshots map[string]int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		recs: make(map[string]struct {
			meta  model.Metadata
			acl   model.ACL
			state []byte
		}),
		snapshots: make(map[string]int),
	}
}

func (f *fakeRepo) Load(ctx context.Context, docID string) (repository.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLoad {
		return repository.Record{}, errs.ErrUnavailable
	}
	rec, ok := f.recs[docID]
	if !ok {
		return repository.Record{}, errs.ErrNotFound
	}
	return repository.Record{Metadata: rec.meta, ACL: rec.acl, StateBytes: rec.state}, nil
}

func (f *fakeRepo) SaveState(ctx context.Context, docID string, stateBytes, vector []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave {
		return errs.ErrUnavailable
	}
	rec := f.recs[docID]
	rec.state = stateBytes
	f.recs[docID] = rec
	return nil
}

func (f *fakeRepo) SaveMetadata(ctx context.Context, meta model.Metadata, acl model.ACL) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.recs[meta.DocID]
	rec.meta = meta
	rec.acl = acl
	f.recs[meta.DocID] = rec
	return nil
}

func (f *fakeRepo) Snapshot(ctx context.Context, docID string, stateBytes []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[docID]++
	return "snap", nil
}

func (f *fakeRepo) Close() error { return nil }

type fakeSink struct {
	mu       sync.Mutex
	id       string
	outbox   []any
	evicted  []string
	permChgs []auth.Permission
	closed   bool
}

func newFakeSink(id string) *fakeSink { return &fakeSink{id: id} }

func (s *fakeSink) SessionID() string { return s.id }

func (s *fakeSink) Enqueue(frame any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox = append(s.outbox, frame)
	return true
}

func (s *fakeSink) Evicted(code errs.Code, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evicted = append(s.evicted, reason)
}

func (s *fakeSink) PermissionChanged(perm auth.Permission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permChgs = append(s.permChgs, perm)
}

func (s *fakeSink) Close(code errs.Code) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.PersistInterval = 20 * time.Millisecond
	cfg.CursorRateHz = 1000
	return cfg
}

func newRunningRoom(t *testing.T, repo *fakeRepo, docID string) *Room {
	t.Helper()
	rm := New(docID, testConfig(), repo)
	go rm.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		rm.TryDestroy(ctx, 0)
	})
	return rm
}

func mustJoin(t *testing.T, rm *Room, sessionID, principalID string, sink Sink) JoinResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := rm.Join(ctx, sessionID, auth.Principal{ID: principalID, DisplayName: principalID, Role: auth.RoleUser}, sink)
	require.NoError(t, err)
	return res
}

func TestJoinOwnerGetsWrite(t *testing.T) {
	repo := newFakeRepo()
	repo.SaveMetadata(context.Background(), model.Metadata{DocID: "d1", OwnerID: "alice"}, model.ACL{})
	rm := newRunningRoom(t, repo, "d1")

	res := mustJoin(t, rm, "s1", "alice", newFakeSink("s1"))
	require.Equal(t, auth.PermissionWrite, res.Permission)
	require.Len(t, res.Roster, 1)
}

func TestJoinNoPermissionDenied(t *testing.T) {
	repo := newFakeRepo()
	repo.SaveMetadata(context.Background(), model.Metadata{DocID: "d1", OwnerID: "alice"}, model.ACL{})
	rm := newRunningRoom(t, repo, "d1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := rm.Join(ctx, "s2", auth.Principal{ID: "mallory"}, newFakeSink("s2"))
	require.ErrorIs(t, err, errs.ErrPermissionDenied)
}

func TestJoinDocumentNotFound(t *testing.T) {
	repo := newFakeRepo()
	rm := newRunningRoom(t, repo, "missing")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := rm.Join(ctx, "s1", auth.Principal{ID: "alice"}, newFakeSink("s1"))
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestUpdateBroadcastsToOtherParticipantsOnly(t *testing.T) {
	repo := newFakeRepo()
	repo.SaveMetadata(context.Background(), model.Metadata{DocID: "d1", OwnerID: "alice", Public: true}, model.ACL{})
	rm := newRunningRoom(t, repo, "d1")

	aliceSink := newFakeSink("s1")
	bobSink := newFakeSink("s2")
	mustJoin(t, rm, "s1", "alice", aliceSink)
	mustJoin(t, rm, "s2", "bob", bobSink)

	b := crdt.NewBuilder("alice", 0)
	b.InsertText(crdt.OpID{}, "hi")
	update := b.Build()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := rm.Update(ctx, "s1", update)
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.Seq)

	// Alice's only frame is the user-joined notice for Bob; her own update
	// is never echoed back to her.
	aliceSink.mu.Lock()
	aliceOutbox := append([]any(nil), aliceSink.outbox...)
	aliceSink.mu.Unlock()
	require.Len(t, aliceOutbox, 1, "originator should not receive its own update broadcast")
	require.IsType(t, protocol.UserJoinedOut{}, aliceOutbox[0])

	bobSink.mu.Lock()
	defer bobSink.mu.Unlock()
	require.Len(t, bobSink.outbox, 1)
}

func TestUpdateRejectsReadOnlyParticipant(t *testing.T) {
	repo := newFakeRepo()
	repo.SaveMetadata(context.Background(), model.Metadata{DocID: "d1", OwnerID: "alice", Public: true}, model.ACL{})
	rm := newRunningRoom(t, repo, "d1")
	mustJoin(t, rm, "s2", "bob", newFakeSink("s2"))

	b := crdt.NewBuilder("bob", 0)
	b.InsertText(crdt.OpID{}, "x")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := rm.Update(ctx, "s2", b.Build())
	require.ErrorIs(t, err, errs.ErrPermissionDenied)
}

func TestUpdateRejectsEmptyBytes(t *testing.T) {
	repo := newFakeRepo()
	repo.SaveMetadata(context.Background(), model.Metadata{DocID: "d1", OwnerID: "alice"}, model.ACL{})
	rm := newRunningRoom(t, repo, "d1")
	mustJoin(t, rm, "s1", "alice", newFakeSink("s1"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := rm.Update(ctx, "s1", nil)
	require.ErrorIs(t, err, errs.ErrMalformedUpdate)
}

func TestACLChangedEjectsRevokedParticipant(t *testing.T) {
	repo := newFakeRepo()
	repo.SaveMetadata(context.Background(), model.Metadata{DocID: "d1", OwnerID: "alice"}, model.ACL{"bob": auth.PermissionRead})
	rm := newRunningRoom(t, repo, "d1")
	bobSink := newFakeSink("s2")
	mustJoin(t, rm, "s2", "bob", bobSink)

	rm.ACLChanged(map[string]auth.Permission{})
	require.Eventually(t, func() bool {
		bobSink.mu.Lock()
		defer bobSink.mu.Unlock()
		return len(bobSink.evicted) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestACLChangedDowngradeNotifiesWithoutEviction(t *testing.T) {
	repo := newFakeRepo()
	repo.SaveMetadata(context.Background(), model.Metadata{DocID: "d1", OwnerID: "alice"}, model.ACL{"bob": auth.PermissionWrite})
	rm := newRunningRoom(t, repo, "d1")
	bobSink := newFakeSink("s2")
	mustJoin(t, rm, "s2", "bob", bobSink)

	rm.ACLChanged(map[string]auth.Permission{"bob": auth.PermissionRead})
	require.Eventually(t, func() bool {
		bobSink.mu.Lock()
		defer bobSink.mu.Unlock()
		return len(bobSink.permChgs) == 1 && bobSink.permChgs[0] == auth.PermissionRead
	}, time.Second, 5*time.Millisecond)
}

func TestDirtyStateGetsPersistedOnTick(t *testing.T) {
	repo := newFakeRepo()
	repo.SaveMetadata(context.Background(), model.Metadata{DocID: "d1", OwnerID: "alice"}, model.ACL{})
	rm := newRunningRoom(t, repo, "d1")
	mustJoin(t, rm, "s1", "alice", newFakeSink("s1"))

	b := crdt.NewBuilder("alice", 0)
	b.InsertText(crdt.OpID{}, "hi")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := rm.Update(ctx, "s1", b.Build())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return repo.recs["d1"].state != nil
	}, time.Second, 5*time.Millisecond)
}

func TestLeaveMakesRoomIdleEligibleForDestroy(t *testing.T) {
	repo := newFakeRepo()
	repo.SaveMetadata(context.Background(), model.Metadata{DocID: "d1", OwnerID: "alice"}, model.ACL{})
	rm := newRunningRoom(t, repo, "d1")
	mustJoin(t, rm, "s1", "alice", newFakeSink("s1"))
	rm.Leave("s1")

	require.Eventually(t, func() bool {
		return rm.IdleExpired(0)
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	destroyed, err := rm.TryDestroy(ctx, 0)
	require.NoError(t, err)
	require.True(t, destroyed)

	select {
	case <-rm.Done():
	case <-time.After(time.Second):
		t.Fatal("room did not exit its run loop after destroy")
	}
}

func TestRejoinSameSessionIsIdempotent(t *testing.T) {
	repo := newFakeRepo()
	repo.SaveMetadata(context.Background(), model.Metadata{DocID: "d1", OwnerID: "alice"}, model.ACL{})
	rm := newRunningRoom(t, repo, "d1")
	sink := newFakeSink("s1")
	mustJoin(t, rm, "s1", "alice", sink)
	res := mustJoin(t, rm, "s1", "alice", sink)
	require.Len(t, res.Roster, 1)
}

func TestCursorUpdateCoalescedUnderLoad(t *testing.T) {
	repo := newFakeRepo()
	repo.SaveMetadata(context.Background(), model.Metadata{DocID: "d1", OwnerID: "alice"}, model.ACL{})
	rm := New("d1", func() config.Config {
		cfg := testConfig()
		cfg.CursorRateHz = 1 // deliberately slow, to exercise coalescing
		return cfg
	}(), repo)
	go rm.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		rm.TryDestroy(ctx, 0)
	})

	aliceSink := newFakeSink("s1")
	bobSink := newFakeSink("s2")
	mustJoin(t, rm, "s1", "alice", aliceSink)
	mustJoin(t, rm, "s2", "bob", bobSink)

	for i := 0; i < 10; i++ {
		rm.Cursor("s1", json.RawMessage(`{"pos":1}`))
	}
	time.Sleep(50 * time.Millisecond)

	bobSink.mu.Lock()
	defer bobSink.mu.Unlock()
	require.Less(t, len(bobSink.outbox), 10, "rapid cursor updates must be throttled, not broadcast 1:1")
}
