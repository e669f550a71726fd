package repository

import (
	"context"
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"

	"github.com/stretchr/testify/require"

	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/errs"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/model"
)

func newTestRepo(t *testing.T) *BoltRepository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	repo, err := NewBoltRepository(path, 3)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestLoadNotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.Load(context.Background(), "missing")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSaveMetadataThenLoad(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	meta := model.Metadata{DocID: "doc1", Title: "Doc One", OwnerID: "u1"}
	acl := model.ACL{"u2": "READ"}
	require.NoError(t, repo.SaveMetadata(ctx, meta, acl))

	rec, err := repo.Load(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, "Doc One", rec.Metadata.Title)
	require.Equal(t, model.ACL{"u2": "READ"}, rec.ACL)
	require.Nil(t, rec.StateBytes)
}

func TestSaveStateIsOverwriteNotAppend(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	meta := model.Metadata{DocID: "doc1", OwnerID: "u1"}
	require.NoError(t, repo.SaveMetadata(ctx, meta, model.ACL{}))

	require.NoError(t, repo.SaveState(ctx, "doc1", []byte("v1"), []byte("vec1")))
	rec, err := repo.Load(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), rec.StateBytes)

	require.NoError(t, repo.SaveState(ctx, "doc1", []byte("v2"), []byte("vec2")))
	rec, err = repo.Load(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), rec.StateBytes, "latest_state_bytes must be overwritten, never appended")
}

func TestSnapshotRetentionPrunesOldest(t *testing.T) {
	repo := newTestRepo(t) // retention = 3
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := repo.Snapshot(ctx, "doc1", []byte{byte(i)})
		require.NoError(t, err)
	}

	n := 0
	require.NoError(t, repo.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshot).Bucket([]byte("doc1"))
		return b.ForEach(func(_, _ []byte) error {
			n++
			return nil
		})
	}))
	require.Equal(t, 3, n, "retention policy keeps only the newest N snapshots")
}
