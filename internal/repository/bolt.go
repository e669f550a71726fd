package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/errs"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/model"
)

var (
	bucketDocuments = []byte("document")
	bucketACL       = []byte("document_acl")
	bucketState     = []byte("document_state")
	bucketSnapshot  = []byte("document_snapshot")
)

// storedState is the document_state row: one per doc, overwritten in place.
type storedState struct {
	StateBytes []byte
	Vector     []byte
	UpdatedAt  time.Time
}

// storedSnapshot is one document_snapshot row.
type storedSnapshot struct {
	SnapshotID string
	StateBytes []byte
	CreatedAt  time.Time
}

// BoltRepository implements Repository on top of an embedded bbolt database.
// bbolt serializes all writer transactions process-wide, which trivially
// rules out interleaved partial writes per doc_id: every write here is one
// ACID transaction.
type BoltRepository struct {
	db        *bolt.DB
	retention int
}

// NewBoltRepository opens (creating if needed) a bbolt database at path and
// ensures every bucket in the persisted-state layout exists.
func NewBoltRepository(path string, retention int) (*BoltRepository, error) {
	if err := ensureDir(path); err != nil {
		return nil, fmt.Errorf("repository: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", errs.ErrUnavailable, path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDocuments, bucketACL, bucketState, bucketSnapshot} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init buckets: %v", errs.ErrUnavailable, err)
	}

	if retention <= 0 {
		retention = 10
	}
	return &BoltRepository{db: db, retention: retention}, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (r *BoltRepository) Load(ctx context.Context, docID string) (Record, error) {
	var rec Record
	err := r.db.View(func(tx *bolt.Tx) error {
		metaRaw := tx.Bucket(bucketDocuments).Get([]byte(docID))
		if metaRaw == nil {
			return errs.ErrNotFound
		}
		var meta model.Metadata
		if err := json.Unmarshal(metaRaw, &meta); err != nil {
			return fmt.Errorf("%w: decode metadata: %v", errs.ErrUnavailable, err)
		}
		rec.Metadata = meta

		acl := model.ACL{}
		if aclRaw := tx.Bucket(bucketACL).Get([]byte(docID)); aclRaw != nil {
			if err := json.Unmarshal(aclRaw, &acl); err != nil {
				return fmt.Errorf("%w: decode acl: %v", errs.ErrUnavailable, err)
			}
		}
		rec.ACL = acl

		if stateRaw := tx.Bucket(bucketState).Get([]byte(docID)); stateRaw != nil {
			var st storedState
			if err := json.Unmarshal(stateRaw, &st); err != nil {
				return fmt.Errorf("%w: decode state: %v", errs.ErrUnavailable, err)
			}
			rec.StateBytes = st.StateBytes
			rec.Vector = st.Vector
		}
		return nil
	})
	return rec, err
}

func (r *BoltRepository) SaveState(ctx context.Context, docID string, stateBytes, vector []byte) error {
	st := storedState{StateBytes: stateBytes, Vector: vector, UpdatedAt: time.Now()}
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("%w: encode state: %v", errs.ErrUnavailable, err)
	}
	err = r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).Put([]byte(docID), raw)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrUnavailable, err)
	}
	return nil
}

func (r *BoltRepository) SaveMetadata(ctx context.Context, meta model.Metadata, acl model.ACL) error {
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%w: encode metadata: %v", errs.ErrUnavailable, err)
	}
	aclRaw, err := json.Marshal(acl)
	if err != nil {
		return fmt.Errorf("%w: encode acl: %v", errs.ErrUnavailable, err)
	}
	err = r.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketDocuments).Put([]byte(meta.DocID), metaRaw); err != nil {
			return err
		}
		return tx.Bucket(bucketACL).Put([]byte(meta.DocID), aclRaw)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrUnavailable, err)
	}
	return nil
}

func (r *BoltRepository) Snapshot(ctx context.Context, docID string, stateBytes []byte) (string, error) {
	id := uuid.NewString()
	entry := storedSnapshot{SnapshotID: id, StateBytes: stateBytes, CreatedAt: time.Now()}

	err := r.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketSnapshot)
		docBucket, err := root.CreateBucketIfNotExists([]byte(docID))
		if err != nil {
			return err
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		// Key by a time-ordered prefix so ForEach below iterates oldest-first.
		key := fmt.Sprintf("%020d-%s", entry.CreatedAt.UnixNano(), id)
		if err := docBucket.Put([]byte(key), raw); err != nil {
			return err
		}
		return pruneSnapshots(docBucket, r.retention)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrUnavailable, err)
	}
	return id, nil
}

// pruneSnapshots keeps only the newest `retention` entries in docBucket,
// a ring-buffer retention policy over the append-only snapshot log.
func pruneSnapshots(docBucket *bolt.Bucket, retention int) error {
	var keys [][]byte
	err := docBucket.ForEach(func(k, _ []byte) error {
		keys = append(keys, append([]byte(nil), k...))
		return nil
	})
	if err != nil {
		return err
	}
	if len(keys) <= retention {
		return nil
	}
	sort.Slice(keys, func(i, j int) bool { return string(keys[i]) < string(keys[j]) })
	for _, k := range keys[:len(keys)-retention] {
		if err := docBucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (r *BoltRepository) Close() error {
	return r.db.Close()
}
