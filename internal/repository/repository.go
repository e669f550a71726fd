// Package repository implements the Document Repository contract from spec
// §4.B: durable storage of per-document CRDT state, metadata, and ACL, with
// an append-only snapshot history.
package repository

import (
	"context"

	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/model"
)

// Record is what Load returns: a document's metadata, ACL, and its latest
// merged state bytes (nil if the document has never been written to).
type Record struct {
	Metadata   model.Metadata
	ACL        model.ACL
	StateBytes []byte
	Vector     []byte
}

// Repository is the durable-storage contract Rooms depend on. Implementations
// must serialize writes per doc_id and must never return a partially written
// state.
type Repository interface {
	// Load returns a document's metadata, ACL and latest state, or
	// errs.ErrNotFound if doc_id has no record.
	Load(ctx context.Context, docID string) (Record, error)

	// SaveState atomically overwrites the latest state bytes and vector for
	// doc_id. Returns only once the write is durable.
	SaveState(ctx context.Context, docID string, stateBytes, vector []byte) error

	// SaveMetadata upserts a document's metadata and ACL.
	SaveMetadata(ctx context.Context, meta model.Metadata, acl model.ACL) error

	// Snapshot appends a point-in-time copy of state to the snapshot
	// history and returns its ID. Older snapshots beyond the retention
	// policy are pruned.
	Snapshot(ctx context.Context, docID string, stateBytes []byte) (string, error)

	// Close releases any held resources.
	Close() error
}
