// Package model holds the data types shared by the Document Repository and
// the Room: the persisted document record, its ACL, and snapshot metadata.
package model

import (
	"time"

	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/auth"
)

// Metadata is the logical document record. It excludes the CRDT state
// itself, which the Repository stores separately.
type Metadata struct {
	DocID     string
	Title     string
	OwnerID   string
	Public    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ACL maps principal_id to a direct permission grant. The owner implicitly
// has WRITE and, when Public is set, every principal implicitly has READ;
// neither implicit grant is stored here. Effective computes them.
type ACL map[string]auth.Permission

// Effective computes a principal's effective permission on a document,
// combining the ACL with the owner/public implicit grants.
func Effective(meta Metadata, acl ACL, principalID string) auth.Permission {
	if principalID == meta.OwnerID {
		return auth.PermissionWrite
	}
	direct := acl[principalID]
	if meta.Public {
		direct = auth.Stronger(direct, auth.PermissionRead)
	}
	return direct
}

// Snapshot is one entry in the append-only document_snapshot table.
type Snapshot struct {
	SnapshotID string
	DocID      string
	StateBytes []byte
	CreatedAt  time.Time
}

// PrincipalSummary is the shape broadcast to peers on join/leave, enough to
// render presence without exposing the full Principal (e.g. permission set).
type PrincipalSummary struct {
	PrincipalID string `json:"principalId"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}
