// Package protocol defines the WebSocket wire envelope: the JSON
// control-frame shapes exchanged between client and server. Room and
// Session build these structs; Session is the only place frames are
// marshaled or unmarshaled.
package protocol

import "encoding/json"

// Client→Server frame types.
const (
	TypeAuthenticate   = "authenticate"
	TypeJoinDocument   = "join-document"
	TypeLeaveDocument  = "leave-document"
	TypeDocumentUpdate = "document-update"
	TypeCursorUpdate   = "cursor-update"
	TypePing           = "ping"
)

// Server→Client frame types.
const (
	TypeAuthenticated     = "authenticated"
	TypeAuthError         = "auth-error"
	TypeDocumentJoined    = "document-joined"
	TypeDocumentLeft      = "document-left"
	TypeDocumentUpdateOut = "document-update"
	TypeDocumentUpdateAck = "document-update-ack"
	TypeCursorUpdateOut   = "cursor-update"
	TypeUserJoined        = "user-joined"
	TypeUserLeft          = "user-left"
	TypeAccessRevoked     = "access-revoked"
	TypeError             = "error"
	TypePong              = "pong"
)

// Envelope is the outer shape of every JSON control frame: a type
// discriminator plus an opaque payload that each handler decodes further.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"-"`
}

// rawEnvelope mirrors Envelope for unmarshaling, since client frames are
// flat JSON objects ({"type": "...", "documentId": "...", ...}) rather than
// {"type": "...", "payload": {...}}; fields are decoded per-type below.
type rawEnvelope struct {
	Type string `json:"type"`
}

// PeekType reads only the "type" discriminator from a raw client frame.
func PeekType(data []byte) (string, error) {
	var r rawEnvelope
	if err := json.Unmarshal(data, &r); err != nil {
		return "", err
	}
	return r.Type, nil
}

// ── Client→Server payloads ─────────────────────────────────────────────

type AuthenticateIn struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type JoinDocumentIn struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId"`
}

type LeaveDocumentIn struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId"`
}

type DocumentUpdateIn struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId"`
	Update     []byte `json:"update"` // base64 in JSON, decoded by encoding/json automatically
}

type CursorUpdateIn struct {
	Type       string          `json:"type"`
	DocumentID string          `json:"documentId"`
	Cursor     json.RawMessage `json:"cursor"`
}

// ── Server→Client payloads ─────────────────────────────────────────────

type AuthenticatedOut struct {
	Type        string   `json:"type"`
	PrincipalID string   `json:"principalId"`
	DisplayName string   `json:"displayName"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

type AuthErrorOut struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type UserSummary struct {
	PrincipalID string `json:"principalId"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

type DocumentJoinedOut struct {
	Type            string        `json:"type"`
	DocumentID      string        `json:"documentId"`
	Metadata        DocMetadata   `json:"metadata"`
	HasWriteAccess  bool          `json:"hasWriteAccess"`
	Users           []UserSummary `json:"users"`
	DocumentState   []byte        `json:"documentState"`
}

type DocMetadata struct {
	Title     string `json:"title"`
	OwnerID   string `json:"ownerId"`
	Public    bool   `json:"public"`
}

type DocumentLeftOut struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId"`
}

type DocumentUpdateOut struct {
	Type            string `json:"type"`
	DocumentID      string `json:"documentId"`
	OriginPrincipal string `json:"originPrincipalId"`
	Update          []byte `json:"update"`
	Seq             uint64 `json:"seq"`
}

type DocumentUpdateAckOut struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId"`
	Seq        uint64 `json:"seq"`
}

type CursorUpdateOut struct {
	Type        string          `json:"type"`
	DocumentID  string          `json:"documentId"`
	PrincipalID string          `json:"principalId"`
	Cursor      json.RawMessage `json:"cursor"`
}

type UserJoinedOut struct {
	Type       string      `json:"type"`
	DocumentID string      `json:"documentId"`
	Principal  UserSummary `json:"principal"`
}

type UserLeftOut struct {
	Type        string `json:"type"`
	DocumentID  string `json:"documentId"`
	PrincipalID string `json:"principalId"`
}

type AccessRevokedOut struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId"`
	Reason     string `json:"reason"`
}

type ErrorOut struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PongOut struct {
	Type string `json:"type"`
}
