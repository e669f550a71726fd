package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/auth"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/config"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/model"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/protocol"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/repository"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/room"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func startTestServer(t *testing.T) (wsURL string, verifier *auth.JWTVerifier, issuer *auth.Issuer) {
	t.Helper()
	cfg := config.Default()
	cfg.JWTSecret = "test-secret"
	cfg.AuthDeadline = 2 * time.Second
	cfg.JoinDeadline = 2 * time.Second
	cfg.HeartbeatInterval = 2 * time.Second
	cfg.PersistInterval = 50 * time.Millisecond

	repo, err := repository.NewBoltRepository(filepath.Join(t.TempDir(), "test.db"), 3)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	require.NoError(t, repo.SaveMetadata(context.Background(), model.Metadata{DocID: "doc1", OwnerID: "alice", Title: "Doc"}, model.ACL{}))

	reg := room.NewRegistry(cfg, repo)
	reg.StartSweep()
	t.Cleanup(reg.StopSweep)

	v := auth.NewJWTVerifier(cfg.JWTSecret)
	iss := auth.NewIssuer(cfg.JWTSecret, time.Hour)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := New(conn, cfg, v, reg, r.RemoteAddr)
		s.Run(context.Background())
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/", v, iss
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(v))
}

func TestAuthenticateAndJoinRoundTrip(t *testing.T) {
	url, _, iss := startTestServer(t)
	conn := dial(t, url)

	token, err := iss.Issue(auth.Principal{ID: "alice", DisplayName: "Alice", Role: auth.RoleUser})
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(protocol.AuthenticateIn{Type: protocol.TypeAuthenticate, Token: token}))
	var authed protocol.AuthenticatedOut
	readJSON(t, conn, &authed)
	require.Equal(t, protocol.TypeAuthenticated, authed.Type)
	require.Equal(t, "alice", authed.PrincipalID)

	require.NoError(t, conn.WriteJSON(protocol.JoinDocumentIn{Type: protocol.TypeJoinDocument, DocumentID: "doc1"}))
	var joined protocol.DocumentJoinedOut
	readJSON(t, conn, &joined)
	require.Equal(t, protocol.TypeDocumentJoined, joined.Type)
	require.True(t, joined.HasWriteAccess)
	require.Equal(t, "doc1", joined.DocumentID)
}

func TestAuthenticateWithInvalidTokenCloses(t *testing.T) {
	url, _, _ := startTestServer(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(protocol.AuthenticateIn{Type: protocol.TypeAuthenticate, Token: "not-a-token"}))
	var errOut protocol.AuthErrorOut
	readJSON(t, conn, &errOut)
	require.Equal(t, protocol.TypeAuthError, errOut.Type)
	// An unparseable token always maps to AUTH_INVALID, never AUTH_EXPIRED,
	// which only applies to well-formed but expired tokens.
	require.Equal(t, "AUTH_INVALID", errOut.Code)
}

func TestJoinBeforeAuthenticateIsProtocolError(t *testing.T) {
	url, _, _ := startTestServer(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(protocol.JoinDocumentIn{Type: protocol.TypeJoinDocument, DocumentID: "doc1"}))
	var errOut protocol.ErrorOut
	readJSON(t, conn, &errOut)
	require.Equal(t, "PROTOCOL_ERROR", errOut.Code)
}

func TestJoinWithoutAccessIsRejected(t *testing.T) {
	url, _, iss := startTestServer(t)
	conn := dial(t, url)

	token, err := iss.Issue(auth.Principal{ID: "mallory", DisplayName: "Mallory", Role: auth.RoleUser})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(protocol.AuthenticateIn{Type: protocol.TypeAuthenticate, Token: token}))
	var authed protocol.AuthenticatedOut
	readJSON(t, conn, &authed)

	require.NoError(t, conn.WriteJSON(protocol.JoinDocumentIn{Type: protocol.TypeJoinDocument, DocumentID: "doc1"}))
	var errOut protocol.ErrorOut
	readJSON(t, conn, &errOut)
	require.Equal(t, "INSUFFICIENT_PERMISSIONS", errOut.Code)
}
