package gateway

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
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/protocol"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/repository"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/room"
)

func newTestGateway(t *testing.T) (*Gateway, *auth.Issuer) {
	t.Helper()
	cfg := config.Default()
	cfg.JWTSecret = "gw-test-secret"
	cfg.PersistInterval = 50 * time.Millisecond
	cfg.ShutdownGrace = 500 * time.Millisecond

	repo, err := repository.NewBoltRepository(filepath.Join(t.TempDir(), "gw.db"), 3)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	reg := room.NewRegistry(cfg, repo)
	reg.StartSweep()
	t.Cleanup(reg.StopSweep)

	verifier := auth.NewJWTVerifier(cfg.JWTSecret)
	issuer := auth.NewIssuer(cfg.JWTSecret, time.Hour)

	return New(cfg, verifier, reg), issuer
}

func TestHealthEndpointOK(t *testing.T) {
	gw, _ := newTestGateway(t)
	srv := httptest.NewServer(gw.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketUpgradeRegistersSession(t *testing.T) {
	gw, issuer := newTestGateway(t)
	srv := httptest.NewServer(gw.Mux())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return gw.Len() == 1 }, time.Second, 10*time.Millisecond)

	token, err := issuer.Issue(auth.Principal{ID: "alice", DisplayName: "Alice", Role: auth.RoleUser})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(protocol.AuthenticateIn{Type: protocol.TypeAuthenticate, Token: token}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var authed protocol.AuthenticatedOut
	require.NoError(t, conn.ReadJSON(&authed))
	require.Equal(t, "alice", authed.PrincipalID)
}

func TestShutdownNotifiesConnectedSessions(t *testing.T) {
	gw, _ := newTestGateway(t)
	srv := httptest.NewServer(gw.Mux())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return gw.Len() == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	gw.Shutdown(ctx)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var errOut protocol.ErrorOut
	require.NoError(t, conn.ReadJSON(&errOut))
	require.Equal(t, "SHUTTING_DOWN", errOut.Code)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
