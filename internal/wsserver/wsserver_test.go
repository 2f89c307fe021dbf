package wsserver

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gwebsocket "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"backend/internal/auth"
	"backend/internal/common/ulid"
	"backend/internal/events"
	"backend/internal/kv"
	"backend/internal/session"
	"backend/internal/store"
)

func newTestHub(t *testing.T) (*Hub, *auth.JWTService, *store.Store, string) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "ws_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	userID := ulid.NewString()
	require.NoError(t, st.CreateUser(ctx, &store.User{
		ID: userID, Username: "owner", PasswordHash: "x", Role: store.RoleUser, CreatedAt: time.Now(),
	}))
	deviceID := ulid.NewString()
	require.NoError(t, st.UpsertDevice(ctx, &store.Device{
		DeviceID: deviceID, OwnerUserID: userID, LastSeenAt: time.Now(),
	}))

	jwtSvc, err := auth.NewJWTService(auth.JWTConfig{Secret: []byte("test-secret")})
	require.NoError(t, err)

	mem := kv.NewMemoryStore()
	t.Cleanup(func() { mem.Close() })
	reg := session.New(mem, "test-server")
	bus := events.New()
	t.Cleanup(func() { bus.Close() })

	hub := NewHub(jwtSvc, reg, st, bus, Config{}, nil)
	return hub, jwtSvc, st, deviceID
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func TestHub_ConnectSendsConnectedFrame(t *testing.T) {
	hub, jwtSvc, _, deviceID := newTestHub(t)
	server := httptest.NewServer(hub)
	defer server.Close()

	token, _, err := jwtSvc.GenerateDeviceToken(auth.DeviceTokenInput{DeviceID: deviceID}, time.Hour)
	require.NoError(t, err)

	url := wsURL(server) + "?token=" + token + "&deviceId=" + deviceID
	conn, _, err := gwebsocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), "CONNECTED")
}

func TestHub_RejectsMissingToken(t *testing.T) {
	hub, _, _, deviceID := newTestHub(t)
	server := httptest.NewServer(hub)
	defer server.Close()

	url := wsURL(server) + "?deviceId=" + deviceID
	conn, _, err := gwebsocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*gwebsocket.CloseError)
	require.True(t, ok)
	require.Equal(t, 4001, closeErr.Code)
}

func TestHub_RejectsWrongPath(t *testing.T) {
	hub, jwtSvc, _, deviceID := newTestHub(t)
	server := httptest.NewServer(hub)
	defer server.Close()

	token, _, err := jwtSvc.GenerateDeviceToken(auth.DeviceTokenInput{DeviceID: deviceID}, time.Hour)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/other?token=" + token
	_, _, err = gwebsocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
}

func TestHub_PingRefreshesPresence(t *testing.T) {
	hub, jwtSvc, _, deviceID := newTestHub(t)
	server := httptest.NewServer(hub)
	defer server.Close()

	token, _, err := jwtSvc.GenerateDeviceToken(auth.DeviceTokenInput{DeviceID: deviceID}, time.Hour)
	require.NoError(t, err)

	url := wsURL(server) + "?token=" + token + "&deviceId=" + deviceID
	conn, _, err := gwebsocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage() // CONNECTED
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(Frame{Type: "PING"}))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), "PONG")
}
