package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedUser(t *testing.T, st *Store, id string) *User {
	t.Helper()
	u := &User{ID: id, Username: id + "-name", PasswordHash: "hash", Role: RoleUser, CreatedAt: time.Now()}
	require.NoError(t, st.CreateUser(context.Background(), u))
	return u
}

func TestCreateAndGetUser(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, st, "u1")

	got, err := st.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.Username, got.Username)

	byName, err := st.GetUserByUsername(ctx, u.Username)
	require.NoError(t, err)
	assert.Equal(t, u.ID, byName.ID)

	_, err = st.GetUser(ctx, "missing")
	assert.Error(t, err)
}

func TestTouchLastLogin(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, st, "u2")

	now := time.Now().Truncate(time.Second)
	require.NoError(t, st.TouchLastLogin(ctx, u.ID, now))

	got, err := st.GetUser(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastLoginAt)
	assert.WithinDuration(t, now, *got.LastLoginAt, time.Second)
}

func TestUpsertAndListDevices(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, st, "u3")

	dev := &Device{DeviceID: "d1", OwnerUserID: u.ID, Platform: "android", AppVersion: "1.0", LastSeenAt: time.Now()}
	require.NoError(t, st.UpsertDevice(ctx, dev))

	got, err := st.GetDevice(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "android", got.Platform)

	devices, err := st.ListDevices(ctx, 1, 50, nil)
	require.NoError(t, err)
	assert.Len(t, devices, 1)

	_, err = st.GetDevice(ctx, "missing")
	assert.Error(t, err)
}

func TestAssignRouteAndDeleteDeviceCascade(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, st, "u4")

	dev := &Device{DeviceID: "d2", OwnerUserID: u.ID, Platform: "android", AppVersion: "1.0", LastSeenAt: time.Now()}
	require.NoError(t, st.UpsertDevice(ctx, dev))

	rt := &Route{ID: "r1", OwnerUserID: u.ID, Name: "loop", SourceType: SourcePoints, Config: DefaultRouteConfig(), CreatedAt: time.Now()}
	points := []RoutePoint{{RouteID: rt.ID, Seq: 0, Lat: 1, Lng: 1}, {RouteID: rt.ID, Seq: 1, Lat: 2, Lng: 2}}
	require.NoError(t, st.CreateRoute(ctx, rt, points, nil))

	require.NoError(t, st.AssignRoute(ctx, dev.DeviceID, &rt.ID))
	got, err := st.GetDevice(ctx, dev.DeviceID)
	require.NoError(t, err)
	require.NotNil(t, got.AssignedRouteID)
	assert.Equal(t, rt.ID, *got.AssignedRouteID)

	require.NoError(t, st.DeleteDeviceCascade(ctx, dev.DeviceID))
	_, err = st.GetDevice(ctx, dev.DeviceID)
	assert.Error(t, err)
}

func TestCreateRouteWithPointsAndWaypoints(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, st, "u5")

	rt := &Route{ID: "r2", OwnerUserID: u.ID, Name: "with waypoints", SourceType: SourceORSWaypoints, Profile: "driving-car", Config: DefaultRouteConfig(), CreatedAt: time.Now()}
	points := []RoutePoint{{RouteID: rt.ID, Seq: 0, Lat: 1, Lng: 1}, {RouteID: rt.ID, Seq: 1, Lat: 2, Lng: 2}}
	waypoints := []Waypoint{
		{RouteID: rt.ID, Seq: 0, Kind: WaypointOrigin, Mode: WaypointModeManual, Lat: 1, Lng: 1, PointIndex: 0},
		{RouteID: rt.ID, Seq: 1, Kind: WaypointDestination, Mode: WaypointModeManual, Lat: 2, Lng: 2, PointIndex: 1},
	}
	require.NoError(t, st.CreateRoute(ctx, rt, points, waypoints))

	gotPoints, err := st.GetRoutePoints(ctx, rt.ID)
	require.NoError(t, err)
	assert.Len(t, gotPoints, 2)

	gotWaypoints, err := st.GetWaypoints(ctx, rt.ID)
	require.NoError(t, err)
	assert.Len(t, gotWaypoints, 2)
}

func TestUpdateRouteConfigAndDeleteCascade(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, st, "u6")

	rt := &Route{ID: "r3", OwnerUserID: u.ID, Name: "r3", SourceType: SourcePoints, Config: DefaultRouteConfig(), CreatedAt: time.Now()}
	points := []RoutePoint{{RouteID: rt.ID, Seq: 0, Lat: 1, Lng: 1}, {RouteID: rt.ID, Seq: 1, Lat: 2, Lng: 2}}
	require.NoError(t, st.CreateRoute(ctx, rt, points, nil))

	newCfg := DefaultRouteConfig()
	newCfg.SpeedKmh = 60
	require.NoError(t, st.UpdateRouteConfig(ctx, rt.ID, newCfg))

	got, err := st.GetRoute(ctx, rt.ID)
	require.NoError(t, err)
	assert.Equal(t, 60.0, got.Config.SpeedKmh)

	require.NoError(t, st.DeleteRouteCascade(ctx, rt.ID))
	_, err = st.GetRoute(ctx, rt.ID)
	assert.Error(t, err)
}

func TestFindRecentIdempotentRoute(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, st, "u7")

	cfg := DefaultRouteConfig()
	cfg.Extra = map[string]any{"idempotencyKey": "abc123"}
	rt := &Route{ID: "r4", OwnerUserID: u.ID, Name: "idem", SourceType: SourceORSWaypoints, Config: cfg, CreatedAt: time.Now()}
	points := []RoutePoint{{RouteID: rt.ID, Seq: 0, Lat: 1, Lng: 1}, {RouteID: rt.ID, Seq: 1, Lat: 2, Lng: 2}}
	require.NoError(t, st.CreateRoute(ctx, rt, points, nil))

	existing, err := st.FindRecentIdempotentRoute(ctx, u.ID, "abc123", 600*time.Second)
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, rt.ID, existing.ID)

	miss, err := st.FindRecentIdempotentRoute(ctx, u.ID, "does-not-exist", 600*time.Second)
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestStreamLifecycleAndHistory(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, st, "u8")
	dev := &Device{DeviceID: "d8", OwnerUserID: u.ID, Platform: "android", AppVersion: "1.0", LastSeenAt: time.Now()}
	require.NoError(t, st.UpsertDevice(ctx, dev))
	rt := &Route{ID: "r5", OwnerUserID: u.ID, Name: "r5", SourceType: SourcePoints, Config: DefaultRouteConfig(), CreatedAt: time.Now()}
	points := []RoutePoint{{RouteID: rt.ID, Seq: 0, Lat: 1, Lng: 1}, {RouteID: rt.ID, Seq: 1, Lat: 2, Lng: 2}}
	require.NoError(t, st.CreateRoute(ctx, rt, points, nil))

	stream := &Stream{ID: "s1", DeviceID: dev.DeviceID, RouteID: rt.ID, Status: StreamStarted, SpeedKmh: 30, StartedAt: time.Now()}
	require.NoError(t, st.CreateStream(ctx, stream))

	active, err := st.ActiveStream(ctx, dev.DeviceID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, StreamStarted, active.Status)

	stopped := time.Now()
	require.NoError(t, st.SetStreamStatus(ctx, stream.ID, StreamStopped, &stopped))

	history, err := st.StreamHistory(ctx, dev.DeviceID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, StreamStopped, history[0].Status)
}
