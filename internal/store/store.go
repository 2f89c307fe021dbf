package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"backend/internal/apperr"
	"backend/internal/database"
)

// Store is the entity store adapter (C3): abstract CRUD for users,
// devices, routes, route-points, waypoints, streams, and audit
// entries, implemented directly against database/sql + modernc.org/sqlite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite file at path and migrates it.
func Open(ctx context.Context, path string) (*Store, error) {
	cfg := database.DefaultConfig(path)
	res, err := database.OpenDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, res.DB); err != nil {
		res.DB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: res.DB}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw *sql.DB for components (e.g. health checks) that
// only need to ping the connection.
func (s *Store) DB() *sql.DB { return s.db }

// --- Users -----------------------------------------------------------

func (s *Store) CreateUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, role, created_at, last_login_at) VALUES (?,?,?,?,?,?)`,
		u.ID, u.Username, u.PasswordHash, string(u.Role), u.CreatedAt, u.LastLoginAt)
	return err
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, created_at, last_login_at FROM users WHERE username = ?`, username)
	return scanUser(row)
}

func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, created_at, last_login_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var role string
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &role, &u.CreatedAt, &u.LastLoginAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.NotFound("user not found")
		}
		return nil, err
	}
	u.Role = Role(role)
	return &u, nil
}

func (s *Store) TouchLastLogin(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login_at = ? WHERE id = ?`, at, userID)
	return err
}

// --- Devices -----------------------------------------------------------

func (s *Store) UpsertDevice(ctx context.Context, d *Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, owner_user_id, platform, app_version, label, assigned_route_id, last_seen_at, last_ip, is_connected)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(device_id) DO UPDATE SET
			owner_user_id = excluded.owner_user_id,
			platform = excluded.platform,
			app_version = excluded.app_version,
			label = COALESCE(excluded.label, devices.label),
			last_seen_at = excluded.last_seen_at,
			last_ip = excluded.last_ip
	`, d.DeviceID, d.OwnerUserID, d.Platform, d.AppVersion, d.Label, d.AssignedRouteID, d.LastSeenAt, d.LastIP, boolToInt(d.IsConnected))
	return err
}

func (s *Store) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT device_id, owner_user_id, platform, app_version, label, assigned_route_id, last_seen_at, last_ip, is_connected
		FROM devices WHERE device_id = ?`, deviceID)
	return scanDevice(row)
}

func scanDevice(row *sql.Row) (*Device, error) {
	var d Device
	var isConnected int
	if err := row.Scan(&d.DeviceID, &d.OwnerUserID, &d.Platform, &d.AppVersion, &d.Label, &d.AssignedRouteID, &d.LastSeenAt, &d.LastIP, &isConnected); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.NotFound("device not found")
		}
		return nil, err
	}
	d.IsConnected = isConnected != 0
	return &d, nil
}

func (s *Store) ListDevices(ctx context.Context, page, limit int, activeWithinSeconds *int) ([]*Device, error) {
	query := `SELECT device_id, owner_user_id, platform, app_version, label, assigned_route_id, last_seen_at, last_ip, is_connected FROM devices`
	args := []any{}
	if activeWithinSeconds != nil {
		query += ` WHERE last_seen_at >= ?`
		args = append(args, time.Now().Add(-time.Duration(*activeWithinSeconds)*time.Second))
	}
	query += ` ORDER BY last_seen_at DESC LIMIT ? OFFSET ?`
	if limit <= 0 {
		limit = 50
	}
	if page < 1 {
		page = 1
	}
	args = append(args, limit, (page-1)*limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Device
	for rows.Next() {
		var d Device
		var isConnected int
		if err := rows.Scan(&d.DeviceID, &d.OwnerUserID, &d.Platform, &d.AppVersion, &d.Label, &d.AssignedRouteID, &d.LastSeenAt, &d.LastIP, &isConnected); err != nil {
			return nil, err
		}
		d.IsConnected = isConnected != 0
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *Store) SetDeviceConnected(ctx context.Context, deviceID string, connected bool, lastSeenAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE devices SET is_connected = ?, last_seen_at = ? WHERE device_id = ?`, boolToInt(connected), lastSeenAt, deviceID)
	return err
}

func (s *Store) AssignRoute(ctx context.Context, deviceID string, routeID *string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET assigned_route_id = ? WHERE device_id = ?`, routeID, deviceID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.NotFound("device not found")
	}
	return nil
}

// DeleteDeviceCascade deletes a device and every stream/audit row that
// references it inside a single transaction (the "Prisma-style cascade"
// from §9).
func (s *Store) DeleteDeviceCascade(ctx context.Context, deviceID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM streams WHERE device_id = ?`, deviceID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM audit_entries WHERE device_id = ?`, deviceID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.NotFound("device not found")
	}
	return tx.Commit()
}

// --- Routes -----------------------------------------------------------

func (s *Store) CreateRoute(ctx context.Context, r *Route, points []RoutePoint, waypoints []Waypoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cfgJSON, err := marshalConfig(r.Config)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO routes (id, owner_user_id, name, source_type, profile, config_json, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		r.ID, r.OwnerUserID, r.Name, string(r.SourceType), r.Profile, cfgJSON, r.CreatedAt); err != nil {
		return err
	}

	for _, p := range points {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO route_points (route_id, seq, lat, lng, speed, bearing, accuracy, dwell_seconds)
			VALUES (?,?,?,?,?,?,?,?)`,
			r.ID, p.Seq, p.Lat, p.Lng, p.Speed, p.Bearing, p.Accuracy, p.DwellSeconds); err != nil {
			return err
		}
	}

	for _, w := range waypoints {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO waypoints (route_id, seq, kind, mode, label, text, lat, lng, dwell_seconds, point_index)
			VALUES (?,?,?,?,?,?,?,?,?,?)`,
			r.ID, w.Seq, string(w.Kind), string(w.Mode), w.Label, w.Text, w.Lat, w.Lng, w.DwellSeconds, w.PointIndex); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) GetRoute(ctx context.Context, id string) (*Route, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, owner_user_id, name, source_type, profile, config_json, created_at FROM routes WHERE id = ?`, id)
	return scanRoute(row)
}

func scanRoute(row *sql.Row) (*Route, error) {
	var r Route
	var sourceType, cfgJSON string
	if err := row.Scan(&r.ID, &r.OwnerUserID, &r.Name, &sourceType, &r.Profile, &cfgJSON, &r.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.NotFound("route not found")
		}
		return nil, err
	}
	r.SourceType = SourceType(sourceType)
	cfg, err := unmarshalConfig(cfgJSON)
	if err != nil {
		return nil, err
	}
	r.Config = cfg
	return &r, nil
}

func (s *Store) ListRoutes(ctx context.Context, ownerUserID string) ([]*Route, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, owner_user_id, name, source_type, profile, config_json, created_at FROM routes WHERE owner_user_id = ? ORDER BY created_at DESC`, ownerUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Route
	for rows.Next() {
		var r Route
		var sourceType, cfgJSON string
		if err := rows.Scan(&r.ID, &r.OwnerUserID, &r.Name, &sourceType, &r.Profile, &cfgJSON, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.SourceType = SourceType(sourceType)
		cfg, err := unmarshalConfig(cfgJSON)
		if err != nil {
			return nil, err
		}
		r.Config = cfg
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *Store) GetRoutePoints(ctx context.Context, routeID string) ([]RoutePoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT route_id, seq, lat, lng, speed, bearing, accuracy, dwell_seconds FROM route_points WHERE route_id = ? ORDER BY seq`, routeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoutePoint
	for rows.Next() {
		var p RoutePoint
		if err := rows.Scan(&p.RouteID, &p.Seq, &p.Lat, &p.Lng, &p.Speed, &p.Bearing, &p.Accuracy, &p.DwellSeconds); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetWaypoints(ctx context.Context, routeID string) ([]Waypoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT route_id, seq, kind, mode, label, text, lat, lng, dwell_seconds, point_index FROM waypoints WHERE route_id = ? ORDER BY seq`, routeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Waypoint
	for rows.Next() {
		var w Waypoint
		var kind, mode string
		if err := rows.Scan(&w.RouteID, &w.Seq, &kind, &mode, &w.Label, &w.Text, &w.Lat, &w.Lng, &w.DwellSeconds, &w.PointIndex); err != nil {
			return nil, err
		}
		w.Kind = WaypointKind(kind)
		w.Mode = WaypointMode(mode)
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRouteConfig(ctx context.Context, routeID string, cfg RouteConfig) error {
	cfgJSON, err := marshalConfig(cfg)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE routes SET config_json = ? WHERE id = ?`, cfgJSON, routeID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.NotFound("route not found")
	}
	return nil
}

// DeleteRouteCascade deletes a route and its points/waypoints
// (ON DELETE CASCADE handles the children; the transaction boundary is
// explicit anyway so the behavior doesn't depend on SQLite's foreign
// key pragma being honored by every future caller).
func (s *Store) DeleteRouteCascade(ctx context.Context, routeID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM route_points WHERE route_id = ?`, routeID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM waypoints WHERE route_id = ?`, routeID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM routes WHERE id = ?`, routeID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.NotFound("route not found")
	}
	return tx.Commit()
}

// FindRecentIdempotentRoute looks for a route created by ownerUserID in
// the last window whose config carries the given idempotency key
// (used by from-waypoints, §4.8).
func (s *Store) FindRecentIdempotentRoute(ctx context.Context, ownerUserID, idempotencyKey string, window time.Duration) (*Route, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_user_id, name, source_type, profile, config_json, created_at
		FROM routes WHERE owner_user_id = ? AND created_at >= ? ORDER BY created_at DESC`,
		ownerUserID, time.Now().Add(-window))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var r Route
		var sourceType, cfgJSON string
		if err := rows.Scan(&r.ID, &r.OwnerUserID, &r.Name, &sourceType, &r.Profile, &cfgJSON, &r.CreatedAt); err != nil {
			return nil, err
		}
		cfg, err := unmarshalConfig(cfgJSON)
		if err != nil {
			continue
		}
		if key, ok := cfg.Extra["idempotencyKey"].(string); ok && key == idempotencyKey {
			r.SourceType = SourceType(sourceType)
			r.Config = cfg
			return &r, nil
		}
	}
	return nil, rows.Err()
}

// --- Streams -----------------------------------------------------------

func (s *Store) CreateStream(ctx context.Context, st *Stream) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO streams (id, device_id, route_id, status, speed_kmh, loop, started_at, stopped_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		st.ID, st.DeviceID, st.RouteID, string(st.Status), st.SpeedKmh, boolToInt(st.Loop), st.StartedAt, st.StoppedAt)
	return err
}

// ActiveStream returns the at-most-one STARTED/PAUSED stream for a device.
func (s *Store) ActiveStream(ctx context.Context, deviceID string) (*Stream, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, device_id, route_id, status, speed_kmh, loop, started_at, stopped_at
		FROM streams WHERE device_id = ? AND status IN ('STARTED','PAUSED') LIMIT 1`, deviceID)
	return scanStream(row)
}

func scanStream(row *sql.Row) (*Stream, error) {
	var st Stream
	var status string
	var loop int
	if err := row.Scan(&st.ID, &st.DeviceID, &st.RouteID, &status, &st.SpeedKmh, &loop, &st.StartedAt, &st.StoppedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.NotFound("stream not found")
		}
		return nil, err
	}
	st.Status = StreamStatus(status)
	st.Loop = loop != 0
	return &st, nil
}

func (s *Store) SetStreamStatus(ctx context.Context, id string, status StreamStatus, stoppedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE streams SET status = ?, stopped_at = ? WHERE id = ?`, string(status), stoppedAt, id)
	return err
}

func (s *Store) StreamHistory(ctx context.Context, deviceID string, limit int) ([]*Stream, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, route_id, status, speed_kmh, loop, started_at, stopped_at
		FROM streams WHERE device_id = ? ORDER BY started_at DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Stream
	for rows.Next() {
		var st Stream
		var status string
		var loop int
		if err := rows.Scan(&st.ID, &st.DeviceID, &st.RouteID, &status, &st.SpeedKmh, &loop, &st.StartedAt, &st.StoppedAt); err != nil {
			return nil, err
		}
		st.Status = StreamStatus(status)
		st.Loop = loop != 0
		out = append(out, &st)
	}
	return out, rows.Err()
}

// --- Audit -----------------------------------------------------------

// AppendAudit writes an AuditEntry. Per §7, failure to append must
// never fail the originating operation — callers should log (not
// propagate) the returned error.
func (s *Store) AppendAudit(ctx context.Context, e *AuditEntry) error {
	metaJSON, err := json.Marshal(e.Meta)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, action, user_id, device_id, meta_json, created_at)
		VALUES (?,?,?,?,?,?)`,
		e.ID, e.Action, e.UserID, e.DeviceID, string(metaJSON), e.CreatedAt)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// marshalConfig serializes RouteConfig, folding Extra's keys alongside
// the named fields so unknown keys survive a round trip unchanged.
func marshalConfig(cfg RouteConfig) (string, error) {
	flat := map[string]any{
		"speed":      cfg.SpeedKmh,
		"accuracy":   cfg.AccuracyM,
		"intervalMs": cfg.IntervalMs,
		"loop":       cfg.Loop,
	}
	if len(cfg.Pauses) > 0 {
		flat["pauses"] = cfg.Pauses
	}
	for k, v := range cfg.Extra {
		flat[k] = v
	}
	b, err := json.Marshal(flat)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalConfig(data string) (RouteConfig, error) {
	var flat map[string]any
	if err := json.Unmarshal([]byte(data), &flat); err != nil {
		return RouteConfig{}, err
	}
	cfg := DefaultRouteConfig()
	cfg.Extra = make(map[string]any)

	known := map[string]bool{"speed": true, "accuracy": true, "intervalMs": true, "loop": true, "pauses": true}
	if v, ok := flat["speed"].(float64); ok {
		cfg.SpeedKmh = v
	}
	if v, ok := flat["accuracy"].(float64); ok {
		cfg.AccuracyM = v
	}
	if v, ok := flat["intervalMs"].(float64); ok {
		cfg.IntervalMs = int64(v)
	}
	if v, ok := flat["loop"].(bool); ok {
		cfg.Loop = v
	}
	if raw, ok := flat["pauses"]; ok {
		if b, err := json.Marshal(raw); err == nil {
			var pauses []ConfigPause
			if json.Unmarshal(b, &pauses) == nil {
				cfg.Pauses = pauses
			}
		}
	}
	for k, v := range flat {
		if !known[k] {
			cfg.Extra[k] = v
		}
	}
	return cfg, nil
}
