package store

import (
	"context"
	"database/sql"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS users (
	id             TEXT PRIMARY KEY,
	username       TEXT NOT NULL UNIQUE,
	password_hash  TEXT NOT NULL,
	role           TEXT NOT NULL,
	created_at     DATETIME NOT NULL,
	last_login_at  DATETIME
);

CREATE TABLE IF NOT EXISTS devices (
	device_id         TEXT PRIMARY KEY,
	owner_user_id     TEXT NOT NULL REFERENCES users(id),
	platform          TEXT NOT NULL DEFAULT '',
	app_version       TEXT NOT NULL DEFAULT '',
	label             TEXT,
	assigned_route_id TEXT,
	last_seen_at      DATETIME NOT NULL,
	last_ip           TEXT,
	is_connected      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_devices_owner ON devices(owner_user_id);

CREATE TABLE IF NOT EXISTS routes (
	id             TEXT PRIMARY KEY,
	owner_user_id  TEXT NOT NULL REFERENCES users(id),
	name           TEXT NOT NULL,
	source_type    TEXT NOT NULL,
	profile        TEXT NOT NULL DEFAULT '',
	config_json    TEXT NOT NULL,
	created_at     DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_routes_owner ON routes(owner_user_id);

CREATE TABLE IF NOT EXISTS route_points (
	route_id      TEXT NOT NULL REFERENCES routes(id) ON DELETE CASCADE,
	seq           INTEGER NOT NULL,
	lat           REAL NOT NULL,
	lng           REAL NOT NULL,
	speed         REAL,
	bearing       REAL,
	accuracy      REAL,
	dwell_seconds REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (route_id, seq)
);

CREATE TABLE IF NOT EXISTS waypoints (
	route_id      TEXT NOT NULL REFERENCES routes(id) ON DELETE CASCADE,
	seq           INTEGER NOT NULL,
	kind          TEXT NOT NULL,
	mode          TEXT NOT NULL,
	label         TEXT,
	text          TEXT,
	lat           REAL NOT NULL,
	lng           REAL NOT NULL,
	dwell_seconds REAL NOT NULL DEFAULT 0,
	point_index   INTEGER NOT NULL,
	PRIMARY KEY (route_id, seq)
);

CREATE TABLE IF NOT EXISTS streams (
	id          TEXT PRIMARY KEY,
	device_id   TEXT NOT NULL REFERENCES devices(device_id),
	route_id    TEXT NOT NULL REFERENCES routes(id),
	status      TEXT NOT NULL,
	speed_kmh   REAL NOT NULL,
	loop        INTEGER NOT NULL DEFAULT 0,
	started_at  DATETIME NOT NULL,
	stopped_at  DATETIME
);
CREATE INDEX IF NOT EXISTS idx_streams_device ON streams(device_id);
CREATE INDEX IF NOT EXISTS idx_streams_device_status ON streams(device_id, status);

CREATE TABLE IF NOT EXISTS audit_entries (
	id         TEXT PRIMARY KEY,
	action     TEXT NOT NULL,
	user_id    TEXT,
	device_id  TEXT,
	meta_json  TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_device ON audit_entries(device_id);
`

// Migrate creates every table this store needs if it does not already
// exist. There is no versioned migration runner: the schema is additive
// and idempotent, matching the single-binary deployment model.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schemaDDL)
	return err
}
