// Package store implements the entity store adapter (C3): durable CRUD
// for users, devices, routes, route points, waypoints, streams, and
// audit entries, backed by database/sql against modernc.org/sqlite.
//
// entgo.io/ent is deliberately not used here — see DESIGN.md for why.
package store

import "time"

// Role is a User's authorization level.
type Role string

const (
	RoleAdmin Role = "ADMIN"
	RoleUser  Role = "USER"
)

// User corresponds to §3's User entity.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	LastLoginAt  *time.Time
}

// Device corresponds to §3's Device entity.
type Device struct {
	DeviceID        string
	OwnerUserID     string
	Platform        string
	AppVersion      string
	Label           *string
	AssignedRouteID *string
	LastSeenAt      time.Time
	LastIP          *string
	IsConnected     bool
}

// SourceType enumerates how a Route's points were produced.
type SourceType string

const (
	SourcePoints             SourceType = "points"
	SourceGPX                SourceType = "gpx"
	SourceORS                SourceType = "ors"
	SourceORSStops           SourceType = "ors_stops"
	SourceORSWaypoints       SourceType = "ors_waypoints"
)

// RouteConfig is the structured config bag from §3. Unknown keys are
// preserved via Extra so round-tripping never drops caller data.
type RouteConfig struct {
	SpeedKmh     float64        `json:"speed"`
	AccuracyM    float64        `json:"accuracy"`
	IntervalMs   int64          `json:"intervalMs"`
	Loop         bool           `json:"loop"`
	Pauses       []ConfigPause  `json:"pauses,omitempty"`
	Extra        map[string]any `json:"-"`
}

// ConfigPause is a reserved config entry for future scripted pauses.
type ConfigPause struct {
	AfterPointIndex int   `json:"afterPointIndex"`
	DurationMs      int64 `json:"durationMs"`
}

// DefaultRouteConfig returns the documented defaults from §3.
func DefaultRouteConfig() RouteConfig {
	return RouteConfig{
		SpeedKmh:   30,
		AccuracyM:  5,
		IntervalMs: 1000,
		Loop:       false,
	}
}

// Route corresponds to §3's Route entity.
type Route struct {
	ID          string
	OwnerUserID string
	Name        string
	SourceType  SourceType
	Profile     string
	Config      RouteConfig
	CreatedAt   time.Time
}

// RoutePoint corresponds to §3's RoutePoint entity.
type RoutePoint struct {
	RouteID      string
	Seq          int
	Lat          float64
	Lng          float64
	Speed        *float64
	Bearing      *float64
	Accuracy     *float64
	DwellSeconds float64
}

// WaypointKind enumerates §3's Waypoint.kind.
type WaypointKind string

const (
	WaypointOrigin      WaypointKind = "origin"
	WaypointStop        WaypointKind = "stop"
	WaypointDestination WaypointKind = "destination"
)

// WaypointMode enumerates §3's Waypoint.mode.
type WaypointMode string

const (
	WaypointModeAddress WaypointMode = "address"
	WaypointModeManual  WaypointMode = "manual"
)

// Waypoint corresponds to §3's Waypoint entity.
type Waypoint struct {
	RouteID      string
	Seq          int
	Kind         WaypointKind
	Mode         WaypointMode
	Label        *string
	Text         *string
	Lat          float64
	Lng          float64
	DwellSeconds float64
	PointIndex   int
}

// StreamStatus enumerates §3's Stream.status.
type StreamStatus string

const (
	StreamStarted StreamStatus = "STARTED"
	StreamPaused  StreamStatus = "PAUSED"
	StreamStopped StreamStatus = "STOPPED"
)

// Stream corresponds to §3's Stream record (durable, distinct from the
// in-memory StreamInstance the scheduler owns).
type Stream struct {
	ID        string
	DeviceID  string
	RouteID   string
	Status    StreamStatus
	SpeedKmh  float64
	Loop      bool
	StartedAt time.Time
	StoppedAt *time.Time
}

// AuditEntry corresponds to §3's append-only AuditEntry.
type AuditEntry struct {
	ID        string
	Action    string
	UserID    *string
	DeviceID  *string
	Meta      map[string]any
	CreatedAt time.Time
}
