// Package scheduler implements the Stream Scheduler (C7): one
// goroutine per active device stream, ticking the Kinematic Simulator
// at intervalMs, persisting stream lifecycle to the entity store,
// mirroring hot state to the ephemeral store, and consulting the
// Backpressure Guard before every emission. Grounded on the teacher's
// per-connection worker-goroutine idiom (one task per live resource,
// torn down on disconnect or explicit stop).
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"backend/internal/apperr"
	"backend/internal/backpressure"
	"backend/internal/common/ulid"
	"backend/internal/events"
	"backend/internal/kinematics"
	"backend/internal/kv"
	"backend/internal/session"
	"backend/internal/store"
)

// Conn is the subset of a live socket the scheduler needs: emit a
// frame, sample outbound buffer pressure, and close on fatal error.
// Satisfied structurally by wsserver's connection type.
type Conn interface {
	Send(frameType string, payload any) error
	Close(code int, reason string) error
	backpressure.Sampler
}

// Config holds the scheduler-wide tunables from §6's STREAM_* env vars.
type Config struct {
	TickClampMinMs  int64
	TickClampMaxMs  int64
	DistanceEngine  bool // true selects DistanceEngine, false IndexEngine
	Backpressure    backpressure.Config
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		TickClampMinMs: 200,
		TickClampMaxMs: 2000,
		DistanceEngine: true,
		Backpressure:   backpressure.DefaultConfig(),
	}
}

// Overrides carries the optional per-start overrides layered on top of
// the route's own config (overrides ▷ route.config ▷ system defaults).
type Overrides struct {
	SpeedKmh   *float64
	AccuracyM  *float64
	IntervalMs *int64
	Loop       *bool
}

// Status is a snapshot of one running or recently-running instance.
type Status struct {
	DeviceID    string
	StreamID    string
	RouteID     string
	State       store.StreamStatus
	SpeedKmh    float64
	Loop        bool
	IntervalMs  int64
	StartedAt   time.Time
	SegIndex    int
	TotalPoints int
}

// Scheduler owns the set of live per-device stream instances.
type Scheduler struct {
	store    *store.Store
	kv       kv.Store
	registry *session.Registry
	bus      *events.Bus
	cfg      Config
	log      *zap.Logger

	mu        sync.Mutex
	instances map[string]*instance
}

type instance struct {
	mu sync.Mutex

	deviceID string
	streamID string
	routeID  string

	intervalMs int64
	loop       bool
	speedKmh   float64

	status   store.StreamStatus
	engine   kinematics.Engine
	guard    *backpressure.Guard
	totalPts int

	lastTickAt time.Time
	stopCh     chan struct{}
	stopped    bool
}

// New constructs a Scheduler. bus may be nil if broadcast is not needed
// (tests).
func New(st *store.Store, kvStore kv.Store, registry *session.Registry, bus *events.Bus, cfg Config, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		store:     st,
		kv:        kvStore,
		registry:  registry,
		bus:       bus,
		cfg:       cfg,
		log:       log,
		instances: make(map[string]*instance),
	}
}

func hotKey(deviceID string) string { return "stream:" + deviceID }

func clampDt(d time.Duration, minMs, maxMs int64) int64 {
	ms := d.Milliseconds()
	if ms < minMs {
		return minMs
	}
	if ms > maxMs {
		return maxMs
	}
	return ms
}

// Start begins streaming route to device, stopping any prior instance
// for the same device first. It never returns until the first
// emission has been scheduled.
func (s *Scheduler) Start(ctx context.Context, deviceID, routeID string, overrides Overrides) (*Status, error) {
	sock := s.registry.Handle(deviceID)
	if sock == nil {
		return nil, apperr.New(apperr.CategoryConflict, "device %s has no bound socket", deviceID)
	}
	conn, ok := sock.(Conn)
	if !ok {
		return nil, apperr.Internal(nil, "bound socket for %s does not support streaming", deviceID)
	}

	route, err := s.store.GetRoute(ctx, routeID)
	if err != nil {
		return nil, apperr.NotFound("route %s not found", routeID)
	}
	points, err := s.store.GetRoutePoints(ctx, routeID)
	if err != nil || len(points) < 2 {
		return nil, apperr.InvalidRouteGeometry("route %s has fewer than two points", routeID)
	}

	// stop(device) first, synchronously, if another instance is live.
	s.stopInternal(ctx, deviceID, false)

	cfg := route.Config
	if overrides.SpeedKmh != nil {
		cfg.SpeedKmh = *overrides.SpeedKmh
	}
	if overrides.AccuracyM != nil {
		cfg.AccuracyM = *overrides.AccuracyM
	}
	if overrides.IntervalMs != nil {
		cfg.IntervalMs = *overrides.IntervalMs
	}
	if overrides.Loop != nil {
		cfg.Loop = *overrides.Loop
	}
	intervalMs := clampInterval(cfg.IntervalMs)

	kpts := make([]kinematics.RoutePoint, len(points))
	for i, p := range points {
		kpts[i] = kinematics.RoutePoint{Lat: p.Lat, Lng: p.Lng, DwellSeconds: p.DwellSeconds}
	}
	targetMps := cfg.SpeedKmh / 3.6
	params := kinematics.Params{Accuracy: cfg.AccuracyM, Loop: cfg.Loop, IntervalMs: intervalMs}

	var engine kinematics.Engine
	if s.cfg.DistanceEngine {
		engine = kinematics.NewDistanceEngine(kpts, targetMps, params)
	} else {
		engine = kinematics.NewIndexEngine(kpts, targetMps, params)
	}

	inst := &instance{
		deviceID:   deviceID,
		streamID:   ulid.NewString(),
		routeID:    routeID,
		intervalMs: intervalMs,
		loop:       cfg.Loop,
		speedKmh:   cfg.SpeedKmh,
		status:     store.StreamStarted,
		engine:     engine,
		guard:      backpressure.New(s.cfg.Backpressure),
		totalPts:   len(points),
		lastTickAt: time.Now(),
		stopCh:     make(chan struct{}),
	}

	if err := s.store.CreateStream(ctx, &store.Stream{
		ID: inst.streamID, DeviceID: deviceID, RouteID: routeID,
		Status: store.StreamStarted, SpeedKmh: cfg.SpeedKmh, Loop: cfg.Loop,
		StartedAt: time.Now(),
	}); err != nil {
		return nil, apperr.Internal(err, "persist stream record")
	}

	s.mu.Lock()
	s.instances[deviceID] = inst
	s.mu.Unlock()

	s.appendAudit(ctx, "stream.start", nil, &deviceID, map[string]any{"routeId": routeID, "streamId": inst.streamID})
	s.publish(events.Event{Type: "STREAM_STARTED", Payload: map[string]string{"deviceId": deviceID, "streamId": inst.streamID, "routeId": routeID}})

	// Emit once immediately, synchronously, before returning.
	s.tick(ctx, inst, conn)

	go s.run(inst)

	return s.statusOf(inst), nil
}

func clampInterval(ms int64) int64 {
	if ms <= 0 {
		return 1000
	}
	if ms < 100 {
		return 100
	}
	if ms > 60000 {
		return 60000
	}
	return ms
}

func (s *Scheduler) run(inst *instance) {
	ticker := time.NewTicker(time.Duration(inst.intervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-inst.stopCh:
			return
		case <-ticker.C:
			sock := s.registry.Handle(inst.deviceID)
			conn, ok := sock.(Conn)
			if !ok {
				inst.mu.Lock()
				alreadyPaused := inst.status == store.StreamPaused
				inst.mu.Unlock()
				if !alreadyPaused {
					_ = s.Pause(context.Background(), inst.deviceID)
				}
				continue
			}
			s.tick(context.Background(), inst, conn)
		}
	}
}

// tick performs one scheduler invocation: backpressure sampling, the
// simulator step, emission, hot-state mirror, and any resulting
// pause/stop transition.
func (s *Scheduler) tick(ctx context.Context, inst *instance, conn Conn) {
	inst.mu.Lock()
	if inst.stopped {
		inst.mu.Unlock()
		return
	}

	now := time.Now()
	dtMs := clampDt(now.Sub(inst.lastTickAt), s.cfg.TickClampMinMs, s.cfg.TickClampMaxMs)
	inst.lastTickAt = now

	skip, autoPause, healthDue, wsB, tcpB := inst.guard.Check(conn, now)
	if skip {
		inst.mu.Unlock()
		if healthDue {
			s.log.Debug("stream health", zap.String("deviceId", inst.deviceID), zap.Bool("skip", true),
				zap.Int64("wsBuffered", wsB), zap.Int64("tcpBuffered", tcpB))
		}
		return
	}

	paused := inst.status == store.StreamPaused
	frame := inst.engine.Step(dtMs, paused)

	payload := map[string]any{
		"deviceId":    inst.deviceID,
		"routeId":     inst.routeID,
		"lat":         frame.Lat,
		"lng":         frame.Lng,
		"speed":       frame.Speed,
		"bearing":     frame.Bearing,
		"accuracy":    frame.Accuracy,
		"state":       string(frame.State),
		"engineMode":  string(frame.EngineMode),
		"dtMs":        frame.DtMs,
		"sMeters":     frame.SMeters,
		"vMps":        frame.VMps,
		"segIndex":    frame.SegIndex,
		"pointIndex":  frame.PointIndex,
		"totalPoints": frame.TotalPoints,
		"timestamp":   now.UTC().Format(time.RFC3339Nano),
	}
	if frame.DwellRemainingSeconds != nil {
		payload["dwellRemainingSeconds"] = *frame.DwellRemainingSeconds
	}

	if err := conn.Send("MOCK_LOCATION", payload); err != nil {
		s.log.Warn("stream emission failed", zap.String("deviceId", inst.deviceID), zap.Error(err))
	}

	s.writeHotState(ctx, inst, frame)

	shouldStop := frame.Terminal && !inst.loop
	shouldAutoPause := autoPause && inst.status == store.StreamStarted
	inst.mu.Unlock()

	if healthDue {
		s.log.Info("stream health", zap.String("deviceId", inst.deviceID),
			zap.Int64("wsBuffered", wsB), zap.Int64("tcpBuffered", tcpB), zap.Int("strikes", inst.guard.StrikeCount()))
	}
	if frame.AntiTeleport {
		s.log.Warn("anti-teleport jump detected", zap.String("deviceId", inst.deviceID), zap.Int("segIndex", frame.SegIndex))
	}
	if shouldAutoPause {
		_ = s.Pause(ctx, inst.deviceID)
		s.publish(events.Event{Type: "ws_pressure_auto_pause", Payload: map[string]string{"deviceId": inst.deviceID}})
	}
	if shouldStop {
		s.stopInternal(ctx, inst.deviceID, true)
	}
}

func (s *Scheduler) writeHotState(ctx context.Context, inst *instance, frame kinematics.Frame) {
	if s.kv == nil {
		return
	}
	data := fmt.Sprintf(`{"deviceId":%q,"streamId":%q,"routeId":%q,"lat":%f,"lng":%f,"segIndex":%d,"state":%q}`,
		inst.deviceID, inst.streamID, inst.routeID, frame.Lat, frame.Lng, frame.SegIndex, frame.State)
	_ = s.kv.Set(ctx, hotKey(inst.deviceID), []byte(data), 0)
}

// Pause sets the instance to PAUSED without cancelling its timer.
// Idempotent.
func (s *Scheduler) Pause(ctx context.Context, deviceID string) error {
	inst := s.get(deviceID)
	if inst == nil {
		return apperr.NotFound("no active stream for device %s", deviceID)
	}
	inst.mu.Lock()
	inst.status = store.StreamPaused
	streamID := inst.streamID
	inst.mu.Unlock()

	_ = s.store.SetStreamStatus(ctx, streamID, store.StreamPaused, nil)
	s.appendAudit(ctx, "stream.pause", nil, &deviceID, nil)
	return nil
}

// Resume sets the instance back to STARTED, resets the wall-clock
// reference, and emits once immediately.
func (s *Scheduler) Resume(ctx context.Context, deviceID string) error {
	inst := s.get(deviceID)
	if inst == nil {
		return apperr.NotFound("no active stream for device %s", deviceID)
	}
	inst.mu.Lock()
	inst.status = store.StreamStarted
	inst.lastTickAt = time.Now()
	inst.guard.Reset()
	streamID := inst.streamID
	inst.mu.Unlock()

	_ = s.store.SetStreamStatus(ctx, streamID, store.StreamStarted, nil)
	s.appendAudit(ctx, "stream.resume", nil, &deviceID, nil)

	if sock := s.registry.Handle(deviceID); sock != nil {
		if conn, ok := sock.(Conn); ok {
			s.tick(ctx, inst, conn)
		}
	}
	return nil
}

// Stop cancels the instance's timer, clears hot state, and marks the
// stream record STOPPED. Idempotent.
func (s *Scheduler) Stop(ctx context.Context, deviceID string) (noop bool, err error) {
	if s.get(deviceID) == nil {
		return true, nil
	}
	s.stopInternal(ctx, deviceID, false)
	return false, nil
}

func (s *Scheduler) stopInternal(ctx context.Context, deviceID string, broadcastStopped bool) {
	s.mu.Lock()
	inst, ok := s.instances[deviceID]
	if ok {
		delete(s.instances, deviceID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	inst.mu.Lock()
	if inst.stopped {
		inst.mu.Unlock()
		return
	}
	inst.stopped = true
	streamID := inst.streamID
	close(inst.stopCh)
	inst.mu.Unlock()

	if s.kv != nil {
		_ = s.kv.Delete(ctx, hotKey(deviceID))
	}
	now := time.Now()
	_ = s.store.SetStreamStatus(ctx, streamID, store.StreamStopped, &now)
	s.appendAudit(ctx, "stream.stop", nil, &deviceID, nil)

	if broadcastStopped {
		s.publish(events.Event{Type: "STREAM_STOPPED", Payload: map[string]string{"deviceId": deviceID, "streamId": streamID}})
	}
}

// SkipDwell ends the current dwell immediately, if the instance is
// currently waiting.
func (s *Scheduler) SkipDwell(deviceID string) error {
	inst := s.get(deviceID)
	if inst == nil {
		return apperr.NotFound("no active stream for device %s", deviceID)
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if dc, ok := inst.engine.(kinematics.DwellController); ok {
		dc.SkipDwell()
	}
	return nil
}

// ExtendDwell adds seconds worth of dwell ticks to the current wait.
func (s *Scheduler) ExtendDwell(deviceID string, seconds float64) error {
	inst := s.get(deviceID)
	if inst == nil {
		return apperr.NotFound("no active stream for device %s", deviceID)
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if dc, ok := inst.engine.(kinematics.DwellController); ok {
		ticks := int(math.Ceil(seconds * 1000 / float64(inst.intervalMs)))
		dc.ExtendDwell(ticks)
	}
	return nil
}

// Status returns a snapshot of the named device's instance, if any.
func (s *Scheduler) Status(deviceID string) (*Status, bool) {
	inst := s.get(deviceID)
	if inst == nil {
		return nil, false
	}
	return s.statusOf(inst), true
}

// ListActive returns a snapshot of every live instance.
func (s *Scheduler) ListActive() []*Status {
	s.mu.Lock()
	insts := make([]*instance, 0, len(s.instances))
	for _, inst := range s.instances {
		insts = append(insts, inst)
	}
	s.mu.Unlock()

	out := make([]*Status, 0, len(insts))
	for _, inst := range insts {
		out = append(out, s.statusOf(inst))
	}
	return out
}

// History returns the durable stream records for a device, newest first.
func (s *Scheduler) History(ctx context.Context, deviceID string, limit int) ([]*store.Stream, error) {
	return s.store.StreamHistory(ctx, deviceID, limit)
}

// Shutdown cancels every running instance's timer and flushes its
// Stream record to stopped, for use during graceful server shutdown.
func (s *Scheduler) Shutdown(ctx context.Context) {
	for _, status := range s.ListActive() {
		s.stopInternal(ctx, status.DeviceID, false)
	}
}

// HotState is the K/V-sourced fallback projection returned by
// StatusOrHot when no live instance exists in this process (e.g. after
// a restart, before the owning process re-attaches).
type HotState struct {
	DeviceID  string  `json:"deviceId"`
	StreamID  string  `json:"streamId"`
	RouteID   string  `json:"routeId"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	SegIndex  int     `json:"segIndex"`
	State     string  `json:"state"`
	FromRedis bool    `json:"fromRedis"`
}

// StatusOrHot returns a live projection if the instance exists in this
// process, otherwise falls back to the hot state mirrored in the K/V
// store, annotated fromRedis=true, per §4.8.
func (s *Scheduler) StatusOrHot(ctx context.Context, deviceID string) (*Status, *HotState, bool) {
	if status, ok := s.Status(deviceID); ok {
		return status, nil, true
	}
	if s.kv == nil {
		return nil, nil, false
	}
	data, ok, err := s.kv.Get(ctx, hotKey(deviceID))
	if err != nil || !ok {
		return nil, nil, false
	}
	var hot HotState
	if err := json.Unmarshal(data, &hot); err != nil {
		return nil, nil, false
	}
	hot.FromRedis = true
	return nil, &hot, true
}

func (s *Scheduler) statusOf(inst *instance) *Status {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return &Status{
		DeviceID: inst.deviceID, StreamID: inst.streamID, RouteID: inst.routeID,
		State: inst.status, SpeedKmh: inst.speedKmh, Loop: inst.loop,
		IntervalMs: inst.intervalMs, StartedAt: inst.lastTickAt,
		TotalPoints: inst.totalPts,
	}
}

func (s *Scheduler) get(deviceID string) *instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instances[deviceID]
}

func (s *Scheduler) publish(e events.Event) {
	if s.bus == nil {
		return
	}
	e.Timestamp = time.Now()
	if err := s.bus.Publish(e); err != nil {
		s.log.Warn("event publish failed", zap.String("type", e.Type), zap.Error(err))
	}
}

func (s *Scheduler) appendAudit(ctx context.Context, action string, userID, deviceID *string, meta map[string]any) {
	if err := s.store.AppendAudit(ctx, &store.AuditEntry{
		ID: ulid.NewString(), Action: action, UserID: userID, DeviceID: deviceID,
		Meta: meta, CreatedAt: time.Now(),
	}); err != nil {
		s.log.Warn("audit append failed", zap.String("action", action), zap.Error(err))
	}
}
