package kinematics

import (
	"math"

	"backend/internal/geo"
)

// DistanceEngine is the default engine for new deployments: it tracks
// continuous progress along the polyline (segIndex/segProgress),
// applies acceleration/deceleration toward a target speed, smooths
// heading with a look-ahead low-pass filter, and detects teleport
// jumps.
type DistanceEngine struct {
	points      []RoutePoint
	targetSpeed float64 // meters/second when MOVE
	params      Params

	segIndex    int
	segProgress float64
	vMps        float64
	vTarget     float64
	headingDeg  float64
	headingInit bool
	sMeters     float64

	state                 State
	dwellTicksRemaining   int
	keepaliveTickCount    int
	lastEmitted           geo.Point
	haveLastEmitted       bool
	terminal              bool
}

// NewDistanceEngine constructs a DistanceEngine over the given polyline.
func NewDistanceEngine(points []RoutePoint, targetSpeedMps float64, params Params) *DistanceEngine {
	e := &DistanceEngine{
		points:      points,
		targetSpeed: targetSpeedMps,
		params:      params,
		vTarget:     targetSpeedMps,
		state:       StateMove,
	}
	if len(points) > 0 {
		e.lastEmitted = points[0].geo()
		e.haveLastEmitted = true
	}
	return e
}

func (e *DistanceEngine) Terminal() bool { return e.terminal }

func (e *DistanceEngine) Reset() {
	e.segIndex = 0
	e.segProgress = 0
	e.vMps = 0
	e.vTarget = e.targetSpeed
	e.headingInit = false
	e.sMeters = 0
	e.state = StateMove
	e.dwellTicksRemaining = 0
	e.keepaliveTickCount = 0
	e.terminal = false
	if len(e.points) > 0 {
		e.lastEmitted = e.points[0].geo()
		e.haveLastEmitted = true
	}
}

// SkipDwell ends the current dwell immediately; a no-op unless the
// engine is currently waiting.
func (e *DistanceEngine) SkipDwell() {
	if e.state == StateWait {
		e.dwellTicksRemaining = 0
	}
}

// ExtendDwell adds ticks to the remaining dwell count; a no-op unless
// the engine is currently waiting.
func (e *DistanceEngine) ExtendDwell(ticks int) {
	if e.state == StateWait {
		e.dwellTicksRemaining += ticks
	}
}

func (e *DistanceEngine) segLen(i int) float64 {
	if i+1 >= len(e.points) {
		return 0
	}
	return geo.Distance(e.points[i].geo(), e.points[i+1].geo())
}

// Step implements the eleven numbered sub-steps of §4.6.
func (e *DistanceEngine) Step(dtMs int64, paused bool) Frame {
	n := len(e.points)
	if n < 2 {
		return Frame{EngineMode: EngineDistance, State: StatePaused, Accuracy: e.params.Accuracy}
	}
	dt := float64(dtMs) / 1000.0

	// 2. Dwell entry.
	if e.state == StateMove && e.dwellTicksRemaining == 0 && !paused {
		if e.segIndex < n && e.points[e.segIndex].DwellSeconds > 0 && e.segProgress < 1e-6 {
			e.vTarget = 0
			e.state = StateWait
			e.dwellTicksRemaining = ceilDiv(e.points[e.segIndex].DwellSeconds*1000, e.params.IntervalMs)
		}
	}

	// 3. Dwell countdown.
	var dwellRemaining *int
	if e.state == StateWait && e.vMps <= 0.1 {
		e.vMps = 0
		remaining := int(math.Round(float64(e.dwellTicksRemaining) * float64(e.params.IntervalMs) / 1000.0))
		if !paused {
			if e.dwellTicksRemaining == 0 {
				e.vTarget = e.targetSpeed
				e.state = StateMove
			} else {
				e.dwellTicksRemaining--
			}
		}
		dwellRemaining = &remaining
	}

	if paused {
		e.vTarget = 0
	} else if e.state == StateMove {
		e.vTarget = e.targetSpeed
	}

	// 4. Velocity update.
	if e.vMps < e.vTarget {
		e.vMps = math.Min(e.vMps+AccelMps2*dt, e.vTarget)
	} else if e.vMps > e.vTarget {
		e.vMps = math.Max(e.vMps-DecelMps2*dt, e.vTarget)
	}
	if e.vMps < 0 {
		e.vMps = 0
	}

	// 5. Movement clamp.
	maxPerTick := clamp(e.vTarget*dt*maxMetersFactor, minMetersPerTick, maxMetersPerTick)
	metersToAdvance := math.Min(e.vMps*dt, maxPerTick)

	// 6. Segment traversal.
	e.segProgress += metersToAdvance
	e.sMeters += metersToAdvance
	for e.segIndex < n-1 {
		segLen := e.segLen(e.segIndex)
		if segLen <= 0 || e.segProgress < segLen {
			break
		}
		e.segProgress -= segLen
		e.segIndex++
	}

	// 7. Position.
	var pos geo.Point
	keepalive := e.vMps == 0 && (paused || e.state != StateMove)
	if keepalive && e.haveLastEmitted {
		pos = e.lastEmitted
	} else if e.segIndex >= n-1 {
		pos = e.points[n-1].geo()
	} else {
		segLen := e.segLen(e.segIndex)
		f := 0.0
		if segLen > 0 {
			f = clamp(e.segProgress/segLen, 0, 1)
		}
		pos = geo.Interpolate(e.points[e.segIndex].geo(), e.points[e.segIndex+1].geo(), f)
	}

	// 8. Heading.
	targetBearing := e.lookAheadBearing()
	if !e.headingInit || e.vMps <= 0.5 {
		if e.vMps > 0.5 || !e.headingInit {
			e.headingDeg = targetBearing
			e.headingInit = true
		}
	} else {
		diff := geo.FoldAngle(targetBearing - e.headingDeg)
		e.headingDeg = math.Mod(e.headingDeg+diff*HeadingLowPass+360, 360)
	}

	// 9. Anti-teleport.
	antiTeleport := false
	if e.haveLastEmitted {
		jump := geo.Distance(e.lastEmitted, pos)
		if jump > MaxJumpMeters {
			antiTeleport = true
		}
	}
	e.lastEmitted = pos
	e.haveLastEmitted = true

	// 10. Effective state.
	effState := e.state
	if paused {
		effState = StatePaused
	}

	// 11. keepalive audit throttle counter (wire frame always emitted).
	if keepalive {
		e.keepaliveTickCount++
	} else {
		e.keepaliveTickCount = 0
	}

	// Termination condition.
	lastSegLen := e.segLen(n - 2)
	if e.segIndex == n-1 || (e.segIndex == n-2 && e.segProgress >= lastSegLen-0.5) {
		if e.segIndex < n-1 {
			e.segIndex = n - 1
			e.segProgress = 0
		}
		if e.params.Loop {
			e.Reset()
		} else {
			e.terminal = true
		}
	}

	return Frame{
		Lat: pos.Lat, Lng: pos.Lng,
		Speed: e.vMps, Bearing: e.headingDeg, Accuracy: e.params.Accuracy,
		State:                 effState,
		EngineMode:            EngineDistance,
		DtMs:                  dtMs,
		SMeters:               e.sMeters,
		VMps:                  e.vMps,
		SegIndex:              e.segIndex,
		PointIndex:            e.segIndex,
		TotalPoints:           n,
		DwellRemainingSeconds: dwellRemaining,
		Terminal:              e.terminal,
		AntiTeleport:          antiTeleport,
	}
}

// lookAheadBearing finds the point LookAheadMeters ahead of the current
// progress along the polyline and returns the bearing toward it.
func (e *DistanceEngine) lookAheadBearing() float64 {
	n := len(e.points)
	if e.segIndex >= n-1 {
		if n >= 2 {
			return geo.Bearing(e.points[n-2].geo(), e.points[n-1].geo())
		}
		return e.headingDeg
	}

	from := geo.Point{}
	segLen := e.segLen(e.segIndex)
	f := 0.0
	if segLen > 0 {
		f = clamp(e.segProgress/segLen, 0, 1)
	}
	from = geo.Interpolate(e.points[e.segIndex].geo(), e.points[e.segIndex+1].geo(), f)

	remaining := LookAheadMeters
	idx := e.segIndex
	progress := e.segProgress
	for idx < n-1 {
		segLen := e.segLen(idx)
		distLeftInSeg := segLen - progress
		if distLeftInSeg >= remaining {
			return geo.Bearing(from, e.points[idx+1].geo())
		}
		remaining -= distLeftInSeg
		progress = 0
		idx++
	}
	return geo.Bearing(from, e.points[n-1].geo())
}
