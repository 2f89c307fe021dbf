package kinematics

import "backend/internal/geo"

// IndexEngine is the legacy step-per-point engine: it advances
// currentIndex by one per tick unless waiting or paused, emitting the
// raw point coordinates with a bearing toward the next point.
type IndexEngine struct {
	points       []RoutePoint
	targetSpeed  float64 // meters per second when moving
	params       Params
	currentIndex int
	terminal     bool
}

// NewIndexEngine constructs an IndexEngine over the given polyline.
func NewIndexEngine(points []RoutePoint, targetSpeedMps float64, params Params) *IndexEngine {
	return &IndexEngine{points: points, targetSpeed: targetSpeedMps, params: params}
}

func (e *IndexEngine) Terminal() bool { return e.terminal }

func (e *IndexEngine) Reset() {
	e.currentIndex = 0
	e.terminal = false
}

func (e *IndexEngine) Step(dtMs int64, paused bool) Frame {
	n := len(e.points)
	if n == 0 {
		return Frame{EngineMode: EngineIndex, State: StatePaused}
	}

	state := StateMove
	speed := e.targetSpeed
	if paused {
		state = StatePaused
		speed = 0
	}

	if !paused {
		if e.currentIndex < n-1 {
			e.currentIndex++
		} else if e.params.Loop {
			e.currentIndex = 0
		} else {
			e.terminal = true
			state = StateWait
			speed = 0
		}
	}

	cur := e.points[e.currentIndex]
	nextIdx := (e.currentIndex + 1) % n
	bearing := geo.Bearing(cur.geo(), e.points[nextIdx].geo())

	return Frame{
		Lat: cur.Lat, Lng: cur.Lng,
		Speed: speed, Bearing: bearing, Accuracy: e.params.Accuracy,
		State:       state,
		EngineMode:  EngineIndex,
		DtMs:        dtMs,
		SegIndex:    e.currentIndex,
		PointIndex:  e.currentIndex,
		TotalPoints: n,
		Terminal:    e.terminal,
	}
}
