// Package backpressure implements the Backpressure Guard (C9): sampling
// a socket's outbound buffer occupancy before every emission, tracking
// strikes in a sliding window, and signalling auto-pause once the
// strike threshold is reached. Grounded on the teacher's
// connection.Manager health-sampling idiom (platform-conditional probe
// + pure threshold/window bookkeeping kept separate from the sampler).
package backpressure

import (
	"sync"
	"time"
)

// Config holds the tunables named in §6 (STREAM_WS_* environment
// variables).
type Config struct {
	Enabled               bool
	WSMaxBytes            int64
	TCPMaxBytes           int64
	PressureWindow        time.Duration
	StrikesToPause        int
	HealthAuditInterval   time.Duration
}

// DefaultConfig returns the documented defaults from §4.7.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		WSMaxBytes:          262144,
		TCPMaxBytes:         524288,
		PressureWindow:      15 * time.Second,
		StrikesToPause:      10,
		HealthAuditInterval: 10 * time.Second,
	}
}

// Sampler reports the current outbound buffer occupancy for one
// socket. wsBuffered is bytes queued in the framing/send-channel
// layer; tcpBuffered is the kernel send-queue size where available
// (best-effort, 0 on platforms without a probe).
type Sampler interface {
	Sample() (wsBuffered, tcpBuffered int64)
}

// Guard tracks strikes for a single device's stream and decides
// whether a tick should be skipped or the stream auto-paused.
type Guard struct {
	cfg Config

	mu           sync.Mutex
	strikes      []time.Time
	lastHealthAt time.Time
}

// New constructs a Guard with the given configuration.
func New(cfg Config) *Guard {
	return &Guard{cfg: cfg}
}

// Check samples sampler and returns skip=true if the tick must be
// skipped (buffer over threshold), and pause=true if accumulated
// strikes within the window have reached the auto-pause threshold.
// Check also reports whether a health audit is due (rate-limited to
// once per HealthAuditInterval).
func (g *Guard) Check(sampler Sampler, now time.Time) (skip, pause, healthDue bool, wsBuffered, tcpBuffered int64) {
	wsBuffered, tcpBuffered = sampler.Sample()
	if !g.cfg.Enabled {
		return false, false, false, wsBuffered, tcpBuffered
	}
	over := wsBuffered > g.cfg.WSMaxBytes || tcpBuffered > g.cfg.TCPMaxBytes

	g.mu.Lock()
	defer g.mu.Unlock()

	if over {
		g.strikes = append(g.strikes, now)
	}
	g.strikes = pruneBefore(g.strikes, now.Add(-g.cfg.PressureWindow))

	if g.lastHealthAt.IsZero() || now.Sub(g.lastHealthAt) >= g.cfg.HealthAuditInterval {
		g.lastHealthAt = now
		healthDue = true
	}

	return over, len(g.strikes) >= g.cfg.StrikesToPause, healthDue, wsBuffered, tcpBuffered
}

// StrikeCount returns the number of strikes currently within the
// sliding window (for status/testing).
func (g *Guard) StrikeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.strikes)
}

// Reset clears accumulated strikes (called on resume/restart).
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.strikes = nil
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// ChannelSampler adapts a buffered Go channel's length/capacity into a
// Sampler, used by the socket server to report wsBuffered from its
// per-connection send channel. tcpBuffered is supplied by a separate
// platform probe (see tcpbuf_linux.go / tcpbuf_other.go).
type ChannelSampler struct {
	Len        func() int
	BytesPerMsg int64
	TCPProbe   func() int64
}

// Sample implements Sampler.
func (s ChannelSampler) Sample() (wsBuffered, tcpBuffered int64) {
	bytesPerMsg := s.BytesPerMsg
	if bytesPerMsg <= 0 {
		bytesPerMsg = 1
	}
	wsBuffered = int64(s.Len()) * bytesPerMsg
	if s.TCPProbe != nil {
		tcpBuffered = s.TCPProbe()
	}
	return wsBuffered, tcpBuffered
}
