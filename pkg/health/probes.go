package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Probe defines a single health check.
type Probe interface {
	// Check performs the health check. Returns nil if healthy.
	Check(ctx context.Context) error
	// Name returns the probe's identifier.
	Name() string
}

// CheckWithResult wraps a Probe.Check call and measures latency.
func CheckWithResult(ctx context.Context, probe Probe) ProbeResult {
	start := time.Now()
	err := probe.Check(ctx)
	return ProbeResult{
		Name:    probe.Name(),
		Healthy: err == nil,
		Latency: time.Since(start),
		Error:   err,
	}
}

// DBProbe checks that the durable store accepts connections.
type DBProbe struct {
	db *sql.DB
}

// NewDBProbe wraps a *sql.DB as a Probe.
func NewDBProbe(db *sql.DB) *DBProbe {
	return &DBProbe{db: db}
}

func (p *DBProbe) Check(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}

func (p *DBProbe) Name() string { return "store" }

// kvPinger is the subset of kv.Store a KVProbe needs, kept narrow so
// this package doesn't import internal/kv.
type kvPinger interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// KVProbe checks that the ephemeral store accepts a round-trip write.
type KVProbe struct {
	kv kvPinger
}

// NewKVProbe wraps a kv.Store as a Probe.
func NewKVProbe(kv kvPinger) *KVProbe {
	return &KVProbe{kv: kv}
}

func (p *KVProbe) Check(ctx context.Context) error {
	const key = "health:probe"
	if err := p.kv.Set(ctx, key, []byte("1"), 5*time.Second); err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	_ = p.kv.Delete(ctx, key)
	return nil
}

func (p *KVProbe) Name() string { return "kv" }

// CompositeProbe combines multiple health probes. All probes must
// pass for the composite to be healthy.
type CompositeProbe struct {
	name   string
	probes []Probe
}

// NewCompositeProbe creates a health probe that checks multiple probes.
func NewCompositeProbe(name string, probes ...Probe) *CompositeProbe {
	return &CompositeProbe{name: name, probes: probes}
}

func (p *CompositeProbe) Check(ctx context.Context) error {
	for _, probe := range p.probes {
		if err := probe.Check(ctx); err != nil {
			return fmt.Errorf("composite probe %s failed at %s: %w", p.name, probe.Name(), err)
		}
	}
	return nil
}

func (p *CompositeProbe) Name() string { return p.name }
