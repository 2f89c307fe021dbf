package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeProbe struct {
	name string
	err  error
}

func (f fakeProbe) Check(ctx context.Context) error { return f.err }
func (f fakeProbe) Name() string                    { return f.name }

func TestAggregatorAllHealthy(t *testing.T) {
	agg := NewAggregator(fakeProbe{name: "a"}, fakeProbe{name: "b"})
	result := agg.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Len(t, result.Probes, 2)
}

func TestAggregatorDegraded(t *testing.T) {
	agg := NewAggregator(fakeProbe{name: "a"}, fakeProbe{name: "b", err: errors.New("down")})
	result := agg.Check(context.Background())
	assert.Equal(t, StatusDegraded, result.Status)
}

func TestAggregatorUnhealthy(t *testing.T) {
	agg := NewAggregator(fakeProbe{name: "a", err: errors.New("down")})
	result := agg.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
}

func TestAggregatorNoProbes(t *testing.T) {
	agg := NewAggregator()
	result := agg.Check(context.Background())
	assert.Equal(t, StatusUnknown, result.Status)
}

func TestCompositeProbeFailsOnFirstError(t *testing.T) {
	p := NewCompositeProbe("composite", fakeProbe{name: "a"}, fakeProbe{name: "b", err: errors.New("down")})
	assert.Error(t, p.Check(context.Background()))
}

func TestKVProbeRoundTrip(t *testing.T) {
	kv := &fakeKV{}
	p := NewKVProbe(kv)
	assert.NoError(t, p.Check(context.Background()))
	assert.True(t, kv.deleted)
}

type fakeKV struct {
	deleted bool
}

func (f *fakeKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}
func (f *fakeKV) Delete(ctx context.Context, key string) error {
	f.deleted = true
	return nil
}
