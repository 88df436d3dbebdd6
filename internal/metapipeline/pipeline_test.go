package metapipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ploop/ploop/internal/constants"
	"github.com/ploop/ploop/internal/delta"
	"github.com/ploop/ploop/internal/ondisk"
)

func newTestDelta(t *testing.T, virtualSizeClusters uint64) (*delta.ImageDelta, *delta.MemFile) {
	t.Helper()
	mem := delta.NewMemFile(0)
	d, err := delta.Create(mem, delta.CreateOptions{
		Role:                ondisk.RoleImageDelta,
		ClusterShift:        constants.DefaultClusterShift,
		VirtualSizeClusters: virtualSizeClusters,
		CacheSize:           16,
	})
	require.NoError(t, err)
	return d, mem
}

func TestStageDirtyThenBarrierPersistsGeneration(t *testing.T) {
	d, mem := newTestDelta(t, 4096)
	p := New(Config{BatchInterval: time.Hour, BackpressureWatermark: 64})
	defer p.Close()
	p.RegisterDelta(d, d.Generation())

	phys, err := d.ReserveTail()
	require.NoError(t, err)
	_, err = p.StageDirty(context.Background(), d, 3, phys)
	require.NoError(t, err)

	require.NoError(t, p.Barrier(context.Background()))
	require.EqualValues(t, 1, d.Generation())

	reopened, err := delta.Open(mem, 16)
	require.NoError(t, err)
	got, ok := reopened.Lookup(3)
	require.True(t, ok)
	require.Equal(t, phys, got)
}

func TestStageDirtyBackpressure(t *testing.T) {
	d, _ := newTestDelta(t, 4096)
	p := New(Config{BatchInterval: time.Hour, BackpressureWatermark: 1})
	defer p.Close()
	p.RegisterDelta(d, d.Generation())
	// Create leaves every BAT page dirty; commit them so the delta starts
	// below the watermark.
	require.NoError(t, p.Barrier(context.Background()))

	phys, err := d.ReserveTail()
	require.NoError(t, err)
	_, err = p.StageDirty(context.Background(), d, 1, phys)
	require.NoError(t, err)

	phys2, err := d.ReserveTail()
	require.NoError(t, err)
	_, err = p.StageDirty(context.Background(), d, 2, phys2)
	require.Error(t, err)
	var bp *ErrMetadataBackpressure
	require.ErrorAs(t, err, &bp)
}

func TestPeriodicCommitDrainsWithoutExplicitBarrier(t *testing.T) {
	d, _ := newTestDelta(t, 4096)
	p := New(Config{BatchInterval: 10 * time.Millisecond, BackpressureWatermark: 64})
	defer p.Close()
	p.RegisterDelta(d, d.Generation())

	phys, err := d.ReserveTail()
	require.NoError(t, err)
	_, err = p.StageDirty(context.Background(), d, 9, phys)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return d.Generation() > 0
	}, time.Second, 10*time.Millisecond)
}

func TestUnregisterDeltaStopsCommitting(t *testing.T) {
	d, _ := newTestDelta(t, 4096)
	p := New(Config{BatchInterval: time.Hour, BackpressureWatermark: 64})
	defer p.Close()
	p.RegisterDelta(d, d.Generation())
	p.UnregisterDelta(d.ID())

	phys, err := d.ReserveTail()
	require.NoError(t, err)
	_, err = d.MarkDirty(1, phys, 1)
	require.NoError(t, err)

	require.NoError(t, p.Barrier(context.Background()))
	require.EqualValues(t, 0, d.Generation())
}
