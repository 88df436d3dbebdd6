package translator

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ploop/ploop/internal/cluster"
	"github.com/ploop/ploop/internal/constants"
	"github.com/ploop/ploop/internal/delta"
	"github.com/ploop/ploop/internal/metapipeline"
	"github.com/ploop/ploop/internal/ondisk"
	"github.com/ploop/ploop/internal/stack"
)

func newLayer(t *testing.T, virtualSizeClusters uint64) *delta.ImageDelta {
	t.Helper()
	mem := delta.NewMemFile(0)
	d, err := delta.Create(mem, delta.CreateOptions{
		Role:                ondisk.RoleImageDelta,
		ClusterShift:        constants.DefaultClusterShift,
		VirtualSizeClusters: virtualSizeClusters,
		CacheSize:           16,
	})
	require.NoError(t, err)
	return d
}

func newTestTranslator(t *testing.T, layers ...delta.Layer) (*Translator, *metapipeline.Pipeline) {
	t.Helper()
	s := stack.New(layers...)
	p := metapipeline.New(metapipeline.Config{BatchInterval: time.Hour, BackpressureWatermark: 256})
	for _, l := range layers {
		if img, ok := l.(*delta.ImageDelta); ok {
			p.RegisterDelta(img, img.Generation())
		}
	}
	tr := New(s, cluster.NewTable(), p)
	t.Cleanup(p.Close)
	return tr, p
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	top := newLayer(t, 64)
	tr, p := newTestTranslator(t, top)

	clusterSize := top.ClusterSize()
	payload := bytes.Repeat([]byte{0xAB}, int(clusterSize))

	err := tr.Submit(context.Background(), Request{Op: OpWrite, Offset: 0, Length: clusterSize, Data: payload})
	require.NoError(t, err)
	require.NoError(t, p.Barrier(context.Background()))

	readBuf := make([]byte, clusterSize)
	err = tr.Submit(context.Background(), Request{Op: OpRead, Offset: 0, Length: clusterSize, Data: readBuf})
	require.NoError(t, err)
	require.Equal(t, payload, readBuf)
}

func TestReadHoleReturnsZero(t *testing.T) {
	top := newLayer(t, 64)
	tr, _ := newTestTranslator(t, top)

	clusterSize := top.ClusterSize()
	buf := bytes.Repeat([]byte{0xFF}, int(clusterSize))
	err := tr.Submit(context.Background(), Request{Op: OpRead, Offset: 0, Length: clusterSize, Data: buf})
	require.NoError(t, err)
	require.Equal(t, make([]byte, clusterSize), buf)
}

func TestReadFallsThroughToLowerLayer(t *testing.T) {
	base := newLayer(t, 64)
	top := newLayer(t, 64)
	clusterSize := base.ClusterSize()

	basePhys, err := base.ReserveTail()
	require.NoError(t, err)
	baseData := bytes.Repeat([]byte{0x11}, int(clusterSize))
	require.NoError(t, base.WriteCluster(basePhys, 0, baseData))
	_, err = base.MarkDirty(2, basePhys, 1)
	require.NoError(t, err)

	tr, _ := newTestTranslator(t, base, top)

	readBuf := make([]byte, clusterSize)
	err = tr.Submit(context.Background(), Request{Op: OpRead, Offset: 2 * clusterSize, Length: clusterSize, Data: readBuf})
	require.NoError(t, err)
	require.Equal(t, baseData, readBuf)
}

func TestMultiClusterWriteSplitsPerCluster(t *testing.T) {
	top := newLayer(t, 64)
	tr, p := newTestTranslator(t, top)
	clusterSize := top.ClusterSize()

	payload := append(bytes.Repeat([]byte{0x01}, int(clusterSize)), bytes.Repeat([]byte{0x02}, int(clusterSize))...)
	err := tr.Submit(context.Background(), Request{Op: OpWrite, Offset: 0, Length: 2 * clusterSize, Data: payload})
	require.NoError(t, err)
	require.NoError(t, p.Barrier(context.Background()))

	readBuf := make([]byte, 2*clusterSize)
	err = tr.Submit(context.Background(), Request{Op: OpRead, Offset: 0, Length: 2 * clusterSize, Data: readBuf})
	require.NoError(t, err)
	require.Equal(t, payload, readBuf)
}

// A sub-cluster write that doesn't start at the cluster's first byte must
// land at its actual offset, not get shifted to the cluster's start.
func TestSectorAlignedWriteNotAtClusterStart(t *testing.T) {
	top := newLayer(t, 64)
	tr, p := newTestTranslator(t, top)
	clusterSize := top.ClusterSize()

	const sector = 512
	patch := bytes.Repeat([]byte{0x66}, sector)
	midOffset := clusterSize / 2

	err := tr.Submit(context.Background(), Request{Op: OpWrite, Offset: midOffset, Length: sector, Data: patch})
	require.NoError(t, err)
	require.NoError(t, p.Barrier(context.Background()))

	whole := make([]byte, clusterSize)
	err = tr.Submit(context.Background(), Request{Op: OpRead, Offset: 0, Length: clusterSize, Data: whole})
	require.NoError(t, err)

	for i, b := range whole {
		if int64(i) >= midOffset && int64(i) < midOffset+sector {
			require.Equal(t, byte(0x66), b, "offset %d should hold the patch", i)
		} else {
			require.Equal(t, byte(0), b, "offset %d outside the patch must remain a hole", i)
		}
	}
}

func TestFlushBypassesClusterDispatch(t *testing.T) {
	top := newLayer(t, 64)
	tr, _ := newTestTranslator(t, top)
	err := tr.Submit(context.Background(), Request{Op: OpFlush})
	require.NoError(t, err)
}
