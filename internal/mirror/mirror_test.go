package mirror

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dndemicube/server/internal/fog"
	"dndemicube/server/internal/geometry"
	"dndemicube/server/internal/journal"
	"dndemicube/server/internal/net/proto"
	"dndemicube/server/internal/scene"
)

func baseKeyframe() proto.Keyframe {
	return proto.Keyframe{
		Version: 10,
		Scene: scene.Snapshot{
			Map:       &scene.Map{AssetPath: "maps/keep.png", Width: 400, Height: 200},
			Instances: []scene.Instance{{ID: "inst-1", AssetPath: "tokens/a.png", Width: 10, Height: 10, Scale: 1, Opacity: 1, ZOrder: 1}},
			Fog:       fog.Snapshot{Cols: 2, Rows: 2, CellSize: 200, Cells: make([]fog.State, 4)},
		},
	}
}

func moveDelta(base, version uint64, x float64) proto.StateDelta {
	return proto.StateDelta{
		BaseVersion: base,
		Version:     version,
		Patches: []journal.Patch{
			{Kind: journal.PatchInstanceUpsert, EntityID: "inst-1", Payload: scene.Instance{ID: "inst-1", X: x, Width: 10, Height: 10, Scale: 1, Opacity: 1, ZOrder: 1}},
			{Kind: journal.PatchFogCells, Payload: journal.FogCellsPayload{Cells: []fog.CellUpdate{{Col: 1, Row: 0, State: fog.Visible}}}},
		},
	}
}

func TestDeltaBeforeKeyframeDesyncs(t *testing.T) {
	m := New()
	err := m.ApplyDelta(moveDelta(0, 1, 5))
	assert.True(t, errors.Is(err, ErrStateDesync))
	assert.True(t, m.NeedsKeyframe())
}

func TestApplyDeltaIsIdempotent(t *testing.T) {
	m := New()
	require.True(t, m.ApplyKeyframe(baseKeyframe()))
	require.False(t, m.NeedsKeyframe())

	delta := moveDelta(10, 11, 42)
	require.NoError(t, m.ApplyDelta(delta))
	once := m.Snapshot()

	require.NoError(t, m.ApplyDelta(delta))
	assert.Equal(t, once, m.Snapshot(), "re-delivered delta changes nothing")
	assert.Equal(t, uint64(11), m.Version())

	inst, ok := once.Instance("inst-1")
	require.True(t, ok)
	assert.Equal(t, 42.0, inst.X)
	assert.Equal(t, fog.Visible, once.Fog.StateAt(1, 0))
}

func TestVersionGapRequiresKeyframe(t *testing.T) {
	m := New()
	m.ApplyKeyframe(baseKeyframe())

	err := m.ApplyDelta(moveDelta(11, 12, 1))
	require.ErrorIs(t, err, ErrStateDesync)
	assert.True(t, m.NeedsKeyframe())
	assert.Equal(t, uint64(10), m.Version(), "nothing applied on a gap")

	recovery := baseKeyframe()
	recovery.Version = 12
	require.True(t, m.ApplyKeyframe(recovery))
	assert.False(t, m.NeedsKeyframe())
	require.NoError(t, m.ApplyDelta(moveDelta(12, 13, 3)))
}

func TestStaleKeyframeIgnored(t *testing.T) {
	m := New()
	m.ApplyKeyframe(baseKeyframe())
	require.NoError(t, m.ApplyDelta(moveDelta(10, 11, 7)))

	stale := baseKeyframe()
	stale.Version = 9
	assert.False(t, m.ApplyKeyframe(stale))
	assert.Equal(t, uint64(11), m.Version())
}

func TestHiddenUpsertRemovesInstance(t *testing.T) {
	m := New()
	m.ApplyKeyframe(baseKeyframe())
	require.NoError(t, m.ApplyDelta(proto.StateDelta{
		BaseVersion: 10,
		Version:     11,
		Patches: []journal.Patch{
			{Kind: journal.PatchInstanceUpsert, EntityID: "inst-1", Payload: scene.Instance{ID: "inst-1", Hidden: true}},
		},
	}))
	assert.Empty(t, m.Snapshot().Instances)
}

func TestHeartbeatAheadFlagsDesync(t *testing.T) {
	m := New()
	m.ApplyKeyframe(baseKeyframe())
	assert.False(t, m.ObserveHeartbeat(10))
	assert.True(t, m.ObserveHeartbeat(11))
}

func TestInOrderDeltaClearsHeartbeatLag(t *testing.T) {
	m := New()
	m.ApplyKeyframe(baseKeyframe())
	require.True(t, m.ObserveHeartbeat(11))

	require.NoError(t, m.ApplyDelta(moveDelta(10, 11, 4)))
	assert.Equal(t, uint64(11), m.Version())
	assert.False(t, m.NeedsKeyframe(), "delta delivered the announced version")
	assert.False(t, m.ObserveHeartbeat(11))
}

func TestDesyncSurvivesHeartbeatCatchUp(t *testing.T) {
	m := New()
	m.ApplyKeyframe(baseKeyframe())
	require.ErrorIs(t, m.ApplyDelta(moveDelta(11, 12, 1)), ErrStateDesync)
	assert.True(t, m.ObserveHeartbeat(10), "a failed delta still needs a keyframe")
}

func TestFrameUsesOwnOutputSize(t *testing.T) {
	m := New()
	m.ApplyKeyframe(baseKeyframe())

	wide := m.Frame(geometry.Viewport{Zoom: 1, OutputWidth: 1600, OutputHeight: 400})
	tall := m.Frame(geometry.Viewport{Zoom: 1, OutputWidth: 400, OutputHeight: 1600})
	assert.InDelta(t, 2.0, wide.Transform.Width/wide.Transform.Height, 1e-9)
	assert.InDelta(t, 800.0, wide.Transform.Width*wide.Transform.Scale, 1e-9)
	assert.InDelta(t, 400.0, tall.Transform.Width*tall.Transform.Scale, 1e-9)
	assert.InDelta(t, 700.0, tall.Transform.OffsetY, 1e-9)
}

func TestFrameAppliesZoomAndPan(t *testing.T) {
	m := New()
	m.ApplyKeyframe(baseKeyframe())

	f := m.Frame(geometry.Viewport{Zoom: 2, PanX: 50, OutputWidth: 800, OutputHeight: 400})
	assert.InDelta(t, 4.0, f.Transform.Scale, 1e-9)
	assert.InDelta(t, -350.0, f.Transform.OffsetX, 1e-9)
	assert.InDelta(t, -200.0, f.Transform.OffsetY, 1e-9)
}
