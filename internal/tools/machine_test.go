package tools

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dndemicube/server/internal/assets"
	"dndemicube/server/internal/geometry"
	"dndemicube/server/internal/scene"
)

func solidImage(w, h int, c color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func newFixture(t *testing.T) (*Machine, *scene.Scene) {
	t.Helper()
	registry := assets.NewRegistry()
	for _, a := range []assets.Asset{
		{Path: "red.png", Image: solidImage(10, 10, color.RGBA{R: 255, A: 255})},
		{Path: "blue.png", Image: solidImage(10, 10, color.RGBA{B: 255, A: 255})},
		{Path: "fence.png", Width: 40, Height: 20},
	} {
		_, _, err := registry.Register(a)
		require.NoError(t, err)
	}
	s := scene.New(&scene.Map{AssetPath: "map.png", Width: 1000, Height: 1000}, scene.Options{Assets: registry})
	return New(s, Config{}), s
}

func TestArmRejectsMissingAsset(t *testing.T) {
	m, _ := newFixture(t)
	assert.ErrorIs(t, m.ArmStamp(""), ErrInvalidAsset)
	assert.ErrorIs(t, m.ArmStamp("ghost.png"), ErrInvalidAsset)
	assert.ErrorIs(t, m.ArmChain("", 10), ErrInvalidAsset)
	assert.Equal(t, Idle, m.State())

	res, err := m.PointerDown(PointerEvent{X: 1, Y: 1})
	require.NoError(t, err)
	assert.Empty(t, res.Placed, "idle pointer events do nothing")
}

func TestStampRemainsArmed(t *testing.T) {
	m, s := newFixture(t)
	require.NoError(t, m.ArmStamp("red.png"))

	for i := 0; i < 3; i++ {
		res, err := m.PointerDown(PointerEvent{X: float64(i * 20), Y: 7})
		require.NoError(t, err)
		require.Len(t, res.Placed, 1)
		placed := res.Placed[0]
		assert.Equal(t, float64(i*20), placed.X)
		assert.Equal(t, 7.0, placed.Y)
		assert.Equal(t, 1.0, placed.Scale)
		assert.Equal(t, 1.0, placed.Opacity)
		_, _ = m.PointerUp(PointerEvent{X: float64(i * 20), Y: 7})
		assert.Equal(t, StampArmed, m.State())
	}
	assert.Equal(t, 3, s.Len())
}

func TestChainSamplesStraightStroke(t *testing.T) {
	m, s := newFixture(t)
	require.NoError(t, m.ArmChain("red.png", 50))

	_, err := m.PointerDown(PointerEvent{X: 0, Y: 40})
	require.NoError(t, err)
	_, err = m.PointerMove(PointerEvent{X: 150, Y: 40})
	require.NoError(t, err)
	res, err := m.PointerUp(PointerEvent{X: 300, Y: 40})
	require.NoError(t, err)

	require.Len(t, res.Placed, 6)
	for i, inst := range res.Placed {
		assert.InDelta(t, float64(i*50), inst.X, 1e-6)
		assert.InDelta(t, 40, inst.Y, 1e-6)
		assert.InDelta(t, 0, inst.Rotation, 1e-9)
	}
	assert.Equal(t, 6, s.Len())
	assert.Equal(t, ChainArmed, m.State())
}

func TestChainDefaultsToHalfTheLargerSide(t *testing.T) {
	m, _ := newFixture(t)
	require.NoError(t, m.ArmChain("fence.png", 0))
	assert.Equal(t, 20.0, m.ChainSpacing())

	_, err := m.PointerDown(PointerEvent{X: 0, Y: 0})
	require.NoError(t, err)
	res, err := m.PointerUp(PointerEvent{X: 0, Y: 100})
	require.NoError(t, err)
	require.Len(t, res.Placed, 5)
	for _, inst := range res.Placed {
		assert.InDelta(t, math.Pi/2, inst.Rotation, 1e-9)
	}
}

func TestChainSpacingHasFloor(t *testing.T) {
	m, s := newFixture(t)
	require.NoError(t, m.ArmChain("fence.png", 0.01))
	assert.Equal(t, 5.0, m.ChainSpacing())

	_, err := m.PointerDown(PointerEvent{X: 0, Y: 0})
	require.NoError(t, err)
	res, err := m.PointerUp(PointerEvent{X: 0, Y: 100})
	require.NoError(t, err)
	assert.Len(t, res.Placed, 20)

	dense := New(s, Config{ChainSpacingFraction: 1e-6})
	require.NoError(t, dense.ArmChain("fence.png", 0))
	assert.Equal(t, 5.0, dense.ChainSpacing())

	err = m.ArmChain("red.png", math.NaN())
	assert.ErrorIs(t, err, scene.ErrInvalidGeometry)
	assert.Equal(t, 5.0, m.ChainSpacing(), "a rejected arm keeps the current chain")
}

func TestNonFinitePointerIsRejected(t *testing.T) {
	m, s := newFixture(t)
	require.NoError(t, m.ArmStamp("red.png"))
	_, err := m.PointerDown(PointerEvent{X: math.NaN(), Y: 10})
	assert.ErrorIs(t, err, scene.ErrInvalidGeometry)
	assert.Equal(t, 0, s.Len())

	inst := s.AddInstance(scene.Instance{AssetPath: "red.png", X: 100, Y: 100})
	m.EnterSelect()
	_, err = m.PointerDown(PointerEvent{X: 103, Y: 103})
	require.NoError(t, err)
	_, err = m.PointerMove(PointerEvent{X: math.Inf(1), Y: 98})
	assert.ErrorIs(t, err, scene.ErrInvalidGeometry)
	_, err = m.PointerUp(PointerEvent{X: 113, Y: math.NaN()})
	assert.ErrorIs(t, err, scene.ErrInvalidGeometry)

	unmoved, err := s.Instance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, unmoved.X)

	_, err = m.PointerUp(PointerEvent{X: 113, Y: 103})
	require.NoError(t, err)
	moved, err := s.Instance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 110.0, moved.X)
	assert.Equal(t, 100.0, moved.Y)
}

func TestSelectDragMovesInstance(t *testing.T) {
	m, s := newFixture(t)
	inst := s.AddInstance(scene.Instance{AssetPath: "red.png", X: 100, Y: 100})
	m.EnterSelect()

	res, err := m.PointerDown(PointerEvent{X: 103, Y: 103})
	require.NoError(t, err)
	assert.Equal(t, []string{inst.ID}, res.Selection)
	assert.Equal(t, inst.ID, m.ActiveID())

	_, err = m.PointerMove(PointerEvent{X: 113, Y: 98})
	require.NoError(t, err)
	res, err = m.PointerUp(PointerEvent{X: 123, Y: 93})
	require.NoError(t, err)
	require.Len(t, res.Updated, 1)

	moved, err := s.Instance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 120.0, moved.X)
	assert.Equal(t, 90.0, moved.Y)
	assert.Equal(t, Select, m.State())
}

func TestResizeHandlePreservesAspectUnlessFree(t *testing.T) {
	m, s := newFixture(t)
	inst := s.AddInstance(scene.Instance{AssetPath: "red.png", X: 0, Y: 0})
	m.EnterSelect()
	_, err := m.PointerDown(PointerEvent{X: 5, Y: 5})
	require.NoError(t, err)
	_, err = m.PointerUp(PointerEvent{X: 5, Y: 5})
	require.NoError(t, err)

	_, err = m.PointerDown(PointerEvent{X: 12, Y: 11})
	require.NoError(t, err)
	_, err = m.PointerUp(PointerEvent{X: 20, Y: 15})
	require.NoError(t, err)
	scaled, err := s.Instance(inst.ID)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, scaled.Scale, 1e-9)
	assert.InDelta(t, 10.0, scaled.Width, 1e-9)
	assert.Equal(t, geometry.RectFromSize(0, 0, 20, 20), scaled.Footprint())

	// The handle now sits at (20,20).
	_, err = m.PointerDown(PointerEvent{X: 20, Y: 20})
	require.NoError(t, err)
	_, err = m.PointerUp(PointerEvent{X: 40, Y: 10, Modifiers: ModFreeScale})
	require.NoError(t, err)
	free, err := s.Instance(inst.ID)
	require.NoError(t, err)
	assert.InDelta(t, 40.0, free.Footprint().Width(), 1e-9)
	assert.InDelta(t, 10.0, free.Footprint().Height(), 1e-9)
}

func TestResizeHandleToleranceIsInScreenPixels(t *testing.T) {
	m, s := newFixture(t)
	inst := s.AddInstance(scene.Instance{AssetPath: "red.png", X: 100, Y: 100})
	m.EnterSelect()
	selectAt := func() {
		_, err := m.PointerDown(PointerEvent{X: 105, Y: 105})
		require.NoError(t, err)
		_, err = m.PointerUp(PointerEvent{X: 105, Y: 105})
		require.NoError(t, err)
	}

	// Six world units off the handle is 24 output pixels when zoomed in.
	selectAt()
	_, err := m.PointerDown(PointerEvent{X: 116, Y: 110, ViewScale: 4})
	require.NoError(t, err)
	_, err = m.PointerUp(PointerEvent{X: 130, Y: 130, ViewScale: 4})
	require.NoError(t, err)
	unchanged, err := s.Instance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, unchanged.Scale)

	// Zoomed out the same spot is three output pixels away.
	selectAt()
	_, err = m.PointerDown(PointerEvent{X: 116, Y: 110, ViewScale: 0.5})
	require.NoError(t, err)
	_, err = m.PointerUp(PointerEvent{X: 120, Y: 120, ViewScale: 0.5})
	require.NoError(t, err)
	resized, err := s.Instance(inst.ID)
	require.NoError(t, err)
	assert.Greater(t, resized.Scale, 1.0)
}

func TestMarqueeSelectsIntersectingAndOrdersTies(t *testing.T) {
	m, s := newFixture(t)
	low := s.AddInstance(scene.Instance{AssetPath: "red.png", X: 0, Y: 0})
	high := s.AddInstance(scene.Instance{AssetPath: "blue.png", X: 0, Y: 0})
	big := s.AddInstance(scene.Instance{AssetPath: "fence.png", X: 5, Y: 5})
	s.AddInstance(scene.Instance{AssetPath: "red.png", X: 500, Y: 500})
	m.EnterSelect()

	_, err := m.PointerDown(PointerEvent{X: -5, Y: -5})
	require.NoError(t, err)
	_, err = m.PointerMove(PointerEvent{X: 10, Y: 3})
	require.NoError(t, err)
	res, err := m.PointerUp(PointerEvent{X: 8, Y: 8})
	require.NoError(t, err)

	assert.Equal(t, []string{high.ID, low.ID, big.ID}, res.Selection)
	assert.Equal(t, MergeReady, m.State())

	// A click on empty canvas clears it again.
	_, err = m.PointerDown(PointerEvent{X: 900, Y: 900})
	require.NoError(t, err)
	res, err = m.PointerUp(PointerEvent{X: 900, Y: 900})
	require.NoError(t, err)
	assert.Empty(t, res.Selection)
	assert.Equal(t, Select, m.State())
}

func TestClickPicksTopmostInstance(t *testing.T) {
	m, s := newFixture(t)
	s.AddInstance(scene.Instance{AssetPath: "red.png", X: 0, Y: 0})
	top := s.AddInstance(scene.Instance{AssetPath: "blue.png", X: 5, Y: 5})
	m.EnterSelect()
	res, err := m.PointerDown(PointerEvent{X: 7, Y: 7})
	require.NoError(t, err)
	assert.Equal(t, []string{top.ID}, res.Selection)
}

func TestMergeComposesSelection(t *testing.T) {
	m, s := newFixture(t)
	red := s.AddInstance(scene.Instance{AssetPath: "red.png", X: 0, Y: 0, Opacity: 1})
	blue := s.AddInstance(scene.Instance{AssetPath: "blue.png", X: 5, Y: 5, Opacity: 0.5})
	m.EnterSelect()

	_, err := m.PlanMerge()
	assert.ErrorIs(t, err, ErrInsufficientSelection)

	m.SetSelection([]string{red.ID, blue.ID})
	require.Equal(t, MergeReady, m.State())

	plan, err := m.PlanMerge()
	require.NoError(t, err)
	assert.Equal(t, []string{red.ID, blue.ID}, plan.Sources())
	assert.Equal(t, 2, s.Len(), "planning leaves the scene untouched")
	img, err := plan.Rasterize()
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 15, 15), img.Bounds())

	res, err := m.CompleteMerge(plan, img)
	require.NoError(t, err)
	require.Len(t, res.Placed, 1)
	merged := res.Placed[0]
	assert.Equal(t, geometry.Rect{MinX: 0, MinY: 0, MaxX: 15, MaxY: 15}, merged.Bounds())
	assert.ElementsMatch(t, []string{red.ID, blue.ID}, res.Removed)

	_, err = s.Instance(red.ID)
	assert.ErrorIs(t, err, scene.ErrNotFound)
	_, err = s.Instance(blue.ID)
	assert.ErrorIs(t, err, scene.ErrNotFound)
	assert.Equal(t, 1, s.Len())

	require.NotNil(t, res.Composite)
	assert.Equal(t, "Merged Asset 1.png", res.Composite.Name)
	assert.Equal(t, assets.FavoritesCollection, res.Composite.Collection)
	assert.Equal(t, res.Composite.Path, merged.AssetPath)
	assert.Equal(t, blue.ZOrder, merged.ZOrder)
	assert.Len(t, s.Assets().Favorites(), 1)
	assert.Equal(t, Select, m.State())
	assert.Equal(t, []string{merged.ID}, m.Selection())
}

func TestCompleteMergeRejectsChangedSources(t *testing.T) {
	m, s := newFixture(t)
	red := s.AddInstance(scene.Instance{AssetPath: "red.png", X: 0, Y: 0, Opacity: 1})
	blue := s.AddInstance(scene.Instance{AssetPath: "blue.png", X: 5, Y: 5, Opacity: 1})
	m.EnterSelect()
	m.SetSelection([]string{red.ID, blue.ID})

	plan, err := m.PlanMerge()
	require.NoError(t, err)
	img, err := plan.Rasterize()
	require.NoError(t, err)

	_, err = s.UpdateInstance(blue.ID, scene.Patch{X: scene.Float(40)})
	require.NoError(t, err)
	_, err = m.CompleteMerge(plan, img)
	require.ErrorIs(t, err, ErrMergeStale)
	assert.Equal(t, 2, s.Len(), "originals survive a stale merge")
	assert.Empty(t, s.Assets().Favorites())

	// A renamed instance still draws the same pixels.
	plan, err = m.PlanMerge()
	require.NoError(t, err)
	_, err = s.UpdateInstance(red.ID, scene.Patch{Name: scene.String("Crate")})
	require.NoError(t, err)
	res, err := m.CompleteMerge(plan, img)
	require.NoError(t, err)
	assert.Len(t, res.Placed, 1)

	m.Rebind(scene.New(&scene.Map{AssetPath: "map.png", Width: 10, Height: 10}, scene.Options{Assets: s.Assets()}))
	_, err = m.CompleteMerge(plan, img)
	assert.ErrorIs(t, err, ErrMergeStale)
}

func TestDeleteSelection(t *testing.T) {
	m, s := newFixture(t)
	a := s.AddInstance(scene.Instance{AssetPath: "red.png"})
	b := s.AddInstance(scene.Instance{AssetPath: "red.png", X: 50})
	_, err := m.DeleteSelection()
	assert.ErrorIs(t, err, ErrInvalidState)

	m.EnterSelect()
	m.SetSelection([]string{a.ID, b.ID, "inst-404"})
	assert.Equal(t, []string{a.ID, b.ID}, m.Selection())
	res, err := m.DeleteSelection()
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, b.ID}, res.Removed)
	assert.Zero(t, s.Len())
	assert.Equal(t, Select, m.State())
}
