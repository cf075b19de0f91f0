package raytrace

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargoxray/collimator/colliderr"
	"github.com/cargoxray/collimator/units"
)

func slitGeometry(aperture units.Mm) Geometry {
	return Geometry{
		Type: Slit,
		Stages: []Stage{{
			ZMm: 100, DepthMm: 10, OuterWidthMm: 200,
			Aperture: Aperture{Kind: ApertureSlit, EntryWidthMm: aperture, ExitWidthMm: aperture},
			Layers:   []Layer{{MaterialID: "pb", ThicknessMm: 10}},
		}},
		Detector: Detector{ZMm: 500},
	}
}

func TestValidateAcceptsGoodGeometry(t *testing.T) {
	require.NoError(t, slitGeometry(5).Validate())
}

func TestValidateRejectsNonIncreasingZ(t *testing.T) {
	g := slitGeometry(5)
	g.Stages = append(g.Stages, Stage{ZMm: 100, DepthMm: 5, OuterWidthMm: 100, Layers: []Layer{{MaterialID: "pb", ThicknessMm: 5}}})
	err := g.Validate()
	var ce *colliderr.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, colliderr.InvalidGeometry, ce.Kind)
}

func TestValidateRejectsApertureWiderThanOuter(t *testing.T) {
	g := slitGeometry(500)
	err := g.Validate()
	var ce *colliderr.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, colliderr.InvalidGeometry, ce.Kind)
}

func TestValidateRejectsLayerSumMismatch(t *testing.T) {
	g := slitGeometry(5)
	g.Stages[0].Layers = []Layer{{MaterialID: "pb", ThicknessMm: 3}}
	err := g.Validate()
	var ce *colliderr.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, colliderr.InvalidGeometry, ce.Kind)
}

func TestValidateRejectsEmptyStages(t *testing.T) {
	g := Geometry{Type: Slit, Detector: Detector{ZMm: 100}}
	err := g.Validate()
	var ce *colliderr.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, colliderr.InvalidGeometry, ce.Kind)
}

func TestTraceRayThroughOpenAperture(t *testing.T) {
	g := slitGeometry(5)
	ray := Ray{X0: 0, Theta: 0}
	tr := TraceRay(ray, g)
	assert.Empty(t, tr.Segments)
	assert.True(t, tr.ThroughAll)
}

func TestTraceRayBlockedBySolidBody(t *testing.T) {
	g := slitGeometry(5)
	// angle aimed so the ray is well outside the 5mm aperture at z=100..110
	// but still within the 200mm outer width.
	theta := math.Atan(50.0 / 100.0)
	ray := Ray{X0: 0, Theta: units.Radian(theta)}
	tr := TraceRay(ray, g)
	require.Len(t, tr.Segments, 1)
	assert.Equal(t, "pb", tr.Segments[0].MaterialID)
	assert.Greater(t, float64(tr.Segments[0].PathLength), 0.0)
}

func TestTraceRayOutsideOuterWidthIsLeakage(t *testing.T) {
	g := slitGeometry(5)
	theta := math.Atan(150.0 / 100.0) // x(100)=150 > outer half 100
	ray := Ray{X0: 0, Theta: units.Radian(theta)}
	tr := TraceRay(ray, g)
	assert.Empty(t, tr.Segments)
	assert.True(t, tr.OutsideOuter)
}

func TestTraceRayClosedApertureAlwaysBlocked(t *testing.T) {
	g := slitGeometry(0)
	ray := Ray{X0: 0, Theta: 0}
	tr := TraceRay(ray, g)
	require.Len(t, tr.Segments, 1)
}

func TestGenerateRaysDeterministic(t *testing.T) {
	g := slitGeometry(5)
	r1, err := GenerateRays(g, 200)
	require.NoError(t, err)
	r2, err := GenerateRays(g, 200)
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
}

func TestGenerateRaysSymmetric(t *testing.T) {
	g := slitGeometry(5)
	rays, err := GenerateRays(g, 101)
	require.NoError(t, err)
	mid := len(rays) / 2
	assert.InDelta(t, 0, float64(rays[mid].Theta), 1e-9)
	assert.InDelta(t, -float64(rays[0].Theta), float64(rays[len(rays)-1].Theta), 1e-9)
}

func TestGenerateRaysRejectsOutOfRangeCount(t *testing.T) {
	g := slitGeometry(5)
	_, err := GenerateRays(g, 50)
	var ce *colliderr.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, colliderr.InvalidConfig, ce.Kind)
}

func TestDetectorBinsCoverFullRangeAndClamp(t *testing.T) {
	g := slitGeometry(5)
	bins, err := NewDetectorBins(g, 101)
	require.NoError(t, err)
	assert.Equal(t, 0, bins.BinIndex(units.Mm(-1e9)))
	assert.Equal(t, len(bins.Counts)-1, bins.BinIndex(units.Mm(1e9)))
	assert.Equal(t, len(bins.Counts)/2, bins.BinIndex(0))
}

func TestMigrateLegacyGeometryProducesOneStage(t *testing.T) {
	g := MigrateLegacyGeometry(Slit, 100, 10, 200, Aperture{Kind: ApertureSlit, EntryWidthMm: 5, ExitWidthMm: 5},
		[]Layer{{MaterialID: "pb", ThicknessMm: 10}}, 500)
	require.NoError(t, g.Validate())
	assert.Len(t, g.Stages, 1)
}
