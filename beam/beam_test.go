package beam

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargoxray/collimator/buildup"
	"github.com/cargoxray/collimator/materials"
	"github.com/cargoxray/collimator/physics"
	"github.com/cargoxray/collimator/raytrace"
	"github.com/cargoxray/collimator/scatter"
	"github.com/cargoxray/collimator/units"
)

func leadMaterial() *materials.Material {
	return &materials.Material{
		ID: "pb", Name: "Lead", Symbol: "Pb", Z: 82, DensityGCM3: 11.34,
		Category: materials.PureElement,
		Points: []materials.AttenuationDataPoint{
			// 1000 keV row: mu/rho chosen so mu = mu/rho * rho gives tau =
			// 0.8025 over 10mm (spec §8 Scenario 1: T = exp(-0.8025) = 0.4482).
			{EnergyKeV: 80, TotalMu: 5.021 / 11.34, Compton: 0.08},
			{EnergyKeV: 1000, TotalMu: 0.8025 / 11.34 / 1.0, Compton: 0.03},
		},
	}
}

// tungstenMaterial provides a second material for multi-stage composition
// tests (spec §8 Scenario 8).
func tungstenMaterial() *materials.Material {
	return &materials.Material{
		ID: "w", Name: "Tungsten", Symbol: "W", Z: 74, DensityGCM3: 19.3,
		Category: materials.PureElement,
		Points: []materials.AttenuationDataPoint{
			{EnergyKeV: 80, TotalMu: 0.3, Compton: 0.06},
			{EnergyKeV: 1000, TotalMu: 0.06, Compton: 0.025},
		},
	}
}

func testDatabase(t *testing.T) *materials.Database {
	t.Helper()
	db, err := materials.NewDatabase([]*materials.Material{leadMaterial(), tungstenMaterial()})
	require.NoError(t, err)
	return db
}

func singleStageGeometry() raytrace.Geometry {
	return raytrace.Geometry{
		Type: raytrace.Slit,
		Stages: []raytrace.Stage{{
			ZMm: 100, DepthMm: 10, OuterWidthMm: 200,
			Aperture: raytrace.Aperture{Kind: raytrace.ApertureSlit, EntryWidthMm: 5, ExitWidthMm: 5},
			Layers:   []raytrace.Layer{{MaterialID: "pb", ThicknessMm: 10}},
		}},
		Detector: raytrace.Detector{ZMm: 500},
	}
}

func twoStageMultiMaterialGeometry() raytrace.Geometry {
	return raytrace.Geometry{
		Type: raytrace.Slit,
		Stages: []raytrace.Stage{
			{
				ZMm: 100, DepthMm: 50, OuterWidthMm: 200,
				Aperture: raytrace.Aperture{Kind: raytrace.ApertureSlit, EntryWidthMm: 5, ExitWidthMm: 5},
				Layers:   []raytrace.Layer{{MaterialID: "pb", ThicknessMm: 50}},
			},
			{
				ZMm: 170, DepthMm: 30, OuterWidthMm: 200, // 20mm gap between stages
				Aperture: raytrace.Aperture{Kind: raytrace.ApertureSlit, EntryWidthMm: 5, ExitWidthMm: 5},
				Layers:   []raytrace.Layer{{MaterialID: "w", ThicknessMm: 30}},
			},
		},
		Detector: raytrace.Detector{ZMm: 500},
	}
}

func baseConfig() SimulationConfig {
	return SimulationConfig{
		Energies:          []units.KeV{1000},
		RayCount:          500,
		IncludeBuildup:    false,
		IncludeScatter:    false,
		AngularResolution: 64,
		Seed:              7,
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	db := testDatabase(t)
	engine := New(db, physics.New(db, nil), nil)
	cfg := baseConfig()
	cfg.RayCount = 1 // below the [100, 10000] floor
	_, err := engine.Run(singleStageGeometry(), cfg, nil, nil)
	assert.Error(t, err)
}

func TestRunRejectsInvalidGeometry(t *testing.T) {
	db := testDatabase(t)
	engine := New(db, physics.New(db, nil), nil)
	bad := singleStageGeometry()
	bad.Stages[0].Layers[0].ThicknessMm = 999 // no longer sums to stage depth
	_, err := engine.Run(bad, baseConfig(), nil, nil)
	assert.Error(t, err)
}

// TestRunShieldedTransmissionMatchesScenarioOne checks spec §8 Scenario 1:
// Pb 10mm at 1000 keV transmits ~0.4478 through the shielded region, within
// the scenario's 2% tolerance. The slit's shadow edge falls near 11.4mm on
// the detector, so the bin centred at 14mm still averages open and blocked
// rays; only bins centred beyond 20mm are wholly shielded.
func TestRunShieldedTransmissionMatchesScenarioOne(t *testing.T) {
	db := testDatabase(t)
	engine := New(db, physics.New(db, nil), nil)
	result, err := engine.Run(singleStageGeometry(), baseConfig(), nil, nil)
	require.NoError(t, err)
	require.False(t, result.Cancelled)

	bins := result.Profile
	peak := 0.0
	for _, b := range bins {
		if b.PositionMm > 20 && b.PositionMm < 50 && b.Transmission > peak {
			peak = b.Transmission
		}
	}
	assert.InDelta(t, 0.4478, peak, 0.4478*0.02)
}

func TestRunMultiStageCompositionMatchesScenarioEight(t *testing.T) {
	db := testDatabase(t)
	ph := physics.New(db, nil)
	engine := New(db, ph, nil)
	cfg := baseConfig()
	result, err := engine.Run(twoStageMultiMaterialGeometry(), cfg, nil, nil)
	require.NoError(t, err)

	muPb, err := ph.LinearMu("pb", 1000)
	require.NoError(t, err)
	muW, err := ph.LinearMu("w", 1000)
	require.NoError(t, err)
	tauPb := muPb * float64(units.Mm(50).ToCm())
	tauW := muW * float64(units.Mm(30).ToCm())
	wantTransmission := math.Exp(-(tauPb + tauW))

	peak := 0.0
	for _, b := range result.Profile {
		if b.PositionMm > 10 && b.PositionMm < 50 && b.Transmission > peak {
			peak = b.Transmission
		}
	}
	assert.InDelta(t, wantTransmission, peak, wantTransmission*0.1)
}

func TestRunIsDeterministicAcrossRepeatedCalls(t *testing.T) {
	db := testDatabase(t)
	engine := New(db, physics.New(db, nil), nil)
	cfg := baseConfig()
	r1, err := engine.Run(singleStageGeometry(), cfg, nil, nil)
	require.NoError(t, err)
	r2, err := engine.Run(singleStageGeometry(), cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, r1.Profile, r2.Profile)
	assert.Equal(t, r1.Quality, r2.Quality)
}

func TestRunWithScatterEnabledProducesComptonAnalysis(t *testing.T) {
	db := testDatabase(t)
	engine := New(db, physics.New(db, nil), nil)
	cfg := baseConfig()
	cfg.IncludeScatter = true
	cfg.Compton = scatter.Config{Enabled: true, MaxScatterOrder: 1, MinEnergyCutoff: 10, AngularBins: 8}

	result, err := engine.Run(singleStageGeometry(), cfg, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, result.Compton)
	assert.GreaterOrEqual(t, result.Compton.EscapedFraction, 0.0)
	assert.LessOrEqual(t, result.Compton.EscapedFraction, 1.0)
}

func TestRunWithScatterIsDeterministicGivenSameSeed(t *testing.T) {
	db := testDatabase(t)
	engine := New(db, physics.New(db, nil), nil)
	cfg := baseConfig()
	cfg.IncludeScatter = true
	cfg.Compton = scatter.Config{Enabled: true, MaxScatterOrder: 1, MinEnergyCutoff: 10, AngularBins: 8}
	cfg.Seed = 42

	r1, err := engine.Run(singleStageGeometry(), cfg, nil, nil)
	require.NoError(t, err)
	r2, err := engine.Run(singleStageGeometry(), cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, r1.Compton.EscapedFraction, r2.Compton.EscapedFraction)
	assert.Equal(t, len(r1.Compton.Interactions), len(r2.Compton.Interactions))
}

func TestRunSymmetricGeometryProducesSymmetricPenumbra(t *testing.T) {
	db := testDatabase(t)
	engine := New(db, physics.New(db, nil), nil)
	result, err := engine.Run(singleStageGeometry(), baseConfig(), nil, nil)
	require.NoError(t, err)

	q := result.Quality
	maxPen := math.Max(float64(q.PenumbraLeftMm), float64(q.PenumbraRightMm))
	if maxPen == 0 {
		t.Skip("no measurable penumbra in this fixture's resolution")
	}
	diff := math.Abs(float64(q.PenumbraLeftMm) - float64(q.PenumbraRightMm))
	assert.LessOrEqual(t, diff/maxPen, 0.05)
}

func TestRunCancellationReturnsCancelledResultWithoutProfile(t *testing.T) {
	db := testDatabase(t)
	engine := New(db, physics.New(db, nil), nil)
	cfg := baseConfig()
	cfg.RayCount = 10000 // give the worker pool enough rays to observe the cancel signal

	cancel := make(chan struct{})
	close(cancel) // already cancelled before Run starts
	result, err := engine.Run(singleStageGeometry(), cfg, nil, cancel)
	require.NoError(t, err)
	assert.True(t, result.Cancelled)
	assert.Empty(t, result.Profile)
}

func TestRunAppliesBuildUpWhenTableProvided(t *testing.T) {
	db := testDatabase(t)
	table := buildup.NewTable(map[string][]buildup.Params{
		"pb": {
			{EnergyKeV: 80, B: 1, C: 0.01, A: 1.1, Xk: 5, D: 0.5},
			{EnergyKeV: 1000, B: 1, C: 0.02, A: 1.2, Xk: 5, D: 0.5},
		},
	})
	engine := New(db, physics.New(db, table), table)
	cfg := baseConfig()
	cfg.IncludeBuildup = true

	result, err := engine.Run(singleStageGeometry(), cfg, nil, nil)
	require.NoError(t, err)

	found := false
	for _, b := range result.Profile {
		if b.BuildUpFactor > 0 {
			found = true
			assert.GreaterOrEqual(t, b.BuildUpFactor, 1.0)
		}
	}
	assert.True(t, found, "expected at least one bin with a nonzero build-up factor")
}

func TestEnergyAnalysisCoversEveryConfiguredEnergy(t *testing.T) {
	db := testDatabase(t)
	engine := New(db, physics.New(db, nil), nil)
	cfg := baseConfig()
	cfg.Energies = []units.KeV{80, 1000}

	result, err := engine.Run(singleStageGeometry(), cfg, nil, nil)
	require.NoError(t, err)
	require.Len(t, result.EnergyAnalysis, 2)
	assert.Equal(t, units.KeV(80), result.EnergyAnalysis[0].Energy)
	assert.Equal(t, units.KeV(1000), result.EnergyAnalysis[1].Energy)
	assert.NotEmpty(t, result.Warnings) // multi-energy monoenergetic-profile warning
}
