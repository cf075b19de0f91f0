package materials

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargoxray/collimator/colliderr"
	"github.com/cargoxray/collimator/units"
)

func leadFixture() *Material {
	return &Material{
		ID: "pb", Name: "Lead", Symbol: "Pb", Z: 82, DensityGCM3: 11.34,
		Category: PureElement,
		KEdgeKeV: 88,
		Points: []AttenuationDataPoint{
			{EnergyKeV: 80, TotalMu: 1.0, Compton: 0.1},
			{EnergyKeV: 87, TotalMu: 1.5, Compton: 0.11},
			{EnergyKeV: 88, TotalMu: 5.021, Compton: 0.12},
			{EnergyKeV: 100, TotalMu: 5.549, Compton: 0.13},
			{EnergyKeV: 1000, TotalMu: 0.07102, Compton: 0.06803},
		},
	}
}

func ironFixture() *Material {
	return &Material{
		ID: "fe", Name: "Iron", Symbol: "Fe", Z: 26, DensityGCM3: 7.874,
		Category: PureElement,
		Points: []AttenuationDataPoint{
			{EnergyKeV: 80, TotalMu: 0.3717, Compton: 0.14},
			{EnergyKeV: 1000, TotalMu: 0.05995, Compton: 0.055},
		},
	}
}

func TestGetNotFound(t *testing.T) {
	db, err := NewDatabase([]*Material{leadFixture()})
	require.NoError(t, err)
	_, err = db.Get("xx")
	var ce *colliderr.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, colliderr.NotFound, ce.Kind)
}

func TestMuOverRhoExactGridPoint(t *testing.T) {
	db, err := NewDatabase([]*Material{leadFixture()})
	require.NoError(t, err)
	mu, err := db.MuOverRho("pb", 1000)
	require.NoError(t, err)
	assert.InDelta(t, 0.07102, mu, 1e-9)
}

func TestMuOverRhoOutOfRange(t *testing.T) {
	db, err := NewDatabase([]*Material{leadFixture()})
	require.NoError(t, err)
	_, err = db.MuOverRho("pb", 1)
	var ce *colliderr.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, colliderr.OutOfRange, ce.Kind)

	_, err = db.MuOverRho("pb", 1e6)
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, colliderr.OutOfRange, ce.Kind)
}

func TestMuOverRhoRejectsKEdgeStraddleByDefault(t *testing.T) {
	db, err := NewDatabase([]*Material{leadFixture()})
	require.NoError(t, err)
	_, err = db.MuOverRho("pb", 87.5)
	var ce *colliderr.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, colliderr.NumericalDegeneracy, ce.Kind)
}

func TestMuOverRhoKEdgeExtrapolationAllowedAwayFromEdge(t *testing.T) {
	db, err := NewDatabase([]*Material{leadFixture()})
	require.NoError(t, err)
	// 90 keV brackets [88,100], both above the K-edge: ordinary interpolation.
	mu, err := db.MuOverRho("pb", 90)
	require.NoError(t, err)
	assert.Greater(t, mu, 0.0)
}

func TestMuOverRhoAlloy(t *testing.T) {
	db, err := NewDatabase([]*Material{leadFixture(), ironFixture()})
	require.NoError(t, err)
	mu, err := db.MuOverRhoAlloy([]Component{{ElementID: "pb", Weight: 0.5}, {ElementID: "fe", Weight: 0.5}}, 1000)
	require.NoError(t, err)
	assert.InDelta(t, 0.5*0.07102+0.5*0.05995, mu, 1e-9)
}

func TestMuOverRhoAlloyBadWeights(t *testing.T) {
	db, err := NewDatabase([]*Material{leadFixture(), ironFixture()})
	require.NoError(t, err)
	_, err = db.MuOverRhoAlloy([]Component{{ElementID: "pb", Weight: 0.4}, {ElementID: "fe", Weight: 0.4}}, 1000)
	var ce *colliderr.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, colliderr.InvalidComposition, ce.Kind)
}

func TestComptonFraction(t *testing.T) {
	db, err := NewDatabase([]*Material{leadFixture()})
	require.NoError(t, err)
	frac, err := db.ComptonFraction("pb", 1000)
	require.NoError(t, err)
	assert.InDelta(t, 0.06803/0.07102, frac, 1e-9)
}

func TestNewDatabaseRejectsDuplicateEnergies(t *testing.T) {
	bad := leadFixture()
	bad.Points = append(bad.Points, AttenuationDataPoint{EnergyKeV: 1000, TotalMu: 1})
	_, err := NewDatabase([]*Material{bad})
	var ce *colliderr.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, colliderr.InvalidComposition, ce.Kind)
}

func TestNewDatabaseRejectsDuplicateIDs(t *testing.T) {
	_, err := NewDatabase([]*Material{leadFixture(), leadFixture()})
	var ce *colliderr.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, colliderr.InvalidComposition, ce.Kind)
}

func TestLoadMaterialCSV(t *testing.T) {
	const doc = `# id: pb
# name: Lead
# symbol: Pb
# z: 82
# density_g_cm3: 11.34
# source: NIST XCOM
# k_edge_kev: 88
80,1.0,0.9,0.8,0.1,0.0,0.0
1000,0.07102,0.06,0.001,0.06803,0.0,0.0
`
	m, err := parseMaterialCSV(strings.NewReader(doc), "fixture.csv")
	require.NoError(t, err)
	assert.Equal(t, "pb", m.ID)
	assert.Equal(t, units.KeV(88), m.KEdgeKeV)
	require.Len(t, m.Points, 2)
	assert.InDelta(t, 0.07102, m.Points[1].TotalMu, 1e-9)
}
