package buildup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargoxray/collimator/colliderr"
	"github.com/cargoxray/collimator/units"
)

func fixtureTable() *Table {
	return NewTable(map[string][]Params{
		"pb": {
			{EnergyKeV: 500, B: 3.0, C: 0.5, A: 0.3, Xk: 3, D: 0.1, A1: 0.6, Alpha1: 0.2, Alpha2: 0.05},
			{EnergyKeV: 1000, B: 2.5, C: 0.4, A: 0.28, Xk: 3.2, D: 0.09, A1: 0.55, Alpha1: 0.18, Alpha2: 0.04},
		},
		"w": {
			{EnergyKeV: 1000, B: 2.2, C: 0.35, A: 0.25, Xk: 2.9, D: 0.08, A1: 0.5, Alpha1: 0.16, Alpha2: 0.03},
		},
	})
}

func TestFactorAtZeroTauIsOne(t *testing.T) {
	tab := fixtureTable()
	for _, m := range []Method{GP, Taylor} {
		b, err := tab.Factor(m, "pb", 1000, 0)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, b, 1e-12)
	}
}

func TestFactorNegativeTauErrors(t *testing.T) {
	tab := fixtureTable()
	_, err := tab.Factor(GP, "pb", 1000, -1)
	var ce *colliderr.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, colliderr.OutOfRange, ce.Kind)
}

func TestFactorClampsAboveMaxTau(t *testing.T) {
	tab := fixtureTable()
	atMax, err := tab.Factor(GP, "pb", 1000, MaxTau)
	require.NoError(t, err)
	above, err := tab.Factor(GP, "pb", 1000, units.Mfp(1000))
	require.NoError(t, err)
	assert.InDelta(t, atMax, above, 1e-9)
	assert.True(t, Clamped(units.Mfp(1000)))
	assert.False(t, Clamped(units.Mfp(MaxTau)))
}

func TestMissingMaterialIsNumericalDegeneracy(t *testing.T) {
	tab := fixtureTable()
	_, err := tab.Factor(GP, "au", 1000, 2)
	var ce *colliderr.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, colliderr.NumericalDegeneracy, ce.Kind)
}

func TestCrossCheckDisagreement(t *testing.T) {
	tab := fixtureTable()
	d, err := tab.CrossCheckDisagreement("pb", 1000, 5)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, d, 0.0)
}

func TestComposeSequentialMultipliesStageFactors(t *testing.T) {
	tab := fixtureTable()
	stages := []StageDepth{{Material: "pb", Tau: 3}, {Material: "w", Tau: 2}}
	total, err := tab.ComposeSequential(GP, stages, 1000)
	require.NoError(t, err)

	b1, _ := tab.Factor(GP, "pb", 1000, 3)
	b2, _ := tab.Factor(GP, "w", 1000, 2)
	assert.InDelta(t, b1*b2, total, 1e-9)
}

func TestComposeSequentialSkipsZeroTauStages(t *testing.T) {
	tab := fixtureTable()
	stages := []StageDepth{{Material: "pb", Tau: 0}, {Material: "w", Tau: 2}}
	total, err := tab.ComposeSequential(GP, stages, 1000)
	require.NoError(t, err)
	b2, _ := tab.Factor(GP, "w", 1000, 2)
	assert.InDelta(t, b2, total, 1e-9)
}

func TestComposeLastMaterialUsesTotalTau(t *testing.T) {
	tab := fixtureTable()
	stages := []StageDepth{{Material: "pb", Tau: 3}, {Material: "w", Tau: 2}}
	got, err := tab.ComposeLastMaterial(GP, stages, 1000)
	require.NoError(t, err)
	want, _ := tab.Factor(GP, "w", 1000, 5)
	assert.InDelta(t, want, got, 1e-9)
}
