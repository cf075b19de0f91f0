package units

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLengthConversions(t *testing.T) {
	assert.InDelta(t, 1.0, float64(Mm(10).ToCm()), 1e-12)
	assert.InDelta(t, 10.0, float64(Cm(1).ToMm()), 1e-12)
}

func TestEnergyConversions(t *testing.T) {
	assert.InDelta(t, 1000.0, float64(MeV(1).ToKeV()), 1e-9)
	assert.InDelta(t, 6.0, float64(KeV(6000).ToMeV()), 1e-9)
}

func TestAngleConversions(t *testing.T) {
	assert.InDelta(t, math.Pi, float64(Degree(180).ToRadian()), 1e-9)
	assert.InDelta(t, 180.0, float64(Radian(math.Pi).ToDegree()), 1e-9)
}

func TestMeanFreePaths(t *testing.T) {
	assert.InDelta(t, 2.0, float64(MeanFreePaths(0.5, Cm(4))), 1e-12)
}

func TestDecibelRoundTrip(t *testing.T) {
	for _, tr := range []float64{1, 0.5, 1e-3, 1e-15, 1e-30, 0} {
		db := TransmissionToDB(tr)
		back := DBToTransmission(db)
		floor := tr
		if floor < maxDecibelArg {
			floor = maxDecibelArg
		}
		assert.InDelta(t, floor, back, floor*1e-6+1e-40)
	}
}

func TestTransmissionToDBNeverInfinite(t *testing.T) {
	assert.False(t, math.IsInf(TransmissionToDB(0), 1))
}
