// Package compton implements the analytic Compton/Klein-Nishina kernel of
// spec §4.5: scattering kinematics, the Klein-Nishina differential and
// total cross-sections, and the Kahn rejection sampler for scatter angle.
package compton

import (
	"math"

	"github.com/cargoxray/collimator/internal/prng"
	"github.com/cargoxray/collimator/units"
)

// ElectronRestMassKeV is the electron rest mass energy, 511 keV.
const ElectronRestMassKeV = 511.0

// ClassicalElectronRadiusCM is r0 in cm, used by the Klein-Nishina
// differential cross-section.
const ClassicalElectronRadiusCM = 2.8179403262e-13

// ThomsonCrossSectionCM2 is the Thomson cross-section in cm^2, the α→0
// limit of the total Klein-Nishina cross-section (spec §8).
const ThomsonCrossSectionCM2 = 6.6524587321e-25

// Alpha returns E0/511, the dimensionless energy ratio used throughout
// this package.
func Alpha(e0 units.KeV) float64 { return float64(e0) / ElectronRestMassKeV }

// ScatteredEnergy returns E'(E0, θ) = E0 / (1 + α(1 - cos θ)).
func ScatteredEnergy(e0 units.KeV, theta units.Radian) units.KeV {
	a := Alpha(e0)
	return units.KeV(float64(e0) / (1 + a*(1-math.Cos(float64(theta)))))
}

// RecoilEnergy returns T(E0, θ) = E0 - E'(E0, θ).
func RecoilEnergy(e0 units.KeV, theta units.Radian) units.KeV {
	return e0 - ScatteredEnergy(e0, theta)
}

// ComptonEdge returns the minimum scattered-photon energy (at θ=π) and the
// corresponding maximum recoil-electron energy.
func ComptonEdge(e0 units.KeV) (minScattered units.KeV, maxRecoil units.KeV) {
	a := Alpha(e0)
	minScattered = units.KeV(float64(e0) / (1 + 2*a))
	maxRecoil = units.KeV(float64(e0) * 2 * a / (1 + 2*a))
	return
}

// WavelengthShiftAngstrom returns Δλ = 0.02426·(1 - cos θ) in Angstroms
// (the Compton wavelength of the electron, h/m_e c).
func WavelengthShiftAngstrom(theta units.Radian) float64 {
	const comptonWavelengthAngstrom = 0.02426
	return comptonWavelengthAngstrom * (1 - math.Cos(float64(theta)))
}

// KleinNishinaDifferential returns dσ/dΩ [cm^2/sr per electron] at
// scattering angle theta for incident energy e0.
func KleinNishinaDifferential(e0 units.KeV, theta units.Radian) float64 {
	eRatio := float64(ScatteredEnergy(e0, theta)) / float64(e0)
	sinSq := math.Sin(float64(theta))
	sinSq *= sinSq
	return (ClassicalElectronRadiusCM * ClassicalElectronRadiusCM / 2) *
		eRatio * eRatio * (eRatio + 1/eRatio - sinSq)
}

// TotalCrossSection returns the closed-form total Klein-Nishina
// cross-section [cm^2] for incident energy e0, reproducing the Thomson
// cross-section as α→0 (spec §8).
func TotalCrossSection(e0 units.KeV) float64 {
	a := Alpha(e0)
	if a < 1e-3 {
		// Series expansion in α: at small α the closed form below loses
		// its precision to cancellation between large terms.
		return ThomsonCrossSectionCM2 * (1 - 2*a + 5.2*a*a)
	}
	onePlus2a := 1 + 2*a
	term1 := (1 + a) / (a * a) * (2 * (1 + a) / onePlus2a - math.Log(onePlus2a)/a)
	term2 := math.Log(onePlus2a) / (2 * a)
	term3 := -(1 + 3*a) / (onePlus2a * onePlus2a)
	return math.Pi * ClassicalElectronRadiusCM * ClassicalElectronRadiusCM * 2 * (term1 + term2 + term3)
}

// Event is one sampled Compton scattering event.
type Event struct {
	CosTheta units.Radian // stored as the angle itself, not its cosine
	Phi      units.Radian
	Energy   units.KeV // scattered photon energy E'
	Recoil   units.KeV // recoil electron energy T, satisfies Energy+Recoil == E0
}

// Sample draws one Compton event from the Kahn (1956) rejection sampler
// described in spec §4.5, using the three independent uniform deviates
// drawn from stream.
func Sample(e0 units.KeV, stream *prng.Stream) Event {
	a := Alpha(e0)
	branchThreshold := (1 + 2*a) / (9 + 2*a)
	for {
		r1 := stream.Float64()
		r2 := stream.Float64()
		r3 := stream.Float64()
		var xi float64
		if r1 <= branchThreshold {
			xi = 1 + 2*a*r2
			if r3 <= 4*(1/xi-1/(xi*xi)) {
				return finishEvent(e0, a, xi, stream.Float64())
			}
		} else {
			xi = (1 + 2*a) / (1 + 2*a*r2)
			cosTheta := 1 - (xi-1)/a
			if r3 <= 0.5*(cosTheta*cosTheta+1/xi) {
				return finishEvent(e0, a, xi, stream.Float64())
			}
		}
	}
}

func finishEvent(e0 units.KeV, a, xi, phiDraw float64) Event {
	cosTheta := 1 - (xi-1)/a
	theta := units.Radian(math.Acos(clamp(cosTheta, -1, 1)))
	scattered := units.KeV(float64(e0) / xi)
	recoil := e0 - scattered
	return Event{
		CosTheta: theta,
		Phi:      units.Radian(phiDraw * 2 * math.Pi),
		Energy:   scattered,
		Recoil:   recoil,
	}
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
