// Package units is the single bridge between external units (mm, deg, keV
// or MeV) and the internal units the physics, Compton and ray-tracing
// layers compute in (cm, rad, keV). Every core signature that crosses this
// boundary is expected to use the aliases declared here rather than bare
// float64, so a call site that mixes mm with a cm-expecting parameter is
// rejectable at review.
package units

import "math"

// Mm is a length in millimeters, the external unit for geometry.
type Mm float64

// Cm is a length in centimeters, the internal unit for attenuation and
// build-up math.
type Cm float64

// KeV is a photon energy in kilo-electron-volts, used throughout the
// engine. MeV inputs are converted to KeV at the boundary.
type KeV float64

// MeV is a photon energy in mega-electron-volts, an external convenience
// unit for sources quoted in MeV (e.g. 6 MeV LINACs).
type MeV float64

// Mfp is an optical depth expressed in mean free paths (dimensionless).
type Mfp float64

// Radian is a plane angle in radians, the internal unit for ray angles and
// scattering angles.
type Radian float64

// Degree is a plane angle in degrees, an external convenience unit.
type Degree float64

// ToCm converts a length from millimeters to centimeters.
func (m Mm) ToCm() Cm { return Cm(float64(m) / 10) }

// ToMm converts a length from centimeters to millimeters.
func (c Cm) ToMm() Mm { return Mm(float64(c) * 10) }

// ToKeV converts a photon energy from mega-electron-volts to
// kilo-electron-volts.
func (m MeV) ToKeV() KeV { return KeV(float64(m) * 1000) }

// ToMeV converts a photon energy from kilo-electron-volts to
// mega-electron-volts.
func (k KeV) ToMeV() MeV { return MeV(float64(k) / 1000) }

// ToRadian converts a plane angle from degrees to radians.
func (d Degree) ToRadian() Radian { return Radian(float64(d) * math.Pi / 180) }

// ToDegree converts a plane angle from radians to degrees.
func (r Radian) ToDegree() Degree { return Degree(float64(r) * 180 / math.Pi) }

// MeanFreePaths converts a linear thickness to an optical depth given a
// linear attenuation coefficient muPerCm [cm^-1]. x must already be in cm.
func MeanFreePaths(muPerCm float64, x Cm) Mfp { return Mfp(muPerCm * float64(x)) }

// maxDecibelArg is the transmission floor used by TransmissionToDB so that
// T=0 never produces +Inf dB.
const maxDecibelArg = 1e-30

// TransmissionToDB converts a transmission fraction T in [0,1] to decibels,
// clamping T at a numerical floor before taking the log so that T=0 returns
// a large finite value instead of +Inf.
func TransmissionToDB(t float64) float64 {
	if t < maxDecibelArg {
		t = maxDecibelArg
	}
	return -10 * math.Log10(t)
}

// DBToTransmission inverts TransmissionToDB. It is the round-trip partner
// used by the testable-property suite (dB round-trips for T in
// [1e-30, 1]).
func DBToTransmission(db float64) float64 {
	return math.Pow(10, -db/10)
}
