package raytrace

import (
	"math"

	"github.com/cargoxray/collimator/colliderr"
	"github.com/cargoxray/collimator/units"
)

// pencilMargin widens the pencil/slit angular span beyond the first
// stage's aperture so a few rays deliberately sample the penumbra.
const pencilMargin = 1.5

// GenerateRays deterministically produces rayCount rays evenly spaced over
// the angular span implied by geometry's collimator type (spec §4.6):
// fan_beam spans the full field of view to the detector, pencil_beam and
// slit span the first stage's aperture plus a margin. Determinism is by
// construction — the same (geometry, rayCount) always yields the same
// angles in the same order (spec §4.7).
func GenerateRays(geom Geometry, rayCount int) ([]Ray, error) {
	if rayCount < 100 || rayCount > 10000 {
		return nil, colliderr.New(colliderr.InvalidConfig, "ray_count %d outside [100, 10000]", rayCount)
	}
	halfAngle := fieldHalfAngle(geom)
	rays := make([]Ray, rayCount)
	if rayCount == 1 {
		rays[0] = Ray{Theta: 0, Index: 0}
		return rays, nil
	}
	for i := 0; i < rayCount; i++ {
		frac := float64(i)/float64(rayCount-1)*2 - 1 // -1..1
		rays[i] = Ray{Theta: units.Radian(frac * halfAngle), Index: i}
	}
	return rays, nil
}

func fieldHalfAngle(geom Geometry) float64 {
	first := geom.Stages[0]
	switch geom.Type {
	case FanBeam:
		halfWidth := float64(geom.Detector.ZMm) * math.Tan(math.Pi/2*0.49) // guarded against 90°
		if first.OuterWidthMm > 0 {
			halfWidth = float64(first.OuterWidthMm) / 2
		}
		return math.Atan(halfWidth / math.Max(float64(first.ZMm), 1e-9))
	case PencilBeam, Slit:
		halfAp := float64(first.Aperture.EntryWidthMm) / 2 * pencilMargin
		return math.Atan(halfAp / math.Max(float64(first.ZMm), 1e-9))
	default:
		return math.Atan(float64(first.OuterWidthMm) / 2 / math.Max(float64(first.ZMm), 1e-9))
	}
}

// DetectorBins holds a fixed-width histogram over the detector plane.
type DetectorBins struct {
	HalfWidthMm units.Mm
	Counts      []float64 // primary intensity accumulator, one per bin
	BinWidthMm  units.Mm
}

// NewDetectorBins allocates angularResolution bins spanning ±1.5 times the
// last stage's full outer width (three outer widths in all, a margin so
// penumbra and leakage tails are captured), per spec §4.6's
// "angular_resolution controls bin width".
func NewDetectorBins(geom Geometry, angularResolution int) (*DetectorBins, error) {
	if angularResolution <= 0 {
		return nil, colliderr.New(colliderr.InvalidConfig, "angular_resolution %d must be positive", angularResolution)
	}
	last := geom.Stages[len(geom.Stages)-1]
	halfWidth := units.Mm(float64(last.OuterWidthMm) * 1.5)
	return &DetectorBins{
		HalfWidthMm: halfWidth,
		Counts:      make([]float64, angularResolution),
		BinWidthMm:  units.Mm(2 * float64(halfWidth) / float64(angularResolution)),
	}, nil
}

// BinIndex returns the bin index for a detector-plane position, clamped to
// the valid range (positions beyond ±HalfWidthMm accumulate into the edge
// bins rather than being dropped). A position exactly on a bin boundary
// goes to the bin farther from the centre on either side, so mirror-image
// positions land in mirror-image bins.
func (d *DetectorBins) BinIndex(x units.Mm) int {
	frac := (math.Abs(float64(x)) + float64(d.HalfWidthMm)) / (2 * float64(d.HalfWidthMm))
	idx := int(frac * float64(len(d.Counts)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(d.Counts) {
		idx = len(d.Counts) - 1
	}
	if x < 0 {
		idx = len(d.Counts) - 1 - idx
	}
	return idx
}

// Position returns the center position of bin i.
func (d *DetectorBins) Position(i int) units.Mm {
	return -d.HalfWidthMm + units.Mm(float64(i)+0.5)*d.BinWidthMm
}
