// Package raytrace implements the deterministic 2-D geometric ray tracer
// of spec §4.6: the collimator data model (CollimatorGeometry, Stage,
// Aperture, Layer) and the per-ray segment/polygon intersection against an
// ordered sequence of stages.
package raytrace

import (
	"math"

	"github.com/cargoxray/collimator/colliderr"
	"github.com/cargoxray/collimator/units"
)

// CollimatorType is the closed sum of collimator field shapes (spec §9).
type CollimatorType string

// The three collimator types the engine understands.
const (
	FanBeam    CollimatorType = "fan_beam"
	PencilBeam CollimatorType = "pencil_beam"
	Slit       CollimatorType = "slit"
)

// ApertureKind is the closed sum of aperture shapes (spec §9). The engine's
// geometry is 2-D in the beam-axis/width plane, so Pinhole is modeled
// identically to Slit: both admit a ray whose transverse position falls
// within the (possibly tapered) width silhouette. A 3-D circular pinhole
// silhouette is out of scope (spec §1 non-goals: full 3-D transport).
type ApertureKind string

// The three aperture kinds the engine understands.
const (
	ApertureSlit    ApertureKind = "slit"
	AperturePinhole ApertureKind = "pinhole"
	ApertureOpen    ApertureKind = "open"
)

// Aperture is a stage's single opening. EntryWidth/ExitWidth may differ to
// describe a tapered aperture (spec §4.6); heights are carried for
// documentation and export but do not affect the 2-D transport math.
type Aperture struct {
	Kind          ApertureKind `json:"kind"`
	EntryWidthMm  units.Mm     `json:"entry_width_mm"`
	ExitWidthMm   units.Mm     `json:"exit_width_mm"`
	EntryHeightMm units.Mm     `json:"entry_height_mm,omitempty"`
	ExitHeightMm  units.Mm     `json:"exit_height_mm,omitempty"`
}

// widthAt linearly interpolates the aperture's full width at a fractional
// depth frac ∈ [0,1] through the stage (spec §4.6: "linear interpolation of
// aperture silhouette through stage depth").
func (a Aperture) widthAt(frac float64) units.Mm {
	if a.Kind == ApertureOpen {
		return units.Mm(math.Inf(1))
	}
	return a.EntryWidthMm + units.Mm(frac)*(a.ExitWidthMm-a.EntryWidthMm)
}

// Layer is one material zone within a stage's depth.
type Layer struct {
	MaterialID  string   `json:"material_id"`
	ThicknessMm units.Mm `json:"thickness_mm"`
	Purpose     string   `json:"purpose,omitempty"`
}

// Stage is one rigid collimator block: an explicit front-face Z position,
// a depth, an outer width, a single aperture, and an ordered stack of
// material layers whose thicknesses sum to the stage depth.
type Stage struct {
	ZMm          units.Mm `json:"z_mm"`
	DepthMm      units.Mm `json:"depth_mm"`
	OuterWidthMm units.Mm `json:"outer_width_mm"`
	Aperture     Aperture `json:"aperture"`
	Layers       []Layer  `json:"layers"`
}

// ExitZMm returns the stage's exit-face Z position.
func (s Stage) ExitZMm() units.Mm { return s.ZMm + s.DepthMm }

// Detector is the plane where rays are projected and binned.
type Detector struct {
	ZMm units.Mm `json:"z_mm"`
}

// Geometry is the full declarative collimator description the engine
// consumes: source at Z=0 by convention, an ordered non-empty sequence of
// stages, and a detector downstream of the last stage.
type Geometry struct {
	Type     CollimatorType `json:"type"`
	Stages   []Stage        `json:"stages"`
	Detector Detector       `json:"detector"`
}

const sumTolerance = 1e-6 // mm, spec §3 invariant tolerance

// Validate checks every invariant named in spec §3: strictly increasing
// stage Z, aperture widths bounded by outer width, non-negative layer
// thicknesses summing to stage depth, a non-empty stage list, and a
// detector downstream of the last stage. material_id resolvability is
// checked by the caller, which has access to the material database.
func (g Geometry) Validate() error {
	if len(g.Stages) == 0 {
		return colliderr.New(colliderr.InvalidGeometry, "geometry has no stages")
	}
	prevZ := units.Mm(math.Inf(-1))
	for i, s := range g.Stages {
		if s.ZMm <= prevZ {
			return colliderr.New(colliderr.InvalidGeometry,
				"stage %d Z=%g mm is not strictly greater than the previous stage's exit Z=%g mm", i, float64(s.ZMm), float64(prevZ)).
				With(colliderr.WithStage(i))
		}
		prevZ = s.ExitZMm()
		if s.DepthMm <= 0 {
			return colliderr.New(colliderr.InvalidGeometry, "stage %d has non-positive depth %g mm", i, float64(s.DepthMm)).
				With(colliderr.WithStage(i))
		}
		if s.Aperture.EntryWidthMm > s.OuterWidthMm || s.Aperture.ExitWidthMm > s.OuterWidthMm {
			return colliderr.New(colliderr.InvalidGeometry,
				"stage %d aperture width exceeds outer width %g mm", i, float64(s.OuterWidthMm)).
				With(colliderr.WithStage(i))
		}
		sum := units.Mm(0)
		for _, l := range s.Layers {
			if l.ThicknessMm < 0 {
				return colliderr.New(colliderr.InvalidGeometry, "stage %d has a negative layer thickness", i).
					With(colliderr.WithStage(i))
			}
			sum += l.ThicknessMm
		}
		if math.Abs(float64(sum-s.DepthMm)) > sumTolerance {
			return colliderr.New(colliderr.InvalidGeometry,
				"stage %d layer thicknesses sum to %g mm, want %g mm ± %g", i, float64(sum), float64(s.DepthMm), sumTolerance).
				With(colliderr.WithStage(i))
		}
	}
	if g.Detector.ZMm <= prevZ {
		return colliderr.New(colliderr.InvalidGeometry, "detector Z=%g mm is not downstream of the last stage exit Z=%g mm",
			float64(g.Detector.ZMm), float64(prevZ))
	}
	return nil
}

// MigrateLegacyGeometry wraps a single collimator body (no stage sequence)
// into a one-stage Geometry, per spec §6's legacy-compatibility
// requirement. The resulting stage's aperture and layer stack are taken
// verbatim from the arguments.
func MigrateLegacyGeometry(collimatorType CollimatorType, zMm, depthMm, outerWidthMm units.Mm, aperture Aperture, layers []Layer, detectorZMm units.Mm) Geometry {
	return Geometry{
		Type: collimatorType,
		Stages: []Stage{{
			ZMm: zMm, DepthMm: depthMm, OuterWidthMm: outerWidthMm,
			Aperture: aperture, Layers: layers,
		}},
		Detector: Detector{ZMm: detectorZMm},
	}
}
