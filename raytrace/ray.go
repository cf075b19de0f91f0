package raytrace

import (
	"math"

	"github.com/cargoxray/collimator/units"
)

// Ray originates at the source (Z=0 by convention) at transverse offset X0
// and travels at angle Theta from the beam axis. It carries no energy: the
// tracer is energy-independent, and attenuation at a given energy is
// applied downstream by the beam simulation (spec §4.7).
type Ray struct {
	X0    units.Mm
	Theta units.Radian
	Index int
}

// XAt returns the ray's transverse position at beam-axis position z.
func (r Ray) XAt(z units.Mm) units.Mm {
	return r.X0 + units.Mm(math.Tan(float64(r.Theta)))*z
}

// Segment is one traversed length of material along a ray's path.
type Segment struct {
	MaterialID string
	PathLength units.Cm // already converted to centimeters
	StageIndex int
}

// Trace carries the per-stage outcome of tracing one ray, and its
// final detector-plane intersection.
type Trace struct {
	Segments      []Segment
	DetectorX     units.Mm
	OutsideOuter  bool // ray missed every stage's outer body (leakage, not primary)
	ThroughAll    bool // ray passed through every stage's aperture unobstructed
}

// TraceRay intersects ray against geometry's ordered stage sequence,
// producing one Segment per (stage, layer) the ray's solid-body path
// crosses. A ray that passes entirely within a stage's aperture silhouette
// (interpolated linearly between its entry and exit faces, spec §4.6)
// contributes no segment for that stage. A ray that never enters any
// stage's outer width at all passes freely and is flagged OutsideOuter so
// the beam simulation can count it as leakage relative to the source
// rather than as transmitted primary (spec §4.6).
func TraceRay(ray Ray, geom Geometry) Trace {
	trace := Trace{ThroughAll: true}
	sawAnyStageBody := false
	for si, stage := range geom.Stages {
		xEntry := ray.XAt(stage.ZMm)
		xExit := ray.XAt(stage.ExitZMm())
		outerHalf := float64(stage.OuterWidthMm) / 2

		if math.Abs(float64(xEntry)) > outerHalf && math.Abs(float64(xExit)) > outerHalf &&
			sameSign(float64(xEntry), float64(xExit)) {
			// Ray passes entirely outside this stage's solid body.
			continue
		}
		sawAnyStageBody = true

		entryApertureHalf := float64(stage.Aperture.widthAt(0)) / 2
		exitApertureHalf := float64(stage.Aperture.widthAt(1)) / 2
		inAperture := entryApertureHalf > 0 && exitApertureHalf > 0 &&
			math.Abs(float64(xEntry)) <= entryApertureHalf && math.Abs(float64(xExit)) <= exitApertureHalf
		if inAperture {
			continue
		}
		trace.ThroughAll = false

		trace.Segments = append(trace.Segments, layerSegments(ray, stage, si)...)
	}
	if !sawAnyStageBody {
		trace.OutsideOuter = true
	}
	trace.DetectorX = ray.XAt(geom.Detector.ZMm)
	return trace
}

func sameSign(a, b float64) bool { return (a >= 0) == (b >= 0) }

// layerSegments subdivides a stage's in-stage path by its layer boundaries
// (known Z offsets inside the stage) and returns one Segment per layer
// traversed, with path length in centimeters along the ray's own slant
// (spec §4.6).
func layerSegments(ray Ray, stage Stage, stageIdx int) []Segment {
	cosTheta := math.Cos(float64(ray.Theta))
	if cosTheta == 0 {
		cosTheta = 1e-12 // grazing ray, avoid division by zero; path length saturates
	}
	segs := make([]Segment, 0, len(stage.Layers))
	for _, l := range stage.Layers {
		pathLenMm := units.Mm(math.Abs(float64(l.ThicknessMm) / cosTheta))
		segs = append(segs, Segment{
			MaterialID: l.MaterialID,
			PathLength: pathLenMm.ToCm(),
			StageIndex: stageIdx,
		})
	}
	return segs
}
