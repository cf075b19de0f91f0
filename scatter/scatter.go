// Package scatter implements the optional single/double-scatter tracer of
// spec §4.8: it overlays stochastic Compton events on primary rays,
// propagates secondary photons through the collimator's remaining stages,
// and accumulates a scatter profile and escaped-fraction counters.
package scatter

import (
	"math"

	"github.com/cargoxray/collimator/compton"
	"github.com/cargoxray/collimator/internal/prng"
	"github.com/cargoxray/collimator/materials"
	"github.com/cargoxray/collimator/physics"
	"github.com/cargoxray/collimator/raytrace"
	"github.com/cargoxray/collimator/units"
)

// StepSizeMm is the default step along an in-layer segment at which
// interaction probability is evaluated (spec §4.8).
const StepSizeMm units.Mm = 1

// Outcome is the terminal state of a secondary ray's random walk (spec
// §4.8's state machine: Alive → interacts | escapes_geometry |
// drops_below_cutoff | reaches_detector).
type Outcome string

// The four terminal outcomes a secondary ray can reach.
const (
	ReachesDetector  Outcome = "reaches_detector"
	EscapesGeometry  Outcome = "escapes_geometry"
	DropsBelowCutoff Outcome = "drops_below_cutoff"
)

// Interaction is one recorded Compton event that produced a secondary ray
// contributing to the scatter profile.
type Interaction struct {
	StageIndex      int          `json:"stage_index"`
	ZMm             units.Mm     `json:"z_mm"`
	XMm             units.Mm     `json:"x_mm"`
	IncidentEnergy  units.KeV    `json:"incident_energy_kev"`
	ScatteredEnergy units.KeV    `json:"scattered_energy_kev"`
	ThetaRad        units.Radian `json:"theta_rad"`
	PhiRad          units.Radian `json:"phi_rad"`
	Order           int          `json:"order"` // 1 for a primary-ray-originated event, 2 for a secondary-originated one
	Outcome         Outcome      `json:"outcome"`
	DetectorX       units.Mm     `json:"detector_x_mm,omitempty"` // valid only if Outcome == ReachesDetector
	SurvivingWeight float64      `json:"surviving_weight,omitempty"` // transmitted intensity fraction, valid only if Outcome == ReachesDetector
}

// Config mirrors spec §3's ComptonConfig.
type Config struct {
	Enabled         bool      `json:"enabled"`
	MaxScatterOrder int       `json:"max_scatter_order"` // 1 or 2
	MinEnergyCutoff units.KeV `json:"min_energy_cutoff_kev"`
	AngularBins     int       `json:"angular_bins"`
}

// Tracer overlays Compton events on primary rays using a physics Engine
// (for Beer-Lambert attenuation of secondaries) and a material Database
// (for Compton branching fractions).
type Tracer struct {
	Physics *physics.Engine
	DB      *materials.Database
	Config  Config
}

// New constructs a scatter Tracer.
func New(ph *physics.Engine, db *materials.Database, cfg Config) *Tracer {
	return &Tracer{Physics: ph, DB: db, Config: cfg}
}

// Result accumulates everything one primary ray's scatter trace produced.
type Result struct {
	Interactions    []Interaction
	EscapedFraction float64 // fraction of sampled interactions that escaped rather than reaching the detector
}

// TraceRay walks ray's segments (as already computed by raytrace.TraceRay)
// and, within each layer segment, steps in StepSizeMm increments sampling
// Compton interactions per spec §4.8. stream must be the sub-stream
// dedicated to this ray's index so results are reproducible regardless of
// goroutine scheduling (spec §5).
func (t *Tracer) TraceRay(ray raytrace.Ray, geom raytrace.Geometry, energy units.KeV, trace raytrace.Trace, stream *prng.Stream) Result {
	var res Result
	var attempted int
	for _, seg := range trace.Segments {
		hits := t.stepSegment(ray, geom, energy, seg, stream, 1)
		for _, h := range hits {
			res.Interactions = append(res.Interactions, h)
			attempted++
			if h.Outcome == EscapesGeometry {
				res.EscapedFraction++
			}
		}
	}
	if attempted > 0 {
		res.EscapedFraction /= float64(attempted)
	}
	return res
}

// stepSegment steps along one material segment in StepSizeMm increments,
// sampling a Compton branch at each step per spec §4.8's five-step
// algorithm, and recursing into a secondary ray's own path when
// MaxScatterOrder permits a second-order event.
func (t *Tracer) stepSegment(ray raytrace.Ray, geom raytrace.Geometry, energy units.KeV, seg raytrace.Segment, stream *prng.Stream, order int) []Interaction {
	stepCm := StepSizeMm.ToCm()
	nsteps := int(math.Ceil(float64(seg.PathLength) / float64(stepCm)))
	if nsteps == 0 {
		return nil
	}
	dx := float64(seg.PathLength) / float64(nsteps)

	muTotal, err := t.Physics.LinearMu(seg.MaterialID, energy)
	if err != nil || muTotal <= 0 {
		return nil
	}
	comptonFrac, err := t.DB.ComptonFraction(seg.MaterialID, energy)
	if err != nil {
		return nil
	}

	var out []Interaction
	for s := 0; s < nsteps; s++ {
		pInt := 1 - math.Exp(-muTotal*dx)
		pCompton := comptonFrac * pInt
		if stream.Float64() >= pCompton {
			continue
		}
		ev := compton.Sample(energy, stream)
		if ev.Energy < t.Config.MinEnergyCutoff {
			out = append(out, Interaction{
				StageIndex: seg.StageIndex, IncidentEnergy: energy,
				ScatteredEnergy: ev.Energy, ThetaRad: ev.CosTheta, PhiRad: ev.Phi,
				Order: order, Outcome: DropsBelowCutoff,
			})
			continue
		}
		interaction := t.launchSecondary(ray, geom, seg, energy, ev, order, stream)
		out = append(out, interaction)
		if order < t.Config.MaxScatterOrder && interaction.Outcome != DropsBelowCutoff {
			// Recurse: the secondary's own remaining path may itself scatter.
			secondaryRay, secondaryTrace, ok := secondaryPathAfter(ray, geom, seg, ev)
			if ok {
				for _, sseg := range secondaryTrace.Segments {
					out = append(out, t.stepSegment(secondaryRay, geom, ev.Energy, sseg, stream, order+1)...)
				}
			}
		}
	}
	return out
}

// launchSecondary traces a newly-scattered photon from its emission point
// through the remaining stages at its new energy, applying ordinary
// Beer-Lambert attenuation (no further build-up), and reports whether it
// reached the detector.
func (t *Tracer) launchSecondary(ray raytrace.Ray, geom raytrace.Geometry, seg raytrace.Segment, energy units.KeV, ev compton.Event, order int, stream *prng.Stream) Interaction {
	interaction := Interaction{
		StageIndex: seg.StageIndex, IncidentEnergy: energy,
		ScatteredEnergy: ev.Energy, ThetaRad: ev.CosTheta, PhiRad: ev.Phi, Order: order,
	}
	_, secondaryTrace, ok := secondaryPathAfter(ray, geom, seg, ev)
	if !ok {
		interaction.Outcome = EscapesGeometry
		return interaction
	}
	weight := 1.0
	for _, s := range secondaryTrace.Segments {
		mu, err := t.Physics.LinearMu(s.MaterialID, ev.Energy)
		if err != nil {
			interaction.Outcome = EscapesGeometry
			return interaction
		}
		weight *= math.Exp(-mu * float64(s.PathLength))
	}
	if secondaryTrace.OutsideOuter && len(secondaryTrace.Segments) == 0 {
		// A secondary launched outside every remaining stage's outer body
		// escapes without contributing to the detector's collimated field.
		interaction.Outcome = EscapesGeometry
		return interaction
	}
	interaction.Outcome = ReachesDetector
	interaction.DetectorX = secondaryTrace.DetectorX
	interaction.SurvivingWeight = weight
	return interaction
}

// secondaryPathAfter builds the ray that a scattered photon follows from
// its emission point (the point along seg where the interaction occurred,
// approximated as the segment's midpoint) onward, and traces it through
// the stages downstream of seg.StageIndex.
func secondaryPathAfter(ray raytrace.Ray, geom raytrace.Geometry, seg raytrace.Segment, ev compton.Event) (raytrace.Ray, raytrace.Trace, bool) {
	if seg.StageIndex+1 > len(geom.Stages) {
		return raytrace.Ray{}, raytrace.Trace{}, false
	}
	stage := geom.Stages[seg.StageIndex]
	zMid := stage.ZMm + stage.DepthMm/2
	xMid := ray.XAt(zMid)

	// ev.CosTheta carries the sampled polar scattering angle itself (see
	// compton.Event). The plane is 2-D, so the azimuth folds onto a sign:
	// phi in the "forward" half-turn deflects one way, the other half the
	// opposite way.
	deflection := ev.CosTheta
	if math.Cos(float64(ev.Phi)) < 0 {
		deflection = -deflection
	}
	newTheta := ray.Theta + deflection
	secondaryRay := raytrace.Ray{X0: xMid - units.Mm(math.Tan(float64(newTheta)))*zMid, Theta: newTheta}

	remaining := raytrace.Geometry{Type: geom.Type, Stages: geom.Stages[seg.StageIndex+1:], Detector: geom.Detector}
	if len(remaining.Stages) == 0 {
		trace := raytrace.Trace{DetectorX: secondaryRay.XAt(geom.Detector.ZMm)}
		return secondaryRay, trace, true
	}
	trace := raytrace.TraceRay(secondaryRay, remaining)
	return secondaryRay, trace, true
}
