// Package physics implements the closed-form attenuation quantities of
// spec §4.3: linear attenuation, Beer-Lambert single/multi-layer
// transmission, HVL/TVL/MFP, and energy/thickness sweeps. Every function
// here is pure and side-effect-free so it vectorizes trivially across
// goroutines.
package physics

import (
	"math"

	"github.com/cargoxray/collimator/buildup"
	"github.com/cargoxray/collimator/colliderr"
	"github.com/cargoxray/collimator/materials"
	"github.com/cargoxray/collimator/units"
)

// Engine binds a material Database (and, optionally, a build-up table) so
// its methods don't need to thread them through every call. An Engine is
// immutable after construction and safe for concurrent use, mirroring the
// read-only-after-init database it wraps (spec §9).
type Engine struct {
	DB *materials.Database
	BU *buildup.Table // nil disables build-up (include_buildup forced false)
}

// New constructs a physics Engine over a material database and an optional
// build-up table.
func New(db *materials.Database, bu *buildup.Table) *Engine {
	return &Engine{DB: db, BU: bu}
}

// Layer is one traversed segment of material along a ray: an id resolvable
// in the Engine's Database and a path length already in centimeters.
type Layer struct {
	MaterialID string
	PathLength units.Cm
}

// LinearMu returns μ [cm^-1] = (μ/ρ)(id, E) · ρ(id).
func (e *Engine) LinearMu(id string, energy units.KeV) (float64, error) {
	muRho, err := e.DB.MuOverRho(id, energy)
	if err != nil {
		return 0, err
	}
	m, err := e.DB.Get(id)
	if err != nil {
		return 0, err
	}
	return muRho * m.DensityGCM3, nil
}

// HVL returns the half-value layer ln(2)/μ [cm].
func (e *Engine) HVL(id string, energy units.KeV) (units.Cm, error) {
	mu, err := e.LinearMu(id, energy)
	if err != nil {
		return 0, err
	}
	return units.Cm(math.Ln2 / mu), nil
}

// TVL returns the tenth-value layer ln(10)/μ [cm].
func (e *Engine) TVL(id string, energy units.KeV) (units.Cm, error) {
	mu, err := e.LinearMu(id, energy)
	if err != nil {
		return 0, err
	}
	return units.Cm(math.Log(10) / mu), nil
}

// MFP returns the mean free path 1/μ [cm].
func (e *Engine) MFP(id string, energy units.KeV) (units.Cm, error) {
	mu, err := e.LinearMu(id, energy)
	if err != nil {
		return 0, err
	}
	return units.Cm(1 / mu), nil
}

// maxOpticalDepth is the point beyond which exp(-τ) underflows to exactly
// zero without ever raising a floating point exception (spec §4.3 edge
// case: τ > 700 → T = 0, no overflow).
const maxOpticalDepth = 700.0

// TransmissionResult reports the composite transmission, the raw
// Beer-Lambert depth, and the per-layer partial depths used to pick the
// dominant material for build-up (spec §4.3/§4.4).
type TransmissionResult struct {
	Transmission   float64
	OpticalDepth   units.Mfp
	PerLayerDepth  []units.Mfp // one entry per input Layer
	DominantIdx    int         // index into PerLayerDepth of the largest partial depth
	DominantTie    bool        // true if the top two partial depths are within 10% of each other
	BuildUpApplied bool
	BuildUpFactor  float64
}

// Transmission implements spec §4.3's transmission(layers, E, include_buildup).
// A zero-length or all-vacuum layer set returns T=1 exactly.
func (e *Engine) Transmission(layers []Layer, energy units.KeV, includeBuildup bool) (*TransmissionResult, error) {
	res := &TransmissionResult{PerLayerDepth: make([]units.Mfp, len(layers)), DominantIdx: -1}
	var tau float64
	maxDepth, secondDepth := -1.0, -1.0
	for i, l := range layers {
		if l.PathLength < 0 {
			return nil, colliderr.New(colliderr.InvalidUnit, "layer %d has negative path length %g cm", i, float64(l.PathLength))
		}
		if l.PathLength == 0 {
			continue
		}
		mu, err := e.LinearMu(l.MaterialID, energy)
		if err != nil {
			return nil, err
		}
		depth := mu * float64(l.PathLength)
		res.PerLayerDepth[i] = units.Mfp(depth)
		tau += depth
		if depth > maxDepth {
			secondDepth = maxDepth
			maxDepth = depth
			res.DominantIdx = i
		} else if depth > secondDepth {
			secondDepth = depth
		}
	}
	res.OpticalDepth = units.Mfp(tau)
	if maxDepth > 0 && secondDepth > 0 && math.Abs(maxDepth-secondDepth)/maxDepth <= 0.10 {
		res.DominantTie = true
	}

	t0 := beerLambert(tau)
	res.Transmission = t0

	if includeBuildup && tau > 0 && e.BU != nil && res.DominantIdx >= 0 {
		dominant := layers[res.DominantIdx].MaterialID
		b, err := e.BU.Factor(buildup.GP, dominant, energy, units.Mfp(tau))
		if err != nil {
			return nil, err
		}
		res.BuildUpApplied = true
		res.BuildUpFactor = b
		res.Transmission = b * t0
	}
	return res, nil
}

func beerLambert(tau float64) float64 {
	if tau >= maxOpticalDepth {
		return 0
	}
	return math.Exp(-tau)
}

// EnergySweep evaluates Transmission at each energy in energies, holding
// layers and includeBuildup fixed.
func (e *Engine) EnergySweep(layers []Layer, energies []units.KeV, includeBuildup bool) ([]float64, error) {
	out := make([]float64, len(energies))
	for i, en := range energies {
		r, err := e.Transmission(layers, en, includeBuildup)
		if err != nil {
			return nil, err
		}
		out[i] = r.Transmission
	}
	return out, nil
}

// ThicknessSweep evaluates single-material transmission at each thickness
// in thicknesses [cm], holding material and energy fixed.
func (e *Engine) ThicknessSweep(id string, energy units.KeV, thicknesses []units.Cm) ([]float64, error) {
	out := make([]float64, len(thicknesses))
	for i, x := range thicknesses {
		r, err := e.Transmission([]Layer{{MaterialID: id, PathLength: x}}, energy, false)
		if err != nil {
			return nil, err
		}
		out[i] = r.Transmission
	}
	return out, nil
}
