// Package materials implements the collimator engine's material database:
// a read-mostly store of pure elements and alloys, their energy-indexed
// attenuation coefficients, log-log interpolation on that grid, and the
// alloy mixture rule. The database is loaded once at engine initialization
// (see LoadDirectory) and is safe for concurrent read access from parallel ray
// workers thereafter; nothing in this package mutates a *Database after
// construction.
package materials

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/interp"

	"github.com/cargoxray/collimator/colliderr"
	"github.com/cargoxray/collimator/units"
)

// Category distinguishes a pure element from a weighted alloy.
type Category string

// The two material categories the engine understands. User-defined custom
// materials are a non-goal (spec §1); every Material is either a pure
// element or an alloy of known elements.
const (
	PureElement Category = "pure_element"
	Alloy       Category = "alloy"
)

// Component is one (element, weight_fraction) pair in an alloy's
// composition.
type Component struct {
	ElementID string
	Weight    float64 // fraction of total mass, 0..1
}

// AttenuationDataPoint is one row of a material's energy-indexed
// attenuation table, in the units NIST XCOM publishes: keV and cm^2/g.
type AttenuationDataPoint struct {
	EnergyKeV             units.KeV
	TotalMu               float64 // total mass attenuation [cm^2/g]
	MassEnergyAbsorption  float64 // mass energy absorption [cm^2/g]
	Photoelectric         float64 // photoelectric component [cm^2/g]
	Compton               float64 // incoherent (Compton) component [cm^2/g]
	Pair                  float64 // pair production component [cm^2/g]
}

// Material is one entry in the database: identity, density, and an
// energy-sorted attenuation table.
type Material struct {
	ID          string
	Name        string
	Symbol      string
	Z           float64 // effective atomic number
	DensityGCM3 float64 // mass density [g/cm^3]
	Color       string  // presentation color, opaque to the core
	Category    Category
	Composition []Component // non-empty only for Category == Alloy

	// Points is sorted ascending by EnergyKeV with no duplicate energies.
	Points []AttenuationDataPoint

	// KEdgeKeV is the binding energy of the K-shell absorption edge, if
	// known. Zero means "no known K-edge in range". It gates the single
	// permitted extrapolation mode described in spec §4.2.
	KEdgeKeV units.KeV
}

// Database is the immutable, process-wide material store. It is built once
// by LoadDirectory and passed explicitly into the physics, Compton and scatter
// components — it is never fetched from ambient/global state, so tests can
// substitute fixtures (spec §9).
type Database struct {
	byID map[string]*Material
	ids  []string // stable iteration order, insertion order
}

// NewDatabase builds a Database from a slice of materials, validating each
// one. It is the constructor LoadDirectory and test fixtures both funnel
// through.
func NewDatabase(mats []*Material) (*Database, error) {
	db := &Database{byID: make(map[string]*Material, len(mats))}
	for _, m := range mats {
		if err := validate(m); err != nil {
			return nil, err
		}
		if _, dup := db.byID[m.ID]; dup {
			return nil, colliderr.New(colliderr.InvalidComposition,
				"duplicate material id %q", m.ID).With(colliderr.WithMaterial(m.ID))
		}
		db.byID[m.ID] = m
		db.ids = append(db.ids, m.ID)
	}
	return db, nil
}

func validate(m *Material) error {
	if m.DensityGCM3 <= 0 || math.IsNaN(m.DensityGCM3) || math.IsInf(m.DensityGCM3, 0) {
		return colliderr.New(colliderr.InvalidUnit, "material %q has non-positive density %g", m.ID, m.DensityGCM3).
			With(colliderr.WithMaterial(m.ID))
	}
	if len(m.Points) == 0 {
		return colliderr.New(colliderr.InvalidComposition, "material %q has no attenuation data points", m.ID).
			With(colliderr.WithMaterial(m.ID))
	}
	sort.Slice(m.Points, func(i, j int) bool { return m.Points[i].EnergyKeV < m.Points[j].EnergyKeV })
	for i := 1; i < len(m.Points); i++ {
		if m.Points[i].EnergyKeV == m.Points[i-1].EnergyKeV {
			return colliderr.New(colliderr.InvalidComposition,
				"material %q has duplicate energy point at %g keV", m.ID, float64(m.Points[i].EnergyKeV)).
				With(colliderr.WithMaterial(m.ID))
		}
	}
	if m.Category == Alloy {
		sum := 0.0
		for _, c := range m.Composition {
			sum += c.Weight
		}
		if math.Abs(sum-1) > 1e-6 {
			return colliderr.New(colliderr.InvalidComposition,
				"alloy %q composition sums to %g, want 1±1e-6", m.ID, sum).
				With(colliderr.WithMaterial(m.ID))
		}
	}
	return nil
}

// List returns every known material in load order.
func (db *Database) List() []*Material {
	out := make([]*Material, len(db.ids))
	for i, id := range db.ids {
		out[i] = db.byID[id]
	}
	return out
}

// Get returns the material with the given id, or a NotFound error.
func (db *Database) Get(id string) (*Material, error) {
	m, ok := db.byID[id]
	if !ok {
		return nil, colliderr.New(colliderr.NotFound, "unknown material id %q", id).With(colliderr.WithMaterial(id))
	}
	return m, nil
}

// MuOverRho returns the total mass attenuation coefficient [cm^2/g] for the
// material at the given energy, log-log interpolated on its grid. Energies
// outside the grid are a hard OutOfRange error — the engine never
// extrapolates. An energy whose two bracketing grid points straddle the
// material's declared K-edge is a NumericalDegeneracy error here;
// MuOverRhoKEdge is the variant that interpolates across such a pair.
func (db *Database) MuOverRho(id string, e units.KeV) (float64, error) {
	m, err := db.Get(id)
	if err != nil {
		return 0, err
	}
	return interpolateLogLog(m, e, false)
}

// MuOverRhoKEdge behaves like MuOverRho except for an energy whose two
// bracketing grid points straddle the material's declared K-edge: there it
// log-log interpolates across the edge instead of returning an error. It
// does not extrapolate; energies outside the grid are an OutOfRange error
// here as well.
func (db *Database) MuOverRhoKEdge(id string, e units.KeV) (float64, error) {
	m, err := db.Get(id)
	if err != nil {
		return 0, err
	}
	return interpolateLogLog(m, e, true)
}

func interpolateLogLog(m *Material, e units.KeV, allowKEdge bool) (float64, error) {
	pts := m.Points
	if e <= 0 || math.IsNaN(float64(e)) {
		return 0, colliderr.New(colliderr.InvalidUnit, "energy %g keV is not positive", float64(e)).
			With(colliderr.WithMaterial(m.ID), colliderr.WithEnergy(float64(e)))
	}
	if e < pts[0].EnergyKeV || e > pts[len(pts)-1].EnergyKeV {
		return 0, colliderr.New(colliderr.OutOfRange,
			"energy %g keV outside grid [%g, %g] for material %q",
			float64(e), float64(pts[0].EnergyKeV), float64(pts[len(pts)-1].EnergyKeV), m.ID).
			With(colliderr.WithMaterial(m.ID), colliderr.WithEnergy(float64(e)))
	}
	i := sort.Search(len(pts), func(i int) bool { return pts[i].EnergyKeV >= e })
	if i < len(pts) && pts[i].EnergyKeV == e {
		return pts[i].TotalMu, nil
	}
	lo, hi := pts[i-1], pts[i]
	if m.KEdgeKeV > 0 && lo.EnergyKeV < m.KEdgeKeV && hi.EnergyKeV > m.KEdgeKeV {
		if !allowKEdge {
			return 0, colliderr.New(colliderr.NumericalDegeneracy,
				"energy %g keV straddles the K-edge (%g keV) of material %q without explicit extrapolation",
				float64(e), float64(m.KEdgeKeV), m.ID).
				With(colliderr.WithMaterial(m.ID), colliderr.WithEnergy(float64(e)))
		}
	}
	return loglogLerp(float64(lo.EnergyKeV), lo.TotalMu, float64(hi.EnergyKeV), hi.TotalMu, float64(e)), nil
}

// loglogLerp interpolates in log-log space: a gonum PiecewiseLinear fit
// through (log x0, log y0) and (log x1, log y1), evaluated at log x and
// exponentiated back. A two-knot PiecewiseLinear is exactly the bracket
// interpolation the material grid needs; gonum's interp package is used
// here rather than a hand-rolled slope/intercept computation.
func loglogLerp(x0, y0, x1, y1, x float64) float64 {
	var pl interp.PiecewiseLinear
	if err := pl.Fit([]float64{math.Log(x0), math.Log(x1)}, []float64{math.Log(y0), math.Log(y1)}); err != nil {
		// Fit only fails on non-increasing or mismatched inputs; callers
		// always pass x0 < x1, so this cannot happen in practice.
		panic(fmt.Sprintf("materials: log-log interpolation fit failed: %v", err))
	}
	return math.Exp(pl.Predict(math.Log(x)))
}

// MuOverRhoAlloy computes Σ wᵢ·MuOverRho(elementᵢ, E) for an ad hoc
// composition (spec §4.2). Weights must sum to 1±1e-6.
func (db *Database) MuOverRhoAlloy(composition []Component, e units.KeV) (float64, error) {
	sum := 0.0
	for _, c := range composition {
		sum += c.Weight
	}
	if math.Abs(sum-1) > 1e-6 {
		return 0, colliderr.New(colliderr.InvalidComposition, "composition sums to %g, want 1±1e-6", sum)
	}
	total := 0.0
	for _, c := range composition {
		mu, err := db.MuOverRho(c.ElementID, e)
		if err != nil {
			return 0, err
		}
		total += c.Weight * mu
	}
	return total, nil
}

// ComptonFraction returns μ_Compton(E)/μ_total(E) for the material, used by
// the scatter tracer to branch between Compton and other interaction
// outcomes in a step (spec §4.2, §4.8).
func (db *Database) ComptonFraction(id string, e units.KeV) (float64, error) {
	m, err := db.Get(id)
	if err != nil {
		return 0, err
	}
	pts := m.Points
	if e < pts[0].EnergyKeV || e > pts[len(pts)-1].EnergyKeV {
		return 0, colliderr.New(colliderr.OutOfRange, "energy %g keV outside grid for material %q", float64(e), id).
			With(colliderr.WithMaterial(id), colliderr.WithEnergy(float64(e)))
	}
	i := sort.Search(len(pts), func(i int) bool { return pts[i].EnergyKeV >= e })
	var compton, total float64
	if i < len(pts) && pts[i].EnergyKeV == e {
		compton, total = pts[i].Compton, pts[i].TotalMu
	} else {
		lo, hi := pts[i-1], pts[i]
		compton = loglogLerp(float64(lo.EnergyKeV), lo.Compton, float64(hi.EnergyKeV), hi.Compton, float64(e))
		total = loglogLerp(float64(lo.EnergyKeV), lo.TotalMu, float64(hi.EnergyKeV), hi.TotalMu, float64(e))
	}
	if total == 0 {
		return 0, nil
	}
	return compton / total, nil
}

func (db *Database) String() string {
	return fmt.Sprintf("materials.Database{%d materials}", len(db.ids))
}
