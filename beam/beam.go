// Package beam implements the top-level simulation orchestration of spec
// §4.7: it wires the material database, physics engine, build-up table,
// ray tracer and (optionally) the scatter tracer into a single
// run_simulation(geometry, config) → result call, running the per-ray
// reduction across a worker pool in the manner of the teacher's
// Calculations() (goroutines striding over indices, each with a thread
// local accumulator reduced at the end for reproducibility).
package beam

import (
	"math"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ctessum/sparse"
	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/floats"

	"github.com/cargoxray/collimator/buildup"
	"github.com/cargoxray/collimator/colliderr"
	"github.com/cargoxray/collimator/internal/prng"
	"github.com/cargoxray/collimator/materials"
	"github.com/cargoxray/collimator/physics"
	"github.com/cargoxray/collimator/raytrace"
	"github.com/cargoxray/collimator/scatter"
	"github.com/cargoxray/collimator/units"
)

// ComptonConfig mirrors spec §3's ComptonConfig verbatim; it is the same
// shape the scatter tracer consumes, so the engine passes it through
// unchanged rather than re-declaring an equivalent struct.
type ComptonConfig = scatter.Config

// SimulationConfig mirrors spec §3's SimulationConfig.
type SimulationConfig struct {
	Energies          []units.KeV    `json:"energies_kev"`
	RayCount          int            `json:"ray_count"`
	IncludeBuildup    bool           `json:"include_buildup"`
	IncludeScatter    bool           `json:"include_scatter"`
	AngularResolution int            `json:"angular_resolution"`
	BuildUpMethod     buildup.Method `json:"buildup_method,omitempty"` // GP or Taylor; default GP
	Compton           ComptonConfig  `json:"compton"`
	Seed              uint64         `json:"seed"` // scatter tracer RNG seed (spec §4.8, §5)
}

// Validate checks SimulationConfig's invariants (spec §3): a non-empty,
// all-positive energy list, a ray count within [100, 10000], and a positive
// angular resolution.
func (c SimulationConfig) Validate() error {
	if len(c.Energies) == 0 {
		return colliderr.New(colliderr.InvalidConfig, "energies must not be empty")
	}
	for _, e := range c.Energies {
		if e <= 0 {
			return colliderr.New(colliderr.InvalidConfig, "energy %g keV must be positive", float64(e))
		}
	}
	if c.RayCount < 100 || c.RayCount > 10000 {
		return colliderr.New(colliderr.InvalidConfig, "ray_count %d outside [100, 10000]", c.RayCount)
	}
	if c.AngularResolution <= 0 {
		return colliderr.New(colliderr.InvalidConfig, "angular_resolution %d must be positive", c.AngularResolution)
	}
	return nil
}

// DetectorBin is one row of the detector profile.
type DetectorBin struct {
	PositionMm    units.Mm `json:"position_mm"`
	BinIndex      int      `json:"bin_index"`
	Transmission  float64  `json:"transmission"`
	BuildUpFactor float64  `json:"buildup_factor"`
	Primary       float64  `json:"primary"`
	Scatter       float64  `json:"scatter"`
	Total         float64  `json:"total"`
	SPR           float64  `json:"spr"`
}

// LayerContribution is one layer's optical depth at a given energy, part
// of an EnergyAnalysisEntry.
type LayerContribution struct {
	MaterialID   string    `json:"material_id"`
	OpticalDepth units.Mfp `json:"optical_depth_mfp"`
}

// EnergyAnalysisEntry is one row of the energy-analysis table: the
// on-axis composite transmission at one energy and its per-layer
// breakdown, for the layers the on-axis (θ=0) ray crosses, in stage and
// layer order. A stage whose aperture the on-axis ray passes through
// contributes no layers.
type EnergyAnalysisEntry struct {
	Energy        units.KeV           `json:"energy_kev"`
	Transmission  float64             `json:"transmission"`
	BuildUpFactor float64             `json:"buildup_factor"`
	PerLayer      []LayerContribution `json:"per_layer"`
}

// QualityMetrics reports the detector-profile-derived figures of spec
// §4.7.
type QualityMetrics struct {
	PenumbraLeftMm       units.Mm `json:"penumbra_left_mm"`
	PenumbraRightMm      units.Mm `json:"penumbra_right_mm"`
	PenumbraGeneralMm    units.Mm `json:"penumbra_general_mm"`
	FlatnessPercent      float64  `json:"flatness_percent"`
	LeakageMean          float64  `json:"leakage_mean"`
	LeakageMax           float64  `json:"leakage_max"`
	LeakageMeanNoBuildup float64  `json:"leakage_mean_no_buildup"`
	LeakageMaxNoBuildup  float64  `json:"leakage_max_no_buildup"`
	CollimationRatio     float64  `json:"collimation_ratio"`
	CollimationRatioDB   float64  `json:"collimation_ratio_db"`
	SPRMean              float64  `json:"spr_mean"` // zero if scatter disabled
	SPRMax               float64  `json:"spr_max"`
}

// ComptonAnalysis is populated only when SimulationConfig.Compton.Enabled.
type ComptonAnalysis struct {
	Interactions               []scatter.Interaction `json:"interactions"`
	EscapedFraction            float64                `json:"escaped_fraction"`
	ScatteredEnergySpectrumKeV []float64              `json:"scattered_energy_spectrum_kev"`
}

// SimulationResult is the immutable output document of one run_simulation
// call (spec §3, §6).
type SimulationResult struct {
	ID             int64                `json:"id"`
	Timestamp      time.Time            `json:"timestamp"`
	Profile        []DetectorBin        `json:"profile"`
	EnergyAnalysis []EnergyAnalysisEntry `json:"energy_analysis"`
	Quality        QualityMetrics       `json:"quality"`
	Compton        *ComptonAnalysis     `json:"compton,omitempty"` // nil unless scatter was enabled
	Warnings       []string             `json:"warnings,omitempty"`
	Cancelled      bool                 `json:"cancelled"`
}

var resultCounter int64

func nextResultID() int64 { return atomic.AddInt64(&resultCounter, 1) }

// Engine binds the immutable material database, physics engine and
// optional build-up table used by every run_simulation call.
type Engine struct {
	DB      *materials.Database
	Physics *physics.Engine
	BuildUp *buildup.Table
}

// New constructs an Engine. bu may be nil to force include_buildup off
// regardless of what the caller's SimulationConfig requests.
func New(db *materials.Database, ph *physics.Engine, bu *buildup.Table) *Engine {
	return &Engine{DB: db, Physics: ph, BuildUp: bu}
}

// ProgressFunc is invoked at coarse granularity (roughly every 1% of
// rays traced), never per ray, per spec §5.
type ProgressFunc func(fraction float64)

// rayAccumulator is the per-worker thread-local state reduced at the end
// of Run, so the reduction order — and hence the primary channel's
// floating point result — never depends on goroutine scheduling.
type rayAccumulator struct {
	primary      *sparse.DenseArray
	scatterI     *sparse.DenseArray
	buildupSum   *sparse.DenseArray
	interactions []scatter.Interaction
	escaped, attempted int
}

// Run executes spec §4.7's per-ray pipeline across config.RayCount rays,
// reducing into a detector-bin histogram, and derives the quality metrics
// of §4.7. progress and cancel may be nil. Cancellation is checked at the
// same coarse granularity as progress and, if observed, Run returns a
// result with Cancelled set and no profile.
func (e *Engine) Run(geom raytrace.Geometry, config SimulationConfig, progress ProgressFunc, cancel <-chan struct{}) (*SimulationResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := geom.Validate(); err != nil {
		return nil, err
	}

	primaryEnergy := config.Energies[0]
	bins, err := raytrace.NewDetectorBins(geom, config.AngularResolution)
	if err != nil {
		return nil, err
	}
	rays, err := raytrace.GenerateRays(geom, config.RayCount)
	if err != nil {
		return nil, err
	}

	var warnings []string
	includeBuildup := config.IncludeBuildup && e.BuildUp != nil
	if config.IncludeBuildup && e.BuildUp == nil {
		warnings = append(warnings, "include_buildup requested but no build-up table is loaded; treating as disabled")
	}
	if len(config.Energies) > 1 {
		warnings = append(warnings, "multiple energies requested; the detector profile uses a monoenergetic approximation at the first energy")
	}

	method := config.BuildUpMethod
	if method == "" {
		method = buildup.GP
	}
	// Sequential (Kalos-like) composition is the default; the
	// last-material fallback is used whenever the host also restricts
	// scatter to single order, per spec §4.4/§9.
	useSequentialComposition := true
	if config.Compton.Enabled && config.Compton.MaxScatterOrder <= 1 {
		useSequentialComposition = false
	}

	nprocs := runtime.GOMAXPROCS(0)
	if nprocs > len(rays) {
		nprocs = len(rays)
	}
	if nprocs < 1 {
		nprocs = 1
	}
	accs := make([]*rayAccumulator, nprocs)
	for i := range accs {
		accs[i] = &rayAccumulator{
			primary:    sparse.ZerosDense(len(bins.Counts)),
			scatterI:   sparse.ZerosDense(len(bins.Counts)),
			buildupSum: sparse.ZerosDense(len(bins.Counts)),
		}
	}

	var scatterTracer *scatter.Tracer
	if config.IncludeScatter && config.Compton.Enabled {
		scatterTracer = scatter.New(e.Physics, e.DB, config.Compton)
	}

	var cancelled int32
	var completed int64
	reportEvery := len(rays) / 100
	if reportEvery < 1 {
		reportEvery = 1
	}

	var wg sync.WaitGroup
	wg.Add(nprocs)
	var firstErr atomic.Value // stores error
	for pp := 0; pp < nprocs; pp++ {
		go func(pp int) {
			defer wg.Done()
			acc := accs[pp]
			stream := prng.NewStream(config.Seed)
			for ii := pp; ii < len(rays); ii += nprocs {
				if atomic.LoadInt32(&cancelled) != 0 {
					return
				}
				ray := rays[ii]
				trace := raytrace.TraceRay(ray, geom)

				layers := make([]physics.Layer, len(trace.Segments))
				for i, s := range trace.Segments {
					layers[i] = physics.Layer{MaterialID: s.MaterialID, PathLength: s.PathLength}
				}
				tr, err := e.Physics.Transmission(layers, primaryEnergy, false)
				if err != nil {
					firstErr.CompareAndSwap(nil, err)
					return
				}
				buildupFactor := 1.0
				if includeBuildup && tr.OpticalDepth > 0 {
					bf, err := e.buildUpFactor(trace.Segments, primaryEnergy, method, useSequentialComposition)
					if err != nil {
						firstErr.CompareAndSwap(nil, err)
						return
					}
					buildupFactor = bf
				}
				primaryIntensity := tr.Transmission * buildupFactor

				binIdx := bins.BinIndex(trace.DetectorX)
				acc.primary.AddVal(primaryIntensity, binIdx)
				acc.buildupSum.AddVal(buildupFactor, binIdx)

				if scatterTracer != nil {
					sres := scatterTracer.TraceRay(ray, geom, primaryEnergy, trace, stream.SubStream(ii))
					acc.interactions = append(acc.interactions, sres.Interactions...)
					acc.attempted += len(sres.Interactions)
					for _, in := range sres.Interactions {
						if in.Outcome == scatter.ReachesDetector {
							detIdx := bins.BinIndex(in.DetectorX)
							acc.scatterI.AddVal(in.SurvivingWeight, detIdx)
						}
						if in.Outcome == scatter.EscapesGeometry {
							acc.escaped++
						}
					}
				}

				n := atomic.AddInt64(&completed, 1)
				if progress != nil && int(n)%reportEvery == 0 {
					progress(float64(n) / float64(len(rays)))
				}
				if cancel != nil {
					select {
					case <-cancel:
						atomic.StoreInt32(&cancelled, 1)
						return
					default:
					}
				}
			}
		}(pp)
	}
	wg.Wait()

	if errv := firstErr.Load(); errv != nil {
		return nil, errv.(error)
	}
	if atomic.LoadInt32(&cancelled) != 0 {
		return &SimulationResult{ID: nextResultID(), Timestamp: time.Now(), Cancelled: true}, nil
	}

	primaryHist := make([]float64, len(bins.Counts))
	scatterHist := make([]float64, len(bins.Counts))
	buildupHist := make([]float64, len(bins.Counts))
	var totalEscaped, totalAttempted int
	var allInteractions []scatter.Interaction
	for _, acc := range accs {
		for i := range primaryHist {
			primaryHist[i] += acc.primary.Get(i)
			scatterHist[i] += acc.scatterI.Get(i)
			buildupHist[i] += acc.buildupSum.Get(i)
		}
		totalEscaped += acc.escaped
		totalAttempted += acc.attempted
		allInteractions = append(allInteractions, acc.interactions...)
	}
	for i := range primaryHist {
		if n := rayCountInBin(rays, geom, bins, i); n > 0 {
			primaryHist[i] /= float64(n)
			buildupHist[i] /= float64(n)
		}
	}

	profile := make([]DetectorBin, len(bins.Counts))
	for i := range profile {
		spr := 0.0
		const primaryFloor = 1e-12
		if primaryHist[i] > primaryFloor {
			spr = scatterHist[i] / primaryHist[i]
		}
		profile[i] = DetectorBin{
			PositionMm:    bins.Position(i),
			BinIndex:      i,
			Transmission:  primaryHist[i],
			BuildUpFactor: buildupHist[i],
			Primary:       primaryHist[i],
			Scatter:       scatterHist[i],
			Total:         primaryHist[i] + scatterHist[i],
			SPR:           spr,
		}
	}

	quality := computeQualityMetrics(profile)
	if totalAttempted > 0 {
		quality.SPRMean, quality.SPRMax = sprStats(profile)
	}

	energyAnalysis, warn := e.energyAnalysis(geom, config.Energies, includeBuildup, method)
	warnings = append(warnings, warn...)

	result := &SimulationResult{
		ID:             nextResultID(),
		Timestamp:      time.Now(),
		Profile:        profile,
		EnergyAnalysis: energyAnalysis,
		Quality:        quality,
		Warnings:       warnings,
	}
	if scatterTracer != nil {
		spectrum := make([]float64, 0, len(allInteractions))
		for _, in := range allInteractions {
			spectrum = append(spectrum, float64(in.ScatteredEnergy))
		}
		escapedFraction := 0.0
		if totalAttempted > 0 {
			escapedFraction = float64(totalEscaped) / float64(totalAttempted)
		}
		result.Compton = &ComptonAnalysis{
			Interactions:               allInteractions,
			EscapedFraction:            escapedFraction,
			ScatteredEnergySpectrumKeV: spectrum,
		}
	}
	return result, nil
}

// rayCountInBin counts how many of rays land in detector bin i, used to
// normalize the primary histogram into a mean intensity per bin rather
// than a raw sum (the histogram accumulates one unit of transmitted
// intensity per ray, not photon counts).
func rayCountInBin(rays []raytrace.Ray, geom raytrace.Geometry, bins *raytrace.DetectorBins, target int) int {
	n := 0
	for _, r := range rays {
		x := r.XAt(geom.Detector.ZMm)
		if bins.BinIndex(x) == target {
			n++
		}
	}
	return n
}

// buildUpFactor groups segments by stage, finds each stage's dominant
// material by partial optical depth, and applies either the sequential
// (Kalos-like) product or the last-material fallback (spec §4.4).
func (e *Engine) buildUpFactor(segments []raytrace.Segment, energy units.KeV, method buildup.Method, sequential bool) (float64, error) {
	order := make([]int, 0, len(segments))
	seen := map[int]bool{}
	for _, s := range segments {
		if !seen[s.StageIndex] {
			seen[s.StageIndex] = true
			order = append(order, s.StageIndex)
		}
	}
	sort.Ints(order)

	stageDepths := make([]buildup.StageDepth, 0, len(order))
	for _, si := range order {
		var dominant string
		var maxTau, stageTau units.Mfp
		for _, s := range segments {
			if s.StageIndex != si {
				continue
			}
			mu, err := e.Physics.LinearMu(s.MaterialID, energy)
			if err != nil {
				return 0, err
			}
			tau := units.Mfp(mu * float64(s.PathLength))
			stageTau += tau
			if tau > maxTau {
				maxTau = tau
				dominant = s.MaterialID
			}
		}
		if dominant == "" {
			continue
		}
		stageDepths = append(stageDepths, buildup.StageDepth{Material: dominant, Tau: stageTau})
	}

	if sequential {
		return e.BuildUp.ComposeSequential(method, stageDepths, energy)
	}
	return e.BuildUp.ComposeLastMaterial(method, stageDepths, energy)
}

func computeQualityMetrics(profile []DetectorBin) QualityMetrics {
	if len(profile) == 0 {
		return QualityMetrics{}
	}
	values := make([]float64, len(profile))
	for i, b := range profile {
		values[i] = b.Total
	}
	maxVal := floats.Max(values)
	if maxVal <= 0 {
		return QualityMetrics{}
	}
	norm := make([]float64, len(values))
	for i, v := range values {
		norm[i] = v / maxVal
	}

	peak := floats.MaxIdx(norm)
	leftCross := crossingPosition(profile, norm, peak, -1, 0.5)
	rightCross := crossingPosition(profile, norm, peak, 1, 0.5)
	penLeft := crossingBand(profile, norm, peak, -1, 0.2, 0.8)
	penRight := crossingBand(profile, norm, peak, 1, 0.2, 0.8)
	general := penLeft
	if penRight > general {
		general = penRight
	}

	fwhmLo, fwhmHi := leftCross, rightCross
	centralLo := fwhmLo + 0.1*(fwhmHi-fwhmLo)
	centralHi := fwhmHi - 0.1*(fwhmHi-fwhmLo)
	centralMax, centralMin := math.Inf(-1), math.Inf(1)
	var leakVals, leakValsNoBU []float64
	var primaryMeanVals []float64
	for i, b := range profile {
		x := float64(b.PositionMm)
		if x >= centralLo && x <= centralHi {
			if norm[i] > centralMax {
				centralMax = norm[i]
			}
			if norm[i] < centralMin {
				centralMin = norm[i]
			}
			primaryMeanVals = append(primaryMeanVals, b.Total)
		} else if x < fwhmLo-float64(penLeft) || x > fwhmHi+float64(penRight) {
			leakVals = append(leakVals, b.Total)
			leakValsNoBU = append(leakValsNoBU, b.Primary)
		}
	}
	flatness := 0.0
	if !math.IsInf(centralMax, 0) && !math.IsInf(centralMin, 0) && centralMax+centralMin > 0 {
		flatness = (centralMax - centralMin) / (centralMax + centralMin)
	}

	leakMean, _ := stats.Mean(toFloat64Data(leakVals))
	leakMax, _ := stats.Max(toFloat64Data(leakVals))
	leakMeanNoBU, _ := stats.Mean(toFloat64Data(leakValsNoBU))
	leakMaxNoBU, _ := stats.Max(toFloat64Data(leakValsNoBU))
	primaryMean, _ := stats.Mean(toFloat64Data(primaryMeanVals))

	cr := 0.0
	if leakMean > 0 {
		cr = primaryMean / leakMean
	}
	crDB := 0.0
	if cr > 0 {
		crDB = 10 * math.Log10(cr)
	}

	return QualityMetrics{
		PenumbraLeftMm:       penLeft,
		PenumbraRightMm:      penRight,
		PenumbraGeneralMm:    general,
		FlatnessPercent:      flatness * 100,
		LeakageMean:          leakMean,
		LeakageMax:           leakMax,
		LeakageMeanNoBuildup: leakMeanNoBU,
		LeakageMaxNoBuildup:  leakMaxNoBU,
		CollimationRatio:     cr,
		CollimationRatioDB:   crDB,
	}
}

func toFloat64Data(xs []float64) stats.Float64Data {
	if xs == nil {
		return stats.Float64Data{}
	}
	return stats.Float64Data(xs)
}

// crossingPosition walks from peak in direction dir (-1 left, +1 right)
// and linearly interpolates the position where norm crosses level.
func crossingPosition(profile []DetectorBin, norm []float64, peak, dir int, level float64) float64 {
	for i := peak; i >= 0 && i < len(norm); i += dir {
		if norm[i] < level {
			if i-dir >= 0 && i-dir < len(norm) {
				x0, y0 := float64(profile[i-dir].PositionMm), norm[i-dir]
				x1, y1 := float64(profile[i].PositionMm), norm[i]
				if y1 != y0 {
					t := (level - y0) / (y1 - y0)
					return x0 + t*(x1-x0)
				}
			}
			return float64(profile[i].PositionMm)
		}
	}
	if len(profile) == 0 {
		return 0
	}
	if dir < 0 {
		return float64(profile[0].PositionMm)
	}
	return float64(profile[len(profile)-1].PositionMm)
}

// crossingBand returns the penumbra width between the lowLevel and
// highLevel crossings on one side of the peak.
func crossingBand(profile []DetectorBin, norm []float64, peak, dir int, lowLevel, highLevel float64) units.Mm {
	loPos := crossingPosition(profile, norm, peak, dir, lowLevel)
	hiPos := crossingPosition(profile, norm, peak, dir, highLevel)
	return units.Mm(math.Abs(loPos - hiPos))
}

func sprStats(profile []DetectorBin) (mean, max float64) {
	vals := make([]float64, 0, len(profile))
	for _, b := range profile {
		if b.SPR > 0 {
			vals = append(vals, b.SPR)
		}
	}
	if len(vals) == 0 {
		return 0, 0
	}
	mean, _ = stats.Mean(toFloat64Data(vals))
	max, _ = stats.Max(toFloat64Data(vals))
	return mean, max
}

// energyAnalysis computes the per-energy, per-layer composite
// transmission table of spec §3 using the on-axis (θ=0) ray's traced
// segments, which are the same for every energy.
func (e *Engine) energyAnalysis(geom raytrace.Geometry, energies []units.KeV, includeBuildup bool, method buildup.Method) ([]EnergyAnalysisEntry, []string) {
	onAxis := raytrace.Ray{Theta: 0}
	trace := raytrace.TraceRay(onAxis, geom)
	layers := make([]physics.Layer, len(trace.Segments))
	for i, s := range trace.Segments {
		layers[i] = physics.Layer{MaterialID: s.MaterialID, PathLength: s.PathLength}
	}

	var warnings []string
	entries := make([]EnergyAnalysisEntry, 0, len(energies))
	for _, en := range energies {
		tr, err := e.Physics.Transmission(layers, en, includeBuildup && e.BuildUp != nil)
		if err != nil {
			continue
		}
		if tr.DominantTie {
			warnings = append(warnings, "dominant-material tie within 10% for the on-axis path")
		}
		perLayer := make([]LayerContribution, len(trace.Segments))
		for i, s := range trace.Segments {
			depth := units.Mfp(0)
			if i < len(tr.PerLayerDepth) {
				depth = tr.PerLayerDepth[i]
			}
			perLayer[i] = LayerContribution{MaterialID: s.MaterialID, OpticalDepth: depth}
		}
		if includeBuildup && e.BuildUp != nil && tr.OpticalDepth > 0 {
			if disagree, err := e.BuildUp.CrossCheckDisagreement(dominantMaterial(trace.Segments, tr.DominantIdx), en, tr.OpticalDepth); err == nil && disagree > buildup.CrossCheckExceeds {
				warnings = append(warnings, "GP/Taylor build-up factors disagree by more than 15% at this energy")
			}
			if buildup.Clamped(tr.OpticalDepth) {
				warnings = append(warnings, "optical depth exceeds the build-up table's τ=40 domain; factor clamped")
			}
		}
		entries = append(entries, EnergyAnalysisEntry{
			Energy:        en,
			Transmission:  tr.Transmission,
			BuildUpFactor: tr.BuildUpFactor,
			PerLayer:      perLayer,
		})
	}
	return entries, warnings
}

func dominantMaterial(segments []raytrace.Segment, idx int) string {
	if idx < 0 || idx >= len(segments) {
		return ""
	}
	return segments[idx].MaterialID
}
