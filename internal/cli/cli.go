// Package cli builds the cargoxray-collimator command-line interface: a
// cobra command tree bound to a viper configuration object, following the
// shape of the teacher's inmaputil.Cfg (one struct embedding *viper.Viper,
// one *cobra.Command field per subcommand, a PersistentPreRunE that loads
// configuration before every run). Unlike the teacher's several hundred
// named options, the collimator's configuration surface is small enough to
// bind directly with pflag rather than through a generated options table.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cargoxray/collimator/beam"
	"github.com/cargoxray/collimator/buildup"
	"github.com/cargoxray/collimator/physics"
	"github.com/cargoxray/collimator/raytrace"
	"github.com/cargoxray/collimator/scatter"
	"github.com/cargoxray/collimator/units"
)

// Version is the collimator engine's release version, bumped by hand at
// tag time.
const Version = "0.1.0"

// Cfg holds the command tree and the bound configuration.
type Cfg struct {
	*viper.Viper

	Root, runCmd, validateCmd, sweepCmd, versionCmd *cobra.Command
	log                                              *logrus.Logger
}

// InitializeConfig builds the full command tree and binds its flags into a
// fresh viper instance, following the teacher's InitializeConfig pattern in
// inmaputil/cmd.go.
func InitializeConfig() *Cfg {
	cfg := &Cfg{Viper: viper.New(), log: logrus.New()}
	cfg.log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg.Root = &cobra.Command{
		Use:   "collimator",
		Short: "An X-ray collimator photon-transport engine.",
		Long: `collimator simulates photon transport through a multi-stage X-ray
collimator, producing a detector-plane intensity profile, penumbra and
leakage figures, and (optionally) a Compton scatter analysis.

Configuration can be supplied as command-line flags, a configuration file
(--config), or environment variables in the form COLLIMATOR_FLAG_NAME. A
.env file in the working directory, if present, is loaded automatically.`,
		DisableAutoGenTag: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return setConfig(cfg)
		},
	}

	cfg.versionCmd = &cobra.Command{
		Use:               "version",
		Short:             "Print the collimator engine version",
		DisableAutoGenTag: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("collimator v%s\n", Version)
		},
	}

	cfg.validateCmd = &cobra.Command{
		Use:               "validate",
		Short:             "Validate a collimator geometry and material set without running a simulation",
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cfg)
		},
	}

	cfg.sweepCmd = &cobra.Command{
		Use:               "sweep",
		Short:             "Print an on-axis transmission energy sweep for the configured geometry",
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cfg)
		},
	}

	cfg.runCmd = &cobra.Command{
		Use:               "run",
		Short:             "Run a full beam simulation and write the resulting SimulationResult as JSON",
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(cfg)
		},
	}

	cfg.Root.AddCommand(cfg.versionCmd, cfg.validateCmd, cfg.sweepCmd, cfg.runCmd)

	bindFlags(cfg)
	return cfg
}

// bindFlags registers the engine's configuration surface once on the root
// command's persistent flag set, following the teacher's single-flagset
// binding idiom (inmaputil's options table collapses to direct calls here
// since the collimator has sixteen options, not a few hundred).
func bindFlags(cfg *Cfg) {
	pf := cfg.Root.PersistentFlags()
	pf.String("config", "", "path to a configuration file (TOML/YAML/JSON, per viper)")
	pf.String("materials", "./materials.d", "directory of material CSV files (spec §6)")
	pf.String("buildup-table", "", "path to the aggregate build-up parameter TOML file (empty disables build-up)")
	pf.String("geometry", "", "path to a collimator geometry YAML document (spec §6)")
	pf.String("output", "", "output file for JSON results (default stdout)")
	pf.String("energies-kev", "662", "comma-separated list of photon energies in keV")
	pf.Int("ray-count", 2000, "number of rays to trace across the geometry's angular extent")
	pf.Int("angular-resolution", 256, "number of detector bins")
	pf.Bool("include-buildup", true, "apply build-up factors to the primary channel")
	pf.Bool("include-scatter", false, "overlay the Compton scatter tracer")
	pf.String("buildup-method", string(buildup.GP), "build-up formula: gp or taylor")
	pf.Int64("seed", 1, "scatter tracer PRNG seed")
	pf.Bool("compton-enabled", false, "enable Compton scatter sampling (also requires --include-scatter)")
	pf.Int("max-scatter-order", 1, "maximum scatter order: 1 or 2")
	pf.Float64("min-energy-cutoff-kev", 10, "minimum scattered photon energy tracked, in keV")
	pf.Int("angular-bins", 36, "number of angular bins for the scatter profile")

	for _, name := range []string{
		"config", "materials", "buildup-table", "geometry", "output",
		"energies-kev", "ray-count", "angular-resolution", "include-buildup",
		"include-scatter", "buildup-method", "seed", "compton-enabled",
		"max-scatter-order", "min-energy-cutoff-kev", "angular-bins",
	} {
		cfg.BindPFlag(name, pf.Lookup(name))
	}
	cfg.SetEnvPrefix("COLLIMATOR")
	cfg.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	cfg.AutomaticEnv()
}

// setConfig loads a .env file if present, then a configuration file if
// --config was given, mirroring the teacher's setConfig in inmaputil/cmd.go.
func setConfig(cfg *Cfg) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		cfg.log.WithError(err).Warn("failed to load .env file")
	}
	if cfgPath := cfg.GetString("config"); cfgPath != "" {
		cfg.SetConfigFile(cfgPath)
		if err := cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("collimator: reading configuration file: %w", err)
		}
	}
	return nil
}

// parseEnergies splits a comma-separated list of keV values into units.KeV.
func parseEnergies(s string) ([]units.KeV, error) {
	fields := strings.Split(s, ",")
	out := make([]units.KeV, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("collimator: invalid energy %q: %w", f, err)
		}
		out = append(out, units.KeV(v))
	}
	return out, nil
}

// buildEngine assembles a beam.Engine and a SimulationConfig from cfg's
// bound flags: materials directory, optional build-up table, and the
// Compton/build-up/ray-count options.
func buildEngine(cfg *Cfg) (*beam.Engine, raytrace.Geometry, beam.SimulationConfig, error) {
	db, err := loadMaterials(cfg.GetString("materials"))
	if err != nil {
		return nil, raytrace.Geometry{}, beam.SimulationConfig{}, err
	}

	var buTable *buildup.Table
	if path := cfg.GetString("buildup-table"); path != "" {
		buTable, err = loadBuildUpTable(path)
		if err != nil {
			return nil, raytrace.Geometry{}, beam.SimulationConfig{}, err
		}
	}

	geomPath := cfg.GetString("geometry")
	if geomPath == "" {
		return nil, raytrace.Geometry{}, beam.SimulationConfig{}, fmt.Errorf("collimator: --geometry is required")
	}
	geom, err := loadGeometry(geomPath)
	if err != nil {
		return nil, raytrace.Geometry{}, beam.SimulationConfig{}, err
	}

	keV, err := parseEnergies(cfg.GetString("energies-kev"))
	if err != nil {
		return nil, raytrace.Geometry{}, beam.SimulationConfig{}, err
	}

	simConfig := beam.SimulationConfig{
		Energies:          keV,
		RayCount:          cfg.GetInt("ray-count"),
		IncludeBuildup:    cfg.GetBool("include-buildup"),
		IncludeScatter:    cfg.GetBool("include-scatter"),
		AngularResolution: cfg.GetInt("angular-resolution"),
		BuildUpMethod:     buildup.Method(cfg.GetString("buildup-method")),
		Seed:              uint64(cfg.GetInt64("seed")),
		Compton: scatter.Config{
			Enabled:         cfg.GetBool("compton-enabled"),
			MaxScatterOrder: cfg.GetInt("max-scatter-order"),
			MinEnergyCutoff: units.KeV(cfg.GetFloat64("min-energy-cutoff-kev")),
			AngularBins:     cfg.GetInt("angular-bins"),
		},
	}

	ph := physics.New(db, buTable)
	return beam.New(db, ph, buTable), geom, simConfig, nil
}

func runValidate(cfg *Cfg) error {
	_, geom, simConfig, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	if err := geom.Validate(); err != nil {
		return err
	}
	if err := simConfig.Validate(); err != nil {
		return err
	}
	cfg.log.WithFields(logrus.Fields{
		"stages":   len(geom.Stages),
		"detector": float64(geom.Detector.ZMm),
	}).Info("geometry and configuration are valid")
	return nil
}

func runSweep(cfg *Cfg) error {
	engine, geom, simConfig, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	if err := geom.Validate(); err != nil {
		return err
	}

	var layers []physics.Layer
	for _, s := range geom.Stages {
		for _, l := range s.Layers {
			layers = append(layers, physics.Layer{MaterialID: l.MaterialID, PathLength: l.ThicknessMm.ToCm()})
		}
	}
	sweep, err := engine.Physics.EnergySweep(layers, simConfig.Energies, simConfig.IncludeBuildup && engine.BuildUp != nil)
	if err != nil {
		return err
	}
	return writeJSON(cfg, map[string]interface{}{"energies_kev": simConfig.Energies, "transmission": sweep})
}

func runSimulation(cfg *Cfg) error {
	engine, geom, simConfig, err := buildEngine(cfg)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	cancel := make(chan struct{})
	go func() {
		<-sigCh
		cfg.log.Warn("interrupt received, cancelling simulation")
		close(cancel)
	}()

	progress := func(frac float64) {
		cfg.log.WithField("fraction", frac).Debug("simulation progress")
	}

	result, err := engine.Run(geom, simConfig, progress, cancel)
	if err != nil {
		return err
	}
	if result.Cancelled {
		cfg.log.Warn("simulation cancelled before completion")
	}
	for _, w := range result.Warnings {
		cfg.log.Warn(w)
	}
	return writeJSON(cfg, result)
}

func writeJSON(cfg *Cfg, v interface{}) error {
	w := os.Stdout
	if path := cfg.GetString("output"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("collimator: creating output file: %w", err)
		}
		defer f.Close()
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
