package cli

import (
	"os"

	"github.com/ghodss/yaml"

	"github.com/cargoxray/collimator/buildup"
	"github.com/cargoxray/collimator/colliderr"
	"github.com/cargoxray/collimator/materials"
	"github.com/cargoxray/collimator/raytrace"
)

// loadMaterials loads every material CSV in dir into a Database (spec §6).
func loadMaterials(dir string) (*materials.Database, error) {
	return materials.LoadDirectory(dir)
}

// loadBuildUpTable reads the aggregate build-up TOML file and assembles a
// buildup.Table from it.
func loadBuildUpTable(path string) (*buildup.Table, error) {
	return materials.LoadBuildUpTable(path)
}

// loadGeometry reads a collimator geometry document from a YAML file (spec
// §6). ghodss/yaml round-trips through encoding/json, so Geometry's json
// struct tags double as the document's key names.
func loadGeometry(path string) (raytrace.Geometry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return raytrace.Geometry{}, colliderr.Wrap(colliderr.NotFound, err, "reading geometry file %s", path)
	}
	var geom raytrace.Geometry
	if err := yaml.Unmarshal(data, &geom); err != nil {
		return raytrace.Geometry{}, colliderr.Wrap(colliderr.InvalidGeometry, err, "parsing geometry file %s", path)
	}
	return geom, nil
}
