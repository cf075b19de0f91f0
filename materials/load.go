package materials

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/cargoxray/collimator/buildup"
	"github.com/cargoxray/collimator/colliderr"
	"github.com/cargoxray/collimator/units"
)

// header fields recognized in a material CSV's comment-prefixed header
// block, following the convention set by the teacher's getEmissionsCSV
// (inmap.go): a handful of "# key: value" lines before the data rows.
const (
	headerID     = "id"
	headerName   = "name"
	headerSymbol = "symbol"
	headerZ      = "z"
	headerDens   = "density_g_cm3"
	headerColor  = "color"
	headerSource = "source"
	headerKEdge  = "k_edge_kev"
)

// LoadMaterialCSV reads one NIST-XCOM-style material file: a header of
// "# key: value" lines (id, name, symbol, z, density_g_cm3, color, source,
// k_edge_kev) followed by a CSV body with columns
//
//	energy_keV, total_with_coherent, total_without_coherent, photoelectric, compton, pair_nuclear, pair_electron
//
// per spec §6. total_with_coherent is stored as the material's TotalMu;
// pair_nuclear and pair_electron are summed into Pair.
func LoadMaterialCSV(path string) (*Material, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, colliderr.Wrap(colliderr.NotFound, err, "opening material file %s", path)
	}
	defer f.Close()
	return parseMaterialCSV(f, path)
}

func parseMaterialCSV(r io.Reader, path string) (*Material, error) {
	br := newHeaderScanner(r)
	header, body, err := br.split()
	if err != nil {
		return nil, colliderr.Wrap(colliderr.InvalidComposition, err, "reading material header from %s", path)
	}
	m := &Material{Category: PureElement}
	for k, v := range header {
		switch k {
		case headerID:
			m.ID = v
		case headerName:
			m.Name = v
		case headerSymbol:
			m.Symbol = v
		case headerZ:
			m.Z, _ = strconv.ParseFloat(v, 64)
		case headerDens:
			m.DensityGCM3, _ = strconv.ParseFloat(v, 64)
		case headerColor:
			m.Color = v
		case headerKEdge:
			f, _ := strconv.ParseFloat(v, 64)
			m.KEdgeKeV = units.KeV(f)
		case headerSource:
			// source provenance (e.g. "NIST XCOM"); carried for
			// documentation only, not interpreted by the engine.
		}
	}
	if m.ID == "" {
		return nil, colliderr.New(colliderr.InvalidComposition, "material file %s missing id header", path)
	}

	cr := csv.NewReader(body)
	cr.FieldsPerRecord = 7
	cr.TrimLeadingSpace = true
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, colliderr.Wrap(colliderr.InvalidComposition, err, "reading attenuation rows from %s", path)
	}
	m.Points = make([]AttenuationDataPoint, 0, len(rows))
	for i, row := range rows {
		vals := make([]float64, 7)
		for j, cell := range row {
			v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
			if err != nil {
				return nil, colliderr.Wrap(colliderr.InvalidComposition, err,
					"material %s: row %d column %d %q is not numeric", m.ID, i, j, cell)
			}
			vals[j] = v
		}
		m.Points = append(m.Points, AttenuationDataPoint{
			EnergyKeV:            units.KeV(vals[0]),
			TotalMu:              vals[1],
			MassEnergyAbsorption: vals[2],
			Photoelectric:        vals[3],
			Compton:              vals[4],
			Pair:                 vals[5] + vals[6],
		})
	}
	return m, nil
}

// headerScanner splits a material file into its "# key: value" header block
// and the CSV body that follows the first non-comment line.
type headerScanner struct{ r io.Reader }

func newHeaderScanner(r io.Reader) *headerScanner { return &headerScanner{r: r} }

func (h *headerScanner) split() (map[string]string, io.Reader, error) {
	data, err := io.ReadAll(h.r)
	if err != nil {
		return nil, nil, err
	}
	lines := strings.Split(string(data), "\n")
	header := map[string]string{}
	bodyStart := 0
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			bodyStart = i
			break
		}
		kv := strings.SplitN(strings.TrimPrefix(trimmed, "#"), ":", 2)
		if len(kv) == 2 {
			header[strings.TrimSpace(strings.ToLower(kv[0]))] = strings.TrimSpace(kv[1])
		}
		bodyStart = i + 1
	}
	return header, strings.NewReader(strings.Join(lines[bodyStart:], "\n")), nil
}

// BuildUpTableFile is the on-disk shape of the aggregate build-up parameter
// file described in spec §6: a single TOML document keyed by material id,
// each holding an energy-indexed list of GP and Taylor parameter rows.
type BuildUpTableFile struct {
	Materials map[string]struct {
		Rows []struct {
			EnergyKeV float64 `toml:"energy_kev"`
			B         float64 `toml:"b"`
			C         float64 `toml:"c"`
			A         float64 `toml:"a"`
			Xk        float64 `toml:"xk"`
			D         float64 `toml:"d"`
			A1        float64 `toml:"a1"`
			Alpha1    float64 `toml:"alpha1"`
			Alpha2    float64 `toml:"alpha2"`
		} `toml:"rows"`
	} `toml:"material"`
}

// LoadBuildUpTableFile reads the aggregate build-up parameter file.
func LoadBuildUpTableFile(path string) (*BuildUpTableFile, error) {
	var out BuildUpTableFile
	if _, err := toml.DecodeFile(path, &out); err != nil {
		return nil, colliderr.Wrap(colliderr.NotFound, err, "reading build-up table %s", path)
	}
	return &out, nil
}

// LoadBuildUpTable reads the aggregate build-up parameter file at path and
// assembles a buildup.Table from it, sparing every caller (the CLI host,
// the reference web host) from repeating the TOML-row-to-Params conversion.
func LoadBuildUpTable(path string) (*buildup.Table, error) {
	file, err := LoadBuildUpTableFile(path)
	if err != nil {
		return nil, err
	}
	byMaterial := make(map[string][]buildup.Params, len(file.Materials))
	for id, entry := range file.Materials {
		rows := make([]buildup.Params, 0, len(entry.Rows))
		for _, r := range entry.Rows {
			rows = append(rows, buildup.Params{
				EnergyKeV: units.KeV(r.EnergyKeV),
				B:         r.B,
				C:         r.C,
				A:         r.A,
				Xk:        r.Xk,
				D:         r.D,
				A1:        r.A1,
				Alpha1:    r.Alpha1,
				Alpha2:    r.Alpha2,
			})
		}
		byMaterial[id] = rows
	}
	return buildup.NewTable(byMaterial), nil
}

// LoadDirectory loads every *.csv file in dir as a material and returns the
// assembled Database. It is the loader the host supplies at engine
// initialization (spec §9: "a loader the host supplies").
func LoadDirectory(dir string) (*Database, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, colliderr.Wrap(colliderr.NotFound, err, "reading material directory %s", dir)
	}
	var mats []*Material
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".csv") {
			continue
		}
		m, err := LoadMaterialCSV(fmt.Sprintf("%s/%s", dir, e.Name()))
		if err != nil {
			return nil, err
		}
		mats = append(mats, m)
	}
	return NewDatabase(mats)
}
