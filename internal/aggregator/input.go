package aggregator

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/triage-loop/internal/model"
)

// batchFile is the YAML batch format: a list of raw field maps.
//
//	records:
//	  - Device_ID: D-1
//	    CPU_Usage: 95
type batchFile struct {
	Records []map[string]string `yaml:"records"`
}

// LoadRecords reads every path (CSV or YAML, by extension) and interleaves
// the files round-robin: the first row of each file, then the second, and
// so on, so several device datasets are mixed in one batch.
func LoadRecords(paths ...string) ([]model.Record, error) {
	if len(paths) == 0 {
		return nil, eris.New("aggregator: no input files")
	}

	sources := make([][]model.Record, 0, len(paths))
	for _, p := range paths {
		var (
			recs []model.Record
			err  error
		)
		switch strings.ToLower(filepath.Ext(p)) {
		case ".csv":
			recs, err = readCSV(p)
		case ".yaml", ".yml":
			recs, err = readYAML(p)
		default:
			err = eris.Errorf("aggregator: unsupported input %s (want .csv, .yaml or .yml)", p)
		}
		if err != nil {
			return nil, err
		}
		sources = append(sources, recs)
	}
	return Interleave(sources...), nil
}

// Interleave merges sources round-robin, dropping each source once exhausted.
func Interleave(sources ...[]model.Record) []model.Record {
	total := 0
	for _, s := range sources {
		total += len(s)
	}
	out := make([]model.Record, 0, total)
	for i := 0; len(out) < total; i++ {
		for _, s := range sources {
			if i < len(s) {
				out = append(out, s[i])
			}
		}
	}
	return out
}

func readCSV(path string) ([]model.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "aggregator: open csv %s", path)
	}
	defer f.Close() //nolint:errcheck

	reader := csv.NewReader(f)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, eris.Wrapf(err, "aggregator: read csv %s", path)
	}
	if len(rows) < 2 {
		return nil, eris.Errorf("aggregator: csv %s has no data rows", path)
	}

	header := make([]string, len(rows[0]))
	for i, col := range rows[0] {
		header[i] = strings.TrimSpace(strings.TrimPrefix(col, "\ufeff"))
	}

	recs := make([]model.Record, 0, len(rows)-1)
	for _, row := range rows[1:] {
		fields := make(map[string]string, len(header))
		for i, col := range header {
			if col == "" || i >= len(row) {
				continue
			}
			fields[col] = row[i]
		}
		if len(fields) == 0 {
			continue
		}
		recs = append(recs, newRecord(fields))
	}
	return recs, nil
}

func readYAML(path string) ([]model.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "aggregator: read batch %s", path)
	}

	var bf batchFile
	if err := yaml.Unmarshal(data, &bf); err != nil {
		return nil, eris.Wrapf(err, "aggregator: parse batch %s", path)
	}
	if len(bf.Records) == 0 {
		return nil, eris.Errorf("aggregator: batch %s has no records", path)
	}

	recs := make([]model.Record, 0, len(bf.Records))
	for _, fields := range bf.Records {
		recs = append(recs, newRecord(fields))
	}
	return recs, nil
}

func newRecord(fields map[string]string) model.Record {
	return model.Record{
		DeviceType: model.DetectDeviceType(fields),
		RawFields:  fields,
	}
}
