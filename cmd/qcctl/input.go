package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/labflow-qc-server/internal/domain"
)

// csvTable reads a headered CSV file into rows keyed by lower-case column.
type csvTable struct {
	path    string
	columns map[string]int
	rows    [][]string
}

func readCSV(path string) (*csvTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseCSV(path, f)
}

func parseCSV(path string, r io.Reader) (*csvTable, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: empty file", path)
		}
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &csvTable{path: path, columns: columns, rows: rows}, nil
}

func (t *csvTable) require(names ...string) error {
	var missing []string
	for _, name := range names {
		if _, ok := t.columns[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s: missing columns %s", t.path, strings.Join(missing, ", "))
	}
	return nil
}

func (t *csvTable) get(row []string, name string) string {
	i, ok := t.columns[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (t *csvTable) group(row []string) domain.ControlGroup {
	return domain.ControlGroup{
		TestCode:     t.get(row, "test_code"),
		Analyte:      t.get(row, "analyte"),
		ControlLevel: t.get(row, "level"),
		LotNumber:    t.get(row, "lot"),
	}
}

// rowError names the file line; line 1 is the header.
func (t *csvTable) rowError(i int, err error) error {
	return fmt.Errorf("%s line %d: %w", t.path, i+2, err)
}

var groupColumns = []string{"test_code", "analyte", "level", "lot"}

// readMeasurements loads test_code, analyte, level, lot, sequence, value and
// the optional unit, run_id and timestamp (RFC 3339) columns.
func readMeasurements(path string) ([]domain.Measurement, error) {
	t, err := readCSV(path)
	if err != nil {
		return nil, err
	}
	return t.measurements()
}

func (t *csvTable) measurements() ([]domain.Measurement, error) {
	if err := t.require(append(groupColumns, "sequence", "value")...); err != nil {
		return nil, err
	}

	out := make([]domain.Measurement, 0, len(t.rows))
	for i, row := range t.rows {
		seq, err := strconv.ParseUint(t.get(row, "sequence"), 10, 64)
		if err != nil {
			return nil, t.rowError(i, fmt.Errorf("sequence: %w", err))
		}
		value, err := strconv.ParseFloat(t.get(row, "value"), 64)
		if err != nil {
			return nil, t.rowError(i, fmt.Errorf("value: %w", err))
		}
		m := domain.Measurement{
			Group:          t.group(row),
			Value:          value,
			Unit:           t.get(row, "unit"),
			SequenceNumber: seq,
			RunID:          t.get(row, "run_id"),
		}
		if ts := t.get(row, "timestamp"); ts != "" {
			if m.Timestamp, err = time.Parse(time.RFC3339, ts); err != nil {
				return nil, t.rowError(i, fmt.Errorf("timestamp: %w", err))
			}
		}
		out = append(out, m)
	}
	return out, nil
}

// readBaselines loads test_code, analyte, level, lot, mean, sd,
// effective_from and an optional reason column, ordered by effective_from.
func readBaselines(path string) ([]domain.Baseline, error) {
	if path == "" {
		return nil, nil
	}
	t, err := readCSV(path)
	if err != nil {
		return nil, err
	}
	if err := t.require(append(groupColumns, "mean", "sd", "effective_from")...); err != nil {
		return nil, err
	}

	out := make([]domain.Baseline, 0, len(t.rows))
	for i, row := range t.rows {
		mean, err := strconv.ParseFloat(t.get(row, "mean"), 64)
		if err != nil {
			return nil, t.rowError(i, fmt.Errorf("mean: %w", err))
		}
		sd, err := strconv.ParseFloat(t.get(row, "sd"), 64)
		if err != nil {
			return nil, t.rowError(i, fmt.Errorf("sd: %w", err))
		}
		from, err := strconv.ParseUint(t.get(row, "effective_from"), 10, 64)
		if err != nil {
			return nil, t.rowError(i, fmt.Errorf("effective_from: %w", err))
		}
		out = append(out, domain.Baseline{
			Group:         t.group(row),
			Mean:          mean,
			SD:            sd,
			EffectiveFrom: from,
			Reason:        t.get(row, "reason"),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EffectiveFrom < out[j].EffectiveFrom })
	return out, nil
}
