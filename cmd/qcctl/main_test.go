package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labflow-qc-server/internal/domain"
	"github.com/labflow-qc-server/internal/review"
)

const glucoseCSV = `test_code,analyte,level,lot,sequence,value,unit,run_id
# nine in-control points then a 1-3s
GLU,glucose,1,L2291,1,94,mg/dL,r1
GLU,glucose,1,L2291,2,96,mg/dL,r2
GLU,glucose,1,L2291,3,95,mg/dL,r3
GLU,glucose,1,L2291,4,93,mg/dL,r4
GLU,glucose,1,L2291,5,97,mg/dL,r5
GLU,glucose,1,L2291,6,95,mg/dL,r6
GLU,glucose,1,L2291,7,96,mg/dL,r7
GLU,glucose,1,L2291,8,94,mg/dL,r8
GLU,glucose,1,L2291,9,95,mg/dL,r9
GLU,glucose,1,L2291,10,111,mg/dL,r10
GLU,glucose,1,L2291,10,95,mg/dL,r10
`

const glucoseBaselines = `test_code,analyte,level,lot,mean,sd,effective_from,reason
GLU,glucose,1,L2291,95,5,1,new lot
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestParseCSV(t *testing.T) {
	t.Run("Measurements", func(t *testing.T) {
		table, err := parseCSV("inline", strings.NewReader(glucoseCSV))
		require.NoError(t, err)
		ms, err := table.measurements()
		require.NoError(t, err)
		require.Len(t, ms, 11)
		assert.Equal(t, domain.ControlGroup{TestCode: "GLU", Analyte: "glucose", ControlLevel: "1", LotNumber: "L2291"}, ms[0].Group)
		assert.Equal(t, uint64(10), ms[9].SequenceNumber)
		assert.Equal(t, 111.0, ms[9].Value)
		assert.Equal(t, "r10", ms[9].RunID)
	})

	tests := []struct {
		name string
		body string
		want string
	}{
		{"Empty", "", "empty file"},
		{"Missing_Columns", "test_code,analyte,value\nGLU,glucose,1\n", "missing columns level, lot, sequence"},
		{"Bad_Value", "test_code,analyte,level,lot,sequence,value\nGLU,glucose,1,L1,1,abc\n", "line 2: value"},
		{"Bad_Timestamp", "test_code,analyte,level,lot,sequence,value,timestamp\nGLU,glucose,1,L1,1,95,yesterday\n", "timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := parseCSV("inline", strings.NewReader(tt.body))
			if err == nil {
				_, err = table.measurements()
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestReadBaselines_Sorted(t *testing.T) {
	path := writeFile(t, "baselines.csv", `test_code,analyte,level,lot,mean,sd,effective_from
GLU,glucose,1,L2291,96,4,50
GLU,glucose,1,L2291,95,5,1
`)
	baselines, err := readBaselines(path)
	require.NoError(t, err)
	require.Len(t, baselines, 2)
	assert.Equal(t, uint64(1), baselines[0].EffectiveFrom)
	assert.Equal(t, uint64(50), baselines[1].EffectiveFrom)

	none, err := readBaselines("")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestReplay(t *testing.T) {
	data := writeFile(t, "glucose.csv", glucoseCSV)
	baselines := writeFile(t, "baselines.csv", glucoseBaselines)

	out, err := run(t, "replay", data, "--baselines", baselines)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	var rejectLine string
	for _, line := range lines {
		if strings.Contains(line, "reject") {
			rejectLine = line
		}
	}
	require.NotEmpty(t, rejectLine, out)
	assert.Contains(t, rejectLine, "1-2s,1-3s")
	assert.Contains(t, rejectLine, "3.20")
	assert.Contains(t, out, "REFUSED")
	assert.Contains(t, out, "9 accepted, 0 warned, 1 rejected, 0 indeterminate, 1 refused")
}

func TestReplay_NoBaselineIsIndeterminate(t *testing.T) {
	data := writeFile(t, "glucose.csv", glucoseCSV)

	out, err := run(t, "replay", data)
	require.NoError(t, err)
	assert.Contains(t, out, "indeterminate")
}

func TestReplay_JSON(t *testing.T) {
	data := writeFile(t, "glucose.csv", glucoseCSV)
	baselines := writeFile(t, "baselines.csv", glucoseBaselines)

	out, err := run(t, "replay", data, "--baselines", baselines, "--json")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 11)

	var processed domain.ProcessedMeasurement
	require.NoError(t, json.Unmarshal([]byte(lines[9]), &processed))
	assert.Equal(t, domain.REJECT_RUN, processed.Verdict.Decision)

	var refused map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[10]), &refused))
	assert.Equal(t, domain.ErrCodeSequenceViolation, refused["code"])
}

func TestReplay_MissingFile(t *testing.T) {
	_, err := run(t, "replay", filepath.Join(t.TempDir(), "absent.csv"))
	assert.Error(t, err)
}

func TestStats(t *testing.T) {
	data := writeFile(t, "glucose.csv", glucoseCSV)
	baselines := writeFile(t, "baselines.csv", glucoseBaselines)

	out, err := run(t, "stats", data, "--baselines", baselines)
	require.NoError(t, err)
	assert.Contains(t, out, "GLU|glucose|1|L2291")
	assert.Contains(t, out, "assigned")
	assert.Contains(t, out, "85")
	assert.Contains(t, out, "105")
}

func TestStats_PersistsToSQLite(t *testing.T) {
	data := writeFile(t, "glucose.csv", glucoseCSV)
	baselines := writeFile(t, "baselines.csv", glucoseBaselines)
	db := filepath.Join(t.TempDir(), "qc.db")

	_, err := run(t, "replay", data, "--baselines", baselines, "--db", db)
	require.NoError(t, err)

	// A second pass hydrates from the file, so every row is a duplicate.
	out, err := run(t, "replay", data, "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "0 accepted, 0 warned, 0 rejected, 0 indeterminate, 11 refused")
}

func TestRules(t *testing.T) {
	t.Run("Default", func(t *testing.T) {
		out, err := run(t, "rules")
		require.NoError(t, err)
		for _, id := range []string{"1-2s", "1-3s", "2-2s", "R-4s", "4-1s", "10-x"} {
			assert.Contains(t, out, "id: "+id)
		}
	})

	t.Run("Mean_Run_Length", func(t *testing.T) {
		out, err := run(t, "rules", "--mean-run-length", "8")
		require.NoError(t, err)
		assert.Contains(t, out, "id: 8-x")
	})

	t.Run("Profile", func(t *testing.T) {
		profile := writeFile(t, "profiles.yaml", `
profiles:
  HBA1C:
    rules:
      - {id: 1-3s, kind: single_exceeds, severity: reject, params: {threshold: 3}}
`)
		out, err := run(t, "rules", "--profile", profile, "--test-code", "HBA1C", "--analyte", "a1c")
		require.NoError(t, err)
		assert.Contains(t, out, "id: 1-3s")
		assert.NotContains(t, out, "1-2s")
	})

	t.Run("Bad_Profile", func(t *testing.T) {
		_, err := run(t, "rules", "--profile", writeFile(t, "bad.yaml", "profiles: [unclosed"))
		assert.Error(t, err)
	})
}

func TestReviewExportImport(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	source := filepath.Join(dir, "source.db")
	target := filepath.Join(dir, "target.db")
	exportPath := filepath.Join(dir, "reviews.json")

	store, err := review.NewSQLiteStore(source)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, &review.Review{
		TenantID:         "lab-a",
		Group:            domain.ControlGroup{TestCode: "GLU", Analyte: "glucose", ControlLevel: "1", LotNumber: "L2291"},
		SequenceNumber:   10,
		Decision:         domain.REJECT_RUN,
		Rules:            []string{"1-3s"},
		Reviewer:         "j.moreau",
		CorrectiveAction: "recalibrated",
		ReleaseDecision:  review.RerunControls,
	}))
	require.NoError(t, store.Close())

	out, err := run(t, "export-reviews", "--db", source, "--out", exportPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 1 reviews")

	out, err = run(t, "import-reviews", "--db", target, exportPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 1 reviews, skipped 0 existing")

	out, err = run(t, "import-reviews", "--db", target, exportPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 0 reviews, skipped 1 existing")

	t.Run("Stdout", func(t *testing.T) {
		out, err := run(t, "export-reviews", "--db", target)
		require.NoError(t, err)
		var export review.ReviewExport
		require.NoError(t, json.Unmarshal([]byte(out), &export))
		assert.Equal(t, 1, export.Count)
	})
}
