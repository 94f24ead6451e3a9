package elegant

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/rsopt/internal/errors"
)

const commandFile = `! tracking run
&run_setup
  lattice = "lattice/fodo.lte",
  use_beamline = "FODO",
  p_central_mev = 1000 ! nominal
&end

&run_control n_steps = 1 &end

&bunched_beam
  n_particles_per_bunch = 1000,
  distribution_type[0] = "gaussian", "gaussian", "hard-edge",
&end

&track &end

&run_control n_steps = 2, n_passes = 10 &end
`

const latticeFile = `! FODO cell
Q1: QUAD, L=0.2, K1=1.5
Q2: KQUAD, L=0.2, &
    K1=-1.5, N_KICKS=4
D1: DRIF, L=1.0
W1: WATCH, FILENAME="%s.w1"
FODO: LINE=(Q1,D1,Q2,D1,W1)
USE,FODO
`

func writeModel(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "lattice"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lattice", "fodo.lte"), []byte(latticeFile), 0o644))
	path := filepath.Join(dir, "run.ele")
	require.NoError(t, os.WriteFile(path, []byte(commandFile), 0o644))
	return path
}

func TestParseFile(t *testing.T) {
	m, err := ParseFile(writeModel(t))
	require.NoError(t, err)

	assert.Equal(t, "run.ele", m.CommandFile)
	assert.Equal(t, "fodo.lte", m.LatticeFile)
	require.Len(t, m.Commands, 5)
	assert.Equal(t, "run_setup", m.Commands[0].Type)
	v, ok := m.Commands[0].Get("p_central_mev")
	assert.True(t, ok)
	assert.Equal(t, "1000", v)
	v, _ = m.Commands[2].Get("distribution_type[0]")
	assert.Equal(t, `"gaussian", "gaussian", "hard-edge"`, v)
	assert.Empty(t, m.Commands[3].Fields)

	commands, elements := m.Fields()
	assert.Equal(t, []int{1, 4}, commands["run_control"])
	assert.Contains(t, elements, "Q2")

	q2 := m.Elements[elements["Q2"]]
	assert.Equal(t, "KQUAD", q2.Type)
	v, _ = q2.Get("n_kicks")
	assert.Equal(t, "4", v)

	fodo := m.Elements[elements["FODO"]]
	assert.Equal(t, "LINE", fodo.Type)
	assert.Equal(t, "(Q1,D1,Q2,D1,W1)", fodo.Raw)
	assert.Equal(t, "USE,FODO", m.Elements[len(m.Elements)-1].Raw)
}

func TestParseCommandErrors(t *testing.T) {
	for name, src := range map[string]string{
		"unclosed":     "&run_setup lattice = \"a.lte\"",
		"stray end":    "&end",
		"nested":       "&a x = 1 &b &end",
		"no value":     "&a x = &end",
		"unterminated": "&a x = \"abc &end",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCommands(src)
			assert.Error(t, err)
		})
	}
}

func TestEditCommandAndElement(t *testing.T) {
	m, err := ParseFile(writeModel(t))
	require.NoError(t, err)

	edited, err := m.Edit(map[string]interface{}{
		"Q1.K1":                              2.25,
		"run_control.2.N_PASSES":             20,
		"bunched_beam.n_particles_per_bunch": 500,
		"W1.filename":                        "out.w1",
	})
	require.NoError(t, err)

	_, elements := edited.Fields()
	v, _ := edited.Elements[elements["Q1"]].Get("k1")
	assert.Equal(t, "2.25", v)
	v, _ = edited.Commands[4].Get("n_passes")
	assert.Equal(t, "20", v)
	v, _ = edited.Commands[2].Get("n_particles_per_bunch")
	assert.Equal(t, "500", v)
	v, _ = edited.Elements[elements["W1"]].Get("filename")
	assert.Equal(t, `"out.w1"`, v)

	// the template is untouched
	v, _ = m.Elements[elements["Q1"]].Get("k1")
	assert.Equal(t, "1.5", v)
	v, _ = m.Commands[4].Get("n_passes")
	assert.Equal(t, "10", v)
}

func TestEditSchemaField(t *testing.T) {
	m, err := ParseFile(writeModel(t))
	require.NoError(t, err)

	edited, err := m.Edit(map[string]interface{}{"Q1.tilt": 0.1})
	require.NoError(t, err)
	_, elements := edited.Fields()
	v, ok := edited.Elements[elements["Q1"]].Get("tilt")
	assert.True(t, ok)
	assert.Equal(t, "0.1", v)
}

func TestEditErrors(t *testing.T) {
	m, err := ParseFile(writeModel(t))
	require.NoError(t, err)

	tests := []struct {
		key      string
		kind     errors.Kind
		contains string
	}{
		{"run_control.n_steps", errors.KindResolution, "run_control.n_steps is not unique in run.ele"},
		{"run_control.3.n_steps", errors.KindValue, "out of range"},
		{"Q1.k9", errors.KindName, "Parameter: k9 is not found for element Q1 with type QUAD"},
		{"Q7.k1", errors.KindValue, "Q7.k1 was not found in loaded .ele or .lte files"},
		{"a.b.c.d", errors.KindValue, "a.b.c.d"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			_, err := m.Edit(map[string]interface{}{tt.key: 1})
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, tt.kind), "kind %s", errors.KindOf(err))
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestWriteFilesRoundTrip(t *testing.T) {
	m, err := ParseFile(writeModel(t))
	require.NoError(t, err)
	edited, err := m.Edit(map[string]interface{}{"Q2.K1": -3.0})
	require.NoError(t, err)

	dir := t.TempDir()
	path, err := edited.WriteFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "run.ele"), path)
	assert.FileExists(t, filepath.Join(dir, "fodo.lte"))

	back, err := ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fodo.lte", back.Lattice())
	_, elements := back.Fields()
	v, _ := back.Elements[elements["Q2"]].Get("k1")
	assert.Equal(t, "-3", v)
	assert.Len(t, back.Commands, len(m.Commands))
	assert.Len(t, back.Elements, len(m.Elements))
}

func TestModelJSON(t *testing.T) {
	m, err := ParseFile(writeModel(t))
	require.NoError(t, err)

	data, err := json.Marshal(m)
	require.NoError(t, err)
	var back Model
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, m.Commands, back.Commands)
	assert.Equal(t, m.Elements, back.Elements)
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "1.5", FormatValue(1.5))
	assert.Equal(t, "3", FormatValue(3))
	assert.Equal(t, "2e-05", FormatValue("2e-05"))
	assert.Equal(t, `"beam.sdds"`, FormatValue("beam.sdds"))
	assert.Equal(t, "1", FormatValue(true))
}
