package setup

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/rsopt/internal/elegant"
	"github.com/copyleftdev/rsopt/internal/errors"
	"github.com/copyleftdev/rsopt/internal/filedefs"
	"github.com/copyleftdev/rsopt/internal/parameters"
	"github.com/copyleftdev/rsopt/internal/registry"
)

type fakeRunner struct {
	stdout, stderr []byte
	err            error
	calls          [][]string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	return f.stdout, f.stderr, f.err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds() {
		got, err := ParseKind(strings.ToUpper(k.String()))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}

	_, err := ParseKind("madx")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConfig))
	assert.True(t, KindElegant.Templated())
	assert.False(t, KindUser.Templated())
}

func TestGetSetupRequiredKeys(t *testing.T) {
	full := map[string]map[string]interface{}{
		"python":  {"execution_type": "serial", "function": "f"},
		"elegant": {"execution_type": "serial", "input_file": "run.ele"},
		"opal":    {"execution_type": "serial", "input_file": "run.in"},
		"user": {
			"execution_type": "serial", "input_file": "a.in", "run_command": "sim",
			"file_mapping": map[string]interface{}{"a": "a.in"}, "file_definitions": "defs.yaml",
		},
		"genesis": {
			"execution_type": "serial", "input_file": "a.in",
			"file_mapping": map[string]interface{}{"a": "a.in"}, "file_definitions": "defs.yaml",
		},
	}

	for code, setupDict := range full {
		t.Run(code, func(t *testing.T) {
			s, err := GetSetup(setupDict, code)
			require.NoError(t, err)
			assert.Equal(t, code, s.Kind().String())
			assert.Equal(t, 1, s.Cores())

			for key := range setupDict {
				missing := make(map[string]interface{}, len(setupDict))
				for k, v := range setupDict {
					if k != key {
						missing[k] = v
					}
				}
				_, err := GetSetup(missing, code)
				require.Error(t, err, "without %s", key)
				assert.True(t, errors.IsKind(err, errors.KindConfig))
				assert.Contains(t, err.Error(), key+" must be defined in setup")
			}
		})
	}
}

func TestGetSetupValidators(t *testing.T) {
	_, err := GetSetup(map[string]interface{}{"execution_type": "batch", "input_file": "x"}, "opal")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConfig))
	assert.Contains(t, err.Error(), "batch is not a recognized value for execution_type")

	_, err = GetSetup(map[string]interface{}{"execution_type": "serial", "input_file": "x", "cores": 0}, "opal")
	assert.True(t, errors.IsKind(err, errors.KindConfig))

	_, err = GetSetup([]interface{}{"execution_type"}, "opal")
	assert.True(t, errors.IsKind(err, errors.KindConfig))

	s, err := GetSetup([]parameters.Entry{
		{Key: "execution_type", Value: "rsmpi"},
		{Key: "input_file", Value: "x"},
		{Key: "cores", Value: 8},
	}, "opal")
	require.NoError(t, err)
	assert.Equal(t, RSMPI, s.ExecutionType())
	assert.True(t, s.IsParallel())
	assert.Equal(t, 8, s.Cores())
}

func TestRunCommand(t *testing.T) {
	shifter := "shifter --image=img /bin/bash wrap.sh"
	tests := []struct {
		code     string
		setup    map[string]interface{}
		parallel bool
		want     string
	}{
		{"python", map[string]interface{}{"execution_type": "serial", "function": "f"}, false, ""},
		{"python", map[string]interface{}{"execution_type": "parallel", "function": "f", "input_file": "f.py"}, true, "python"},
		{"elegant", map[string]interface{}{"execution_type": "serial", "input_file": "a.ele"}, false, "elegant"},
		{"elegant", map[string]interface{}{"execution_type": "parallel", "input_file": "a.ele"}, true, "Pelegant"},
		{"elegant", map[string]interface{}{"execution_type": "shifter", "input_file": "a.ele"}, false, shifter + " elegant"},
		{"opal", map[string]interface{}{"execution_type": "shifter", "input_file": "a.in"}, true, shifter + " opal"},
		{"user", userSetup("serial", "genesis"), false, "genesis <"},
		{"user", userSetup("serial", "genesis_mpi"), true, "genesis_mpi <"},
		{"user", userSetup("shifter", "mysim -v"), false, shifter + " mysim -v"},
	}

	for _, tt := range tests {
		t.Run(tt.code+"/"+tt.want, func(t *testing.T) {
			s, err := GetSetup(tt.setup, tt.code, WithShifter("img", "wrap.sh"))
			require.NoError(t, err)
			got, err := s.RunCommand(tt.parallel)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func userSetup(executionType, runCommand string) map[string]interface{} {
	return map[string]interface{}{
		"execution_type":   executionType,
		"input_file":       "sim.in",
		"run_command":      runCommand,
		"file_mapping":     map[string]interface{}{"sim_in": "sim.in"},
		"file_definitions": "defs.yaml",
	}
}

func genesisSetup(t *testing.T, base, execType, input string, opts ...Option) Setup {
	t.Helper()
	s, err := GetSetup(map[string]interface{}{
		"execution_type":   execType,
		"input_file":       input,
		"file_mapping":     map[string]interface{}{"lattice": "undulator.lat"},
		"file_definitions": "defs.yaml",
	}, "genesis", append([]Option{WithBaseDir(base)}, opts...)...)
	require.NoError(t, err)
	return s
}

func TestGenesisWrapper(t *testing.T) {
	base := t.TempDir()
	writeFile(t, base, "defs.yaml", "lattice: \"K={aw0}\"\n")
	writeFile(t, base, "genesis.in", "prad0 = 1\n")

	s := genesisSetup(t, base, "serial", "genesis.in")
	require.NoError(t, s.Prepare(context.Background()))

	cmd, err := s.RunCommand(false)
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh", cmd)
	assert.Equal(t, GenesisWrapper, s.InputFile())
	v, _ := s.Value("input_file")
	assert.Equal(t, GenesisWrapper, v)
	assert.NoFileExists(t, filepath.Join(base, GenesisWrapper))
	assert.Equal(t, []string{filepath.Join(base, "genesis.in")}, s.CopyFiles())

	dir := t.TempDir()
	require.NoError(t, s.GenerateInputFile(map[string]interface{}{"aw0": 2.5}, dir))
	script, err := os.ReadFile(filepath.Join(dir, GenesisWrapper))
	require.NoError(t, err)
	assert.Equal(t, "exec genesis < genesis.in\n", string(script))
	lat, err := os.ReadFile(filepath.Join(dir, "undulator.lat"))
	require.NoError(t, err)
	assert.Equal(t, "K=2.5", string(lat))

	// a second call still redirects the original input
	_, err = s.RunCommand(true)
	require.NoError(t, err)
	assert.Equal(t, "exec genesis_mpi < genesis.in\n", s.(*Genesis).Script())
	assert.Equal(t, "genesis.in", s.(*Genesis).OriginalInputFile())

	s = genesisSetup(t, base, "shifter", "genesis.in", WithShifter("img", "wrap.sh"))
	cmd, err = s.RunCommand(false)
	require.NoError(t, err)
	assert.Equal(t, "shifter --image=img /bin/bash wrap.sh /bin/sh", cmd)
}

func TestGenesisWrappersShareBaseDir(t *testing.T) {
	base := t.TempDir()
	writeFile(t, base, "defs.yaml", "lattice: \"K={aw0}\"\n")

	a := genesisSetup(t, base, "serial", "a.in")
	b := genesisSetup(t, base, "serial", "b.in")
	for _, s := range []Setup{a, b} {
		require.NoError(t, s.Prepare(context.Background()))
		_, err := s.RunCommand(false)
		require.NoError(t, err)
	}

	tests := []struct {
		name  string
		setup Setup
		want  string
	}{
		{"first", a, "exec genesis < a.in\n"},
		{"second", b, "exec genesis < b.in\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, tt.setup.GenerateInputFile(map[string]interface{}{"aw0": 1.0}, dir))
			script, err := os.ReadFile(filepath.Join(dir, GenesisWrapper))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(script))
			for _, f := range tt.setup.CopyFiles() {
				assert.NotEqual(t, GenesisWrapper, filepath.Base(f))
			}
		})
	}
}

func TestUserGenerateInputFile(t *testing.T) {
	base := t.TempDir()
	tmpl := "aw0 = {aw0:.3f}\nxlamd = {xlamd}\nname = '{name}'\n"
	defs, err := json.Marshal(map[string]string{"genesis_in": tmpl, "lattice": "K={aw0}"})
	require.NoError(t, err)
	// JSON is valid YAML
	writeFile(t, base, "defs.yaml", string(defs))

	setupDict := []parameters.Entry{
		{Key: "execution_type", Value: "serial"},
		{Key: "input_file", Value: "genesis.in"},
		{Key: "run_command", Value: "genesis"},
		{Key: "file_mapping", Value: []parameters.Entry{
			{Key: "genesis_in", Value: "genesis.in"},
			{Key: "undulator.lat", Value: "lattice"},
		}},
		{Key: "file_definitions", Value: "defs.yaml"},
	}
	s, err := GetSetup(setupDict, "user", WithBaseDir(base))
	require.NoError(t, err)

	kwargs := map[string]interface{}{"aw0": 2.47, "xlamd": 0.03, "name": "und"}
	dir := t.TempDir()
	assert.True(t, errors.IsKind(s.GenerateInputFile(kwargs, dir), errors.KindConfig))

	require.NoError(t, s.Prepare(context.Background()))
	require.NoError(t, s.GenerateInputFile(kwargs, dir))

	want, err := filedefs.Format(tmpl, kwargs)
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(dir, "genesis.in"))
	require.NoError(t, err)
	assert.Equal(t, want, string(got))

	lat, err := os.ReadFile(filepath.Join(dir, "undulator.lat"))
	require.NoError(t, err)
	assert.Equal(t, "K=2.47", string(lat))

	assert.Empty(t, s.CopyFiles())
	assert.Equal(t, []FileMapping{
		{Template: "genesis_in", File: "genesis.in"},
		{Template: "lattice", File: "undulator.lat"},
	}, s.(*User).Mapping())
}

func TestUserMappingErrors(t *testing.T) {
	base := t.TempDir()
	writeFile(t, base, "defs.yaml", "a: x\n")

	tests := []struct {
		name    string
		mapping interface{}
		kind    errors.Kind
	}{
		{"unknown template", map[string]interface{}{"b": "b.in"}, errors.KindUnresolved},
		{"escapes run dir", map[string]interface{}{"a": "../a.in"}, errors.KindConfig},
		{"not a string", map[string]interface{}{"a": 3}, errors.KindConfig},
		{"not a mapping", []interface{}{"a"}, errors.KindConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setupDict := userSetup("serial", "sim")
			setupDict["file_mapping"] = tt.mapping
			setupDict["file_definitions"] = "defs.yaml"
			s, err := GetSetup(setupDict, "user", WithBaseDir(base))
			require.NoError(t, err)
			err = s.Prepare(context.Background())
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, tt.kind), "got %s", errors.KindOf(err))
		})
	}
}

const eleFile = `&run_setup lattice = "beamline.lte", use_beamline = "L" &end
&run_control n_steps = 1 &end
&run_control n_steps = 2 &end
&track &end
`

const lteFile = `Q1: QUAD, L=0.1, K1=1.0
L: LINE=(Q1)
`

func TestElegantGenerateInputFile(t *testing.T) {
	base := t.TempDir()
	writeFile(t, base, "run.ele", eleFile)
	writeFile(t, base, "beamline.lte", lteFile)

	s, err := GetSetup(map[string]interface{}{"execution_type": "serial", "input_file": "run.ele"}, "elegant", WithBaseDir(base))
	require.NoError(t, err)
	require.NoError(t, s.Prepare(context.Background()))
	assert.Equal(t, "run.ele", s.InputFile())

	dir := t.TempDir()
	require.NoError(t, s.GenerateInputFile(map[string]interface{}{"Q1.K1": 1.75, "run_control.2.n_steps": 5}, dir))

	m, err := elegant.ParseFile(filepath.Join(dir, "run.ele"))
	require.NoError(t, err)
	_, elements := m.Fields()
	v, _ := m.Elements[elements["Q1"]].Get("k1")
	assert.Equal(t, "1.75", v)
	v, _ = m.Commands[2].Get("n_steps")
	assert.Equal(t, "5", v)

	err = s.GenerateInputFile(map[string]interface{}{"run_control.n_steps": 3}, t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindResolution))
	assert.Contains(t, err.Error(), "run_control.n_steps")

	// the shared template keeps its values across evaluations
	tmpl := s.(*Elegant).Model()
	_, elements = tmpl.Fields()
	v, _ = tmpl.Elements[elements["Q1"]].Get("k1")
	assert.Equal(t, "1.0", v)
}

func TestElegantShifterImport(t *testing.T) {
	model := elegant.Model{
		CommandFile: "run.ele",
		Commands:    []elegant.Command{{Type: "track"}},
	}
	out, err := json.Marshal(model)
	require.NoError(t, err)

	runner := &fakeRunner{stdout: out}
	setupDict := map[string]interface{}{"execution_type": "shifter", "input_file": "/data/run.ele"}
	s, err := GetSetup(setupDict, "elegant", WithRunner(runner), WithShifter("img", "wrap.sh"), WithModelImport("python import.py"))
	require.NoError(t, err)
	require.NoError(t, s.Prepare(context.Background()))

	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{"shifter", "--image=img", "/bin/bash", "wrap.sh", "python", "import.py", "elegant", "/data/run.ele"}, runner.calls[0])
	assert.Equal(t, "track", s.(*Elegant).Model().Commands[0].Type)

	runner = &fakeRunner{stdout: out, stderr: []byte("Traceback")}
	s, err = GetSetup(setupDict, "elegant", WithRunner(runner))
	require.NoError(t, err)
	err = s.Prepare(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindProcess))
	assert.Nil(t, s.(*Elegant).Model())
}

func TestPythonSerial(t *testing.T) {
	reg := registry.New()
	reg.RegisterFunction("f", func(_ context.Context, kwargs map[string]interface{}) (interface{}, error) {
		return kwargs["x"], nil
	})

	s, err := GetSetup(map[string]interface{}{"execution_type": "serial", "function": "f"}, "python", WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, s.Prepare(context.Background()))

	fn, err := s.(*Python).Function()
	require.NoError(t, err)
	got, err := fn(context.Background(), map[string]interface{}{"x": 2.0})
	require.NoError(t, err)
	assert.Equal(t, 2.0, got)
	assert.Empty(t, s.InputFile())
	assert.NoError(t, s.GenerateInputFile(nil, t.TempDir()))

	s, err = GetSetup(map[string]interface{}{"execution_type": "serial", "function": "g"}, "python", WithRegistry(reg))
	require.NoError(t, err)
	err = s.Prepare(context.Background())
	assert.True(t, errors.IsKind(err, errors.KindUnresolved))
}

func TestPythonParallel(t *testing.T) {
	_, err := GetSetup(map[string]interface{}{"execution_type": "parallel", "function": "f"}, "python")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConfig))

	base := t.TempDir()
	s, err := GetSetup(map[string]interface{}{"execution_type": "parallel", "function": "f", "input_file": "model.py"},
		"python", WithBaseDir(base))
	require.NoError(t, err)
	assert.Error(t, s.Prepare(context.Background()))

	writeFile(t, base, "model.py", "def f(**kwargs):\n    return 1\n")
	require.NoError(t, s.Prepare(context.Background()))

	dir := t.TempDir()
	require.NoError(t, s.GenerateInputFile(map[string]interface{}{"x": 1.5, "mode": "fast"}, dir))
	driver, err := os.ReadFile(filepath.Join(dir, ParallelPythonRunFile))
	require.NoError(t, err)
	assert.Contains(t, string(driver), "kwargs = {'mode': 'fast', 'x': 1.5}")
	assert.Contains(t, string(driver), "getattr(_module, 'f')(**kwargs)")
	assert.Contains(t, string(driver), filepath.Join(base, "model.py"))
	assert.Equal(t, ParallelPythonRunFile, s.InputFile())
}

func TestOpal(t *testing.T) {
	s, err := GetSetup(map[string]interface{}{"execution_type": "serial", "input_file": "in/ring.in"}, "opal", WithBaseDir("/work"))
	require.NoError(t, err)
	assert.Equal(t, "ring.in", s.InputFile())
	assert.Equal(t, []string{"/work/in/ring.in"}, s.CopyFiles())
	assert.NoError(t, s.GenerateInputFile(nil, t.TempDir()))
}
