package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLauncher installs a shell script standing in for rsmpi.
func fakeLauncher(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rsmpi")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	old := launcher
	launcher = path
	t.Cleanup(func() { launcher = old })
}

func machinefile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "machinefile")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRun(t *testing.T) {
	tests := []struct {
		name       string
		script     string
		args       []string
		wantCode   int
		wantStdout string
		wantStderr string
	}{
		{
			name:       "translates flags",
			script:     `echo "$@"`,
			args:       []string{"-np", "4", "-machinefile", "{mf}", "--ppn", "2", "Pelegant", "run.ele"},
			wantStdout: "-n 4 -h 7 Pelegant run.ele\n",
		},
		{
			name:       "stderr output fails",
			script:     "echo partial\necho boom >&2\n",
			args:       []string{"-np", "2", "-machinefile", "{mf}", "opal"},
			wantCode:   1,
			wantStdout: "partial\n",
			wantStderr: "boom\n",
		},
		{
			name:     "missing np",
			script:   "exit 0\n",
			args:     []string{"-machinefile", "{mf}", "opal"},
			wantCode: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fakeLauncher(t, tt.script)
			mf := machinefile(t, "7\nignored\n")

			args := make([]string, len(tt.args))
			for i, a := range tt.args {
				args[i] = strings.ReplaceAll(a, "{mf}", mf)
			}

			var stdout, stderr bytes.Buffer
			code := run(args, &stdout, &stderr)

			assert.Equal(t, tt.wantCode, code, stderr.String())
			assert.Equal(t, tt.wantStdout, stdout.String())
			if tt.wantStderr != "" {
				assert.Equal(t, tt.wantStderr, stderr.String())
			}
		})
	}
}

func TestHostFromMachinefile(t *testing.T) {
	host, err := hostFromMachinefile(machinefile(t, "  12 \n13\n"))
	require.NoError(t, err)
	assert.Equal(t, "12", host)

	_, err = hostFromMachinefile(machinefile(t, ""))
	assert.Error(t, err)

	_, err = hostFromMachinefile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
