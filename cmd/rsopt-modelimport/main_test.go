package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/rsopt/internal/elegant"
)

func TestRunElegant(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ring.lte"),
		[]byte("Q1: QUAD, L=0.2, K1=1.5\nRING: LINE=(Q1)\n"), 0o644))
	ele := filepath.Join(dir, "run.ele")
	require.NoError(t, os.WriteFile(ele,
		[]byte("&run_setup\n  lattice = \"ring.lte\",\n  use_beamline = \"RING\",\n&end\n"), 0o644))

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, run([]string{"elegant", ele}, &stdout, &stderr), stderr.String())
	assert.Empty(t, stderr.String())

	var m elegant.Model
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &m))
	assert.Equal(t, "run.ele", m.CommandFile)
	assert.Equal(t, "ring.lte", m.LatticeFile)
	require.NotEmpty(t, m.Elements)
	assert.Equal(t, "Q1", m.Elements[0].Name)
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		code int
	}{
		{"usage", []string{"elegant"}, 2},
		{"unknown code", []string{"opal", "x.in"}, 1},
		{"missing file", []string{"elegant", filepath.Join(t.TempDir(), "nope.ele")}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			assert.Equal(t, tt.code, run(tt.args, &stdout, &stderr))
			assert.Empty(t, stdout.String())
			assert.NotEmpty(t, stderr.String())
		})
	}
}
