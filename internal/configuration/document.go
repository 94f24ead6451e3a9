package configuration

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/rsopt/internal/parameters"
)

// ExitCriteria bounds an optimization run.
type ExitCriteria struct {
	SimMax int `yaml:"sim_max" json:"sim_max"`
}

// Options is the run-level `options` block of a job description.
type Options struct {
	Software          string       `yaml:"software" json:"software"`
	Method            string       `yaml:"method" json:"method"`
	ExitCriteria      ExitCriteria `yaml:"exit_criteria" json:"exit_criteria"`
	NWorkers          int          `yaml:"nworkers" json:"nworkers"`
	InitialSampleSize int          `yaml:"initial_sample_size" json:"initial_sample_size"`
	MaxActiveRuns     int          `yaml:"max_active_runs" json:"max_active_runs"`
	Tolerance         float64      `yaml:"tolerance" json:"tolerance"`
	RunDir            string       `yaml:"run_dir" json:"run_dir"`
	CheckpointEvery   int          `yaml:"checkpoint_every" json:"checkpoint_every"`
	Seed              int64        `yaml:"seed" json:"seed"`
	// Outputs names the values each evaluation returns, in order. The
	// first one is the objective.
	Outputs []string `yaml:"outputs" json:"outputs"`
	// SoftwareOptions tune the chosen method. Keys not given take the
	// method's defaults.
	SoftwareOptions map[string]interface{} `yaml:"software_options" json:"software_options,omitempty"`
	// History is a checkpoint of an earlier run whose finished points are
	// reused instead of simulated again.
	History string `yaml:"history" json:"history"`
}

type document struct {
	Codes   []yaml.Node `yaml:"codes"`
	Options Options     `yaml:"options"`
}

type codeBlock struct {
	Parameters interface{}
	Settings   interface{}
	Setup      interface{}
	hasSetup   bool
}

// decodeNode converts a node into plain values. Mappings become ordered
// []parameters.Entry so parameter order survives.
func decodeNode(n *yaml.Node) (interface{}, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return decodeNode(n.Content[0])
	case yaml.AliasNode:
		return decodeNode(n.Alias)
	case yaml.MappingNode:
		entries := make([]parameters.Entry, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i]
			if key.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: mapping keys must be scalars", key.Line)
			}
			value, err := decodeNode(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			entries = append(entries, parameters.Entry{Key: key.Value, Value: value})
		}
		return entries, nil
	case yaml.SequenceNode:
		out := make([]interface{}, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := decodeNode(c)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	default:
		var v interface{}
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		return v, nil
	}
}

// decodeCode reads one `{code: {parameters, settings, setup}}` item.
func decodeCode(n *yaml.Node) (string, codeBlock, error) {
	if n.Kind != yaml.MappingNode || len(n.Content) != 2 {
		return "", codeBlock{}, fmt.Errorf("line %d: each entry of codes must be a mapping with exactly one code name", n.Line)
	}
	name := n.Content[0].Value

	var block codeBlock
	body := n.Content[1]
	if body.Kind == yaml.ScalarNode && body.Tag == "!!null" {
		return name, block, nil
	}
	if body.Kind != yaml.MappingNode {
		return "", codeBlock{}, fmt.Errorf("line %d: code %s must be a mapping", body.Line, name)
	}
	for i := 0; i+1 < len(body.Content); i += 2 {
		value, err := decodeNode(body.Content[i+1])
		if err != nil {
			return "", codeBlock{}, fmt.Errorf("code %s: %w", name, err)
		}
		switch key := body.Content[i].Value; key {
		case "parameters":
			block.Parameters = value
		case "settings":
			block.Settings = value
		case "setup":
			block.Setup = value
			block.hasSetup = value != nil
		default:
			return "", codeBlock{}, fmt.Errorf("line %d: code %s has unknown block %q", body.Content[i].Line, name, key)
		}
	}
	return name, block, nil
}
