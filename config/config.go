// Package config provides configuration loading and validation for the simulation.
package config

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// ErrInvalid marks malformed or out-of-range configuration parameters.
var ErrInvalid = errors.New("invalid configuration")

// Mutation kinds.
const (
	MutationSimplex = "simplex" // uniform over the probability simplex
	MutationUniform = "uniform" // independent uniform draws, normalised
)

// Config holds all simulation configuration parameters.
type Config struct {
	Seed   uint64       `yaml:"seed"`
	Model  ModelConfig  `yaml:"model"`
	Init   InitConfig   `yaml:"init"`
	Output OutputConfig `yaml:"output"`

	// Derived values computed after loading
	Derived DerivedConfig `yaml:"-"`
}

// Matrix is a row-major rate matrix.
type Matrix [][]float64

// ModelConfig holds the stochastic model parameters.
type ModelConfig struct {
	NEnv int `yaml:"n_env"`
	NPhe int `yaml:"n_phe"`

	RatesTransEnv Matrix `yaml:"rates_trans_env"` // n_env x n_env, diagonal ignored
	RatesBirth    Matrix `yaml:"rates_birth"`     // n_env x n_phe
	RatesDeath    Matrix `yaml:"rates_death"`     // n_env x n_phe

	ProbMut  float64 `yaml:"prob_mut"`
	Mutation string  `yaml:"mutation"` // simplex | uniform
}

// InitConfig holds state initialization parameters.
type InitConfig struct {
	NAgents  int            `yaml:"n_agents"`
	Strategy StrategyPolicy `yaml:"strategy"`
	Env      int            `yaml:"env"` // -1 = drawn at random
}

// OutputConfig holds output cadence parameters.
type OutputConfig struct {
	StepsPerFile int `yaml:"steps_per_file"`
	StepsPerSave int `yaml:"steps_per_save"`
}

// DerivedConfig holds computed values derived from the loaded config.
type DerivedConfig struct {
	SavesPerFile int    // records per output file
	Fingerprint  string // hash of the model and init blocks
}

// StrategyPolicy is the initial strategy policy: either one fixed strategy
// shared by every agent, or a fresh random strategy per agent.
type StrategyPolicy struct {
	Random bool
	Fixed  []float64
}

// UnmarshalYAML accepts a sequence of floats or the string "random".
func (p *StrategyPolicy) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		if s != "random" {
			return fmt.Errorf("line %d: unknown strategy policy %q", value.Line, s)
		}
		p.Random, p.Fixed = true, nil
	case yaml.SequenceNode:
		var v []float64
		if err := value.Decode(&v); err != nil {
			return err
		}
		p.Random, p.Fixed = false, v
	default:
		return fmt.Errorf("line %d: strategy must be a list or \"random\"", value.Line)
	}
	return nil
}

// MarshalYAML writes the policy back in the form UnmarshalYAML reads.
func (p StrategyPolicy) MarshalYAML() (interface{}, error) {
	if p.Random {
		return "random", nil
	}
	return p.Fixed, nil
}

// Default returns the embedded default configuration.
func Default() (*Config, error) {
	return Load("")
}

// Load loads configuration from a YAML file, merging with embedded defaults.
// If path is empty, only embedded defaults are used.
// The result is validated; violations wrap ErrInvalid.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}
	return Parse(data)
}

// Parse merges the given YAML document over the embedded defaults.
func Parse(data []byte) (*Config, error) {
	// Start with embedded defaults
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	// Unmarshal into same struct - only overwrites fields present in data
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parsing config file: %w", ErrInvalid, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := cfg.computeDerived(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// computeDerived calculates values derived from loaded config.
func (c *Config) computeDerived() error {
	if c.Init.Strategy.Fixed != nil {
		c.Init.Strategy.Fixed = normalize(c.Init.Strategy.Fixed)
	}

	c.Derived.SavesPerFile = c.Output.StepsPerFile / c.Output.StepsPerSave

	fp, err := c.Fingerprint()
	if err != nil {
		return err
	}
	c.Derived.Fingerprint = fp
	return nil
}

// Fingerprint hashes the model and init blocks. Two configurations with the
// same fingerprint describe the same stochastic model; seed and output
// cadence are excluded.
func (c *Config) Fingerprint() (string, error) {
	data, err := yaml.Marshal(struct {
		Model ModelConfig `yaml:"model"`
		Init  InitConfig  `yaml:"init"`
	}{c.Model, c.Init})
	if err != nil {
		return "", fmt.Errorf("marshaling model for fingerprint: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
