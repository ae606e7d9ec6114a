package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// PipelineConfig is the declarative pipeline graph document (§6.1).
type PipelineConfig struct {
	ID          string                  `json:"id" yaml:"id"`
	Name        string                  `json:"name" yaml:"name"`
	Pools       map[string]PoolConfig   `json:"pools" yaml:"pools"`
	Stages      []StageConfig           `json:"stages" yaml:"stages"`
	Connections []ConnectionConfig      `json:"connections" yaml:"connections"`
}

// PoolConfig is one entry of the pools map: buffer_capacity, count.
type PoolConfig struct {
	BufferCapacity int `json:"buffer_capacity" yaml:"buffer_capacity"`
	Count          int `json:"count" yaml:"count"`
}

// StageConfig describes one graph node: name, type, its parameters, and the
// optional pool names it draws from / returns to.
type StageConfig struct {
	Name    string         `json:"name" yaml:"name"`
	Type    string         `json:"type" yaml:"type"`
	Params  map[string]any `json:"params" yaml:"params"`
	InPool  string         `json:"in_pool,omitempty" yaml:"in_pool,omitempty"`
	OutPool string         `json:"out_pool,omitempty" yaml:"out_pool,omitempty"`
}

// ConnectionConfig describes one directed edge between two stages.
type ConnectionConfig struct {
	From     string `json:"from" yaml:"from"`
	To       string `json:"to" yaml:"to"`
	Capacity int    `json:"capacity" yaml:"capacity"`
	Policy   string `json:"policy" yaml:"policy"` // "block" | "drop_oldest" | "drop_newest"
}

// Validate checks the pipeline document is structurally complete: required
// identifiers present, every connection endpoint resolves to a declared
// stage, and every recognized stage type reference is well-formed enough
// to hand to the stage registry.
func (p *PipelineConfig) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("pipeline id is required")
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline %q: at least one stage is required", p.ID)
	}

	names := make(map[string]bool, len(p.Stages))
	for i, st := range p.Stages {
		if st.Name == "" {
			return fmt.Errorf("pipeline %q: stages[%d]: name is required", p.ID, i)
		}
		if st.Type == "" {
			return fmt.Errorf("pipeline %q: stage %q: type is required", p.ID, st.Name)
		}
		if names[st.Name] {
			return fmt.Errorf("pipeline %q: duplicate stage name %q", p.ID, st.Name)
		}
		names[st.Name] = true
	}

	for i, c := range p.Connections {
		if !names[c.From] {
			return fmt.Errorf("pipeline %q: connections[%d]: unknown source stage %q", p.ID, i, c.From)
		}
		if !names[c.To] {
			return fmt.Errorf("pipeline %q: connections[%d]: unknown destination stage %q", p.ID, i, c.To)
		}
		if c.Capacity <= 0 {
			return fmt.Errorf("pipeline %q: connection %s->%s: capacity must be positive", p.ID, c.From, c.To)
		}
		switch c.Policy {
		case "", "block", "drop_oldest", "drop_newest":
		default:
			return fmt.Errorf("pipeline %q: connection %s->%s: invalid policy %q", p.ID, c.From, c.To, c.Policy)
		}
	}

	for name, pool := range p.Pools {
		if pool.BufferCapacity <= 0 || pool.Count <= 0 {
			return fmt.Errorf("pipeline %q: pool %q: buffer_capacity and count must be positive", p.ID, name)
		}
	}

	return nil
}

// ParsePipelineConfig parses a pipeline document from JSON.
func ParsePipelineConfig(data []byte) (*PipelineConfig, error) {
	var pc PipelineConfig
	if err := json.Unmarshal(data, &pc); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline config: %w", err)
	}
	if err := pc.Validate(); err != nil {
		return nil, err
	}
	return &pc, nil
}

// ParsePipelineConfigAuto detects format (JSON/YAML) from filename's
// extension and parses accordingly. A missing extension is parsed as JSON;
// an unrecognized one falls back to trying JSON, then YAML.
func ParsePipelineConfigAuto(data []byte, filename string) (*PipelineConfig, error) {
	var pc PipelineConfig

	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &pc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML pipeline config: %w", err)
		}
	case ".json", "":
		if err := json.Unmarshal(data, &pc); err != nil {
			return nil, fmt.Errorf("failed to parse JSON pipeline config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &pc); err != nil {
			if err2 := yaml.Unmarshal(data, &pc); err2 != nil {
				return nil, fmt.Errorf("failed to parse pipeline config (tried JSON and YAML): JSON: %v; YAML: %v", err, err2)
			}
		}
	}

	if err := pc.Validate(); err != nil {
		return nil, err
	}
	return &pc, nil
}
