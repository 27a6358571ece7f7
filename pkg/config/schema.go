package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// File is the top-level shape of a pipeline document. One file may declare
// several pipelines.
type File struct {
	Pipelines []PipelineDoc `yaml:"pipelines"`
}

// PipelineDoc is the YAML form of one pipeline definition.
type PipelineDoc struct {
	ID      string `yaml:"id"`
	Version int    `yaml:"version"`
	Kind    string `yaml:"kind"`
	Timeout string `yaml:"timeout"`

	Budget        *BudgetDoc `yaml:"budget"`
	SessionBudget *BudgetDoc `yaml:"session_budget"`

	Defaults *DefaultsDoc `yaml:"defaults"`

	Sessions map[string]SessionPolicyDoc `yaml:"sessions"`

	Groups []GroupDoc `yaml:"groups"`
	Cycles []CycleDoc `yaml:"cycles"`
	Steps  []StepDoc  `yaml:"steps"`
	Edges  []EdgeDoc  `yaml:"edges"`
}

// BudgetDoc caps spend, tokens and upstream requests. Zero fields are
// unlimited.
type BudgetDoc struct {
	MaxCostUSD  float64 `yaml:"max_cost_usd"`
	MaxTokens   int64   `yaml:"max_tokens"`
	MaxRequests int64   `yaml:"max_requests"`
}

// DefaultsDoc holds per-pipeline settings applied to steps that declare none.
type DefaultsDoc struct {
	MaxConcurrency      int       `yaml:"max_concurrency"`
	AbortOnFailure      bool      `yaml:"abort_on_failure"`
	CheckpointInterval  string    `yaml:"checkpoint_interval"`
	CheckpointEveryStep bool      `yaml:"checkpoint_every_step"`
	StepTimeout         string    `yaml:"step_timeout"`
	Retry               *RetryDoc `yaml:"retry"`
}

// RetryDoc configures the retry schedule for a step or pipeline default.
type RetryDoc struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   string   `yaml:"base_delay"`
	Backoff     string   `yaml:"backoff"`
	Multiplier  float64  `yaml:"multiplier"`
	MaxDelay    string   `yaml:"max_delay"`
	RetryOn     []string `yaml:"retry_on"`
	Jitter      bool     `yaml:"jitter"`
}

// SessionPolicyDoc configures window management for one session key.
type SessionPolicyDoc struct {
	MaxTokens  int    `yaml:"max_tokens"`
	Strategy   string `yaml:"strategy"`
	KeepRecent int    `yaml:"keep_recent"`
}

// GroupDoc bounds the fan-out of a named parallel group.
type GroupDoc struct {
	Name           string `yaml:"name"`
	MaxConcurrency int    `yaml:"max_concurrency"`
}

// CycleDoc declares a bounded cycle group within a cyclic pipeline.
type CycleDoc struct {
	ID            string   `yaml:"id"`
	Members       []string `yaml:"members"`
	MaxIterations int      `yaml:"max_iterations"`
}

// EdgeDoc is the YAML form of one dependency edge. When guards the edge with
// a boolean expression; Optional lets the target run even when the source was
// skipped.
type EdgeDoc struct {
	From     string `yaml:"from"`
	To       string `yaml:"to"`
	When     string `yaml:"when"`
	Optional bool   `yaml:"optional"`
}

// StepDoc is the YAML form of one step.
type StepDoc struct {
	ID         string         `yaml:"id"`
	Capability string         `yaml:"capability"`
	Params     map[string]any `yaml:"params"`
	Timeout    string         `yaml:"timeout"`
	Retry      *RetryDoc      `yaml:"retry"`
	Group      string         `yaml:"group"`
	AlwaysRun  bool           `yaml:"always_run"`
	BestEffort bool           `yaml:"best_effort"`
	OnError    string         `yaml:"on_error"`
	Terminal   bool           `yaml:"terminal"`
	Session    *SessionDoc    `yaml:"session"`
	Estimate   *CostDoc       `yaml:"estimate"`
}

// SessionDoc binds a step to conversational state.
type SessionDoc struct {
	Key         string `yaml:"key"`
	InputParam  string `yaml:"input_param"`
	OutputKey   string `yaml:"output_key"`
	WindowParam string `yaml:"window_param"`
}

// CostDoc is a declared worst-case cost for budget reservations.
type CostDoc struct {
	CostUSD  float64 `yaml:"cost_usd"`
	Tokens   int64   `yaml:"tokens"`
	Requests int64   `yaml:"requests"`
}

// Parse decodes a pipeline document. Unknown fields are rejected so typos in
// a definition surface at load time rather than silently changing behavior.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file File
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("pipeline document is empty")
		}
		return nil, fmt.Errorf("failed to parse pipeline document: %w", err)
	}
	if len(file.Pipelines) == 0 {
		return nil, fmt.Errorf("pipeline document declares no pipelines")
	}
	return &file, nil
}
