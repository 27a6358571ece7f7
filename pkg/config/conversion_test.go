package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skeinworks/skein/pkg/domain"
)

func TestToDomainFull(t *testing.T) {
	file := mustParse(t, `
pipelines:
  - id: support
    version: 2
    kind: conditional
    timeout: 5m
    budget:
      max_cost_usd: 1.5
      max_tokens: 100000
      max_requests: 50
    session_budget:
      max_tokens: 20000
    defaults:
      max_concurrency: 4
      abort_on_failure: true
      checkpoint_interval: 30s
      step_timeout: 20s
      retry:
        max_attempts: 3
        base_delay: 500ms
        backoff: exponential
        retry_on: [timeout, rate_limited]
        jitter: true
    sessions:
      chat:
        max_tokens: 4000
        strategy: summarize
        keep_recent: 2
    groups:
      - name: fanout
        max_concurrency: 2
    steps:
      - id: classify
        capability: llm.generate@v2
        timeout: 10s
        params:
          text: "${inputs.ticket}"
        estimate:
          cost_usd: 0.01
          tokens: 800
          requests: 1
      - id: reply
        capability: llm.generate@v2
        group: fanout
        on_error: apologize
        session:
          key: "chat-${inputs.customer}"
          input_param: text
          output_key: answer
          window_param: history
        retry:
          max_attempts: 2
          base_delay: 1s
      - id: apologize
        capability: util.template
        best_effort: true
      - id: audit
        capability: util.echo
        always_run: true
        terminal: true
    edges:
      - from: classify
        to: reply
        when: classify.intent == "question"
      - from: reply
        to: audit
        optional: true
`)
	if err := file.Validate(); err != nil {
		t.Fatalf("Failed to validate: %v", err)
	}

	specs, err := file.ToDomain()
	if err != nil {
		t.Fatalf("Failed to convert: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("Expected 1 pipeline, got %d", len(specs))
	}
	spec := specs[0]

	if spec.ID != "support" || spec.Version != 2 {
		t.Errorf("Unexpected identity: %q v%d", spec.ID, spec.Version)
	}
	if spec.Kind != domain.GraphConditional {
		t.Errorf("Expected conditional kind, got %q", spec.Kind)
	}
	if spec.Timeout != 5*time.Minute {
		t.Errorf("Expected 5m timeout, got %v", spec.Timeout)
	}
	if spec.Budget.MaxCostUSD != 1.5 || spec.Budget.MaxTokens != 100000 || spec.Budget.MaxRequests != 50 {
		t.Errorf("Unexpected budget: %+v", spec.Budget)
	}
	if spec.SessionBudget.MaxTokens != 20000 {
		t.Errorf("Unexpected session budget: %+v", spec.SessionBudget)
	}

	if spec.Defaults.MaxConcurrency != 4 || !spec.Defaults.AbortOnFailure {
		t.Errorf("Unexpected defaults: %+v", spec.Defaults)
	}
	if spec.Defaults.CheckpointInterval != 30*time.Second {
		t.Errorf("Expected 30s checkpoint interval, got %v", spec.Defaults.CheckpointInterval)
	}
	if spec.Defaults.StepTimeout != 20*time.Second {
		t.Errorf("Expected 20s step timeout, got %v", spec.Defaults.StepTimeout)
	}
	retry := spec.Defaults.Retry
	if retry.MaxAttempts != 3 || retry.BaseDelay != 500*time.Millisecond || !retry.Jitter {
		t.Errorf("Unexpected default retry: %+v", retry)
	}
	if retry.Backoff != domain.BackoffExponential {
		t.Errorf("Expected exponential backoff, got %q", retry.Backoff)
	}
	if retry.Multiplier != 2 {
		t.Errorf("Expected multiplier to default to 2, got %v", retry.Multiplier)
	}
	if len(retry.RetryOn) != 2 || retry.RetryOn[0] != domain.KindTimeout || retry.RetryOn[1] != domain.KindRateLimited {
		t.Errorf("Unexpected retry_on: %v", retry.RetryOn)
	}

	policy, ok := spec.Sessions["chat"]
	if !ok {
		t.Fatal("Expected session policy for 'chat'")
	}
	if policy.MaxTokens != 4000 || policy.Strategy != domain.ReduceSummarize || policy.KeepRecent != 2 {
		t.Errorf("Unexpected session policy: %+v", policy)
	}

	if len(spec.Groups) != 1 || spec.Groups[0].Name != "fanout" || spec.Groups[0].MaxConcurrency != 2 {
		t.Errorf("Unexpected groups: %+v", spec.Groups)
	}

	if len(spec.Steps) != 4 {
		t.Fatalf("Expected 4 steps, got %d", len(spec.Steps))
	}
	classify := spec.Steps[0]
	if classify.Capability != "llm.generate@v2" || classify.Timeout != 10*time.Second {
		t.Errorf("Unexpected classify step: %+v", classify)
	}
	if classify.Params["text"] != "${inputs.ticket}" {
		t.Errorf("Unexpected classify params: %+v", classify.Params)
	}
	if classify.Estimate.CostUSD != 0.01 || classify.Estimate.Tokens != 800 || classify.Estimate.Requests != 1 {
		t.Errorf("Unexpected estimate: %+v", classify.Estimate)
	}

	reply := spec.Steps[1]
	if reply.Group != "fanout" || reply.OnError != "apologize" {
		t.Errorf("Unexpected reply step: %+v", reply)
	}
	if reply.Session == nil {
		t.Fatal("Expected reply session binding")
	}
	if reply.Session.Key != "chat-${inputs.customer}" || reply.Session.OutputKey != "answer" {
		t.Errorf("Unexpected session binding: %+v", reply.Session)
	}
	if reply.Retry == nil || reply.Retry.MaxAttempts != 2 {
		t.Errorf("Unexpected reply retry: %+v", reply.Retry)
	}
	if reply.Retry.Backoff != domain.BackoffFixed {
		t.Errorf("Expected backoff to default to fixed, got %q", reply.Retry.Backoff)
	}

	if !spec.Steps[2].BestEffort {
		t.Error("Expected apologize to be best effort")
	}
	audit := spec.Steps[3]
	if !audit.AlwaysRun || !audit.Terminal {
		t.Errorf("Unexpected audit step: %+v", audit)
	}

	if len(spec.Edges) != 2 {
		t.Fatalf("Expected 2 edges, got %d", len(spec.Edges))
	}
	if spec.Edges[0].When != `classify.intent == "question"` {
		t.Errorf("Unexpected edge condition: %q", spec.Edges[0].When)
	}
	if !spec.Edges[1].Optional {
		t.Error("Expected reply->audit edge to be optional")
	}
}

func TestToDomainDefaultsVersion(t *testing.T) {
	file := mustParse(t, `
pipelines:
  - id: p
    steps:
      - id: a
        capability: util.echo
`)
	if err := file.Validate(); err != nil {
		t.Fatalf("Failed to validate: %v", err)
	}
	specs, err := file.ToDomain()
	if err != nil {
		t.Fatalf("Failed to convert: %v", err)
	}
	if specs[0].Version != 1 {
		t.Errorf("Expected version to default to 1, got %d", specs[0].Version)
	}
	if specs[0].Kind != domain.GraphDAG {
		t.Errorf("Expected kind to default to dag, got %q", specs[0].Kind)
	}
}

func TestLoadPipeline(t *testing.T) {
	doc := `
pipelines:
  - id: first
    steps:
      - id: a
        capability: util.echo
  - id: second
    steps:
      - id: b
        capability: util.echo
`
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "pipelines.yaml")
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("Failed to write pipeline file: %v", err)
	}

	if _, err := LoadPipeline(path, ""); err == nil {
		t.Error("Expected ambiguous selection to fail")
	}

	spec, err := LoadPipeline(path, "second")
	if err != nil {
		t.Fatalf("Failed to load pipeline: %v", err)
	}
	if spec.ID != "second" {
		t.Errorf("Expected pipeline 'second', got %q", spec.ID)
	}

	_, err = LoadPipeline(path, "third")
	if !errors.Is(err, domain.ErrPipelineNotFound) {
		t.Errorf("Expected ErrPipelineNotFound, got %v", err)
	}
}

func TestLoadPipelineSingle(t *testing.T) {
	doc := `
pipelines:
  - id: only
    steps:
      - id: a
        capability: util.echo
`
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "pipelines.yaml")
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("Failed to write pipeline file: %v", err)
	}

	spec, err := LoadPipeline(path, "")
	if err != nil {
		t.Fatalf("Failed to load pipeline: %v", err)
	}
	if spec.ID != "only" {
		t.Errorf("Expected pipeline 'only', got %q", spec.ID)
	}
}
