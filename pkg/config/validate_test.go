package config

import (
	"errors"
	"strings"
	"testing"

	"github.com/skeinworks/skein/pkg/domain"
)

func mustParse(t *testing.T, doc string) *File {
	t.Helper()
	file, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Failed to parse document: %v", err)
	}
	return file
}

func TestParseRejectsUnknownFields(t *testing.T) {
	doc := `
pipelines:
  - id: ingest
    steps:
      - id: fetch
        capability: util.echo
        alwayz_run: true
`
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("Expected unknown field to be rejected")
	}
}

func TestParseEmptyDocument(t *testing.T) {
	if _, err := Parse(nil); err == nil {
		t.Fatal("Expected empty document to be rejected")
	}
	if _, err := Parse([]byte("pipelines: []\n")); err == nil {
		t.Fatal("Expected document without pipelines to be rejected")
	}
}

func TestValidateMinimalDAG(t *testing.T) {
	file := mustParse(t, `
pipelines:
  - id: ingest
    steps:
      - id: fetch
        capability: util.echo
      - id: store
        capability: util.echo
    edges:
      - from: fetch
        to: store
`)
	if err := file.Validate(); err != nil {
		t.Fatalf("Expected minimal pipeline to validate: %v", err)
	}
	if file.Pipelines[0].Kind != "dag" {
		t.Errorf("Expected kind to default to 'dag', got %q", file.Pipelines[0].Kind)
	}
}

func TestValidateConditional(t *testing.T) {
	file := mustParse(t, `
pipelines:
  - id: triage
    kind: conditional
    steps:
      - id: classify
        capability: llm.generate
        params:
          text: "${inputs.ticket}"
      - id: escalate
        capability: util.echo
      - id: archive
        capability: util.echo
        terminal: true
    edges:
      - from: classify
        to: escalate
        when: classify.severity >= 3
      - from: classify
        to: archive
        when: classify.severity < 3
`)
	if err := file.Validate(); err != nil {
		t.Fatalf("Expected conditional pipeline to validate: %v", err)
	}
}

func TestValidateCyclicCovered(t *testing.T) {
	file := mustParse(t, `
pipelines:
  - id: refine
    kind: cyclic
    cycles:
      - id: refine-loop
        members: [draft, judge]
        max_iterations: 3
    steps:
      - id: draft
        capability: llm.generate
      - id: judge
        capability: judge.score
      - id: publish
        capability: util.echo
    edges:
      - from: draft
        to: judge
      - from: judge
        to: draft
        when: judge.confidence < 0.9
      - from: judge
        to: publish
        when: judge.confidence >= 0.9
`)
	if err := file.Validate(); err != nil {
		t.Fatalf("Expected cyclic pipeline to validate: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name: "missing pipeline id",
			doc: `
pipelines:
  - steps:
      - id: a
        capability: util.echo
`,
			wantErr: "pipeline id is required",
		},
		{
			name: "unknown kind",
			doc: `
pipelines:
  - id: p
    kind: mesh
    steps:
      - id: a
        capability: util.echo
`,
			wantErr: "unknown kind",
		},
		{
			name: "no steps",
			doc: `
pipelines:
  - id: p
    steps: []
`,
			wantErr: "at least one step is required",
		},
		{
			name: "duplicate step id",
			doc: `
pipelines:
  - id: p
    steps:
      - id: a
        capability: util.echo
      - id: a
        capability: util.echo
`,
			wantErr: "duplicate step id",
		},
		{
			name: "step id with dot",
			doc: `
pipelines:
  - id: p
    steps:
      - id: my.step
        capability: util.echo
`,
			wantErr: "must match",
		},
		{
			name: "reserved step id",
			doc: `
pipelines:
  - id: p
    steps:
      - id: inputs
        capability: util.echo
`,
			wantErr: "reserved",
		},
		{
			name: "missing capability",
			doc: `
pipelines:
  - id: p
    steps:
      - id: a
        capability: ""
`,
			wantErr: "capability is required",
		},
		{
			name: "edge to unknown step",
			doc: `
pipelines:
  - id: p
    steps:
      - id: a
        capability: util.echo
    edges:
      - from: a
        to: b
`,
			wantErr: "unknown step",
		},
		{
			name: "self edge",
			doc: `
pipelines:
  - id: p
    steps:
      - id: a
        capability: util.echo
    edges:
      - from: a
        to: a
`,
			wantErr: "self-edges",
		},
		{
			name: "duplicate edge",
			doc: `
pipelines:
  - id: p
    steps:
      - id: a
        capability: util.echo
      - id: b
        capability: util.echo
    edges:
      - from: a
        to: b
      - from: a
        to: b
`,
			wantErr: "duplicate edge",
		},
		{
			name: "conditional edge in dag",
			doc: `
pipelines:
  - id: p
    steps:
      - id: a
        capability: util.echo
      - id: b
        capability: util.echo
    edges:
      - from: a
        to: b
        when: a.done == true
`,
			wantErr: "conditional edges require kind",
		},
		{
			name: "cycle in dag",
			doc: `
pipelines:
  - id: p
    steps:
      - id: a
        capability: util.echo
      - id: b
        capability: util.echo
    edges:
      - from: a
        to: b
      - from: b
        to: a
`,
			wantErr: "use kind cyclic",
		},
		{
			name: "uncovered back edge",
			doc: `
pipelines:
  - id: p
    kind: cyclic
    steps:
      - id: a
        capability: util.echo
      - id: b
        capability: util.echo
    edges:
      - from: a
        to: b
      - from: b
        to: a
        when: b.again == true
`,
			wantErr: "not covered by a declared cycle group",
		},
		{
			name: "cycles without cyclic kind",
			doc: `
pipelines:
  - id: p
    kind: conditional
    cycles:
      - id: loop
        members: [a]
        max_iterations: 2
    steps:
      - id: a
        capability: util.echo
`,
			wantErr: "cycles require kind cyclic",
		},
		{
			name: "unknown group",
			doc: `
pipelines:
  - id: p
    steps:
      - id: a
        capability: util.echo
        group: fanout
`,
			wantErr: "unknown group",
		},
		{
			name: "group without capacity",
			doc: `
pipelines:
  - id: p
    groups:
      - name: fanout
        max_concurrency: 0
    steps:
      - id: a
        capability: util.echo
        group: fanout
`,
			wantErr: "max_concurrency must be at least 1",
		},
		{
			name: "cycle with unknown member",
			doc: `
pipelines:
  - id: p
    kind: cyclic
    cycles:
      - id: loop
        members: [ghost]
        max_iterations: 2
    steps:
      - id: a
        capability: util.echo
`,
			wantErr: "unknown member",
		},
		{
			name: "step in two cycles",
			doc: `
pipelines:
  - id: p
    kind: cyclic
    cycles:
      - id: one
        members: [a]
        max_iterations: 2
      - id: two
        members: [a]
        max_iterations: 2
    steps:
      - id: a
        capability: util.echo
`,
			wantErr: "one cycle per step",
		},
		{
			name: "cycle without iterations",
			doc: `
pipelines:
  - id: p
    kind: cyclic
    cycles:
      - id: loop
        members: [a]
        max_iterations: 0
    steps:
      - id: a
        capability: util.echo
`,
			wantErr: "max_iterations must be at least 1",
		},
		{
			name: "on_error unknown step",
			doc: `
pipelines:
  - id: p
    steps:
      - id: a
        capability: util.echo
        on_error: rescue
`,
			wantErr: "on_error references unknown step",
		},
		{
			name: "on_error self reference",
			doc: `
pipelines:
  - id: p
    steps:
      - id: a
        capability: util.echo
        on_error: a
`,
			wantErr: "cannot reference itself",
		},
		{
			name: "broken condition",
			doc: `
pipelines:
  - id: p
    kind: conditional
    steps:
      - id: a
        capability: util.echo
      - id: b
        capability: util.echo
    edges:
      - from: a
        to: b
        when: "a.x >< 3"
`,
			wantErr: "when:",
		},
		{
			name: "condition references unknown step",
			doc: `
pipelines:
  - id: p
    kind: conditional
    steps:
      - id: a
        capability: util.echo
      - id: b
        capability: util.echo
    edges:
      - from: a
        to: b
        when: ghost.score > 1
`,
			wantErr: "does not resolve",
		},
		{
			name: "param references unknown step",
			doc: `
pipelines:
  - id: p
    steps:
      - id: a
        capability: util.echo
        params:
          text: "${ghost.out}"
`,
			wantErr: "does not resolve",
		},
		{
			name: "unknown retry_on kind",
			doc: `
pipelines:
  - id: p
    steps:
      - id: a
        capability: util.echo
        retry:
          max_attempts: 3
          retry_on: [flaky]
`,
			wantErr: "unknown retry_on kind",
		},
		{
			name: "unknown backoff",
			doc: `
pipelines:
  - id: p
    steps:
      - id: a
        capability: util.echo
        retry:
          max_attempts: 3
          backoff: fibonacci
`,
			wantErr: "unknown backoff",
		},
		{
			name: "unknown session strategy",
			doc: `
pipelines:
  - id: p
    sessions:
      chat:
        max_tokens: 1000
        strategy: forget
    steps:
      - id: a
        capability: util.echo
`,
			wantErr: "unknown strategy",
		},
		{
			name: "session binding without key",
			doc: `
pipelines:
  - id: p
    steps:
      - id: a
        capability: util.echo
        session:
          input_param: text
`,
			wantErr: "session key is required",
		},
		{
			name: "negative budget",
			doc: `
pipelines:
  - id: p
    budget:
      max_cost_usd: -1.0
    steps:
      - id: a
        capability: util.echo
`,
			wantErr: "max_cost_usd cannot be negative",
		},
		{
			name: "duplicate pipeline ids",
			doc: `
pipelines:
  - id: p
    steps:
      - id: a
        capability: util.echo
  - id: p
    steps:
      - id: a
        capability: util.echo
`,
			wantErr: "duplicate pipeline id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := mustParse(t, tt.doc)
			err := file.Validate()
			if err == nil {
				t.Fatal("Expected validation to fail")
			}
			if !errors.Is(err, domain.ErrConfigInvalid) {
				t.Errorf("Expected ErrConfigInvalid, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
