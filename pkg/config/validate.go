package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/skeinworks/skein/pkg/domain"
	"github.com/skeinworks/skein/pkg/engine/expr"
)

// stepIDPattern keeps step ids free of dots and colons so references like
// "stepid.output" stay unambiguous.
var stepIDPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// inputsNamespace is the reserved first segment for run inputs in templates
// and conditions. No step may claim it.
const inputsNamespace = "inputs"

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{domain.ErrConfigInvalid}, args...)...)
}

// Validate checks the whole document. Every pipeline must be individually
// valid and pipeline ids must be unique within the file.
func (f *File) Validate() error {
	seen := make(map[string]struct{}, len(f.Pipelines))
	for i := range f.Pipelines {
		p := &f.Pipelines[i]
		if err := p.Validate(); err != nil {
			return err
		}
		if _, dup := seen[p.ID]; dup {
			return invalidf("duplicate pipeline id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return nil
}

// Validate checks one pipeline definition: structure, references, expressions
// and the shape rules its kind imposes.
func (p *PipelineDoc) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return invalidf("pipeline id is required")
	}
	if p.Version < 0 {
		return invalidf("pipeline %q: version cannot be negative", p.ID)
	}

	kind := strings.TrimSpace(strings.ToLower(p.Kind))
	if kind == "" {
		kind = string(domain.GraphDAG)
	}
	switch domain.GraphKind(kind) {
	case domain.GraphDAG, domain.GraphConditional, domain.GraphCyclic:
		p.Kind = kind
	default:
		return invalidf("pipeline %q: unknown kind %q, supported kinds: dag, conditional, cyclic", p.ID, p.Kind)
	}

	if _, err := parseDuration(p.Timeout); err != nil {
		return invalidf("pipeline %q: timeout: %v", p.ID, err)
	}
	if err := p.Budget.validate(); err != nil {
		return invalidf("pipeline %q: budget: %v", p.ID, err)
	}
	if err := p.SessionBudget.validate(); err != nil {
		return invalidf("pipeline %q: session_budget: %v", p.ID, err)
	}

	if p.Defaults != nil {
		if p.Defaults.MaxConcurrency < 0 {
			return invalidf("pipeline %q: defaults: max_concurrency cannot be negative", p.ID)
		}
		if _, err := parseDuration(p.Defaults.StepTimeout); err != nil {
			return invalidf("pipeline %q: defaults: step_timeout: %v", p.ID, err)
		}
		if _, err := parseDuration(p.Defaults.CheckpointInterval); err != nil {
			return invalidf("pipeline %q: defaults: checkpoint_interval: %v", p.ID, err)
		}
		if err := p.Defaults.Retry.validate(); err != nil {
			return invalidf("pipeline %q: defaults: retry: %v", p.ID, err)
		}
	}

	for key, policy := range p.Sessions {
		if strings.TrimSpace(key) == "" {
			return invalidf("pipeline %q: sessions: empty session key", p.ID)
		}
		if err := policy.validate(); err != nil {
			return invalidf("pipeline %q: session %q: %v", p.ID, key, err)
		}
	}

	steps, err := p.validateSteps()
	if err != nil {
		return err
	}
	if err := p.validateGroups(); err != nil {
		return err
	}
	if err := p.validateEdges(steps); err != nil {
		return err
	}
	if err := p.validateCycles(steps); err != nil {
		return err
	}
	return p.validateShape()
}

// validateSteps checks every step and returns the set of declared step ids.
func (p *PipelineDoc) validateSteps() (map[string]struct{}, error) {
	if len(p.Steps) == 0 {
		return nil, invalidf("pipeline %q: at least one step is required", p.ID)
	}

	steps := make(map[string]struct{}, len(p.Steps))
	for i := range p.Steps {
		s := &p.Steps[i]
		if strings.TrimSpace(s.ID) == "" {
			return nil, invalidf("pipeline %q: step %d: id is required", p.ID, i)
		}
		if !stepIDPattern.MatchString(s.ID) {
			return nil, invalidf("pipeline %q: step %q: id must match %s", p.ID, s.ID, stepIDPattern.String())
		}
		if s.ID == inputsNamespace {
			return nil, invalidf("pipeline %q: step id %q is reserved", p.ID, inputsNamespace)
		}
		if _, dup := steps[s.ID]; dup {
			return nil, invalidf("pipeline %q: duplicate step id %q", p.ID, s.ID)
		}
		steps[s.ID] = struct{}{}

		if strings.TrimSpace(s.Capability) == "" {
			return nil, invalidf("pipeline %q: step %q: capability is required", p.ID, s.ID)
		}
		if _, err := parseDuration(s.Timeout); err != nil {
			return nil, invalidf("pipeline %q: step %q: timeout: %v", p.ID, s.ID, err)
		}
		if err := s.Retry.validate(); err != nil {
			return nil, invalidf("pipeline %q: step %q: retry: %v", p.ID, s.ID, err)
		}
		if s.Estimate != nil {
			if s.Estimate.CostUSD < 0 || s.Estimate.Tokens < 0 || s.Estimate.Requests < 0 {
				return nil, invalidf("pipeline %q: step %q: estimate cannot be negative", p.ID, s.ID)
			}
		}
		if s.Session != nil {
			if strings.TrimSpace(s.Session.Key) == "" {
				return nil, invalidf("pipeline %q: step %q: session key is required", p.ID, s.ID)
			}
			if err := expr.CheckTemplate(s.Session.Key); err != nil {
				return nil, invalidf("pipeline %q: step %q: session key: %v", p.ID, s.ID, err)
			}
		}
		for name, value := range s.Params {
			if err := expr.CheckTemplate(value); err != nil {
				return nil, invalidf("pipeline %q: step %q: param %q: %v", p.ID, s.ID, name, err)
			}
		}
	}

	// Referential checks need the full id set, so they run in a second pass.
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.OnError != "" {
			if _, ok := steps[s.OnError]; !ok {
				return nil, invalidf("pipeline %q: step %q: on_error references unknown step %q", p.ID, s.ID, s.OnError)
			}
			if s.OnError == s.ID {
				return nil, invalidf("pipeline %q: step %q: on_error cannot reference itself", p.ID, s.ID)
			}
		}
		for name, value := range s.Params {
			refs, err := expr.TemplateReferences(value)
			if err != nil {
				return nil, invalidf("pipeline %q: step %q: param %q: %v", p.ID, s.ID, name, err)
			}
			for _, ref := range refs {
				if err := checkReference(ref, steps); err != nil {
					return nil, invalidf("pipeline %q: step %q: param %q: %v", p.ID, s.ID, name, err)
				}
			}
		}
		if s.Session != nil {
			refs, err := expr.TemplateReferences(s.Session.Key)
			if err != nil {
				return nil, invalidf("pipeline %q: step %q: session key: %v", p.ID, s.ID, err)
			}
			for _, ref := range refs {
				if err := checkReference(ref, steps); err != nil {
					return nil, invalidf("pipeline %q: step %q: session key: %v", p.ID, s.ID, err)
				}
			}
		}
	}
	return steps, nil
}

func (p *PipelineDoc) validateGroups() error {
	groups := make(map[string]struct{}, len(p.Groups))
	for _, g := range p.Groups {
		if strings.TrimSpace(g.Name) == "" {
			return invalidf("pipeline %q: group name is required", p.ID)
		}
		if _, dup := groups[g.Name]; dup {
			return invalidf("pipeline %q: duplicate group %q", p.ID, g.Name)
		}
		if g.MaxConcurrency < 1 {
			return invalidf("pipeline %q: group %q: max_concurrency must be at least 1", p.ID, g.Name)
		}
		groups[g.Name] = struct{}{}
	}
	for _, s := range p.Steps {
		if s.Group == "" {
			continue
		}
		if _, ok := groups[s.Group]; !ok {
			return invalidf("pipeline %q: step %q: unknown group %q", p.ID, s.ID, s.Group)
		}
	}
	return nil
}

func (p *PipelineDoc) validateEdges(steps map[string]struct{}) error {
	type pair struct{ from, to string }
	seen := make(map[pair]struct{}, len(p.Edges))
	for _, e := range p.Edges {
		if _, ok := steps[e.From]; !ok {
			return invalidf("pipeline %q: edge %q -> %q: unknown step %q", p.ID, e.From, e.To, e.From)
		}
		if _, ok := steps[e.To]; !ok {
			return invalidf("pipeline %q: edge %q -> %q: unknown step %q", p.ID, e.From, e.To, e.To)
		}
		if e.From == e.To {
			return invalidf("pipeline %q: edge %q -> %q: self-edges are not allowed", p.ID, e.From, e.To)
		}
		key := pair{e.From, e.To}
		if _, dup := seen[key]; dup {
			return invalidf("pipeline %q: duplicate edge %q -> %q", p.ID, e.From, e.To)
		}
		seen[key] = struct{}{}

		if e.When == "" {
			continue
		}
		if err := expr.Check(e.When); err != nil {
			return invalidf("pipeline %q: edge %q -> %q: when: %v", p.ID, e.From, e.To, err)
		}
		refs, err := expr.References(e.When)
		if err != nil {
			return invalidf("pipeline %q: edge %q -> %q: when: %v", p.ID, e.From, e.To, err)
		}
		for _, ref := range refs {
			if err := checkReference(ref, steps); err != nil {
				return invalidf("pipeline %q: edge %q -> %q: when: %v", p.ID, e.From, e.To, err)
			}
		}
	}
	return nil
}

func (p *PipelineDoc) validateCycles(steps map[string]struct{}) error {
	cycleIDs := make(map[string]struct{}, len(p.Cycles))
	member := make(map[string]string)
	for _, c := range p.Cycles {
		if strings.TrimSpace(c.ID) == "" {
			return invalidf("pipeline %q: cycle id is required", p.ID)
		}
		if _, dup := cycleIDs[c.ID]; dup {
			return invalidf("pipeline %q: duplicate cycle %q", p.ID, c.ID)
		}
		cycleIDs[c.ID] = struct{}{}
		if c.MaxIterations < 1 {
			return invalidf("pipeline %q: cycle %q: max_iterations must be at least 1", p.ID, c.ID)
		}
		if len(c.Members) == 0 {
			return invalidf("pipeline %q: cycle %q: members are required", p.ID, c.ID)
		}
		for _, m := range c.Members {
			if _, ok := steps[m]; !ok {
				return invalidf("pipeline %q: cycle %q: unknown member %q", p.ID, c.ID, m)
			}
			if prev, dup := member[m]; dup {
				return invalidf("pipeline %q: step %q belongs to cycles %q and %q, one cycle per step", p.ID, m, prev, c.ID)
			}
			member[m] = c.ID
		}
	}
	if len(p.Cycles) > 0 && domain.GraphKind(p.Kind) != domain.GraphCyclic {
		return invalidf("pipeline %q: cycles require kind cyclic, got %q", p.ID, p.Kind)
	}
	return nil
}

// validateShape enforces the structural rules each graph kind imposes: dag
// and conditional graphs must be acyclic, and every back edge of a cyclic
// graph must stay inside one declared cycle group.
func (p *PipelineDoc) validateShape() error {
	kind := domain.GraphKind(p.Kind)

	if kind == domain.GraphDAG {
		for _, e := range p.Edges {
			if e.When != "" {
				return invalidf("pipeline %q: edge %q -> %q: conditional edges require kind conditional or cyclic", p.ID, e.From, e.To)
			}
		}
	}

	back := p.backEdges()
	if kind != domain.GraphCyclic {
		if len(back) > 0 {
			e := back[0]
			return invalidf("pipeline %q: cycle through edge %q -> %q, use kind cyclic with a declared cycle group", p.ID, e.From, e.To)
		}
		return nil
	}

	member := make(map[string]string)
	for _, c := range p.Cycles {
		for _, m := range c.Members {
			member[m] = c.ID
		}
	}
	for _, e := range back {
		fromCycle, fromOK := member[e.From]
		toCycle, toOK := member[e.To]
		if !fromOK || !toOK || fromCycle != toCycle {
			return invalidf("pipeline %q: back edge %q -> %q is not covered by a declared cycle group", p.ID, e.From, e.To)
		}
	}
	return nil
}

// backEdges runs a depth-first walk in declaration order and returns the
// edges that close a cycle. Roots are steps with no incoming edges; any steps
// reachable only through a cycle are visited afterwards so disconnected loops
// are still found.
func (p *PipelineDoc) backEdges() []EdgeDoc {
	adj := make(map[string][]EdgeDoc, len(p.Steps))
	incoming := make(map[string]int, len(p.Steps))
	for _, e := range p.Edges {
		adj[e.From] = append(adj[e.From], e)
		incoming[e.To]++
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(p.Steps))
	var back []EdgeDoc

	var walk func(id string)
	walk = func(id string) {
		color[id] = gray
		for _, e := range adj[id] {
			switch color[e.To] {
			case white:
				walk(e.To)
			case gray:
				back = append(back, e)
			}
		}
		color[id] = black
	}

	for _, s := range p.Steps {
		if incoming[s.ID] == 0 && color[s.ID] == white {
			walk(s.ID)
		}
	}
	for _, s := range p.Steps {
		if color[s.ID] == white {
			walk(s.ID)
		}
	}
	return back
}

// checkReference verifies that the first segment of a dotted reference names
// either the run inputs or a declared step.
func checkReference(ref string, steps map[string]struct{}) error {
	head := ref
	if i := strings.IndexByte(ref, '.'); i >= 0 {
		head = ref[:i]
	}
	if head == inputsNamespace {
		return nil
	}
	if _, ok := steps[head]; ok {
		return nil
	}
	return fmt.Errorf("reference %q does not resolve to %s or a step", ref, inputsNamespace)
}

func (b *BudgetDoc) validate() error {
	if b == nil {
		return nil
	}
	if b.MaxCostUSD < 0 {
		return fmt.Errorf("max_cost_usd cannot be negative")
	}
	if b.MaxTokens < 0 {
		return fmt.Errorf("max_tokens cannot be negative")
	}
	if b.MaxRequests < 0 {
		return fmt.Errorf("max_requests cannot be negative")
	}
	return nil
}

func (r *RetryDoc) validate() error {
	if r == nil {
		return nil
	}
	if r.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if _, err := parseDuration(r.BaseDelay); err != nil {
		return fmt.Errorf("base_delay: %w", err)
	}
	if _, err := parseDuration(r.MaxDelay); err != nil {
		return fmt.Errorf("max_delay: %w", err)
	}
	switch r.Backoff {
	case "", string(domain.BackoffFixed), string(domain.BackoffExponential):
	default:
		return fmt.Errorf("unknown backoff %q, supported: fixed, exponential", r.Backoff)
	}
	if r.Multiplier < 0 {
		return fmt.Errorf("multiplier cannot be negative")
	}
	for _, raw := range r.RetryOn {
		if !domain.ErrorKind(raw).Valid() {
			return fmt.Errorf("unknown retry_on kind %q", raw)
		}
	}
	return nil
}

func (s *SessionPolicyDoc) validate() error {
	if s.MaxTokens < 0 {
		return fmt.Errorf("max_tokens cannot be negative")
	}
	if s.KeepRecent < 0 {
		return fmt.Errorf("keep_recent cannot be negative")
	}
	switch s.Strategy {
	case "", string(domain.ReduceTruncateOldest), string(domain.ReduceSummarize), string(domain.ReduceCompress):
	default:
		return fmt.Errorf("unknown strategy %q, supported: truncate-oldest, summarize, compress", s.Strategy)
	}
	return nil
}
