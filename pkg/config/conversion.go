package config

import (
	"fmt"
	"os"

	"github.com/skeinworks/skein/pkg/domain"
)

// LoadFile reads, validates and converts a pipeline document.
func LoadFile(path string) ([]domain.PipelineSpec, error) {
	//nolint:gosec // Pipeline file path is controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file %s: %w", path, err)
	}
	file, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("pipeline file %s: %w", path, err)
	}
	if err := file.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline file %s: %w", path, err)
	}
	return file.ToDomain()
}

// LoadPipeline loads one pipeline from a document. An empty id selects the
// only pipeline in the file and fails when the file declares several.
func LoadPipeline(path, id string) (*domain.PipelineSpec, error) {
	specs, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if id == "" {
		if len(specs) != 1 {
			return nil, fmt.Errorf("pipeline file %s declares %d pipelines, select one by id", path, len(specs))
		}
		return &specs[0], nil
	}
	for i := range specs {
		if specs[i].ID == id {
			return &specs[i], nil
		}
	}
	return nil, fmt.Errorf("pipeline %q in %s: %w", id, path, domain.ErrPipelineNotFound)
}

// ToDomain converts every pipeline in a validated document.
func (f *File) ToDomain() ([]domain.PipelineSpec, error) {
	specs := make([]domain.PipelineSpec, 0, len(f.Pipelines))
	for i := range f.Pipelines {
		spec, err := f.Pipelines[i].ToDomain()
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// ToDomain converts one validated pipeline definition into the engine's
// domain form.
func (p *PipelineDoc) ToDomain() (domain.PipelineSpec, error) {
	spec := domain.PipelineSpec{
		ID:            p.ID,
		Version:       p.Version,
		Kind:          domain.GraphKind(p.Kind),
		Budget:        budgetToDomain(p.Budget),
		SessionBudget: budgetToDomain(p.SessionBudget),
	}
	if spec.Version == 0 {
		spec.Version = 1
	}
	if spec.Kind == "" {
		spec.Kind = domain.GraphDAG
	}

	timeout, err := parseDuration(p.Timeout)
	if err != nil {
		return domain.PipelineSpec{}, fmt.Errorf("pipeline %q: timeout: %w", p.ID, err)
	}
	spec.Timeout = timeout

	if p.Defaults != nil {
		defaults, err := p.Defaults.toDomain()
		if err != nil {
			return domain.PipelineSpec{}, fmt.Errorf("pipeline %q: defaults: %w", p.ID, err)
		}
		spec.Defaults = defaults
	}

	if len(p.Sessions) > 0 {
		spec.Sessions = make(map[string]domain.SessionPolicy, len(p.Sessions))
		for key, doc := range p.Sessions {
			spec.Sessions[key] = doc.toDomain()
		}
	}

	for _, g := range p.Groups {
		spec.Groups = append(spec.Groups, domain.GroupSpec{
			Name:           g.Name,
			MaxConcurrency: g.MaxConcurrency,
		})
	}
	for _, c := range p.Cycles {
		spec.Cycles = append(spec.Cycles, domain.CycleSpec{
			ID:            c.ID,
			Members:       append([]string(nil), c.Members...),
			MaxIterations: c.MaxIterations,
		})
	}

	for i := range p.Steps {
		step, err := p.Steps[i].toDomain()
		if err != nil {
			return domain.PipelineSpec{}, fmt.Errorf("pipeline %q: %w", p.ID, err)
		}
		spec.Steps = append(spec.Steps, step)
	}
	for _, e := range p.Edges {
		spec.Edges = append(spec.Edges, domain.EdgeSpec{
			From:     e.From,
			To:       e.To,
			When:     e.When,
			Optional: e.Optional,
		})
	}
	return spec, nil
}

func (d *DefaultsDoc) toDomain() (domain.Defaults, error) {
	defaults := domain.Defaults{
		MaxConcurrency:      d.MaxConcurrency,
		AbortOnFailure:      d.AbortOnFailure,
		CheckpointEveryStep: d.CheckpointEveryStep,
	}

	stepTimeout, err := parseDuration(d.StepTimeout)
	if err != nil {
		return domain.Defaults{}, fmt.Errorf("step_timeout: %w", err)
	}
	defaults.StepTimeout = stepTimeout

	interval, err := parseDuration(d.CheckpointInterval)
	if err != nil {
		return domain.Defaults{}, fmt.Errorf("checkpoint_interval: %w", err)
	}
	defaults.CheckpointInterval = interval

	if d.Retry != nil {
		retry, err := d.Retry.toDomain()
		if err != nil {
			return domain.Defaults{}, fmt.Errorf("retry: %w", err)
		}
		defaults.Retry = retry
	}
	return defaults, nil
}

func (s *StepDoc) toDomain() (domain.StepSpec, error) {
	step := domain.StepSpec{
		ID:         s.ID,
		Capability: s.Capability,
		Group:      s.Group,
		AlwaysRun:  s.AlwaysRun,
		BestEffort: s.BestEffort,
		OnError:    s.OnError,
		Terminal:   s.Terminal,
	}

	if len(s.Params) > 0 {
		step.Params = make(map[string]any, len(s.Params))
		for k, v := range s.Params {
			step.Params[k] = v
		}
	}

	timeout, err := parseDuration(s.Timeout)
	if err != nil {
		return domain.StepSpec{}, fmt.Errorf("step %q: timeout: %w", s.ID, err)
	}
	step.Timeout = timeout

	if s.Retry != nil {
		retry, err := s.Retry.toDomain()
		if err != nil {
			return domain.StepSpec{}, fmt.Errorf("step %q: retry: %w", s.ID, err)
		}
		step.Retry = &retry
	}

	if s.Session != nil {
		step.Session = &domain.SessionBinding{
			Key:         s.Session.Key,
			InputParam:  s.Session.InputParam,
			OutputKey:   s.Session.OutputKey,
			WindowParam: s.Session.WindowParam,
		}
	}

	if s.Estimate != nil {
		step.Estimate = domain.CostDelta{
			CostUSD:  s.Estimate.CostUSD,
			Tokens:   s.Estimate.Tokens,
			Requests: s.Estimate.Requests,
		}
	}
	return step, nil
}

func (r *RetryDoc) toDomain() (domain.RetrySpec, error) {
	retry := domain.RetrySpec{
		MaxAttempts: r.MaxAttempts,
		Multiplier:  r.Multiplier,
		Jitter:      r.Jitter,
	}

	base, err := parseDuration(r.BaseDelay)
	if err != nil {
		return domain.RetrySpec{}, fmt.Errorf("base_delay: %w", err)
	}
	retry.BaseDelay = base

	maxDelay, err := parseDuration(r.MaxDelay)
	if err != nil {
		return domain.RetrySpec{}, fmt.Errorf("max_delay: %w", err)
	}
	retry.MaxDelay = maxDelay

	retry.Backoff = domain.BackoffKind(r.Backoff)
	if retry.Backoff == "" {
		retry.Backoff = domain.BackoffFixed
	}
	if retry.Backoff == domain.BackoffExponential && retry.Multiplier == 0 {
		retry.Multiplier = 2
	}

	for _, raw := range r.RetryOn {
		retry.RetryOn = append(retry.RetryOn, domain.ErrorKind(raw))
	}
	return retry, nil
}

func (s SessionPolicyDoc) toDomain() domain.SessionPolicy {
	policy := domain.SessionPolicy{
		MaxTokens:  s.MaxTokens,
		Strategy:   domain.ReductionStrategy(s.Strategy),
		KeepRecent: s.KeepRecent,
	}
	if policy.Strategy == "" {
		policy.Strategy = domain.ReduceTruncateOldest
	}
	return policy
}

func budgetToDomain(b *BudgetDoc) domain.Budget {
	if b == nil {
		return domain.Budget{}
	}
	return domain.Budget{
		MaxCostUSD:  b.MaxCostUSD,
		MaxTokens:   b.MaxTokens,
		MaxRequests: b.MaxRequests,
	}
}
