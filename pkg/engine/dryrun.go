package engine

import (
	"fmt"
	"io"
	"strings"

	"github.com/skeinworks/skein/pkg/domain"
)

// Plan previews how a pipeline dispatches without invoking anything. Waves
// assume every step succeeds and every condition holds; annotations mark
// where conditions, cycles and fallbacks change that picture.
type Plan struct {
	PipelineID string
	Version    int
	Waves      [][]PlannedStep
	Cycles     []PlannedCycle
	Fallbacks  []PlannedFallback
}

// PlannedStep is one step in a dispatch wave.
type PlannedStep struct {
	ID         string
	Capability string
	Group      string
	CycleID    string
	OnError    string
	AlwaysRun  bool
	BestEffort bool
	Terminal   bool
	Guards     []PlannedGuard
}

// PlannedGuard is a conditional or optional incoming edge.
type PlannedGuard struct {
	From     string
	When     string
	Optional bool
}

// PlannedCycle describes a bounded cycle group and the back edges that
// re-enter it.
type PlannedCycle struct {
	ID            string
	Members       []string
	MaxIterations int
	BackEdges     []string
}

// PlannedFallback is a step held out of the waves until on_error arms it, or
// a step reachable only through one.
type PlannedFallback struct {
	ID         string
	Capability string
	ArmedBy    []string
	After      []string
}

// Explain computes the dispatch plan for a pipeline. It never invokes a
// capability and has no side effects.
func Explain(spec *domain.PipelineSpec) (*Plan, error) {
	if spec == nil || len(spec.Steps) == 0 {
		return nil, fmt.Errorf("%w: pipeline declares no steps", domain.ErrConfigInvalid)
	}
	g := newGraph(spec)

	// Steps reachable only through a fallback never dispatch in the normal
	// waves; hold them and everything that depends solely on them.
	held := make(map[string]bool, len(g.fallbackOnly))
	for id := range g.fallbackOnly {
		held[id] = true
	}
	for changed := true; changed; {
		changed = false
		for _, id := range g.order {
			if held[id] {
				continue
			}
			edges := g.forwardIncoming(id)
			if len(edges) == 0 {
				continue
			}
			all := true
			for _, edge := range edges {
				if !held[edge.From] {
					all = false
					break
				}
			}
			if all {
				held[id] = true
				changed = true
			}
		}
	}

	indegree := make(map[string]int, len(g.order))
	remaining := 0
	for _, id := range g.order {
		if held[id] {
			continue
		}
		remaining++
		for _, edge := range g.forwardIncoming(id) {
			if held[edge.From] {
				continue
			}
			indegree[id]++
		}
	}

	plan := &Plan{PipelineID: spec.ID, Version: spec.Version}
	placed := make(map[string]bool, remaining)
	for remaining > 0 {
		var wave []PlannedStep
		for _, id := range g.sortedIDs() {
			if held[id] || placed[id] || indegree[id] != 0 {
				continue
			}
			wave = append(wave, plannedStep(g, id))
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("%w: remaining steps never become dispatchable", domain.ErrConfigInvalid)
		}
		for _, ps := range wave {
			placed[ps.ID] = true
			remaining--
			for _, edge := range g.outgoingEdges(ps.ID) {
				if g.isBack(edge) || held[edge.To] {
					continue
				}
				indegree[edge.To]--
			}
		}
		plan.Waves = append(plan.Waves, wave)
	}

	for _, cycle := range spec.Cycles {
		pc := PlannedCycle{
			ID:            cycle.ID,
			Members:       cycle.Members,
			MaxIterations: cycle.MaxIterations,
		}
		for _, edge := range spec.Edges {
			if !g.isBack(edge) {
				continue
			}
			if member, ok := g.cycleOf(edge.To); ok && member.ID == cycle.ID {
				pc.BackEdges = append(pc.BackEdges, fmt.Sprintf("%s -> %s", edge.From, edge.To))
			}
		}
		plan.Cycles = append(plan.Cycles, pc)
	}

	for _, id := range g.sortedIDs() {
		if !held[id] {
			continue
		}
		fb := PlannedFallback{ID: id, Capability: g.step(id).Capability}
		for _, other := range g.sortedIDs() {
			if g.step(other).OnError == id {
				fb.ArmedBy = append(fb.ArmedBy, other)
			}
		}
		for _, edge := range g.forwardIncoming(id) {
			fb.After = append(fb.After, edge.From)
		}
		plan.Fallbacks = append(plan.Fallbacks, fb)
	}

	return plan, nil
}

func plannedStep(g *graph, id string) PlannedStep {
	step := g.step(id)
	ps := PlannedStep{
		ID:         id,
		Capability: step.Capability,
		Group:      step.Group,
		OnError:    step.OnError,
		AlwaysRun:  step.AlwaysRun,
		BestEffort: step.BestEffort,
		Terminal:   step.Terminal,
	}
	if cycle, ok := g.cycleOf(id); ok {
		ps.CycleID = cycle.ID
	}
	for _, edge := range g.forwardIncoming(id) {
		if edge.When == "" && !edge.Optional {
			continue
		}
		ps.Guards = append(ps.Guards, PlannedGuard{From: edge.From, When: edge.When, Optional: edge.Optional})
	}
	return ps
}

// Render writes the plan in the layout `skein validate --explain` prints.
func (p *Plan) Render(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "pipeline %s v%d: %d wave(s)\n", p.PipelineID, p.Version, len(p.Waves))
	for i, wave := range p.Waves {
		fmt.Fprintf(&b, "wave %d:\n", i+1)
		for _, step := range wave {
			fmt.Fprintf(&b, "  %s [%s]", step.ID, step.Capability)
			var notes []string
			if step.Group != "" {
				notes = append(notes, "group "+step.Group)
			}
			if step.CycleID != "" {
				notes = append(notes, "cycle "+step.CycleID)
			}
			if step.AlwaysRun {
				notes = append(notes, "always_run")
			}
			if step.BestEffort {
				notes = append(notes, "best_effort")
			}
			if step.Terminal {
				notes = append(notes, "terminal")
			}
			if step.OnError != "" {
				notes = append(notes, "on_error -> "+step.OnError)
			}
			if len(notes) > 0 {
				fmt.Fprintf(&b, " (%s)", strings.Join(notes, ", "))
			}
			b.WriteByte('\n')
			for _, guard := range step.Guards {
				switch {
				case guard.When != "" && guard.Optional:
					fmt.Fprintf(&b, "      when %s (from %s, optional)\n", guard.When, guard.From)
				case guard.When != "":
					fmt.Fprintf(&b, "      when %s (from %s)\n", guard.When, guard.From)
				default:
					fmt.Fprintf(&b, "      optional after %s\n", guard.From)
				}
			}
		}
	}
	if len(p.Cycles) > 0 {
		b.WriteString("cycles:\n")
		for _, cycle := range p.Cycles {
			fmt.Fprintf(&b, "  %s: %s (max %d iterations", cycle.ID, strings.Join(cycle.Members, " -> "), cycle.MaxIterations)
			if len(cycle.BackEdges) > 0 {
				fmt.Fprintf(&b, ", re-entered by %s", strings.Join(cycle.BackEdges, ", "))
			}
			b.WriteString(")\n")
		}
	}
	if len(p.Fallbacks) > 0 {
		b.WriteString("fallbacks (held until armed):\n")
		for _, fb := range p.Fallbacks {
			fmt.Fprintf(&b, "  %s [%s]", fb.ID, fb.Capability)
			if len(fb.ArmedBy) > 0 {
				fmt.Fprintf(&b, " armed by %s", strings.Join(fb.ArmedBy, ", "))
			}
			if len(fb.After) > 0 {
				fmt.Fprintf(&b, " after %s", strings.Join(fb.After, ", "))
			}
			b.WriteByte('\n')
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
