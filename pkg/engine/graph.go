package engine

import (
	"sort"

	"github.com/skeinworks/skein/pkg/domain"
)

// graph is the adjacency view the scheduler works from. It is derived once
// per run from the immutable PipelineSpec and never mutated afterwards.
type graph struct {
	spec  *domain.PipelineSpec
	steps map[string]domain.StepSpec

	// order preserves declaration order for stable iteration.
	order []string

	incoming map[string][]domain.EdgeSpec
	outgoing map[string][]domain.EdgeSpec

	// back marks edges that close a declared cycle. They do not gate
	// readiness on the first pass; firing one re-enters the cycle group.
	back map[edgeKey]bool

	// fallbackOnly marks steps reachable only through on_error. They hold
	// until a protected step fails.
	fallbackOnly map[string]bool

	cycleFor map[string]domain.CycleSpec
}

type edgeKey struct {
	from string
	to   string
}

func newGraph(spec *domain.PipelineSpec) *graph {
	g := &graph{
		spec:         spec,
		steps:        make(map[string]domain.StepSpec, len(spec.Steps)),
		order:        make([]string, 0, len(spec.Steps)),
		incoming:     make(map[string][]domain.EdgeSpec),
		outgoing:     make(map[string][]domain.EdgeSpec),
		back:         make(map[edgeKey]bool),
		fallbackOnly: make(map[string]bool),
		cycleFor:     make(map[string]domain.CycleSpec),
	}
	for _, step := range spec.Steps {
		g.steps[step.ID] = step
		g.order = append(g.order, step.ID)
	}
	for _, edge := range spec.Edges {
		g.outgoing[edge.From] = append(g.outgoing[edge.From], edge)
		g.incoming[edge.To] = append(g.incoming[edge.To], edge)
	}
	for _, cycle := range spec.Cycles {
		for _, member := range cycle.Members {
			g.cycleFor[member] = cycle
		}
	}
	g.markBackEdges()
	for _, step := range spec.Steps {
		if step.OnError == "" {
			continue
		}
		if len(g.forwardIncoming(step.OnError)) == 0 {
			g.fallbackOnly[step.OnError] = true
		}
	}
	return g
}

func (g *graph) step(id string) domain.StepSpec {
	return g.steps[id]
}

// forwardIncoming returns the incoming edges that gate readiness: every
// incoming edge except back edges, which only matter when they fire.
func (g *graph) forwardIncoming(id string) []domain.EdgeSpec {
	var edges []domain.EdgeSpec
	for _, edge := range g.incoming[id] {
		if g.back[edgeKey{edge.From, edge.To}] {
			continue
		}
		edges = append(edges, edge)
	}
	return edges
}

func (g *graph) outgoingEdges(id string) []domain.EdgeSpec {
	return g.outgoing[id]
}

func (g *graph) isBack(edge domain.EdgeSpec) bool {
	return g.back[edgeKey{edge.From, edge.To}]
}

// cycleOf returns the declared cycle group containing the step, if any.
func (g *graph) cycleOf(id string) (domain.CycleSpec, bool) {
	cycle, ok := g.cycleFor[id]
	return cycle, ok
}

// sortedIDs returns all step ids in lexical order. Dispatch iterates this so
// ties break the same way on every run.
func (g *graph) sortedIDs() []string {
	ids := make([]string, len(g.order))
	copy(ids, g.order)
	sort.Strings(ids)
	return ids
}

const (
	colorWhite = iota
	colorGray
	colorBlack
)

// markBackEdges classifies edges with a depth-first walk over the forward
// graph. Roots are steps without incoming edges, in declaration order; any
// steps left unvisited afterwards are walked too, so disconnected loops are
// still classified.
func (g *graph) markBackEdges() {
	colors := make(map[string]int, len(g.order))

	var visit func(id string)
	visit = func(id string) {
		colors[id] = colorGray
		for _, edge := range g.outgoing[id] {
			switch colors[edge.To] {
			case colorWhite:
				visit(edge.To)
			case colorGray:
				g.back[edgeKey{edge.From, edge.To}] = true
			}
		}
		colors[id] = colorBlack
	}

	for _, id := range g.order {
		if len(g.incoming[id]) == 0 && colors[id] == colorWhite {
			visit(id)
		}
	}
	for _, id := range g.order {
		if colors[id] == colorWhite {
			visit(id)
		}
	}
}
