package engine

import (
	"fmt"
	"sort"
	"strings"
)

// GraphBuilder builds the execution graph for a set of registered stages.
// It validates dependencies, rejects cycles, computes the resolved order
// with rank-ascending tiebreak, and partitions stages into independent
// groups for optional parallel execution.
type GraphBuilder struct {
	// stages maps stage IDs to their definitions
	stages map[string]*Stage

	// adjacencyList maps stage IDs to their dependents
	adjacencyList map[string][]string

	// reverseAdjacencyList maps stage IDs to their dependencies
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// groups maps group index to stage IDs in that group
	groups [][]string
}

// NewGraphBuilder creates a new graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{
		stages:               make(map[string]*Stage),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
		groups:               make([][]string, 0),
	}
}

// Build constructs the execution graph from stages. It validates
// dependencies, detects cycles, computes the resolved order, and assigns
// independent groups.
func (b *GraphBuilder) Build(stages []*Stage) (*ExecutionGraph, error) {
	if len(stages) == 0 {
		return &ExecutionGraph{
			Nodes:  make(map[string]*GraphNode),
			Order:  make([]string, 0),
			Groups: make([][]string, 0),
			Roots:  make([]string, 0),
			Depth:  0,
		}, nil
	}

	if err := b.initialize(stages); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	order, err := b.computeOrder()
	if err != nil {
		return nil, err
	}

	if err := b.computeGroups(); err != nil {
		return nil, err
	}

	return b.buildExecutionGraph(order), nil
}

// initialize sets up the internal data structures from stage definitions.
func (b *GraphBuilder) initialize(stages []*Stage) error {
	// First pass: index all stages
	for _, stage := range stages {
		if stage.ID == "" {
			return NewRegistrationError("stage has empty id", nil)
		}

		if _, exists := b.stages[stage.ID]; exists {
			return NewRegistrationError(fmt.Sprintf("duplicate stage id: %s", stage.ID), nil).
				WithCode(ErrCodeDuplicateStage).WithStage(stage.ID)
		}

		b.stages[stage.ID] = stage
		b.adjacencyList[stage.ID] = make([]string, 0)
		b.reverseAdjacencyList[stage.ID] = make([]string, 0)
		b.inDegree[stage.ID] = 0
	}

	// Second pass: build adjacency lists and validate dependencies
	for _, id := range b.sortedIDs() {
		stage := b.stages[id]
		for _, dep := range stage.DependsOn {
			// Validate dependency target exists
			if _, exists := b.stages[dep]; !exists {
				return NewRegistrationError(
					fmt.Sprintf("stage %s depends on unknown stage %s", stage.ID, dep),
					nil,
				).WithCode(ErrCodeUnknownDependency).WithStage(stage.ID)
			}

			// Edge from dependency to stage: the dependency must reach
			// verified before the stage can start.
			b.adjacencyList[dep] = append(b.adjacencyList[dep], stage.ID)
			b.reverseAdjacencyList[stage.ID] = append(b.reverseAdjacencyList[stage.ID], dep)
			b.inDegree[stage.ID]++
		}
	}

	return nil
}

// sortedIDs returns all stage IDs ordered by rank ascending, then id.
// Deterministic iteration keeps order resolution and error messages stable.
func (b *GraphBuilder) sortedIDs() []string {
	ids := make([]string, 0, len(b.stages))
	for id := range b.stages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		si, sj := b.stages[ids[i]], b.stages[ids[j]]
		if si.Rank != sj.Rank {
			return si.Rank < sj.Rank
		}
		return si.ID < sj.ID
	})
	return ids
}

// detectCycles uses depth-first search to detect circular dependencies.
// Cycles are rejected here, at registration, never resolved at run time.
func (b *GraphBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make([]string, 0)

	for _, id := range b.sortedIDs() {
		if !visited[id] {
			if cycle, err := b.detectCyclesUtil(id, visited, recStack, path); err != nil {
				return NewRegistrationError(
					fmt.Sprintf("dependency cycle detected: %s", formatCycle(cycle)),
					nil,
				).WithCode(ErrCodeDependencyCycle)
			}
		}
	}

	return nil
}

// detectCyclesUtil performs DFS to detect cycles in the dependency graph.
func (b *GraphBuilder) detectCyclesUtil(
	nodeID string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) ([]string, error) {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range b.adjacencyList[nodeID] {
		if !visited[dependent] {
			if cycle, err := b.detectCyclesUtil(dependent, visited, recStack, path); err != nil {
				return cycle, err
			}
		} else if recStack[dependent] {
			// Found a cycle - construct the cycle path
			cycleStart := -1
			for i, id := range path {
				if id == dependent {
					cycleStart = i
					break
				}
			}
			if cycleStart >= 0 {
				return append(path[cycleStart:], dependent), fmt.Errorf("cycle detected")
			}
		}
	}

	recStack[nodeID] = false
	return nil, nil
}

// computeOrder produces the resolved topological order. At every step the
// ready stage with the lowest numeric rank runs next, preserving the
// documented "run in numeric order" intuition wherever dependencies allow.
func (b *GraphBuilder) computeOrder() ([]string, error) {
	inDegree := make(map[string]int, len(b.inDegree))
	for id, d := range b.inDegree {
		inDegree[id] = d
	}

	ready := make([]string, 0)
	for _, id := range b.sortedIDs() {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	if len(ready) == 0 && len(b.stages) > 0 {
		return nil, NewRegistrationError("no root stages found - every stage has dependencies", nil).
			WithCode(ErrCodeDependencyCycle)
	}

	order := make([]string, 0, len(b.stages))
	for len(ready) > 0 {
		// Pick the ready stage with the lowest rank
		next := 0
		for i := 1; i < len(ready); i++ {
			if b.rankLess(ready[i], ready[next]) {
				next = i
			}
		}
		id := ready[next]
		ready = append(ready[:next], ready[next+1:]...)
		order = append(order, id)

		for _, dependent := range b.adjacencyList[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(b.stages) {
		return nil, NewInternalError("failed to order all stages - possible cycle", nil)
	}

	return order, nil
}

// rankLess orders stage IDs by rank ascending, then id.
func (b *GraphBuilder) rankLess(a, c string) bool {
	sa, sc := b.stages[a], b.stages[c]
	if sa.Rank != sc.Rank {
		return sa.Rank < sc.Rank
	}
	return sa.ID < sc.ID
}

// computeGroups partitions stages into independent groups using Kahn's
// algorithm with level tracking. Stages in one group have no dependency
// path between them and may execute concurrently; groups execute strictly
// in sequence.
func (b *GraphBuilder) computeGroups() error {
	inDegree := make(map[string]int, len(b.inDegree))
	for id, d := range b.inDegree {
		inDegree[id] = d
	}

	currentGroup := make([]string, 0)
	for _, id := range b.sortedIDs() {
		if inDegree[id] == 0 {
			currentGroup = append(currentGroup, id)
		}
	}

	processedCount := 0
	for len(currentGroup) > 0 {
		sort.Slice(currentGroup, func(i, j int) bool {
			return b.rankLess(currentGroup[i], currentGroup[j])
		})
		b.groups = append(b.groups, currentGroup)
		processedCount += len(currentGroup)

		nextGroup := make([]string, 0)
		for _, nodeID := range currentGroup {
			for _, dependent := range b.adjacencyList[nodeID] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					nextGroup = append(nextGroup, dependent)
				}
			}
		}

		currentGroup = nextGroup
	}

	// Should never happen after cycle detection
	if processedCount != len(b.stages) {
		return NewInternalError("failed to group all stages - possible cycle", nil)
	}

	return nil
}

// buildExecutionGraph creates the final ExecutionGraph structure.
func (b *GraphBuilder) buildExecutionGraph(order []string) *ExecutionGraph {
	graph := &ExecutionGraph{
		Nodes:  make(map[string]*GraphNode),
		Order:  order,
		Groups: b.groups,
		Roots:  make([]string, 0),
		Depth:  len(b.groups),
	}

	for level, ids := range b.groups {
		for _, id := range ids {
			stage := b.stages[id]
			graph.Nodes[id] = &GraphNode{
				ID:           id,
				Rank:         stage.Rank,
				Level:        level,
				Dependencies: b.reverseAdjacencyList[id],
				Dependents:   b.adjacencyList[id],
			}

			if level == 0 {
				graph.Roots = append(graph.Roots, id)
			}
		}
	}

	return graph
}

// Groups returns the computed independent groups.
// Each group contains stage IDs that may be executed in parallel.
func (b *GraphBuilder) Groups() [][]string {
	return b.groups
}

// ToDOT generates a DOT format representation of the graph for
// visualization. The output can be rendered with Graphviz tools.
func (b *GraphBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Pipeline {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range b.groups {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_group_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Group %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			stage := b.stages[id]
			label := fmt.Sprintf("%s\\nrank %d", stage.ID, stage.Rank)
			color := "white"
			if stage.Irreversible {
				color = "lightcoral"
			}

			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, label, color))
		}

		sb.WriteString("  }\n\n")
	}

	for _, id := range b.sortedIDs() {
		for _, dep := range b.stages[id].DependsOn {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", dep, id))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

// ValidateGraph performs additional validation on the built graph.
func (b *GraphBuilder) ValidateGraph(graph *ExecutionGraph) error {
	if len(graph.Nodes) != len(b.stages) {
		return NewInternalError("graph node count mismatch", nil)
	}

	if len(graph.Order) != len(b.stages) {
		return NewInternalError("graph order length mismatch", nil)
	}

	for _, rootID := range graph.Roots {
		node := graph.Nodes[rootID]
		if len(node.Dependencies) > 0 {
			return NewInternalError(fmt.Sprintf("root stage %s has dependencies", rootID), nil)
		}
	}

	return nil
}
