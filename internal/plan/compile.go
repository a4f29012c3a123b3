package plan

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"agentcore/internal/logging"
	"agentcore/internal/types"
)

// Compile validates a step list into an executable plan: it checks every
// dependency reference, rejects cycles, and partitions the DAG into layered
// parallel groups. Steps in the same group have no dependency path between
// them and may run concurrently.
//
// Step ids are assigned when missing. The input slice is not modified.
func Compile(agentID, goal string, steps []types.PlanStep) (*types.Plan, error) {
	timer := logging.StartTimer(logging.CategoryScheduler, "compile plan")
	defer timer.Stop()

	p := &types.Plan{
		ID:           uuid.NewString(),
		AgentID:      agentID,
		Goal:         goal,
		Status:       types.PlanPending,
		Steps:        make([]types.PlanStep, len(steps)),
		Dependencies: make(map[string][]string, len(steps)),
		Results:      make(map[string]types.StepOutcome),
		TotalSteps:   len(steps),
		CreatedAt:    time.Now().UTC(),
	}
	copy(p.Steps, steps)

	byID := make(map[string]*types.PlanStep, len(p.Steps))
	for i := range p.Steps {
		st := &p.Steps[i]
		if st.ID == "" {
			st.ID = uuid.NewString()
		}
		if st.Order == 0 {
			st.Order = i + 1
		}
		st.PlanID = p.ID
		st.Status = types.StepPending
		byID[st.ID] = st
	}

	for i := range p.Steps {
		st := &p.Steps[i]
		for _, dep := range st.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, &UnknownDependencyError{StepID: st.ID, DependsOn: dep}
			}
		}
		p.Dependencies[st.ID] = append([]string(nil), st.DependsOn...)
	}

	if cycle := findCycle(p.Dependencies); cycle != nil {
		return nil, &CyclicDependencyError{Cycle: cycle}
	}

	p.ParallelGroups = layerGroups(p.Steps, p.Dependencies)

	logging.SchedulerDebug("Compiled plan %s: %d steps in %d parallel groups",
		p.ID, len(p.Steps), len(p.ParallelGroups))
	return p, nil
}

// findCycle runs a colored DFS over the dependency map and returns the first
// cycle found, or nil. The walk visits ids in sorted order so the reported
// cycle is deterministic.
func findCycle(deps map[string][]string) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // done
	)
	color := make(map[string]int, len(deps))
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		path = append(path, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				// Found it: slice the path from the first occurrence of dep.
				for i, onPath := range path {
					if onPath == dep {
						cycle = append(append([]string(nil), path[i:]...), dep)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// layerGroups partitions the acyclic graph into dependency layers: group N
// holds every step whose longest dependency chain has length N. Within a
// group, ids are ordered by the step Order hint.
func layerGroups(steps []types.PlanStep, deps map[string][]string) [][]string {
	depth := make(map[string]int, len(steps))

	var depthOf func(id string) int
	depthOf = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		d := 0
		for _, dep := range deps[id] {
			if dd := depthOf(dep) + 1; dd > d {
				d = dd
			}
		}
		depth[id] = d
		return d
	}

	maxDepth := 0
	for i := range steps {
		if d := depthOf(steps[i].ID); d > maxDepth {
			maxDepth = d
		}
	}

	order := make(map[string]int, len(steps))
	for i := range steps {
		order[steps[i].ID] = steps[i].Order
	}

	groups := make([][]string, maxDepth+1)
	for i := range steps {
		d := depth[steps[i].ID]
		groups[d] = append(groups[d], steps[i].ID)
	}
	for _, g := range groups {
		sort.Slice(g, func(i, j int) bool {
			if order[g[i]] != order[g[j]] {
				return order[g[i]] < order[g[j]]
			}
			return g[i] < g[j]
		})
	}
	return groups
}
