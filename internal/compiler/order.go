package compiler

import (
	"sort"

	"github.com/zero-day-ai/stratagem/internal/strategy"
)

// order returns the rules in Kahn topological order over their @references, so
// every rule runs after the rules it observes. Among rules that are ready at the
// same time the one declared first wins. The reference graph must be acyclic.
func (u *unit) order() []*rule {
	inDegree := make(map[string]int, len(u.rules))
	dependents := make(map[string][]*rule, len(u.rules))
	for _, r := range u.rules {
		inDegree[r.name] = len(r.deps)
		for _, dep := range r.deps {
			dependents[dep] = append(dependents[dep], r)
		}
	}

	var ready []*rule
	for _, r := range u.rules {
		if inDegree[r.name] == 0 {
			ready = append(ready, r)
		}
	}

	ordered := make([]*rule, 0, len(u.rules))
	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		ordered = append(ordered, current)

		for _, next := range dependents[current.name] {
			inDegree[next.name]--
			if inDegree[next.name] == 0 {
				ready = insertByIndex(ready, next)
			}
		}
	}
	return ordered
}

func insertByIndex(ready []*rule, r *rule) []*rule {
	i := sort.Search(len(ready), func(i int) bool { return ready[i].index > r.index })
	ready = append(ready, nil)
	copy(ready[i+1:], ready[i:])
	ready[i] = r
	return ready
}

// emit assembles the plan from the resolved rules and seals it.
func (u *unit) emit(compilerVersion string) {
	ordered := u.order()
	if len(ordered) != len(u.rules) {
		u.diags.Errorf(u.loc("rules"), strategy.CodeRuleCycle, "rules could not be ordered")
		return
	}

	position := make(map[string]int, len(ordered))
	for i, r := range ordered {
		position[r.name] = i
	}

	plan := &strategy.ExecutionPlan{
		CompilerVersion: compilerVersion,
		Instructions:    make([]strategy.Instruction, 0, len(ordered)),
		Risk:            u.riskEnvelope(),
		Requires:        append([]string{}, u.requires...),
		Inputs:          append([]string{}, u.inputs...),
	}
	for i, r := range ordered {
		var deps []int
		for _, d := range r.deps {
			deps = append(deps, position[d])
		}
		sort.Ints(deps)

		plan.Instructions = append(plan.Instructions, strategy.Instruction{
			Index:     i,
			Rule:      r.name,
			Condition: r.cond,
			Action: strategy.ResolvedAction{
				Kind:   r.action.Kind,
				Symbol: r.action.Symbol,
				Size:   r.sizeNode,
			},
			DependsOn: deps,
		})
	}

	if err := plan.Seal(); err != nil {
		u.diags.Errorf(u.loc("spec"), strategy.CodeStructural, "failed to seal plan: %v", err)
		return
	}
	u.plan = plan
}
