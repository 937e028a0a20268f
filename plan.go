package main

import (
	"log"
	"sort"
	"strings"
)

// migrationPlan orders tables so that referenced tables come before the
// tables that reference them.
type migrationPlan struct {
	Order []TableRef
	// DependsOn lists, per table, the other migrated tables its foreign keys reference.
	DependsOn map[TableRef][]TableRef
	// Cyclic holds tables on a foreign key cycle or depending on one. They
	// follow the acyclic tables in Order, by name.
	Cyclic []TableRef
}

// buildPlan topologically sorts the tables over their foreign key edges.
// References to tables outside the migrated set and self references do not
// constrain the order. Ties are broken by schema, then name.
func buildPlan(schema *Schema) *migrationPlan {
	known := make(map[TableRef]bool, len(schema.Tables))
	for _, t := range schema.Tables {
		known[t.Ref] = true
	}

	plan := &migrationPlan{DependsOn: make(map[TableRef][]TableRef, len(schema.Tables))}
	indegree := make(map[TableRef]int, len(schema.Tables))
	dependents := make(map[TableRef][]TableRef)

	for _, t := range schema.Tables {
		indegree[t.Ref] += 0
		seen := make(map[TableRef]bool)
		for _, fk := range t.ForeignKeys {
			ref := fk.RefTableRef()
			if ref == t.Ref || !known[ref] || seen[ref] {
				continue
			}
			seen[ref] = true
			plan.DependsOn[t.Ref] = append(plan.DependsOn[t.Ref], ref)
			dependents[ref] = append(dependents[ref], t.Ref)
			indegree[t.Ref]++
		}
	}

	var ready []TableRef
	for ref, n := range indegree {
		if n == 0 {
			ready = append(ready, ref)
		}
	}
	sortRefs(ready)

	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		plan.Order = append(plan.Order, next)

		var unlocked []TableRef
		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				unlocked = append(unlocked, dep)
			}
		}
		if len(unlocked) > 0 {
			ready = append(ready, unlocked...)
			sortRefs(ready)
		}
	}

	for ref, n := range indegree {
		if n > 0 {
			plan.Cyclic = append(plan.Cyclic, ref)
		}
	}
	sortRefs(plan.Cyclic)
	plan.Order = append(plan.Order, plan.Cyclic...)

	return plan
}

func sortRefs(refs []TableRef) {
	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
}

func (p *migrationPlan) logSummary() {
	log.Printf("  plan: %d tables in dependency order", len(p.Order))
	if len(p.Cyclic) == 0 {
		return
	}
	names := make([]string, len(p.Cyclic))
	for i, ref := range p.Cyclic {
		names[i] = ref.String()
	}
	log.Printf("  WARNING: foreign key cycle among %s; these tables are migrated last and their constraints are added after all data", strings.Join(names, ", "))
}
