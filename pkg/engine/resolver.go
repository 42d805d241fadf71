package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/strata-daq/strata/pkg/plugin"
)

// maxResolveDepth bounds dependency chain length. Chains this deep are a
// registration bug, not a real processing graph.
const maxResolveDepth = 256

// Resolver walks the producer registry and turns a target data product
// into a topologically-ordered execution plan. Plans are memoized per
// target; the owning Context invalidates the memo on any registry or
// configuration change.
type Resolver struct {
	registry map[string]plugin.Producer
	plans    map[string]*ExecutionPlan
}

// newResolver creates a resolver over the given registry. The registry
// map is shared with the owning Context, not copied.
func newResolver(registry map[string]plugin.Producer) *Resolver {
	return &Resolver{
		registry: registry,
		plans:    make(map[string]*ExecutionPlan),
	}
}

// invalidate drops all memoized plans.
func (r *Resolver) invalidate() {
	r.plans = make(map[string]*ExecutionPlan)
}

// Resolve returns the execution plan for target: every producer needed,
// in an order where each step's dependencies precede it, ending with the
// target itself. Resolution is deterministic for a fixed registry.
func (r *Resolver) Resolve(target string) (*ExecutionPlan, error) {
	if plan, ok := r.plans[target]; ok {
		return plan, nil
	}

	visited := make(map[string]bool)
	visiting := make(map[string]bool)
	order := make([]string, 0)

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		if len(path) > maxResolveDepth {
			return NewResolutionError(
				fmt.Sprintf("dependency chain exceeds %d levels resolving %s", maxResolveDepth, target),
				nil,
			).WithCode(ErrCodeValidation).WithProducer(name).WithPath(append([]string(nil), path...))
		}

		if visiting[name] {
			cycle := extractCycle(path, name)
			return NewResolutionError(
				fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
				nil,
			).WithCode(ErrCodeCircularDependency).WithProducer(name).WithPath(cycle)
		}
		if visited[name] {
			return nil
		}

		p, ok := r.registry[name]
		if !ok {
			fullPath := append(append([]string(nil), path...), name)
			return NewResolutionError(
				fmt.Sprintf("no producer registered for %s (required via %s)", name, formatCycle(fullPath)),
				nil,
			).WithCode(ErrCodeMissingDependency).WithProducer(name).WithPath(fullPath)
		}

		visiting[name] = true
		path = append(path, name)
		for _, dep := range p.DependsOn() {
			if err := visit(dep.Name, path); err != nil {
				return err
			}
		}
		visiting[name] = false
		visited[name] = true
		order = append(order, name)
		return nil
	}

	if err := visit(target, nil); err != nil {
		return nil, err
	}

	plan := &ExecutionPlan{Target: target, Steps: order}
	r.plans[target] = plan
	return plan, nil
}

// extractCycle returns the cycle portion of the visiting path, closed by
// repeating the entry node, e.g. [B C A B].
func extractCycle(path []string, entry string) []string {
	for i, name := range path {
		if name == entry {
			cycle := append([]string(nil), path[i:]...)
			return append(cycle, entry)
		}
	}
	return []string{entry, entry}
}

// formatCycle formats a dependency path for error messages.
func formatCycle(path []string) string {
	return strings.Join(path, " -> ")
}

// ConstraintViolation reports a dependency version constraint that the
// registered producer does not satisfy.
type ConstraintViolation struct {
	// Consumer is the producer declaring the constraint.
	Consumer string `json:"consumer"`

	// Dependency is the upstream product name.
	Dependency string `json:"dependency"`

	// Constraint is the declared requirement.
	Constraint string `json:"constraint"`

	// ActualVersion is the registered producer's version.
	ActualVersion string `json:"actual_version"`
}

// CheckConstraints verifies the version constraints declared by every
// producer in target's plan. Resolution itself matches by name only;
// constraints surface here for preview and diagnostics.
func (r *Resolver) CheckConstraints(target string) ([]ConstraintViolation, error) {
	plan, err := r.Resolve(target)
	if err != nil {
		return nil, err
	}

	var violations []ConstraintViolation
	for _, step := range plan.Steps {
		p := r.registry[step]
		for _, dep := range p.DependsOn() {
			if dep.Constraint == "" {
				continue
			}
			upstream, ok := r.registry[dep.Name]
			if !ok {
				continue
			}
			if !satisfiesConstraint(upstream.Version(), dep.Constraint) {
				violations = append(violations, ConstraintViolation{
					Consumer:      step,
					Dependency:    dep.Name,
					Constraint:    dep.Constraint,
					ActualVersion: upstream.Version(),
				})
			}
		}
	}
	return violations, nil
}

// satisfiesConstraint checks a version against a single-operator
// constraint (>=, >, <=, <, =, or a bare version meaning exact match).
func satisfiesConstraint(version, constraint string) bool {
	constraint = strings.TrimSpace(constraint)
	op := "="
	for _, candidate := range []string{">=", "<=", ">", "<", "="} {
		if strings.HasPrefix(constraint, candidate) {
			op = candidate
			constraint = strings.TrimSpace(constraint[len(candidate):])
			break
		}
	}

	cmp := compareVersions(version, constraint)
	switch op {
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	default:
		return cmp == 0
	}
}

// compareVersions compares dotted numeric versions segment by segment.
// Non-numeric segments fall back to string comparison.
func compareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var sa, sb string
		if i < len(as) {
			sa = as[i]
		}
		if i < len(bs) {
			sb = bs[i]
		}
		na, errA := strconv.Atoi(sa)
		nb, errB := strconv.Atoi(sb)
		if errA == nil && errB == nil {
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
			continue
		}
		if sa != sb {
			if sa < sb {
				return -1
			}
			return 1
		}
	}
	return 0
}

// ToDOT renders target's dependency graph in DOT format for Graphviz.
func (r *Resolver) ToDOT(target string) (string, error) {
	plan, err := r.Resolve(target)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("digraph DependencyGraph {\n")
	sb.WriteString("  rankdir=BT;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, step := range plan.Steps {
		p := r.registry[step]
		label := fmt.Sprintf("%s\\nv%s", step, p.Version())
		if step == target {
			sb.WriteString(fmt.Sprintf("  %q [label=%q, style=\"filled,rounded\", fillcolor=lightblue];\n", step, label))
		} else {
			sb.WriteString(fmt.Sprintf("  %q [label=%q];\n", step, label))
		}
	}
	sb.WriteString("\n")

	for _, step := range plan.Steps {
		for _, dep := range r.registry[step].DependsOn() {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", step, dep.Name))
		}
	}

	sb.WriteString("}\n")
	return sb.String(), nil
}
