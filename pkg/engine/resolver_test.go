package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/strata-daq/strata/pkg/plugin"
)

func noop(ctx context.Context, req *plugin.ComputeRequest) (*plugin.Array, error) {
	return &plugin.Array{Dtype: "empty", Itemsize: 1}, nil
}

func deps(names ...string) []plugin.Dependency {
	out := make([]plugin.Dependency, len(names))
	for i, n := range names {
		out[i] = plugin.Dependency{Name: n}
	}
	return out
}

// registryOf builds a registry from producers without going through a
// Context, for resolver-only tests.
func registryOf(t *testing.T, producers ...plugin.Producer) map[string]plugin.Producer {
	t.Helper()

	reg := make(map[string]plugin.Producer)
	for _, p := range producers {
		if err := plugin.Validate(p); err != nil {
			t.Fatalf("invalid test producer: %v", err)
		}
		reg[p.Provides()] = p
	}
	return reg
}

func TestResolveOrder(t *testing.T) {
	reg := registryOf(t,
		plugin.NewFunc("raw", "1.0.0", nil, noop),
		plugin.NewFunc("parsed", "1.0.0", deps("raw"), noop),
		plugin.NewFunc("peaks", "1.0.0", deps("parsed"), noop),
		plugin.NewFunc("features", "1.0.0", deps("peaks", "parsed"), noop),
	)

	plan, err := newResolver(reg).Resolve("features")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	if plan.Target != "features" {
		t.Errorf("expected target features, got %s", plan.Target)
	}
	if plan.Steps[len(plan.Steps)-1] != "features" {
		t.Errorf("plan must end with the target, got %v", plan.Steps)
	}

	pos := make(map[string]int)
	for i, s := range plan.Steps {
		pos[s] = i
	}
	for _, pair := range [][2]string{{"raw", "parsed"}, {"parsed", "peaks"}, {"peaks", "features"}, {"parsed", "features"}} {
		if pos[pair[0]] >= pos[pair[1]] {
			t.Errorf("%s must precede %s in %v", pair[0], pair[1], plan.Steps)
		}
	}
	if len(plan.Steps) != 4 {
		t.Errorf("shared dependency must appear once, got %v", plan.Steps)
	}
}

func TestResolveCycle(t *testing.T) {
	reg := registryOf(t,
		plugin.NewFunc("a", "1.0.0", deps("b"), noop),
		plugin.NewFunc("b", "1.0.0", deps("c"), noop),
		plugin.NewFunc("c", "1.0.0", deps("a"), noop),
	)

	_, err := newResolver(reg).Resolve("a")
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !IsCircularDependency(err) {
		t.Errorf("expected circular dependency code, got %v", err)
	}
	if !strings.Contains(err.Error(), "a -> b -> c -> a") {
		t.Errorf("cycle error must name the full path, got %q", err.Error())
	}
}

func TestResolveSelfCycle(t *testing.T) {
	// Validate rejects direct self-dependencies, so build the registry
	// by hand to exercise the resolver's own detection.
	reg := map[string]plugin.Producer{
		"a": plugin.NewFunc("a", "1.0.0", deps("a"), noop),
	}

	_, err := newResolver(reg).Resolve("a")
	if err == nil || !IsCircularDependency(err) {
		t.Fatalf("expected circular dependency, got %v", err)
	}
}

func TestResolveMissingDependency(t *testing.T) {
	reg := registryOf(t,
		plugin.NewFunc("top", "1.0.0", deps("ghost"), noop),
	)

	_, err := newResolver(reg).Resolve("top")
	if err == nil {
		t.Fatal("expected missing dependency error")
	}
	if !IsMissingDependency(err) {
		t.Errorf("expected missing dependency code, got %v", err)
	}
	if !strings.Contains(err.Error(), "ghost") || !strings.Contains(err.Error(), "top") {
		t.Errorf("error must name both the missing product and the path, got %q", err.Error())
	}
}

func TestResolveUnknownTarget(t *testing.T) {
	_, err := newResolver(registryOf(t)).Resolve("nothing")
	if !IsMissingDependency(err) {
		t.Fatalf("expected missing dependency for unknown target, got %v", err)
	}
}

func TestResolveDepthCap(t *testing.T) {
	producers := []plugin.Producer{plugin.NewFunc("p0", "1.0.0", nil, noop)}
	for i := 1; i <= maxResolveDepth+5; i++ {
		producers = append(producers,
			plugin.NewFunc(fmt.Sprintf("p%d", i), "1.0.0", deps(fmt.Sprintf("p%d", i-1)), noop))
	}
	reg := registryOf(t, producers...)

	_, err := newResolver(reg).Resolve(fmt.Sprintf("p%d", maxResolveDepth+5))
	if err == nil {
		t.Fatal("expected depth cap error")
	}
}

func TestCheckConstraints(t *testing.T) {
	reg := registryOf(t,
		plugin.NewFunc("raw", "1.2.0", nil, noop),
		plugin.NewFunc("parsed", "1.0.0",
			[]plugin.Dependency{{Name: "raw", Constraint: ">=2.0.0"}}, noop),
		plugin.NewFunc("peaks", "1.0.0",
			[]plugin.Dependency{{Name: "parsed", Constraint: ">=1.0.0"}}, noop),
	)

	violations, err := newResolver(reg).CheckConstraints("peaks")
	if err != nil {
		t.Fatalf("constraint check failed: %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("expected 1 violation, got %d: %+v", len(violations), violations)
	}
	v := violations[0]
	if v.Consumer != "parsed" || v.Dependency != "raw" || v.ActualVersion != "1.2.0" {
		t.Errorf("unexpected violation: %+v", v)
	}
}

func TestSatisfiesConstraint(t *testing.T) {
	cases := []struct {
		version, constraint string
		want                bool
	}{
		{"1.2.0", ">=1.0.0", true},
		{"1.2.0", ">=1.2.0", true},
		{"1.2.0", ">1.2.0", false},
		{"1.2.0", "<2.0.0", true},
		{"2.0.0", "<2.0.0", false},
		{"1.2.0", "=1.2.0", true},
		{"1.2.0", "1.2.0", true},
		{"v1.10.0", ">=1.9.0", true},
		{"1.2", "<=1.2.0", true},
	}
	for _, c := range cases {
		if got := satisfiesConstraint(c.version, c.constraint); got != c.want {
			t.Errorf("satisfiesConstraint(%q, %q) = %t, want %t", c.version, c.constraint, got, c.want)
		}
	}
}

func TestToDOT(t *testing.T) {
	reg := registryOf(t,
		plugin.NewFunc("raw", "1.0.0", nil, noop),
		plugin.NewFunc("parsed", "2.1.0", deps("raw"), noop),
	)

	dot, err := newResolver(reg).ToDOT("parsed")
	if err != nil {
		t.Fatalf("dot rendering failed: %v", err)
	}
	for _, want := range []string{"digraph", `"parsed" -> "raw"`, "v2.1.0"} {
		if !strings.Contains(dot, want) {
			t.Errorf("dot output missing %q:\n%s", want, dot)
		}
	}
}
