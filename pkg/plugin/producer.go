package plugin

import (
	"context"
	"fmt"
	"strings"
)

// SavePolicy controls whether a producer's output is persisted to disk.
type SavePolicy string

const (
	// SaveAlways persists the output on every cache miss.
	SaveAlways SavePolicy = "always"

	// SaveNever keeps the output in memory only.
	SaveNever SavePolicy = "never"

	// SaveTarget persists the output only when it is the requested target,
	// not when it was computed as an intermediate dependency.
	SaveTarget SavePolicy = "target"
)

// Dependency names an upstream data product, optionally with a version
// constraint on the producer that provides it.
type Dependency struct {
	// Name is the provides name of the upstream producer.
	Name string `json:"name"`

	// Constraint is an optional version requirement (e.g. ">=1.2.0").
	// Resolution matches by name only; constraints are checked by
	// diagnostics and preview tooling.
	Constraint string `json:"constraint,omitempty"`
}

// OptionSpec describes a configurable producer parameter.
type OptionSpec struct {
	// Default is the value used when no override is configured.
	Default interface{} `json:"default"`

	// Type is a descriptive type name (e.g. "int", "float", "string").
	Type string `json:"type,omitempty"`

	// Help is a short human-readable description.
	Help string `json:"help,omitempty"`
}

// ComputeRequest carries everything a producer needs for one invocation.
type ComputeRequest struct {
	// RunID identifies the unit of input data being processed.
	RunID string

	// Inputs maps each declared dependency name to its computed array.
	Inputs map[string]*Array

	// Options holds the effective option values (defaults merged with
	// configured overrides). These values are part of the lineage hash.
	Options map[string]interface{}

	// Args are ad-hoc pass-through arguments from the caller. They are
	// NOT part of the lineage hash; see engine.Hasher for the caveat.
	Args map[string]interface{}
}

// Producer is a named unit of computation registered with the engine.
// Implementations are open-ended; the engine never inspects the meaning
// of the produced data beyond its record framing.
type Producer interface {
	// Provides returns the unique name of the data product.
	Provides() string

	// DependsOn returns the upstream products required, in declaration order.
	DependsOn() []Dependency

	// Version is the semantic version of the producer's algorithm.
	// Bumping it invalidates all downstream cache entries.
	Version() string

	// Options declares the configurable parameters hashed into lineage.
	Options() map[string]OptionSpec

	// SaveWhen returns the persistence policy for the produced data.
	SaveWhen() SavePolicy

	// Compute produces the data product for one run.
	Compute(ctx context.Context, req *ComputeRequest) (*Array, error)
}

// Base is an embeddable helper providing the common static parts of a
// producer. Embedders typically only implement Compute.
type Base struct {
	Name        string
	Deps        []Dependency
	SemVer      string
	Opts        map[string]OptionSpec
	Persistence SavePolicy
}

// Provides implements Producer.
func (b *Base) Provides() string { return b.Name }

// DependsOn implements Producer.
func (b *Base) DependsOn() []Dependency { return b.Deps }

// Version implements Producer.
func (b *Base) Version() string { return b.SemVer }

// Options implements Producer.
func (b *Base) Options() map[string]OptionSpec { return b.Opts }

// SaveWhen implements Producer. An unset policy means SaveAlways.
func (b *Base) SaveWhen() SavePolicy {
	if b.Persistence == "" {
		return SaveAlways
	}
	return b.Persistence
}

// ComputeFunc is the signature of a standalone compute function.
type ComputeFunc func(ctx context.Context, req *ComputeRequest) (*Array, error)

// FuncProducer wraps a plain function as a Producer.
type FuncProducer struct {
	Base
	Fn ComputeFunc
}

// Compute implements Producer.
func (f *FuncProducer) Compute(ctx context.Context, req *ComputeRequest) (*Array, error) {
	return f.Fn(ctx, req)
}

// NewFunc builds a FuncProducer for the given name, version and dependencies.
func NewFunc(provides, version string, deps []Dependency, fn ComputeFunc) *FuncProducer {
	return &FuncProducer{
		Base: Base{
			Name:   provides,
			Deps:   deps,
			SemVer: version,
		},
		Fn: fn,
	}
}

// Validate checks the static contract of a producer before registration.
func Validate(p Producer) error {
	if p == nil {
		return fmt.Errorf("producer is nil")
	}

	name := p.Provides()
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("producer has empty provides name")
	}
	if strings.ContainsAny(name, "/\\ \t\n") {
		return fmt.Errorf("provides name %q contains path or whitespace characters", name)
	}

	if p.Version() == "" {
		return fmt.Errorf("producer %s has empty version", name)
	}

	seen := make(map[string]bool)
	for _, dep := range p.DependsOn() {
		if strings.TrimSpace(dep.Name) == "" {
			return fmt.Errorf("producer %s declares a dependency with an empty name", name)
		}
		if dep.Name == name {
			return fmt.Errorf("producer %s depends on itself", name)
		}
		if seen[dep.Name] {
			return fmt.Errorf("producer %s declares duplicate dependency %s", name, dep.Name)
		}
		seen[dep.Name] = true
	}

	return nil
}
