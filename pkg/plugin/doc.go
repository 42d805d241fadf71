// Package plugin defines the producer contract consumed by the strata engine.
// A producer is a named unit of computation that yields one data product per
// run and may depend on the products of other producers.
package plugin
