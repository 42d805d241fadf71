// Package storage implements the durable, lock-protected content store:
// binary record files with JSON metadata sidecars, written atomically and
// validated on read. Invalid entries are reported as absent so callers
// recompute instead of consuming corrupt data.
package storage
