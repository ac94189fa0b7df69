// Package operations defines the model of deployment-time operations: the
// immutable descriptors produced by discovery, the runnable Operation type
// with its capability options, the registry and discovery repository, and
// the dependency resolver that produces either a total execution order or a
// wave partition.
//
// The resolver validates the entire discovered set (duplicate identities,
// dangling dependency references, cycles) before producing any order, so
// configuration errors always surface before the first side effect.
package operations
