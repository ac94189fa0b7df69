// Package datastore holds the execution state store: the durable
// ExecutionRecord lifecycle model and its in-memory and SQL-backed
// implementations. Records are created when an operation starts, mutated
// only through guarded state transitions, and never deleted.
package datastore
