// Package engine drives ordered execution of discovered operations: the
// sequential, wave-parallel, transactional, best-effort and scheduled
// orchestrator variants, the reverse-order rollback coordinator, the
// distributed advisory lock, and the background dispatch transport.
//
// All variants share the same validation path: the entire discovered set is
// resolved and checked before the first side effect, so configuration
// errors (cycles, dangling references, missing registry mappings, missing
// repeat history) always fail closed.
package engine
