// Package session owns the lifecycle of a workflow session: the state
// machine, persistence (in-memory and SQL), the per-session lock and the
// Orchestrator that chains proposal, payment, code generation and deployment.
//
// Every state change goes through Orchestrator.transition, which writes
// the new state with a compare-and-swap on the previous status. Code
// generation is entered only after a verified payment has been read back
// from the store.
package session
