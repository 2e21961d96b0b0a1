// Package flows holds the orchestration logic for each credential lifecycle
// operation, expressed as pure functions over injected dependencies. Flows
// never import the root package; sentinel errors and store operations arrive
// through the Deps structs so the logic stays unit-testable without Redis or
// a credential store.
package flows
