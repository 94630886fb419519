// Package agentd contains the domain model for an agent orchestration
// service: chats exchange free-form messages with an LLM, and when the
// model decides an action is needed the service synthesizes a plan of
// calls against registered external tool servers, asks the user to
// confirm it, and executes it in the background.
//
// The root package holds the shared types (plans, runs, chat state, the
// LLM wire protocol, the UI envelope) and the store contracts. The
// moving parts live in subpackages:
//
//   - pipeline:  per-message handler and confirmation protocol
//   - executor:  deterministic DFS plan execution
//   - runner:    background execution with retry, repair, and timeout
//   - invoker:   validated HTTP calls against tool servers
//   - recovery:  startup recovery of orphaned runs
//   - registry:  tool-server registry and OpenAPI discovery
//   - store/...: SQLite and PostgreSQL persistence
//
// A confirmed plan moves through a persisted lifecycle:
//
//	draft → queued → running → done|error
//
// with the draft→queued transition guarded by a compare-and-set so at
// most one confirmation ever wins.
package agentd
