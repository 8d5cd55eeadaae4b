// Package procflow provides an embeddable process orchestrator for Go
// backend services: a durable publish/subscribe event bus with
// interchangeable backends, and a saga-style workflow runner with human
// tasks, schedules and compensation.
//
// # Event bus
//
// The Bus interface appends envelopes durably before returning and delivers
// them at least once to competing consumer groups. Four backends implement
// it:
//
//   - SQLite, for single-process deployments and tests
//   - PostgreSQL, with competing pollers across processes
//   - Redis Streams consumer groups
//   - Kafka consumer groups
//
// Store-backed transports support transactional publishing, replay windows
// and a queryable dead-letter store; broker-backed transports map the same
// surface onto their native primitives.
//
// # Orchestrator
//
// The Orchestrator registers immutable process specs and drives their runs
// step by step. Steps call registered service handlers or built-in entity
// operations, create human tasks with two-phase timeout escalation, wait
// for signals, query entities, or fan out over collections. When a step
// fails, completed steps are compensated in reverse order before the run is
// marked failed.
//
// Runs can be started directly, from a cron or interval schedule, or via
// the bus, where any subscribed worker may claim them. State persists in an
// in-memory store, SQLite, PostgreSQL or MongoDB.
//
// # Getting started
//
// For a single process, NewLocalRunner wires everything together in memory.
// For distributed deployments, construct a Store and a Bus explicitly and
// pass both to New, then call StartConsumers on each worker.
package procflow
