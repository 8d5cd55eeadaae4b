// Package api contains the core building blocks used by the procflow
// orchestration engine. It defines the wire model (event envelopes, topics,
// dead-letter entries), the Bus publish/subscribe contract implemented by
// the transport backends, and the process model (specs, runs, human tasks,
// schedules) executed by the orchestrator.
//
// Most users interact with the higher-level procflow package, which
// re-exports selected types and constructors. The api package is intended
// for custom integrations, alternative transports, or contributors
// extending the engine itself.
//
// # Envelopes and Topics
//
// An EventEnvelope is immutable once published. Store-backed transports
// assign each envelope a monotonically increasing Sequence within its topic;
// the partitioned transport orders envelopes only within a partition
// (selected by the envelope Key).
//
// # Consumer Groups
//
// A (topic, group) pair tracks delivery progress independently of other
// groups. Delivery is at-least-once: a crash between handler invocation and
// ack results in redelivery, so handlers must tolerate duplicates. The
// NackReason.Retryable flag is the single switch between redelivery and
// dead-lettering.
//
// # Processes
//
// A ProcessSpec is an ordered list of steps (service calls, human tasks,
// waits, sends, queries, foreach fan-outs). A ProcessRun walks those steps
// under the run status state machine; human tasks park the run in WAITING
// until completed or expired, and a failed step triggers saga compensation
// of the already-completed steps in reverse order.
package api
