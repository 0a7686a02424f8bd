// Package workroom provides the core of a horizontally scalable real-time
// collaboration backend: a cross-process session synchronization layer and
// an asynchronous job pipeline.
//
// Workroom is designed as a library, not a service. Import it, configure a
// store and a broadcast bus, and every API process becomes a node that
// keeps its local WebSocket connections consistent with the rest of the
// fleet and executes submitted jobs exactly once from the caller's
// observable perspective.
//
// # Architecture
//
// Each process owns a local connection registry; cross-process visibility
// flows exclusively through the broadcast bus (Redis pub/sub in
// production). The session synchronizer bridges the two: it sequences and
// publishes locally-originated events, and fans out remotely-originated
// events to local sockets with echo suppression.
//
// The job pipeline is built from a job store (idempotent conditional
// insert, compare-and-set state transitions), a durable queue
// (at-least-once with lease-based redelivery), and a worker pool
// (cooperative cancellation at bounded checkpoints). Each subsystem
// defines its own store interface; a single backend (memory, Redis, or
// Postgres via Bun) implements all of them.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package workroom
