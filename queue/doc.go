// Package queue defines the durable delivery contract between job
// submission and the worker pool, plus per-kind/per-owner admission
// control for dequeued work.
//
// # Delivery Semantics
//
// The queue carries job ids only; workers fetch the payload from the
// job store. Delivery is at-least-once: a received job is held under a
// lease, and if the lease expires without an Ack the job is redelivered
// with an incremented attempt counter. Workers extend the lease with
// heartbeats while executing. Exactly-once execution is not a queue
// property; it falls out of the job store's compare-and-swap status
// transition, which rejects a duplicate delivery of a job that already
// left the queued status.
//
// # Admission
//
// [Manager] applies local token-bucket rate limits and concurrency caps
// per job kind and per owner before a delivery is handed to an execution
// slot. A delivery denied admission is simply not acked, so it comes
// back after the lease expires.
package queue
