package redis

// Redis key naming conventions for workroom data.
// All keys are prefixed with "workroom:" to avoid collisions.

const keyPrefix = "workroom:"

// ── Job keys ──

// jobKey returns the Hash key for a job entity: workroom:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// reservationKey returns the idempotency reservation key for an owner
// and key pair: workroom:idem:{owner}:{key}. The key holds the job ID
// currently reserving the pair and is deleted when that job reaches a
// terminal status.
func reservationKey(ownerID, idemKey string) string {
	return keyPrefix + "idem:" + ownerID + ":" + idemKey
}

// ownerJobsKey returns the Sorted Set indexing an owner's jobs by
// creation time: workroom:owner:{id}:jobs
func ownerJobsKey(ownerID string) string { return keyPrefix + "owner:" + ownerID + ":jobs" }

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// ── Queue keys ──

// readyKey is the List of job IDs awaiting delivery.
const readyKey = keyPrefix + "queue:ready"

// leasesKey is the Sorted Set of in-flight job IDs scored by lease
// expiry (unix milliseconds).
const leasesKey = keyPrefix + "queue:leases"

// tokensKey is the Hash mapping in-flight job IDs to their current
// lease token. A delivery may only ack or extend while its token is
// still the one recorded here.
const tokensKey = keyPrefix + "queue:tokens"

// attemptsKey is the Hash counting deliveries per job ID.
const attemptsKey = keyPrefix + "queue:attempts"
