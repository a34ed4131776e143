// Package storage defines the key-value contract the queue runs on and the
// errors adapters are required to speak.
//
// # Contract
//
// An Adapter exposes five primitives: get, set (with optional TTL and
// conditional-write options), delete, prefix listing, and named TTL leases.
// Version tags are opaque strings assigned by the store on every successful
// write; a conditional write supplies the tag it read and fails with
// ErrVersionMismatch when the key moved on. That conditional write is the
// only cross-process synchronization primitive the queue's claim path
// relies on.
//
// # Implementations
//
// Three adapters ship in subpackages:
//
//   - memstore: process-local map, CAS under a mutex. The test baseline and
//     the simplest way to run a single-process queue.
//   - pebblestore: embedded Pebble database with durable records, expiry
//     sweeping and configurable fsync behavior.
//   - redistore: Redis-backed adapter for multi-process fleets; CAS via a
//     Lua compare-and-set script, leases via SET NX PX.
//
// All three are exercised by a shared conformance suite so their observable
// semantics stay aligned.
package storage
