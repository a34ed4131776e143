// Package id provides a 128-bit, lexicographically sortable identifier.
//
// # Format
//
// The ID is 16 bytes big-endian: [8 bytes ms_timestamp][4 bytes node tag]
// [4 bytes sequence]. Byte-wise comparison preserves chronological order, and
// the hex String form compares identically, so encoded IDs sort correctly as
// plain strings. The node tag is random per Generator, which keeps IDs unique
// when several processes enqueue into the same store.
//
// # Monotonicity
//
// The Generator ensures per-process monotonicity:
//   - If the system clock regresses, it pins to the last seen millisecond and
//     increments the sequence to avoid going backwards.
//   - If the sequence would overflow within a millisecond, it waits for the
//     next millisecond before emitting the next ID.
//
// Usage
//
//	g := id.NewGenerator()
//	s := g.NextString() // 32-char hex, time-ordered
package id
