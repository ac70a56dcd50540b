// Package heap implements the shared-heap allocator and the local-pointer
// to global-pointer translation ("globalization") described in spec.md
// §4.14: a single dlmalloc-style arena per rank, a three-bucket footprint
// tracking user/rendezvous/internal allocations separately, and a sorted
// peer table used to resolve addresses between ranks that share memory.
package heap
