// Package util holds the small data structures shared by the sidecar components.
//
//   - MapHeap: min-heap with key based access, used by the resolver cache to find the
//     oldest entry when the cache is full.
//   - LockFreeMPSC: unbounded multi-producer single-consumer queue, used as the write
//     queue of peer connections so many pipeline workers can send over one link.
//   - HashIdent: maps node names to 32-bit idents.
package util
