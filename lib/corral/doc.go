// Package corral keeps track of the sidecar's connections to peer sidecars.
//
// Every peer address has at most one Connection, which moves through the states
//
//	Pending --Confirm--> Active --no traffic for IdleTimeout--> Idle --IdleTimeout--> removed
//	   |                   |  ^                                  |
//	   |                   |  +--------------Touch---------------+
//	   +--PendingTimeout / Fail--> removed        Active/Idle --Close--> removed
//
// A periodic Sweep applies the time based transitions and reports them as events.
// New connections pass an admission check (hard limit and optional rate limit) and are
// rejected immediately with a Backpressure error when over capacity. Entries are
// serialized individually, so a lookup that races an eviction may simply miss.
package corral
