// Package resolver maps 32-bit node idents to network addresses.
//
// All variants implement IResolver and compose by wrapping:
//
//   - Local: in-memory map guarded by a mutex, the authoritative store.
//   - Cached: time bounded, size bounded cache in front of another resolver.
//   - Chain: two resolvers queried in order, the first one wins.
//
// An unknown ident is reported as absence, never as an error. Callers decide whether a
// miss means dropping the message, falling back to another resolver or failing.
//
// Masked lookups enumerate every node whose ident matches ident&mask. The high bits of
// an ident can therefore encode a group, and VisitMaskedNodes(group, mask, f) addresses
// every member of it.
package resolver
