// Package shm implements the shared-memory ring used between the sidecar and its
// co-located application.
//
// A ring is a file mapped with MAP_SHARED into both processes. It carries variable sized
// records (4-byte little endian length followed by the payload) from exactly one sender
// to exactly one receiver. The header holds the write cursor (tail, advanced only by the
// sender) and the read cursor (head, advanced only by the receiver) on separate cache lines.
//
// The single producer / single consumer rule is enforced by construction: Create and
// Attach return exactly one *Sender and one *Receiver per mapping, and the handles must
// not be copied. A process keeps the side it owns and releases the other:
//
//	// sidecar: app -> sidecar ring
//	tx, rx, err := shm.Create("/dev/shm/dproxy-in", 1<<20)
//	tx.Release()
//	for {
//		record, err := rx.Pop(ctx)
//		...
//	}
//
// Within one process the goroutines sharing a handle are serialized by the handle's
// cooperative lock. Across processes the rule holds as long as each side is attached by
// a single process, which is the deployment contract of the sidecar.
//
// TryPush and TryPop never block and return ErrFull / ErrEmpty. Push and Pop retry with
// backoff until the ring has room or data, the context ends or the handle is released.
package shm
