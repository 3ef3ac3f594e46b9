// Package exit implements the two-phase graceful exit coordinator of the sidecar.
//
// Shutdown happens in two steps. NotifyStart marks the process as exiting: every
// long-running loop observes this through Started or Notified, stops taking new work
// and drains what it already has. Once all registered components reported that they
// are drained, NotifyFinish releases everything that only waits for full completion.
//
// Example:
//
//	coord := exit.New()
//	done := coord.Register("tracker")
//	go func() {
//		<-coord.Started()
//		// drain ...
//		done()
//	}()
//
//	// on SIGTERM:
//	pending, err := coord.Shutdown(ctx)
package exit
