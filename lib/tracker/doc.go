// Package tracker correlates RPC responses with the requests that caused them.
//
// Every outgoing Request gets a fresh sequence number from Tracker.Request and a
// PendingCall that completes exactly once: with the Response (or Notification) carrying
// the same sequence number, with a Timeout error when its deadline passes, or with a
// Cancelled error when the tracker drains during shutdown.
//
// The number of live calls is bounded. Requests beyond the bound fail immediately with
// a Backpressure error, requests after the drain started fail with ShuttingDown. Responses
// without a live call ("orphans") are dropped and only counted.
package tracker
