// Package feed holds the most recent trading signals in arrival order.
//
// A Feed keeps at most Cap() signals, newest first, and evicts the oldest
// when full. Snapshots are deep copies. Observers run once per accepted
// signal, outside the feed lock.
package feed
