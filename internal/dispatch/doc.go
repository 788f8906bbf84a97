// Package dispatch implements the Event Dispatcher.
//
// The Dispatcher:
//   - Routes events to handlers by Kind, in registration order
//   - Carries a closed set of strongly typed events (connection lifecycle,
//     parse failures, and one kind per known server discriminant)
//   - Isolates handler errors and panics from each other and from the publisher
//   - Returns a Token per subscription for deterministic teardown
package dispatch
