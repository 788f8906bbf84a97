// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Stream connection state, reconnect attempts, and transport errors
//   - Dispatched events and handler failures by kind
//   - Accepted signals by direction and feed length
//   - Status API request counts and latencies
package metrics
