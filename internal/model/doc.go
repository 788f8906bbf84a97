// Package model defines the wire and domain types shared by the streaming client.
//
// Conventions:
//   - Every frame is an Envelope: {"type": <discriminant>, "data": <payload>}
//   - signal_feed frames are flat: their fields sit beside "type"
//   - Liveness frames carry an epoch-millisecond "timestamp" instead of data
//   - Signal timestamps are ISO-8601 strings; zone-less values are UTC
//   - Directions are upper-case: BUY, SELL, HOLD, STRONG_BUY, STRONG_SELL
package model
