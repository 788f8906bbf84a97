// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns one WebSocket connection to the signal server
//   - Reconnects after unclean closes with exponential backoff
//   - Sends liveness probes and answers the server's pings
//   - Decodes every inbound frame and publishes it to the Event Dispatcher
package connection
