// Package server exposes the local status API.
//
// Routes:
//
//	GET    /healthz              connection and feed summary (503 while offline)
//	GET    /api/connection       connection info
//	PUT    /api/connection       connect to {"address": "ws://..."}
//	DELETE /api/connection       disconnect, no reconnect
//	GET    /api/signals          feed snapshot, newest first
//	DELETE /api/signals          clear the feed
//	GET    /api/signals/export   feed export as a JSON attachment
//	GET    /metrics              Prometheus exposition
package server
