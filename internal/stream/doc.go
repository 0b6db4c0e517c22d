// Package stream maintains the persistent WebSocket connection to the
// trading backend.
//
// The Manager:
//   - Owns one transport at a time and reconnects with exponential backoff
//   - Sends periodic ping probes while connected
//   - Fans inbound frames out to type-keyed and wildcard subscribers
//   - Correlates acknowledged sends with ack frames by request_id
package stream
