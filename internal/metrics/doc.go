// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Stream connection state, reconnects, and frame rates
//   - Acknowledgement correlation (pending, resolved, timed out)
//   - Writer batch flushes and insert counts
package metrics
