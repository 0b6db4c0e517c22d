// Package model defines the payload types carried on the backend stream.
//
// Conventions:
//   - Timestamps on the wire: fractional seconds since Unix epoch
//   - Timestamps in storage: int64 microseconds since Unix epoch
//   - Trade IDs: backend-assigned strings, locally generated UUIDs otherwise
package model
