// Package database provides the PostgreSQL connection pool for recorded
// stream data (signals and trades).
package database
