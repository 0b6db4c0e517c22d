// Package writer implements batch writers that persist stream data.
//
// Writers consume decoded payloads pushed by stream subscriptions, batch
// them, and flush to PostgreSQL on size or interval triggers.
package writer
