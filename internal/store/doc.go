// Package store provides the SQLite-backed deployment manifest.
//
// The manifest sits next to the storage root, never inside it, so every
// level of the bucket tree keeps exactly 37 children. It records:
//   - Deployments: one row per storage root, pinning its shard depth
//   - Runs: every init, import and compact run with its counters
//   - Run warnings: sources abandoned and buckets that failed during a run
//
// # Depth Pinning
//
// EnsureDeployment inserts the deployment on first use and afterwards only
// compares. A request with a different depth fails with ErrDepthMismatch, so
// one root can never be written at two depths.
//
// # Idempotency
//
// Inserts use ON CONFLICT DO NOTHING: re-recording a deployment, a run or a
// warning is a no-op.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
