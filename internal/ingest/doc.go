// Package ingest implements the deduplicating bulk import pipeline.
//
// An Importer consumes sources one at a time, line by line:
//
//	source line -> parse -> resolve bucket -> dedup set -> write buffer -> bucket file
//
// # Per-Bucket State
//
// Each bucket touched during a run owns a bucketState: its dedup set, its
// write buffer and the path of its file. The states live in a map owned by
// the Importer; nothing is shared through package-level variables. A dedup
// set is hydrated from the bucket file exactly once per run, before the first
// decision for that bucket, and is updated before any flush, so the dedup
// check always sees every record routed to the bucket earlier in the run.
//
// # Flushing
//
// A bucket's buffer is appended to its file when it reaches the configured
// threshold, at the end of every source and at the end of the run. The end of
// run flush also happens on cancellation, so every record counted as added is
// on disk unless its flush failed.
//
// # Failure Handling
//
// Failures degrade at the smallest possible granularity and are reported as
// values in Result:
//   - malformed lines are skipped and not counted
//   - a source that cannot be opened or read is abandoned, the run continues
//   - an unreadable bucket file hydrates as an empty set
//   - a failed flush drops that batch, other buckets continue
//
// Only a missing storage root is fatal, and it is detected by New before any
// source is touched.
//
// # Concurrency
//
// Import is single-writer. The Importer serializes calls to Import; running
// two Importers against the same root concurrently is not supported.
package ingest
