// Package shard maps keys to bucket addresses in the mailshard tree.
//
// The address space is a fixed-depth tree over a 37-symbol alphabet:
// the digits 0-9, the letters a-z and the catch-all symbol "symbols".
// A bucket is one leaf of that tree and is stored as one file.
//
// # Resolution
//
// Resolve takes the first depth characters of a key, lowercases them and
// maps each to an alphabet symbol. Characters outside [0-9a-z] map to the
// catch-all. Keys shorter than depth are padded from the fallback sequence
// "symbols", indexed by the current prefix length modulo 7, so the empty key
// still resolves to a full-depth address.
//
// # Depth Stability
//
// Depth is fixed for the lifetime of a deployment. Resolving the same key at
// depth 3 and depth 4 yields addresses in different trees; mixing depths
// would split the history of one key across two files.
package shard
