// Package store keeps arbitrary typed metadata attached to individual block
// positions, partitioned into fixed-size chunks.
//
// Layers:
//   - ChunkStore: the sparse (offset, name id) -> Value table of one chunk
//   - Backend: persistence of encoded chunks (one file per chunk, or SQLite)
//   - Store: loads chunks on first access, tracks dirty state, flushes and
//     evicts, and translates string keys through a names.Registry
//
// File layout of a store directory:
//   - names.dat: the name registry, always saved before any chunk
//   - chunks/<x>.<y>.<z>.bsc or chunks.sqlite: encoded chunks (see format.go)
//
// Chunk bodies can be compressed with zstd or LZ4; the codec is recorded per
// chunk, so changing the configured compression only affects new writes.
package store
