// Package blockstore persists full blocks in a chunked file store and keeps
// a badger index from block hash to file position, height, header and
// cumulative work.
//
// The chunk files are the source of truth. The index is rebuilt from them
// with Reindex and caught up with Sync whenever another writer appended to
// the same directory. Decoded blocks are kept in an LRU cache.
//
// A Store is the local stand-in for a node: Chain returns the best header
// chain it knows as a chain.View, and FetchBlock serves scan.State.
package blockstore
