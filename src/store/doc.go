// Package store implements the indexed block store.
//
// Blocks live in an ordered keyspace keyed by 8-byte big-endian index, so
// iteration in either direction is a seek plus sequential steps. For each
// configured index key, a secondary keyspace maps stringified attribute
// values to sorted lists of block indexes; queries whose conditions only
// touch indexed attributes with plain equality resolve candidates through
// these indexes instead of scanning.
//
// The restoreBlocks query contract layers a transaction filter on top:
// condition stages applied as successive AND filters, per-stage and/or
// combination of key predicates, substring matching, per-key ranges, block
// timestamp bounds, direction, offset and limit. Blocks are emitted holding
// only the transactions that survived the filter; the genesis block is never
// emitted.
//
// Two implementations share the contract: BadgerStore persists each keyspace
// in its own badger database under the storage path, and InmemStore holds
// everything in memory for the simple storage variant and the tests.
package store
