package store

import (
	"github.com/mill6-plat6aux/metamere/src/ledger"
)

// Store is the indexed block store: an ordered keyspace of blocks by index,
// with secondary indexes on the configured transaction attributes and the
// restoreBlocks query evaluator on top.
//
// Blocks, once written, are immutable; the store is only ever extended at
// the tail. GetBlock returns (nil, nil) when the index does not exist; I/O
// failures propagate as errors.
type Store interface {
	PutBlock(block *ledger.Block) error
	GetBlock(index uint64) (*ledger.Block, error)
	LastBlock() (*ledger.Block, error)
	RestoreBlocks(q *BlockQuery) ([]*ledger.Block, error)
	Close() error
}
