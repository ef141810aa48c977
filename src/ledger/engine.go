package ledger

import (
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Store is the persistence surface the engine seals blocks into. The full
// query contract lives in the store package; the engine only appends at the
// tail and reads the last block.
type Store interface {
	PutBlock(block *Block) error
	LastBlock() (*Block, error)
}

// PowCandidate is the result of a nonce search: the index the block would
// take, the Merkle root it covers and the winning nonce. It carries no state;
// sealing happens in CommitProofOfWork.
type PowCandidate struct {
	Index    uint64 `json:"index"`
	RootHash string `json:"rootHash"`
	Nonce    uint64 `json:"nonce"`
}

// Engine is the blockchain engine: it owns the transaction pool and turns
// consensus decisions into sealed blocks in the store.
//
// The storage mutex serializes every read-modify-write of the block store
// (seal, bulk append, proof-of-work commit) together with pool mutation, so
// blocks are always appended in strictly increasing index order.
type Engine struct {
	version string
	pow     bool

	storageMu sync.Mutex
	pool      pool
	store     Store

	logger *logrus.Entry
}

// NewEngine ...
func NewEngine(version string, pow bool, store Store, logger *logrus.Entry) *Engine {
	return &Engine{
		version: version,
		pow:     pow,
		store:   store,
		logger:  logger,
	}
}

// AddTransactions pushes transactions into the pool, deduplicated by
// identity. In temporary mode each transaction is stamped with a @temp
// accept time and held back from sealing until a matching commit.
func (e *Engine) AddTransactions(transactions []Transaction, temp bool) {
	e.storageMu.Lock()
	defer e.storageMu.Unlock()

	now := time.Now().UnixMilli()
	for _, t := range transactions {
		if temp {
			t.MarkTemporary(now)
		}
		if !e.pool.add(t) {
			e.logger.WithField("transactionId", t.ID()).Debug("Duplicate transaction")
		}
	}
}

// CommitTransactions finalises temporary transactions by id, making them
// eligible for the next block.
func (e *Engine) CommitTransactions(ids []string) {
	e.storageMu.Lock()
	defer e.storageMu.Unlock()

	for _, id := range ids {
		if !e.pool.commit(id) {
			e.logger.WithField("transactionId", id).Debug("No temporary transaction to commit")
		}
	}
}

// PendingCount returns the number of transactions eligible for the next
// block.
func (e *Engine) PendingCount() int {
	e.storageMu.Lock()
	defer e.storageMu.Unlock()

	return len(e.pool.confirmed())
}

// PoolSize returns the total pool size, temporary entries included.
func (e *Engine) PoolSize() int {
	e.storageMu.Lock()
	defer e.storageMu.Unlock()

	return e.pool.len()
}

// CommitBlock seals the confirmed pool into the next block with a zero
// nonce. This is the Raft-mode sealing path.
func (e *Engine) CommitBlock() (*Block, error) {
	e.storageMu.Lock()
	defer e.storageMu.Unlock()

	transactions := e.pool.confirmed()
	if len(transactions) == 0 {
		return nil, ErrEmptyPool
	}

	last, err := e.store.LastBlock()
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrNoGenesis
	}

	rootHash, err := MerkleRoot(transactions)
	if err != nil {
		return nil, err
	}

	block := &Block{
		Version:      e.version,
		Index:        last.Index + 1,
		Timestamp:    time.Now().UnixMilli(),
		Nonce:        0,
		PrevHash:     last.Hash,
		Hash:         HashBlock(last.Hash, 0, rootHash),
		Transactions: transactions,
	}

	if err := e.store.PutBlock(block); err != nil {
		return nil, err
	}

	e.pool.drainConfirmed()

	e.logger.WithFields(logrus.Fields{
		"index":        block.Index,
		"transactions": len(block.Transactions),
	}).Debug("Sealed block")

	return block, nil
}

// GetProofOfWork searches a nonce for the current pool without mutating any
// state. The caller seals the result through CommitProofOfWork.
func (e *Engine) GetProofOfWork() (*PowCandidate, error) {
	e.storageMu.Lock()
	defer e.storageMu.Unlock()

	transactions := e.pool.confirmed()
	if len(transactions) == 0 {
		return nil, ErrEmptyPool
	}

	last, err := e.store.LastBlock()
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrNoGenesis
	}

	rootHash, err := MerkleRoot(transactions)
	if err != nil {
		return nil, err
	}

	return &PowCandidate{
		Index:    last.Index + 1,
		RootHash: rootHash,
		Nonce:    searchNonce(last.Hash, rootHash),
	}, nil
}

// CommitProofOfWork seals a mined candidate. An index at or below the
// current tail means another candidate already sealed this slot; that is a
// silent no-op and returns a nil block. A stale root hash is a recoverable
// error: the caller should mine a new candidate.
func (e *Engine) CommitProofOfWork(index uint64, rootHash string, nonce uint64) (*Block, error) {
	e.storageMu.Lock()
	defer e.storageMu.Unlock()

	last, err := e.store.LastBlock()
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrNoGenesis
	}
	if index <= last.Index {
		return nil, nil
	}

	transactions := e.pool.confirmed()
	if len(transactions) == 0 {
		return nil, ErrEmptyPool
	}

	poolRoot, err := MerkleRoot(transactions)
	if err != nil {
		return nil, err
	}
	if poolRoot != rootHash {
		return nil, ErrRootMismatch
	}

	hash := HashBlock(last.Hash, nonce, rootHash)
	if !strings.HasPrefix(hash, PowPrefix) {
		return nil, ErrBadProof
	}

	block := &Block{
		Version:      e.version,
		Index:        last.Index + 1,
		Timestamp:    time.Now().UnixMilli(),
		Nonce:        nonce,
		PrevHash:     last.Hash,
		Hash:         hash,
		Transactions: transactions,
	}

	if err := e.store.PutBlock(block); err != nil {
		return nil, err
	}

	e.pool.drainConfirmed()

	e.logger.WithFields(logrus.Fields{
		"index": block.Index,
		"nonce": nonce,
	}).Debug("Sealed mined block")

	return block, nil
}

// GenerateGenesisBlock synthesizes block 0 with the fixed root hash constant
// and no transactions. In proof-of-work mode the genesis nonce is mined like
// any other block. The block is not written here; it is distributed as a
// blocks push and applied through SetBlocks on every node.
func (e *Engine) GenerateGenesisBlock() *Block {
	var nonce uint64
	if e.pow {
		nonce = searchNonce("", GenesisRootHash)
	}

	return &Block{
		Version:      e.version,
		Index:        0,
		Timestamp:    time.Now().UnixMilli(),
		Nonce:        nonce,
		PrevHash:     "",
		Hash:         HashBlock("", nonce, GenesisRootHash),
		Transactions: []Transaction{},
	}
}

// SetBlocks validates and appends a sequence of incoming blocks. Blocks at
// or below the current tail are dropped; the remainder must be contiguous
// from the tail and hash-chain correctly. All-or-nothing: on any validation
// failure nothing is written.
func (e *Engine) SetBlocks(blocks []*Block) error {
	e.storageMu.Lock()
	defer e.storageMu.Unlock()

	last, err := e.store.LastBlock()
	if err != nil {
		return err
	}

	pending := []*Block{}
	for _, block := range blocks {
		if last != nil && block.Index <= last.Index {
			continue
		}
		pending = append(pending, block)
	}
	if len(pending) == 0 {
		return nil
	}

	prev := last
	for _, block := range pending {
		if err := e.validateNext(prev, block); err != nil {
			return err
		}
		prev = block
	}

	for _, block := range pending {
		if err := e.store.PutBlock(block); err != nil {
			return err
		}
	}

	e.logger.WithFields(logrus.Fields{
		"count": len(pending),
		"tail":  prev.Index,
	}).Debug("Appended blocks")

	return nil
}

// validateNext checks that block extends prev (nil prev means the chain is
// empty and block must be the genesis block).
func (e *Engine) validateNext(prev, block *Block) error {
	if block.Hash == "" {
		return ErrInvalidBlock
	}

	if prev == nil {
		if block.Index != 0 || block.PrevHash != "" {
			return ErrInvalidBlock
		}
	} else {
		if block.Index != prev.Index+1 {
			return ErrInvalidBlock
		}
		if block.PrevHash != prev.Hash {
			return ErrInvalidBlock
		}
	}

	if err := block.Valid(); err != nil {
		return err
	}

	if e.pow && block.Index > 0 && !strings.HasPrefix(block.Hash, PowPrefix) {
		return ErrBadProof
	}

	return nil
}

// searchNonce increments from zero until the block hash carries the
// proof-of-work prefix.
func searchNonce(prevHash, rootHash string) uint64 {
	var nonce uint64
	for !strings.HasPrefix(HashBlock(prevHash, nonce, rootHash), PowPrefix) {
		nonce++
	}
	return nonce
}
