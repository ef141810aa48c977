package ledger

import (
	"strings"
	"testing"

	"github.com/mill6-plat6aux/metamere/src/common"
)

// testStore is a minimal tail-append store for exercising the engine.
type testStore struct {
	blocks []*Block
}

func (s *testStore) PutBlock(block *Block) error {
	s.blocks = append(s.blocks, block)
	return nil
}

func (s *testStore) LastBlock() (*Block, error) {
	if len(s.blocks) == 0 {
		return nil, nil
	}
	return s.blocks[len(s.blocks)-1], nil
}

func newTestEngine(t *testing.T, pow bool) *Engine {
	return NewEngine("1.0", pow, &testStore{}, common.NewTestEntry(t, "ledger"))
}

func bootstrapEngine(t *testing.T, pow bool) (*Engine, *testStore) {
	st := &testStore{}
	engine := NewEngine("1.0", pow, st, common.NewTestEntry(t, "ledger"))
	if err := engine.SetBlocks([]*Block{engine.GenerateGenesisBlock()}); err != nil {
		t.Fatal(err)
	}
	return engine, st
}

func TestPoolDeduplicatesByIdentity(t *testing.T) {
	engine, _ := bootstrapEngine(t, false)

	tx := Transaction{"transactionId": "a"}
	engine.AddTransactions([]Transaction{tx, tx}, false)
	if engine.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", engine.PendingCount())
	}

	// identical content, distinct reference: both coexist
	clone := Transaction{"transactionId": "a"}
	engine.AddTransactions([]Transaction{clone}, false)
	if engine.PendingCount() != 2 {
		t.Fatalf("pending = %d, want 2", engine.PendingCount())
	}
}

func TestCommitBlockRequiresPool(t *testing.T) {
	engine, _ := bootstrapEngine(t, false)

	if _, err := engine.CommitBlock(); err != ErrEmptyPool {
		t.Fatalf("expected ErrEmptyPool, got %v", err)
	}
}

func TestCommitBlockRequiresGenesis(t *testing.T) {
	engine := newTestEngine(t, false)
	engine.AddTransactions(transactionsForTest(1), false)

	if _, err := engine.CommitBlock(); err != ErrNoGenesis {
		t.Fatalf("expected ErrNoGenesis, got %v", err)
	}
}

func TestCommitBlockSealsAndDrains(t *testing.T) {
	engine, st := bootstrapEngine(t, false)

	txs := transactionsForTest(2)
	engine.AddTransactions(txs, false)

	block, err := engine.CommitBlock()
	if err != nil {
		t.Fatal(err)
	}

	if block.Index != 1 {
		t.Fatalf("index = %d, want 1", block.Index)
	}
	if block.PrevHash != st.blocks[0].Hash {
		t.Fatal("prevHash does not chain to genesis")
	}
	if err := block.Valid(); err != nil {
		t.Fatal(err)
	}
	if len(block.Transactions) != 2 {
		t.Fatalf("sealed %d transactions, want 2", len(block.Transactions))
	}
	if engine.PendingCount() != 0 {
		t.Fatal("pool was not drained")
	}
}

func TestTemporaryTransactionFlow(t *testing.T) {
	engine, _ := bootstrapEngine(t, false)

	tx := Transaction{"transactionId": "temp-1", "articleCode": "4900000000001"}
	engine.AddTransactions([]Transaction{tx}, true)

	if !tx.IsTemporary() {
		t.Fatal("transaction was not stamped @temp")
	}
	if engine.PendingCount() != 0 {
		t.Fatal("temporary transaction is eligible for sealing")
	}
	if _, err := engine.CommitBlock(); err != ErrEmptyPool {
		t.Fatalf("expected ErrEmptyPool, got %v", err)
	}

	engine.CommitTransactions([]string{"temp-1"})

	if engine.PendingCount() != 1 {
		t.Fatal("committed transaction is not eligible")
	}

	block, err := engine.CommitBlock()
	if err != nil {
		t.Fatal(err)
	}
	if len(block.Transactions) != 1 {
		t.Fatalf("sealed %d transactions, want 1", len(block.Transactions))
	}
	if block.Transactions[0].IsTemporary() {
		t.Fatal("@temp annotation survived sealing")
	}
	if block.Transactions[0].ID() != "temp-1" {
		t.Fatalf("sealed wrong transaction %s", block.Transactions[0].ID())
	}
}

func TestSetBlocksAllOrNothing(t *testing.T) {
	source, _ := bootstrapEngine(t, false)
	source.AddTransactions(transactionsForTest(1), false)
	b1, err := source.CommitBlock()
	if err != nil {
		t.Fatal(err)
	}
	source.AddTransactions(transactionsForTest(2), false)
	b2, err := source.CommitBlock()
	if err != nil {
		t.Fatal(err)
	}

	genesis := source.store.(*testStore).blocks[0]

	target := newTestEngine(t, false)
	st := target.store.(*testStore)

	// corrupt the middle block: nothing must be written
	corrupt := *b1
	corrupt.Nonce = 99
	if err := target.SetBlocks([]*Block{genesis, &corrupt, b2}); err == nil {
		t.Fatal("corrupt chain was accepted")
	}
	if len(st.blocks) != 0 {
		t.Fatalf("partial write: %d blocks", len(st.blocks))
	}

	if err := target.SetBlocks([]*Block{genesis, b1, b2}); err != nil {
		t.Fatal(err)
	}
	if len(st.blocks) != 3 {
		t.Fatalf("wrote %d blocks, want 3", len(st.blocks))
	}

	// replays of already-sealed indexes are dropped
	if err := target.SetBlocks([]*Block{b1, b2}); err != nil {
		t.Fatal(err)
	}
	if len(st.blocks) != 3 {
		t.Fatalf("replay extended the chain to %d blocks", len(st.blocks))
	}
}

func TestProofOfWorkRound(t *testing.T) {
	engine, _ := bootstrapEngine(t, true)
	engine.AddTransactions(transactionsForTest(1), false)

	candidate, err := engine.GetProofOfWork()
	if err != nil {
		t.Fatal(err)
	}
	if candidate.Index != 1 {
		t.Fatalf("candidate index = %d", candidate.Index)
	}

	// GetProofOfWork must not mutate state
	if engine.PendingCount() != 1 {
		t.Fatal("nonce search drained the pool")
	}

	block, err := engine.CommitProofOfWork(candidate.Index, candidate.RootHash, candidate.Nonce)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(block.Hash, PowPrefix) {
		t.Fatalf("hash %s lacks prefix", block.Hash)
	}
	if engine.PendingCount() != 0 {
		t.Fatal("pool was not drained")
	}

	// sealing the same slot again is an idempotent no-op
	dup, err := engine.CommitProofOfWork(candidate.Index, candidate.RootHash, candidate.Nonce)
	if err != nil || dup != nil {
		t.Fatalf("duplicate commit: block=%v err=%v", dup, err)
	}
}

func TestCommitProofOfWorkRootMismatch(t *testing.T) {
	engine, _ := bootstrapEngine(t, true)
	engine.AddTransactions(transactionsForTest(1), false)

	candidate, err := engine.GetProofOfWork()
	if err != nil {
		t.Fatal(err)
	}

	// the pool changed after the candidate was mined
	engine.AddTransactions(transactionsForTest(2), false)

	if _, err := engine.CommitProofOfWork(candidate.Index, candidate.RootHash, candidate.Nonce); err != ErrRootMismatch {
		t.Fatalf("expected ErrRootMismatch, got %v", err)
	}
}
