package ledger

import (
	"reflect"
	"strings"
	"testing"
)

func TestHashBlock(t *testing.T) {
	root := GenesisRootHash
	expected := SHA256Hex([]byte("" + "0" + root))

	if h := HashBlock("", 0, root); h != expected {
		t.Fatalf("got %s want %s", h, expected)
	}
}

func TestGenesisBlockShape(t *testing.T) {
	block := newTestEngine(t, false).GenerateGenesisBlock()

	if block.Index != 0 {
		t.Fatalf("genesis index = %d", block.Index)
	}
	if block.PrevHash != "" {
		t.Fatalf("genesis prevHash = %q", block.PrevHash)
	}
	if len(block.Transactions) != 0 {
		t.Fatalf("genesis transactions = %d", len(block.Transactions))
	}
	if block.Hash != HashBlock("", block.Nonce, GenesisRootHash) {
		t.Fatal("genesis hash does not recompute")
	}
	if err := block.Valid(); err != nil {
		t.Fatal(err)
	}
}

func TestGenesisBlockMined(t *testing.T) {
	block := newTestEngine(t, true).GenerateGenesisBlock()

	if !strings.HasPrefix(block.Hash, PowPrefix) {
		t.Fatalf("mined genesis hash %s lacks prefix", block.Hash)
	}
	if err := block.Valid(); err != nil {
		t.Fatal(err)
	}
}

func TestBlockMarshalRoundTrip(t *testing.T) {
	txs := transactionsForTest(2)
	root, err := MerkleRoot(txs)
	if err != nil {
		t.Fatal(err)
	}

	block := &Block{
		Version:      "1.0",
		Index:        7,
		Timestamp:    1639065600000,
		Nonce:        0,
		PrevHash:     "aa",
		Hash:         HashBlock("aa", 0, root),
		Transactions: txs,
	}

	raw, err := block.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	decoded := new(Block)
	if err := decoded.Unmarshal(raw); err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(block, decoded) {
		t.Fatalf("round trip diverged:\n%#v\n%#v", block, decoded)
	}
}

func TestBlockValidDetectsTampering(t *testing.T) {
	txs := transactionsForTest(1)
	root, _ := MerkleRoot(txs)

	block := &Block{
		Version:      "1.0",
		Index:        1,
		Timestamp:    1639065600000,
		PrevHash:     "aa",
		Hash:         HashBlock("aa", 0, root),
		Transactions: txs,
	}
	if err := block.Valid(); err != nil {
		t.Fatal(err)
	}

	block.Transactions = append(block.Transactions, Transaction{"x": int64(1)})
	if err := block.Valid(); err == nil {
		t.Fatal("tampered block passed validation")
	}
}
