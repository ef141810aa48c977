package ledger

import (
	"testing"
)

func transactionsForTest(n int) []Transaction {
	res := make([]Transaction, n)
	for i := 0; i < n; i++ {
		res[i] = Transaction{
			"transactionId": "00000000-0000-0000-0000-00000000000" + string(rune('1'+i)),
			"articleCode":   int64(4900000000001 + i),
		}
	}
	return res
}

func TestMerkleRootEmpty(t *testing.T) {
	if _, err := MerkleRoot(nil); err != ErrEmptyPool {
		t.Fatalf("expected ErrEmptyPool, got %v", err)
	}
}

func TestMerkleRootSingle(t *testing.T) {
	txs := transactionsForTest(1)

	leaf, err := txs[0].Hash()
	if err != nil {
		t.Fatal(err)
	}

	root, err := MerkleRoot(txs)
	if err != nil {
		t.Fatal(err)
	}
	if root != leaf {
		t.Fatalf("single leaf root should be the leaf hash; got %s want %s", root, leaf)
	}
}

func TestMerkleRootPair(t *testing.T) {
	txs := transactionsForTest(2)

	h0, _ := txs[0].Hash()
	h1, _ := txs[1].Hash()
	expected := SHA256Hex([]byte(h0 + h1))

	root, err := MerkleRoot(txs)
	if err != nil {
		t.Fatal(err)
	}
	if root != expected {
		t.Fatalf("got %s want %s", root, expected)
	}
}

func TestMerkleRootOdd(t *testing.T) {
	//the trailing singleton is carried through unchanged
	txs := transactionsForTest(3)

	h0, _ := txs[0].Hash()
	h1, _ := txs[1].Hash()
	h2, _ := txs[2].Hash()
	expected := SHA256Hex([]byte(SHA256Hex([]byte(h0+h1)) + h2))

	root, err := MerkleRoot(txs)
	if err != nil {
		t.Fatal(err)
	}
	if root != expected {
		t.Fatalf("got %s want %s", root, expected)
	}
}

func TestMerkleRootFour(t *testing.T) {
	txs := transactionsForTest(4)

	h0, _ := txs[0].Hash()
	h1, _ := txs[1].Hash()
	h2, _ := txs[2].Hash()
	h3, _ := txs[3].Hash()
	expected := SHA256Hex([]byte(SHA256Hex([]byte(h0+h1)) + SHA256Hex([]byte(h2+h3))))

	root, err := MerkleRoot(txs)
	if err != nil {
		t.Fatal(err)
	}
	if root != expected {
		t.Fatalf("got %s want %s", root, expected)
	}
}

func TestMerkleRootDeterministic(t *testing.T) {
	//key order must not matter: canonical encoding sorts keys
	a := Transaction{"b": int64(2), "a": "x"}
	b := Transaction{"a": "x", "b": int64(2)}

	ha, err := a.Hash()
	if err != nil {
		t.Fatal(err)
	}
	hb, err := b.Hash()
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Fatalf("canonical hashes diverge: %s != %s", ha, hb)
	}
}
