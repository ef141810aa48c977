package ledger

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/ugorji/go/codec"
)

// GenesisRootHash is the fixed root hash constant of block 0, which contains
// no transactions.
const GenesisRootHash = "1183f7f0cb6243e92d5e4ba2fb626b02bca27ffe89c77dcbd7003167405da253"

// PowPrefix is the required hash prefix of every mined block.
const PowPrefix = "0000"

// Block is an immutable hash-chained record containing a batch of
// transactions. Block 0 is the genesis block, with an empty prevHash and the
// fixed GenesisRootHash as its root.
type Block struct {
	Version      string        `json:"version"`
	Index        uint64        `json:"index"`
	Timestamp    int64         `json:"timestamp"`
	Nonce        uint64        `json:"nonce"`
	PrevHash     string        `json:"prevHash"`
	Hash         string        `json:"hash"`
	Transactions []Transaction `json:"transactions"`
}

// HashBlock computes SHA256_hex(prevHash || dec(nonce) || rootHash).
func HashBlock(prevHash string, nonce uint64, rootHash string) string {
	return SHA256Hex([]byte(prevHash + strconv.FormatUint(nonce, 10) + rootHash))
}

// RootHash returns the Merkle root of the block's transactions, or the
// genesis constant for block 0.
func (b *Block) RootHash() (string, error) {
	if b.Index == 0 {
		return GenesisRootHash, nil
	}
	return MerkleRoot(b.Transactions)
}

// Marshal returns the canonical JSON encoding of the block. This is the
// persisted form.
func (b *Block) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(buf, jh)
	if err := enc.Encode(b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a block, normalizing transaction values.
func (b *Block) Unmarshal(data []byte) error {
	var raw struct {
		Version      string                   `json:"version"`
		Index        uint64                   `json:"index"`
		Timestamp    int64                    `json:"timestamp"`
		Nonce        uint64                   `json:"nonce"`
		PrevHash     string                   `json:"prevHash"`
		Hash         string                   `json:"hash"`
		Transactions []map[string]interface{} `json:"transactions"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	b.Version = raw.Version
	b.Index = raw.Index
	b.Timestamp = raw.Timestamp
	b.Nonce = raw.Nonce
	b.PrevHash = raw.PrevHash
	b.Hash = raw.Hash
	b.Transactions = make([]Transaction, len(raw.Transactions))
	for i, t := range raw.Transactions {
		b.Transactions[i] = NormalizeTransaction(t)
	}
	return nil
}

// Valid verifies the block's internal invariants: the root hash recomputes
// from its transactions and the block hash recomputes from prevHash, nonce
// and root hash.
func (b *Block) Valid() error {
	root, err := b.RootHash()
	if err != nil {
		return err
	}
	if b.Index == 0 && len(b.Transactions) != 0 {
		return ErrInvalidBlock
	}
	if HashBlock(b.PrevHash, b.Nonce, root) != b.Hash {
		return ErrInvalidBlock
	}
	return nil
}

// NormalizeBlock coerces a decoded JSON object into a Block. It is used for
// blocks arriving through the message envelope, where index and timestamp
// may surface as json.Number.
func NormalizeBlock(raw map[string]interface{}) (*Block, error) {
	data, err := json.Marshal(Normalize(raw))
	if err != nil {
		return nil, err
	}
	block := new(Block)
	if err := block.Unmarshal(data); err != nil {
		return nil, err
	}
	return block, nil
}

// NormalizeBlocks accepts the payload of a blocks data push, a sequence of
// JSON objects, and returns the decoded blocks.
func NormalizeBlocks(data interface{}) ([]*Block, error) {
	list, ok := data.([]interface{})
	if !ok {
		if m, ok := data.(map[string]interface{}); ok {
			block, err := NormalizeBlock(m)
			if err != nil {
				return nil, err
			}
			return []*Block{block}, nil
		}
		return nil, nil
	}

	blocks := make([]*Block, 0, len(list))
	for _, e := range list {
		m, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		block, err := NormalizeBlock(m)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}
