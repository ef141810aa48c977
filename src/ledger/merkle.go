package ledger

// MerkleRoot computes the root hash of a non-empty transaction sequence.
// Leaves are the hex SHA256 of each transaction's canonical JSON form.
// Consecutive pairs are folded by hashing the ASCII concatenation of the two
// hex strings; a trailing singleton is carried through unchanged.
func MerkleRoot(transactions []Transaction) (string, error) {
	if len(transactions) == 0 {
		return "", ErrEmptyPool
	}

	hashes := make([]string, len(transactions))
	for i, t := range transactions {
		h, err := t.Hash()
		if err != nil {
			return "", err
		}
		hashes[i] = h
	}

	for len(hashes) > 1 {
		next := make([]string, 0, (len(hashes)+1)/2)
		for i := 0; i+1 < len(hashes); i += 2 {
			next = append(next, SHA256Hex([]byte(hashes[i]+hashes[i+1])))
		}
		if len(hashes)%2 == 1 {
			next = append(next, hashes[len(hashes)-1])
		}
		hashes = next
	}

	return hashes[0], nil
}
