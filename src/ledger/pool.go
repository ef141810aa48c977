package ledger

// pool is the per-node ordered sequence of transactions awaiting inclusion
// in the next block. Entries carrying a @temp annotation are held back until
// a matching commit arrives; the rest are eligible for the next block.
type pool struct {
	transactions []Transaction
}

// add pushes a transaction unless the same object is already pooled.
func (p *pool) add(t Transaction) bool {
	for _, existing := range p.transactions {
		if existing.Same(t) {
			return false
		}
	}
	p.transactions = append(p.transactions, t)
	return true
}

// commit finalises the temporary transaction with the given id, removing its
// @temp annotation. Returns false when no matching entry exists.
func (p *pool) commit(id string) bool {
	for _, t := range p.transactions {
		if t.IsTemporary() && t.ID() == id {
			t.ClearTemporary()
			return true
		}
	}
	return false
}

// confirmed returns the transactions eligible for the next block, in
// insertion order.
func (p *pool) confirmed() []Transaction {
	res := []Transaction{}
	for _, t := range p.transactions {
		if !t.IsTemporary() {
			res = append(res, t)
		}
	}
	return res
}

// drainConfirmed removes and returns the confirmed transactions, leaving
// temporary entries pooled.
func (p *pool) drainConfirmed() []Transaction {
	drained := []Transaction{}
	remaining := []Transaction{}
	for _, t := range p.transactions {
		if t.IsTemporary() {
			remaining = append(remaining, t)
		} else {
			drained = append(drained, t)
		}
	}
	p.transactions = remaining
	return drained
}

func (p *pool) len() int {
	return len(p.transactions)
}
