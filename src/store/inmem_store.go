package store

import (
	"sort"
	"sync"

	"github.com/mill6-plat6aux/metamere/src/ledger"
)

// InmemStore is the simple storage variant: the same contract as
// BadgerStore, held entirely in memory. It backs the "Simple" storage
// configuration and the tests.
type InmemStore struct {
	mu sync.RWMutex

	blocks    []*ledger.Block
	byIndex   map[uint64]*ledger.Block
	indexKeys []string
	indexes   map[string]map[string][]uint64
}

// NewInmemStore ...
func NewInmemStore(indexKeys []string) *InmemStore {
	indexes := make(map[string]map[string][]uint64, len(indexKeys))
	for _, key := range indexKeys {
		indexes[key] = map[string][]uint64{}
	}

	return &InmemStore{
		byIndex:   make(map[uint64]*ledger.Block),
		indexKeys: indexKeys,
		indexes:   indexes,
	}
}

// IndexKeys returns the configured secondary index keys.
func (s *InmemStore) IndexKeys() []string {
	return s.indexKeys
}

// PutBlock ...
func (s *InmemStore) PutBlock(block *ledger.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byIndex[block.Index]; !ok {
		s.blocks = append(s.blocks, block)
		sort.Slice(s.blocks, func(i, j int) bool { return s.blocks[i].Index < s.blocks[j].Index })
	}
	s.byIndex[block.Index] = block

	for _, key := range s.indexKeys {
		for _, t := range block.Transactions {
			v, ok := t[key]
			if !ok {
				continue
			}
			value := valueString(v)
			entry := s.indexes[key][value]
			exists := false
			for _, i := range entry {
				if i == block.Index {
					exists = true
					break
				}
			}
			if !exists {
				entry = append(entry, block.Index)
				sort.Slice(entry, func(i, j int) bool { return entry[i] < entry[j] })
				s.indexes[key][value] = entry
			}
		}
	}

	return nil
}

// GetBlock ...
func (s *InmemStore) GetBlock(index uint64) (*ledger.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.byIndex[index], nil
}

// LastBlock ...
func (s *InmemStore) LastBlock() (*ledger.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.blocks) == 0 {
		return nil, nil
	}
	return s.blocks[len(s.blocks)-1], nil
}

// RestoreBlocks ...
func (s *InmemStore) RestoreBlocks(q *BlockQuery) ([]*ledger.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if q.IndexAssisted(s.indexKeys) {
		return s.restoreIndexed(q)
	}

	res := []*ledger.Block{}
	skipped := 0

	scan := func(block *ledger.Block) bool {
		if block.Index == 0 {
			return true
		}
		filtered, ok := EvalBlock(q, block)
		if !ok {
			return true
		}
		if skipped < q.Offset {
			skipped++
			return true
		}
		res = append(res, filtered)
		return len(res) < q.Limit
	}

	if q.Direction == Forward {
		for _, block := range s.blocks {
			if !scan(block) {
				break
			}
		}
	} else {
		for i := len(s.blocks) - 1; i >= 0; i-- {
			if !scan(s.blocks[i]) {
				break
			}
		}
	}

	return res, nil
}

func (s *InmemStore) restoreIndexed(q *BlockQuery) ([]*ledger.Block, error) {
	var candidates map[uint64]bool

	for _, c := range q.Conditions {
		stage := map[uint64]bool{}
		for k, v := range c.Values {
			for _, i := range s.indexes[k][valueString(v)] {
				stage[i] = true
			}
		}
		if candidates == nil {
			candidates = stage
		} else {
			for i := range candidates {
				if !stage[i] {
					delete(candidates, i)
				}
			}
		}
	}

	blocks := []*ledger.Block{}
	for index := range candidates {
		if index == 0 {
			continue
		}
		block, ok := s.byIndex[index]
		if !ok {
			continue
		}
		filtered, ok := EvalBlock(q, block)
		if !ok {
			continue
		}
		blocks = append(blocks, filtered)
	}

	sortBlocks(blocks, q.Direction)

	if q.Offset >= len(blocks) {
		return []*ledger.Block{}, nil
	}
	blocks = blocks[q.Offset:]
	if len(blocks) > q.Limit {
		blocks = blocks[:q.Limit]
	}
	return blocks, nil
}

// Close ...
func (s *InmemStore) Close() error {
	return nil
}
