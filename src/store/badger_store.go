package store

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dgraph-io/badger"
	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"

	"github.com/mill6-plat6aux/metamere/src/ledger"
)

const mainKeyspace = "main"

// BadgerStore persists blocks in a badger database per keyspace: the primary
// keyspace maps the 8-byte big-endian block index to the canonical block
// encoding, and each configured index key gets its own keyspace mapping
// stringified attribute values to sorted lists of block indexes.
//
// Writes to the primary keyspace and all applicable secondary indexes for a
// single block are serialized under one mutex.
type BadgerStore struct {
	mu sync.Mutex

	main      *badger.DB
	indexes   map[string]*badger.DB
	indexKeys []string
	path      string

	logger *logrus.Entry
}

// NewBadgerStore opens (or creates) the databases under path. The set of
// index keys is fixed for the lifetime of the store.
func NewBadgerStore(path string, indexKeys []string, logger *logrus.Entry) (*BadgerStore, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, err
	}

	main, err := openKeyspace(filepath.Join(path, mainKeyspace), logger)
	if err != nil {
		return nil, err
	}

	indexes := make(map[string]*badger.DB, len(indexKeys))
	for _, key := range indexKeys {
		db, err := openKeyspace(filepath.Join(path, key), logger)
		if err != nil {
			main.Close()
			for _, open := range indexes {
				open.Close()
			}
			return nil, err
		}
		indexes[key] = db
	}

	return &BadgerStore{
		main:      main,
		indexes:   indexes,
		indexKeys: indexKeys,
		path:      path,
		logger:    logger,
	}, nil
}

func openKeyspace(dir string, logger *logrus.Entry) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(false).
		WithTruncate(true)

	if logger != nil {
		opts = opts.WithLogger(logger.WithField("ns", "badger"))
	}

	return badger.Open(opts)
}

// StorePath returns the base directory of the store.
func (s *BadgerStore) StorePath() string {
	return s.path
}

// IndexKeys returns the configured secondary index keys.
func (s *BadgerStore) IndexKeys() []string {
	return s.indexKeys
}

// PutBlock writes the block and updates every applicable secondary index.
func (s *BadgerStore) PutBlock(block *ledger.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	val, err := block.Marshal()
	if err != nil {
		return err
	}

	err = s.main.Update(func(txn *badger.Txn) error {
		return txn.Set(blockKey(block.Index), val)
	})
	if err != nil {
		return err
	}

	for _, key := range s.indexKeys {
		values := map[string]bool{}
		for _, t := range block.Transactions {
			if v, ok := t[key]; ok {
				values[valueString(v)] = true
			}
		}
		for v := range values {
			if err := s.appendIndexEntry(s.indexes[key], v, block.Index); err != nil {
				return err
			}
		}
	}

	return nil
}

// appendIndexEntry inserts the block index into the sorted list stored under
// the index value, keeping it free of duplicates.
func (s *BadgerStore) appendIndexEntry(db *badger.DB, value string, index uint64) error {
	return db.Update(func(txn *badger.Txn) error {
		indexes := []uint64{}

		item, err := txn.Get([]byte(value))
		if err == nil {
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := unmarshalIndexes(raw, &indexes); err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		for _, existing := range indexes {
			if existing == index {
				return nil
			}
		}
		indexes = append(indexes, index)
		sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

		raw, err := marshalIndexes(indexes)
		if err != nil {
			return err
		}
		return txn.Set([]byte(value), raw)
	})
}

// GetBlock returns the block at the given index, or nil when it does not
// exist.
func (s *BadgerStore) GetBlock(index uint64) (*ledger.Block, error) {
	var raw []byte
	err := s.main.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(index))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})

	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	block := new(ledger.Block)
	if err := block.Unmarshal(raw); err != nil {
		return nil, err
	}
	return block, nil
}

// LastBlock returns the block with the highest index, or nil on an empty
// store.
func (s *BadgerStore) LastBlock() (*ledger.Block, error) {
	var raw []byte
	err := s.main.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
		if !it.Valid() {
			return badger.ErrKeyNotFound
		}
		var err error
		raw, err = it.Item().ValueCopy(nil)
		return err
	})

	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	block := new(ledger.Block)
	if err := block.Unmarshal(raw); err != nil {
		return nil, err
	}
	return block, nil
}

// RestoreBlocks evaluates a query. When every condition key is indexed and
// all conditions are plain equalities, candidates are resolved through the
// secondary indexes; otherwise the primary keyspace is scanned in order.
// The genesis block is never part of the output.
func (s *BadgerStore) RestoreBlocks(q *BlockQuery) ([]*ledger.Block, error) {
	if q.IndexAssisted(s.indexKeys) {
		return s.restoreIndexed(q)
	}
	return s.restoreScan(q)
}

func (s *BadgerStore) restoreScan(q *BlockQuery) ([]*ledger.Block, error) {
	res := []*ledger.Block{}
	skipped := 0

	err := s.main.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = q.Direction == Backward
		it := txn.NewIterator(opts)
		defer it.Close()

		if q.Direction == Backward {
			it.Seek([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
		} else {
			it.Seek(blockKey(1))
		}

		for ; it.Valid(); it.Next() {
			index := binary.BigEndian.Uint64(it.Item().Key())
			if index == 0 {
				continue
			}

			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			block := new(ledger.Block)
			if err := block.Unmarshal(raw); err != nil {
				return err
			}

			filtered, ok := EvalBlock(q, block)
			if !ok {
				continue
			}
			if skipped < q.Offset {
				skipped++
				continue
			}
			res = append(res, filtered)
			if len(res) >= q.Limit {
				return nil
			}
		}
		return nil
	})

	return res, err
}

func (s *BadgerStore) restoreIndexed(q *BlockQuery) ([]*ledger.Block, error) {
	var candidates map[uint64]bool

	for _, c := range q.Conditions {
		stage := map[uint64]bool{}
		for k, v := range c.Values {
			indexes, err := s.lookupIndex(s.indexes[k], valueString(v))
			if err != nil {
				return nil, err
			}
			for _, i := range indexes {
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
		block, err := s.GetBlock(index)
		if err != nil {
			return nil, err
		}
		if block == nil {
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

func (s *BadgerStore) lookupIndex(db *badger.DB, value string) ([]uint64, error) {
	if db == nil {
		return nil, nil
	}

	indexes := []uint64{}
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(value))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return unmarshalIndexes(raw, &indexes)
	})
	return indexes, err
}

// Close closes every keyspace.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.main.Close(); err != nil {
		return err
	}
	for _, db := range s.indexes {
		if err := db.Close(); err != nil {
			return err
		}
	}
	return nil
}

//==============================================================================
//Keys

func blockKey(index uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, index)
	return key
}

func marshalIndexes(indexes []uint64) ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)
	if err := enc.Encode(indexes); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func unmarshalIndexes(raw []byte, indexes *[]uint64) error {
	dec := codec.NewDecoder(bytes.NewReader(raw), new(codec.JsonHandle))
	return dec.Decode(indexes)
}
