package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mill6-plat6aux/metamere/src/ledger"
)

// Direction selects the block iteration order of a query.
type Direction string

const (
	// Forward iterates from the oldest block to the newest.
	Forward Direction = "forward"
	// Backward iterates from the newest block to the oldest. This is the
	// default.
	Backward Direction = "backward"
)

// DefaultLimit bounds queries that do not specify a limit.
const DefaultLimit = 100

// Range is a per-attribute [Begin, End] predicate of a between condition.
type Range struct {
	Begin interface{}
	End   interface{}
}

// Condition is one stage of a transaction filter. Either Ranges is set
// (between) or Values is set (equality, or substring matching when
// Ambiguous). Within a stage, Op combines the per-key predicates; the
// default is "or".
type Condition struct {
	Op        string
	Ambiguous bool
	Values    map[string]interface{}
	Ranges    map[string]Range
}

// BlockQuery is the typed form of the getBlocks / restoreBlocks payload.
// Conditions are applied as successive AND filters: each stage narrows the
// transactions that survived the previous one.
type BlockQuery struct {
	Direction      Direction
	Offset         int
	Limit          int
	TimestampStart *int64
	TimestampEnd   *int64
	HeaderOnly     bool
	Conditions     []*Condition
}

// BlockHeader is the abridged block form emitted by header-only queries.
type BlockHeader struct {
	Index            uint64 `json:"index"`
	Timestamp        int64  `json:"timestamp"`
	TransactionCount int    `json:"transactionCount"`
}

// Headers converts blocks to their header-only form.
func Headers(blocks []*ledger.Block) []*BlockHeader {
	res := make([]*BlockHeader, len(blocks))
	for i, b := range blocks {
		res[i] = &BlockHeader{
			Index:            b.Index,
			Timestamp:        b.Timestamp,
			TransactionCount: len(b.Transactions),
		}
	}
	return res
}

// ParseQuery validates the dynamic shape of a query payload. A nil or empty
// payload yields the default query: backward, no filters.
func ParseQuery(raw interface{}) (*BlockQuery, error) {
	q := &BlockQuery{
		Direction: Backward,
		Limit:     DefaultLimit,
	}

	if raw == nil {
		return q, nil
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("query is not an object")
	}

	if v, ok := m["direction"].(string); ok {
		switch Direction(v) {
		case Forward, Backward:
			q.Direction = Direction(v)
		default:
			return nil, fmt.Errorf("unknown direction %q", v)
		}
	}
	if v, ok := toInt64(m["offset"]); ok {
		if v < 0 {
			return nil, fmt.Errorf("negative offset")
		}
		q.Offset = int(v)
	}
	if v, ok := toInt64(m["limit"]); ok {
		if v <= 0 {
			return nil, fmt.Errorf("limit must be positive")
		}
		q.Limit = int(v)
	}
	if v, ok := toInt64(m["timestampStart"]); ok {
		q.TimestampStart = &v
	}
	if v, ok := toInt64(m["timestampEnd"]); ok {
		q.TimestampEnd = &v
	}
	if v, ok := m["headerOnly"].(bool); ok {
		q.HeaderOnly = v
	}

	if raw, ok := m["transactionCondition"]; ok && raw != nil {
		conditions, err := ParseConditions(raw)
		if err != nil {
			return nil, err
		}
		q.Conditions = conditions
	}

	return q, nil
}

// ParseConditions accepts a single condition object or an ordered array of
// them.
func ParseConditions(raw interface{}) ([]*Condition, error) {
	switch val := raw.(type) {
	case map[string]interface{}:
		c, err := parseCondition(val)
		if err != nil {
			return nil, err
		}
		return []*Condition{c}, nil
	case []interface{}:
		res := make([]*Condition, 0, len(val))
		for _, e := range val {
			m, ok := e.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("condition is not an object")
			}
			c, err := parseCondition(m)
			if err != nil {
				return nil, err
			}
			res = append(res, c)
		}
		return res, nil
	default:
		return nil, fmt.Errorf("transactionCondition is not an object or array")
	}
}

func parseCondition(m map[string]interface{}) (*Condition, error) {
	op := "or"
	if v, ok := m["operation"].(string); ok {
		switch v {
		case "and", "or", "between":
			op = v
		default:
			return nil, fmt.Errorf("unknown operation %q", v)
		}
	}

	conditions, ok := m["conditions"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("condition has no conditions map")
	}

	if op == "between" {
		ranges := map[string]Range{}
		for k, v := range conditions {
			bounds, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			begin, hasBegin := bounds["begin"]
			end, hasEnd := bounds["end"]
			if !hasBegin || !hasEnd {
				continue
			}
			if cmp, ok := compareValues(begin, end); ok && cmp > 0 {
				// inverted range, silently dropped
				continue
			}
			ranges[k] = Range{Begin: begin, End: end}
		}
		return &Condition{Op: op, Ranges: ranges}, nil
	}

	ambiguous, _ := m["ambiguous"].(bool)

	return &Condition{
		Op:        op,
		Ambiguous: ambiguous,
		Values:    conditions,
	}, nil
}

// Match reports whether a transaction passes this condition stage.
func (c *Condition) Match(t ledger.Transaction) bool {
	if c.Ranges != nil {
		for k, r := range c.Ranges {
			v, ok := t[k]
			if !ok {
				return false
			}
			if cmp, ok := compareValues(v, r.Begin); !ok || cmp < 0 {
				return false
			}
			if cmp, ok := compareValues(v, r.End); !ok || cmp > 0 {
				return false
			}
		}
		return true
	}

	matched := 0
	for k, want := range c.Values {
		v, ok := t[k]
		if !ok {
			continue
		}
		if c.Ambiguous {
			if strings.Contains(valueString(v), valueString(want)) {
				matched++
			}
		} else if valueEqual(v, want) {
			matched++
		}
	}

	if c.Op == "and" {
		return matched == len(c.Values)
	}
	return matched > 0
}

// FilterTransactions applies the condition stages in order, each narrowing
// the survivors of the previous one.
func FilterTransactions(transactions []ledger.Transaction, conditions []*Condition) []ledger.Transaction {
	survivors := transactions
	for _, c := range conditions {
		next := []ledger.Transaction{}
		for _, t := range survivors {
			if c.Match(t) {
				next = append(next, t)
			}
		}
		survivors = next
	}
	return survivors
}

// EvalBlock applies the query's timestamp bounds and condition filter to a
// block. The returned block is a copy holding only the surviving
// transactions; ok is false when the block is filtered out entirely.
// Genesis exclusion is the iterator's responsibility.
func EvalBlock(q *BlockQuery, block *ledger.Block) (*ledger.Block, bool) {
	if q.TimestampStart != nil && block.Timestamp < *q.TimestampStart {
		return nil, false
	}
	if q.TimestampEnd != nil && block.Timestamp > *q.TimestampEnd {
		return nil, false
	}

	survivors := FilterTransactions(block.Transactions, q.Conditions)
	if len(survivors) == 0 {
		return nil, false
	}

	filtered := *block
	filtered.Transactions = survivors
	return &filtered, true
}

// IndexAssisted reports whether the query can be resolved through the
// secondary indexes: every key of every condition is indexed and every
// condition is a plain equality.
func (q *BlockQuery) IndexAssisted(indexKeys []string) bool {
	if len(q.Conditions) == 0 {
		return false
	}
	indexed := map[string]bool{}
	for _, k := range indexKeys {
		indexed[k] = true
	}
	for _, c := range q.Conditions {
		if c.Ranges != nil || c.Ambiguous {
			return false
		}
		for k := range c.Values {
			if !indexed[k] {
				return false
			}
		}
	}
	return true
}

// sortBlocks orders blocks by index in the query's direction.
func sortBlocks(blocks []*ledger.Block, direction Direction) {
	sort.Slice(blocks, func(i, j int) bool {
		if direction == Forward {
			return blocks[i].Index < blocks[j].Index
		}
		return blocks[i].Index > blocks[j].Index
	})
}

// valueString coerces an attribute value to its string form for substring
// matching and secondary index keys.
func valueString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case int:
		return strconv.Itoa(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

// valueEqual compares scalar attribute values, treating integral and
// floating forms of the same number as equal.
func valueEqual(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		fb, okb := toFloat(b)
		return okb && fa == fb
	}
	return a == b
}

// compareValues orders two values when they are comparable: numerically for
// numbers, lexicographically for strings.
func compareValues(a, b interface{}) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, okb := toFloat(b)
		if !okb {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	sa, ok := a.(string)
	if !ok {
		return 0, false
	}
	sb, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

func toFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	case int:
		return float64(val), true
	case float64:
		return val, true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch val := v.(type) {
	case int64:
		return val, true
	case uint64:
		return int64(val), true
	case int:
		return int64(val), true
	case float64:
		return int64(val), true
	case json.Number:
		i, err := val.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
