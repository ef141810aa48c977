package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"reflect"

	"github.com/ugorji/go/codec"
)

// TransactionIDKey is the only client attribute the node interprets. It is
// the stable primary key used to finalise temporary transactions.
const TransactionIDKey = "transactionId"

// TempKey marks a transaction as temporary. Its value is the wall-clock
// timestamp in milliseconds at which the transaction was accepted.
const TempKey = "@temp"

// Transaction is an opaque client-supplied JSON object. Attribute values are
// scalars (int64, float64, string, bool, nil) or nested maps and slices, as
// produced by Normalize.
type Transaction map[string]interface{}

// ID returns the transactionId attribute, or "" when absent.
func (t Transaction) ID() string {
	if v, ok := t[TransactionIDKey].(string); ok {
		return v
	}
	return ""
}

// IsTemporary reports whether the transaction carries a @temp annotation.
func (t Transaction) IsTemporary() bool {
	_, ok := t[TempKey]
	return ok
}

// MarkTemporary stamps the transaction with the given accept time.
func (t Transaction) MarkTemporary(now int64) {
	t[TempKey] = now
}

// ClearTemporary removes the @temp annotation.
func (t Transaction) ClearTemporary() {
	delete(t, TempKey)
}

// Same reports whether two transactions are the same object. The pool
// deduplicates on identity only; identical-content transactions with
// distinct references coexist.
func (t Transaction) Same(other Transaction) bool {
	if t == nil || other == nil {
		return t == nil && other == nil
	}
	return reflect.ValueOf(t).Pointer() == reflect.ValueOf(other).Pointer()
}

// canonicalHandle returns the codec handle used for every hashed or
// persisted JSON form. Canonical mode sorts map keys so all nodes hash
// identical bytes. Integers are emitted in plain decimal.
func canonicalHandle() *codec.JsonHandle {
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	return jh
}

// Marshal returns the canonical JSON encoding of the transaction.
func (t Transaction) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	enc := codec.NewEncoder(b, canonicalHandle())
	if err := enc.Encode(t); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Unmarshal decodes a transaction and normalizes its values.
func (t *Transaction) Unmarshal(data []byte) error {
	var raw map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*t = Transaction(Normalize(raw).(map[string]interface{}))
	return nil
}

// Hash returns the hex SHA256 of the canonical JSON form. This is the Merkle
// leaf hash.
func (t Transaction) Hash() (string, error) {
	data, err := t.Marshal()
	if err != nil {
		return "", err
	}
	return SHA256Hex(data), nil
}

// SHA256Hex returns the lower-case hex SHA256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Normalize rewrites a decoded JSON value so that numbers are int64 when
// integral and float64 otherwise. The wire decoder parses with json.Number;
// without this step 64-bit block indexes and timestamps would lose precision
// and canonical encodings would diverge between nodes.
func Normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case float64:
		if val == float64(int64(val)) {
			return int64(val)
		}
		return val
	case map[string]interface{}:
		for k, e := range val {
			val[k] = Normalize(e)
		}
		return val
	case []interface{}:
		for i, e := range val {
			val[i] = Normalize(e)
		}
		return val
	default:
		return v
	}
}

// NormalizeTransaction coerces a decoded JSON object into a Transaction.
func NormalizeTransaction(raw map[string]interface{}) Transaction {
	return Transaction(Normalize(raw).(map[string]interface{}))
}

// NormalizeTransactions accepts the payload of addTransaction, which is
// either a single object or a sequence of objects, and returns a flat list.
func NormalizeTransactions(data interface{}) []Transaction {
	switch val := data.(type) {
	case map[string]interface{}:
		return []Transaction{NormalizeTransaction(val)}
	case Transaction:
		return []Transaction{val}
	case []Transaction:
		return val
	case []interface{}:
		res := []Transaction{}
		for _, e := range val {
			if m, ok := e.(map[string]interface{}); ok {
				res = append(res, NormalizeTransaction(m))
			} else if t, ok := e.(Transaction); ok {
				res = append(res, t)
			}
		}
		return res
	default:
		return nil
	}
}
