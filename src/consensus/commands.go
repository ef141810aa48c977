package consensus

// Wire payloads of the consensus protocol. Every field travels inside the
// data member of the message envelope.

type votePayload struct {
	ID   string `json:"id"`
	Term uint64 `json:"term"`
}

type votedPayload struct {
	Granted bool   `json:"granted"`
	From    string `json:"from"`
	Term    uint64 `json:"term"`
}

// appendEntry is the entry member of an append. Three shapes exist: a
// replicated provisional entry (Sequence/Transaction/Type), a commit batch
// (Sequences), and absent entirely for heartbeats.
type appendEntry struct {
	Sequence    uint64      `json:"sequence,omitempty"`
	Transaction interface{} `json:"transaction,omitempty"`
	Type        string      `json:"type,omitempty"`
	Sequences   []uint64    `json:"sequences,omitempty"`
}

type appendPayload struct {
	ID       string       `json:"id"`
	Term     uint64       `json:"term"`
	Sequence uint64       `json:"sequence,omitempty"`
	Entry    *appendEntry `json:"entry,omitempty"`
}

type appendedPayload struct {
	From  string       `json:"from"`
	Term  uint64       `json:"term"`
	Entry *appendEntry `json:"entry"`
}

// powPayload is both the candidateForPow reply and the pow commit push.
type powPayload struct {
	Index    uint64 `json:"index"`
	RootHash string `json:"rootHash"`
	Nonce    uint64 `json:"nonce"`
}

type startPowPayload struct {
	BeginTime int64 `json:"beginTime"`
}

// Provisional entry types.
const (
	entryNormal    = "normal"
	entryTemporary = "temporary"
	entryCommit    = "commit"
)
