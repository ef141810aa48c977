package consensus

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mill6-plat6aux/metamere/src/ledger"
	"github.com/mill6-plat6aux/metamere/src/net"
	"github.com/mill6-plat6aux/metamere/src/peers"
)

// provisionalEntry is a leader-assigned sequence of a pending transaction
// batch awaiting quorum. Entries are created on the leader when a client
// request is accepted and on followers when the corresponding append
// arrives; they are deleted once the batch is sealed into a block.
type provisionalEntry struct {
	Sequence     uint64
	Transactions []ledger.Transaction
	CommitIDs    []string
	Type         string
	Consensus    uint32
	Owner        string
}

// Raft is the leader-based replication engine. All state mutation is
// serialized under a single mutex; the commit sweeps that drain provisional
// entries into a block additionally hold the block mutex.
type Raft struct {
	state

	selfID string
	peers  *peers.PeerSet
	engine *ledger.Engine
	trans  net.Transport
	notify func(*ledger.Block)
	conf   *Config

	mu      sync.Mutex
	blockMu sync.Mutex

	term                uint64
	votedFor            string
	leaderID            string
	votes               map[string]bool
	provisionalSequence uint64
	lostSequences       map[uint64]bool
	provisional         map[uint64]*provisionalEntry

	transactionBacklog [][]ledger.Transaction
	temporaryBacklog   [][]ledger.Transaction
	committedBacklog   [][]string
	retryScheduled     bool

	timer      *ControlTimer
	shutdownCh chan struct{}
	once       sync.Once

	logger *logrus.Entry
}

// NewRaft ...
func NewRaft(
	selfID string,
	peerSet *peers.PeerSet,
	engine *ledger.Engine,
	trans net.Transport,
	notify func(*ledger.Block),
	conf *Config,
	logger *logrus.Entry,
) *Raft {
	r := &Raft{
		selfID:        selfID,
		peers:         peerSet,
		engine:        engine,
		trans:         trans,
		notify:        notify,
		conf:          conf,
		votes:         make(map[string]bool),
		lostSequences: make(map[uint64]bool),
		provisional:   make(map[uint64]*provisionalEntry),
		shutdownCh:    make(chan struct{}),
		logger:        logger.WithField("this_id", selfID),
	}
	r.setState(Follower)
	r.timer = NewControlTimer(r.nextInterval)
	return r
}

// nextInterval computes the next timer interval: keepalive cadence for a
// leader, a uniformly random election interval otherwise.
func (r *Raft) nextInterval() <-chan time.Time {
	if r.getState() == Leader {
		return time.After(r.conf.KeepaliveInterval)
	}
	spread := r.conf.ElectionMaxInterval - r.conf.ElectionMinInterval
	extra := time.Duration(0)
	if spread > 0 {
		extra = time.Duration(rand.Int63n(int64(spread)))
	}
	return time.After(r.conf.ElectionMinInterval + extra)
}

// StartConsensus implements the Consensus interface.
func (r *Raft) StartConsensus() {
	go r.timer.Run()
	go r.run()
}

func (r *Raft) run() {
	for {
		select {
		case <-r.timer.tickCh:
			r.onTick()
		case <-r.shutdownCh:
			return
		}
	}
}

func (r *Raft) onTick() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.getState() == Leader {
		r.broadcast(net.NewCommand(CmdAppend, &appendPayload{
			ID:       r.selfID,
			Term:     r.term,
			Sequence: r.provisionalSequence,
		}))
		r.watchProvisionalBlocks()
		return
	}

	r.startElection()
}

// startElection transitions to Candidate and solicits votes. Caller holds
// the state mutex.
func (r *Raft) startElection() {
	r.term++
	r.setState(Candidate)
	r.votedFor = r.selfID
	r.votes = map[string]bool{r.selfID: true}
	r.leaderID = ""

	r.logger.WithField("term", r.term).Debug("Starting election")

	r.broadcast(net.NewCommand(CmdVote, &votePayload{
		ID:   r.selfID,
		Term: r.term,
	}))
}

// HandleCommand implements the Consensus interface.
func (r *Raft) HandleCommand(rpc net.RPC) {
	switch rpc.Message.Command {
	case CmdVote:
		r.handleVote(rpc.Message)
	case CmdAppend:
		r.handleAppend(rpc.Message)
	case CmdAddTransaction:
		r.submit(entryNormal, ledger.NormalizeTransactions(rpc.Message.Data), nil)
	case CmdAddTemporaryTransaction:
		r.submit(entryTemporary, ledger.NormalizeTransactions(rpc.Message.Data), nil)
	case CmdCommitTransaction:
		r.submit(entryCommit, nil, normalizeIDs(rpc.Message.Data))
	}
}

// HandleData implements the Consensus interface.
func (r *Raft) HandleData(msg net.Message) {
	switch msg.DataName {
	case DataVoted:
		r.handleVoted(msg)
	case DataAppended:
		r.handleAppended(msg)
	case DataTransaction:
		r.submit(entryNormal, ledger.NormalizeTransactions(msg.Data), nil)
	case DataTemporaryTransaction:
		r.submit(entryTemporary, ledger.NormalizeTransactions(msg.Data), nil)
	case DataCommittedTransaction:
		r.submit(entryCommit, nil, normalizeIDs(msg.Data))
	}
}

func (r *Raft) handleVote(msg net.Message) {
	var payload votePayload
	if err := net.DecodeData(msg.Data, &payload); err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if payload.Term < r.term {
		return
	}
	if payload.Term > r.term {
		r.term = payload.Term
		r.votedFor = ""
	}

	granted := false
	if r.votedFor == "" || r.votedFor == payload.ID {
		r.votedFor = payload.ID
		r.setState(Follower)
		r.timer.Reset()
		granted = true
	}

	r.sendToPeer(payload.ID, net.NewData(DataVoted, &votedPayload{
		Granted: granted,
		From:    r.selfID,
		Term:    r.term,
	}))
}

func (r *Raft) handleVoted(msg net.Message) {
	var payload votedPayload
	if err := net.DecodeData(msg.Data, &payload); err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !payload.Granted || r.getState() != Candidate || payload.Term != r.term {
		return
	}

	r.votes[payload.From] = true
	if len(r.votes) < r.peers.Quorum() {
		return
	}

	r.logger.WithField("term", r.term).Debug("Elected leader")

	r.setState(Leader)
	r.leaderID = r.selfID
	r.timer.Reset()

	r.broadcast(net.NewCommand(CmdAppend, &appendPayload{
		ID:       r.selfID,
		Term:     r.term,
		Sequence: r.provisionalSequence,
	}))

	r.flushBacklogsLocked()
}

func (r *Raft) handleAppend(msg net.Message) {
	var payload appendPayload
	if err := net.DecodeData(msg.Data, &payload); err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if payload.Term < r.term {
		return
	}
	if payload.Term > r.term {
		r.term = payload.Term
		r.votedFor = ""
		r.setState(Follower)
	}
	r.leaderID = payload.ID
	if payload.ID != r.selfID && r.getState() != Follower {
		r.setState(Follower)
	}
	r.timer.Reset()

	entry := payload.Entry
	if entry == nil {
		// heartbeat; the source deliberately sends no ack to keep the
		// leader from drowning in replies
		r.flushBacklogsLocked()
		return
	}

	if len(entry.Sequences) > 0 {
		r.followerCommitSweep(entry.Sequences)
		return
	}

	r.recordAppendEntry(payload.ID, entry)
}

// recordAppendEntry applies a replicated provisional entry on a follower.
// Caller holds the state mutex.
func (r *Raft) recordAppendEntry(from string, entry *appendEntry) {
	seq := entry.Sequence

	if seq <= r.provisionalSequence && !r.lostSequences[seq] {
		// idempotent ack
		r.ackAppended(from, seq)
		return
	}

	if seq > r.provisionalSequence {
		for s := r.provisionalSequence + 1; s < seq; s++ {
			r.lostSequences[s] = true
		}
		r.provisionalSequence = seq
	}
	delete(r.lostSequences, seq)

	e := &provisionalEntry{
		Sequence:  seq,
		Type:      entry.Type,
		Consensus: 1,
		Owner:     from,
	}
	switch entry.Type {
	case entryCommit:
		e.CommitIDs = normalizeIDs(entry.Transaction)
	default:
		e.Transactions = ledger.NormalizeTransactions(entry.Transaction)
	}
	r.provisional[seq] = e

	r.ackAppended(from, seq)
}

func (r *Raft) ackAppended(to string, seq uint64) {
	r.sendToPeer(to, net.NewData(DataAppended, &appendedPayload{
		From:  r.selfID,
		Term:  r.term,
		Entry: &appendEntry{Sequence: seq},
	}))
}

func (r *Raft) handleAppended(msg net.Message) {
	var payload appendedPayload
	if err := net.DecodeData(msg.Data, &payload); err != nil {
		return
	}
	if payload.Entry == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.provisional[payload.Entry.Sequence]; ok {
		entry.Consensus++
	}
}

// submit handles a client-originated submission: leaders assign a
// provisional sequence and replicate; everyone else backlogs and forwards
// to the leader.
func (r *Raft) submit(entryType string, transactions []ledger.Transaction, ids []string) {
	if entryType != entryCommit && len(transactions) == 0 {
		return
	}
	if entryType == entryCommit && len(ids) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.getState() == Leader {
		r.replicate(entryType, transactions, ids)
		return
	}

	switch entryType {
	case entryNormal:
		r.transactionBacklog = append(r.transactionBacklog, transactions)
	case entryTemporary:
		r.temporaryBacklog = append(r.temporaryBacklog, transactions)
	case entryCommit:
		r.committedBacklog = append(r.committedBacklog, ids)
	}

	r.flushBacklogsLocked()
}

// replicate records a provisional entry and broadcasts its append. Caller
// holds the state mutex and must be leader.
func (r *Raft) replicate(entryType string, transactions []ledger.Transaction, ids []string) {
	r.provisionalSequence++
	seq := r.provisionalSequence

	r.provisional[seq] = &provisionalEntry{
		Sequence:     seq,
		Transactions: transactions,
		CommitIDs:    ids,
		Type:         entryType,
		Consensus:    0,
		Owner:        r.selfID,
	}

	r.broadcastEntry(r.provisional[seq])
}

func (r *Raft) broadcastEntry(e *provisionalEntry) {
	var wire interface{}
	if e.Type == entryCommit {
		wire = e.CommitIDs
	} else {
		wire = e.Transactions
	}

	r.broadcast(net.NewCommand(CmdAppend, &appendPayload{
		ID:   r.selfID,
		Term: r.term,
		Entry: &appendEntry{
			Sequence:    e.Sequence,
			Transaction: wire,
			Type:        e.Type,
		},
	}))
}

// flushBacklogsLocked forwards backlogged client submissions to the leader.
// When the leader is unknown a bounded-interval retry is scheduled. On a
// send error the batch is re-prepended. Caller holds the state mutex.
func (r *Raft) flushBacklogsLocked() {
	if len(r.transactionBacklog) == 0 && len(r.temporaryBacklog) == 0 && len(r.committedBacklog) == 0 {
		return
	}

	if r.getState() == Leader {
		for _, txs := range r.transactionBacklog {
			r.replicate(entryNormal, txs, nil)
		}
		for _, txs := range r.temporaryBacklog {
			r.replicate(entryTemporary, txs, nil)
		}
		for _, ids := range r.committedBacklog {
			r.replicate(entryCommit, nil, ids)
		}
		r.transactionBacklog = nil
		r.temporaryBacklog = nil
		r.committedBacklog = nil
		return
	}

	if r.leaderID == "" || r.leaderID == r.selfID {
		r.scheduleRetry()
		return
	}

	leader := r.peers.Get(r.leaderID)
	if leader == nil {
		r.scheduleRetry()
		return
	}

	forward := func(command string, data interface{}) bool {
		if err := r.trans.Send(leader.URL, net.NewCommand(command, data)); err != nil {
			r.logger.WithError(err).WithField("leader", leader.ID).Debug("Forwarding to leader")
			return false
		}
		return true
	}

	txBacklog := r.transactionBacklog
	r.transactionBacklog = nil
	for i, txs := range txBacklog {
		if !forward(CmdAddTransaction, txs) {
			r.transactionBacklog = append(txBacklog[i:], r.transactionBacklog...)
			break
		}
	}

	tempBacklog := r.temporaryBacklog
	r.temporaryBacklog = nil
	for i, txs := range tempBacklog {
		if !forward(CmdAddTemporaryTransaction, txs) {
			r.temporaryBacklog = append(tempBacklog[i:], r.temporaryBacklog...)
			break
		}
	}

	commitBacklog := r.committedBacklog
	r.committedBacklog = nil
	for i, ids := range commitBacklog {
		if !forward(CmdCommitTransaction, ids) {
			r.committedBacklog = append(commitBacklog[i:], r.committedBacklog...)
			break
		}
	}

	if len(r.transactionBacklog) > 0 || len(r.temporaryBacklog) > 0 || len(r.committedBacklog) > 0 {
		r.scheduleRetry()
	}
}

// scheduleRetry arms a single retry of the backlog flush after the maximum
// election interval. Caller holds the state mutex.
func (r *Raft) scheduleRetry() {
	if r.retryScheduled {
		return
	}
	r.retryScheduled = true

	time.AfterFunc(r.conf.ElectionMaxInterval, func() {
		select {
		case <-r.shutdownCh:
			return
		default:
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		r.retryScheduled = false
		r.logger.WithField("leader", r.leaderID).Debug("Retrying forward of backlogged submissions")
		r.flushBacklogsLocked()
	})
}

// watchProvisionalBlocks is the leader commit sweep: entries the leader owns
// with quorum acknowledgments are drained into the blockchain engine and
// sealed; stale entries inherited from a previous leadership are re-driven.
// Caller holds the state mutex.
func (r *Raft) watchProvisionalBlocks() {
	r.blockMu.Lock()
	defer r.blockMu.Unlock()

	quorum := r.peers.Quorum()

	sequences := make([]uint64, 0, len(r.provisional))
	for seq := range r.provisional {
		sequences = append(sequences, seq)
	}
	sort.Slice(sequences, func(i, j int) bool { return sequences[i] < sequences[j] })

	completed := []uint64{}
	unprocessed := []uint64{}
	for _, seq := range sequences {
		e := r.provisional[seq]
		if e.Owner == r.selfID && int(e.Consensus) >= quorum {
			r.drain(e)
			delete(r.provisional, seq)
			completed = append(completed, seq)
		} else if e.Owner != r.selfID && int(e.Consensus) < quorum {
			unprocessed = append(unprocessed, seq)
		}
	}

	if len(completed) > 0 {
		r.broadcast(net.NewCommand(CmdAppend, &appendPayload{
			ID:    r.selfID,
			Term:  r.term,
			Entry: &appendEntry{Sequences: completed},
		}))

		r.seal()
	}

	for _, seq := range unprocessed {
		e := r.provisional[seq]
		e.Consensus = 0
		e.Owner = r.selfID
		r.broadcastEntry(e)
	}
}

// followerCommitSweep drains a committed batch on a follower. A batch
// containing a sequence this node knows it lost is skipped entirely;
// sequences that were already applied are silently ignored. Caller holds
// the state mutex.
func (r *Raft) followerCommitSweep(sequences []uint64) {
	r.blockMu.Lock()
	defer r.blockMu.Unlock()

	for _, seq := range sequences {
		if r.lostSequences[seq] {
			r.logger.WithField("sequence", seq).Debug("Commit batch references lost sequence")
			return
		}
	}

	drained := 0
	for _, seq := range sequences {
		e, ok := r.provisional[seq]
		if !ok {
			continue
		}
		r.drain(e)
		delete(r.provisional, seq)
		drained++
	}

	if drained > 0 {
		r.seal()
	}
}

// drain feeds a provisional entry into the blockchain engine according to
// its type.
func (r *Raft) drain(e *provisionalEntry) {
	switch e.Type {
	case entryTemporary:
		r.engine.AddTransactions(e.Transactions, true)
	case entryCommit:
		r.engine.CommitTransactions(e.CommitIDs)
	default:
		r.engine.AddTransactions(e.Transactions, false)
	}
}

// seal commits the pool into a block and notifies observers. On failure the
// confirmed transactions stay pooled; a sweep seals only when it drains at
// least one entry, so they are sealed together with the next committed batch.
func (r *Raft) seal() {
	block, err := r.engine.CommitBlock()
	if err != nil {
		if err != ledger.ErrEmptyPool {
			r.logger.WithError(err).Error("Sealing block")
		}
		return
	}
	r.notify(block)
}

// broadcast delivers a message to every peer. Sends are sequential and run
// under the state mutex, so every peer observes this node's messages in the
// order they were produced.
func (r *Raft) broadcast(msg net.Message) {
	for _, peer := range r.peers.Snapshot() {
		if err := r.trans.Send(peer.URL, msg); err != nil {
			r.logger.WithError(err).WithField("peer", peer.ID).Debug("Broadcast")
		}
	}
}

func (r *Raft) sendToPeer(id string, msg net.Message) {
	peer := r.peers.Get(id)
	if peer == nil {
		r.logger.WithField("peer", id).Debug("Unknown peer")
		return
	}
	go func() {
		if err := r.trans.Send(peer.URL, msg); err != nil {
			r.logger.WithError(err).WithField("peer", id).Debug("Send")
		}
	}()
}

// Diagnostics implements the Consensus interface.
func (r *Raft) Diagnostics() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	return map[string]interface{}{
		"state":               r.getState().String(),
		"term":                r.term,
		"leaderId":            r.leaderID,
		"votedFor":            r.votedFor,
		"provisionalSequence": r.provisionalSequence,
		"provisionalBlocks":   len(r.provisional),
		"lostSequences":       len(r.lostSequences),
		"pendingTransactions": r.engine.PendingCount(),
		"transactionPool":     r.engine.PoolSize(),
	}
}

// Terminate implements the Consensus interface.
func (r *Raft) Terminate() {
	r.once.Do(func() {
		r.setState(Shutdown)
		close(r.shutdownCh)
		r.timer.Shutdown()
	})
}

// normalizeIDs accepts a transactionId or a sequence of them.
func normalizeIDs(data interface{}) []string {
	switch val := data.(type) {
	case string:
		return []string{val}
	case []string:
		return val
	case []interface{}:
		res := []string{}
		for _, e := range val {
			if s, ok := e.(string); ok {
				res = append(res, s)
			}
		}
		return res
	default:
		return nil
	}
}
