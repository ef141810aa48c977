package consensus

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mill6-plat6aux/metamere/src/ledger"
	"github.com/mill6-plat6aux/metamere/src/net"
	"github.com/mill6-plat6aux/metamere/src/peers"
)

// Pow is the proof-of-work variant of the replication engine. There is no
// leader: every node pools client submissions, and a node with pending
// transactions periodically opens a mining round by soliciting candidates
// from the cluster. The first valid candidate seals the block everywhere.
type Pow struct {
	selfID string
	peers  *peers.PeerSet
	engine *ledger.Engine
	trans  net.Transport
	notify func(*ledger.Block)
	conf   *Config

	mu     sync.Mutex
	mining bool

	shutdownCh chan struct{}
	once       sync.Once

	logger *logrus.Entry
}

// NewPow ...
func NewPow(
	selfID string,
	peerSet *peers.PeerSet,
	engine *ledger.Engine,
	trans net.Transport,
	notify func(*ledger.Block),
	conf *Config,
	logger *logrus.Entry,
) *Pow {
	return &Pow{
		selfID:     selfID,
		peers:      peerSet,
		engine:     engine,
		trans:      trans,
		notify:     notify,
		conf:       conf,
		shutdownCh: make(chan struct{}),
		logger:     logger.WithField("this_id", selfID),
	}
}

// StartConsensus implements the Consensus interface.
func (p *Pow) StartConsensus() {
	go p.run()
}

func (p *Pow) run() {
	ticker := time.NewTicker(p.conf.ConsensusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.maybeStartRound()
		case <-p.shutdownCh:
			return
		}
	}
}

// maybeStartRound opens a mining round when the pool has pending
// transactions: it solicits candidates from every peer and mines its own in
// parallel.
func (p *Pow) maybeStartRound() {
	if p.engine.PendingCount() == 0 {
		return
	}

	p.mu.Lock()
	if p.mining {
		p.mu.Unlock()
		return
	}
	p.mining = true
	p.mu.Unlock()

	// the round closes after one interval whether or not a candidate sealed,
	// so a round whose candidates all went stale does not wedge mining
	time.AfterFunc(p.conf.ConsensusInterval, func() {
		p.mu.Lock()
		p.mining = false
		p.mu.Unlock()
	})

	msg := net.NewCommand(CmdStartPow, &startPowPayload{
		BeginTime: time.Now().UnixMilli(),
	})

	for _, peer := range p.peers.Snapshot() {
		go func(url, id string) {
			resp, err := p.trans.Request(url, msg)
			if err != nil {
				p.logger.WithError(err).WithField("peer", id).Debug("startPow")
				return
			}
			if resp.DataName == DataCandidateForPow {
				p.handleCandidate(resp.Data)
			}
		}(peer.URL, peer.ID)
	}

	go func() {
		candidate, err := p.engine.GetProofOfWork()
		if err != nil {
			p.logger.WithError(err).Debug("Mining candidate")
			return
		}
		p.handleCandidate(&powPayload{
			Index:    candidate.Index,
			RootHash: candidate.RootHash,
			Nonce:    candidate.Nonce,
		})
	}()
}

// HandleCommand implements the Consensus interface.
func (p *Pow) HandleCommand(rpc net.RPC) {
	switch rpc.Message.Command {
	case CmdStartPow:
		candidate, err := p.engine.GetProofOfWork()
		if err != nil {
			p.logger.WithError(err).Debug("Mining candidate")
			return
		}
		rpc.Respond(net.NewData(DataCandidateForPow, candidate))
	case CmdAddTransaction:
		p.spread(DataTransaction, ledger.NormalizeTransactions(rpc.Message.Data))
	case CmdAddTemporaryTransaction:
		p.spread(DataTemporaryTransaction, ledger.NormalizeTransactions(rpc.Message.Data))
	case CmdCommitTransaction:
		ids := normalizeIDs(rpc.Message.Data)
		if len(ids) == 0 {
			return
		}
		p.engine.CommitTransactions(ids)
		p.broadcast(net.NewData(DataCommittedTransaction, ids))
	}
}

// spread applies a client submission locally and pushes it to every peer so
// all pools converge.
func (p *Pow) spread(dataName string, transactions []ledger.Transaction) {
	if len(transactions) == 0 {
		return
	}
	p.engine.AddTransactions(transactions, dataName == DataTemporaryTransaction)
	p.broadcast(net.NewData(dataName, transactions))
}

// HandleData implements the Consensus interface.
func (p *Pow) HandleData(msg net.Message) {
	switch msg.DataName {
	case DataTransaction:
		p.engine.AddTransactions(ledger.NormalizeTransactions(msg.Data), false)
	case DataTemporaryTransaction:
		p.engine.AddTransactions(ledger.NormalizeTransactions(msg.Data), true)
	case DataCommittedTransaction:
		p.engine.CommitTransactions(normalizeIDs(msg.Data))
	case DataCandidateForPow:
		p.handleCandidate(msg.Data)
	case DataPow:
		p.commitMined(msg.Data, false)
	}
}

// handleCandidate seals the first valid candidate of an open round and
// publishes the winning proof to the cluster.
func (p *Pow) handleCandidate(data interface{}) {
	p.mu.Lock()
	if !p.mining {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if p.commitMined(data, true) {
		p.mu.Lock()
		p.mining = false
		p.mu.Unlock()
	}
}

// commitMined validates and seals a mined proof. Inputs are strict: a
// non-integral index or nonce is rejected rather than silently ignored.
// Sealing an index at or below the tail is an idempotent no-op.
func (p *Pow) commitMined(data interface{}, publish bool) bool {
	var payload powPayload
	if err := net.DecodeData(data, &payload); err != nil {
		p.logger.WithError(err).Debug("Malformed proof")
		return false
	}

	block, err := p.engine.CommitProofOfWork(payload.Index, payload.RootHash, payload.Nonce)
	if err != nil {
		if err == ledger.ErrRootMismatch || err == ledger.ErrBadProof {
			p.logger.WithError(err).Debug("Rejected candidate")
		} else {
			p.logger.WithError(err).Error("Committing proof of work")
		}
		return false
	}
	if block == nil {
		// another candidate already sealed this slot
		return true
	}

	if publish {
		p.broadcast(net.NewData(DataPow, &payload))
	}
	p.notify(block)
	return true
}

func (p *Pow) broadcast(msg net.Message) {
	for _, peer := range p.peers.Snapshot() {
		go func(url, id string) {
			if err := p.trans.Send(url, msg); err != nil {
				p.logger.WithError(err).WithField("peer", id).Debug("Broadcast")
			}
		}(peer.URL, peer.ID)
	}
}

// Diagnostics implements the Consensus interface.
func (p *Pow) Diagnostics() map[string]interface{} {
	p.mu.Lock()
	mining := p.mining
	p.mu.Unlock()

	return map[string]interface{}{
		"algorithm":           AlgorithmPow,
		"mining":              mining,
		"pendingTransactions": p.engine.PendingCount(),
		"transactionPool":     p.engine.PoolSize(),
	}
}

// Terminate implements the Consensus interface.
func (p *Pow) Terminate() {
	p.once.Do(func() {
		close(p.shutdownCh)
	})
}
