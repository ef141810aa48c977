package consensus

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mill6-plat6aux/metamere/src/ledger"
	"github.com/mill6-plat6aux/metamere/src/net"
	"github.com/mill6-plat6aux/metamere/src/peers"
)

// Command names handled by the consensus engines.
const (
	CmdVote                    = "vote"
	CmdAppend                  = "append"
	CmdAddTransaction          = "addTransaction"
	CmdAddTemporaryTransaction = "addTemporaryTransaction"
	CmdCommitTransaction       = "commitTransaction"
	CmdStartPow                = "startPow"
)

// Data push names handled by the consensus engines.
const (
	DataVoted                = "voted"
	DataAppended             = "appended"
	DataTransaction          = "transaction"
	DataTemporaryTransaction = "temporaryTransaction"
	DataCommittedTransaction = "committedTransaction"
	DataPow                  = "pow"
	DataCandidateForPow      = "candidateForPow"
)

// Algorithm names accepted by the configuration.
const (
	AlgorithmRaft = "Raft"
	AlgorithmPow  = "PoW"
)

// Consensus is the common operation set of the replication engines. The
// orchestrator dispatches inbound commands and data pushes to whichever
// engine the configuration selected.
type Consensus interface {
	// StartConsensus starts the engine's timers and background routines.
	StartConsensus()

	// HandleCommand processes an inbound command envelope.
	HandleCommand(rpc net.RPC)

	// HandleData processes an inbound one-way data push.
	HandleData(msg net.Message)

	// Diagnostics returns a snapshot of the engine state.
	Diagnostics() map[string]interface{}

	// Terminate stops the engine. No further state mutation occurs.
	Terminate()
}

// Config carries the consensus timing parameters. Election intervals apply
// to the Raft engine; ConsensusInterval paces the PoW rounds.
type Config struct {
	KeepaliveInterval   time.Duration
	ElectionMinInterval time.Duration
	ElectionMaxInterval time.Duration
	ConsensusInterval   time.Duration
}

// New instantiates the engine selected by algorithm. The notify callback
// receives every block sealed on this node, in seal order.
func New(
	algorithm string,
	selfID string,
	peerSet *peers.PeerSet,
	engine *ledger.Engine,
	trans net.Transport,
	notify func(*ledger.Block),
	conf *Config,
	logger *logrus.Entry,
) (Consensus, error) {
	switch algorithm {
	case AlgorithmRaft:
		return NewRaft(selfID, peerSet, engine, trans, notify, conf, logger), nil
	case AlgorithmPow:
		return NewPow(selfID, peerSet, engine, trans, notify, conf, logger), nil
	default:
		return nil, fmt.Errorf("unknown consensus algorithm %q", algorithm)
	}
}
