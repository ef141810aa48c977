package node

import (
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/mill6-plat6aux/metamere/src/common"
	"github.com/mill6-plat6aux/metamere/src/config"
	"github.com/mill6-plat6aux/metamere/src/consensus"
	"github.com/mill6-plat6aux/metamere/src/ledger"
	"github.com/mill6-plat6aux/metamere/src/net"
	"github.com/mill6-plat6aux/metamere/src/peers"
	"github.com/mill6-plat6aux/metamere/src/store"
)

// Node names accepted outside the consensus protocol.
const (
	CmdGetNodes             = "getNodes"
	CmdGetBlock             = "getBlock"
	CmdGetBlocks            = "getBlocks"
	CmdGenerateGenesisBlock = "generateGenesisBlock"
	CmdAddObserver          = "addObserver"
	CmdGetDiagnostics       = "getDiagnostics"

	DataNodes       = "nodes"
	DataBlocks      = "blocks"
	DataBlock       = "block"
	DataDiagnostics = "diagnostics"
)

// Node is the orchestrator: it owns the transport, dispatches inbound
// messages to the consensus and blockchain engines, broadcasts outbound
// messages, and manages the observer list.
type Node struct {
	state

	conf   *config.Config
	logger *logrus.Entry

	peers *peers.PeerSet

	trans net.Transport
	netCh <-chan net.RPC

	engine    *ledger.Engine
	store     store.Store
	consensus consensus.Consensus

	observers    []chan<- net.Message
	observerLock sync.Mutex

	sigintCh   chan os.Signal
	shutdownCh chan struct{}
}

// NewNode is a factory method that returns a Node instance. The consensus
// engine is attached afterwards through WithConsensus because it needs the
// node's block publication callback.
func NewNode(
	conf *config.Config,
	peerSet *peers.PeerSet,
	st store.Store,
	engine *ledger.Engine,
	trans net.Transport,
) *Node {
	//Prepare sigintCh to relay SIGINT system calls
	sigintCh := make(chan os.Signal, 1)
	signal.Notify(sigintCh, os.Interrupt, syscall.SIGINT)

	return &Node{
		conf:       conf,
		logger:     conf.Logger().WithField("this_id", conf.ID),
		peers:      peerSet,
		trans:      trans,
		netCh:      trans.Consumer(),
		engine:     engine,
		store:      st,
		sigintCh:   sigintCh,
		shutdownCh: make(chan struct{}),
	}
}

// WithConsensus attaches the replication engine.
func (n *Node) WithConsensus(c consensus.Consensus) *Node {
	n.consensus = c
	return n
}

// PublishBlock pushes a sealed block to every observer, in seal order.
// Observers whose channels have gone away are reaped here.
func (n *Node) PublishBlock(block *ledger.Block) {
	n.observerLock.Lock()
	defer n.observerLock.Unlock()

	msg := net.NewData(DataBlock, block)

	alive := n.observers[:0]
	for _, ch := range n.observers {
		if trySend(ch, msg) {
			alive = append(alive, ch)
		}
	}
	n.observers = alive
}

// trySend delivers to an observer channel, reporting false when the channel
// is closed. A stalled observer drops the notification rather than blocking
// the sealer.
func trySend(ch chan<- net.Message, msg net.Message) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case ch <- msg:
	default:
	}
	return true
}

// RunAsync calls Run as a separate thread
func (n *Node) RunAsync() {
	go n.Run()
}

// Run starts the transport, catches up with the cluster, starts consensus,
// and enters the message loop.
func (n *Node) Run() {
	n.trans.Listen()

	n.bootstrap()

	n.consensus.StartConsensus()

	for {
		select {
		case rpc := <-n.netCh:
			n.dispatch(rpc)
		case <-n.sigintCh:
			n.logger.Debug("Reacting to SIGINT")
			n.Shutdown()
			return
		case <-n.shutdownCh:
			return
		}
	}
}

// bootstrap catches up from a random peer: merge its peer list, then replay
// its chain from the genesis block. Failures are logged; a fresh cluster
// has nothing to catch up from.
func (n *Node) bootstrap() {
	peer := n.peers.Random()
	if peer == nil {
		return
	}

	resp, err := n.trans.Request(peer.URL, net.NewCommand(CmdGetNodes, nil))
	if err != nil {
		n.logger.WithError(err).WithField("peer", peer.ID).Debug("Bootstrap getNodes")
	} else if resp.DataName == DataNodes {
		var discovered []*peers.Peer
		if err := net.DecodeData(resp.Data, &discovered); err == nil {
			_, others := peers.ExcludePeer(discovered, n.conf.ID)
			n.peers.Merge(others)
		}
	}

	// queries never emit the genesis block, so fetch it separately before
	// replaying the rest of the chain
	chain := []*ledger.Block{}

	resp, err = n.trans.Request(peer.URL, net.NewCommand(CmdGetBlock, 0))
	if err != nil {
		n.logger.WithError(err).WithField("peer", peer.ID).Debug("Bootstrap getBlock")
		return
	}
	if m, ok := resp.Data.(map[string]interface{}); ok && resp.DataName == DataBlock {
		genesis, err := ledger.NormalizeBlock(m)
		if err != nil {
			n.logger.WithError(err).Error("Bootstrap genesis decode")
			return
		}
		chain = append(chain, genesis)
	}

	resp, err = n.trans.Request(peer.URL, net.NewCommand(CmdGetBlocks, map[string]interface{}{
		"direction": string(store.Forward),
		"limit":     math.MaxInt32,
	}))
	if err != nil {
		n.logger.WithError(err).WithField("peer", peer.ID).Debug("Bootstrap getBlocks")
		return
	}
	if resp.DataName == DataBlocks {
		blocks, err := ledger.NormalizeBlocks(resp.Data)
		if err != nil {
			n.logger.WithError(err).Error("Bootstrap blocks decode")
			return
		}
		chain = append(chain, blocks...)
	}

	if len(chain) == 0 {
		return
	}
	if err := n.engine.SetBlocks(chain); err != nil {
		n.logger.WithError(err).Error("Bootstrap blocks rejected")
	}
}

// dispatch routes one inbound envelope. Unknown commands are ignored.
func (n *Node) dispatch(rpc net.RPC) {
	msg := rpc.Message

	if msg.IsCommand() {
		switch msg.Command {
		case CmdGetNodes:
			n.handleGetNodes(rpc)
		case CmdGetBlock:
			n.handleGetBlock(rpc)
		case CmdGetBlocks:
			n.handleGetBlocks(rpc)
		case CmdGenerateGenesisBlock:
			n.handleGenerateGenesisBlock()
		case CmdAddObserver:
			n.handleAddObserver(rpc)
		case CmdGetDiagnostics:
			rpc.Respond(net.NewData(DataDiagnostics, n.Diagnostics()))
		case consensus.CmdVote, consensus.CmdAppend,
			consensus.CmdAddTransaction, consensus.CmdAddTemporaryTransaction,
			consensus.CmdCommitTransaction, consensus.CmdStartPow:
			n.consensus.HandleCommand(rpc)
		default:
			n.logger.WithField("command", msg.Command).Debug("Unknown command")
		}
		return
	}

	switch msg.DataName {
	case DataNodes:
		var discovered []*peers.Peer
		if err := net.DecodeData(msg.Data, &discovered); err == nil {
			_, others := peers.ExcludePeer(discovered, n.conf.ID)
			n.peers.Merge(others)
		}
	case DataBlocks:
		n.handleBlocks(msg)
	default:
		n.consensus.HandleData(msg)
	}
}

func (n *Node) handleGetNodes(rpc net.RPC) {
	nodes := []*peers.Peer{peers.NewPeer(n.conf.ID, n.conf.URL())}
	nodes = append(nodes, n.peers.Snapshot()...)
	rpc.Respond(net.NewData(DataNodes, nodes))
}

func (n *Node) handleGetBlock(rpc net.RPC) {
	index, ok := toUint64(rpc.Message.Data)
	if !ok {
		return
	}

	block, err := n.store.GetBlock(index)
	if err != nil {
		n.logger.WithError(err).Error("Reading block")
		return
	}
	if block == nil {
		n.logger.WithError(common.NewStoreErr("Block", common.KeyNotFound, "")).
			WithField("index", index).Debug("getBlock")
		rpc.Respond(net.NewData(DataBlock, nil))
		return
	}
	rpc.Respond(net.NewData(DataBlock, block))
}

func (n *Node) handleGetBlocks(rpc net.RPC) {
	query, err := store.ParseQuery(rpc.Message.Data)
	if err != nil {
		n.logger.WithError(err).Debug("Malformed query")
		return
	}

	blocks, err := n.store.RestoreBlocks(query)
	if err != nil {
		n.logger.WithError(err).Error("Restoring blocks")
		return
	}

	if query.HeaderOnly {
		rpc.Respond(net.NewData(DataBlocks, store.Headers(blocks)))
		return
	}
	rpc.Respond(net.NewData(DataBlocks, blocks))
}

// handleGenerateGenesisBlock synthesizes block 0, applies it locally and
// distributes it as a blocks push.
func (n *Node) handleGenerateGenesisBlock() {
	block := n.engine.GenerateGenesisBlock()

	if err := n.engine.SetBlocks([]*ledger.Block{block}); err != nil {
		n.logger.WithError(err).Error("Applying genesis block")
		return
	}

	msg := net.NewData(DataBlocks, []*ledger.Block{block})
	for _, peer := range n.peers.Snapshot() {
		peer := peer
		n.goFunc(func() {
			if err := n.trans.Send(peer.URL, msg); err != nil {
				n.logger.WithError(err).WithField("peer", peer.ID).Debug("Genesis push")
			}
		})
	}

	n.PublishBlock(block)
}

func (n *Node) handleAddObserver(rpc net.RPC) {
	if rpc.RespChan == nil {
		return
	}
	n.observerLock.Lock()
	defer n.observerLock.Unlock()
	n.observers = append(n.observers, rpc.RespChan)

	n.logger.WithField("observers", len(n.observers)).Debug("Observer added")
}

func (n *Node) handleBlocks(msg net.Message) {
	blocks, err := ledger.NormalizeBlocks(msg.Data)
	if err != nil {
		n.logger.WithError(err).Debug("Malformed blocks push")
		return
	}
	if err := n.engine.SetBlocks(blocks); err != nil {
		n.logger.WithError(err).Error("Rejected blocks push")
		return
	}

	// a genesis push is this node's first sealed block; observers hear
	// about it like any other
	if len(blocks) == 1 && blocks[0].Index == 0 {
		n.PublishBlock(blocks[0])
	}
}

// Diagnostics returns a state snapshot of the node.
func (n *Node) Diagnostics() map[string]interface{} {
	diag := n.consensus.Diagnostics()
	diag["id"] = n.conf.ID
	diag["url"] = n.conf.URL()
	diag["peers"] = n.peers.Len()

	last, err := n.store.LastBlock()
	if err == nil && last != nil {
		diag["lastBlockIndex"] = last.Index
	}

	n.observerLock.Lock()
	diag["observers"] = len(n.observers)
	n.observerLock.Unlock()

	return diag
}

// GetBlock returns a block from the store.
func (n *Node) GetBlock(index uint64) (*ledger.Block, error) {
	return n.store.GetBlock(index)
}

// GetBlocks evaluates a query against the store.
func (n *Node) GetBlocks(q *store.BlockQuery) ([]*ledger.Block, error) {
	return n.store.RestoreBlocks(q)
}

// Peers returns the known remote peers.
func (n *Node) Peers() []*peers.Peer {
	return n.peers.Snapshot()
}

// ID returns this node's identifier.
func (n *Node) ID() string {
	return n.conf.ID
}

// Shutdown terminates the node: the consensus timers are cancelled, the
// transport is closed, and the block store is closed. No further state
// mutation occurs.
func (n *Node) Shutdown() {
	if !n.setShutdown() {
		return
	}

	n.logger.Debug("Shutdown")

	close(n.shutdownCh)

	n.consensus.Terminate()

	n.waitRoutines()

	//transport and store should only be closed once all concurrent
	//operations are finished otherwise they will panic trying to use closed
	//objects
	n.trans.Close()

	if err := n.store.Close(); err != nil {
		n.logger.WithError(err).Error("Closing store")
	}
}

func toUint64(v interface{}) (uint64, bool) {
	switch val := v.(type) {
	case int64:
		if val < 0 {
			return 0, false
		}
		return uint64(val), true
	case uint64:
		return val, true
	case int:
		if val < 0 {
			return 0, false
		}
		return uint64(val), true
	case float64:
		if val < 0 || val != float64(uint64(val)) {
			return 0, false
		}
		return uint64(val), true
	default:
		return 0, false
	}
}
