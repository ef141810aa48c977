package consensus

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/mill6-plat6aux/metamere/src/common"
	"github.com/mill6-plat6aux/metamere/src/ledger"
	"github.com/mill6-plat6aux/metamere/src/net"
	"github.com/mill6-plat6aux/metamere/src/peers"
	"github.com/mill6-plat6aux/metamere/src/store"
)

func testConsensusConfig() *Config {
	return &Config{
		KeepaliveInterval:   50 * time.Millisecond,
		ElectionMinInterval: 150 * time.Millisecond,
		ElectionMaxInterval: 300 * time.Millisecond,
		ConsensusInterval:   100 * time.Millisecond,
	}
}

// clusterNode bundles one node's consensus engine with its collaborators
// and a dispatcher standing in for the orchestrator.
type clusterNode struct {
	id     string
	url    string
	trans  *net.InmemTransport
	store  *store.InmemStore
	engine *ledger.Engine
	raft   *Raft

	mu     sync.Mutex
	sealed []*ledger.Block

	done chan struct{}
}

func (c *clusterNode) notify(block *ledger.Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = append(c.sealed, block)
}

func (c *clusterNode) dispatch() {
	for {
		select {
		case rpc := <-c.trans.Consumer():
			if rpc.Message.IsCommand() {
				c.raft.HandleCommand(rpc)
			} else {
				c.raft.HandleData(rpc.Message)
			}
		case <-c.done:
			return
		}
	}
}

func newRaftCluster(t *testing.T, n int) []*clusterNode {
	t.Helper()

	descriptors := make([]*peers.Peer, n)
	for i := 0; i < n; i++ {
		descriptors[i] = peers.NewPeer(fmt.Sprintf("node%d", i), fmt.Sprintf("inmem://node%d", i))
	}

	nodes := make([]*clusterNode, n)
	for i := 0; i < n; i++ {
		st := store.NewInmemStore(nil)
		engine := ledger.NewEngine("1.0", false, st, common.NewTestEntry(t, "ledger"))

		_, others := peers.ExcludePeer(descriptors, descriptors[i].ID)

		node := &clusterNode{
			id:     descriptors[i].ID,
			url:    descriptors[i].URL,
			trans:  net.NewInmemTransport(descriptors[i].URL),
			store:  st,
			engine: engine,
			done:   make(chan struct{}),
		}
		node.raft = NewRaft(
			node.id,
			peers.NewPeerSet(others),
			engine,
			node.trans,
			node.notify,
			testConsensusConfig(),
			common.NewTestEntry(t, "consensus"),
		)
		nodes[i] = node
	}

	for _, a := range nodes {
		for _, b := range nodes {
			if a != b {
				a.trans.Connect(b.url, b.trans)
			}
		}
	}

	// a common genesis block
	genesis := nodes[0].engine.GenerateGenesisBlock()
	for _, node := range nodes {
		if err := node.engine.SetBlocks([]*ledger.Block{genesis}); err != nil {
			t.Fatal(err)
		}
	}

	for _, node := range nodes {
		go node.dispatch()
		node.raft.StartConsensus()
	}

	t.Cleanup(func() {
		for _, node := range nodes {
			node.raft.Terminate()
			close(node.done)
			node.trans.Close()
		}
	})

	return nodes
}

// waitLeader polls until exactly one node is leader, and returns it.
func waitLeader(t *testing.T, nodes []*clusterNode) *clusterNode {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		leaders := []*clusterNode{}
		for _, node := range nodes {
			if node.raft.getState() == Leader {
				leaders = append(leaders, node)
			}
		}
		if len(leaders) == 1 {
			return leaders[0]
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("no stable leader elected")
	return nil
}

// waitBlock polls until every node's store contains the block at index.
func waitBlock(t *testing.T, nodes []*clusterNode, index uint64) []*ledger.Block {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		blocks := make([]*ledger.Block, 0, len(nodes))
		for _, node := range nodes {
			block, err := node.store.GetBlock(index)
			if err != nil {
				t.Fatal(err)
			}
			if block != nil {
				blocks = append(blocks, block)
			}
		}
		if len(blocks) == len(nodes) {
			return blocks
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("block %d did not replicate to all nodes", index)
	return nil
}

func TestLeaderElection(t *testing.T) {
	nodes := newRaftCluster(t, 3)

	leader := waitLeader(t, nodes)

	// every node should agree on the leader
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		agreed := 0
		for _, node := range nodes {
			if node.raft.Diagnostics()["leaderId"] == leader.id {
				agreed++
			}
		}
		if agreed == len(nodes) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("nodes disagree on the leader")
}

func TestSingleTransactionRoundTrip(t *testing.T) {
	nodes := newRaftCluster(t, 3)
	leader := waitLeader(t, nodes)

	submitted := map[string]interface{}{
		"transactionId": "00000000-0000-0000-0000-000000000001",
		"articleCode":   "4900000000001",
		"tradingDate":   int64(1639065600000),
	}

	leader.raft.HandleCommand(net.RPC{
		Message: net.NewCommand(CmdAddTransaction, submitted),
	})

	blocks := waitBlock(t, nodes, 1)

	expected := ledger.Transaction{
		"transactionId": "00000000-0000-0000-0000-000000000001",
		"articleCode":   "4900000000001",
		"tradingDate":   int64(1639065600000),
	}
	for _, block := range blocks {
		if block.Index != 1 {
			t.Fatalf("index = %d", block.Index)
		}
		if len(block.Transactions) != 1 {
			t.Fatalf("block carries %d transactions", len(block.Transactions))
		}
		if !reflect.DeepEqual(block.Transactions[0], expected) {
			t.Fatalf("transaction diverged: %v", block.Transactions[0])
		}
	}

	// hash chains on every node
	for _, node := range nodes {
		genesis, _ := node.store.GetBlock(0)
		block, _ := node.store.GetBlock(1)
		if block.PrevHash != genesis.Hash {
			t.Fatal("prevHash does not chain")
		}
		if err := block.Valid(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestMultiTransactionBlock(t *testing.T) {
	nodes := newRaftCluster(t, 3)
	leader := waitLeader(t, nodes)

	leader.raft.HandleCommand(net.RPC{
		Message: net.NewCommand(CmdAddTransaction, []interface{}{
			map[string]interface{}{"transactionId": "a", "n": int64(1)},
			map[string]interface{}{"transactionId": "b", "n": int64(2)},
		}),
	})

	blocks := waitBlock(t, nodes, 1)
	for _, block := range blocks {
		if len(block.Transactions) != 2 {
			t.Fatalf("block carries %d transactions, want 2", len(block.Transactions))
		}
		if block.Transactions[0].ID() != "a" || block.Transactions[1].ID() != "b" {
			t.Fatalf("submission order lost: %v", block.Transactions)
		}
	}
}

func TestFollowerForwardsToLeader(t *testing.T) {
	nodes := newRaftCluster(t, 3)
	leader := waitLeader(t, nodes)

	var follower *clusterNode
	for _, node := range nodes {
		if node != leader {
			follower = node
			break
		}
	}

	follower.raft.HandleCommand(net.RPC{
		Message: net.NewCommand(CmdAddTransaction, map[string]interface{}{
			"transactionId": "forwarded",
		}),
	})

	blocks := waitBlock(t, nodes, 1)
	for _, block := range blocks {
		if block.Transactions[0].ID() != "forwarded" {
			t.Fatalf("wrong transaction: %v", block.Transactions)
		}
	}
}

func TestTemporaryCommitFlow(t *testing.T) {
	nodes := newRaftCluster(t, 3)
	leader := waitLeader(t, nodes)

	leader.raft.HandleCommand(net.RPC{
		Message: net.NewCommand(CmdAddTemporaryTransaction, map[string]interface{}{
			"transactionId": "temp-1",
			"articleCode":   "4900000000009",
		}),
	})

	// the temporary transaction alone seals nothing
	time.Sleep(500 * time.Millisecond)
	for _, node := range nodes {
		if block, _ := node.store.GetBlock(1); block != nil {
			t.Fatal("temporary transaction was sealed without a commit")
		}
	}

	leader.raft.HandleCommand(net.RPC{
		Message: net.NewCommand(CmdCommitTransaction, "temp-1"),
	})

	blocks := waitBlock(t, nodes, 1)
	for _, block := range blocks {
		if len(block.Transactions) != 1 {
			t.Fatalf("block carries %d transactions", len(block.Transactions))
		}
		tx := block.Transactions[0]
		if tx.ID() != "temp-1" {
			t.Fatalf("wrong transaction: %v", tx)
		}
		if tx.IsTemporary() {
			t.Fatal("@temp annotation survived sealing")
		}
	}
}

func TestProvisionalSequenceMonotonic(t *testing.T) {
	nodes := newRaftCluster(t, 3)
	leader := waitLeader(t, nodes)

	for i := 0; i < 3; i++ {
		leader.raft.HandleCommand(net.RPC{
			Message: net.NewCommand(CmdAddTransaction, map[string]interface{}{
				"transactionId": fmt.Sprintf("tx-%d", i),
			}),
		})
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		last, err := leader.store.LastBlock()
		if err != nil {
			t.Fatal(err)
		}
		if last != nil && last.Index >= 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	leader.raft.mu.Lock()
	seq := leader.raft.provisionalSequence
	leader.raft.mu.Unlock()
	if seq != 3 {
		t.Fatalf("provisionalSequence = %d, want 3", seq)
	}
}
