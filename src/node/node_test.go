package node

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/mill6-plat6aux/metamere/src/common"
	"github.com/mill6-plat6aux/metamere/src/config"
	"github.com/mill6-plat6aux/metamere/src/consensus"
	"github.com/mill6-plat6aux/metamere/src/ledger"
	"github.com/mill6-plat6aux/metamere/src/net"
	"github.com/mill6-plat6aux/metamere/src/peers"
	"github.com/mill6-plat6aux/metamere/src/store"
)

func testConfig(t *testing.T, id string, port int) *config.Config {
	conf := config.NewDefaultConfig()
	conf.ID = id
	conf.Host = id
	conf.Port = port
	conf.Protocol = "inmem"
	conf.Storage = config.StorageSimple
	conf.NoService = true
	conf.KeepaliveInterval = 50 * time.Millisecond
	conf.ElectionMinInterval = 150 * time.Millisecond
	conf.ElectionMaxInterval = 300 * time.Millisecond
	conf.WithLogger(common.NewTestLogger(t))
	return conf
}

type testNode struct {
	node  *Node
	trans *net.InmemTransport
	store *store.InmemStore
}

// newTestCluster wires n full nodes over in-memory transports. Storage is
// empty: the caller decides whether to generate a genesis block.
func newTestCluster(t *testing.T, n int, indexKeys []string) []*testNode {
	t.Helper()

	descriptors := make([]*peers.Peer, n)
	for i := 0; i < n; i++ {
		descriptors[i] = peers.NewPeer(fmt.Sprintf("node%d", i), fmt.Sprintf("inmem://node%d:%d", i, 1337+i))
	}

	nodes := make([]*testNode, n)
	for i := 0; i < n; i++ {
		conf := testConfig(t, descriptors[i].ID, 1337+i)

		st := store.NewInmemStore(indexKeys)
		engine := ledger.NewEngine(conf.BlockVersion, false, st, conf.Logger().WithField("prefix", "ledger"))
		trans := net.NewInmemTransport(descriptors[i].URL)

		_, others := peers.ExcludePeer(descriptors, descriptors[i].ID)
		node := NewNode(conf, peers.NewPeerSet(others), st, engine, trans)

		cons, err := consensus.New(
			conf.ConsensusAlgorithm,
			conf.ID,
			node.peers,
			engine,
			trans,
			node.PublishBlock,
			conf.ConsensusConfig(),
			conf.Logger().WithField("prefix", "consensus"),
		)
		if err != nil {
			t.Fatal(err)
		}
		node.WithConsensus(cons)

		nodes[i] = &testNode{node: node, trans: trans, store: st}
	}

	for _, a := range nodes {
		for _, b := range nodes {
			if a != b {
				a.trans.Connect(b.trans.LocalAddr(), b.trans)
			}
		}
	}

	for _, node := range nodes {
		node.node.RunAsync()
	}

	t.Cleanup(func() {
		for _, node := range nodes {
			node.node.Shutdown()
		}
	})

	return nodes
}

// newClient returns a transport wired into every node of the cluster.
func newClient(nodes []*testNode) *net.InmemTransport {
	client := net.NewInmemTransport("inmem://client")
	for _, node := range nodes {
		client.Connect(node.trans.LocalAddr(), node.trans)
	}
	return client
}

// requestWithRetry keeps issuing a request until the node answers; nodes
// spend their first moments in bootstrap before serving.
func requestWithRetry(t *testing.T, client *net.InmemTransport, target string, msg net.Message) net.Message {
	t.Helper()

	deadline := time.Now().Add(15 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		resp, err := client.Request(target, msg)
		if err == nil {
			return resp
		}
		lastErr = err
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("request %v never answered: %v", msg, lastErr)
	return net.Message{}
}

func waitStoredBlock(t *testing.T, nodes []*testNode, index uint64) []*ledger.Block {
	t.Helper()

	deadline := time.Now().Add(15 * time.Second)
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
	t.Fatalf("block %d did not reach every node", index)
	return nil
}

func TestGenesisDistribution(t *testing.T) {
	nodes := newTestCluster(t, 3, nil)
	client := newClient(nodes)

	if err := client.Send(nodes[0].trans.LocalAddr(), net.NewCommand(CmdGenerateGenesisBlock, nil)); err != nil {
		t.Fatal(err)
	}

	blocks := waitStoredBlock(t, nodes, 0)
	for _, block := range blocks {
		if block.PrevHash != "" {
			t.Fatalf("genesis prevHash = %q", block.PrevHash)
		}
		if len(block.Transactions) != 0 {
			t.Fatalf("genesis transactions = %d", len(block.Transactions))
		}
		expected := ledger.HashBlock("", block.Nonce, ledger.GenesisRootHash)
		if block.Hash != expected {
			t.Fatalf("genesis hash %s does not recompute to %s", block.Hash, expected)
		}
	}
}

func TestTransactionRoundTripThroughNode(t *testing.T) {
	nodes := newTestCluster(t, 3, nil)
	client := newClient(nodes)

	if err := client.Send(nodes[0].trans.LocalAddr(), net.NewCommand(CmdGenerateGenesisBlock, nil)); err != nil {
		t.Fatal(err)
	}
	waitStoredBlock(t, nodes, 0)

	submitted := map[string]interface{}{
		"transactionId": "00000000-0000-0000-0000-000000000001",
		"articleCode":   "4900000000001",
		"tradingDate":   int64(1639065600000),
	}
	// submit through a follower or leader alike; forwarding handles the rest
	if err := client.Send(nodes[1].trans.LocalAddr(), net.NewCommand("addTransaction", submitted)); err != nil {
		t.Fatal(err)
	}

	waitStoredBlock(t, nodes, 1)

	// getBlock through the envelope returns the transaction verbatim
	resp := requestWithRetry(t, client, nodes[2].trans.LocalAddr(), net.NewCommand(CmdGetBlock, int64(1)))
	if resp.DataName != DataBlock {
		t.Fatalf("reply dataName = %s", resp.DataName)
	}

	block, err := ledger.NormalizeBlock(resp.Data.(map[string]interface{}))
	if err != nil {
		t.Fatal(err)
	}
	expected := ledger.Transaction{
		"transactionId": "00000000-0000-0000-0000-000000000001",
		"articleCode":   "4900000000001",
		"tradingDate":   int64(1639065600000),
	}
	if block.Index != 1 || len(block.Transactions) != 1 {
		t.Fatalf("unexpected block: %v", block)
	}
	if !reflect.DeepEqual(block.Transactions[0], expected) {
		t.Fatalf("transaction diverged: %v", block.Transactions[0])
	}
}

func TestGetBlocksBackwardExcludesGenesis(t *testing.T) {
	nodes := newTestCluster(t, 3, nil)
	client := newClient(nodes)

	client.Send(nodes[0].trans.LocalAddr(), net.NewCommand(CmdGenerateGenesisBlock, nil))
	waitStoredBlock(t, nodes, 0)

	client.Send(nodes[0].trans.LocalAddr(), net.NewCommand("addTransaction", []interface{}{
		map[string]interface{}{"transactionId": "a"},
		map[string]interface{}{"transactionId": "b"},
	}))
	waitStoredBlock(t, nodes, 1)

	resp := requestWithRetry(t, client, nodes[0].trans.LocalAddr(), net.NewCommand(CmdGetBlocks, map[string]interface{}{
		"direction": "backward",
	}))

	blocks, err := ledger.NormalizeBlocks(resp.Data)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 1 {
		t.Fatalf("got %d blocks, want 1 (genesis excluded)", len(blocks))
	}
	if len(blocks[0].Transactions) != 2 {
		t.Fatalf("newest block carries %d transactions", len(blocks[0].Transactions))
	}
	if blocks[0].Transactions[0].ID() != "a" || blocks[0].Transactions[1].ID() != "b" {
		t.Fatalf("submission order lost: %v", blocks[0].Transactions)
	}
}

func TestObserverReceivesSealedBlock(t *testing.T) {
	nodes := newTestCluster(t, 3, nil)
	client := newClient(nodes)

	client.Send(nodes[0].trans.LocalAddr(), net.NewCommand(CmdGenerateGenesisBlock, nil))
	waitStoredBlock(t, nodes, 0)

	type result struct {
		msg net.Message
		err error
	}
	observed := make(chan result, 1)
	go func() {
		// the reply to addObserver is the next sealed block
		msg, err := client.Request(nodes[0].trans.LocalAddr(), net.NewCommand(CmdAddObserver, nil))
		observed <- result{msg, err}
	}()

	// give the observer registration time to land before sealing
	time.Sleep(100 * time.Millisecond)

	client.Send(nodes[0].trans.LocalAddr(), net.NewCommand("addTransaction", map[string]interface{}{
		"transactionId": "watched",
	}))

	select {
	case res := <-observed:
		if res.err != nil {
			t.Fatal(res.err)
		}
		if res.msg.DataName != DataBlock {
			t.Fatalf("observer push dataName = %s", res.msg.DataName)
		}
		block, err := ledger.NormalizeBlock(res.msg.Data.(map[string]interface{}))
		if err != nil {
			t.Fatal(err)
		}
		if block.Index != 1 || block.Transactions[0].ID() != "watched" {
			t.Fatalf("observer got wrong block: %v", block)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("observer never notified")
	}
}

func TestDiagnostics(t *testing.T) {
	nodes := newTestCluster(t, 3, nil)
	client := newClient(nodes)

	resp := requestWithRetry(t, client, nodes[0].trans.LocalAddr(), net.NewCommand(CmdGetDiagnostics, nil))
	if resp.DataName != DataDiagnostics {
		t.Fatalf("reply dataName = %s", resp.DataName)
	}

	diag, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("diagnostics shape: %T", resp.Data)
	}
	if diag["id"] != "node0" {
		t.Fatalf("id = %v", diag["id"])
	}
	if _, ok := diag["state"]; !ok {
		t.Fatal("diagnostics lack consensus state")
	}
}

func TestGetNodesListsCluster(t *testing.T) {
	nodes := newTestCluster(t, 3, nil)
	client := newClient(nodes)

	resp := requestWithRetry(t, client, nodes[0].trans.LocalAddr(), net.NewCommand(CmdGetNodes, nil))
	if resp.DataName != DataNodes {
		t.Fatalf("reply dataName = %s", resp.DataName)
	}

	var listed []*peers.Peer
	if err := net.DecodeData(resp.Data, &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed) != 3 {
		t.Fatalf("listed %d nodes, want 3", len(listed))
	}
	if listed[0].ID != "node0" {
		t.Fatalf("self should lead the list: %v", listed[0])
	}
}
