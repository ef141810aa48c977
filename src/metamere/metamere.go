package metamere

import (
	"fmt"

	"github.com/mill6-plat6aux/metamere/src/config"
	"github.com/mill6-plat6aux/metamere/src/consensus"
	"github.com/mill6-plat6aux/metamere/src/ledger"
	"github.com/mill6-plat6aux/metamere/src/net"
	"github.com/mill6-plat6aux/metamere/src/node"
	"github.com/mill6-plat6aux/metamere/src/peers"
	"github.com/mill6-plat6aux/metamere/src/service"
	"github.com/mill6-plat6aux/metamere/src/store"
)

// Metamere is a struct that holds a node along with all the components it
// is wired to.
type Metamere struct {
	Config    *config.Config
	Peers     *peers.PeerSet
	Store     store.Store
	Engine    *ledger.Engine
	Transport net.Transport
	Node      *node.Node
	Service   *service.Service
}

// NewMetamere ...
func NewMetamere(conf *config.Config) *Metamere {
	return &Metamere{
		Config: conf,
	}
}

// Init instantiates and wires the components in dependency order. A
// configuration error here is fatal to the process.
func (m *Metamere) Init() error {
	if err := m.Config.Validate(); err != nil {
		return err
	}

	if err := m.initPeers(); err != nil {
		return err
	}
	if err := m.initStore(); err != nil {
		return err
	}
	if err := m.initTransport(); err != nil {
		return err
	}
	if err := m.initNode(); err != nil {
		return err
	}
	m.initService()

	return nil
}

func (m *Metamere) initPeers() error {
	if len(m.Config.Nodes) > 0 {
		_, others := peers.ExcludePeer(m.Config.Nodes, m.Config.ID)
		m.Peers = peers.NewPeerSet(others)
		return nil
	}

	peerSet, err := peers.NewJSONPeerSet(m.Config.DataDir).PeerSet()
	if err != nil {
		return fmt.Errorf("loading peers: %v", err)
	}
	_, others := peers.ExcludePeer(peerSet.Peers, m.Config.ID)
	m.Peers = peers.NewPeerSet(others)
	return nil
}

func (m *Metamere) initStore() error {
	switch m.Config.Storage {
	case config.StorageSimple:
		m.Store = store.NewInmemStore(m.Config.IndexKeys)
	default:
		badgerStore, err := store.NewBadgerStore(
			m.Config.StoragePath,
			m.Config.IndexKeys,
			m.Config.Logger().WithField("prefix", "store"),
		)
		if err != nil {
			return fmt.Errorf("opening store at %s: %v", m.Config.StoragePath, err)
		}
		m.Store = badgerStore
	}

	m.Engine = ledger.NewEngine(
		m.Config.BlockVersion,
		m.Config.ConsensusAlgorithm == consensus.AlgorithmPow,
		m.Store,
		m.Config.Logger().WithField("prefix", "ledger"),
	)

	return nil
}

func (m *Metamere) initTransport() error {
	trans, err := net.NewTCPTransport(
		m.Config.BindAddr(),
		m.Config.MaxPool,
		m.Config.TCPTimeout,
		m.Config.Logger().WithField("prefix", "net"),
	)
	if err != nil {
		return err
	}
	m.Transport = trans
	return nil
}

func (m *Metamere) initNode() error {
	m.Node = node.NewNode(m.Config, m.Peers, m.Store, m.Engine, m.Transport)

	cons, err := consensus.New(
		m.Config.ConsensusAlgorithm,
		m.Config.ID,
		m.Peers,
		m.Engine,
		m.Transport,
		m.Node.PublishBlock,
		m.Config.ConsensusConfig(),
		m.Config.Logger().WithField("prefix", "consensus"),
	)
	if err != nil {
		return err
	}

	m.Node.WithConsensus(cons)
	return nil
}

func (m *Metamere) initService() {
	if m.Config.NoService {
		return
	}
	m.Service = service.NewService(
		m.Config.ServiceAddr,
		m.Node,
		m.Config.Logger().WithField("prefix", "service"),
	)
}

// Run starts the HTTP service and the node. It blocks until the node shuts
// down.
func (m *Metamere) Run() {
	if m.Service != nil {
		go m.Service.Serve()
	}
	m.Node.Run()
}
