package net

import (
	"fmt"
	"sync"
	"time"
)

// InmemTransport implements the Transport interface, to allow nodes to be
// tested in-memory without going over a network. Messages are re-encoded on
// delivery so receivers never share object references with senders, exactly
// as on the wire.
type InmemTransport struct {
	sync.RWMutex
	consumerCh chan RPC
	localAddr  string
	peers      map[string]*InmemTransport
	timeout    time.Duration
}

// NewInmemTransport is used to initialize a new transport with the given
// local address.
func NewInmemTransport(addr string) *InmemTransport {
	return &InmemTransport{
		consumerCh: make(chan RPC, 16),
		localAddr:  addr,
		peers:      make(map[string]*InmemTransport),
		timeout:    3 * time.Second,
	}
}

// Listen is an empty function as there is no need to defer initialisation of
// the in-memory service.
func (i *InmemTransport) Listen() {
}

// Consumer implements the Transport interface.
func (i *InmemTransport) Consumer() <-chan RPC {
	return i.consumerCh
}

// LocalAddr implements the Transport interface.
func (i *InmemTransport) LocalAddr() string {
	return i.localAddr
}

// Send implements the Transport interface.
func (i *InmemTransport) Send(target string, msg Message) error {
	peer, err := i.peer(target)
	if err != nil {
		return err
	}

	delivered, err := roundTrip(msg)
	if err != nil {
		return err
	}

	select {
	case peer.consumerCh <- RPC{Message: delivered}:
		return nil
	case <-time.After(i.timeout):
		return fmt.Errorf("send to %v timed out", target)
	}
}

// Request implements the Transport interface.
func (i *InmemTransport) Request(target string, msg Message) (Message, error) {
	peer, err := i.peer(target)
	if err != nil {
		return Message{}, err
	}

	delivered, err := roundTrip(msg)
	if err != nil {
		return Message{}, err
	}

	respCh := make(chan Message, 1)
	select {
	case peer.consumerCh <- RPC{Message: delivered, RespChan: respCh}:
	case <-time.After(i.timeout):
		return Message{}, fmt.Errorf("request to %v timed out", target)
	}

	select {
	case resp := <-respCh:
		// the reply crosses the wire too
		return roundTrip(resp)
	case <-time.After(i.timeout):
		return Message{}, fmt.Errorf("request to %v timed out", target)
	}
}

func (i *InmemTransport) peer(target string) (*InmemTransport, error) {
	i.RLock()
	peer, ok := i.peers[target]
	i.RUnlock()

	if !ok {
		return nil, fmt.Errorf("failed to connect to peer: %v", target)
	}
	return peer, nil
}

// roundTrip emulates the wire: the receiver gets a freshly decoded message.
func roundTrip(msg Message) (Message, error) {
	raw, err := msg.Encode()
	if err != nil {
		return Message{}, err
	}
	return DecodeMessage(raw)
}

// Connect is used to connect this transport to another transport for a given
// peer address. This allows for local routing.
func (i *InmemTransport) Connect(addr string, t Transport) {
	trans := t.(*InmemTransport)
	i.Lock()
	defer i.Unlock()
	i.peers[addr] = trans
}

// Disconnect is used to remove the ability to route to a given peer.
func (i *InmemTransport) Disconnect(addr string) {
	i.Lock()
	defer i.Unlock()
	delete(i.peers, addr)
}

// DisconnectAll is used to remove all routes to peers.
func (i *InmemTransport) DisconnectAll() {
	i.Lock()
	defer i.Unlock()
	i.peers = make(map[string]*InmemTransport)
}

// Close is used to permanently disable the transport.
func (i *InmemTransport) Close() error {
	i.DisconnectAll()
	return nil
}
