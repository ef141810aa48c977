package peers

import (
	"math/rand"
	"sync"
)

// PeerSet is an ordered collection of the remote members of the cluster; it
// does not contain the local node. Peers discovered at runtime are appended,
// never removed.
type PeerSet struct {
	lock sync.RWMutex

	Peers []*Peer
	ByID  map[string]*Peer
}

// NewPeerSet creates a PeerSet from a list of Peers.
func NewPeerSet(peers []*Peer) *PeerSet {
	byID := make(map[string]*Peer)
	ordered := []*Peer{}
	for _, peer := range peers {
		if _, ok := byID[peer.ID]; ok {
			continue
		}
		byID[peer.ID] = peer
		ordered = append(ordered, peer)
	}

	return &PeerSet{
		Peers: ordered,
		ByID:  byID,
	}
}

// Merge appends unknown peers to the set. Existing entries are kept as they
// are; membership is append-only.
func (ps *PeerSet) Merge(peers []*Peer) {
	ps.lock.Lock()
	defer ps.lock.Unlock()

	for _, peer := range peers {
		if _, ok := ps.ByID[peer.ID]; ok {
			continue
		}
		ps.ByID[peer.ID] = peer
		ps.Peers = append(ps.Peers, peer)
	}
}

// Get returns the peer with the given id, or nil.
func (ps *PeerSet) Get(id string) *Peer {
	ps.lock.RLock()
	defer ps.lock.RUnlock()

	return ps.ByID[id]
}

// Len returns the number of remote peers.
func (ps *PeerSet) Len() int {
	ps.lock.RLock()
	defer ps.lock.RUnlock()

	return len(ps.Peers)
}

// Snapshot returns a copy of the ordered peer list.
func (ps *PeerSet) Snapshot() []*Peer {
	ps.lock.RLock()
	defer ps.lock.RUnlock()

	res := make([]*Peer, len(ps.Peers))
	copy(res, ps.Peers)
	return res
}

// Random returns a random peer, or nil when the set is empty.
func (ps *PeerSet) Random() *Peer {
	ps.lock.RLock()
	defer ps.lock.RUnlock()

	if len(ps.Peers) == 0 {
		return nil
	}
	return ps.Peers[rand.Intn(len(ps.Peers))]
}

// Quorum is floor(N/2)+1 where N is the total cluster size including the
// local node.
func (ps *PeerSet) Quorum() int {
	ps.lock.RLock()
	defer ps.lock.RUnlock()

	return (len(ps.Peers)+1)/2 + 1
}
