package peers

// Peer is a cluster member descriptor. The ID is the stable identifier from
// the cluster configuration; the URL is the address other nodes dial.
type Peer struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// NewPeer ...
func NewPeer(id, url string) *Peer {
	return &Peer{
		ID:  id,
		URL: url,
	}
}

// ExcludePeer is used to exclude a single peer from a list of peers.
func ExcludePeer(peers []*Peer, id string) (int, []*Peer) {
	index := -1
	otherPeers := make([]*Peer, 0, len(peers))
	for i, p := range peers {
		if p.ID != id {
			otherPeers = append(otherPeers, p)
		} else {
			index = i
		}
	}
	return index, otherPeers
}
