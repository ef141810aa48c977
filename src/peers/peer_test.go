package peers

import (
	"testing"
)

func TestQuorum(t *testing.T) {
	// quorum is floor(N/2)+1 where N includes the local node
	cases := []struct {
		peers  int
		quorum int
	}{
		{0, 1},
		{1, 2},
		{2, 2},
		{3, 3},
		{4, 3},
	}

	for _, c := range cases {
		list := make([]*Peer, c.peers)
		for i := range list {
			list[i] = NewPeer(string(rune('a'+i)), "")
		}
		if q := NewPeerSet(list).Quorum(); q != c.quorum {
			t.Fatalf("peers=%d quorum=%d, want %d", c.peers, q, c.quorum)
		}
	}
}

func TestMergeIsAppendOnly(t *testing.T) {
	ps := NewPeerSet([]*Peer{
		NewPeer("a", "inmem://a"),
		NewPeer("b", "inmem://b"),
	})

	ps.Merge([]*Peer{
		NewPeer("b", "inmem://elsewhere"),
		NewPeer("c", "inmem://c"),
	})

	if ps.Len() != 3 {
		t.Fatalf("len = %d, want 3", ps.Len())
	}
	if ps.Get("b").URL != "inmem://b" {
		t.Fatal("existing peer was overwritten")
	}
	if ps.Get("c") == nil {
		t.Fatal("new peer was not appended")
	}
}

func TestExcludePeer(t *testing.T) {
	list := []*Peer{
		NewPeer("a", ""),
		NewPeer("b", ""),
		NewPeer("c", ""),
	}

	index, others := ExcludePeer(list, "b")
	if index != 1 {
		t.Fatalf("index = %d", index)
	}
	if len(others) != 2 || others[0].ID != "a" || others[1].ID != "c" {
		t.Fatalf("others = %v", others)
	}
}
