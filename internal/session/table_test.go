package session

import "testing"

// fakePeer is a minimal Peer implementation for exercising the table without
// a real connection. fail simulates a full or closed outbound queue.
type fakePeer struct {
	delivered [][]byte
	fail      bool
}

func (p *fakePeer) Deliver(data []byte) bool {
	if p.fail {
		return false
	}
	p.delivered = append(p.delivered, data)
	return true
}

func TestBindAndLookup(t *testing.T) {
	table := New(nil)
	peer := &fakePeer{}

	if err := table.Bind("alice", peer); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	got, ok := table.ConnOf("alice")
	if !ok || got != peer {
		t.Fatalf("ConnOf(alice) = %v, %v; want peer, true", got, ok)
	}
	name, ok := table.NameOf(peer)
	if !ok || name != "alice" {
		t.Fatalf("NameOf(peer) = %q, %v; want alice, true", name, ok)
	}
	if names := table.AllNames(); len(names) != 1 || names[0] != "alice" {
		t.Fatalf("AllNames() = %v; want [alice]", names)
	}
}

// TestBindRejectsNameCollision exercises §8 scenario 3 at the session-table
// level: a second bind for an already-bound name fails and the original
// binding is left untouched.
func TestBindRejectsNameCollision(t *testing.T) {
	table := New(nil)
	first := &fakePeer{}
	second := &fakePeer{}

	if err := table.Bind("alice", first); err != nil {
		t.Fatalf("Bind(first): %v", err)
	}
	if err := table.Bind("alice", second); err != ErrNameTaken {
		t.Fatalf("Bind(second) = %v; want ErrNameTaken", err)
	}

	got, ok := table.ConnOf("alice")
	if !ok || got != first {
		t.Fatalf("ConnOf(alice) after collision = %v, %v; want original peer, true", got, ok)
	}
}

func TestUnbindByNameAndByConn(t *testing.T) {
	table := New(nil)
	peer := &fakePeer{}

	table.Bind("alice", peer)
	table.UnbindByName("alice")
	if _, ok := table.ConnOf("alice"); ok {
		t.Fatal("ConnOf(alice) after UnbindByName = bound; want unbound")
	}

	table.Bind("bob", peer)
	name := table.UnbindByConn(peer)
	if name != "bob" {
		t.Fatalf("UnbindByConn = %q; want bob", name)
	}
	if _, ok := table.NameOf(peer); ok {
		t.Fatal("NameOf(peer) after UnbindByConn = bound; want unbound")
	}
}

func TestBijectionHoldsAcrossBindAndUnbind(t *testing.T) {
	table := New(nil)
	peers := map[string]*fakePeer{"alice": {}, "bob": {}, "carol": {}}
	for name, peer := range peers {
		if err := table.Bind(name, peer); err != nil {
			t.Fatalf("Bind(%s): %v", name, err)
		}
	}

	for name, peer := range peers {
		if got, ok := table.ConnOf(name); !ok || got != peer {
			t.Fatalf("ConnOf(%s) = %v, %v; want peer, true", name, got, ok)
		}
		if got, ok := table.NameOf(peer); !ok || got != name {
			t.Fatalf("NameOf(peer for %s) = %q, %v; want %s, true", name, got, ok, name)
		}
	}

	table.UnbindByName("bob")
	if _, ok := table.ConnOf("bob"); ok {
		t.Fatal("bob still bound after UnbindByName")
	}
	if _, ok := table.NameOf(peers["bob"]); ok {
		t.Fatal("bob's peer still mapped after UnbindByName")
	}
}

// TestBroadcastDropsUnwritablePeer exercises the broadcast side of §4.5's
// "a failed send on broadcast evicts the target session" rule.
func TestBroadcastDropsUnwritablePeer(t *testing.T) {
	table := New(nil)
	alice := &fakePeer{}
	bob := &fakePeer{fail: true}

	table.Bind("alice", alice)
	table.Bind("bob", bob)

	table.Broadcast([]byte(`{"RESPONSE":205}`))

	if len(alice.delivered) != 1 {
		t.Fatalf("alice.delivered = %d frames; want 1", len(alice.delivered))
	}
	if _, ok := table.ConnOf("bob"); ok {
		t.Fatal("bob still bound after a failed broadcast delivery")
	}
	if _, ok := table.ConnOf("alice"); !ok {
		t.Fatal("alice was evicted but should remain bound")
	}
}
