// Package session implements the §4.3 in-memory session table: a bijection
// between authenticated account names and live connections, plus the
// broadcast fan-out used for §4.5's 205 roster-invalidation notices.
//
// This collapses a channel-driven hub/online-map split into a single
// mutex-guarded structure, since JIM's session table has no unauthenticated
// membership to track separately: unlike a broadcast chat room, a
// connection only joins the table once it is bound.
package session

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrNameTaken is returned by Bind when name is already bound to any
// connection (§4.4 step 1).
var ErrNameTaken = errors.New("session: name already taken")

// Peer is the minimal surface the session table needs from a bound
// connection: a non-blocking outbound queue it can push frames onto. The
// server's Client type implements this.
type Peer interface {
	// Deliver attempts to enqueue data for the peer without blocking. It
	// reports false if the peer's outbound queue is full (the slow-client
	// case) or already closed.
	Deliver(data []byte) bool
}

// Table is the session bijection. All methods are safe for concurrent use.
type Table struct {
	mu    sync.Mutex
	byName map[string]Peer
	byPeer map[Peer]string
	log   *slog.Logger
}

// New creates an empty session table.
func New(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		byName: make(map[string]Peer),
		byPeer: make(map[Peer]string),
		log:   logger,
	}
}

// Bind registers name ↔ peer. Fails with ErrNameTaken if name is already
// bound, to this peer or any other (§8: at-most-one-session).
func (t *Table) Bind(name string, peer Peer) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, taken := t.byName[name]; taken {
		return ErrNameTaken
	}
	t.byName[name] = peer
	t.byPeer[peer] = name
	t.log.Info("session bound", "account", name)
	return nil
}

// UnbindByName removes name's session, if any.
func (t *Table) UnbindByName(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unbindLocked(name)
}

// UnbindByConn removes peer's session, if any, and returns the account name
// it was bound to (empty if it was not bound).
func (t *Table) UnbindByConn(peer Peer) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	name, ok := t.byPeer[peer]
	if !ok {
		return ""
	}
	t.unbindLocked(name)
	return name
}

func (t *Table) unbindLocked(name string) {
	peer, ok := t.byName[name]
	if !ok {
		return
	}
	delete(t.byName, name)
	delete(t.byPeer, peer)
	t.log.Info("session unbound", "account", name)
}

// ConnOf returns the peer bound to name, if any.
func (t *Table) ConnOf(name string) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byName[name]
	return p, ok
}

// NameOf returns the account name bound to peer, if any.
func (t *Table) NameOf(peer Peer) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.byPeer[peer]
	return n, ok
}

// AllNames returns every currently bound account name.
func (t *Table) AllNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.byName))
	for name := range t.byName {
		out = append(out, name)
	}
	return out
}

// Broadcast delivers data to every bound session, evicting (unbinding) any
// peer whose outbound queue is full rather than blocking the broadcast
// (§4.5: "a failed send on broadcast evicts the target session").
func (t *Table) Broadcast(data []byte) {
	t.mu.Lock()
	snapshot := make(map[string]Peer, len(t.byName))
	for name, peer := range t.byName {
		snapshot[name] = peer
	}
	t.mu.Unlock()

	for name, peer := range snapshot {
		if !peer.Deliver(data) {
			t.UnbindByName(name)
			t.log.Warn("dropped unwritable session during broadcast", "account", name)
		}
	}
}
