// Package server implements the JIM message processor: the accept loop, the
// §4.4 authentication handshake, and the §4.5 request dispatcher.
//
// Concurrency overview
// --------------------
//
//	Listener goroutine
//	Accepts TCP connections; spawns readPump + writePump goroutines for
//	each Client.
//
//	Session table (internal/session)
//	Owns the authenticated-account ↔ connection bijection; see
//	internal/session's package doc.
//
//	Stats pool (N goroutines)
//	Asynchronously records per-message sent/received counters so the
//	hot forwarding path in dispatch is never blocked on credstore I/O.
//
//	Credential store (internal/credstore)
//	Durable accounts, contacts, and history, backed by SQLite.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"jimchat/internal/auth"
	"jimchat/internal/credstore"
	"jimchat/internal/protocol"
	"jimchat/internal/session"
)

// ---------------------------------------------------------------------------
// Stats pool – async message-counter persistence
// ---------------------------------------------------------------------------

type statsJob struct {
	sender, recipient string
}

// statsPool persists §4.2's per-account sent/received counters in the
// background, off a pool of workers, rather than the message bodies
// themselves (individual message text is never persisted, §3).
type statsPool struct {
	jobs     chan statsJob
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newStatsPool(n int, store *credstore.Store, log *slog.Logger) *statsPool {
	p := &statsPool{jobs: make(chan statsJob, 1024)}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for j := range p.jobs {
				if err := store.CountMessage(context.Background(), j.sender, j.recipient); err != nil {
					log.Warn("count message failed", "sender", j.sender, "recipient", j.recipient, "err", err)
				}
			}
		}()
	}
	return p
}

func (p *statsPool) submit(sender, recipient string) {
	select {
	case p.jobs <- statsJob{sender, recipient}:
	default:
		// Queue full: the counters are a best-effort view, not the
		// message itself, so a drop here loses a statistic, not a
		// delivery.
	}
}

func (p *statsPool) stop() {
	p.stopOnce.Do(func() {
		close(p.jobs)
		p.wg.Wait()
	})
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// pendingAuth tracks one connection's state between PRESENCE and the
// matching challenge response, since the handshake spans two frames on a
// connection that is not yet in the session table.
type pendingAuth struct {
	account   string
	nonce     []byte
	publicKey string
}

// Server ties together the credential store, the session table, and the
// stats pool.
type Server struct {
	store    *credstore.Store
	sessions *session.Table
	stats    *statsPool
	listener net.Listener
	log      *slog.Logger

	connID atomic.Uint64

	pendingMu sync.Mutex
	pending   map[*Client]*pendingAuth
}

// New creates a Server around an already-open credential store. workers
// controls the size of the async stats-persistence pool.
func New(store *credstore.Store, workers int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:    store,
		sessions: session.New(logger),
		stats:    newStatsPool(workers, store, logger),
		pending:  make(map[*Client]*pendingAuth),
		log:      logger,
	}
}

// ListenAndServe accepts TCP connections on addr until Shutdown closes the
// listener.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = ln
	s.log.Info("listening", "addr", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil
		}
		go s.serveConn(conn)
	}
}

// Shutdown stops accepting connections and drains the stats pool.
func (s *Server) Shutdown() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.stats.stop()
}

// serveConn wires up one connection's Client and runs its pumps.
func (s *Server) serveConn(conn net.Conn) {
	id := fmt.Sprintf("conn-%d", s.connID.Add(1))

	addr := conn.RemoteAddr().String()
	host, portStr, err := net.SplitHostPort(addr)
	port := 0
	if err != nil {
		host = addr
	} else if p, convErr := strconv.Atoi(portStr); convErr == nil {
		port = p
	}

	c := newClient(id, conn, host, port, s)
	go c.writePump()
	c.readPump()
}

// evict tears down everything a connection owns: any in-flight handshake
// state, its session-table binding and active-session row, and its
// outbound queue. It is always invoked, exactly once, by readPump's
// deferred call.
func (s *Server) evict(c *Client) {
	s.pendingMu.Lock()
	delete(s.pending, c)
	s.pendingMu.Unlock()

	if name := s.sessions.UnbindByConn(c); name != "" {
		if err := s.store.Logout(context.Background(), name); err != nil {
			s.log.Warn("logout on evict failed", "account", name, "err", err)
		}
		s.log.Info("session evicted", "account", name, "conn", c.id)
	}
	c.close()
}

// ---------------------------------------------------------------------------
// Authentication handshake (§4.4)
// ---------------------------------------------------------------------------

// handleHandshakeFrame drives the two-step handshake for a connection that
// has not yet bound an account. It reports whether the connection should
// keep reading.
func (s *Server) handleHandshakeFrame(c *Client, raw []byte) bool {
	s.pendingMu.Lock()
	pa, waiting := s.pending[c]
	s.pendingMu.Unlock()

	if waiting {
		return s.handleChallengeResponse(c, raw, pa)
	}
	return s.handlePresence(c, raw)
}

func (s *Server) handlePresence(c *Client, raw []byte) bool {
	msg, err := protocol.Decode(raw)
	if err != nil {
		c.sendFrame(protocol.ErrorReply{Reason: "expected presence"})
		return false
	}
	pres, ok := msg.(protocol.Presence)
	if !ok {
		c.sendFrame(protocol.ErrorReply{Reason: "expected presence"})
		return false
	}

	ctx := context.Background()

	if _, bound := s.sessions.ConnOf(pres.AccountName); bound {
		c.sendFrame(protocol.ErrorReply{Reason: "name already taken"})
		return false
	}
	registered, err := s.store.Check(ctx, pres.AccountName)
	if err != nil {
		s.log.Error("check account failed", "account", pres.AccountName, "err", err)
		c.sendFrame(protocol.ErrorReply{Reason: "internal error"})
		return false
	}
	if !registered {
		c.sendFrame(protocol.ErrorReply{Reason: "not registered"})
		return false
	}

	nonce, err := auth.NewNonce()
	if err != nil {
		s.log.Error("generate nonce failed", "err", err)
		c.sendFrame(protocol.ErrorReply{Reason: "internal error"})
		return false
	}

	s.pendingMu.Lock()
	s.pending[c] = &pendingAuth{account: pres.AccountName, nonce: nonce, publicKey: pres.PublicKey}
	s.pendingMu.Unlock()

	c.sendFrame(protocol.Challenge{NonceHex: auth.EncodeNonce(nonce)})
	return true
}

func (s *Server) handleChallengeResponse(c *Client, raw []byte, pa *pendingAuth) bool {
	proofB64, err := protocol.DecodeRaw511(raw)
	if err != nil {
		c.sendFrame(protocol.ErrorReply{Reason: "expected challenge response"})
		return false
	}
	proof, err := auth.DecodeProof(proofB64)
	if err != nil {
		c.sendFrame(protocol.ErrorReply{Reason: "malformed proof"})
		return false
	}

	ctx := context.Background()
	hash, err := s.store.HashOf(ctx, pa.account)
	if err != nil {
		s.log.Error("load hash failed", "account", pa.account, "err", err)
		c.sendFrame(protocol.ErrorReply{Reason: "internal error"})
		return false
	}

	expected := auth.Proof(hash, pa.nonce)
	if !auth.ConstantTimeEqual(expected, proof) {
		c.sendFrame(protocol.ErrorReply{Reason: "wrong password"})
		return false
	}

	if err := s.sessions.Bind(pa.account, c); err != nil {
		c.sendFrame(protocol.ErrorReply{Reason: "name already taken"})
		return false
	}
	if err := s.store.Login(ctx, pa.account, c.addr, c.port, pa.publicKey); err != nil {
		s.sessions.UnbindByName(pa.account)
		s.log.Error("record login failed", "account", pa.account, "err", err)
		c.sendFrame(protocol.ErrorReply{Reason: "internal error"})
		return false
	}
	c.setAccountName(pa.account)

	s.pendingMu.Lock()
	delete(s.pending, c)
	s.pendingMu.Unlock()

	c.sendFrame(protocol.Ok{})
	s.log.Info("authenticated", "account", pa.account, "conn", c.id)
	return true
}

// ---------------------------------------------------------------------------
// Request dispatch (§4.5)
// ---------------------------------------------------------------------------

// dispatch handles one decoded Message from an already-bound connection. It
// reports whether the connection should keep reading: a claimed-origin
// mismatch closes the connection, an unsupported but well-formed action
// only replies 400 and continues.
func (s *Server) dispatch(c *Client, msg protocol.Message) bool {
	ctx := context.Background()
	account := c.accountName()

	switch m := msg.(type) {
	case protocol.MessageFrame:
		if m.Sender != account {
			c.sendFrame(protocol.ErrorReply{Reason: "sender does not match session"})
			return false
		}
		peer, ok := s.sessions.ConnOf(m.Destination)
		if !ok {
			c.sendFrame(protocol.ErrorReply{Reason: "user not registered"})
			return true
		}
		data, err := protocol.Encode(m)
		if err != nil {
			c.sendFrame(protocol.ErrorReply{Reason: "internal error"})
			return true
		}
		if !peer.Deliver(data) {
			s.sessions.UnbindByName(m.Destination)
			return true
		}
		c.sendFrame(protocol.Ok{})
		s.stats.submit(m.Sender, m.Destination)
		return true

	case protocol.GetContacts:
		if m.Owner != account {
			c.sendFrame(protocol.ErrorReply{Reason: "origin mismatch"})
			return false
		}
		contacts, err := s.store.ContactsOf(ctx, account)
		if err != nil {
			c.sendFrame(protocol.ErrorReply{Reason: "internal error"})
			return true
		}
		c.sendFrame(protocol.ListInfo{Names: contacts})
		return true

	case protocol.AddContact:
		if m.Owner != account {
			c.sendFrame(protocol.ErrorReply{Reason: "origin mismatch"})
			return false
		}
		if err := s.store.AddContact(ctx, account, m.Target); err != nil {
			c.sendFrame(protocol.ErrorReply{Reason: "internal error"})
			return true
		}
		c.sendFrame(protocol.Ok{})
		return true

	case protocol.RemoveContact:
		if m.Owner != account {
			c.sendFrame(protocol.ErrorReply{Reason: "origin mismatch"})
			return false
		}
		if err := s.store.RemoveContact(ctx, account, m.Target); err != nil {
			c.sendFrame(protocol.ErrorReply{Reason: "internal error"})
			return true
		}
		c.sendFrame(protocol.Ok{})
		return true

	case protocol.UsersRequest:
		if m.Owner != account {
			c.sendFrame(protocol.ErrorReply{Reason: "origin mismatch"})
			return false
		}
		names, err := s.store.AllUsers(ctx)
		if err != nil {
			c.sendFrame(protocol.ErrorReply{Reason: "internal error"})
			return true
		}
		c.sendFrame(protocol.ListInfo{Names: names})
		return true

	case protocol.PublicKeyRequest:
		// The wire frame carries only the account being looked up, not a
		// separate claimed-origin field, so there is no mismatch to
		// check here: the requester's own identity is already
		// established by the connection's binding.
		key, present, err := s.store.PublicKeyOf(ctx, m.Target)
		if err != nil || !present {
			c.sendFrame(protocol.ErrorReply{Reason: "no public key on file"})
			return true
		}
		c.sendFrame(protocol.PublicKeyData{Key: key})
		return true

	case protocol.Exit:
		return false

	default:
		c.sendFrame(protocol.ErrorReply{Reason: "unsupported action"})
		return true
	}
}

// ---------------------------------------------------------------------------
// Admin operations
// ---------------------------------------------------------------------------

// RegisterAccount hashes password the same way the handshake verifies it,
// creates the account, and broadcasts a roster-invalidation notice (§4.5:
// RESPONSE 205) to every bound session. Intended for the admin console
// (cmd/server), since JIM itself has no client-facing registration action.
func (s *Server) RegisterAccount(ctx context.Context, name, password string) error {
	if err := s.store.Register(ctx, name, auth.DeriveKey(name, password)); err != nil {
		return err
	}
	s.broadcastReset()
	return nil
}

// DeleteAccount removes an account, evicts any live session for it, and
// broadcasts a roster-invalidation notice (§4.5: RESPONSE 205) so every
// other connected client refreshes its cached user and contact lists.
func (s *Server) DeleteAccount(ctx context.Context, name string) error {
	if err := s.store.Delete(ctx, name); err != nil {
		return err
	}
	if peer, ok := s.sessions.ConnOf(name); ok {
		if c, ok := peer.(*Client); ok {
			c.close()
		}
		s.sessions.UnbindByName(name)
	}
	s.broadcastReset()
	return nil
}

// AllUsers and ActiveUsers expose read-only views for the admin console.
func (s *Server) AllUsers(ctx context.Context) ([]string, error) { return s.store.AllUsers(ctx) }

func (s *Server) ActiveUsers(ctx context.Context) ([]credstore.ActiveSession, error) {
	return s.store.ActiveUsers(ctx)
}

func (s *Server) broadcastReset() {
	data, err := protocol.Encode(protocol.Reset{})
	if err != nil {
		return
	}
	s.sessions.Broadcast(data)
}
