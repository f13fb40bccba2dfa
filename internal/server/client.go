package server

import (
	"net"
	"sync"
	"time"

	"jimchat/internal/codec"
	"jimchat/internal/protocol"
)

const (
	sendBufSize  = 256              // buffered outbound queue capacity
	writeTimeout = 10 * time.Second
	readTimeout  = 5 * time.Second  // §4.6 step 1: 5s per-call timeout on live sockets
)

// Client represents one TCP connection and implements session.Peer.
//
// Two goroutines are spawned per connection:
//
//	readPump  – reads one JIM frame at a time and drives the handshake
//	            (while unbound) and the dispatcher (once bound).
//	writePump – drains the outbound queue and writes frames to the
//	            connection, so a slow peer never blocks a forwarder.
//
// This is generalized from a single username field to the JIM account
// identity plus the peer address/port the Session entity (§3) records,
// captured once when the connection is accepted and reused at bind time.
type Client struct {
	id     string // unique connection identifier
	server *Server
	conn   net.Conn
	send   chan []byte // outbound, already-encoded wire frames

	addr string
	port int

	// account is set exactly once, by readPump, the instant the handshake
	// succeeds, and never changes after that. The mutex exists so a
	// concurrent reader (the admin console, logging) can observe it
	// safely.
	mu      sync.RWMutex
	account string
}

func newClient(id string, conn net.Conn, addr string, port int, srv *Server) *Client {
	return &Client{
		id:     id,
		conn:   conn,
		server: srv,
		send:   make(chan []byte, sendBufSize),
		addr:   addr,
		port:   port,
	}
}

func (c *Client) isAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.account != ""
}

func (c *Client) accountName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.account
}

func (c *Client) setAccountName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.account = name
}

// Deliver implements session.Peer: a non-blocking enqueue onto the
// connection's outbound queue. It reports false when the queue is full or
// the queue has already been closed by writePump's shutdown, which the
// session table treats as an eviction signal (§4.5: "a failed send on
// broadcast evicts the target session").
func (c *Client) Deliver(data []byte) (delivered bool) {
	defer func() {
		if recover() != nil {
			delivered = false
		}
	}()
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close shuts down the outbound queue so writePump exits; safe to call more
// than once, from Server.DeleteAccount and from Server.evict.
func (c *Client) close() {
	defer func() { recover() }()
	close(c.send)
}

// readPump reads one frame at a time, driving the handshake while unbound
// and the dispatcher once bound. It returns (and triggers eviction via its
// deferred Server.evict call) on the first decode error, protocol
// violation, or I/O error,
// exactly the boundary §4.6 step 3 and §7 describe.
func (c *Client) readPump() {
	defer c.server.evict(c)

	for {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		raw, err := codec.ReadFrame(c.conn)
		if err != nil {
			return
		}

		if !c.isAuthenticated() {
			if !c.server.handleHandshakeFrame(c, raw) {
				return
			}
			continue
		}

		msg, err := protocol.Decode(raw)
		if err != nil {
			// MalformedFrame/ProtocolViolation at the decode boundary:
			// §7 closes the connection for both.
			c.sendFrame(protocol.ErrorReply{Reason: "bad request"})
			return
		}
		if !c.server.dispatch(c, msg) {
			return
		}
	}
}

// writePump drains the outbound queue and writes each frame to the
// connection in one Write call per queued item, matching the codec's
// one-Write-per-frame contract.
func (c *Client) writePump() {
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := c.conn.Write(data); err != nil {
			return
		}
	}
}

// sendFrame encodes and enqueues m. Non-blocking: if the outbound queue is
// full the frame is silently dropped.
func (c *Client) sendFrame(m protocol.Message) {
	data, err := protocol.Encode(m)
	if err != nil {
		return
	}
	c.Deliver(data)
}
