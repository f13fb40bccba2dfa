// Package client implements the §4.7 client transport core: connect with
// retry, the authentication handshake, and a request/reply correlator
// shared with a background reader worker that polls for unsolicited
// frames (incoming messages, roster invalidation) between UI requests.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"jimchat/internal/auth"
	"jimchat/internal/codec"
	"jimchat/internal/protocol"
)

var (
	// ErrConnectFailed is returned by Dial once every retry attempt fails.
	ErrConnectFailed = errors.New("client: could not connect")
)

const (
	connectRetries  = 5
	connectDelay    = 1 * time.Second
	requestTimeout  = 5 * time.Second
	pollReadTimeout = 500 * time.Millisecond
	pollInterval    = 1 * time.Second
)

// Transport owns one authenticated connection to a message processor.
//
// sockMu serializes every access to the socket: a UI-issued request (e.g.
// SendMessage) and the background reader worker's periodic poll would
// otherwise race to read the next frame off the same stream. The reader
// worker holds sockMu only for the duration of one Read call, so it never
// starves a pending UI request for more than pollReadTimeout.
type Transport struct {
	conn    net.Conn
	sockMu  sync.Mutex
	account string

	// NewMessage delivers MESSAGE frames the server forwarded to this
	// session outside of any request/reply exchange.
	NewMessage chan protocol.MessageFrame
	// ConnectionLost is closed exactly once, the first time the reader
	// worker observes a non-timeout error on the socket.
	ConnectionLost chan struct{}
	// RosterInvalidated receives a value whenever the server sends a 205
	// RESET frame, signalling cached user/contact lists are stale.
	RosterInvalidated chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to addr, retrying up to connectRetries times, one second
// apart, per §4.7 step 1. The returned Transport is not yet authenticated;
// call Login before issuing any other request.
func Dial(addr string) (*Transport, error) {
	var conn net.Conn
	var err error
	for attempt := 0; attempt < connectRetries; attempt++ {
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(connectDelay)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	return &Transport{
		conn:              conn,
		NewMessage:        make(chan protocol.MessageFrame, 32),
		ConnectionLost:    make(chan struct{}),
		RosterInvalidated: make(chan struct{}, 1),
		done:              make(chan struct{}),
	}, nil
}

// Login runs the §4.4 PRESENCE/challenge/response handshake and, on
// success, starts the background reader worker. publicKey may be empty.
func (t *Transport) Login(accountName, password, publicKey string) error {
	t.sockMu.Lock()
	defer t.sockMu.Unlock()

	if err := t.writeLocked(protocol.Presence{
		Time:        nowStamp(),
		AccountName: accountName,
		PublicKey:   publicKey,
	}); err != nil {
		return err
	}

	raw, err := codec.ReadFrame(t.conn)
	if err != nil {
		return fmt.Errorf("client: awaiting challenge: %w", err)
	}
	msg, err := protocol.Decode(raw)
	if err != nil {
		return err
	}
	challenge, ok := msg.(protocol.Challenge)
	if !ok {
		return unexpectedOrReason(msg, "presence")
	}

	nonce, err := auth.DecodeNonce(challenge.NonceHex)
	if err != nil {
		return err
	}
	key := auth.DeriveKey(accountName, password)
	proof := auth.Proof(key, nonce)

	if err := t.writeLocked(protocol.ChallengeResponse{ProofBase64: auth.EncodeProof(proof)}); err != nil {
		return err
	}
	raw, err = codec.ReadFrame(t.conn)
	if err != nil {
		return fmt.Errorf("client: awaiting authentication result: %w", err)
	}
	msg, err = protocol.Decode(raw)
	if err != nil {
		return err
	}
	if _, ok := msg.(protocol.Ok); !ok {
		return unexpectedOrReason(msg, "challenge response")
	}

	t.account = accountName
	go t.readerWorker()
	return nil
}

func (t *Transport) writeLocked(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return codec.WriteFrame(t.conn, json.RawMessage(data))
}

// request writes m and waits for the single reply frame that follows,
// under the socket lock the whole time. JIM is not pipelined: each
// connection has at most one outstanding request, so "the next frame" is
// always the matching reply.
func (t *Transport) request(m protocol.Message) (protocol.Message, error) {
	t.sockMu.Lock()
	defer t.sockMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(requestTimeout))
	if err := t.writeLocked(m); err != nil {
		return nil, err
	}
	t.conn.SetReadDeadline(time.Now().Add(requestTimeout))
	raw, err := codec.ReadFrame(t.conn)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(raw)
}

// readerWorker polls for unsolicited frames between UI requests, releasing
// sockMu after every attempt (§4.7 step 3: 0.5s read timeout, 1s sleep
// between reads, lock released while sleeping).
func (t *Transport) readerWorker() {
	for {
		select {
		case <-t.done:
			return
		default:
		}

		t.sockMu.Lock()
		t.conn.SetReadDeadline(time.Now().Add(pollReadTimeout))
		raw, err := codec.ReadFrame(t.conn)
		t.sockMu.Unlock()

		if err != nil {
			if isTimeout(err) {
				time.Sleep(pollInterval)
				continue
			}
			t.signalConnectionLost()
			return
		}

		t.handleUnsolicited(raw)
		time.Sleep(pollInterval)
	}
}

func (t *Transport) handleUnsolicited(raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		return
	}
	switch v := msg.(type) {
	case protocol.MessageFrame:
		select {
		case t.NewMessage <- v:
		default:
		}
	case protocol.Reset:
		select {
		case t.RosterInvalidated <- struct{}{}:
		default:
		}
	}
}

func (t *Transport) stopReader() {
	t.closeOnce.Do(func() { close(t.done) })
}

func (t *Transport) signalConnectionLost() {
	t.stopReader()
	close(t.ConnectionLost)
}

// Shutdown sends an EXIT frame, stops the reader worker, and closes the
// socket. Calling it after the reader has already observed a lost
// connection still attempts the EXIT write, ignoring its error, and closes
// conn.
func (t *Transport) Shutdown() {
	t.sockMu.Lock()
	t.writeLocked(protocol.Exit{Owner: t.account})
	t.sockMu.Unlock()

	t.stopReader()
	t.conn.Close()
}

// ---------------------------------------------------------------------------
// Public request API (§4.5, client side)
// ---------------------------------------------------------------------------

// SendMessage forwards text to destination through the server.
func (t *Transport) SendMessage(destination, text string) error {
	reply, err := t.request(protocol.MessageFrame{
		Sender:      t.account,
		Destination: destination,
		Time:        nowStamp(),
		Text:        text,
	})
	if err != nil {
		return err
	}
	return replyToErr(reply)
}

// AddContact adds name to the authenticated account's contact set.
func (t *Transport) AddContact(name string) error {
	reply, err := t.request(protocol.AddContact{Owner: t.account, Target: name})
	if err != nil {
		return err
	}
	return replyToErr(reply)
}

// RemoveContact removes name from the authenticated account's contact set.
func (t *Transport) RemoveContact(name string) error {
	reply, err := t.request(protocol.RemoveContact{Owner: t.account, Target: name})
	if err != nil {
		return err
	}
	return replyToErr(reply)
}

// ContactsListUpdate fetches the authenticated account's current contacts.
func (t *Transport) ContactsListUpdate() ([]string, error) {
	reply, err := t.request(protocol.GetContacts{Owner: t.account})
	if err != nil {
		return nil, err
	}
	list, ok := reply.(protocol.ListInfo)
	if !ok {
		return nil, replyToErr(reply)
	}
	return list.Names, nil
}

// UserListUpdate fetches every registered account name.
func (t *Transport) UserListUpdate() ([]string, error) {
	reply, err := t.request(protocol.UsersRequest{Owner: t.account})
	if err != nil {
		return nil, err
	}
	list, ok := reply.(protocol.ListInfo)
	if !ok {
		return nil, replyToErr(reply)
	}
	return list.Names, nil
}

// RequestPublicKey fetches account's stored public key.
func (t *Transport) RequestPublicKey(account string) (string, error) {
	reply, err := t.request(protocol.PublicKeyRequest{Owner: t.account, Target: account})
	if err != nil {
		return "", err
	}
	switch v := reply.(type) {
	case protocol.PublicKeyData:
		return v.Key, nil
	case protocol.Challenge:
		// protocol.Decode reads every 511 frame as a Challenge; in reply to
		// a public-key request its DATA is the key text.
		return v.NonceHex, nil
	default:
		return "", replyToErr(reply)
	}
}

func replyToErr(reply protocol.Message) error {
	switch v := reply.(type) {
	case protocol.Ok:
		return nil
	case protocol.ErrorReply:
		return fmt.Errorf("client: %s", v.Reason)
	default:
		return fmt.Errorf("client: unexpected reply %T", reply)
	}
}

func unexpectedOrReason(msg protocol.Message, step string) error {
	if e, ok := msg.(protocol.ErrorReply); ok {
		return fmt.Errorf("client: %s rejected: %s", step, e.Reason)
	}
	return fmt.Errorf("client: unexpected reply to %s: %T", step, msg)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func nowStamp() string { return time.Now().UTC().Format(time.RFC3339) }
