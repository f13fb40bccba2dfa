package client

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"jimchat/internal/auth"
	"jimchat/internal/codec"
	"jimchat/internal/protocol"
)

// fakeServer is a minimal stand-in for the message processor: it completes
// one handshake, exactly as the real server would for the right password,
// then lets the test script the rest of the exchange.
func fakeServer(t *testing.T, ln net.Listener, password string, script func(conn net.Conn)) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		t.Errorf("accept: %v", err)
		return
	}
	defer conn.Close()

	raw, err := codec.ReadFrame(conn)
	if err != nil {
		t.Errorf("read presence: %v", err)
		return
	}
	msg, err := protocol.Decode(raw)
	if err != nil {
		t.Errorf("decode presence: %v", err)
		return
	}
	pres, ok := msg.(protocol.Presence)
	if !ok {
		t.Errorf("expected presence, got %T", msg)
		return
	}

	nonce, err := auth.NewNonce()
	if err != nil {
		t.Errorf("nonce: %v", err)
		return
	}
	data, _ := protocol.Encode(protocol.Challenge{NonceHex: auth.EncodeNonce(nonce)})
	if err := codec.WriteFrame(conn, json.RawMessage(data)); err != nil {
		t.Errorf("write challenge: %v", err)
		return
	}

	raw, err = codec.ReadFrame(conn)
	if err != nil {
		t.Errorf("read response: %v", err)
		return
	}
	proofB64, err := protocol.DecodeRaw511(raw)
	if err != nil {
		t.Errorf("decode511: %v", err)
		return
	}
	proof, err := auth.DecodeProof(proofB64)
	if err != nil {
		t.Errorf("decode proof: %v", err)
		return
	}
	expected := auth.Proof(auth.DeriveKey(pres.AccountName, password), nonce)
	if !auth.ConstantTimeEqual(expected, proof) {
		data, _ := protocol.Encode(protocol.ErrorReply{Reason: "wrong password"})
		codec.WriteFrame(conn, json.RawMessage(data))
		return
	}

	data, _ = protocol.Encode(protocol.Ok{})
	if err := codec.WriteFrame(conn, json.RawMessage(data)); err != nil {
		t.Errorf("write ok: %v", err)
		return
	}

	if script != nil {
		script(conn)
	}
}

func TestLoginSucceedsAndDrivesHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fakeServer(t, ln, "hunter2", func(conn net.Conn) {
			time.Sleep(50 * time.Millisecond)
		})
	}()

	tr, err := Dial(ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Shutdown()

	if err := tr.Login("alice", "hunter2", ""); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if tr.account != "alice" {
		t.Fatalf("account = %q; want alice", tr.account)
	}
	<-done
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go fakeServer(t, ln, "hunter2", nil)

	tr, err := Dial(ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.conn.Close()

	if err := tr.Login("alice", "wrong", ""); err == nil {
		t.Fatal("expected Login to fail with wrong password")
	}
}

func TestRequestReplyRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go fakeServer(t, ln, "hunter2", func(conn net.Conn) {
		raw, err := codec.ReadFrame(conn)
		if err != nil {
			return
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			return
		}
		if _, ok := msg.(protocol.MessageFrame); !ok {
			return
		}
		data, _ := protocol.Encode(protocol.Ok{})
		codec.WriteFrame(conn, json.RawMessage(data))
	})

	tr, err := Dial(ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Shutdown()

	if err := tr.Login("alice", "hunter2", ""); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := tr.SendMessage("bob", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
}

func TestConnectionLostSignalled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go fakeServer(t, ln, "hunter2", func(conn net.Conn) {
		conn.Close()
	})

	tr, err := Dial(ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := tr.Login("alice", "hunter2", ""); err != nil {
		t.Fatalf("Login: %v", err)
	}

	select {
	case <-tr.ConnectionLost:
	case <-time.After(5 * time.Second):
		t.Fatal("ConnectionLost was not signalled")
	}
}
