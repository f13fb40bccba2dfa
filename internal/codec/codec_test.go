package codec

import (
	"net"
	"strings"
	"testing"
	"time"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	type payload struct {
		Hello string `json:"hello"`
	}

	done := make(chan error, 1)
	go func() {
		done <- WriteFrame(client, payload{Hello: "world"})
	}()

	raw, err := ReadFrame(server)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if !strings.Contains(string(raw), `"hello":"world"`) {
		t.Fatalf("unexpected frame bytes: %s", raw)
	}
}

func TestWriteFrameRejectsNonObject(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	if err := WriteFrame(client, []int{1, 2, 3}); err == nil {
		t.Fatal("expected ErrNotAnObject, got nil")
	}
}

func TestWriteFrameRejectsOversizeFrame(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	big := struct {
		Blob string `json:"blob"`
	}{Blob: strings.Repeat("x", MaxFrameSize)}

	if err := WriteFrame(client, big); err == nil {
		t.Fatal("expected ErrFrameTooLarge, got nil")
	}
}

func TestReadFrameRejectsMalformedJSON(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go client.Write([]byte("not json"))

	if _, err := ReadFrame(server); err == nil {
		t.Fatal("expected decode error, got nil")
	}
}

func TestReadFrameRejectsNonObjectJSON(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go client.Write([]byte(`[1,2,3]`))

	if _, err := ReadFrame(server); err == nil {
		t.Fatal("expected ErrMalformedFrame, got nil")
	}
}

func TestReadFrameEOF(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	client.Close()
	if _, err := ReadFrame(server); err == nil {
		t.Fatal("expected error on closed connection")
	}
}

func TestReadFrameHonoursDeadline(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	server.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	if _, err := ReadFrame(server); err == nil {
		t.Fatal("expected read deadline error")
	}
}
