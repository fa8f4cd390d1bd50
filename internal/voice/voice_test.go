package voice

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSynth accepts one connection, validates the length-prefixed
// request, replies with audio, and closes.
func fakeSynth(t *testing.T, audio []byte) (host string, port int, gotText chan string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	gotText = make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var length uint32
		if err := binary.Read(conn, binary.LittleEndian, &length); err != nil {
			return
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}
		gotText <- string(payload)
		conn.Write(audio)
	}()

	hostStr, portStr, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.Atoi(portStr)
	return hostStr, p, gotText
}

func TestSynthesize(t *testing.T) {
	t.Parallel()

	audio := []byte{0x52, 0x49, 0x46, 0x46, 0x00, 0x01}
	host, port, gotText := fakeSynth(t, audio)

	p := New(testLogger(), host, port)
	got, err := p.Synthesize(context.Background(), "hello there")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !bytes.Equal(got, audio) {
		t.Errorf("audio = %v, want %v", got, audio)
	}
	if text := <-gotText; text != "hello there" {
		t.Errorf("synthesizer received %q", text)
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	t.Parallel()

	host, port, gotText := fakeSynth(t, []byte("tone"))

	p := New(testLogger(), host, port)
	if _, err := p.Synthesize(context.Background(), ""); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if text := <-gotText; text != "" {
		t.Errorf("expected empty payload, got %q", text)
	}
}

func TestSynthesize_ConnectFailure(t *testing.T) {
	t.Parallel()

	// Grab a port and close it so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()
	port, _ := strconv.Atoi(portStr)

	p := New(testLogger(), "127.0.0.1", port)
	if _, err := p.Synthesize(context.Background(), "hi"); err == nil {
		t.Error("Synthesize should fail when nothing listens")
	}
}
