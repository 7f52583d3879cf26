package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/chimeranet/chimera/internal/crypto"
	"github.com/chimeranet/chimera/internal/mimic"
	"github.com/chimeranet/chimera/internal/transport"
)

// pipeConn adapts one end of a net.Pipe to the transport.Conn contract,
// reading at most 1 KiB per Recv like the TCP transport does.
type pipeConn struct {
	c net.Conn
}

func (p *pipeConn) Send(data []byte) error {
	_, err := p.c.Write(data)
	return err
}

func (p *pipeConn) Recv() ([]byte, error) {
	buf := make([]byte, 1024)
	n, err := p.c.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return nil, io.EOF
	}
	return nil, err
}

func (p *pipeConn) Close() error {
	return p.c.Close()
}

func (p *pipeConn) RemoteAddr() net.Addr {
	return p.c.RemoteAddr()
}

var _ transport.Conn = (*pipeConn)(nil)

// sessionPair establishes client and server sessions over an in-memory
// pipe, running both handshakes concurrently.
func sessionPair(t *testing.T, m mimic.Mimic) (client, server *Session) {
	t.Helper()

	clientEnd, serverEnd := net.Pipe()

	type result struct {
		sess *Session
		err  error
	}
	serverCh := make(chan result, 1)
	go func() {
		sess, err := Handshake(&pipeConn{c: serverEnd}, true, m)
		serverCh <- result{sess, err}
	}()

	clientSess, err := Handshake(&pipeConn{c: clientEnd}, false, m)
	if err != nil {
		t.Fatalf("client handshake error = %v", err)
	}

	select {
	case res := <-serverCh:
		if res.err != nil {
			t.Fatalf("server handshake error = %v", res.err)
		}
		return clientSess, res.sess
	case <-time.After(5 * time.Second):
		t.Fatal("server handshake timed out")
		return nil, nil
	}
}

func TestHandshake_RawKeys(t *testing.T) {
	client, server := sessionPair(t, nil)
	defer client.Close()
	defer server.Close()

	go func() {
		if err := client.Send([]byte("ping")); err != nil {
			t.Error(err)
		}
	}()

	got, err := server.Recv()
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if string(got) != "ping" {
		t.Errorf("Recv() = %q, want ping", got)
	}
}

func TestHandshake_HTTPMimic_Echo(t *testing.T) {
	client, server := sessionPair(t, mimic.HTTPMimic{})
	defer client.Close()
	defer server.Close()

	msg := []byte("Hello Secure World")

	// Server echoes one record.
	done := make(chan error, 1)
	go func() {
		data, err := server.Recv()
		if err != nil {
			done <- err
			return
		}
		done <- server.Send(data)
	}()

	if err := client.Send(msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got, err := client.Recv()
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("echo = %q, want %q", got, msg)
	}
	if err := <-done; err != nil {
		t.Fatalf("server error = %v", err)
	}

	// One record each way on each side.
	for _, tt := range []struct {
		name string
		got  uint64
	}{
		{"client send seq", client.SendSeq()},
		{"client recv seq", client.RecvSeq()},
		{"server send seq", server.SendSeq()},
		{"server recv seq", server.RecvSeq()},
	} {
		if tt.got != 1 {
			t.Errorf("%s = %d, want 1", tt.name, tt.got)
		}
	}
}

func TestSession_RecordForRecord(t *testing.T) {
	client, server := sessionPair(t, mimic.HTTPMimic{})
	defer client.Close()
	defer server.Close()

	records := [][]byte{
		[]byte("first"),
		{},
		bytes.Repeat([]byte{0x7F}, 3000),
		[]byte("last"),
	}

	go func() {
		for _, rec := range records {
			if err := client.Send(rec); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	for i, want := range records {
		got, err := server.Recv()
		if err != nil {
			t.Fatalf("Recv() #%d error = %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("record #%d: got %d bytes, want %d bytes", i, len(got), len(want))
		}
	}

	if server.RecvSeq() != uint64(len(records)) {
		t.Errorf("RecvSeq() = %d, want %d", server.RecvSeq(), len(records))
	}
}

func TestSession_ChunkedDelivery(t *testing.T) {
	client, server := sessionPair(t, nil)
	defer client.Close()
	defer server.Close()

	// Larger than the 1 KiB transport read, so the record arrives in
	// multiple chunks and must be reassembled.
	payload := bytes.Repeat([]byte("0123456789abcdef"), 512)

	go func() {
		if err := client.Send(payload); err != nil {
			t.Error(err)
		}
	}()

	got, err := server.Recv()
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("reassembled record differs: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestSession_CleanEOF(t *testing.T) {
	client, server := sessionPair(t, nil)
	defer server.Close()

	go client.Close()

	if _, err := server.Recv(); !errors.Is(err, io.EOF) {
		t.Errorf("Recv() after close error = %v, want io.EOF", err)
	}
}

func TestSession_EOFMidRecord(t *testing.T) {
	client, server := sessionPair(t, nil)
	defer server.Close()

	go func() {
		// A length prefix promising more than is ever delivered.
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], 500)
		client.conn.Send(append(prefix[:], []byte("short")...))
		client.Close()
	}()

	if _, err := server.Recv(); !errors.Is(err, ErrTruncatedRecord) {
		t.Errorf("Recv() error = %v, want ErrTruncatedRecord", err)
	}
}

func TestSession_OversizedLengthPrefix(t *testing.T) {
	client, server := sessionPair(t, nil)
	defer client.Close()
	defer server.Close()

	go func() {
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], MaxRecordSize+1)
		client.conn.Send(prefix[:])
	}()

	if _, err := server.Recv(); !errors.Is(err, ErrRecordTooLarge) {
		t.Errorf("Recv() error = %v, want ErrRecordTooLarge", err)
	}
}

func TestSession_CorruptRecordFatal(t *testing.T) {
	client, server := sessionPair(t, nil)
	defer client.Close()
	defer server.Close()

	go func() {
		// A well-formed record frame whose ciphertext never came from the
		// peer's cipher.
		bogus := bytes.Repeat([]byte{0x42}, 64)
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], uint32(len(bogus)))
		client.conn.Send(append(prefix[:], bogus...))
	}()

	if _, err := server.Recv(); !errors.Is(err, crypto.ErrDecrypt) {
		t.Errorf("Recv() error = %v, want crypto.ErrDecrypt", err)
	}
}

func TestHandshake_UnrecognizedMimicEnvelope(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	defer clientEnd.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := Handshake(&pipeConn{c: serverEnd}, true, mimic.HTTPMimic{})
		errCh <- err
	}()

	// Not the cover protocol at all.
	if _, err := clientEnd.Write([]byte("SSH-2.0-OpenSSH_9.4\r\n")); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, mimic.ErrNotRecognized) {
			t.Errorf("Handshake() error = %v, want ErrNotRecognized", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handshake did not fail")
	}
}

func TestHandshake_PeerClosed(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()

	errCh := make(chan error, 1)
	go func() {
		_, err := Handshake(&pipeConn{c: serverEnd}, true, nil)
		errCh <- err
	}()

	clientEnd.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrHandshakeClosed) {
			t.Errorf("Handshake() error = %v, want ErrHandshakeClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handshake did not fail")
	}
}

func TestHandshake_BadKeyLength(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	defer clientEnd.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := Handshake(&pipeConn{c: serverEnd}, true, nil)
		errCh <- err
	}()

	if _, err := clientEnd.Write([]byte("way too short")); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("Handshake() accepted a truncated key")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handshake did not fail")
	}
}
