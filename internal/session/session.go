// Package session implements the encrypted record layer the tunnel runs
// over: a mimicked key-exchange handshake followed by length-prefixed
// AEAD-sealed records on a raw transport connection.
package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/chimeranet/chimera/internal/crypto"
	"github.com/chimeranet/chimera/internal/mimic"
	"github.com/chimeranet/chimera/internal/transport"
)

const (
	// MaxRecordSize bounds the ciphertext length a peer may announce in a
	// record's length prefix.
	MaxRecordSize = 1 << 20

	// lengthPrefixSize is the u32 big-endian record length on the wire.
	lengthPrefixSize = 4
)

var (
	// ErrRecordTooLarge is returned when a length prefix exceeds MaxRecordSize.
	ErrRecordTooLarge = errors.New("record exceeds maximum size")

	// ErrSequenceExhausted is returned when a sequence counter reaches its
	// final value. The session must be torn down.
	ErrSequenceExhausted = errors.New("record sequence exhausted")

	// ErrTruncatedRecord is returned when the transport hits EOF with a
	// partial record buffered.
	ErrTruncatedRecord = errors.New("transport closed mid-record")

	// ErrHandshakeClosed is returned when the peer disappears during the
	// key exchange.
	ErrHandshakeClosed = errors.New("connection closed during handshake")
)

// Session is an established encrypted connection. Each Send emits exactly
// one record and each Recv returns exactly one record's plaintext; sequence
// counters advance by one per record on each side independently.
//
// A Session is not safe for concurrent Sends or concurrent Recvs; the
// supervisor serializes both.
type Session struct {
	conn transport.Conn

	sendCipher *crypto.Cipher
	recvCipher *crypto.Cipher
	seqOut     uint64
	seqIn      uint64

	// inbuf accumulates transport chunks until a full record is present.
	// The transport may split records arbitrarily.
	inbuf []byte
}

// Handshake performs the mimicked key exchange on a raw transport
// connection and returns an established session. The client sends its
// ephemeral public key first and then reads the server's; the server does
// the reverse. When m is non-nil, each key travels inside the cover
// protocol envelope; otherwise raw 32-byte keys are exchanged.
//
// The caller owns conn on failure and should close it.
func Handshake(conn transport.Conn, isServer bool, m mimic.Mimic) (*Session, error) {
	private, public, err := crypto.GenerateEphemeralKey()
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	defer crypto.ZeroKey(&private)

	outbound := public[:]
	if m != nil {
		outbound = m.Encapsulate(public[:], isServer)
	}

	var peerPublic [crypto.KeySize]byte
	if isServer {
		if err := readHandshakeKey(conn, m, &peerPublic); err != nil {
			return nil, err
		}
		if err := conn.Send(outbound); err != nil {
			return nil, fmt.Errorf("handshake send: %w", err)
		}
	} else {
		if err := conn.Send(outbound); err != nil {
			return nil, fmt.Errorf("handshake send: %w", err)
		}
		if err := readHandshakeKey(conn, m, &peerPublic); err != nil {
			return nil, err
		}
	}

	secret, err := crypto.DeriveSecret(private, peerPublic)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	defer crypto.ZeroKey(&secret)

	// v1 uses the same key for both directions, and each direction counts
	// its own sequence from 0, so the two directions reuse the same nonces.
	sendCipher, err := crypto.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	recvCipher, err := crypto.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}

	return &Session{
		conn:       conn,
		sendCipher: sendCipher,
		recvCipher: recvCipher,
	}, nil
}

// readHandshakeKey receives one envelope (a single transport receive),
// strips the mimic wrapping when configured, and validates the key length.
func readHandshakeKey(conn transport.Conn, m mimic.Mimic, out *[crypto.KeySize]byte) error {
	packet, err := conn.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return ErrHandshakeClosed
		}
		return fmt.Errorf("handshake recv: %w", err)
	}

	key := packet
	if m != nil {
		key, err = m.Decapsulate(packet)
		if err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
	}

	if len(key) != crypto.KeySize {
		return fmt.Errorf("handshake: peer key is %d bytes, want %d", len(key), crypto.KeySize)
	}
	copy(out[:], key)
	return nil
}

// Send seals data under the next send sequence and emits a single
// length-prefixed record in one transport send.
func (s *Session) Send(data []byte) error {
	if s.seqOut == math.MaxUint64 {
		return ErrSequenceExhausted
	}

	sealed := s.sendCipher.Seal(s.seqOut, data)
	s.seqOut++

	record := make([]byte, lengthPrefixSize+len(sealed))
	binary.BigEndian.PutUint32(record[:lengthPrefixSize], uint32(len(sealed)))
	copy(record[lengthPrefixSize:], sealed)

	if err := s.conn.Send(record); err != nil {
		return fmt.Errorf("session send: %w", err)
	}
	return nil
}

// Recv returns the next record's plaintext. It returns (nil, io.EOF) on a
// clean end of stream with no buffered bytes; EOF mid-record is an error.
// Any decrypt failure or oversized length prefix is fatal to the session.
func (s *Session) Recv() ([]byte, error) {
	for {
		if len(s.inbuf) >= lengthPrefixSize {
			length := int(binary.BigEndian.Uint32(s.inbuf[:lengthPrefixSize]))
			if length > MaxRecordSize {
				return nil, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, length)
			}

			if len(s.inbuf) >= lengthPrefixSize+length {
				if s.seqIn == math.MaxUint64 {
					return nil, ErrSequenceExhausted
				}

				ciphertext := s.inbuf[lengthPrefixSize : lengthPrefixSize+length]
				plaintext, err := s.recvCipher.Open(s.seqIn, ciphertext)
				if err != nil {
					return nil, err
				}
				s.seqIn++

				rest := s.inbuf[lengthPrefixSize+length:]
				if len(rest) == 0 {
					s.inbuf = nil
				} else {
					s.inbuf = append([]byte(nil), rest...)
				}
				return plaintext, nil
			}
		}

		chunk, err := s.conn.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(s.inbuf) == 0 {
					return nil, io.EOF
				}
				return nil, ErrTruncatedRecord
			}
			return nil, fmt.Errorf("session recv: %w", err)
		}
		s.inbuf = append(s.inbuf, chunk...)
	}
}

// Close closes the underlying transport connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// SendSeq returns the number of records sent so far.
func (s *Session) SendSeq() uint64 {
	return s.seqOut
}

// RecvSeq returns the number of records received so far.
func (s *Session) RecvSeq() uint64 {
	return s.seqIn
}
