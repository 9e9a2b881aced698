// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package p2p implements the framed two-party connection used by the
// oblivious schedulers. Every message is a numbered round: both parties must
// send and expect the same sequence of frame kinds, and any mismatch is
// reported as a DesyncError since it means the peers' gate streams have
// diverged.
package p2p

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"
	"io/ioutil"
	"net"

	"github.com/google/private-attribution-service/shared/utils"
)

// Frame kinds. The kind is part of the round header so that a desync is
// detected at the first misordered primitive instead of corrupting shares.
const (
	KindHandshake = iota + 1
	KindShare
	KindOpen
	KindMul
	KindBroadcast
)

const maxFrameSize = 1 << 26

// DesyncError reports a round that does not match what the peer sent.
type DesyncError struct {
	WantKind, GotKind byte
	WantSeq, GotSeq   uint32
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("protocol desync: want frame kind %d seq %d, got kind %d seq %d",
		e.WantKind, e.WantSeq, e.GotKind, e.GotSeq)
}

// Conn is a two-party protocol connection. It is not safe for concurrent
// use; each protocol session owns its connection.
type Conn struct {
	rwc     io.ReadWriteCloser
	r       *bufio.Reader
	w       *bufio.Writer
	sendSeq uint32
	recvSeq uint32
}

// NewConn wraps an established bidirectional stream.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{
		rwc: rwc,
		r:   bufio.NewReader(rwc),
		w:   bufio.NewWriter(rwc),
	}
}

// LoadTLSConfig builds the TLS configuration for peer connections. certFile
// and keyFile hold this party's certificate, caFile the root certificate
// that signed the peer's. All arguments empty returns a nil config, which
// disables TLS.
func LoadTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	if certFile == "" && keyFile == "" && caFile == "" {
		return nil, nil
	}
	cfg := &tls.Config{}
	if certFile != "" || keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("loading key pair: %v", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if caFile != "" {
		pem, err := ioutil.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("reading peer CA: %v", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
		cfg.RootCAs = pool
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// Dial connects to the peer at addr. A nil tlsConfig dials plain TCP.
func Dial(addr string, tlsConfig *tls.Config) (*Conn, error) {
	var (
		c   net.Conn
		err error
	)
	if tlsConfig != nil {
		c, err = tls.Dial("tcp", addr, tlsConfig)
	} else {
		c, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dialing peer %s: %v", addr, err)
	}
	return NewConn(c), nil
}

// Listener accepts peer connections, one per protocol session. Connections
// are matched to sessions by establishment order; the handshake then verifies
// the match.
type Listener struct {
	l net.Listener
}

// NewListener announces on addr. A nil tlsConfig listens on plain TCP.
func NewListener(addr string, tlsConfig *tls.Config) (*Listener, error) {
	var (
		l   net.Listener
		err error
	)
	if tlsConfig != nil {
		l, err = tls.Listen("tcp", addr, tlsConfig)
	} else {
		l, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %v", addr, err)
	}
	return &Listener{l: l}, nil
}

// Accept waits for the next peer connection.
func (l *Listener) Accept() (*Conn, error) {
	c, err := l.l.Accept()
	if err != nil {
		return nil, fmt.Errorf("accepting peer on %s: %v", l.l.Addr(), err)
	}
	return NewConn(c), nil
}

// Addr returns the bound address.
func (l *Listener) Addr() string {
	return l.l.Addr().String()
}

// Close stops accepting connections.
func (l *Listener) Close() error {
	return l.l.Close()
}

// Listen announces on addr and waits for a single peer connection. A nil
// tlsConfig listens on plain TCP.
func Listen(addr string, tlsConfig *tls.Config) (*Conn, error) {
	l, err := NewListener(addr, tlsConfig)
	if err != nil {
		return nil, err
	}
	defer l.Close()
	return l.Accept()
}

// SendFrame writes one numbered frame and flushes it so that the peer's
// blocking read completes.
func (c *Conn) SendFrame(kind byte, payload []byte) error {
	var header [9]byte
	header[0] = kind
	binary.BigEndian.PutUint32(header[1:5], c.sendSeq)
	binary.BigEndian.PutUint32(header[5:9], uint32(len(payload)))
	c.sendSeq++

	if _, err := c.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := c.w.Write(payload); err != nil {
		return err
	}
	return c.w.Flush()
}

// ReceiveFrame reads the next frame and verifies that its kind and sequence
// number match the expected round.
func (c *Conn) ReceiveFrame(kind byte) ([]byte, error) {
	var header [9]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		return nil, fmt.Errorf("reading frame header: %v", err)
	}
	gotKind := header[0]
	gotSeq := binary.BigEndian.Uint32(header[1:5])
	size := binary.BigEndian.Uint32(header[5:9])

	if gotKind != kind || gotSeq != c.recvSeq {
		return nil, &DesyncError{WantKind: kind, GotKind: gotKind, WantSeq: c.recvSeq, GotSeq: gotSeq}
	}
	c.recvSeq++

	if size > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds the %d-byte limit", size, maxFrameSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return nil, fmt.Errorf("reading frame payload: %v", err)
	}
	return payload, nil
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.rwc.Close()
}

// hello is the handshake message exchanged before any gate round.
type hello struct {
	RunID string
	Role  int
}

// Handshake exchanges run identity with the peer. Both parties must present
// the same run ID and complementary roles; the first party (role 0) sends
// first so the exchange works over unbuffered pipes.
func (c *Conn) Handshake(runID string, role int) error {
	msg, err := utils.MarshalCBOR(hello{RunID: runID, Role: role})
	if err != nil {
		return err
	}

	var peerMsg []byte
	if role == 0 {
		if err := c.SendFrame(KindHandshake, msg); err != nil {
			return err
		}
		if peerMsg, err = c.ReceiveFrame(KindHandshake); err != nil {
			return err
		}
	} else {
		if peerMsg, err = c.ReceiveFrame(KindHandshake); err != nil {
			return err
		}
		if err := c.SendFrame(KindHandshake, msg); err != nil {
			return err
		}
	}

	var peer hello
	if err := utils.UnmarshalCBOR(peerMsg, &peer); err != nil {
		return fmt.Errorf("parsing peer handshake: %v", err)
	}
	if peer.RunID != runID {
		return fmt.Errorf("peer is executing run %q, want %q", peer.RunID, runID)
	}
	if peer.Role == role {
		return fmt.Errorf("both parties claim role %d", role)
	}
	return nil
}
