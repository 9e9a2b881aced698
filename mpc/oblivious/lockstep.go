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

package oblivious

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/google/private-attribution-service/mpc/p2p"
)

// LockstepScheduler evaluates gates on XOR boolean shares with a peer over a
// two-party connection. Xor and Not are local; And consumes one
// multiplication triple per bit and costs one network round per gate batch;
// OpenBits exchanges shares.
//
// Every round is issued in role order (publisher sends first, partner
// receives first), so the protocol also runs over unbuffered pipes and both
// gate streams stay aligned. Triple generation is outside this type: a
// TripleSource is injected, and its security properties are inherited by the
// whole session.
type LockstepScheduler struct {
	role    Party
	conn    *p2p.Conn
	triples TripleSource
}

// NewLockstepScheduler creates a scheduler for one role of an established,
// handshaken session.
func NewLockstepScheduler(role Party, conn *p2p.Conn, triples TripleSource) (*LockstepScheduler, error) {
	if role != Publisher && role != Partner {
		return nil, fmt.Errorf("invalid role %d", int(role))
	}
	if conn == nil {
		return nil, fmt.Errorf("lock-step scheduler requires a peer connection")
	}
	if triples == nil {
		return nil, fmt.Errorf("lock-step scheduler requires a triple source")
	}
	return &LockstepScheduler{role: role, conn: conn, triples: triples}, nil
}

// Role implements Scheduler.
func (s *LockstepScheduler) Role() Party {
	return s.role
}

// exchange sends our payload and receives the peer's in role order.
func (s *LockstepScheduler) exchange(kind byte, payload []byte) ([]byte, error) {
	if s.role == Publisher {
		if err := s.conn.SendFrame(kind, payload); err != nil {
			return nil, err
		}
		return s.conn.ReceiveFrame(kind)
	}
	peer, err := s.conn.ReceiveFrame(kind)
	if err != nil {
		return nil, err
	}
	if err := s.conn.SendFrame(kind, payload); err != nil {
		return nil, err
	}
	return peer, nil
}

// ShareBits implements Scheduler. The owner splits its values into a random
// share kept locally and a share sent to the peer.
func (s *LockstepScheduler) ShareBits(owner Party, values []bool, n int) (SecBit, error) {
	if s.role == owner {
		if len(values) != n {
			return SecBit{}, fmt.Errorf("sharing bits for %v: got %d values, want %d", owner, len(values), n)
		}
		mask, err := randomBits(n)
		if err != nil {
			return SecBit{}, err
		}
		peerShare := make([]bool, n)
		own := make([]bool, n)
		for i := range values {
			peerShare[i] = values[i] != mask[i]
			own[i] = mask[i]
		}
		if err := s.conn.SendFrame(p2p.KindShare, packBits(peerShare)); err != nil {
			return SecBit{}, err
		}
		return SecBit{shares: own}, nil
	}

	payload, err := s.conn.ReceiveFrame(p2p.KindShare)
	if err != nil {
		return SecBit{}, err
	}
	share, err := unpackBits(payload, n)
	if err != nil {
		return SecBit{}, err
	}
	return SecBit{shares: share}, nil
}

// FromBitShares implements Scheduler.
func (s *LockstepScheduler) FromBitShares(shares []bool) SecBit {
	return SecBit{shares: append([]bool(nil), shares...)}
}

// ConstBits implements Scheduler. Public constants are held entirely in the
// publisher's share so that xor reconstruction yields the value.
func (s *LockstepScheduler) ConstBits(values []bool) SecBit {
	shares := make([]bool, len(values))
	if s.role == Publisher {
		copy(shares, values)
	}
	return SecBit{shares: shares}
}

// Xor implements Scheduler; it is a free gate.
func (s *LockstepScheduler) Xor(a, b SecBit) (SecBit, error) {
	if err := checkSameLen("xor", a, b); err != nil {
		return SecBit{}, err
	}
	out := make([]bool, a.Len())
	for i := range out {
		out[i] = a.shares[i] != b.shares[i]
	}
	return SecBit{shares: out}, nil
}

// Not implements Scheduler. Only one party flips its share.
func (s *LockstepScheduler) Not(a SecBit) SecBit {
	out := append([]bool(nil), a.shares...)
	if s.role == Publisher {
		for i := range out {
			out[i] = !out[i]
		}
	}
	return SecBit{shares: out}
}

// And implements Scheduler using Beaver multiplication: both parties mask
// their shares with a triple, open the masked values in one round, and
// recombine locally.
func (s *LockstepScheduler) And(x, y SecBit) (SecBit, error) {
	if err := checkSameLen("and", x, y); err != nil {
		return SecBit{}, err
	}
	n := x.Len()
	a, b, c, err := s.triples.Triples(n)
	if err != nil {
		return SecBit{}, fmt.Errorf("fetching %d triples: %v", n, err)
	}

	d := make([]bool, n)
	e := make([]bool, n)
	for i := 0; i < n; i++ {
		d[i] = x.shares[i] != a[i]
		e[i] = y.shares[i] != b[i]
	}
	payload := append(packBits(d), packBits(e)...)
	peer, err := s.exchange(p2p.KindMul, payload)
	if err != nil {
		return SecBit{}, err
	}
	half := (n + 7) / 8
	if len(peer) != 2*half {
		return SecBit{}, fmt.Errorf("multiplication round: got %d payload bytes, want %d", len(peer), 2*half)
	}
	peerD, err := unpackBits(peer[:half], n)
	if err != nil {
		return SecBit{}, err
	}
	peerE, err := unpackBits(peer[half:], n)
	if err != nil {
		return SecBit{}, err
	}

	out := make([]bool, n)
	for i := 0; i < n; i++ {
		openD := d[i] != peerD[i]
		openE := e[i] != peerE[i]
		z := c[i] != (openD && b[i]) != (openE && a[i])
		if s.role == Publisher {
			z = z != (openD && openE)
		}
		out[i] = z
	}
	return SecBit{shares: out}, nil
}

// OpenBits implements Scheduler. The non-receiving party sends its share and
// learns nothing.
func (s *LockstepScheduler) OpenBits(b SecBit, to Party) ([]bool, error) {
	if s.role != to {
		if err := s.conn.SendFrame(p2p.KindOpen, packBits(b.shares)); err != nil {
			return nil, err
		}
		return nil, nil
	}
	payload, err := s.conn.ReceiveFrame(p2p.KindOpen)
	if err != nil {
		return nil, err
	}
	peerShare, err := unpackBits(payload, b.Len())
	if err != nil {
		return nil, err
	}
	out := make([]bool, b.Len())
	for i := range out {
		out[i] = b.shares[i] != peerShare[i]
	}
	return out, nil
}

// BitShares implements Scheduler.
func (s *LockstepScheduler) BitShares(b SecBit) []bool {
	return append([]bool(nil), b.shares...)
}

// BroadcastUint64s implements Scheduler. The list length travels with the
// payload since only the owner knows it.
func (s *LockstepScheduler) BroadcastUint64s(owner Party, values []uint64) ([]uint64, error) {
	if s.role == owner {
		payload := make([]byte, 4+8*len(values))
		binary.BigEndian.PutUint32(payload[:4], uint32(len(values)))
		for i, v := range values {
			binary.BigEndian.PutUint64(payload[4+8*i:], v)
		}
		if err := s.conn.SendFrame(p2p.KindBroadcast, payload); err != nil {
			return nil, err
		}
		return append([]uint64(nil), values...), nil
	}

	payload, err := s.conn.ReceiveFrame(p2p.KindBroadcast)
	if err != nil {
		return nil, err
	}
	if len(payload) < 4 {
		return nil, fmt.Errorf("broadcast round: short payload of %d bytes", len(payload))
	}
	count := int(binary.BigEndian.Uint32(payload[:4]))
	if len(payload) != 4+8*count {
		return nil, fmt.Errorf("broadcast round: got %d payload bytes for %d values", len(payload), count)
	}
	out := make([]uint64, count)
	for i := range out {
		out[i] = binary.BigEndian.Uint64(payload[4+8*i:])
	}
	return out, nil
}

// Close implements Scheduler.
func (s *LockstepScheduler) Close() error {
	return s.conn.Close()
}

func randomBits(n int) ([]bool, error) {
	buf := make([]byte, (n+7)/8)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("drawing random bits: %v", err)
	}
	return unpackBits(buf, n)
}
