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

// Package oblivious defines the secure-computation primitives consumed by the
// attribution pipeline: secret-shared bit and integer vectors, and the
// Scheduler interface through which every gate is evaluated.
//
// All values are batches: a SecBit or SecUint holds one element per user row
// in the current shard. Operations never branch on secret data, so both
// parties issue the identical gate sequence for a given input shape.
package oblivious

import (
	"fmt"
)

// Party identifies one of the two computation roles.
type Party int

// The two roles of a private attribution run. The publisher owns touchpoint
// data, the partner owns conversion data.
const (
	Publisher Party = 0
	Partner   Party = 1
)

// Other returns the opposite role.
func (p Party) Other() Party {
	if p == Publisher {
		return Partner
	}
	return Publisher
}

func (p Party) String() string {
	switch p {
	case Publisher:
		return "publisher"
	case Partner:
		return "partner"
	default:
		return fmt.Sprintf("party(%d)", int(p))
	}
}

// SecBit is a batch of secret-shared bits. The stored slice is this party's
// share; under the cleartext scheduler it is the plaintext itself.
type SecBit struct {
	shares []bool
}

// Len returns the batch size.
func (b SecBit) Len() int {
	return len(b.shares)
}

// SecUint is a batch of secret-shared unsigned integers in bit-sliced form:
// bits[i] holds bit i (LSB first) of every element in the batch.
type SecUint struct {
	width int
	bits  []SecBit
}

// Len returns the batch size.
func (u SecUint) Len() int {
	if len(u.bits) == 0 {
		return 0
	}
	return u.bits[0].Len()
}

// Width returns the bit width of the elements.
func (u SecUint) Width() int {
	return u.width
}

// Scheduler evaluates the primitive gates. Implementations must issue any
// network rounds in a deterministic order so two parties running the same
// program stay in lock-step; a divergence surfaces as a p2p.DesyncError.
//
// The cryptographic machinery beneath an implementation (oblivious transfer,
// triple generation) is outside this package's scope.
type Scheduler interface {
	// Role returns the party this scheduler computes for.
	Role() Party

	// ShareBits secret-shares a batch of n bits owned by the given party.
	// The non-owning party's values are ignored and may be nil.
	ShareBits(owner Party, values []bool, n int) (SecBit, error)

	// FromBitShares wraps shares that already live on this party, for
	// inputs that arrive pre-shared from an upstream stage.
	FromBitShares(shares []bool) SecBit

	// ConstBits wraps public values known to both parties.
	ConstBits(values []bool) SecBit

	// Xor and Not are free gates; And may cost a network round.
	Xor(a, b SecBit) (SecBit, error)
	Not(a SecBit) SecBit
	And(a, b SecBit) (SecBit, error)

	// OpenBits reveals the batch to one party. The receiving party gets the
	// plaintext; the other party gets nil.
	OpenBits(b SecBit, to Party) ([]bool, error)

	// BitShares extracts this party's raw shares, for Xor-visibility output.
	BitShares(b SecBit) []bool

	// BroadcastUint64s sends a public value list from its owner to the peer
	// so both parties end with the same plaintext slice.
	BroadcastUint64s(owner Party, values []uint64) ([]uint64, error)

	// Close releases the session and its peer connection, if any.
	Close() error
}

func checkSameLen(op string, a, b SecBit) error {
	if a.Len() != b.Len() {
		return fmt.Errorf("%s: batch size mismatch, %d vs %d", op, a.Len(), b.Len())
	}
	return nil
}

// packBits packs a bool slice into bytes, LSB first within each byte.
func packBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

// unpackBits expands n bits from a packed byte slice.
func unpackBits(data []byte, n int) ([]bool, error) {
	if want := (n + 7) / 8; len(data) != want {
		return nil, fmt.Errorf("expect %d packed bytes for %d bits, got %d", want, n, len(data))
	}
	out := make([]bool, n)
	for i := range out {
		out[i] = data[i/8]&(1<<uint(i%8)) != 0
	}
	return out, nil
}
