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
	"fmt"
)

// PlainScheduler evaluates every gate on plaintext values in a single
// process, with no peer. It exists as the self-test reference for the
// oblivious pipeline: the gate sequence is identical to the lock-step
// scheduler's, only the value representation differs. It must never carry
// production traffic.
type PlainScheduler struct{}

// NewPlainScheduler returns the cleartext reference scheduler.
func NewPlainScheduler() *PlainScheduler {
	return &PlainScheduler{}
}

// Role implements Scheduler. The plain scheduler plays both parties, and
// reports the publisher role for input-ownership decisions.
func (s *PlainScheduler) Role() Party {
	return Publisher
}

// ShareBits implements Scheduler. Both roles live in this process, so the
// owner's values are always at hand.
func (s *PlainScheduler) ShareBits(owner Party, values []bool, n int) (SecBit, error) {
	if len(values) != n {
		return SecBit{}, fmt.Errorf("sharing bits for %v: got %d values, want %d", owner, len(values), n)
	}
	return SecBit{shares: append([]bool(nil), values...)}, nil
}

// FromBitShares implements Scheduler.
func (s *PlainScheduler) FromBitShares(shares []bool) SecBit {
	return SecBit{shares: append([]bool(nil), shares...)}
}

// ConstBits implements Scheduler.
func (s *PlainScheduler) ConstBits(values []bool) SecBit {
	return SecBit{shares: append([]bool(nil), values...)}
}

// Xor implements Scheduler.
func (s *PlainScheduler) Xor(a, b SecBit) (SecBit, error) {
	if err := checkSameLen("xor", a, b); err != nil {
		return SecBit{}, err
	}
	out := make([]bool, a.Len())
	for i := range out {
		out[i] = a.shares[i] != b.shares[i]
	}
	return SecBit{shares: out}, nil
}

// Not implements Scheduler.
func (s *PlainScheduler) Not(a SecBit) SecBit {
	out := make([]bool, a.Len())
	for i := range out {
		out[i] = !a.shares[i]
	}
	return SecBit{shares: out}
}

// And implements Scheduler.
func (s *PlainScheduler) And(a, b SecBit) (SecBit, error) {
	if err := checkSameLen("and", a, b); err != nil {
		return SecBit{}, err
	}
	out := make([]bool, a.Len())
	for i := range out {
		out[i] = a.shares[i] && b.shares[i]
	}
	return SecBit{shares: out}, nil
}

// OpenBits implements Scheduler. In cleartext mode every value is already
// open, so the destination party is irrelevant.
func (s *PlainScheduler) OpenBits(b SecBit, to Party) ([]bool, error) {
	return append([]bool(nil), b.shares...), nil
}

// BitShares implements Scheduler. The cleartext "share" is the value itself.
func (s *PlainScheduler) BitShares(b SecBit) []bool {
	return append([]bool(nil), b.shares...)
}

// BroadcastUint64s implements Scheduler.
func (s *PlainScheduler) BroadcastUint64s(owner Party, values []uint64) ([]uint64, error) {
	return append([]uint64(nil), values...), nil
}

// Close implements Scheduler.
func (s *PlainScheduler) Close() error {
	return nil
}
