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

// The functions in this file build the composite operations the attribution
// circuits need (or, mux, compare, add) from the primitive gates. Keeping
// them outside the Scheduler interface guarantees every implementation
// evaluates them with the identical gate order.

// Or computes a | b using one And gate.
func Or(s Scheduler, a, b SecBit) (SecBit, error) {
	nand, err := s.And(s.Not(a), s.Not(b))
	if err != nil {
		return SecBit{}, err
	}
	return s.Not(nand), nil
}

// MuxBits selects cond ? a : b element-wise.
func MuxBits(s Scheduler, cond, a, b SecBit) (SecBit, error) {
	d, err := s.Xor(a, b)
	if err != nil {
		return SecBit{}, err
	}
	t, err := s.And(cond, d)
	if err != nil {
		return SecBit{}, err
	}
	return s.Xor(b, t)
}

// ShareUint64s secret-shares a batch of n integers of the given bit width
// owned by one party. The non-owning party's values are ignored.
func ShareUint64s(s Scheduler, owner Party, values []uint64, width, n int) (SecUint, error) {
	if values != nil && len(values) != n {
		return SecUint{}, fmt.Errorf("sharing %d-bit integers: got %d values, want %d", width, len(values), n)
	}
	u := SecUint{width: width, bits: make([]SecBit, width)}
	for i := 0; i < width; i++ {
		var bitVals []bool
		if values != nil {
			bitVals = make([]bool, n)
			for j, v := range values {
				bitVals[j] = v&(1<<uint(i)) != 0
			}
		}
		bit, err := s.ShareBits(owner, bitVals, n)
		if err != nil {
			return SecUint{}, err
		}
		u.bits[i] = bit
	}
	return u, nil
}

// FromUintShares wraps integer shares that already live on this party.
func FromUintShares(s Scheduler, shares []uint64, width int) SecUint {
	u := SecUint{width: width, bits: make([]SecBit, width)}
	for i := 0; i < width; i++ {
		bitVals := make([]bool, len(shares))
		for j, v := range shares {
			bitVals[j] = v&(1<<uint(i)) != 0
		}
		u.bits[i] = s.FromBitShares(bitVals)
	}
	return u
}

// ConstUint64s wraps a batch of public integers known to both parties.
func ConstUint64s(s Scheduler, values []uint64, width int) SecUint {
	u := SecUint{width: width, bits: make([]SecBit, width)}
	for i := 0; i < width; i++ {
		bitVals := make([]bool, len(values))
		for j, v := range values {
			bitVals[j] = v&(1<<uint(i)) != 0
		}
		u.bits[i] = s.ConstBits(bitVals)
	}
	return u
}

// ConstUint64 wraps one public integer repeated batchSize times.
func ConstUint64(s Scheduler, value uint64, width, batchSize int) SecUint {
	values := make([]uint64, batchSize)
	for i := range values {
		values[i] = value
	}
	return ConstUint64s(s, values, width)
}

// OpenUint64s reveals the batch to one party; the other party gets nil.
func OpenUint64s(s Scheduler, u SecUint, to Party) ([]uint64, error) {
	var out []uint64
	for i := 0; i < u.width; i++ {
		bits, err := s.OpenBits(u.bits[i], to)
		if err != nil {
			return nil, err
		}
		if bits == nil {
			continue
		}
		if out == nil {
			out = make([]uint64, len(bits))
		}
		for j, b := range bits {
			if b {
				out[j] |= 1 << uint(i)
			}
		}
	}
	return out, nil
}

// UintShares extracts this party's raw integer shares.
func UintShares(s Scheduler, u SecUint) []uint64 {
	out := make([]uint64, u.Len())
	for i := 0; i < u.width; i++ {
		for j, b := range s.BitShares(u.bits[i]) {
			if b {
				out[j] |= 1 << uint(i)
			}
		}
	}
	return out
}

// MuxUints selects cond ? a : b element-wise.
func MuxUints(s Scheduler, cond SecBit, a, b SecUint) (SecUint, error) {
	if err := checkUintPair("mux", a, b); err != nil {
		return SecUint{}, err
	}
	out := SecUint{width: a.width, bits: make([]SecBit, a.width)}
	for i := range out.bits {
		bit, err := MuxBits(s, cond, a.bits[i], b.bits[i])
		if err != nil {
			return SecUint{}, err
		}
		out.bits[i] = bit
	}
	return out, nil
}

// Add computes a + b with a ripple-carry adder, discarding the final carry
// so the sum wraps at the value width like the plaintext arithmetic does.
func Add(s Scheduler, a, b SecUint) (SecUint, error) {
	if err := checkUintPair("add", a, b); err != nil {
		return SecUint{}, err
	}
	out := SecUint{width: a.width, bits: make([]SecBit, a.width)}
	carry := s.ConstBits(make([]bool, a.Len()))
	for i := 0; i < a.width; i++ {
		axb, err := s.Xor(a.bits[i], b.bits[i])
		if err != nil {
			return SecUint{}, err
		}
		sum, err := s.Xor(axb, carry)
		if err != nil {
			return SecUint{}, err
		}
		out.bits[i] = sum

		if i == a.width-1 {
			break
		}
		gen, err := s.And(a.bits[i], b.bits[i])
		if err != nil {
			return SecUint{}, err
		}
		prop, err := s.And(carry, axb)
		if err != nil {
			return SecUint{}, err
		}
		carry, err = s.Xor(gen, prop)
		if err != nil {
			return SecUint{}, err
		}
	}
	return out, nil
}

// Lt computes a < b as an unsigned comparison.
func Lt(s Scheduler, a, b SecUint) (SecBit, error) {
	if err := checkUintPair("compare", a, b); err != nil {
		return SecBit{}, err
	}
	borrow := s.ConstBits(make([]bool, a.Len()))
	for i := 0; i < a.width; i++ {
		diff, err := s.Xor(a.bits[i], b.bits[i])
		if err != nil {
			return SecBit{}, err
		}
		// The two borrow conditions are mutually exclusive, so xor suffices.
		t1, err := s.And(s.Not(a.bits[i]), b.bits[i])
		if err != nil {
			return SecBit{}, err
		}
		t2, err := s.And(s.Not(diff), borrow)
		if err != nil {
			return SecBit{}, err
		}
		borrow, err = s.Xor(t1, t2)
		if err != nil {
			return SecBit{}, err
		}
	}
	return borrow, nil
}

// Le computes a <= b as an unsigned comparison.
func Le(s Scheduler, a, b SecUint) (SecBit, error) {
	gt, err := Lt(s, b, a)
	if err != nil {
		return SecBit{}, err
	}
	return s.Not(gt), nil
}

// Eq computes a == b.
func Eq(s Scheduler, a, b SecUint) (SecBit, error) {
	if err := checkUintPair("equality", a, b); err != nil {
		return SecBit{}, err
	}
	ones := make([]bool, a.Len())
	for i := range ones {
		ones[i] = true
	}
	acc := s.ConstBits(ones)
	for i := 0; i < a.width; i++ {
		diff, err := s.Xor(a.bits[i], b.bits[i])
		if err != nil {
			return SecBit{}, err
		}
		acc, err = s.And(acc, s.Not(diff))
		if err != nil {
			return SecBit{}, err
		}
	}
	return acc, nil
}

func checkUintPair(op string, a, b SecUint) error {
	if a.width != b.width {
		return fmt.Errorf("%s: width mismatch, %d vs %d", op, a.width, b.width)
	}
	if a.Len() != b.Len() {
		return fmt.Errorf("%s: batch size mismatch, %d vs %d", op, a.Len(), b.Len())
	}
	return nil
}
