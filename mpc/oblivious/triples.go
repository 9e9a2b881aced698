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
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"sync"
)

// TripleSource supplies boolean multiplication triples for And gates. A
// triple is a share (a, b, c) on each party such that the reconstructed
// values satisfy c = a & b. Sources must hand out each triple exactly once.
type TripleSource interface {
	Triples(n int) (a, b, c []bool, err error)
}

// NewDealerPair returns two linked triple sources seeded by a trusted dealer
// running inside this process. Both halves draw from one generator under a
// shared lock, so they can feed two scheduler goroutines concurrently.
//
// The dealer role belongs to an offline preprocessing service in production;
// an in-process dealer is only appropriate for tests and local runs.
func NewDealerPair(seed int64) (TripleSource, TripleSource) {
	d := &dealer{rng: rand.New(rand.NewSource(seed))}
	return &dealerSource{dealer: d, role: 0}, &dealerSource{dealer: d, role: 1}
}

type dealer struct {
	mu     sync.Mutex
	rng    *rand.Rand
	queues [2]tripleQueue
}

type tripleQueue struct {
	a, b, c []bool
}

// refill generates count fresh triples and appends both halves.
func (d *dealer) refill(count int) {
	for i := 0; i < count; i++ {
		a0 := d.rng.Intn(2) == 1
		a1 := d.rng.Intn(2) == 1
		b0 := d.rng.Intn(2) == 1
		b1 := d.rng.Intn(2) == 1
		c0 := d.rng.Intn(2) == 1
		c1 := ((a0 != a1) && (b0 != b1)) != c0

		d.queues[0].a = append(d.queues[0].a, a0)
		d.queues[0].b = append(d.queues[0].b, b0)
		d.queues[0].c = append(d.queues[0].c, c0)
		d.queues[1].a = append(d.queues[1].a, a1)
		d.queues[1].b = append(d.queues[1].b, b1)
		d.queues[1].c = append(d.queues[1].c, c1)
	}
}

func (d *dealer) take(role, n int) (a, b, c []bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := &d.queues[role]
	if len(q.a) < n {
		d.refill(n - len(q.a))
	}
	a = append([]bool(nil), q.a[:n]...)
	b = append([]bool(nil), q.b[:n]...)
	c = append([]bool(nil), q.c[:n]...)
	q.a = q.a[n:]
	q.b = q.b[n:]
	q.c = q.c[n:]
	return a, b, c
}

type dealerSource struct {
	dealer *dealer
	role   int
}

func (s *dealerSource) Triples(n int) ([]bool, []bool, []bool, error) {
	a, b, c := s.dealer.take(s.role, n)
	return a, b, c, nil
}

// StreamTripleSource reads one party's preprocessed triples from an artifact
// produced by an offline dealer. The stream holds consecutive 3-byte-group
// records: for every block of 8 triples, one byte of packed a bits, one of b
// bits, one of c bits, LSB first.
type StreamTripleSource struct {
	r *bufio.Reader

	// leftover bits from a partially consumed block
	a, b, c []bool
}

// NewStreamTripleSource wraps a triple artifact stream.
func NewStreamTripleSource(r io.Reader) *StreamTripleSource {
	return &StreamTripleSource{r: bufio.NewReader(r)}
}

// Triples implements TripleSource.
func (s *StreamTripleSource) Triples(n int) ([]bool, []bool, []bool, error) {
	for len(s.a) < n {
		var block [3]byte
		if _, err := io.ReadFull(s.r, block[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, nil, nil, fmt.Errorf("triple stream exhausted with %d of %d triples buffered", len(s.a), n)
			}
			return nil, nil, nil, fmt.Errorf("reading triple stream: %v", err)
		}
		for i := 0; i < 8; i++ {
			s.a = append(s.a, block[0]&(1<<uint(i)) != 0)
			s.b = append(s.b, block[1]&(1<<uint(i)) != 0)
			s.c = append(s.c, block[2]&(1<<uint(i)) != 0)
		}
	}
	a := append([]bool(nil), s.a[:n]...)
	b := append([]bool(nil), s.b[:n]...)
	c := append([]bool(nil), s.c[:n]...)
	s.a, s.b, s.c = s.a[n:], s.b[n:], s.c[n:]
	return a, b, c, nil
}

// WriteTripleStreams produces matching triple artifacts for both parties, in
// the format NewStreamTripleSource reads. count is rounded up to a multiple
// of 8.
func WriteTripleStreams(w0, w1 io.Writer, count int, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	blocks := (count + 7) / 8
	for i := 0; i < blocks; i++ {
		var rec0, rec1 [3]byte
		for j := 0; j < 8; j++ {
			a0 := rng.Intn(2) == 1
			a1 := rng.Intn(2) == 1
			b0 := rng.Intn(2) == 1
			b1 := rng.Intn(2) == 1
			c0 := rng.Intn(2) == 1
			c1 := ((a0 != a1) && (b0 != b1)) != c0
			setBit(&rec0[0], j, a0)
			setBit(&rec0[1], j, b0)
			setBit(&rec0[2], j, c0)
			setBit(&rec1[0], j, a1)
			setBit(&rec1[1], j, b1)
			setBit(&rec1[2], j, c1)
		}
		if _, err := w0.Write(rec0[:]); err != nil {
			return fmt.Errorf("writing publisher triple stream: %v", err)
		}
		if _, err := w1.Write(rec1[:]); err != nil {
			return fmt.Errorf("writing partner triple stream: %v", err)
		}
	}
	return nil
}

func setBit(b *byte, i int, v bool) {
	if v {
		*b |= 1 << uint(i)
	}
}
