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
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/private-attribution-service/mpc/p2p"
	"golang.org/x/sync/errgroup"
)

// runPair runs one protocol program per role over an in-memory pipe with an
// in-process triple dealer.
func runPair(t *testing.T, f0, f1 func(s Scheduler) error) {
	t.Helper()

	c0, c1 := p2p.Pipe()
	t0, t1 := NewDealerPair(42)
	s0, err := NewLockstepScheduler(Publisher, c0, t0)
	if err != nil {
		t.Fatalf("creating publisher scheduler: %v", err)
	}
	s1, err := NewLockstepScheduler(Partner, c1, t1)
	if err != nil {
		t.Fatalf("creating partner scheduler: %v", err)
	}

	var g errgroup.Group
	g.Go(func() error { return f0(s0) })
	g.Go(func() error { return f1(s1) })
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestPlainArithmetic(t *testing.T) {
	s := NewPlainScheduler()
	as := []uint64{3, 250, 7, 0, 0xFFFFFFFF}
	bs := []uint64{5, 6, 7, 0, 1}
	width := 32

	a, err := ShareUint64s(s, Publisher, as, width, len(as))
	if err != nil {
		t.Fatalf("sharing a: %v", err)
	}
	b, err := ShareUint64s(s, Partner, bs, width, len(bs))
	if err != nil {
		t.Fatalf("sharing b: %v", err)
	}

	sum, err := Add(s, a, b)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	gotSum, err := OpenUint64s(s, sum, Publisher)
	if err != nil {
		t.Fatalf("opening sum: %v", err)
	}
	wantSum := []uint64{8, 256, 14, 0, 0}
	if diff := cmp.Diff(wantSum, gotSum); diff != "" {
		t.Errorf("sum mismatch (-want +got):\n%s", diff)
	}

	lt, err := Lt(s, a, b)
	if err != nil {
		t.Fatalf("lt: %v", err)
	}
	gotLt, err := s.OpenBits(lt, Publisher)
	if err != nil {
		t.Fatalf("opening lt: %v", err)
	}
	wantLt := []bool{true, false, false, false, false}
	if diff := cmp.Diff(wantLt, gotLt); diff != "" {
		t.Errorf("lt mismatch (-want +got):\n%s", diff)
	}

	le, err := Le(s, a, b)
	if err != nil {
		t.Fatalf("le: %v", err)
	}
	gotLe, err := s.OpenBits(le, Publisher)
	if err != nil {
		t.Fatalf("opening le: %v", err)
	}
	wantLe := []bool{true, false, true, true, false}
	if diff := cmp.Diff(wantLe, gotLe); diff != "" {
		t.Errorf("le mismatch (-want +got):\n%s", diff)
	}

	eq, err := Eq(s, a, b)
	if err != nil {
		t.Fatalf("eq: %v", err)
	}
	gotEq, err := s.OpenBits(eq, Publisher)
	if err != nil {
		t.Fatalf("opening eq: %v", err)
	}
	wantEq := []bool{false, false, true, true, false}
	if diff := cmp.Diff(wantEq, gotEq); diff != "" {
		t.Errorf("eq mismatch (-want +got):\n%s", diff)
	}

	mux, err := MuxUints(s, lt, a, b)
	if err != nil {
		t.Fatalf("mux: %v", err)
	}
	gotMux, err := OpenUint64s(s, mux, Publisher)
	if err != nil {
		t.Fatalf("opening mux: %v", err)
	}
	wantMux := []uint64{3, 6, 7, 0, 1}
	if diff := cmp.Diff(wantMux, gotMux); diff != "" {
		t.Errorf("mux mismatch (-want +got):\n%s", diff)
	}
}

func TestLockstepMatchesPlain(t *testing.T) {
	as := []uint64{3, 250, 7, 0, 0xFFFFFFFF}
	bs := []uint64{5, 6, 7, 0, 1}
	width := 32

	// program runs the same gate sequence on each party; only the publisher
	// receives the opened results.
	program := func(s Scheduler, myA, myB []uint64) ([]uint64, []bool, []uint64, error) {
		a, err := ShareUint64s(s, Publisher, myA, width, len(as))
		if err != nil {
			return nil, nil, nil, err
		}
		b, err := ShareUint64s(s, Partner, myB, width, len(bs))
		if err != nil {
			return nil, nil, nil, err
		}
		sum, err := Add(s, a, b)
		if err != nil {
			return nil, nil, nil, err
		}
		lt, err := Lt(s, a, b)
		if err != nil {
			return nil, nil, nil, err
		}
		mux, err := MuxUints(s, lt, a, b)
		if err != nil {
			return nil, nil, nil, err
		}
		gotSum, err := OpenUint64s(s, sum, Publisher)
		if err != nil {
			return nil, nil, nil, err
		}
		gotLt, err := s.OpenBits(lt, Publisher)
		if err != nil {
			return nil, nil, nil, err
		}
		gotMux, err := OpenUint64s(s, mux, Publisher)
		if err != nil {
			return nil, nil, nil, err
		}
		return gotSum, gotLt, gotMux, nil
	}

	var gotSum, gotMux []uint64
	var gotLt []bool
	runPair(t,
		func(s Scheduler) error {
			var err error
			gotSum, gotLt, gotMux, err = program(s, as, nil)
			return err
		},
		func(s Scheduler) error {
			sum, lt, mux, err := program(s, nil, bs)
			if err != nil {
				return err
			}
			// The partner must learn nothing from publisher-visibility opens.
			if sum != nil || lt != nil || mux != nil {
				t.Errorf("partner received opened values: sum=%v lt=%v mux=%v", sum, lt, mux)
			}
			return nil
		})

	if diff := cmp.Diff([]uint64{8, 256, 14, 0, 0}, gotSum); diff != "" {
		t.Errorf("sum mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]bool{true, false, false, false, false}, gotLt); diff != "" {
		t.Errorf("lt mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint64{3, 6, 7, 0, 1}, gotMux); diff != "" {
		t.Errorf("mux mismatch (-want +got):\n%s", diff)
	}
}

func TestLockstepXorSharesReconstruct(t *testing.T) {
	values := []uint64{1, 0, 123456, 1 << 31}
	width := 32

	shares := make([][]uint64, 2)
	runPair(t,
		func(s Scheduler) error {
			u, err := ShareUint64s(s, Publisher, values, width, len(values))
			if err != nil {
				return err
			}
			shares[0] = UintShares(s, u)
			return nil
		},
		func(s Scheduler) error {
			u, err := ShareUint64s(s, Publisher, nil, width, len(values))
			if err != nil {
				return err
			}
			shares[1] = UintShares(s, u)
			return nil
		})

	got := make([]uint64, len(values))
	for i := range got {
		got[i] = shares[0][i] ^ shares[1][i]
	}
	if diff := cmp.Diff(values, got); diff != "" {
		t.Errorf("xor reconstruction mismatch (-want +got):\n%s", diff)
	}
}

func TestBroadcastUint64s(t *testing.T) {
	values := []uint64{7, 0, 99}
	runPair(t,
		func(s Scheduler) error {
			got, err := s.BroadcastUint64s(Partner, nil)
			if err != nil {
				return err
			}
			if diff := cmp.Diff(values, got); diff != "" {
				t.Errorf("broadcast mismatch (-want +got):\n%s", diff)
			}
			return nil
		},
		func(s Scheduler) error {
			got, err := s.BroadcastUint64s(Partner, values)
			if err != nil {
				return err
			}
			if diff := cmp.Diff(values, got); diff != "" {
				t.Errorf("broadcast echo mismatch (-want +got):\n%s", diff)
			}
			return nil
		})
}

func TestStreamTripleSource(t *testing.T) {
	var buf0, buf1 bytes.Buffer
	if err := WriteTripleStreams(&buf0, &buf1, 100, 7); err != nil {
		t.Fatalf("writing triple streams: %v", err)
	}

	s0 := NewStreamTripleSource(&buf0)
	s1 := NewStreamTripleSource(&buf1)
	a0, b0, c0, err := s0.Triples(100)
	if err != nil {
		t.Fatalf("reading publisher triples: %v", err)
	}
	a1, b1, c1, err := s1.Triples(100)
	if err != nil {
		t.Fatalf("reading partner triples: %v", err)
	}
	for i := 0; i < 100; i++ {
		a := a0[i] != a1[i]
		b := b0[i] != b1[i]
		c := c0[i] != c1[i]
		if c != (a && b) {
			t.Errorf("triple %d does not multiply: a=%v b=%v c=%v", i, a, b, c)
		}
	}

	// 100 requested triples round up to 104 stored ones.
	if _, _, _, err := s0.Triples(4); err != nil {
		t.Errorf("reading padding triples: %v", err)
	}
	if _, _, _, err := s0.Triples(1); err == nil {
		t.Error("reading past the stream end succeeded, want error")
	}
}

func TestDealerPairTriplesMultiply(t *testing.T) {
	t0, t1 := NewDealerPair(1)
	a0, b0, c0, err := t0.Triples(64)
	if err != nil {
		t.Fatalf("taking publisher triples: %v", err)
	}
	a1, b1, c1, err := t1.Triples(64)
	if err != nil {
		t.Fatalf("taking partner triples: %v", err)
	}
	for i := 0; i < 64; i++ {
		a := a0[i] != a1[i]
		b := b0[i] != b1[i]
		c := c0[i] != c1[i]
		if c != (a && b) {
			t.Errorf("triple %d does not multiply: a=%v b=%v c=%v", i, a, b, c)
		}
	}
}

func TestBatchSizeMismatch(t *testing.T) {
	s := NewPlainScheduler()
	a, err := s.ShareBits(Publisher, []bool{true, false}, 2)
	if err != nil {
		t.Fatalf("sharing a: %v", err)
	}
	b, err := s.ShareBits(Partner, []bool{true}, 1)
	if err != nil {
		t.Fatalf("sharing b: %v", err)
	}
	if _, err := s.Xor(a, b); err == nil {
		t.Error("xor of mismatched batches succeeded, want error")
	}
	if _, err := s.And(a, b); err == nil {
		t.Error("and of mismatched batches succeeded, want error")
	}
}
