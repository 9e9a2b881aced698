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

package attributionrule

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/private-attribution-service/mpc/oblivious"
)

func TestCatalog(t *testing.T) {
	rules := List()
	if len(rules) != 7 {
		t.Fatalf("catalog has %d rules, want 7", len(rules))
	}

	seen := map[uint64]bool{}
	for _, rule := range rules {
		if seen[rule.ID] {
			t.Errorf("rule id %d is not unique", rule.ID)
		}
		seen[rule.ID] = true
		if rule.ID >= 1<<RuleIDWidth {
			t.Errorf("rule id %d does not fit in %d bits", rule.ID, RuleIDWidth)
		}

		byName, err := FromName(rule.Name)
		if err != nil {
			t.Errorf("FromName(%q): %v", rule.Name, err)
		}
		byID, err := FromID(rule.ID)
		if err != nil {
			t.Errorf("FromID(%d): %v", rule.ID, err)
		}
		if diff := cmp.Diff(byName, byID, cmp.AllowUnexported(Rule{})); diff != "" {
			t.Errorf("name and id lookup disagree for %s (-name +id):\n%s", rule.Name, diff)
		}
	}
}

func TestCatalogLookupFailures(t *testing.T) {
	_, err := FromName("first_click_1d")
	var unknownName *UnknownRuleError
	if !errors.As(err, &unknownName) {
		t.Errorf("FromName on a bogus name: got error %v, want UnknownRuleError", err)
	}

	_, err = FromID(0)
	var invalidID *InvalidRuleIDError
	if !errors.As(err, &invalidID) {
		t.Errorf("FromID(0): got error %v, want InvalidRuleIDError", err)
	}
	if _, err := FromID(8); err == nil {
		t.Error("FromID(8) succeeded, want error")
	}
}

func TestThresholdVectorLengths(t *testing.T) {
	want := map[string]int{
		"last_click_1d":           1,
		"last_click_28d":          1,
		"last_touch_1d":           2,
		"last_touch_28d":          2,
		"last_click_2_7d":         2,
		"last_touch_2_7d":         3,
		"last_click_1d_target_id": 1,
	}
	for _, rule := range List() {
		if got := rule.NumThresholds(); got != want[rule.Name] {
			t.Errorf("rule %s has %d thresholds, want %d", rule.Name, got, want[rule.Name])
		}
	}
}

// matchOne evaluates one rule for a single (touchpoint, conversion) pair on
// the cleartext scheduler, with thresholds computed in plaintext.
func matchOne(t *testing.T, rule Rule, tp struct {
	ts, targetID, actionType uint64
	isClick                  bool
}, conv struct {
	ts, targetID, actionType uint64
}) bool {
	t.Helper()
	s := oblivious.NewPlainScheduler()

	share := func(value uint64, width int) oblivious.SecUint {
		u, err := oblivious.ShareUint64s(s, oblivious.Publisher, []uint64{value}, width, 1)
		if err != nil {
			t.Fatalf("sharing value %d: %v", value, err)
		}
		return u
	}
	isClick, err := s.ShareBits(oblivious.Publisher, []bool{tp.isClick}, 1)
	if err != nil {
		t.Fatalf("sharing click flag: %v", err)
	}

	privateTp := PrivateTouchpoint{
		Timestamp:  share(tp.ts, TimestampWidth),
		IsClick:    isClick,
		TargetID:   share(tp.targetID, TargetIDWidth),
		ActionType: share(tp.actionType, ActionTypeWidth),
	}
	privateConv := PrivateConversion{
		Timestamp:  share(conv.ts, TimestampWidth),
		TargetID:   share(conv.targetID, TargetIDWidth),
		ActionType: share(conv.actionType, ActionTypeWidth),
	}

	var thresholds []oblivious.SecUint
	for _, slot := range rule.ComputeThresholdsPlaintext([]uint64{tp.ts}, []bool{tp.isClick}) {
		thresholds = append(thresholds, share(slot[0], TimestampWidth))
	}

	attributable, err := rule.IsAttributable(s, privateTp, privateConv, thresholds)
	if err != nil {
		t.Fatalf("rule %s: %v", rule.Name, err)
	}
	opened, err := s.OpenBits(attributable, oblivious.Publisher)
	if err != nil {
		t.Fatalf("opening result: %v", err)
	}
	return opened[0]
}

func TestIsAttributable(t *testing.T) {
	type tpCase struct {
		ts, targetID, actionType uint64
		isClick                  bool
	}
	type convCase struct {
		ts, targetID, actionType uint64
	}
	for _, tc := range []struct {
		desc string
		rule string
		tp   tpCase
		conv convCase
		want bool
	}{
		{
			desc: "click inside one day window",
			rule: "last_click_1d",
			tp:   tpCase{ts: 100, isClick: true},
			conv: convCase{ts: 150},
			want: true,
		},
		{
			desc: "view never matches a click rule",
			rule: "last_click_1d",
			tp:   tpCase{ts: 100},
			conv: convCase{ts: 150},
			want: false,
		},
		{
			desc: "click outside one day window",
			rule: "last_click_1d",
			tp:   tpCase{ts: 100, isClick: true},
			conv: convCase{ts: 100 + secondsInOneDay + 1},
			want: false,
		},
		{
			desc: "conversion before the touchpoint",
			rule: "last_click_28d",
			tp:   tpCase{ts: 500, isClick: true},
			conv: convCase{ts: 400},
			want: false,
		},
		{
			desc: "view inside the touch window",
			rule: "last_touch_1d",
			tp:   tpCase{ts: 100},
			conv: convCase{ts: 150},
			want: true,
		},
		{
			desc: "click at the 28 day click window edge",
			rule: "last_touch_28d",
			tp:   tpCase{ts: 100, isClick: true},
			conv: convCase{ts: 100 + secondsInTwentyEightDays},
			want: true,
		},
		{
			desc: "view outside one day under last_touch_28d",
			rule: "last_touch_28d",
			tp:   tpCase{ts: 100},
			conv: convCase{ts: 100 + 2*secondsInOneDay},
			want: false,
		},
		{
			desc: "click on the lower bound is excluded",
			rule: "last_click_2_7d",
			tp:   tpCase{ts: 100, isClick: true},
			conv: convCase{ts: 100 + secondsInOneDay},
			want: false,
		},
		{
			desc: "click strictly after one day matches",
			rule: "last_click_2_7d",
			tp:   tpCase{ts: 100, isClick: true},
			conv: convCase{ts: 100 + secondsInOneDay + 1},
			want: true,
		},
		{
			desc: "view inside one day under last_touch_2_7d",
			rule: "last_touch_2_7d",
			tp:   tpCase{ts: 100},
			conv: convCase{ts: 150},
			want: true,
		},
		{
			desc: "click inside one day under last_touch_2_7d",
			rule: "last_touch_2_7d",
			tp:   tpCase{ts: 100, isClick: true},
			conv: convCase{ts: 150},
			want: false,
		},
		{
			desc: "matching target id and action type",
			rule: "last_click_1d_target_id",
			tp:   tpCase{ts: 100, isClick: true, targetID: 7, actionType: 2},
			conv: convCase{ts: 150, targetID: 7, actionType: 2},
			want: true,
		},
		{
			desc: "mismatched target id",
			rule: "last_click_1d_target_id",
			tp:   tpCase{ts: 100, isClick: true, targetID: 7, actionType: 2},
			conv: convCase{ts: 150, targetID: 8, actionType: 2},
			want: false,
		},
	} {
		rule, err := FromName(tc.rule)
		if err != nil {
			t.Fatalf("%s: %v", tc.desc, err)
		}
		if got := matchOne(t, rule, tc.tp, tc.conv); got != tc.want {
			t.Errorf("%s: got attributable=%v, want %v", tc.desc, got, tc.want)
		}
	}
}

func TestPaddingNeverAttributes(t *testing.T) {
	for _, rule := range List() {
		for _, isClick := range []bool{false, true} {
			got := matchOne(t, rule,
				struct {
					ts, targetID, actionType uint64
					isClick                  bool
				}{ts: 0, isClick: isClick},
				struct {
					ts, targetID, actionType uint64
				}{ts: 1})
			if got {
				t.Errorf("rule %s attributed a padding touchpoint (isClick=%v)", rule.Name, isClick)
			}
		}
	}
}

func TestPrivateThresholdsMatchPlaintext(t *testing.T) {
	s := oblivious.NewPlainScheduler()
	timestamps := []uint64{0, 100, 5000, 1<<32 - 10}
	isClicks := []bool{false, true, false, true}

	for _, rule := range List() {
		tsShared, err := oblivious.ShareUint64s(s, oblivious.Publisher, timestamps, TimestampWidth, len(timestamps))
		if err != nil {
			t.Fatal(err)
		}
		clickShared, err := s.ShareBits(oblivious.Publisher, isClicks, len(isClicks))
		if err != nil {
			t.Fatal(err)
		}
		tp := PrivateTouchpoint{Timestamp: tsShared, IsClick: clickShared}

		private, err := rule.ComputeThresholdsPrivate(s, tp, len(timestamps))
		if err != nil {
			t.Fatalf("rule %s private thresholds: %v", rule.Name, err)
		}
		plain := rule.ComputeThresholdsPlaintext(timestamps, isClicks)
		if len(private) != len(plain) {
			t.Fatalf("rule %s: private produced %d slots, plaintext %d", rule.Name, len(private), len(plain))
		}
		for slot := range private {
			got, err := oblivious.OpenUint64s(s, private[slot], oblivious.Publisher)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(plain[slot], got); diff != "" {
				t.Errorf("rule %s threshold slot %d mismatch (-plaintext +private):\n%s", rule.Name, slot, diff)
			}
		}
	}
}

func TestPrivateThresholdsRejectZeroBatch(t *testing.T) {
	rule, err := FromName("last_click_1d")
	if err != nil {
		t.Fatal(err)
	}
	_, err = rule.ComputeThresholdsPrivate(oblivious.NewPlainScheduler(), PrivateTouchpoint{}, 0)
	var batchErr *InvalidBatchSizeError
	if !errors.As(err, &batchErr) {
		t.Errorf("zero batch size: got error %v, want InvalidBatchSizeError", err)
	}
}
