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

// Package attributionrule defines the closed catalog of attribution rules and
// the oblivious matching predicate they share.
//
// A rule decides whether a touchpoint may receive credit for a conversion:
// the conversion must fall inside a click window, a touch window, or both,
// measured from the touchpoint's timestamp. Every supported rule is one
// parameterization of a single generic matcher, so both parties evaluate the
// identical gate sequence for a given rule id.
package attributionrule

import (
	"fmt"

	"github.com/google/private-attribution-service/mpc/oblivious"
)

// Bit widths of the secret-shared event fields.
const (
	TimestampWidth  = 32
	TargetIDWidth   = 64
	ActionTypeWidth = 16
	AdIDWidth       = 64
	ConvValueWidth  = 32

	// RuleIDWidth bounds the catalog at 8 entries.
	RuleIDWidth = 3
)

const (
	secondsInOneDay        = 86400
	secondsInSevenDays     = 7 * secondsInOneDay
	secondsInTwentyEightDays = 28 * secondsInOneDay
)

// timestampMask keeps plaintext threshold arithmetic on the same wrapping
// domain as the 32-bit oblivious adder.
const timestampMask = 1<<TimestampWidth - 1

// UnknownRuleError reports a configured rule name missing from the catalog.
type UnknownRuleError struct {
	Name string
}

func (e *UnknownRuleError) Error() string {
	return fmt.Sprintf("unknown attribution rule name: %q", e.Name)
}

// InvalidRuleIDError reports a negotiated rule id missing from the catalog.
type InvalidRuleIDError struct {
	ID uint64
}

func (e *InvalidRuleIDError) Error() string {
	return fmt.Sprintf("invalid attribution rule id: %d", e.ID)
}

// InvalidBatchSizeError reports a batched threshold computation constructed
// without a positive batch size.
type InvalidBatchSizeError struct {
	BatchSize int
}

func (e *InvalidBatchSizeError) Error() string {
	return fmt.Sprintf("batch size must be positive, got %d", e.BatchSize)
}

// Rule is one immutable catalog entry. The window fields parameterize the
// generic matcher; a zero window means the branch is absent for this rule.
type Rule struct {
	ID   uint64
	Name string

	// clickUpperSeconds closes the click window: a click at ts may claim
	// conversions up to ts + clickUpperSeconds.
	clickUpperSeconds uint64
	// clickLowerSeconds opens the click window strictly after
	// ts + clickLowerSeconds, for windows like 2-7 days.
	clickLowerSeconds uint64
	// touchUpperSeconds closes the view window.
	touchUpperSeconds uint64
	// touchIncludesClicks widens the view window to cover clicks as well.
	touchIncludesClicks bool
	// matchTargetID additionally requires equal target id and action type.
	matchTargetID bool
}

// catalog is the full supported rule set, synchronized across parties by id.
// Ids are stable wire values and must never be reused.
var catalog = []Rule{
	{ID: 1, Name: "last_click_1d", clickUpperSeconds: secondsInOneDay},
	{ID: 2, Name: "last_click_28d", clickUpperSeconds: secondsInTwentyEightDays},
	{
		ID: 3, Name: "last_touch_1d",
		clickUpperSeconds:   secondsInOneDay,
		touchUpperSeconds:   secondsInOneDay,
		touchIncludesClicks: true,
	},
	{
		ID: 4, Name: "last_touch_28d",
		clickUpperSeconds:   secondsInTwentyEightDays,
		touchUpperSeconds:   secondsInOneDay,
		touchIncludesClicks: true,
	},
	{
		ID: 5, Name: "last_click_2_7d",
		clickLowerSeconds: secondsInOneDay,
		clickUpperSeconds: secondsInSevenDays,
	},
	{
		ID: 6, Name: "last_touch_2_7d",
		clickLowerSeconds: secondsInOneDay,
		clickUpperSeconds: secondsInSevenDays,
		touchUpperSeconds: secondsInOneDay,
	},
	{
		ID: 7, Name: "last_click_1d_target_id",
		clickUpperSeconds: secondsInOneDay,
		matchTargetID:     true,
	},
}

// List returns the full catalog in id order.
func List() []Rule {
	return append([]Rule(nil), catalog...)
}

// FromName resolves a configured rule name.
func FromName(name string) (Rule, error) {
	for _, rule := range catalog {
		if rule.Name == name {
			return rule, nil
		}
	}
	return Rule{}, &UnknownRuleError{Name: name}
}

// FromID resolves a negotiated rule id.
func FromID(id uint64) (Rule, error) {
	for _, rule := range catalog {
		if rule.ID == id {
			return rule, nil
		}
	}
	return Rule{}, &InvalidRuleIDError{ID: id}
}

// NumThresholds returns the length of the rule's threshold vector.
func (r Rule) NumThresholds() int {
	n := 0
	if r.clickLowerSeconds > 0 {
		n++
	}
	if r.clickUpperSeconds > 0 {
		n++
	}
	if r.touchUpperSeconds > 0 {
		n++
	}
	return n
}

// PrivateTouchpoint holds one column batch of secret-shared touchpoint
// fields: element i belongs to user row i of the shard.
type PrivateTouchpoint struct {
	AdID       oblivious.SecUint
	Timestamp  oblivious.SecUint
	IsClick    oblivious.SecBit
	TargetID   oblivious.SecUint
	ActionType oblivious.SecUint
}

// PrivateConversion holds one column batch of secret-shared conversion
// fields.
type PrivateConversion struct {
	Timestamp  oblivious.SecUint
	TargetID   oblivious.SecUint
	ActionType oblivious.SecUint
	Value      oblivious.SecUint
}

// ComputeThresholdsPlaintext derives the rule's threshold vector from
// cleartext touchpoint columns on the publisher. Thresholds for padding
// entries and for windows the touchpoint cannot satisfy stay zero, which no
// positive conversion timestamp can fall under.
//
// The returned slice holds one batch vector per threshold slot, in the same
// order IsAttributable consumes them: click lower bound, click upper bound,
// touch upper bound.
func (r Rule) ComputeThresholdsPlaintext(timestamps []uint64, isClicks []bool) [][]uint64 {
	out := make([][]uint64, 0, r.NumThresholds())
	appendSlot := func(windowSeconds uint64, eligible func(i int) bool) {
		slot := make([]uint64, len(timestamps))
		for i, ts := range timestamps {
			if eligible(i) {
				slot[i] = (ts + windowSeconds) & timestampMask
			}
		}
		out = append(out, slot)
	}

	isValid := func(i int) bool { return timestamps[i] > 0 }
	isValidClick := func(i int) bool { return isClicks[i] && isValid(i) }

	if r.clickLowerSeconds > 0 {
		appendSlot(r.clickLowerSeconds, isValidClick)
	}
	if r.clickUpperSeconds > 0 {
		appendSlot(r.clickUpperSeconds, isValidClick)
	}
	if r.touchUpperSeconds > 0 {
		if r.touchIncludesClicks {
			appendSlot(r.touchUpperSeconds, isValid)
		} else {
			appendSlot(r.touchUpperSeconds, func(i int) bool { return isValid(i) && !isValidClick(i) })
		}
	}
	return out
}

// ComputeThresholdsPrivate derives the threshold vector obliviously when the
// touchpoint timestamp and click flag are themselves secret-shared.
func (r Rule) ComputeThresholdsPrivate(s oblivious.Scheduler, tp PrivateTouchpoint, batchSize int) ([]oblivious.SecUint, error) {
	if batchSize <= 0 {
		return nil, &InvalidBatchSizeError{BatchSize: batchSize}
	}

	zero := oblivious.ConstUint64(s, 0, TimestampWidth, batchSize)
	isValid, err := oblivious.Lt(s, zero, tp.Timestamp)
	if err != nil {
		return nil, err
	}
	isValidClick, err := s.And(tp.IsClick, isValid)
	if err != nil {
		return nil, err
	}

	appendSlot := func(out []oblivious.SecUint, windowSeconds uint64, eligible oblivious.SecBit) ([]oblivious.SecUint, error) {
		window := oblivious.ConstUint64(s, windowSeconds, TimestampWidth, batchSize)
		bound, err := oblivious.Add(s, tp.Timestamp, window)
		if err != nil {
			return nil, err
		}
		slot, err := oblivious.MuxUints(s, eligible, bound, zero)
		if err != nil {
			return nil, err
		}
		return append(out, slot), nil
	}

	out := make([]oblivious.SecUint, 0, r.NumThresholds())
	if r.clickLowerSeconds > 0 {
		if out, err = appendSlot(out, r.clickLowerSeconds, isValidClick); err != nil {
			return nil, err
		}
	}
	if r.clickUpperSeconds > 0 {
		if out, err = appendSlot(out, r.clickUpperSeconds, isValidClick); err != nil {
			return nil, err
		}
	}
	if r.touchUpperSeconds > 0 {
		eligible := isValid
		if !r.touchIncludesClicks {
			if eligible, err = s.And(isValid, s.Not(isValidClick)); err != nil {
				return nil, err
			}
		}
		if out, err = appendSlot(out, r.touchUpperSeconds, eligible); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// IsAttributable evaluates the rule's matching predicate: the touchpoint
// strictly precedes the conversion and the conversion falls inside at least
// one of the rule's windows.
func (r Rule) IsAttributable(s oblivious.Scheduler, tp PrivateTouchpoint, conv PrivateConversion, thresholds []oblivious.SecUint) (oblivious.SecBit, error) {
	if got, want := len(thresholds), r.NumThresholds(); got != want {
		return oblivious.SecBit{}, fmt.Errorf("rule %s: got %d thresholds, want %d", r.Name, got, want)
	}

	valid, err := oblivious.Lt(s, tp.Timestamp, conv.Timestamp)
	if err != nil {
		return oblivious.SecBit{}, err
	}

	idx := 0
	var window oblivious.SecBit
	haveWindow := false
	if r.clickUpperSeconds > 0 {
		clickCond, err := oblivious.Le(s, conv.Timestamp, thresholds[boolToInt(r.clickLowerSeconds > 0)])
		if err != nil {
			return oblivious.SecBit{}, err
		}
		if r.clickLowerSeconds > 0 {
			afterLower, err := oblivious.Lt(s, thresholds[0], conv.Timestamp)
			if err != nil {
				return oblivious.SecBit{}, err
			}
			if clickCond, err = s.And(afterLower, clickCond); err != nil {
				return oblivious.SecBit{}, err
			}
			idx++
		}
		idx++
		window = clickCond
		haveWindow = true
	}
	if r.touchUpperSeconds > 0 {
		touchCond, err := oblivious.Le(s, conv.Timestamp, thresholds[idx])
		if err != nil {
			return oblivious.SecBit{}, err
		}
		if haveWindow {
			if window, err = oblivious.Or(s, window, touchCond); err != nil {
				return oblivious.SecBit{}, err
			}
		} else {
			window = touchCond
			haveWindow = true
		}
	}
	if !haveWindow {
		return oblivious.SecBit{}, fmt.Errorf("rule %s has no matching window", r.Name)
	}

	attributable, err := s.And(valid, window)
	if err != nil {
		return oblivious.SecBit{}, err
	}

	if r.matchTargetID {
		sameTarget, err := oblivious.Eq(s, tp.TargetID, conv.TargetID)
		if err != nil {
			return oblivious.SecBit{}, err
		}
		sameAction, err := oblivious.Eq(s, tp.ActionType, conv.ActionType)
		if err != nil {
			return oblivious.SecBit{}, err
		}
		if attributable, err = s.And(attributable, sameTarget); err != nil {
			return oblivious.SecBit{}, err
		}
		if attributable, err = s.And(attributable, sameAction); err != nil {
			return oblivious.SecBit{}, err
		}
	}
	return attributable, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
