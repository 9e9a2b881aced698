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

// Package attributioninput loads the row-aligned event files produced by the
// upstream id-matching stage. Each CSV row describes one matched user; event
// columns hold bracket-delimited arrays, for example ad_ids = [10,52,10].
//
// Rows are padded to the configured maxima so array lengths never reveal a
// user's true event count.
package attributioninput

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	log "github.com/golang/glog"
	"github.com/google/private-attribution-service/shared/utils"
)

// Encryption describes how event values arrive in the input file.
type Encryption int

const (
	// Plaintext inputs hold cleartext values owned entirely by this party.
	Plaintext Encryption = iota
	// Xor inputs hold this party's XOR shares of values secret-shared
	// upstream. Xor rows arrive pre-sorted; this package must not reorder
	// them because a share-space sort would diverge between the parties.
	Xor
)

// Touchpoint is one ad exposure event owned by the publisher. A zero
// timestamp marks a padding entry.
type Touchpoint struct {
	// ID is the touchpoint's sequence number within its user row.
	ID           int64
	IsClick      bool
	Timestamp    uint64
	TargetID     uint64
	ActionType   uint64
	OriginalAdID uint64
	// AdID is the compressed ad id, filled in by the compression stage.
	AdID uint64
}

// Conversion is one conversion event owned by the partner. A zero timestamp
// marks a padding entry.
type Conversion struct {
	Timestamp  uint64
	TargetID   uint64
	ActionType uint64
	Value      uint64
}

// Shard holds every user row of one input file, already sorted and padded.
// Touchpoints[i] and Conversions[i] belong to the user IDs[i] and have
// length MaxTouchpoints and MaxConversions respectively.
type Shard struct {
	IDs         []int64
	Touchpoints [][]Touchpoint
	Conversions [][]Conversion
}

// ValidationError reports input that violates a shape constraint. It is
// raised before any protocol round so a bad file aborts the run cheaply.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid input: " + e.Reason
}

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Config controls parsing for one party's input file.
type Config struct {
	MaxTouchpoints int
	MaxConversions int
	Encryption     Encryption
}

// ReadShard reads and parses one input file, local or GCS.
func ReadShard(ctx context.Context, filename string, cfg Config) (*Shard, error) {
	log.Infof("reading input rows from %s", filename)
	lines, err := utils.ReadLines(ctx, filename)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, validationErrorf("file %s has no header line", filename)
	}

	header := SplitColumns(lines[0])
	shard := &Shard{}
	for lineNo, line := range lines[1:] {
		parts := SplitColumns(line)
		if len(parts) != len(header) {
			return nil, validationErrorf("line %d has %d columns, header has %d", lineNo+1, len(parts), len(header))
		}

		tps, err := parseTouchpoints(header, parts, cfg)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo+1, err)
		}
		convs, err := parseConversions(header, parts, cfg)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo+1, err)
		}

		shard.IDs = append(shard.IDs, int64(lineNo))
		shard.Touchpoints = append(shard.Touchpoints, tps)
		shard.Conversions = append(shard.Conversions, convs)
	}
	log.Infof("read %d user rows from %s", len(shard.IDs), filename)
	return shard, nil
}

// parseTouchpoints extracts the publisher-side event arrays of one row.
func parseTouchpoints(header, parts []string, cfg Config) ([]Touchpoint, error) {
	var (
		timestamps, targetIDs, actionTypes, adIDs []uint64
		isClicks                                  []bool
		targetIDPresent, actionTypePresent        bool
		err                                       error
	)
	for i, column := range header {
		value := parts[i]
		switch column {
		case "timestamps":
			timestamps, err = ParseInnerArray(value)
		case "is_click":
			var clickValues []uint64
			clickValues, err = ParseInnerArray(value)
			for _, v := range clickValues {
				// Under Xor encryption the column carries 64-bit shares of a
				// one-bit value, so only the low bit is meaningful.
				isClicks = append(isClicks, v&1 == 1)
			}
		case "target_id":
			targetIDPresent = true
			targetIDs, err = ParseInnerArray(value)
		case "action_type":
			actionTypePresent = true
			actionTypes, err = ParseInnerArray(value)
		case "ad_ids":
			adIDs, err = ParseInnerArray(value)
		}
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", column, err)
		}
	}

	if len(timestamps) != len(isClicks) {
		return nil, validationErrorf("timestamps and is_click arrays differ in length, %d vs %d", len(timestamps), len(isClicks))
	}
	if len(timestamps) != len(adIDs) {
		return nil, validationErrorf("timestamps and ad_ids arrays differ in length, %d vs %d", len(timestamps), len(adIDs))
	}
	if len(timestamps) > cfg.MaxTouchpoints {
		return nil, validationErrorf("%d touchpoints exceed the maximum of %d", len(timestamps), cfg.MaxTouchpoints)
	}
	if len(timestamps) > 0 {
		if targetIDPresent && len(targetIDs) != len(timestamps) {
			return nil, validationErrorf("timestamps and target_id arrays differ in length, %d vs %d", len(timestamps), len(targetIDs))
		}
		if actionTypePresent && len(actionTypes) != len(timestamps) {
			return nil, validationErrorf("timestamps and action_type arrays differ in length, %d vs %d", len(timestamps), len(actionTypes))
		}
	}

	tps := make([]Touchpoint, 0, cfg.MaxTouchpoints)
	for i := range timestamps {
		tp := Touchpoint{
			ID:           int64(i),
			IsClick:      isClicks[i],
			Timestamp:    timestamps[i],
			OriginalAdID: adIDs[i],
		}
		if targetIDPresent {
			tp.TargetID = targetIDs[i]
		}
		if actionTypePresent {
			tp.ActionType = actionTypes[i]
		}
		tps = append(tps, tp)
	}

	// The upstream stage sorts rows but not the arrays within a row. Order by
	// timestamp with views before clicks on ties, so the reverse scan prefers
	// clicks among simultaneous events. Xor inputs were sorted upstream on
	// the cleartext values and must stay as delivered.
	if cfg.Encryption != Xor {
		sort.SliceStable(tps, func(a, b int) bool {
			if tps[a].Timestamp != tps[b].Timestamp {
				return tps[a].Timestamp < tps[b].Timestamp
			}
			return !tps[a].IsClick && tps[b].IsClick
		})
	}

	for len(tps) < cfg.MaxTouchpoints {
		tps = append(tps, Touchpoint{ID: int64(len(tps))})
	}
	return tps, nil
}

// parseConversions extracts the partner-side event arrays of one row.
func parseConversions(header, parts []string, cfg Config) ([]Conversion, error) {
	var (
		timestamps, targetIDs, actionTypes, values []uint64
		targetIDPresent, actionTypePresent         bool
		err                                        error
	)
	for i, column := range header {
		value := parts[i]
		switch column {
		case "conversion_timestamps":
			timestamps, err = ParseInnerArray(value)
		case "conversion_target_id":
			targetIDPresent = true
			targetIDs, err = ParseInnerArray(value)
		case "conversion_action_type":
			actionTypePresent = true
			actionTypes, err = ParseInnerArray(value)
		case "conversion_values":
			values, err = ParseInnerArray(value)
		}
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", column, err)
		}
	}

	if len(timestamps) > cfg.MaxConversions {
		return nil, validationErrorf("%d conversions exceed the maximum of %d", len(timestamps), cfg.MaxConversions)
	}
	if len(timestamps) != len(values) {
		return nil, validationErrorf("conversion_timestamps and conversion_values arrays differ in length, %d vs %d", len(timestamps), len(values))
	}
	if len(timestamps) > 0 {
		if targetIDPresent && len(targetIDs) != len(timestamps) {
			return nil, validationErrorf("conversion_timestamps and conversion_target_id arrays differ in length, %d vs %d", len(timestamps), len(targetIDs))
		}
		if actionTypePresent && len(actionTypes) != len(timestamps) {
			return nil, validationErrorf("conversion_timestamps and conversion_action_type arrays differ in length, %d vs %d", len(timestamps), len(actionTypes))
		}
	}

	convs := make([]Conversion, 0, cfg.MaxConversions)
	for i := range timestamps {
		conv := Conversion{
			Timestamp: timestamps[i],
			Value:     values[i],
		}
		if targetIDPresent {
			conv.TargetID = targetIDs[i]
		}
		if actionTypePresent {
			conv.ActionType = actionTypes[i]
		}
		convs = append(convs, conv)
	}

	if cfg.Encryption == Plaintext {
		sort.SliceStable(convs, func(a, b int) bool {
			return convs[a].Timestamp < convs[b].Timestamp
		})
	}

	for len(convs) < cfg.MaxConversions {
		convs = append(convs, Conversion{})
	}
	return convs, nil
}

// SplitColumns splits one event CSV line on the commas outside bracket
// arrays.
func SplitColumns(line string) []string {
	var (
		columns []string
		depth   int
		start   int
	)
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '[':
			depth++
		case ']':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				columns = append(columns, strings.TrimSpace(line[start:i]))
				start = i + 1
			}
		}
	}
	return append(columns, strings.TrimSpace(line[start:]))
}

// ParseInnerArray parses one bracket-delimited array of unsigned integers.
// An empty array parses to nil.
// Negative entries are recorded as zero, matching the upstream convention
// for redacted values.
func ParseInnerArray(value string) ([]uint64, error) {
	inner := strings.TrimSpace(value)
	inner = strings.TrimPrefix(inner, "[")
	inner = strings.TrimSuffix(inner, "]")
	if strings.TrimSpace(inner) == "" {
		return nil, nil
	}

	var out []uint64
	for _, field := range strings.Split(inner, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if strings.HasPrefix(field, "-") {
			log.Errorf("negative input value %s recorded as zero", field)
			out = append(out, 0)
			continue
		}
		v, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return nil, validationErrorf("value %q is not an unsigned integer", field)
		}
		out = append(out, v)
	}
	return out, nil
}

// Validate checks the cross-row shape invariants the engine depends on.
func (s *Shard) Validate(cfg Config) error {
	if len(s.IDs) != len(s.Touchpoints) || len(s.IDs) != len(s.Conversions) {
		return validationErrorf("row counts diverge: %d ids, %d touchpoint rows, %d conversion rows",
			len(s.IDs), len(s.Touchpoints), len(s.Conversions))
	}
	for i := range s.IDs {
		if got := len(s.Touchpoints[i]); got != cfg.MaxTouchpoints {
			return validationErrorf("row %d has %d touchpoints after padding, want %d", i, got, cfg.MaxTouchpoints)
		}
		if got := len(s.Conversions[i]); got != cfg.MaxConversions {
			return validationErrorf("row %d has %d conversions after padding, want %d", i, got, cfg.MaxConversions)
		}
	}
	return nil
}

// NumRows returns the user-row count, which is also the oblivious batch size
// for column-vectorized execution.
func (s *Shard) NumRows() int {
	return len(s.IDs)
}
