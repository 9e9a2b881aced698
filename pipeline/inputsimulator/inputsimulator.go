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

// Package inputsimulator simulates the upstream id-matching stage in
// splitting fully matched event rows into the two parties' input files.
// Functions in this package are just used for preparing experiment data,
// which are not used in practice.
package inputsimulator

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"

	log "github.com/golang/glog"
	"github.com/google/private-attribution-service/pipeline/attributioninput"
	"github.com/google/private-attribution-service/shared/utils"
)

// RawHeader is the required header of the combined input file. Every column
// holds one bracket-delimited array per matched user row.
const RawHeader = "ad_ids,timestamps,is_click,conversion_timestamps,conversion_values"

// rawRow is one matched user with cleartext events from both sides.
type rawRow struct {
	adIDs, timestamps, isClick []uint64
	convTimestamps, convValues []uint64
}

// Params controls how the raw rows get split.
type Params struct {
	MaxTouchpoints int
	MaxConversions int
	// Encryption Plaintext writes each party's own columns in the clear.
	// Xor pads every row to the maxima, then writes both parties XOR shares
	// of all columns.
	Encryption attributioninput.Encryption
}

// SplitRawInput reads combined cleartext rows and writes the two parties'
// input files.
//
// Under Xor the rows are sorted and padded here, before sharing, because the
// parties cannot sort or count share-space values themselves.
func SplitRawInput(ctx context.Context, rawFile, publisherFile, partnerFile string, params Params) error {
	lines, err := utils.ReadLines(ctx, rawFile)
	if err != nil {
		return err
	}
	if len(lines) == 0 || lines[0] != RawHeader {
		return fmt.Errorf("file %s must start with header %q", rawFile, RawHeader)
	}

	rows := make([]rawRow, 0, len(lines)-1)
	for lineNo, line := range lines[1:] {
		row, err := parseRawRow(line, params)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo+1, err)
		}
		rows = append(rows, row)
	}
	log.Infof("read %d matched rows from %s", len(rows), rawFile)

	var publisherLines, partnerLines []string
	if params.Encryption == attributioninput.Xor {
		publisherLines, partnerLines, err = shareLines(rows, params)
		if err != nil {
			return err
		}
	} else {
		publisherLines, partnerLines = plaintextLines(rows)
	}

	if err := utils.WriteLines(ctx, publisherLines, publisherFile); err != nil {
		return err
	}
	return utils.WriteLines(ctx, partnerLines, partnerFile)
}

func parseRawRow(line string, params Params) (rawRow, error) {
	var row rawRow
	parts := attributioninput.SplitColumns(line)
	if got, want := len(parts), 5; got != want {
		return row, fmt.Errorf("got %d columns in line %q, want %d", got, line, want)
	}

	var err error
	for i, dst := range []*[]uint64{&row.adIDs, &row.timestamps, &row.isClick, &row.convTimestamps, &row.convValues} {
		if *dst, err = attributioninput.ParseInnerArray(parts[i]); err != nil {
			return row, err
		}
	}

	if len(row.timestamps) != len(row.adIDs) || len(row.timestamps) != len(row.isClick) {
		return row, fmt.Errorf("touchpoint arrays differ in length: %d ad ids, %d timestamps, %d is_click",
			len(row.adIDs), len(row.timestamps), len(row.isClick))
	}
	if len(row.convTimestamps) != len(row.convValues) {
		return row, fmt.Errorf("conversion arrays differ in length: %d timestamps, %d values",
			len(row.convTimestamps), len(row.convValues))
	}
	if len(row.timestamps) > params.MaxTouchpoints {
		return row, fmt.Errorf("%d touchpoints exceed the maximum of %d", len(row.timestamps), params.MaxTouchpoints)
	}
	if len(row.convTimestamps) > params.MaxConversions {
		return row, fmt.Errorf("%d conversions exceed the maximum of %d", len(row.convTimestamps), params.MaxConversions)
	}
	return row, nil
}

func plaintextLines(rows []rawRow) (publisherLines, partnerLines []string) {
	publisherLines = append(publisherLines, "ad_ids,timestamps,is_click")
	partnerLines = append(partnerLines, "conversion_timestamps,conversion_values")
	for _, row := range rows {
		publisherLines = append(publisherLines, strings.Join([]string{
			formatArray(row.adIDs), formatArray(row.timestamps), formatArray(row.isClick),
		}, ","))
		partnerLines = append(partnerLines, strings.Join([]string{
			formatArray(row.convTimestamps), formatArray(row.convValues),
		}, ","))
	}
	return publisherLines, partnerLines
}

func shareLines(rows []rawRow, params Params) (publisherLines, partnerLines []string, err error) {
	publisherLines = append(publisherLines, RawHeader)
	partnerLines = append(partnerLines, RawHeader)
	for _, row := range rows {
		sortTouchpoints(&row)
		sortConversions(&row)
		padRow(&row, params)

		var publisherCols, partnerCols []string
		for _, col := range []struct {
			values []uint64
			width  int
		}{
			{row.adIDs, 64},
			{row.timestamps, 64},
			{row.isClick, 1},
			{row.convTimestamps, 64},
			{row.convValues, 64},
		} {
			a, b, err := splitIntoUintShares(col.values, col.width)
			if err != nil {
				return nil, nil, err
			}
			publisherCols = append(publisherCols, formatArray(a))
			partnerCols = append(partnerCols, formatArray(b))
		}
		publisherLines = append(publisherLines, strings.Join(publisherCols, ","))
		partnerLines = append(partnerLines, strings.Join(partnerCols, ","))
	}
	return publisherLines, partnerLines, nil
}

// sortTouchpoints orders by timestamp with views before clicks on ties, the
// order the cleartext loader applies to each row.
func sortTouchpoints(row *rawRow) {
	order := make([]int, len(row.timestamps))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(x, y int) bool {
		a, b := order[x], order[y]
		if row.timestamps[a] != row.timestamps[b] {
			return row.timestamps[a] < row.timestamps[b]
		}
		return row.isClick[a] == 0 && row.isClick[b] == 1
	})
	row.adIDs = permute(row.adIDs, order)
	row.timestamps = permute(row.timestamps, order)
	row.isClick = permute(row.isClick, order)
}

func sortConversions(row *rawRow) {
	order := make([]int, len(row.convTimestamps))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(x, y int) bool {
		return row.convTimestamps[order[x]] < row.convTimestamps[order[y]]
	})
	row.convTimestamps = permute(row.convTimestamps, order)
	row.convValues = permute(row.convValues, order)
}

func permute(values []uint64, order []int) []uint64 {
	out := make([]uint64, len(values))
	for i, j := range order {
		out[i] = values[j]
	}
	return out
}

func padRow(row *rawRow, params Params) {
	for len(row.timestamps) < params.MaxTouchpoints {
		row.adIDs = append(row.adIDs, 0)
		row.timestamps = append(row.timestamps, 0)
		row.isClick = append(row.isClick, 0)
	}
	for len(row.convTimestamps) < params.MaxConversions {
		row.convTimestamps = append(row.convTimestamps, 0)
		row.convValues = append(row.convValues, 0)
	}
}

// splitIntoUintShares splits each value into two shares that XOR back to the
// original. The masks come from crypto/rand so a single share reveals
// nothing about the value.
func splitIntoUintShares(values []uint64, width int) ([]uint64, []uint64, error) {
	a := make([]uint64, len(values))
	b := make([]uint64, len(values))
	mask := uint64(1)<<uint(width-1)<<1 - 1
	for i, v := range values {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, nil, err
		}
		r := binary.LittleEndian.Uint64(buf[:]) & mask
		a[i] = v ^ r
		b[i] = r
	}
	return a, b, nil
}

func formatArray(values []uint64) string {
	fields := make([]string, len(values))
	for i, v := range values {
		fields[i] = strconv.FormatUint(v, 10)
	}
	return "[" + strings.Join(fields, ",") + "]"
}
