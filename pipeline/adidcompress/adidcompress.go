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

// Package adidcompress maps the sparse original ad-id domain onto a dense
// range so downstream circuits carry 16-bit ids instead of 64-bit ones. The
// stage is active only for the reformatted output format.
//
// The dense ids start at 1; id 0 stays reserved for padding entries. The
// compressed-to-original mapping is persisted for the publisher's export
// stage and never shared with the partner.
package adidcompress

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	log "github.com/golang/glog"
	"github.com/google/private-attribution-service/mpc/oblivious"
	"github.com/google/private-attribution-service/pipeline/attributioninput"
	"github.com/google/private-attribution-service/pipeline/attributionrule"
	"github.com/google/private-attribution-service/shared/utils"
)

// MaxDistinctAdIDs caps the dense domain at what a 16-bit compressed id can
// address.
const MaxDistinctAdIDs = 65536

// MappingFilename is the artifact name appended to the run's output prefix.
const MappingFilename = "compressionMapping.json"

// TooManyAdIDsError reports a shard whose distinct ad ids exceed the dense
// domain.
type TooManyAdIDsError struct {
	Count int
}

func (e *TooManyAdIDsError) Error() string {
	return fmt.Sprintf("%d distinct ad ids exceed the maximum of %d", e.Count, MaxDistinctAdIDs)
}

// Mapping is the persisted compressed-to-original artifact. Keys are decimal
// compressed ids.
type Mapping struct {
	CompressedToOriginal map[string]uint64 `json:"compressedAdIdToAdIdMap"`
}

// Compress rewrites every touchpoint's AdID with its dense id and returns
// the publisher's mapping artifact.
//
// Under Xor input encryption the original ad ids first get opened to the
// publisher, one oblivious round per touchpoint column, so both parties must
// call Compress at the same protocol point. The partner ends with zeroed ad
// ids and a nil mapping; compressed ids are publisher input from here on.
func Compress(s oblivious.Scheduler, shard *attributioninput.Shard, enc attributioninput.Encryption) (*Mapping, error) {
	if enc == attributioninput.Xor {
		if err := openAdIDsToPublisher(s, shard); err != nil {
			return nil, err
		}
	}
	if s.Role() != oblivious.Publisher {
		for _, row := range shard.Touchpoints {
			for i := range row {
				row[i].OriginalAdID = 0
				row[i].AdID = 0
			}
		}
		return nil, nil
	}

	originals, err := collectOriginalAdIDs(shard)
	if err != nil {
		return nil, err
	}
	log.Infof("compressing %d distinct ad ids", len(originals))

	dense := make(map[uint64]uint64, len(originals))
	mapping := &Mapping{CompressedToOriginal: make(map[string]uint64, len(originals))}
	for i, original := range originals {
		compressed := uint64(i + 1)
		dense[original] = compressed
		mapping.CompressedToOriginal[strconv.FormatUint(compressed, 10)] = original
	}

	for _, row := range shard.Touchpoints {
		for i := range row {
			if row[i].OriginalAdID > 0 {
				row[i].AdID = dense[row[i].OriginalAdID]
			} else {
				row[i].AdID = 0
			}
		}
	}
	return mapping, nil
}

// openAdIDsToPublisher reveals the secret-shared original ad ids to the
// publisher, column by column so the gate order is fixed.
func openAdIDsToPublisher(s oblivious.Scheduler, shard *attributioninput.Shard) error {
	if shard.NumRows() == 0 {
		return nil
	}
	numColumns := len(shard.Touchpoints[0])
	for col := 0; col < numColumns; col++ {
		shares := make([]uint64, shard.NumRows())
		for row := range shard.Touchpoints {
			shares[row] = shard.Touchpoints[row][col].OriginalAdID
		}
		u := oblivious.FromUintShares(s, shares, attributionrule.AdIDWidth)
		opened, err := oblivious.OpenUint64s(s, u, oblivious.Publisher)
		if err != nil {
			return fmt.Errorf("opening ad id column %d: %v", col, err)
		}
		if opened == nil {
			continue
		}
		for row := range shard.Touchpoints {
			shard.Touchpoints[row][col].OriginalAdID = opened[row]
		}
	}
	return nil
}

// collectOriginalAdIDs gathers the distinct non-zero ids in ascending order.
func collectOriginalAdIDs(shard *attributioninput.Shard) ([]uint64, error) {
	set := make(map[uint64]bool)
	for _, row := range shard.Touchpoints {
		for _, tp := range row {
			if tp.OriginalAdID > 0 {
				set[tp.OriginalAdID] = true
			}
		}
	}
	if len(set) > MaxDistinctAdIDs {
		return nil, &TooManyAdIDsError{Count: len(set)}
	}

	out := make([]uint64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out, nil
}

func mappingFilename(outputPrefix string) string {
	return outputPrefix + "_" + MappingFilename
}

// WriteMapping persists the artifact next to the run's other outputs.
func WriteMapping(ctx context.Context, mapping *Mapping, outputPrefix string) error {
	b, err := json.MarshalIndent(mapping, "", "  ")
	if err != nil {
		return err
	}
	filename := mappingFilename(outputPrefix)
	log.Infof("writing ad id mapping to %s", filename)
	return utils.WriteBytes(ctx, b, filename)
}

// ReadMapping loads a persisted artifact.
func ReadMapping(ctx context.Context, outputPrefix string) (*Mapping, error) {
	b, err := utils.ReadBytes(ctx, mappingFilename(outputPrefix))
	if err != nil {
		return nil, err
	}
	mapping := &Mapping{}
	if err := json.Unmarshal(b, mapping); err != nil {
		return nil, err
	}
	return mapping, nil
}
