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

package attributor

import (
	"fmt"
	"strconv"

	"github.com/google/private-attribution-service/mpc/oblivious"
	"github.com/google/private-attribution-service/pipeline/attributioninput"
	"github.com/google/private-attribution-service/pipeline/attributionrule"
)

// computeRule evaluates one rule over every execution unit and reveals the
// records under the configured visibility.
func (g *Game) computeRule(rule attributionrule.Rule, shard *attributioninput.Shard, units []unit) (AttributionResult, error) {
	result := AttributionResult{}
	if g.cfg.UseReformattedOutput {
		result.Reformatted = make(map[string][]OutputMetricReformatted)
	} else {
		result.Default = make(map[string][]OutputMetricDefault)
	}
	for _, row := range shard.IDs {
		uid := strconv.FormatInt(row, 10)
		if g.cfg.UseReformattedOutput {
			result.Reformatted[uid] = []OutputMetricReformatted{}
		} else {
			result.Default[uid] = []OutputMetricDefault{}
		}
	}

	for _, u := range units {
		thresholds, err := g.ruleThresholds(rule, u)
		if err != nil {
			return AttributionResult{}, err
		}
		if len(thresholds) != len(u.tps) {
			return AttributionResult{}, fmt.Errorf("thresholds cover %d touchpoint columns, want %d", len(thresholds), len(u.tps))
		}

		if g.cfg.UseReformattedOutput {
			records, err := g.matchReformatted(rule, u, thresholds)
			if err != nil {
				return AttributionResult{}, err
			}
			if err := g.revealReformatted(shard, u, records, result.Reformatted); err != nil {
				return AttributionResult{}, err
			}
		} else {
			bits, err := g.matchDefault(rule, u, thresholds)
			if err != nil {
				return AttributionResult{}, err
			}
			if err := g.revealDefault(shard, u, bits, result.Default); err != nil {
				return AttributionResult{}, err
			}
		}
	}
	return result, nil
}

// matchDefault walks conversions and touchpoints newest first, so the most
// recent attributable touchpoint claims each conversion. It returns one
// secret bit batch per (conversion, touchpoint) pair, reordered oldest first.
func (g *Game) matchDefault(rule attributionrule.Rule, u unit, thresholds [][]oblivious.SecUint) ([]oblivious.SecBit, error) {
	s := g.sched
	var attributions []oblivious.SecBit
	for ci := len(u.convs) - 1; ci >= 0; ci-- {
		hasAttributed := s.ConstBits(make([]bool, u.batchSize))
		for ti := len(u.tps) - 1; ti >= 0; ti-- {
			attributable, err := rule.IsAttributable(s, u.tps[ti], u.convs[ci], thresholds[ti])
			if err != nil {
				return nil, err
			}
			isAttributed, err := s.And(attributable, s.Not(hasAttributed))
			if err != nil {
				return nil, err
			}
			hasAttributed, err = oblivious.Or(s, isAttributed, hasAttributed)
			if err != nil {
				return nil, err
			}
			attributions = append(attributions, isAttributed)
		}
	}
	for i, j := 0, len(attributions)-1; i < j; i, j = i+1, j-1 {
		attributions[i], attributions[j] = attributions[j], attributions[i]
	}
	return attributions, nil
}

// reformattedRecord is one conversion's secret output: the winning compressed
// ad id (zero when unattributed), the conversion value, and the attributed
// flag.
type reformattedRecord struct {
	adID         oblivious.SecUint
	convValue    oblivious.SecUint
	isAttributed oblivious.SecBit
}

// matchReformatted runs the same newest-first walk but folds each
// conversion's winner into a single record, selecting the winning ad id with
// a mux chain. Records come back oldest conversion first.
func (g *Game) matchReformatted(rule attributionrule.Rule, u unit, thresholds [][]oblivious.SecUint) ([]reformattedRecord, error) {
	s := g.sched
	var records []reformattedRecord
	for ci := len(u.convs) - 1; ci >= 0; ci-- {
		hasAttributed := s.ConstBits(make([]bool, u.batchSize))
		attributedAdID := oblivious.ConstUint64(s, 0, attributionrule.AdIDWidth, u.batchSize)
		for ti := len(u.tps) - 1; ti >= 0; ti-- {
			attributable, err := rule.IsAttributable(s, u.tps[ti], u.convs[ci], thresholds[ti])
			if err != nil {
				return nil, err
			}
			isAttributed, err := s.And(attributable, s.Not(hasAttributed))
			if err != nil {
				return nil, err
			}
			attributedAdID, err = oblivious.MuxUints(s, isAttributed, u.tps[ti].AdID, attributedAdID)
			if err != nil {
				return nil, err
			}
			hasAttributed, err = oblivious.Or(s, isAttributed, hasAttributed)
			if err != nil {
				return nil, err
			}
		}
		records = append(records, reformattedRecord{
			adID:         attributedAdID,
			convValue:    u.convs[ci].Value,
			isAttributed: hasAttributed,
		})
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// revealBits opens a secret bit batch under the configured visibility. Under
// publisher visibility the partner gets all-false values.
func (g *Game) revealBits(b oblivious.SecBit) ([]bool, error) {
	if g.cfg.Visibility == XorVisibility {
		return g.sched.BitShares(b), nil
	}
	opened, err := g.sched.OpenBits(b, oblivious.Publisher)
	if err != nil {
		return nil, err
	}
	if opened == nil {
		opened = make([]bool, b.Len())
	}
	return opened, nil
}

func (g *Game) revealUints(u oblivious.SecUint) ([]uint64, error) {
	if g.cfg.Visibility == XorVisibility {
		return oblivious.UintShares(g.sched, u), nil
	}
	opened, err := oblivious.OpenUint64s(g.sched, u, oblivious.Publisher)
	if err != nil {
		return nil, err
	}
	if opened == nil {
		opened = make([]uint64, u.Len())
	}
	return opened, nil
}

func (g *Game) revealDefault(shard *attributioninput.Shard, u unit, bits []oblivious.SecBit, out map[string][]OutputMetricDefault) error {
	for _, b := range bits {
		vals, err := g.revealBits(b)
		if err != nil {
			return err
		}
		for i, row := range u.rows {
			uid := strconv.FormatInt(shard.IDs[row], 10)
			out[uid] = append(out[uid], OutputMetricDefault{IsAttributed: vals[i]})
		}
	}
	return nil
}

func (g *Game) revealReformatted(shard *attributioninput.Shard, u unit, records []reformattedRecord, out map[string][]OutputMetricReformatted) error {
	for _, record := range records {
		adIDs, err := g.revealUints(record.adID)
		if err != nil {
			return err
		}
		convValues, err := g.revealUints(record.convValue)
		if err != nil {
			return err
		}
		attributed, err := g.revealBits(record.isAttributed)
		if err != nil {
			return err
		}
		for i, row := range u.rows {
			uid := strconv.FormatInt(shard.IDs[row], 10)
			out[uid] = append(out[uid], OutputMetricReformatted{
				AdID:         adIDs[i],
				ConvValue:    convValues[i],
				IsAttributed: attributed[i],
			})
		}
	}
	return nil
}
