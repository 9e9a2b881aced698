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

// Package mergeattribution defines the pipeline that combines the two
// parties' Xor-visibility attribution outputs into plaintext results.
//
// Each party exports its shares as text lines so the merge can run as a
// Beam job over files on GCS or local disk. A record's two shares combine
// by xor; a record missing from either party is dropped with a log line.
package mergeattribution

import (
	"fmt"
	"log"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/apache/beam/sdks/go/pkg/beam"
	"github.com/apache/beam/sdks/go/pkg/beam/io/textio"
	"github.com/google/private-attribution-service/pipeline/attributor"

	// The following packages are required to read files from GCS or local.
	_ "github.com/apache/beam/sdks/go/pkg/beam/io/filesystem/gcs"
	_ "github.com/apache/beam/sdks/go/pkg/beam/io/filesystem/local"
)

const (
	// KindPair marks a per-pair record of the original output format.
	KindPair = "pair"
	// KindConversion marks a per-conversion record of the reformatted format.
	KindConversion = "conversion"
)

func init() {
	beam.RegisterType(reflect.TypeOf(ShareRecord{}))
	beam.RegisterFunction(formatRecordFn)
	beam.RegisterFunction(mergeShareRecordsFn)
	beam.RegisterFunction(parseShareLineFn)
}

// ShareRecord is one party's share of a single output record.
type ShareRecord struct {
	Rule string
	Kind string
	UID  string
	// Index is the record's position in the user's record list: the pair
	// index for KindPair, the conversion index for KindConversion.
	Index        int
	AdID         uint64
	ConvValue    uint64
	IsAttributed bool
}

func (r ShareRecord) key() string {
	return strings.Join([]string{r.Rule, r.Kind, r.UID, strconv.Itoa(r.Index)}, "/")
}

func formatRecord(r ShareRecord) string {
	attributed := "0"
	if r.IsAttributed {
		attributed = "1"
	}
	return strings.Join([]string{
		r.Rule, r.Kind, r.UID,
		strconv.Itoa(r.Index),
		strconv.FormatUint(r.AdID, 10),
		strconv.FormatUint(r.ConvValue, 10),
		attributed,
	}, ",")
}

// ParseRecord reads one share or merged line.
func ParseRecord(line string) (ShareRecord, error) {
	cols := strings.Split(line, ",")
	if got, want := len(cols), 7; got != want {
		return ShareRecord{}, fmt.Errorf("got %d columns in line %q, expected %d", got, line, want)
	}
	if cols[1] != KindPair && cols[1] != KindConversion {
		return ShareRecord{}, fmt.Errorf("unknown record kind %q in line %q", cols[1], line)
	}
	index, err := strconv.Atoi(cols[3])
	if err != nil {
		return ShareRecord{}, err
	}
	adID, err := strconv.ParseUint(cols[4], 10, 64)
	if err != nil {
		return ShareRecord{}, err
	}
	convValue, err := strconv.ParseUint(cols[5], 10, 64)
	if err != nil {
		return ShareRecord{}, err
	}
	return ShareRecord{
		Rule:         cols[0],
		Kind:         cols[1],
		UID:          cols[2],
		Index:        index,
		AdID:         adID,
		ConvValue:    convValue,
		IsAttributed: cols[6] == "1",
	}, nil
}

// FlattenShares turns one party's Xor-visibility metrics into share lines,
// sorted so the export is deterministic.
func FlattenShares(metrics *attributor.AttributionOutputMetrics) ([]string, error) {
	var records []ShareRecord
	for rule, ruleMetrics := range metrics.RuleToMetrics {
		for _, result := range ruleMetrics.FormatToAttribution {
			for uid, list := range result.Default {
				for i, record := range list {
					records = append(records, ShareRecord{
						Rule: rule, Kind: KindPair, UID: uid, Index: i,
						IsAttributed: record.IsAttributed,
					})
				}
			}
			for uid, list := range result.Reformatted {
				for i, record := range list {
					records = append(records, ShareRecord{
						Rule: rule, Kind: KindConversion, UID: uid, Index: i,
						AdID: record.AdID, ConvValue: record.ConvValue,
						IsAttributed: record.IsAttributed,
					})
				}
			}
		}
	}
	sort.Slice(records, func(a, b int) bool { return records[a].key() < records[b].key() })

	lines := make([]string, len(records))
	for i, r := range records {
		lines[i] = formatRecord(r)
	}
	return lines, nil
}

// CollectMerged rebuilds the metrics object from merged plaintext lines.
func CollectMerged(lines []string) (*attributor.AttributionOutputMetrics, error) {
	type uidRecords struct {
		pairs       map[string][]ShareRecord
		conversions map[string][]ShareRecord
	}
	byRule := make(map[string]*uidRecords)
	for _, line := range lines {
		record, err := ParseRecord(line)
		if err != nil {
			return nil, err
		}
		rule, ok := byRule[record.Rule]
		if !ok {
			rule = &uidRecords{pairs: make(map[string][]ShareRecord), conversions: make(map[string][]ShareRecord)}
			byRule[record.Rule] = rule
		}
		if record.Kind == KindPair {
			rule.pairs[record.UID] = append(rule.pairs[record.UID], record)
		} else {
			rule.conversions[record.UID] = append(rule.conversions[record.UID], record)
		}
	}

	metrics := &attributor.AttributionOutputMetrics{RuleToMetrics: make(map[string]attributor.AttributionMetrics)}
	for rule, records := range byRule {
		result := attributor.AttributionResult{}
		if len(records.pairs) > 0 {
			result.Default = make(map[string][]attributor.OutputMetricDefault)
			for uid, list := range records.pairs {
				sort.Slice(list, func(a, b int) bool { return list[a].Index < list[b].Index })
				for _, r := range list {
					result.Default[uid] = append(result.Default[uid], attributor.OutputMetricDefault{IsAttributed: r.IsAttributed})
				}
			}
		}
		if len(records.conversions) > 0 {
			result.Reformatted = make(map[string][]attributor.OutputMetricReformatted)
			for uid, list := range records.conversions {
				sort.Slice(list, func(a, b int) bool { return list[a].Index < list[b].Index })
				for _, r := range list {
					result.Reformatted[uid] = append(result.Reformatted[uid], attributor.OutputMetricReformatted{
						AdID: r.AdID, ConvValue: r.ConvValue, IsAttributed: r.IsAttributed,
					})
				}
			}
		}
		metrics.RuleToMetrics[rule] = attributor.AttributionMetrics{
			FormatToAttribution: map[string]attributor.AttributionResult{attributor.DefaultFormat: result},
		}
	}
	return metrics, nil
}

func parseShareLineFn(line string, emit func(string, ShareRecord)) error {
	record, err := ParseRecord(line)
	if err != nil {
		return err
	}
	emit(record.key(), record)
	return nil
}

func readShares(s beam.Scope, shareFile string) beam.PCollection {
	s = s.Scope("ReadAttributionShares")
	lines := textio.ReadSdf(s, shareFile)
	return beam.ParDo(s, parseShareLineFn, lines)
}

func mergeShareRecordsFn(key string, iter1, iter2 func(*ShareRecord) bool, emit func(ShareRecord)) error {
	var share1 ShareRecord
	if !iter1(&share1) {
		log.Printf("expect two shares for record %q, missing from party 1", key)
		return nil
	}
	var share2 ShareRecord
	if !iter2(&share2) {
		log.Printf("expect two shares for record %q, missing from party 2", key)
		return nil
	}
	emit(ShareRecord{
		Rule:         share1.Rule,
		Kind:         share1.Kind,
		UID:          share1.UID,
		Index:        share1.Index,
		AdID:         share1.AdID ^ share2.AdID,
		ConvValue:    share1.ConvValue ^ share2.ConvValue,
		IsAttributed: share1.IsAttributed != share2.IsAttributed,
	})
	return nil
}

// MergeShares combines two parties' share collections into plaintext records.
func MergeShares(s beam.Scope, shares1, shares2 beam.PCollection) beam.PCollection {
	s = s.Scope("MergeAttributionShares")
	joined := beam.CoGroupByKey(s, shares1, shares2)
	return beam.ParDo(s, mergeShareRecordsFn, joined)
}

func formatRecordFn(record ShareRecord) string {
	return formatRecord(record)
}

func writeMerged(s beam.Scope, merged beam.PCollection, fileName string) {
	s = s.Scope("WriteMergedAttribution")
	formatted := beam.ParDo(s, formatRecordFn, merged)
	textio.Write(s, fileName, formatted)
}

// MergeAttributionShares calculates the plaintext attribution records from
// the two parties' share files.
func MergeAttributionShares(scope beam.Scope, shareFile1, shareFile2, mergedFile string) {
	scope = scope.Scope("CompleteAttribution")

	shares1 := readShares(scope, shareFile1)
	shares2 := readShares(scope, shareFile2)
	merged := MergeShares(scope, shares1, shares2)
	writeMerged(scope, merged, mergedFile)
}
