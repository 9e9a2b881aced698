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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/private-attribution-service/mpc/oblivious"
	"github.com/google/private-attribution-service/mpc/p2p"
	"github.com/google/private-attribution-service/pipeline/adidcompress"
	"github.com/google/private-attribution-service/pipeline/attributioninput"
	"golang.org/x/sync/errgroup"
)

// makeShard pads every row to the configured capacities so it passes shard
// validation, the way the input reader would.
func makeShard(cfg Config, ids []int64, tps [][]attributioninput.Touchpoint, convs [][]attributioninput.Conversion) *attributioninput.Shard {
	shard := &attributioninput.Shard{IDs: ids}
	for row := range ids {
		tpRow := append([]attributioninput.Touchpoint(nil), tps[row]...)
		for len(tpRow) < cfg.MaxTouchpoints {
			tpRow = append(tpRow, attributioninput.Touchpoint{})
		}
		convRow := append([]attributioninput.Conversion(nil), convs[row]...)
		for len(convRow) < cfg.MaxConversions {
			convRow = append(convRow, attributioninput.Conversion{})
		}
		shard.Touchpoints = append(shard.Touchpoints, tpRow)
		shard.Conversions = append(shard.Conversions, convRow)
	}
	return shard
}

func runPlain(t *testing.T, cfg Config, shard *attributioninput.Shard) (*AttributionOutputMetrics, *adidcompress.Mapping) {
	t.Helper()
	game, err := NewGame(oblivious.NewPlainScheduler(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	metrics, mapping, err := game.ComputeAttributions(shard)
	if err != nil {
		t.Fatal(err)
	}
	return metrics, mapping
}

// runPair runs both roles of the game over an in-memory connection and
// returns each party's metrics plus the publisher's ad id mapping.
func runPair(t *testing.T, pubCfg, partCfg Config, pubShard, partShard *attributioninput.Shard) (*AttributionOutputMetrics, *AttributionOutputMetrics, *adidcompress.Mapping) {
	t.Helper()
	c0, c1 := p2p.Pipe()
	t0, t1 := oblivious.NewDealerPair(11)
	s0, err := oblivious.NewLockstepScheduler(oblivious.Publisher, c0, t0)
	if err != nil {
		t.Fatal(err)
	}
	s1, err := oblivious.NewLockstepScheduler(oblivious.Partner, c1, t1)
	if err != nil {
		t.Fatal(err)
	}
	pubGame, err := NewGame(s0, pubCfg)
	if err != nil {
		t.Fatal(err)
	}
	partGame, err := NewGame(s1, partCfg)
	if err != nil {
		t.Fatal(err)
	}

	var pubMetrics, partMetrics *AttributionOutputMetrics
	var mapping *adidcompress.Mapping
	var g errgroup.Group
	g.Go(func() error {
		var err error
		pubMetrics, mapping, err = pubGame.ComputeAttributions(pubShard)
		return err
	})
	g.Go(func() error {
		var err error
		partMetrics, _, err = partGame.ComputeAttributions(partShard)
		return err
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	return pubMetrics, partMetrics, mapping
}

func defaultRecords(t *testing.T, metrics *AttributionOutputMetrics, rule, uid string) []OutputMetricDefault {
	t.Helper()
	result, ok := metrics.RuleToMetrics[rule].FormatToAttribution[DefaultFormat]
	if !ok {
		t.Fatalf("no %s result for rule %s", DefaultFormat, rule)
	}
	return result.Default[uid]
}

func reformattedRecords(t *testing.T, metrics *AttributionOutputMetrics, rule, uid string) []OutputMetricReformatted {
	t.Helper()
	result, ok := metrics.RuleToMetrics[rule].FormatToAttribution[DefaultFormat]
	if !ok {
		t.Fatalf("no %s result for rule %s", DefaultFormat, rule)
	}
	return result.Reformatted[uid]
}

func TestSingleTouchpointAttribution(t *testing.T) {
	cfg := Config{
		Rules:          []string{"last_touch_1d"},
		MaxTouchpoints: 1,
		MaxConversions: 1,
		Encryption:     attributioninput.Plaintext,
		Visibility:     PublisherVisibility,
	}
	shard := makeShard(cfg, []int64{100},
		[][]attributioninput.Touchpoint{{{OriginalAdID: 10, Timestamp: 100}}},
		[][]attributioninput.Conversion{{{Timestamp: 150, Value: 5}}})

	metrics, mapping := runPlain(t, cfg, shard)
	if mapping != nil {
		t.Error("per-pair format produced an ad id mapping")
	}
	got := defaultRecords(t, metrics, "last_touch_1d", "100")
	want := []OutputMetricDefault{{IsAttributed: true}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestSingleTouchpointReformatted(t *testing.T) {
	cfg := Config{
		Rules:                []string{"last_touch_1d"},
		MaxTouchpoints:       1,
		MaxConversions:       1,
		Encryption:           attributioninput.Plaintext,
		Visibility:           PublisherVisibility,
		UseReformattedOutput: true,
	}
	shard := makeShard(cfg, []int64{100},
		[][]attributioninput.Touchpoint{{{OriginalAdID: 10, Timestamp: 100}}},
		[][]attributioninput.Conversion{{{Timestamp: 150, Value: 5}}})

	metrics, mapping := runPlain(t, cfg, shard)
	if diff := cmp.Diff(map[string]uint64{"1": 10}, mapping.CompressedToOriginal); diff != "" {
		t.Errorf("mapping mismatch (-want +got):\n%s", diff)
	}
	got := reformattedRecords(t, metrics, "last_touch_1d", "100")
	want := []OutputMetricReformatted{{AdID: 1, ConvValue: 5, IsAttributed: true}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestMostRecentTouchWinsExactlyOnce(t *testing.T) {
	cfg := Config{
		Rules:          []string{"last_touch_1d"},
		MaxTouchpoints: 3,
		MaxConversions: 1,
		Encryption:     attributioninput.Plaintext,
		Visibility:     PublisherVisibility,
	}
	shard := makeShard(cfg, []int64{1},
		[][]attributioninput.Touchpoint{{
			{Timestamp: 100},
			{Timestamp: 200},
			{Timestamp: 300},
		}},
		[][]attributioninput.Conversion{{{Timestamp: 350}}})

	metrics, _ := runPlain(t, cfg, shard)
	got := defaultRecords(t, metrics, "last_touch_1d", "1")
	want := []OutputMetricDefault{{IsAttributed: false}, {IsAttributed: false}, {IsAttributed: true}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestClickRuleSkipsNewerView(t *testing.T) {
	cfg := Config{
		Rules:          []string{"last_click_1d"},
		MaxTouchpoints: 2,
		MaxConversions: 1,
		Encryption:     attributioninput.Plaintext,
		Visibility:     PublisherVisibility,
	}
	shard := makeShard(cfg, []int64{1},
		[][]attributioninput.Touchpoint{{
			{Timestamp: 100, IsClick: true},
			{Timestamp: 300},
		}},
		[][]attributioninput.Conversion{{{Timestamp: 350}}})

	metrics, _ := runPlain(t, cfg, shard)
	got := defaultRecords(t, metrics, "last_click_1d", "1")
	want := []OutputMetricDefault{{IsAttributed: true}, {IsAttributed: false}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestZeroTouchpointCapacity(t *testing.T) {
	cfg := Config{
		Rules:                []string{"last_touch_1d"},
		MaxTouchpoints:       0,
		MaxConversions:       1,
		Encryption:           attributioninput.Plaintext,
		Visibility:           PublisherVisibility,
		UseReformattedOutput: true,
	}
	shard := makeShard(cfg, []int64{1},
		[][]attributioninput.Touchpoint{{}},
		[][]attributioninput.Conversion{{{Timestamp: 350, Value: 7}}})

	metrics, _ := runPlain(t, cfg, shard)
	got := reformattedRecords(t, metrics, "last_touch_1d", "1")
	want := []OutputMetricReformatted{{AdID: 0, ConvValue: 7, IsAttributed: false}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestRowWiseMatchesBatch(t *testing.T) {
	base := Config{
		Rules:                []string{"last_touch_1d", "last_click_28d"},
		MaxTouchpoints:       2,
		MaxConversions:       2,
		Encryption:           attributioninput.Plaintext,
		Visibility:           PublisherVisibility,
		UseReformattedOutput: true,
	}
	newShard := func(cfg Config) *attributioninput.Shard {
		return makeShard(cfg, []int64{5, 9},
			[][]attributioninput.Touchpoint{
				{{OriginalAdID: 10, Timestamp: 100, IsClick: true}, {OriginalAdID: 11, Timestamp: 300}},
				{{OriginalAdID: 12, Timestamp: 50}},
			},
			[][]attributioninput.Conversion{
				{{Timestamp: 350, Value: 4}},
				{{Timestamp: 60, Value: 2}, {Timestamp: 90000, Value: 3}},
			})
	}

	batchMetrics, _ := runPlain(t, base, newShard(base))
	rowWise := base
	rowWise.RowWise = true
	rowWiseMetrics, _ := runPlain(t, rowWise, newShard(rowWise))

	if diff := cmp.Diff(batchMetrics, rowWiseMetrics); diff != "" {
		t.Errorf("row-wise run disagrees with batch run (-batch +rowwise):\n%s", diff)
	}
}

func TestRepeatRunsAgree(t *testing.T) {
	cfg := Config{
		Rules:                []string{"last_touch_28d"},
		MaxTouchpoints:       2,
		MaxConversions:       1,
		Encryption:           attributioninput.Plaintext,
		Visibility:           PublisherVisibility,
		UseReformattedOutput: true,
	}
	shard := makeShard(cfg, []int64{1},
		[][]attributioninput.Touchpoint{{
			{OriginalAdID: 20, Timestamp: 100, IsClick: true},
			{OriginalAdID: 21, Timestamp: 200},
		}},
		[][]attributioninput.Conversion{{{Timestamp: 500, Value: 9}}})

	first, _ := runPlain(t, cfg, shard)
	second, _ := runPlain(t, cfg, shard)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("repeated run disagrees (-first +second):\n%s", diff)
	}
}

func TestTwoPartyMatchesPlain(t *testing.T) {
	pubCfg := Config{
		Rules:                []string{"last_touch_1d"},
		MaxTouchpoints:       2,
		MaxConversions:       1,
		Encryption:           attributioninput.Plaintext,
		Visibility:           PublisherVisibility,
		UseReformattedOutput: true,
	}
	partCfg := pubCfg
	partCfg.Rules = nil

	tps := [][]attributioninput.Touchpoint{{
		{OriginalAdID: 10, Timestamp: 100, IsClick: true},
		{OriginalAdID: 11, Timestamp: 300},
	}}
	convs := [][]attributioninput.Conversion{{{Timestamp: 350, Value: 4}}}

	pubShard := makeShard(pubCfg, []int64{7}, tps, [][]attributioninput.Conversion{{}})
	partShard := makeShard(partCfg, []int64{7}, [][]attributioninput.Touchpoint{{}}, convs)
	pubMetrics, partMetrics, mapping := runPair(t, pubCfg, partCfg, pubShard, partShard)

	plainShard := makeShard(pubCfg, []int64{7}, tps, convs)
	plainMetrics, _ := runPlain(t, pubCfg, plainShard)
	if diff := cmp.Diff(plainMetrics, pubMetrics); diff != "" {
		t.Errorf("two-party publisher result disagrees with cleartext run (-plain +lockstep):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]uint64{"1": 10, "2": 11}, mapping.CompressedToOriginal); diff != "" {
		t.Errorf("mapping mismatch (-want +got):\n%s", diff)
	}

	partRecords := reformattedRecords(t, partMetrics, "last_touch_1d", "7")
	want := []OutputMetricReformatted{{}}
	if diff := cmp.Diff(want, partRecords); diff != "" {
		t.Errorf("partner learned publisher-visibility output (-want +got):\n%s", diff)
	}
}

func TestXorVisibilitySharesCombine(t *testing.T) {
	pubCfg := Config{
		Rules:          []string{"last_click_1d"},
		MaxTouchpoints: 2,
		MaxConversions: 1,
		Encryption:     attributioninput.Plaintext,
		Visibility:     XorVisibility,
	}
	partCfg := pubCfg
	partCfg.Rules = nil

	tps := [][]attributioninput.Touchpoint{{
		{Timestamp: 100, IsClick: true},
		{Timestamp: 300},
	}}
	convs := [][]attributioninput.Conversion{{{Timestamp: 350, Value: 4}}}

	pubShard := makeShard(pubCfg, []int64{7}, tps, [][]attributioninput.Conversion{{}})
	partShard := makeShard(partCfg, []int64{7}, [][]attributioninput.Touchpoint{{}}, convs)
	pubMetrics, partMetrics, _ := runPair(t, pubCfg, partCfg, pubShard, partShard)

	pubRecords := defaultRecords(t, pubMetrics, "last_click_1d", "7")
	partRecords := defaultRecords(t, partMetrics, "last_click_1d", "7")
	if len(pubRecords) != 2 || len(partRecords) != 2 {
		t.Fatalf("got %d and %d share records, want 2 each", len(pubRecords), len(partRecords))
	}
	var combined []OutputMetricDefault
	for i := range pubRecords {
		combined = append(combined, OutputMetricDefault{
			IsAttributed: pubRecords[i].IsAttributed != partRecords[i].IsAttributed,
		})
	}
	want := []OutputMetricDefault{{IsAttributed: true}, {IsAttributed: false}}
	if diff := cmp.Diff(want, combined); diff != "" {
		t.Errorf("combined shares mismatch (-want +got):\n%s", diff)
	}
}

func TestNewGameValidation(t *testing.T) {
	var confErr *ConfigurationError
	_, err := NewGame(oblivious.NewPlainScheduler(), Config{})
	if !errors.As(err, &confErr) {
		t.Errorf("empty publisher rule list: got error %v, want ConfigurationError", err)
	}
	_, err = NewGame(oblivious.NewPlainScheduler(), Config{Rules: []string{"last_touch_1d"}, Visibility: Visibility(9)})
	if !errors.As(err, &confErr) {
		t.Errorf("bogus visibility: got error %v, want ConfigurationError", err)
	}
}

func TestUnknownRuleFailsRun(t *testing.T) {
	cfg := Config{
		Rules:          []string{"first_click_1d"},
		MaxTouchpoints: 1,
		MaxConversions: 1,
		Encryption:     attributioninput.Plaintext,
		Visibility:     PublisherVisibility,
	}
	game, err := NewGame(oblivious.NewPlainScheduler(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	shard := makeShard(cfg, []int64{1},
		[][]attributioninput.Touchpoint{{}}, [][]attributioninput.Conversion{{}})
	if _, _, err := game.ComputeAttributions(shard); err == nil {
		t.Error("unknown rule name did not fail the run")
	}
}
