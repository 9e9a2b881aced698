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

// Package attributor runs the two-party attribution game: it negotiates the
// rule list, secret-shares both parties' input columns, matches conversions
// against touchpoints under each rule, and reveals the results under the
// configured output visibility.
//
// Every step issues the identical oblivious gate sequence on both parties
// for a given input shape, so nothing observable depends on secret values.
package attributor

import (
	"fmt"

	log "github.com/golang/glog"
	"github.com/google/private-attribution-service/mpc/oblivious"
	"github.com/google/private-attribution-service/pipeline/adidcompress"
	"github.com/google/private-attribution-service/pipeline/attributioninput"
	"github.com/google/private-attribution-service/pipeline/attributionrule"
)

// Visibility selects who learns the attribution results.
type Visibility int

const (
	// PublisherVisibility opens the results to the publisher; the partner's
	// output holds zero values.
	PublisherVisibility Visibility = iota
	// XorVisibility gives each party its raw shares. The plaintext only
	// exists after the two output files are combined downstream.
	XorVisibility
)

// ConfigurationError reports an unusable game configuration, detected before
// any protocol round runs.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "invalid attribution config: " + e.Reason
}

// Config parameterizes one attribution run. Both parties must use identical
// values except Rules, which only the publisher supplies.
type Config struct {
	// Rules lists the attribution rule names to evaluate. Publisher only;
	// the partner learns the list during negotiation.
	Rules []string

	MaxTouchpoints int
	MaxConversions int

	Encryption attributioninput.Encryption
	Visibility Visibility

	// UseReformattedOutput switches from the per-pair output format to the
	// per-conversion format carrying compressed ad ids.
	UseReformattedOutput bool

	// RowWise evaluates one user row at a time instead of one shard-wide
	// batch. The results are identical; the gate batching differs.
	RowWise bool
}

// Game drives the protocol for one party.
type Game struct {
	sched oblivious.Scheduler
	cfg   Config
}

// NewGame validates the configuration for this party's role.
func NewGame(s oblivious.Scheduler, cfg Config) (*Game, error) {
	if s == nil {
		return nil, &ConfigurationError{Reason: "nil scheduler"}
	}
	if s.Role() == oblivious.Publisher && len(cfg.Rules) == 0 {
		return nil, &ConfigurationError{Reason: "publisher configured zero attribution rules"}
	}
	if cfg.MaxTouchpoints < 0 || cfg.MaxConversions < 0 {
		return nil, &ConfigurationError{Reason: "negative row capacity"}
	}
	if cfg.Visibility != PublisherVisibility && cfg.Visibility != XorVisibility {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("unknown visibility %d", cfg.Visibility)}
	}
	return &Game{sched: s, cfg: cfg}, nil
}

// InputConfig returns the matching input reader configuration.
func (g *Game) InputConfig() attributioninput.Config {
	return attributioninput.Config{
		MaxTouchpoints: g.cfg.MaxTouchpoints,
		MaxConversions: g.cfg.MaxConversions,
		Encryption:     g.cfg.Encryption,
	}
}

// ComputeAttributions runs the full game over one shard. The returned mapping
// is non-nil only on the publisher and only for the reformatted output
// format; the caller persists it.
//
// On any error no partial metrics are returned.
func (g *Game) ComputeAttributions(shard *attributioninput.Shard) (*AttributionOutputMetrics, *adidcompress.Mapping, error) {
	if err := shard.Validate(g.InputConfig()); err != nil {
		return nil, nil, err
	}

	rules, err := g.negotiateRules()
	if err != nil {
		return nil, nil, err
	}

	var mapping *adidcompress.Mapping
	if g.cfg.UseReformattedOutput {
		mapping, err = adidcompress.Compress(g.sched, shard, g.cfg.Encryption)
		if err != nil {
			return nil, nil, err
		}
	}

	units, err := g.shareInputs(shard)
	if err != nil {
		return nil, nil, err
	}

	metrics := &AttributionOutputMetrics{RuleToMetrics: make(map[string]AttributionMetrics)}
	for _, rule := range rules {
		log.Infof("computing attributions for rule %s over %d user rows", rule.Name, shard.NumRows())
		result, err := g.computeRule(rule, shard, units)
		if err != nil {
			return nil, nil, fmt.Errorf("rule %s: %w", rule.Name, err)
		}
		metrics.RuleToMetrics[rule.Name] = AttributionMetrics{
			FormatToAttribution: map[string]AttributionResult{DefaultFormat: result},
		}
	}
	return metrics, mapping, nil
}

// negotiateRules resolves the publisher's rule names and transfers the rule
// ids to the partner. Ids travel secret-shared at the rule-id width and are
// opened to the partner, one round per rule list.
func (g *Game) negotiateRules() ([]attributionrule.Rule, error) {
	s := g.sched

	var rules []attributionrule.Rule
	var ids []uint64
	var count []uint64
	if s.Role() == oblivious.Publisher {
		for _, name := range g.cfg.Rules {
			rule, err := attributionrule.FromName(name)
			if err != nil {
				return nil, err
			}
			rules = append(rules, rule)
			ids = append(ids, rule.ID)
		}
		count = []uint64{uint64(len(ids))}
	}

	counts, err := s.BroadcastUint64s(oblivious.Publisher, count)
	if err != nil {
		return nil, fmt.Errorf("announcing rule count: %v", err)
	}
	if len(counts) != 1 || counts[0] == 0 {
		return nil, &ConfigurationError{Reason: "peer announced an empty rule list"}
	}
	n := int(counts[0])

	shared, err := oblivious.ShareUint64s(s, oblivious.Publisher, ids, attributionrule.RuleIDWidth, n)
	if err != nil {
		return nil, fmt.Errorf("sharing rule ids: %v", err)
	}
	opened, err := oblivious.OpenUint64s(s, shared, oblivious.Partner)
	if err != nil {
		return nil, fmt.Errorf("opening rule ids: %v", err)
	}
	if s.Role() == oblivious.Publisher {
		return rules, nil
	}
	for _, id := range opened {
		rule, err := attributionrule.FromID(id)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// unit is one execution batch: every touchpoint and conversion column shared
// across a fixed set of user rows.
type unit struct {
	batchSize int
	rows      []int

	tps   []attributionrule.PrivateTouchpoint
	convs []attributionrule.PrivateConversion

	// Publisher-side plaintext touchpoint columns, kept for threshold
	// computation under plaintext input encryption. Nil otherwise.
	plainTimestamps [][]uint64
	plainClicks     [][]bool
}

// shareInputs secret-shares the shard into execution units: one shard-wide
// unit, or one unit per user row when configured row-wise.
func (g *Game) shareInputs(shard *attributioninput.Shard) ([]unit, error) {
	numRows := shard.NumRows()
	if numRows == 0 {
		return nil, nil
	}

	var groups [][]int
	if g.cfg.RowWise {
		for row := 0; row < numRows; row++ {
			groups = append(groups, []int{row})
		}
	} else {
		rows := make([]int, numRows)
		for row := range rows {
			rows[row] = row
		}
		groups = [][]int{rows}
	}

	units := make([]unit, 0, len(groups))
	for _, rows := range groups {
		u, err := g.shareUnit(shard, rows)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, nil
}

func (g *Game) shareUnit(shard *attributioninput.Shard, rows []int) (unit, error) {
	s := g.sched
	u := unit{batchSize: len(rows), rows: rows}
	publisher := s.Role() == oblivious.Publisher
	plaintext := g.cfg.Encryption == attributioninput.Plaintext

	for col := 0; col < g.cfg.MaxTouchpoints; col++ {
		adIDs := make([]uint64, len(rows))
		timestamps := make([]uint64, len(rows))
		clicks := make([]bool, len(rows))
		targetIDs := make([]uint64, len(rows))
		actionTypes := make([]uint64, len(rows))
		for i, row := range rows {
			tp := shard.Touchpoints[row][col]
			adIDs[i] = tp.AdID
			timestamps[i] = tp.Timestamp
			clicks[i] = tp.IsClick
			targetIDs[i] = tp.TargetID
			actionTypes[i] = tp.ActionType
		}

		tp := attributionrule.PrivateTouchpoint{}
		var err error
		if plaintext {
			if publisher {
				u.plainTimestamps = append(u.plainTimestamps, timestamps)
				u.plainClicks = append(u.plainClicks, clicks)
			}
			if tp.Timestamp, err = oblivious.ShareUint64s(s, oblivious.Publisher, timestamps, attributionrule.TimestampWidth, len(rows)); err != nil {
				return unit{}, fmt.Errorf("sharing touchpoint timestamps: %v", err)
			}
			if tp.IsClick, err = s.ShareBits(oblivious.Publisher, clicks, len(rows)); err != nil {
				return unit{}, fmt.Errorf("sharing click flags: %v", err)
			}
			if tp.TargetID, err = oblivious.ShareUint64s(s, oblivious.Publisher, targetIDs, attributionrule.TargetIDWidth, len(rows)); err != nil {
				return unit{}, fmt.Errorf("sharing touchpoint target ids: %v", err)
			}
			if tp.ActionType, err = oblivious.ShareUint64s(s, oblivious.Publisher, actionTypes, attributionrule.ActionTypeWidth, len(rows)); err != nil {
				return unit{}, fmt.Errorf("sharing touchpoint action types: %v", err)
			}
		} else {
			tp.Timestamp = oblivious.FromUintShares(s, timestamps, attributionrule.TimestampWidth)
			tp.IsClick = s.FromBitShares(clicks)
			tp.TargetID = oblivious.FromUintShares(s, targetIDs, attributionrule.TargetIDWidth)
			tp.ActionType = oblivious.FromUintShares(s, actionTypes, attributionrule.ActionTypeWidth)
		}

		// Compressed ad ids are publisher input in both encryption modes;
		// the per-pair output format never consumes them.
		if g.cfg.UseReformattedOutput {
			if tp.AdID, err = oblivious.ShareUint64s(s, oblivious.Publisher, adIDs, attributionrule.AdIDWidth, len(rows)); err != nil {
				return unit{}, fmt.Errorf("sharing ad ids: %v", err)
			}
		} else {
			tp.AdID = oblivious.ConstUint64(s, 0, attributionrule.AdIDWidth, len(rows))
		}
		u.tps = append(u.tps, tp)
	}

	for col := 0; col < g.cfg.MaxConversions; col++ {
		timestamps := make([]uint64, len(rows))
		targetIDs := make([]uint64, len(rows))
		actionTypes := make([]uint64, len(rows))
		values := make([]uint64, len(rows))
		for i, row := range rows {
			conv := shard.Conversions[row][col]
			timestamps[i] = conv.Timestamp
			targetIDs[i] = conv.TargetID
			actionTypes[i] = conv.ActionType
			values[i] = conv.Value
		}

		conv := attributionrule.PrivateConversion{}
		var err error
		if plaintext {
			if conv.Timestamp, err = oblivious.ShareUint64s(s, oblivious.Partner, timestamps, attributionrule.TimestampWidth, len(rows)); err != nil {
				return unit{}, fmt.Errorf("sharing conversion timestamps: %v", err)
			}
			if conv.TargetID, err = oblivious.ShareUint64s(s, oblivious.Partner, targetIDs, attributionrule.TargetIDWidth, len(rows)); err != nil {
				return unit{}, fmt.Errorf("sharing conversion target ids: %v", err)
			}
			if conv.ActionType, err = oblivious.ShareUint64s(s, oblivious.Partner, actionTypes, attributionrule.ActionTypeWidth, len(rows)); err != nil {
				return unit{}, fmt.Errorf("sharing conversion action types: %v", err)
			}
			if conv.Value, err = oblivious.ShareUint64s(s, oblivious.Partner, values, attributionrule.ConvValueWidth, len(rows)); err != nil {
				return unit{}, fmt.Errorf("sharing conversion values: %v", err)
			}
		} else {
			conv.Timestamp = oblivious.FromUintShares(s, timestamps, attributionrule.TimestampWidth)
			conv.TargetID = oblivious.FromUintShares(s, targetIDs, attributionrule.TargetIDWidth)
			conv.ActionType = oblivious.FromUintShares(s, actionTypes, attributionrule.ActionTypeWidth)
			conv.Value = oblivious.FromUintShares(s, values, attributionrule.ConvValueWidth)
		}
		u.convs = append(u.convs, conv)
	}
	return u, nil
}

// ruleThresholds produces the per-column threshold vectors for one rule.
// Under plaintext encryption the publisher computes them in cleartext and
// shares the result; under Xor encryption both parties derive them from the
// shared timestamps with ripple-carry adds.
func (g *Game) ruleThresholds(rule attributionrule.Rule, u unit) ([][]oblivious.SecUint, error) {
	s := g.sched
	thresholds := make([][]oblivious.SecUint, 0, len(u.tps))

	if g.cfg.Encryption == attributioninput.Xor {
		for _, tp := range u.tps {
			slots, err := rule.ComputeThresholdsPrivate(s, tp, u.batchSize)
			if err != nil {
				return nil, err
			}
			thresholds = append(thresholds, slots)
		}
		return thresholds, nil
	}

	numSlots := rule.NumThresholds()
	for col := range u.tps {
		var plain [][]uint64
		if s.Role() == oblivious.Publisher {
			plain = rule.ComputeThresholdsPlaintext(u.plainTimestamps[col], u.plainClicks[col])
		}
		slots := make([]oblivious.SecUint, numSlots)
		for slot := 0; slot < numSlots; slot++ {
			var vals []uint64
			if plain != nil {
				vals = plain[slot]
			}
			shared, err := oblivious.ShareUint64s(s, oblivious.Publisher, vals, attributionrule.TimestampWidth, u.batchSize)
			if err != nil {
				return nil, fmt.Errorf("sharing threshold slot %d for column %d: %v", slot, col, err)
			}
			slots[slot] = shared
		}
		thresholds = append(thresholds, slots)
	}
	return thresholds, nil
}
