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
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/private-attribution-service/shared/utils"
)

// DefaultFormat is the only aggregation format currently produced.
const DefaultFormat = "default"

// OutputMetricDefault is one revealed per-pair record of the original output
// format: one entry per (touchpoint, conversion) pair.
type OutputMetricDefault struct {
	IsAttributed bool `json:"is_attributed"`
}

// OutputMetricReformatted is one revealed per-conversion record of the
// reformatted output format. Under Xor visibility each field holds this
// party's share rather than the plaintext.
type OutputMetricReformatted struct {
	AdID         uint64 `json:"ad_id"`
	ConvValue    uint64 `json:"conv_value"`
	IsAttributed bool   `json:"is_attributed"`
}

// AttributionResult maps user ids (decimal strings) to their revealed
// records. Exactly one of the two maps is populated, matching the engine's
// output format.
type AttributionResult struct {
	Default     map[string][]OutputMetricDefault
	Reformatted map[string][]OutputMetricReformatted
}

// MarshalJSON flattens the result to {uid: [record, ...]}.
func (r AttributionResult) MarshalJSON() ([]byte, error) {
	if r.Reformatted != nil {
		return json.Marshal(r.Reformatted)
	}
	return json.Marshal(r.Default)
}

// UnmarshalJSON probes the records for an ad_id field to recover the format.
func (r *AttributionResult) UnmarshalJSON(b []byte) error {
	var raw map[string][]map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	reformatted := false
probe:
	for _, records := range raw {
		for _, record := range records {
			if _, ok := record["ad_id"]; ok {
				reformatted = true
			}
			break probe
		}
	}
	if reformatted {
		return json.Unmarshal(b, &r.Reformatted)
	}
	return json.Unmarshal(b, &r.Default)
}

// AttributionMetrics maps aggregation format name to its result.
type AttributionMetrics struct {
	FormatToAttribution map[string]AttributionResult
}

func (m AttributionMetrics) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.FormatToAttribution)
}

func (m *AttributionMetrics) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, &m.FormatToAttribution)
}

// AttributionOutputMetrics is the per-run output object, keyed by rule name.
type AttributionOutputMetrics struct {
	RuleToMetrics map[string]AttributionMetrics
}

func (m AttributionOutputMetrics) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.RuleToMetrics)
}

func (m *AttributionOutputMetrics) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, &m.RuleToMetrics)
}

// WriteOutputMetrics persists the metrics object after a fully successful
// run. It must never be called with partial results.
func WriteOutputMetrics(ctx context.Context, metrics *AttributionOutputMetrics, filename string) error {
	b, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing output metrics: %v", err)
	}
	return utils.WriteBytes(ctx, b, filename)
}

// ReadOutputMetrics loads a persisted metrics object.
func ReadOutputMetrics(ctx context.Context, filename string) (*AttributionOutputMetrics, error) {
	b, err := utils.ReadBytes(ctx, filename)
	if err != nil {
		return nil, err
	}
	metrics := &AttributionOutputMetrics{}
	if err := json.Unmarshal(b, metrics); err != nil {
		return nil, fmt.Errorf("parsing output metrics %s: %v", filename, err)
	}
	return metrics, nil
}
