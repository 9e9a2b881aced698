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

// This binary merges the attribution share files from the two parties and
// calculates the complete attribution result.
// The pipeline can be executed in two ways:
//
// 1. Directly on local
// /path/to/merge_attribution_pipeline \
// --share_file1=/path/to/share_file1.txt \
// --share_file2=/path/to/share_file2.txt \
// --complete_attribution_file=/path/to/complete_attribution_file.txt \
// --runner=direct
//
// 2. Dataflow on cloud
// /path/to/merge_attribution_pipeline \
// --share_file1=gs://<publisher bucket>/share_file1.txt \
// --share_file2=gs://<partner bucket>/share_file2.txt \
// --complete_attribution_file=gs://<output bucket>/complete_attribution_file.txt \
// --runner=dataflow \
// --project=<GCP project> \
// --temp_location=gs://<dataflow temp dir> \
// --staging_location=gs://<dataflow temp dir> \
// --worker_binary=/path/to/merge_attribution_pipeline

package main

import (
	"context"
	"flag"

	"github.com/apache/beam/sdks/go/pkg/beam"
	"github.com/apache/beam/sdks/go/pkg/beam/log"
	"github.com/apache/beam/sdks/go/pkg/beam/x/beamx"
	"github.com/google/private-attribution-service/pipeline/mergeattribution"
)

var (
	shareFile1              = flag.String("share_file1", "", "Input attribution shares from the publisher.")
	shareFile2              = flag.String("share_file2", "", "Input attribution shares from the partner.")
	completeAttributionFile = flag.String("complete_attribution_file", "", "Output complete attribution records.")
)

func main() {
	flag.Parse()

	beam.Init()

	pipeline := beam.NewPipeline()
	scope := pipeline.Root()

	ctx := context.Background()
	mergeattribution.MergeAttributionShares(scope, *shareFile1, *shareFile2, *completeAttributionFile)
	if err := beamx.Run(ctx, pipeline); err != nil {
		log.Exitf(ctx, "Failed to execute job: %s", err)
	}
}
