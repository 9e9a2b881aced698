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

// This binary starts an attribution query by publishing a request on each
// party's PubSub topic. Both parties must receive the query for the protocol
// sessions to come up.
package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
	log "github.com/golang/glog"
	"github.com/google/private-attribution-service/service/attributorservice"
	"github.com/google/private-attribution-service/shared/utils"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

var (
	publisherAddress = flag.String("publisher_address", "", "Party info URL of the publisher.")
	partnerAddress   = flag.String("partner_address", "", "Party info URL of the partner.")

	publisherInputURIs = flag.String("publisher_input_uris", "", "Comma-separated input shard URIs of the publisher.")
	partnerInputURIs   = flag.String("partner_input_uris", "", "Comma-separated input shard URIs of the partner, one per publisher shard.")
	publisherTripleURI = flag.String("publisher_triple_uri", "", "The publisher's half of the multiplication triple artifact.")
	partnerTripleURI   = flag.String("partner_triple_uri", "", "The partner's half of the multiplication triple artifact.")
	publisherOutputDir = flag.String("publisher_output_dir", "", "Output directory for the publisher's results.")
	partnerOutputDir   = flag.String("partner_output_dir", "", "Output directory for the partner's results.")

	rules          = flag.String("rules", "", "Comma-separated attribution rule names, e.g. 'last_click_1d,last_touch_28d'.")
	maxTouchpoints = flag.Int("max_touchpoints", 4, "Touchpoint capacity of every input row.")
	maxConversions = flag.Int("max_conversions", 4, "Conversion capacity of every input row.")
	encryption     = flag.String("encryption", "plaintext", "Input encryption: 'plaintext' or 'xor'.")
	visibility     = flag.String("visibility", "publisher", "Output visibility: 'publisher' or 'xor'.")
	reformatted    = flag.Bool("reformatted", false, "Produce the reformatted output records carrying ad id and conversion value.")
	rowWise        = flag.Bool("row_wise", false, "Run one protocol unit per input row instead of one per shard.")
)

func splitURIs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func publish(ctx context.Context, topic string, request *attributorservice.AttributionRequest) error {
	project, relativeTopic, err := utils.ParsePubSubResourceName(topic)
	if err != nil {
		return err
	}
	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return err
	}
	defer client.Close()
	return utils.PublishRequest(ctx, client, relativeTopic, request)
}

func main() {
	flag.Parse()

	publisherInputs := splitURIs(*publisherInputURIs)
	partnerInputs := splitURIs(*partnerInputURIs)
	if len(publisherInputs) == 0 {
		log.Exit("flag --publisher_input_uris is empty")
	}
	if len(publisherInputs) != len(partnerInputs) {
		log.Exitf("got %d publisher shards and %d partner shards, want equal counts", len(publisherInputs), len(partnerInputs))
	}
	ruleNames := splitURIs(*rules)
	if len(ruleNames) == 0 {
		log.Exit("flag --rules is empty")
	}

	ctx := context.Background()
	client := retryablehttp.NewClient().StandardClient()
	queryID := uuid.NewString()

	publisherInfo, err := attributorservice.ReadPartyInfo(client, *publisherAddress)
	if err != nil {
		log.Exit(err)
	}
	partnerInfo, err := attributorservice.ReadPartyInfo(client, *partnerAddress)
	if err != nil {
		log.Exit(err)
	}

	if err := publish(ctx, publisherInfo.PubSubTopic, &attributorservice.AttributionRequest{
		QueryID:              queryID,
		InputShardURIs:       publisherInputs,
		TripleStreamURI:      *publisherTripleURI,
		OutputDir:            *publisherOutputDir,
		Rules:                ruleNames,
		MaxTouchpoints:       *maxTouchpoints,
		MaxConversions:       *maxConversions,
		Encryption:           *encryption,
		Visibility:           *visibility,
		UseReformattedOutput: *reformatted,
		RowWise:              *rowWise,
	}); err != nil {
		log.Exit(err)
	}

	if err := publish(ctx, partnerInfo.PubSubTopic, &attributorservice.AttributionRequest{
		QueryID:              queryID,
		InputShardURIs:       partnerInputs,
		TripleStreamURI:      *partnerTripleURI,
		OutputDir:            *partnerOutputDir,
		MaxTouchpoints:       *maxTouchpoints,
		MaxConversions:       *maxConversions,
		Encryption:           *encryption,
		Visibility:           *visibility,
		UseReformattedOutput: *reformatted,
		RowWise:              *rowWise,
	}); err != nil {
		log.Exit(err)
	}

	fmt.Printf("query request sent with ID %q", queryID)
}
