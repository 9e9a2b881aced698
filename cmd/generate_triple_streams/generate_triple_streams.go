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

// This binary plays the trusted dealer for a query. It generates the two
// halves of the multiplication triple artifact and writes one to each
// party's location; each party must only ever read its own half.
package main

import (
	"bytes"
	"context"
	"flag"
	"time"

	log "github.com/golang/glog"
	"github.com/google/private-attribution-service/mpc/oblivious"
	"github.com/google/private-attribution-service/shared/utils"
)

var (
	publisherTripleURI = flag.String("publisher_triple_uri", "", "Where to write the publisher's half of the artifact.")
	partnerTripleURI   = flag.String("partner_triple_uri", "", "Where to write the partner's half of the artifact.")
	tripleCount        = flag.Int("triple_count", 1<<22, "Number of multiplication triples to generate. Each AND gate of the query consumes one triple.")
	seed               = flag.Int64("seed", 0, "Seed of the dealer's generator, only for reproducing test artifacts. Zero picks a fresh seed.")
)

func main() {
	flag.Parse()

	if *publisherTripleURI == "" || *partnerTripleURI == "" {
		log.Exit("flags --publisher_triple_uri and --partner_triple_uri are required")
	}
	dealerSeed := *seed
	if dealerSeed == 0 {
		dealerSeed = time.Now().UnixNano()
	}

	var publisherStream, partnerStream bytes.Buffer
	if err := oblivious.WriteTripleStreams(&publisherStream, &partnerStream, *tripleCount, dealerSeed); err != nil {
		log.Exit(err)
	}

	ctx := context.Background()
	if err := utils.WriteBytes(ctx, publisherStream.Bytes(), *publisherTripleURI); err != nil {
		log.Exit(err)
	}
	if err := utils.WriteBytes(ctx, partnerStream.Bytes(), *partnerTripleURI); err != nil {
		log.Exit(err)
	}
	log.Infof("wrote %d triples to %s and %s", *tripleCount, *publisherTripleURI, *partnerTripleURI)
}
