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

// This binary simulates the upstream id-matching stage for experiments. It
// splits a combined cleartext event file into the two parties' input files,
// either as each party's own cleartext columns or as XOR shares of all
// columns.
package main

import (
	"context"
	"flag"

	log "github.com/golang/glog"
	"github.com/google/private-attribution-service/pipeline/attributioninput"
	"github.com/google/private-attribution-service/pipeline/inputsimulator"
)

var (
	rawFileURI       = flag.String("raw_file_uri", "", "Input combined event file with cleartext rows from both sides.")
	publisherFileURI = flag.String("publisher_file_uri", "", "Output input file for the publisher.")
	partnerFileURI   = flag.String("partner_file_uri", "", "Output input file for the partner.")
	maxTouchpoints   = flag.Int("max_touchpoints", 4, "Touchpoint capacity of every input row.")
	maxConversions   = flag.Int("max_conversions", 4, "Conversion capacity of every input row.")
	encryption       = flag.String("encryption", "plaintext", "Output encryption: 'plaintext' or 'xor'.")
)

func main() {
	flag.Parse()

	var enc attributioninput.Encryption
	switch *encryption {
	case "plaintext":
		enc = attributioninput.Plaintext
	case "xor":
		enc = attributioninput.Xor
	default:
		log.Exitf("flag --encryption must be 'plaintext' or 'xor', got %q", *encryption)
	}

	if err := inputsimulator.SplitRawInput(context.Background(), *rawFileURI, *publisherFileURI, *partnerFileURI, inputsimulator.Params{
		MaxTouchpoints: *maxTouchpoints,
		MaxConversions: *maxConversions,
		Encryption:     enc,
	}); err != nil {
		log.Exit(err)
	}
	log.Infof("wrote party inputs to %s and %s", *publisherFileURI, *partnerFileURI)
}
