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

// This binary runs one party of a single attribution query without the
// PubSub service, for local runs and integration testing. The two parties
// start their workers with the same query ID and matching parameters:
//
// /path/to/attribution_worker \
// --role=partner \
// --query_id=test-query \
// --mpc_listen_address=:8443 \
// --input_uris=/path/to/partner_shard-0.csv,/path/to/partner_shard-1.csv \
// --triple_uri=/path/to/triples_1 \
// --output_dir=/path/to/partner_out
//
// /path/to/attribution_worker \
// --role=publisher \
// --query_id=test-query \
// --peer_mpc_address=localhost:8443 \
// --rules=last_click_1d \
// --input_uris=/path/to/publisher_shard-0.csv,/path/to/publisher_shard-1.csv \
// --triple_uri=/path/to/triples_0 \
// --output_dir=/path/to/publisher_out
package main

import (
	"context"
	"flag"
	"strings"

	log "github.com/golang/glog"
	"github.com/google/private-attribution-service/mpc/oblivious"
	"github.com/google/private-attribution-service/mpc/p2p"
	"github.com/google/private-attribution-service/service/attributorservice"
)

var (
	role    = flag.String("role", "", "Role of this party: publisher or partner.")
	queryID = flag.String("query_id", "", "Query ID agreed with the other party.")

	peerMPCAddress   = flag.String("peer_mpc_address", "", "Address of the partner's protocol listener, dialed by the publisher.")
	mpcListenAddress = flag.String("mpc_listen_address", ":8443", "Address where the partner accepts protocol sessions.")
	tlsCertFile      = flag.String("tls_cert_file", "", "This party's certificate for the protocol connections.")
	tlsKeyFile       = flag.String("tls_key_file", "", "This party's private key for the protocol connections.")
	peerCAFile       = flag.String("peer_ca_file", "", "Root certificate that signed the peer's certificate. Empty disables TLS.")

	inputURIs = flag.String("input_uris", "", "Comma-separated input shard URIs of this party.")
	tripleURI = flag.String("triple_uri", "", "This party's half of the multiplication triple artifact.")
	outputDir = flag.String("output_dir", "", "Output directory for this party's results.")

	rules          = flag.String("rules", "", "Comma-separated attribution rule names, only consumed by the publisher.")
	maxTouchpoints = flag.Int("max_touchpoints", 4, "Touchpoint capacity of every input row.")
	maxConversions = flag.Int("max_conversions", 4, "Conversion capacity of every input row.")
	encryption     = flag.String("encryption", "plaintext", "Input encryption: 'plaintext' or 'xor'.")
	visibility     = flag.String("visibility", "publisher", "Output visibility: 'publisher' or 'xor'.")
	reformatted    = flag.Bool("reformatted", false, "Produce the reformatted output records carrying ad id and conversion value.")
	rowWise        = flag.Bool("row_wise", false, "Run one protocol unit per input row instead of one per shard.")
)

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func main() {
	flag.Parse()

	var partyRole oblivious.Party
	switch *role {
	case "publisher":
		partyRole = oblivious.Publisher
	case "partner":
		partyRole = oblivious.Partner
	default:
		log.Exitf("flag --role must be 'publisher' or 'partner', got %q", *role)
	}
	if *queryID == "" {
		log.Exit("flag --query_id is empty")
	}

	tlsConfig, err := p2p.LoadTLSConfig(*tlsCertFile, *tlsKeyFile, *peerCAFile)
	if err != nil {
		log.Exit(err)
	}

	handler := &attributorservice.RequestHandler{
		Role:             partyRole,
		PeerMPCAddress:   *peerMPCAddress,
		MPCListenAddress: *mpcListenAddress,
		TLSConfig:        tlsConfig,
	}
	request := &attributorservice.AttributionRequest{
		QueryID:              *queryID,
		InputShardURIs:       splitList(*inputURIs),
		TripleStreamURI:      *tripleURI,
		OutputDir:            *outputDir,
		Rules:                splitList(*rules),
		MaxTouchpoints:       *maxTouchpoints,
		MaxConversions:       *maxConversions,
		Encryption:           *encryption,
		Visibility:           *visibility,
		UseReformattedOutput: *reformatted,
		RowWise:              *rowWise,
	}

	if err := handler.HandleRequest(context.Background(), request); err != nil {
		log.Exit(err)
	}
	log.Infof("query %q finished as %v", *queryID, partyRole)
}
