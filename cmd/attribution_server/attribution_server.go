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

// This binary hosts one party of the attribution service.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	log "github.com/golang/glog"
	"github.com/google/private-attribution-service/mpc/oblivious"
	"github.com/google/private-attribution-service/mpc/p2p"
	"github.com/google/private-attribution-service/service/attributorservice"
)

var (
	address = flag.String("address", ":8080", "Address of the party info server.")
	origin  = flag.String("origin", "", "Origin of this party.")
	role    = flag.String("role", "", "Role of this party: publisher or partner.")

	peerMPCAddress   = flag.String("peer_mpc_address", "", "Address of the partner's protocol listener, dialed by the publisher.")
	mpcListenAddress = flag.String("mpc_listen_address", ":8443", "Address where the partner accepts protocol sessions.")
	tlsCertFile      = flag.String("tls_cert_file", "", "This party's certificate for the protocol connections.")
	tlsKeyFile       = flag.String("tls_key_file", "", "This party's private key for the protocol connections.")
	peerCAFile       = flag.String("peer_ca_file", "", "Root certificate that signed the peer's certificate. Empty disables TLS.")

	// The PubSub subscription should enable the retry policy with a exponential backoff delay.
	// Recommended retry policy: min_retry_delay=60s, max_retry_delay=600s.
	// The subscription should also have a dead-letter topic where messages will be forwarded after 10 failed delivery attemps.
	pubsubSubscription = flag.String("pubsub_subscription", "", "The PubSub subscription where to pull the request message. The value should be a fully qualified subscription URI.")
	pubsubTopic        = flag.String("pubsub_topic", "", "PubSub topic where this party receives attribution requests. The value may be a fully qualified topic URI.")

	version string // set by linker -X
	build   string // set by linker -X
)

func parseRole(name string) (oblivious.Party, error) {
	switch name {
	case "publisher":
		return oblivious.Publisher, nil
	case "partner":
		return oblivious.Partner, nil
	default:
		return 0, fmt.Errorf("unknown role %q", name)
	}
}

func main() {
	flag.Parse()

	buildDate := time.Unix(0, 0)
	if i, err := strconv.ParseInt(build, 10, 64); err != nil {
		log.Error(err)
	} else {
		buildDate = time.Unix(i, 0)
	}

	partyRole, err := parseRole(*role)
	if err != nil {
		log.Exitf("flag --role must be 'publisher' or 'partner', got %q", *role)
	}

	log.Infof("Attribution server %q (%v) listening on address %q", *origin, partyRole, *address)
	log.Infof("Running server version: %v, build: %v\n", version, buildDate)
	log.Infof("PubSub subscription: %s\n", *pubsubSubscription)
	log.Infof("PubSub topic: %s\n", *pubsubTopic)

	mpcAddress := ""
	if partyRole == oblivious.Partner {
		mpcAddress = *mpcListenAddress
	}
	partyInfoHandler := &attributorservice.PartyInfoHandler{
		Info: &attributorservice.PartyInfo{
			Origin:      *origin,
			Role:        int(partyRole),
			MPCAddress:  mpcAddress,
			PubSubTopic: *pubsubTopic,
		},
	}
	srv := http.Server{
		Addr:    *address,
		Handler: partyInfoHandler,
	}

	tlsConfig, err := p2p.LoadTLSConfig(*tlsCertFile, *tlsKeyFile, *peerCAFile)
	if err != nil {
		log.Exit(err)
	}

	ctx := context.Background()
	requestHandler := &attributorservice.RequestHandler{
		Role:                      partyRole,
		Origin:                    *origin,
		PeerMPCAddress:            *peerMPCAddress,
		MPCListenAddress:          *mpcListenAddress,
		TLSConfig:                 tlsConfig,
		RequestPubSubTopic:        *pubsubTopic,
		RequestPubsubSubscription: *pubsubSubscription,
	}

	if err := requestHandler.Setup(ctx); err != nil {
		log.Exit(err)
	}
	defer requestHandler.Close()

	// Create channel to listen for signals.
	signalChan := make(chan os.Signal, 1)
	// SIGINT handles Ctrl+C locally.
	// SIGTERM handles e.g. Cloud Run termination signal.
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	cctx, cancel := context.WithCancel(ctx)
	go func() {
		if err := requestHandler.SetupPullRequests(cctx); err != nil {
			log.Fatalf("Pull Subscription error: %v", err)
		}
	}()

	// Receive output from signalChan.
	sig := <-signalChan
	log.Infof("%s signal caught", sig)
	cancel()
}
