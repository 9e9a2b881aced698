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

// Package attributorservice contains the functions needed for handling the
// attribution requests.
//
// Each party runs one server. Requests arrive over PubSub, the two servers
// establish protocol sessions per query, and shard results are only written
// once every shard of the query has completed.
package attributorservice

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	log "github.com/golang/glog"
	"github.com/google/private-attribution-service/mpc/oblivious"
	"github.com/google/private-attribution-service/mpc/p2p"
	"github.com/google/private-attribution-service/pipeline/adidcompress"
	"github.com/google/private-attribution-service/pipeline/attributioninput"
	"github.com/google/private-attribution-service/pipeline/attributor"
	"github.com/google/private-attribution-service/pipeline/mergeattribution"
	"github.com/google/private-attribution-service/shared/utils"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// MaxConcurrentSessions caps the parallel protocol sessions of one query.
// Shard reads and result writes are bounded by the same limit.
const MaxConcurrentSessions = 16

// PartyInfo is the information a party publishes for its peer.
type PartyInfo struct {
	Origin string
	// Role is 0 for the publisher, 1 for the partner.
	Role int
	// MPCAddress is where the partner accepts protocol sessions. Only the
	// partner listens; the publisher dials.
	MPCAddress  string
	PubSubTopic string
}

// PartyInfoHandler handles HTTP requests for the information shared with the
// other party.
type PartyInfoHandler struct {
	Info *PartyInfo
}

func (h *PartyInfoHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.Info); err != nil {
		log.Error(err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ReadPartyInfo reads the peer's info from its info URL. Pass a retrying
// client so a peer that is still starting up gets polled.
func ReadPartyInfo(client *http.Client, url string) (*PartyInfo, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		log.Infof("%v: %s", resp.Status, string(body))
		return nil, fmt.Errorf("error reading party info from %s: %s", url, resp.Status)
	}

	info := &PartyInfo{}
	if err := json.Unmarshal(body, info); err != nil {
		return nil, err
	}
	return info, nil
}

// AttributionRequest is the query message both parties receive over PubSub.
// The fields must match between the two parties' messages except the
// input and triple URIs, which name each party's own data.
type AttributionRequest struct {
	QueryID string

	// InputShardURIs lists this party's input files, one per shard. Both
	// parties must list the same number of shards in the same order.
	InputShardURIs []string
	// TripleStreamURI names this party's half of the multiplication triple
	// artifact for the query.
	TripleStreamURI string
	OutputDir       string

	// Rules is only consumed by the publisher.
	Rules []string

	MaxTouchpoints int
	MaxConversions int
	// Encryption is "plaintext" or "xor".
	Encryption string
	// Visibility is "publisher" or "xor".
	Visibility           string
	UseReformattedOutput bool
	RowWise              bool
}

func parseEncryption(name string) (attributioninput.Encryption, error) {
	switch name {
	case "plaintext":
		return attributioninput.Plaintext, nil
	case "xor":
		return attributioninput.Xor, nil
	default:
		return 0, fmt.Errorf("unknown input encryption %q", name)
	}
}

func parseVisibility(name string) (attributor.Visibility, error) {
	switch name {
	case "publisher":
		return attributor.PublisherVisibility, nil
	case "xor":
		return attributor.XorVisibility, nil
	default:
		return 0, fmt.Errorf("unknown output visibility %q", name)
	}
}

// RequestHandler pulls attribution requests from a PubSub subscription and
// runs them against the peer.
type RequestHandler struct {
	Role   oblivious.Party
	Origin string

	// PeerMPCAddress is dialed by the publisher for each session. The
	// partner listens on MPCListenAddress instead.
	PeerMPCAddress   string
	MPCListenAddress string
	// TLSConfig secures the protocol connections; nil runs plain TCP.
	TLSConfig *tls.Config

	RequestPubSubTopic        string
	RequestPubsubSubscription string

	PubSubTopicClient, PubSubSubscriptionClient *pubsub.Client
}

// Setup creates the cloud API clients.
func (h *RequestHandler) Setup(ctx context.Context) error {
	topicProject, _, err := utils.ParsePubSubResourceName(h.RequestPubSubTopic)
	if err != nil {
		return err
	}
	h.PubSubTopicClient, err = pubsub.NewClient(ctx, topicProject)
	if err != nil {
		return err
	}

	subscriptionProject, _, err := utils.ParsePubSubResourceName(h.RequestPubsubSubscription)
	if err != nil {
		return err
	}
	if subscriptionProject == topicProject {
		h.PubSubSubscriptionClient = h.PubSubTopicClient
	} else {
		h.PubSubSubscriptionClient, err = pubsub.NewClient(ctx, subscriptionProject)
		if err != nil {
			return err
		}
	}
	return nil
}

// Close closes the cloud API clients.
func (h *RequestHandler) Close() {
	h.PubSubTopicClient.Close()
	h.PubSubSubscriptionClient.Close()
}

// SetupPullRequests pulls requests from the PubSub subscription and handles
// them one at a time. A failed query is nacked for redelivery.
func (h *RequestHandler) SetupPullRequests(ctx context.Context) error {
	_, subID, err := utils.ParsePubSubResourceName(h.RequestPubsubSubscription)
	if err != nil {
		return err
	}
	sub := h.PubSubSubscriptionClient.Subscription(subID)

	// Only allow pulling one message at a time to avoid overloading the memory.
	sub.ReceiveSettings.Synchronous = true
	sub.ReceiveSettings.MaxOutstandingMessages = 1
	sub.ReceiveSettings.MaxExtension = 24 * time.Hour
	return sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		request := &AttributionRequest{}
		if err := json.Unmarshal(msg.Data, request); err != nil {
			log.Error(err)
			msg.Nack()
			return
		}
		if err := h.HandleRequest(ctx, request); err != nil {
			log.Error(err)
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

func sessionCount(numShards int) int {
	if numShards < MaxConcurrentSessions {
		return numShards
	}
	return MaxConcurrentSessions
}

func sessionRunID(queryID string, session int) string {
	return fmt.Sprintf("%s/session-%d", queryID, session)
}

// sessionShardRange returns the contiguous shard range [begin, end) that one
// session processes. Both parties derive the same split from the shard count.
func sessionShardRange(numShards, numSessions, session int) (int, int) {
	per := (numShards + numSessions - 1) / numSessions
	begin := session * per
	end := begin + per
	if end > numShards {
		end = numShards
	}
	return begin, end
}

// splitTripleStream deals the triple artifact out to the sessions in whole
// 3-byte blocks, last session taking the remainder. Both parties' artifacts
// have equal length for a given triple count, so the splits line up.
func splitTripleStream(data []byte, numSessions int) ([][]byte, error) {
	if len(data)%3 != 0 {
		return nil, fmt.Errorf("triple stream of %d bytes is not block aligned", len(data))
	}
	blocks := len(data) / 3
	per := blocks / numSessions
	out := make([][]byte, numSessions)
	start := 0
	for k := 0; k < numSessions; k++ {
		count := per
		if k == numSessions-1 {
			count = blocks - per*(numSessions-1)
		}
		end := start + count*3
		out[k] = data[start:end]
		start = end
	}
	return out, nil
}

// HandleRequest establishes the protocol sessions for one query and runs it.
// Connections are created in session order on both sides so they pair up;
// each session's handshake verifies the pairing.
func (h *RequestHandler) HandleRequest(ctx context.Context, request *AttributionRequest) error {
	numSessions := sessionCount(len(request.InputShardURIs))
	if numSessions == 0 {
		return fmt.Errorf("query %q lists no input shards", request.QueryID)
	}

	conns := make([]*p2p.Conn, 0, numSessions)
	closeAll := func() {
		for _, c := range conns {
			c.Close()
		}
	}

	if h.Role == oblivious.Publisher {
		for k := 0; k < numSessions; k++ {
			conn, err := p2p.Dial(h.PeerMPCAddress, h.TLSConfig)
			if err != nil {
				closeAll()
				return err
			}
			conns = append(conns, conn)
		}
	} else {
		listener, err := p2p.NewListener(h.MPCListenAddress, h.TLSConfig)
		if err != nil {
			return err
		}
		defer listener.Close()
		for k := 0; k < numSessions; k++ {
			conn, err := listener.Accept()
			if err != nil {
				closeAll()
				return err
			}
			conns = append(conns, conn)
		}
	}
	return h.RunSessions(ctx, request, conns)
}

// RunSessions runs one query over established peer connections, one protocol
// session per connection. Within a session its shards run back to back, in
// the listed order on both parties so the gate streams line up.
//
// All sessions must succeed before any result is persisted, so a failed
// query leaves no partial output behind.
func (h *RequestHandler) RunSessions(ctx context.Context, request *AttributionRequest, conns []*p2p.Conn) error {
	closeAll := func() {
		for _, c := range conns {
			c.Close()
		}
	}

	encryption, err := parseEncryption(request.Encryption)
	if err != nil {
		closeAll()
		return err
	}
	visibility, err := parseVisibility(request.Visibility)
	if err != nil {
		closeAll()
		return err
	}
	numShards := len(request.InputShardURIs)
	if got, want := len(conns), sessionCount(numShards); got != want {
		closeAll()
		return fmt.Errorf("query %q: got %d sessions for %d shards, want %d", request.QueryID, got, numShards, want)
	}

	cfg := attributor.Config{
		Rules:                request.Rules,
		MaxTouchpoints:       request.MaxTouchpoints,
		MaxConversions:       request.MaxConversions,
		Encryption:           encryption,
		Visibility:           visibility,
		UseReformattedOutput: request.UseReformattedOutput,
		RowWise:              request.RowWise,
	}

	shards, err := h.readShards(ctx, request, attributioninput.Config{
		MaxTouchpoints: request.MaxTouchpoints,
		MaxConversions: request.MaxConversions,
		Encryption:     encryption,
	})
	if err != nil {
		closeAll()
		return err
	}

	tripleBytes, err := utils.ReadBytes(ctx, request.TripleStreamURI)
	if err != nil {
		closeAll()
		return fmt.Errorf("reading triple stream %s: %v", request.TripleStreamURI, err)
	}
	tripleSlices, err := splitTripleStream(tripleBytes, len(conns))
	if err != nil {
		closeAll()
		return err
	}

	metrics := make([]*attributor.AttributionOutputMetrics, numShards)
	mappings := make([]*adidcompress.Mapping, numShards)
	g, gctx := errgroup.WithContext(ctx)
	for k := range conns {
		k := k
		g.Go(func() error {
			return h.runSession(gctx, request, cfg, shards, conns[k], tripleSlices[k], k, len(conns), metrics, mappings)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := h.writeResults(ctx, request, visibility, metrics, mappings); err != nil {
		return err
	}
	log.Infof("query %q complete", request.QueryID)
	return nil
}

func (h *RequestHandler) runSession(ctx context.Context, request *AttributionRequest, cfg attributor.Config, shards []*attributioninput.Shard, conn *p2p.Conn, triples []byte, session, numSessions int, metrics []*attributor.AttributionOutputMetrics, mappings []*adidcompress.Mapping) error {
	if err := conn.Handshake(sessionRunID(request.QueryID, session), int(h.Role)); err != nil {
		conn.Close()
		return err
	}
	scheduler, err := oblivious.NewLockstepScheduler(h.Role, conn, oblivious.NewStreamTripleSource(bytes.NewReader(triples)))
	if err != nil {
		conn.Close()
		return err
	}
	defer scheduler.Close()

	game, err := attributor.NewGame(scheduler, cfg)
	if err != nil {
		return err
	}

	begin, end := sessionShardRange(len(shards), numSessions, session)
	for i := begin; i < end; i++ {
		log.Infof("query %q session %d: computing shard %d", request.QueryID, session, i)
		metrics[i], mappings[i], err = game.ComputeAttributions(shards[i])
		if err != nil {
			return fmt.Errorf("query %q shard %d: %w", request.QueryID, i, err)
		}
	}
	return nil
}

func (h *RequestHandler) readShards(ctx context.Context, request *AttributionRequest, cfg attributioninput.Config) ([]*attributioninput.Shard, error) {
	shards := make([]*attributioninput.Shard, len(request.InputShardURIs))
	sem := semaphore.NewWeighted(MaxConcurrentSessions)
	g, gctx := errgroup.WithContext(ctx)
	for i, uri := range request.InputShardURIs {
		i, uri := i, uri
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			shard, err := attributioninput.ReadShard(gctx, uri, cfg)
			if err != nil {
				return fmt.Errorf("reading shard %s: %w", uri, err)
			}
			shards[i] = shard
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return shards, nil
}

// ShardOutputPrefix returns the output filename prefix for one shard of a
// query.
func ShardOutputPrefix(outputDir, queryID string, shard int) string {
	return utils.JoinPath(outputDir, fmt.Sprintf("%s_shard-%d", queryID, shard))
}

// ResultFilename returns where one shard's result lands. Xor visibility
// produces share lines for the merge pipeline; publisher visibility produces
// the final metrics JSON.
func ResultFilename(outputDir, queryID string, shard int, visibility attributor.Visibility) string {
	if visibility == attributor.XorVisibility {
		return ShardOutputPrefix(outputDir, queryID, shard) + "_attribution_shares.txt"
	}
	return ShardOutputPrefix(outputDir, queryID, shard) + "_attribution_result.json"
}

func (h *RequestHandler) writeResults(ctx context.Context, request *AttributionRequest, visibility attributor.Visibility, metrics []*attributor.AttributionOutputMetrics, mappings []*adidcompress.Mapping) error {
	sem := semaphore.NewWeighted(MaxConcurrentSessions)
	g, gctx := errgroup.WithContext(ctx)
	for i := range metrics {
		i := i
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			filename := ResultFilename(request.OutputDir, request.QueryID, i, visibility)
			if visibility == attributor.XorVisibility {
				lines, err := mergeattribution.FlattenShares(metrics[i])
				if err != nil {
					return err
				}
				if err := utils.WriteLines(gctx, lines, filename); err != nil {
					return err
				}
			} else if err := attributor.WriteOutputMetrics(gctx, metrics[i], filename); err != nil {
				return err
			}

			if mappings[i] != nil {
				return adidcompress.WriteMapping(gctx, mappings[i], ShardOutputPrefix(request.OutputDir, request.QueryID, i))
			}
			return nil
		})
	}
	return g.Wait()
}
