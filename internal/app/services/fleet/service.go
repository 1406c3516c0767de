// Package fleet implements the live worker registry (C4): an eventually
// consistent view of the fleet built entirely from heartbeats, aged out by
// TTL and never by active reaping. A node is "live" purely because its most
// recent heartbeat has not yet expired.
package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/troop/coordinator/internal/app/domain/fleet"
	"github.com/troop/coordinator/internal/platform/ephemeral"
)

// HeartbeatTTL is how long a recorded heartbeat keeps a node in the live set.
const HeartbeatTTL = 15 * time.Second

const keyPrefix = "node:"

// Registry is the fleet registry backed by the ephemeral store.
type Registry struct {
	store *ephemeral.Store
}

// New constructs a Registry over an ephemeral store.
func New(store *ephemeral.Store) *Registry {
	return &Registry{store: store}
}

func nodeKey(nodeID string) string {
	return keyPrefix + nodeID
}

// RecordHeartbeat overwrites the node's liveness entry and resets its TTL.
// The payload is stored verbatim; the registry performs no validation of
// hardware claims, only enough parsing to key the entry by node_id.
func (r *Registry) RecordHeartbeat(ctx context.Context, payload []byte) error {
	nodeID := gjson.GetBytes(payload, "node_id").String()
	if nodeID == "" {
		return fmt.Errorf("fleet: heartbeat payload missing node_id")
	}
	return r.store.SetWithTTL(ctx, nodeKey(nodeID), string(payload), HeartbeatTTL)
}

// ListPeers returns the live, IDLE nodes, optionally filtered to those
// advertising modelFilter. An empty modelFilter returns all live idle nodes.
func (r *Registry) ListPeers(ctx context.Context, modelFilter string) ([]fleet.Peer, error) {
	entries, err := r.liveEntries(ctx)
	if err != nil {
		return nil, err
	}

	peers := make([]fleet.Peer, 0, len(entries))
	for _, raw := range entries {
		if gjson.Get(raw, "status").String() != fleet.StatusIdle {
			continue
		}
		if modelFilter != "" && !modelMatches(raw, modelFilter) {
			continue
		}
		var peer fleet.Peer
		if err := unmarshalPeer(raw, &peer); err != nil {
			continue
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

// ListAllModels returns the union of models advertised by every live node,
// regardless of status (BUSY nodes still count; OFFLINE/expired ones do not
// because they are no longer present in the store).
func (r *Registry) ListAllModels(ctx context.Context) ([]string, error) {
	entries, err := r.liveEntries(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for _, raw := range entries {
		for _, m := range gjson.Get(raw, "models").Array() {
			seen[m.String()] = struct{}{}
		}
	}

	models := make([]string, 0, len(seen))
	for m := range seen {
		models = append(models, m)
	}
	return models, nil
}

// liveEntries fetches the raw JSON payload of every node currently present
// in the store. A key that expires between the SCAN and the MGET simply
// yields no value and is skipped; this is expected under an eventually
// consistent, TTL-driven registry.
func (r *Registry) liveEntries(ctx context.Context) ([]string, error) {
	keys, err := r.store.KeysByPrefix(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("fleet: list keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, ok, err := r.store.MGet(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("fleet: fetch entries: %w", err)
	}

	out := make([]string, 0, len(values))
	for i, v := range values {
		if ok[i] {
			out = append(out, v)
		}
	}
	return out, nil
}

func modelMatches(raw, model string) bool {
	for _, m := range gjson.Get(raw, "models").Array() {
		if m.String() == model {
			return true
		}
	}
	return false
}

func unmarshalPeer(raw string, peer *fleet.Peer) error {
	result := gjson.Parse(raw)
	if !result.Exists() {
		return fmt.Errorf("fleet: empty entry")
	}
	peer.NodeID = result.Get("node_id").String()
	peer.MeshIP = result.Get("mesh_ip").String()
	peer.Status = result.Get("status").String()
	for _, m := range result.Get("models").Array() {
		peer.Models = append(peer.Models, m.String())
	}
	peer.Hardware.GPU = result.Get("hardware.gpu").String()
	peer.Hardware.VRAMFree = result.Get("hardware.vram_free").Int()
	peer.Engine.Type = result.Get("engine.type").String()
	peer.Engine.Version = result.Get("engine.version").String()
	peer.Engine.Port = int(result.Get("engine.port").Int())
	return nil
}
