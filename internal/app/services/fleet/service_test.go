package fleet

import (
	"testing"

	"github.com/troop/coordinator/internal/app/domain/fleet"
)

const sampleHeartbeat = `{
	"node_id": "node-1",
	"mesh_ip": "100.64.0.2",
	"status": "IDLE",
	"models": ["llama3-8b", "mixtral-8x7b"],
	"hardware": {"gpu": "RTX 4090", "vram_free": 20480},
	"engine": {"type": "vllm", "version": "0.5.0", "port": 8000}
}`

func TestUnmarshalPeerParsesNestedFields(t *testing.T) {
	var peer fleet.Peer
	if err := unmarshalPeer(sampleHeartbeat, &peer); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if peer.NodeID != "node-1" || peer.Status != "IDLE" {
		t.Fatalf("unexpected peer: %+v", peer)
	}
	if peer.Hardware.GPU != "RTX 4090" || peer.Hardware.VRAMFree != 20480 {
		t.Fatalf("unexpected hardware: %+v", peer.Hardware)
	}
	if peer.Engine.Port != 8000 {
		t.Fatalf("unexpected engine: %+v", peer.Engine)
	}
	if len(peer.Models) != 2 || peer.Models[0] != "llama3-8b" {
		t.Fatalf("unexpected models: %v", peer.Models)
	}
}

func TestModelMatches(t *testing.T) {
	if !modelMatches(sampleHeartbeat, "mixtral-8x7b") {
		t.Fatalf("expected model match")
	}
	if modelMatches(sampleHeartbeat, "nonexistent-model") {
		t.Fatalf("expected no match for unlisted model")
	}
}

func TestUnmarshalPeerRejectsEmptyEntry(t *testing.T) {
	var peer fleet.Peer
	if err := unmarshalPeer("", &peer); err == nil {
		t.Fatalf("expected error for empty entry")
	}
}
