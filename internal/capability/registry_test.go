package capability

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connect(t *testing.T) *bus.Client {
	t.Helper()
	logger := newLogger()
	srv, err := natsserver.StartOn("127.0.0.1", -1, "", logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, "capability-test", logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func nodeConfig(id string) config.NodeConfig {
	return config.NodeConfig{ID: id, Role: "speech", HeartbeatInterval: 50, HeartbeatTimeout: 500}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRegistryAnnouncesSelf(t *testing.T) {
	client := connect(t)
	r, err := NewRegistry(context.Background(), nodeConfig("speech-1"), client, "sv-SE", newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(r.Close)

	if !r.Healthy() {
		t.Fatal("expected local node healthy after announce")
	}
	nodes := r.Query(WithCapabilityFilter(SpeechRecognition))
	if len(nodes) != 1 || nodes[0].ID != "speech-1" {
		t.Fatalf("unexpected nodes %+v", nodes)
	}
	if got := nodes[0].Capabilities[0].Attributes["language"]; got != "sv-SE" {
		t.Fatalf("expected language attribute, got %q", got)
	}
	if len(r.Query(WithSpeechAvailable())) != 0 {
		t.Fatal("expected speech unavailable until reported")
	}
}

func TestSpeechAvailabilityPropagates(t *testing.T) {
	client := connect(t)
	speaker, err := NewRegistry(context.Background(), nodeConfig("speech-1"), client, "sv-SE", newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(speaker.Close)
	watcher, err := NewRegistry(context.Background(), nodeConfig("watcher-1"), client, "en-US", newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(watcher.Close)

	speaker.SetSpeechAvailable(true)
	waitFor(t, func() bool {
		for _, node := range watcher.Query(WithSpeechAvailable()) {
			if node.ID == "speech-1" {
				return true
			}
		}
		return false
	}, "watcher never saw speech-1 become available")

	speaker.SetSpeechAvailable(false)
	waitFor(t, func() bool {
		for _, node := range watcher.Query(WithSpeechAvailable()) {
			if node.ID == "speech-1" {
				return false
			}
		}
		return true
	}, "watcher never saw speech-1 become unavailable")
}

func TestEvaluateHealthMarksStaleNodes(t *testing.T) {
	r := &Registry{cfg: nodeConfig("speech-1"), nodes: make(map[string]*NodeInfo)}
	now := time.Now()
	r.updateNode("speech-1", "speech", []Capability{{Name: SpeechRecognition, Attributes: map[string]string{"available": "true"}}}, now.Add(-time.Second))
	r.updateNode("speech-2", "speech", nil, now)

	r.evaluateHealth(now)

	if r.Healthy() {
		t.Fatal("expected stale local node to be unhealthy")
	}
	if len(r.Query(WithSpeechAvailable())) != 0 {
		t.Fatal("unhealthy nodes must not count as available")
	}
	nodes, _ := r.snapshotCounts()
	if nodes != 2 {
		t.Fatalf("expected two known nodes, got %d", nodes)
	}
}
