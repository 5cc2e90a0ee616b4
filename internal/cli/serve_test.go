package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/crmbridge/crmbridge/internal/config"
	"github.com/crmbridge/crmbridge/internal/crmsync"
)

func TestBuildStorageMemoryProfile(t *testing.T) {
	state, outbound, inbound, err := buildStorage(config.StorageConfig{Profile: "memory"}, 8)
	if err != nil {
		t.Fatalf("buildStorage failed: %v", err)
	}
	if state == nil || outbound == nil || inbound == nil {
		t.Fatalf("expected all storage components, got %v %v %v", state, outbound, inbound)
	}
	outbound.Close()
	inbound.Close()
}

func TestBuildStorageDurableLocalProfile(t *testing.T) {
	dataDir := t.TempDir()
	_, outbound, inbound, err := buildStorage(config.StorageConfig{
		Profile: "durable-local",
		DataDir: dataDir,
	}, 8)
	if err != nil {
		t.Fatalf("buildStorage failed: %v", err)
	}
	defer outbound.Close()
	defer inbound.Close()

	task := crmsync.SyncTask{
		TaskID:     "t1",
		Direction:  crmsync.DirectionOutbound,
		EntityKind: crmsync.EntityKindPerson,
		EntityID:   "p1",
	}
	if !outbound.Enqueue(context.Background(), task) {
		t.Fatalf("enqueue was rejected")
	}
	if _, err := os.Stat(filepath.Join(dataDir, "outbound_queue.json")); err != nil {
		t.Fatalf("expected outbound queue file: %v", err)
	}
}

func TestBuildStorageProductionRequiresDSN(t *testing.T) {
	_, _, _, err := buildStorage(config.StorageConfig{Profile: "production"}, 8)
	if err == nil {
		t.Fatalf("expected error for production profile without dsn")
	}
}

func TestBuildStorageRejectsUnknownProfile(t *testing.T) {
	_, _, _, err := buildStorage(config.StorageConfig{Profile: "carrier-pigeon"}, 8)
	if err == nil {
		t.Fatalf("expected error for unknown profile")
	}
}
