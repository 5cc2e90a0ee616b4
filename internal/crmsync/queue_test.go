package crmsync

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func TestInMemoryQueueRespectsCapacity(t *testing.T) {
	queue := NewInMemorySyncQueue(2)
	if queue.Capacity() != 2 {
		t.Fatalf("expected capacity 2, got %d", queue.Capacity())
	}

	if !queue.TryEnqueue(SyncTask{TaskID: "t1", Direction: DirectionOutbound}) {
		t.Fatalf("first enqueue should succeed")
	}
	if !queue.TryEnqueue(SyncTask{TaskID: "t2", Direction: DirectionOutbound}) {
		t.Fatalf("second enqueue should succeed")
	}
	if queue.TryEnqueue(SyncTask{TaskID: "t3", Direction: DirectionOutbound}) {
		t.Fatalf("enqueue beyond capacity should fail")
	}
	if queue.Depth() != 2 {
		t.Fatalf("expected depth 2, got %d", queue.Depth())
	}

	task, ok := queue.Dequeue(context.Background())
	if !ok || task.TaskID != "t1" {
		t.Fatalf("expected t1 first, got %v %v", task.TaskID, ok)
	}
}

func TestInMemoryQueueRejectsEmptyTaskID(t *testing.T) {
	queue := NewInMemorySyncQueue(4)
	if queue.TryEnqueue(SyncTask{Direction: DirectionOutbound}) {
		t.Fatalf("task without id must be rejected")
	}
}

func TestInMemoryQueueDequeueHonorsContext(t *testing.T) {
	queue := NewInMemorySyncQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := queue.Dequeue(ctx); ok {
		t.Fatalf("dequeue on empty queue should fail once context ends")
	}
}

func TestFileQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")

	queue, err := NewFileSyncQueue(path, 8)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	for i := 1; i <= 3; i++ {
		task := SyncTask{TaskID: fmt.Sprintf("t%d", i), Direction: DirectionInbound, ExternalID: fmt.Sprintf("hs-%d", i)}
		if !queue.TryEnqueue(task) {
			t.Fatalf("enqueue %d failed", i)
		}
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewFileSyncQueue(path, 8)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reopened.Depth() != 3 {
		t.Fatalf("expected 3 recovered tasks, got %d", reopened.Depth())
	}
	task, ok := reopened.Dequeue(context.Background())
	if !ok || task.TaskID != "t1" || task.ExternalID != "hs-1" {
		t.Fatalf("unexpected recovered task: %+v", task)
	}
}

func TestFileQueueTrimsSnapshotBeyondCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")

	queue, err := NewFileSyncQueue(path, 8)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	for i := 1; i <= 5; i++ {
		if !queue.TryEnqueue(SyncTask{TaskID: fmt.Sprintf("t%d", i), Direction: DirectionOutbound}) {
			t.Fatalf("enqueue %d failed", i)
		}
	}

	// Reopen with a smaller capacity; oldest entries are dropped.
	shrunk, err := NewFileSyncQueue(path, 2)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if shrunk.Depth() != 2 {
		t.Fatalf("expected trimmed depth 2, got %d", shrunk.Depth())
	}
	task, ok := shrunk.Dequeue(context.Background())
	if !ok || task.TaskID != "t4" {
		t.Fatalf("expected t4 after trim, got %v", task.TaskID)
	}
}

func TestBuildSyncQueueFromDSN(t *testing.T) {
	memQueue, err := BuildSyncQueueFromDSN("memory://", DirectionOutbound, 4)
	if err != nil || memQueue == nil {
		t.Fatalf("memory dsn failed: %v", err)
	}
	if memQueue.Capacity() != 4 {
		t.Fatalf("expected capacity 4, got %d", memQueue.Capacity())
	}

	path := filepath.Join(t.TempDir(), "q.json")
	fileQueue, err := BuildSyncQueueFromDSN("file://"+path, DirectionInbound, 4)
	if err != nil || fileQueue == nil {
		t.Fatalf("file dsn failed: %v", err)
	}

	if _, err := BuildSyncQueueFromDSN("redis://localhost", DirectionInbound, 4); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}
