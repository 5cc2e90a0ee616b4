package crmsync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type SyncDirection string

const (
	DirectionOutbound SyncDirection = "outbound"
	DirectionInbound  SyncDirection = "inbound"
)

// SyncTask is a unit of background sync work. Outbound tasks identify a local
// entity to push; inbound tasks carry the webhook delivery's external id plus
// the already-appended sync log entry to complete.
type SyncTask struct {
	TaskID     string         `json:"taskId"`
	Direction  SyncDirection  `json:"direction"`
	EntityKind EntityKind     `json:"entityKind"`
	EntityID   string         `json:"entityId,omitempty"`
	ExternalID string         `json:"externalId,omitempty"`
	Action     SyncAction     `json:"action,omitempty"`
	SyncLogID  string         `json:"syncLogId,omitempty"`
	Changes    map[string]any `json:"changes,omitempty"`
}

type SyncQueue interface {
	TryEnqueue(task SyncTask) bool
	Enqueue(ctx context.Context, task SyncTask) bool
	Dequeue(ctx context.Context) (SyncTask, bool)
	Depth() int
	Capacity() int
	Close() error
}

type inMemorySyncQueue struct {
	ch chan SyncTask
}

func NewInMemorySyncQueue(capacity int) SyncQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemorySyncQueue{ch: make(chan SyncTask, capacity)}
}

func (q *inMemorySyncQueue) TryEnqueue(task SyncTask) bool {
	if q == nil || task.TaskID == "" {
		return false
	}
	select {
	case q.ch <- task:
		return true
	default:
		return false
	}
}

func (q *inMemorySyncQueue) Enqueue(ctx context.Context, task SyncTask) bool {
	if q == nil || task.TaskID == "" {
		return false
	}
	select {
	case q.ch <- task:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemorySyncQueue) Dequeue(ctx context.Context) (SyncTask, bool) {
	if q == nil {
		return SyncTask{}, false
	}
	select {
	case task := <-q.ch:
		return task, true
	case <-ctx.Done():
		return SyncTask{}, false
	}
}

func (q *inMemorySyncQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemorySyncQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemorySyncQueue) Close() error {
	return nil
}

// fileSyncQueue is a durable FIFO persisted as a JSON snapshot after every
// mutation (atomic tmp+rename). Dequeue polls, so multiple processes can
// share a queue file only at the cost of duplicate delivery; the sync paths
// tolerate that.
type fileSyncQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []SyncTask
}

type fileSyncQueueState struct {
	Items []SyncTask `json:"items"`
}

func NewFileSyncQueue(path string, capacity int) (SyncQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileSyncQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []SyncTask{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileSyncQueue) TryEnqueue(task SyncTask) bool {
	if strings.TrimSpace(task.TaskID) == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, task)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileSyncQueue) Enqueue(ctx context.Context, task SyncTask) bool {
	for {
		if q.TryEnqueue(task) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileSyncQueue) Dequeue(ctx context.Context) (SyncTask, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]SyncTask{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return SyncTask{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return SyncTask{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileSyncQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileSyncQueue) Capacity() int {
	return q.capacity
}

func (q *fileSyncQueue) Close() error {
	return nil
}

func (q *fileSyncQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileSyncQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]SyncTask(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]SyncTask(nil), snapshot.Items...)
	return nil
}

func (q *fileSyncQueue) saveLocked() error {
	snapshot := fileSyncQueueState{Items: append([]SyncTask(nil), q.items...)}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
