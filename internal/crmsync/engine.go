package crmsync

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Engine runs both sync directions. Outbound pushes local mutations to the
// external CRM; inbound reconciles webhook notifications into the store.
// The two paths share nothing but the store's sync log and conflict records,
// and no lock is held across a gateway call.
type Engine struct {
	store    *Store
	crm      CRMClient
	outbound SyncQueue
	inbound  SyncQueue
	events   *Broadcaster

	callTimeout time.Duration

	queueCtx    context.Context
	queueCancel context.CancelFunc
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

type EngineOptions struct {
	Store           *Store
	CRM             CRMClient
	OutboundQueue   SyncQueue
	InboundQueue    SyncQueue
	OutboundWorkers int
	InboundWorkers  int
	QueueSize       int
	CallTimeout     time.Duration
	// DisableWorkers leaves queues undrained; tests drive processing
	// directly through ProcessTask.
	DisableWorkers bool
}

func NewEngine(opts EngineOptions) *Engine {
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	outboundQueue := opts.OutboundQueue
	if outboundQueue == nil {
		outboundQueue = NewInMemorySyncQueue(queueSize)
	}
	inboundQueue := opts.InboundQueue
	if inboundQueue == nil {
		inboundQueue = NewInMemorySyncQueue(queueSize)
	}
	outboundWorkers := opts.OutboundWorkers
	if outboundWorkers <= 0 {
		outboundWorkers = 1
	}
	inboundWorkers := opts.InboundWorkers
	if inboundWorkers <= 0 {
		inboundWorkers = 1
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}
	store := opts.Store
	if store == nil {
		store = NewStore()
	}
	queueCtx, queueCancel := context.WithCancel(context.Background())

	e := &Engine{
		store:       store,
		crm:         opts.CRM,
		outbound:    outboundQueue,
		inbound:     inboundQueue,
		events:      NewBroadcaster(),
		callTimeout: callTimeout,
		queueCtx:    queueCtx,
		queueCancel: queueCancel,
	}
	if !opts.DisableWorkers {
		e.wg.Add(outboundWorkers + inboundWorkers)
		for i := 0; i < outboundWorkers; i++ {
			go func() {
				defer e.wg.Done()
				e.worker(e.outbound)
			}()
		}
		for i := 0; i < inboundWorkers; i++ {
			go func() {
				defer e.wg.Done()
				e.worker(e.inbound)
			}()
		}
	}
	return e
}

func (e *Engine) Store() *Store {
	return e.store
}

func (e *Engine) Events() *Broadcaster {
	return e.events
}

func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.queueCancel()
		_ = e.outbound.Close()
		_ = e.inbound.Close()
		e.wg.Wait()
	})
}

func (e *Engine) worker(queue SyncQueue) {
	for {
		task, ok := queue.Dequeue(e.queueCtx)
		if !ok {
			return
		}
		e.ProcessTask(task)
	}
}

// ProcessTask runs one unit of sync work to completion. All failures end up
// as FAILED log entries and conflict records; nothing propagates.
func (e *Engine) ProcessTask(task SyncTask) {
	ctx, cancel := context.WithTimeout(e.queueCtx, e.callTimeout)
	defer cancel()
	switch task.Direction {
	case DirectionOutbound:
		e.processOutbound(ctx, task)
	case DirectionInbound:
		e.processInbound(ctx, task)
	default:
		log.Printf("sync: dropping task %s with unknown direction %q", task.TaskID, task.Direction)
	}
}

func newTaskID() string {
	return uuid.NewString()
}
