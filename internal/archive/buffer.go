package archive

import (
	"sync"
	"time"

	"github.com/tinytelemetry/courier/internal/logging"
	"github.com/tinytelemetry/courier/internal/model"
)

// DefaultFlushQueueSize is the number of batches that can be queued for
// asynchronous insertion.
const DefaultFlushQueueSize = 16

// InsertBuffer batches delivered events and writes them to the store
// asynchronously. Add() never blocks on database IO; archiving is best-effort
// and a saturated writer drops the batch with a warning.
type InsertBuffer struct {
	store         *Store
	log           *logging.Logger
	mu            sync.Mutex
	pending       []*model.Event
	flushChan     chan []*model.Event
	maxBatch      int
	flushInterval time.Duration
	done          chan struct{}
	wg            sync.WaitGroup
	stopOnce      sync.Once
}

// InsertBufferConfig holds tunable parameters for the insert buffer.
type InsertBufferConfig struct {
	BatchSize      int
	FlushInterval  time.Duration
	FlushQueueSize int
}

// NewInsertBuffer creates a buffer that flushes to the store.
func NewInsertBuffer(store *Store, log *logging.Logger, conf ...InsertBufferConfig) *InsertBuffer {
	batchSize := 100
	flushInterval := time.Second
	flushQueueSize := DefaultFlushQueueSize
	if len(conf) > 0 {
		if conf[0].BatchSize > 0 {
			batchSize = conf[0].BatchSize
		}
		if conf[0].FlushInterval > 0 {
			flushInterval = conf[0].FlushInterval
		}
		if conf[0].FlushQueueSize > 0 {
			flushQueueSize = conf[0].FlushQueueSize
		}
	}

	b := &InsertBuffer{
		store:         store,
		log:           log,
		pending:       make([]*model.Event, 0, batchSize),
		flushChan:     make(chan []*model.Event, flushQueueSize),
		maxBatch:      batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}

	b.wg.Add(1)
	go b.flushWorker()

	b.wg.Add(1)
	go b.tickLoop()

	return b
}

// Add queues one event for archiving.
func (b *InsertBuffer) Add(ev *model.Event) {
	b.mu.Lock()
	b.pending = append(b.pending, ev)
	full := len(b.pending) >= b.maxBatch
	b.mu.Unlock()
	if full {
		b.drainPending()
	}
}

func (b *InsertBuffer) drainPending() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = make([]*model.Event, 0, b.maxBatch)
	b.mu.Unlock()

	select {
	case b.flushChan <- batch:
	default:
		b.log.Warnf("archive: writer saturated, dropped batch of %d events", len(batch))
	}
}

func (b *InsertBuffer) tickLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.drainPending()
		case <-b.done:
			b.drainPending() // final drain
			return
		}
	}
}

func (b *InsertBuffer) flushWorker() {
	defer b.wg.Done()
	for {
		select {
		case batch := <-b.flushChan:
			b.write(batch)
		case <-b.done:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case batch := <-b.flushChan:
					b.write(batch)
				default:
					return
				}
			}
		}
	}
}

func (b *InsertBuffer) write(batch []*model.Event) {
	if err := b.store.InsertDelivered(batch); err != nil {
		b.log.Warnf("archive: insert batch of %d: %v", len(batch), err)
	}
}

// Stop drains pending events and waits for the writer to finish. Batches
// still queued when the worker exits are written synchronously.
func (b *InsertBuffer) Stop() {
	b.stopOnce.Do(func() {
		b.drainPending()
		close(b.done)
		b.wg.Wait()
		for {
			select {
			case batch := <-b.flushChan:
				b.write(batch)
			default:
				return
			}
		}
	})
}
