package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/CIRISAI/ciris-bus-fabric/core"
	"github.com/CIRISAI/ciris-bus-fabric/telemetry"
)

// DefaultQueueCapacity is the bounded FIFO capacity new buses use unless
// overridden.
const DefaultQueueCapacity = 1000

// Processor is the subclass hook BaseBus drives its processing loop
// through. Each typed bus in this package executes calls synchronously at
// the call site; the queue exists to support deferred work and future
// streaming, per the design note in spec section 4.5.
type Processor interface {
	Process(ctx context.Context, msg Message) error
}

// BaseBus provides the bounded FIFO queue and idle-safe processing loop
// shared by every typed bus.
type BaseBus struct {
	name      string
	processor Processor
	logger    core.Logger

	queue chan Message

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	processedCount atomic.Uint64
	failedCount    atomic.Uint64
	droppedCount   atomic.Uint64
}

// NewBaseBus constructs a bus with the given name, capacity (0 uses
// DefaultQueueCapacity), processor hook, and logger.
func NewBaseBus(name string, capacity int, processor Processor, logger core.Logger) *BaseBus {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &BaseBus{
		name:      name,
		processor: processor,
		logger:    logger,
		queue:     make(chan Message, capacity),
	}
}

// Start spawns the processing goroutine. Idempotent.
func (b *BaseBus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	go b.loop(b.stopCh, b.doneCh)
	b.logger.Info("bus started", map[string]interface{}{
		"operation": "bus_start",
		"bus":       b.name,
	})
}

// Stop signals shutdown and waits for the loop to exit. Idempotent and
// returns promptly even on an idle bus.
func (b *BaseBus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	stopCh := b.stopCh
	doneCh := b.doneCh
	b.mu.Unlock()

	close(stopCh)
	<-doneCh
	b.logger.Info("bus stopped", map[string]interface{}{
		"operation": "bus_stop",
		"bus":       b.name,
	})
}

// Enqueue is non-blocking; it returns false and drops the message (logging
// at ERROR) if the queue is full.
func (b *BaseBus) Enqueue(msg Message) bool {
	select {
	case b.queue <- msg:
		return true
	default:
		b.droppedCount.Add(1)
		b.logger.Error("bus queue full, dropping message", map[string]interface{}{
			"operation": "bus_enqueue",
			"bus":       b.name,
			"id":        msg.ID,
		})
		telemetry.Counter("bus.queue.dropped", "module", telemetry.ModuleFabric, "bus", b.name)
		return false
	}
}

func (b *BaseBus) loop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	ctx := context.Background()
	for {
		select {
		case <-stopCh:
			return
		case msg := <-b.queue:
			if err := b.processor.Process(ctx, msg); err != nil {
				b.failedCount.Add(1)
				b.logger.Error("bus message processing failed", map[string]interface{}{
					"operation": "bus_process",
					"bus":       b.name,
					"id":        msg.ID,
					"error":     err.Error(),
				})
			} else {
				b.processedCount.Add(1)
			}
		}
	}
}

// QueueDepth returns the number of messages currently queued.
func (b *BaseBus) QueueDepth() int {
	return len(b.queue)
}

// QueueCapacity returns the bus's configured queue capacity.
func (b *BaseBus) QueueCapacity() int {
	return cap(b.queue)
}

// IsRunning reports whether the processing loop is active.
func (b *BaseBus) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Stats is the generic counter snapshot every typed bus embeds into its own
// collect_telemetry map.
type Stats struct {
	Processed uint64
	Failed    uint64
	Dropped   uint64
	QueueSize int
	QueueCap  int
	Running   bool
}

func (b *BaseBus) Stats() Stats {
	return Stats{
		Processed: b.processedCount.Load(),
		Failed:    b.failedCount.Load(),
		Dropped:   b.droppedCount.Load(),
		QueueSize: b.QueueDepth(),
		QueueCap:  b.QueueCapacity(),
		Running:   b.IsRunning(),
	}
}
