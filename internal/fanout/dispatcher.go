// ABOUTME: Detached fan-out dispatcher with per-conversation ordering
// ABOUTME: Events are sharded by conversation ID onto FIFO workers that publish with bounded retry

package fanout

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/support-gateway/internal/transport"
)

// DispatcherConfig tunes the dispatcher. Zero values take defaults.
type DispatcherConfig struct {
	Workers        int           // number of ordering shards
	QueueSize      int           // buffered events per shard
	Attempts       int           // publish attempts per delivery
	PublishTimeout time.Duration // deadline for a single publish attempt
	RetryDelay     time.Duration // pause between attempts
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Attempts <= 0 {
		c.Attempts = 2
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	return c
}

// Stats counts deliveries since the dispatcher started.
type Stats struct {
	Published uint64
	Failed    uint64
	Dropped   uint64
}

// Dispatcher routes events and publishes the resulting deliveries in the
// background. All events for one conversation go through the same worker, so
// their deliveries reach the transport in dispatch order. Publish failures are
// logged and counted; they never reach the caller of Dispatch.
type Dispatcher struct {
	transport transport.Transport
	cfg       DispatcherConfig
	shards    []chan []Delivery
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	published atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewDispatcher starts the shard workers. Pass nil logger for default.
func NewDispatcher(t transport.Transport, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	d := &Dispatcher{
		transport: t,
		cfg:       cfg,
		shards:    make([]chan []Delivery, cfg.Workers),
		logger:    logger.With("component", "fanout"),
	}
	for i := range d.shards {
		d.shards[i] = make(chan []Delivery, cfg.QueueSize)
		d.wg.Add(1)
		go d.run(d.shards[i])
	}
	return d
}

// Dispatch routes ev and queues its deliveries. It returns once the event is
// queued; it blocks only while the event's shard is full.
func (d *Dispatcher) Dispatch(ev Event) {
	deliveries := Route(ev)
	if len(deliveries) == 0 {
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(uint64(len(deliveries)))
		d.logger.Warn("dispatcher closed, dropping event",
			"conversation_id", ev.ConversationID(),
			"event", deliveries[0].Name)
		return
	}

	d.shards[d.shardFor(ev.ConversationID())] <- deliveries
}

func (d *Dispatcher) shardFor(conversationID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return int(h.Sum32() % uint32(len(d.shards)))
}

func (d *Dispatcher) run(queue <-chan []Delivery) {
	defer d.wg.Done()
	for deliveries := range queue {
		for _, del := range deliveries {
			d.deliver(del)
		}
	}
}

func (d *Dispatcher) deliver(del Delivery) {
	msg := transport.Message{
		Channel: string(del.Address),
		Event:   del.Name,
		Payload: del.Payload,
		Exclude: del.Exclude,
	}

	var err error
	for attempt := 1; attempt <= d.cfg.Attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PublishTimeout)
		err = d.transport.Publish(ctx, msg)
		cancel()
		if err == nil {
			d.published.Add(1)
			return
		}

		d.logger.Warn("fan-out publish failed",
			"address", del.Address,
			"event", del.Name,
			"attempt", attempt,
			"error", err)

		if attempt < d.cfg.Attempts && d.cfg.RetryDelay > 0 {
			time.Sleep(d.cfg.RetryDelay)
		}
	}

	d.failed.Add(1)
	d.logger.Error("fan-out delivery abandoned",
		"address", del.Address,
		"event", del.Name,
		"attempts", d.cfg.Attempts,
		"error", err)
}

// Stats returns delivery counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Published: d.published.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
	}
}

// Close stops accepting events, drains queued deliveries and waits for the workers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.shards {
		close(q)
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Debug("dispatcher closed")
}
