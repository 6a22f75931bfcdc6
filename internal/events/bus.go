package events

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/amaumene/sermonsync/internal/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Handler reacts to one change event. Returning an error schedules a retry.
type Handler func(ctx context.Context, event models.ChangeEvent) error

type route struct {
	collection models.Collection
	kind       models.ChangeKind
}

// Bus dispatches change events to one handler per (collection, kind).
// Events are sharded by document key, so events for the same document are
// handled in publish order while different documents are handled in parallel.
// Delivery is at-least-once: a failing handler is retried with backoff and
// the event is dropped after maxAttempts.
type Bus struct {
	mu       sync.RWMutex
	handlers map[route]Handler

	shards      []*queue
	maxAttempts int
	newBackOff  func() backoff.BackOff
	logger      *logrus.Logger

	pendingMu sync.Mutex
	pending   int
	idle      chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBus creates a bus with the given number of worker shards
func NewBus(workers, maxAttempts int, logger *logrus.Logger) *Bus {
	if workers < 1 {
		workers = 1
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	idle := make(chan struct{})
	close(idle)

	b := &Bus{
		handlers:    make(map[route]Handler),
		maxAttempts: maxAttempts,
		logger:      logger,
		idle:        idle,
		newBackOff: func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = 50 * time.Millisecond
			eb.MaxInterval = 2 * time.Second
			eb.MaxElapsedTime = 0
			return eb
		},
	}
	for i := 0; i < workers; i++ {
		b.shards = append(b.shards, newQueue())
	}
	return b
}

// Subscribe registers h for (collection, kind). Only one handler per pair.
func (b *Bus) Subscribe(collection models.Collection, kind models.ChangeKind, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := route{collection: collection, kind: kind}
	if _, exists := b.handlers[r]; exists {
		return fmt.Errorf("handler already registered for %s %s", collection, kind)
	}
	b.handlers[r] = h
	return nil
}

func (b *Bus) handler(collection models.Collection, kind models.ChangeKind) (Handler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.handlers[route{collection: collection, kind: kind}]
	return h, ok
}

// Publish queues an event for its handler. Events without a handler are dropped.
func (b *Bus) Publish(event models.ChangeEvent) {
	if _, ok := b.handler(event.Collection, event.Kind); !ok {
		return
	}

	b.track()
	if !b.shardFor(event.Key).Enqueue(event) {
		b.done()
		b.logger.WithFields(logrus.Fields{
			"collection": event.Collection,
			"kind":       event.Kind,
			"key":        event.Key,
		}).Warn("Event bus stopped, dropping event")
	}
}

func (b *Bus) shardFor(key string) *queue {
	h := fnv.New32a()
	h.Write([]byte(key))
	return b.shards[h.Sum32()%uint32(len(b.shards))]
}

// Start launches one worker per shard
func (b *Bus) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	for _, q := range b.shards {
		b.wg.Add(1)
		go b.work(ctx, q)
	}
	b.logger.WithField("workers", len(b.shards)).Info("Event bus started")
}

// Stop stops the workers. Events still queued are discarded and no longer
// count as pending, so Wait returns once Stop has.
func (b *Bus) Stop() {
	for _, q := range b.shards {
		q.Close()
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()

	discarded := 0
	for _, q := range b.shards {
		for {
			if _, ok := q.TryDequeue(); !ok {
				break
			}
			discarded++
			b.done()
		}
	}
	if discarded > 0 {
		b.logger.WithField("discarded", discarded).Warn("Event bus stopped with queued events")
	}
	b.logger.Info("Event bus stopped")
}

// Wait blocks until every published event has been handled or ctx ends
func (b *Bus) Wait(ctx context.Context) error {
	b.pendingMu.Lock()
	idle := b.idle
	b.pendingMu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) track() {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	if b.pending == 0 {
		b.idle = make(chan struct{})
	}
	b.pending++
	eventsPending.Inc()
}

func (b *Bus) done() {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	b.pending--
	eventsPending.Dec()
	if b.pending == 0 {
		close(b.idle)
	}
}

func (b *Bus) work(ctx context.Context, q *queue) {
	defer b.wg.Done()
	for {
		for {
			event, ok := q.TryDequeue()
			if !ok {
				break
			}
			b.dispatch(ctx, event)
			b.done()
		}

		select {
		case <-ctx.Done():
			return
		case _, open := <-q.Signal():
			if !open && q.Len() == 0 {
				return
			}
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, event models.ChangeEvent) {
	h, ok := b.handler(event.Collection, event.Kind)
	if !ok {
		return
	}

	log := b.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"collection": event.Collection,
		"kind":       event.Kind,
		"key":        event.Key,
	})

	attempt := 0
	operation := func() error {
		attempt++
		err := h(ctx, event)
		if err != nil && attempt < b.maxAttempts {
			log.WithError(err).WithField("attempt", attempt).Debug("Event handler failed, retrying")
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b.newBackOff(), uint64(b.maxAttempts-1)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		eventsHandled.WithLabelValues(string(event.Collection), string(event.Kind), "dropped").Inc()
		log.WithError(err).WithField("attempts", attempt).Error("Event handler failed, dropping event")
		return
	}

	eventsHandled.WithLabelValues(string(event.Collection), string(event.Kind), "ok").Inc()
	log.Debug("Event handled")
}
