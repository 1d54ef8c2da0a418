// Package pipeline moves experiment data from the gateway to per-subject
// sinks. Two bounded queues decouple message receipt from persistence: the
// data queue feeds a small worker pool writing event samples, the trial
// queue feeds a single worker so trial-count decisions stay ordered.
package pipeline

import (
	"context"
	"log"
	"sync"
	"time"
)

const (
	queueData  = "data"
	queueTrial = "trial"
)

// Sample is one recorded event from a pilot, already decoded.
type Sample struct {
	Subject   string
	EventType string
	Payload   map[string]interface{}
	Received  time.Time
}

// TrialEvent reports a completed trial. The single trial worker hands it to
// the run controller, which may advance the protocol.
type TrialEvent struct {
	Subject  string
	Sender   string
	Payload  map[string]interface{}
	Received time.Time
}

// TrialFunc consumes trial events in arrival order.
type TrialFunc func(*TrialEvent)

// Config tunes queue sizes and worker counts. Zero values take defaults.
type Config struct {
	QueueCapacity int
	DataWorkers   int
}

// Pipeline owns the queues, the worker pools, and the per-subject handler
// table.
type Pipeline struct {
	factory Factory
	onTrial TrialFunc
	metrics *Metrics
	logger  *log.Logger

	dataQueue  chan *Sample
	trialQueue chan *TrialEvent

	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool

	wg sync.WaitGroup

	dataWorkers int
}

// New creates a pipeline. Call Start before enqueuing.
func New(factory Factory, onTrial TrialFunc, metrics *Metrics, config Config) *Pipeline {
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = 50000
	}
	if config.DataWorkers <= 0 {
		config.DataWorkers = 4
	}
	return &Pipeline{
		factory:     factory,
		onTrial:     onTrial,
		metrics:     metrics,
		logger:      log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
		dataQueue:   make(chan *Sample, config.QueueCapacity),
		trialQueue:  make(chan *TrialEvent, config.QueueCapacity),
		handlers:    make(map[string]Handler),
		dataWorkers: config.DataWorkers,
	}
}

// Start launches the worker pools.
func (p *Pipeline) Start() {
	for i := 0; i < p.dataWorkers; i++ {
		p.wg.Add(1)
		go p.dataWorker()
	}
	p.wg.Add(1)
	go p.trialWorker()
	p.logger.Printf("started (%d data workers, 1 trial worker, queue capacity %d)", p.dataWorkers, cap(p.dataQueue))
}

// EnqueueData queues a sample for persistence. Never blocks: when the queue
// is full or the pipeline is shut down the sample is dropped with a warning.
func (p *Pipeline) EnqueueData(sample *Sample) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.metrics.RecordDropped(queueData, "closed")
		return
	}
	select {
	case p.dataQueue <- sample:
		p.metrics.RecordEnqueued(queueData)
		p.metrics.SetQueueDepth(queueData, len(p.dataQueue))
	default:
		p.metrics.RecordDropped(queueData, "full")
		p.logger.Printf("⚠️  data queue full, dropping %s sample for %s", sample.EventType, sample.Subject)
	}
}

// EnqueueTrial queues a trial event for the controller.
func (p *Pipeline) EnqueueTrial(event *TrialEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.metrics.RecordDropped(queueTrial, "closed")
		return
	}
	select {
	case p.trialQueue <- event:
		p.metrics.RecordEnqueued(queueTrial)
		p.metrics.SetQueueDepth(queueTrial, len(p.trialQueue))
	default:
		p.metrics.RecordDropped(queueTrial, "full")
		p.logger.Printf("⚠️  trial queue full, dropping event for %s", event.Subject)
	}
}

// OpenSubject prepares a sink handler for a subject. An existing handler for
// the same subject is stopped and replaced.
func (p *Pipeline) OpenSubject(ctx context.Context, subject string) error {
	handler := p.factory(subject)
	if err := handler.Prepare(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	old := p.handlers[subject]
	p.handlers[subject] = handler
	p.mu.Unlock()

	if old != nil {
		p.logger.Printf("⚠️  replacing live sink handler for %s", subject)
		if err := old.Stop(ctx); err != nil {
			p.logger.Printf("stop of replaced handler for %s failed: %v", subject, err)
		}
	}
	return nil
}

// CloseSubject flushes and removes the subject's sink handler.
func (p *Pipeline) CloseSubject(ctx context.Context, subject string) error {
	p.mu.Lock()
	handler := p.handlers[subject]
	delete(p.handlers, subject)
	p.mu.Unlock()

	if handler == nil {
		return nil
	}
	return handler.Stop(ctx)
}

// OpenSubjects reports the subjects that currently have a live handler.
func (p *Pipeline) OpenSubjects() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	subjects := make([]string, 0, len(p.handlers))
	for subject := range p.handlers {
		subjects = append(subjects, subject)
	}
	return subjects
}

func (p *Pipeline) handler(subject string) Handler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handlers[subject]
}

// lazyHandler returns the subject's handler, creating and preparing one on
// first use so data arriving before the controller opened the subject is
// still persisted.
func (p *Pipeline) lazyHandler(subject string) Handler {
	if handler := p.handler(subject); handler != nil {
		return handler
	}

	handler := p.factory(subject)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := handler.Prepare(ctx)
	cancel()
	if err != nil {
		p.logger.Printf("❌ lazy prepare for %s failed: %v", subject, err)
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing := p.handlers[subject]; existing != nil {
		// Another worker won the race; let its handler stand.
		go handler.Stop(context.Background())
		return existing
	}
	p.handlers[subject] = handler
	return handler
}

func (p *Pipeline) dataWorker() {
	defer p.wg.Done()

	for sample := range p.dataQueue {
		p.metrics.SetQueueDepth(queueData, len(p.dataQueue))

		handler := p.lazyHandler(sample.Subject)
		if handler == nil {
			p.metrics.RecordDropped(queueData, "no_handler")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := handler.Save(ctx, sample)
		cancel()
		if err != nil && err != ErrNotRunning {
			p.logger.Printf("❌ save failed for %s: %v", sample.Subject, err)
		}
	}
}

func (p *Pipeline) trialWorker() {
	defer p.wg.Done()

	for event := range p.trialQueue {
		p.metrics.SetQueueDepth(queueTrial, len(p.trialQueue))
		if p.onTrial != nil {
			p.onTrial(event)
		}
	}
}

// Stop drains both queues, waits for the workers, then stops every open
// handler. New enqueues after Stop are dropped.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.dataQueue)
	close(p.trialQueue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	handlers := p.handlers
	p.handlers = make(map[string]Handler)
	p.mu.Unlock()

	var firstErr error
	for subject, handler := range handlers {
		if err := handler.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
			p.logger.Printf("stop handler for %s failed: %v", subject, err)
		}
	}
	p.logger.Printf("stopped")
	return firstErr
}
