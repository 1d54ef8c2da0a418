package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const (
	createEventLog = `
CREATE TABLE IF NOT EXISTS event_log_v2 (
	id          UUID PRIMARY KEY,
	subject     TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	payload     JSONB NOT NULL
)`
	createEventLogIndex = `
CREATE INDEX IF NOT EXISTS idx_event_log_v2_subject ON event_log_v2 (subject, recorded_at)`

	insertEvent = `
INSERT INTO event_log_v2 (id, subject, event_type, recorded_at, payload)
VALUES ($1, $2, $3, $4, $5)`
)

// StoreConfig configures the Postgres event store.
type StoreConfig struct {
	// DatabaseURL is a lib/pq connection string.
	DatabaseURL string

	// Timezone is the IANA zone event timestamps are recorded in, so the
	// log reads in lab-local time. Defaults to Asia/Jerusalem.
	Timezone string

	// WriteTimeout bounds each insert. Defaults to 2 seconds.
	WriteTimeout time.Duration

	// Workers is the number of writer goroutines per subject handler.
	// Defaults to 2.
	Workers int

	Metrics *Metrics
}

// Store is the shared Postgres connection pool behind per-subject sink
// handlers. One store serves every subject; handlers only add buffering.
type Store struct {
	db      *sql.DB
	tz      *time.Location
	timeout time.Duration
	workers int
	metrics *Metrics
	logger  *log.Logger
}

// OpenStore connects to Postgres, verifies connectivity, and ensures the
// event log schema exists.
func OpenStore(config StoreConfig) (*Store, error) {
	if config.Timezone == "" {
		config.Timezone = "Asia/Jerusalem"
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 2 * time.Second
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}

	tz, err := time.LoadLocation(config.Timezone)
	if err != nil {
		return nil, fmt.Errorf("sink: unknown timezone %q: %w", config.Timezone, err)
	}

	db, err := sql.Open("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("sink: open database: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sink: ping database: %w", err)
	}
	for _, stmt := range []string{createEventLog, createEventLogIndex} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("sink: ensure schema: %w", err)
		}
	}

	return &Store{
		db:      db,
		tz:      tz,
		timeout: config.WriteTimeout,
		workers: config.Workers,
		metrics: config.Metrics,
		logger:  log.New(log.Writer(), "[SINK] ", log.LstdFlags),
	}, nil
}

// Factory returns a handler factory backed by this store.
func (s *Store) Factory() Factory {
	return func(subject string) Handler {
		return &postgresSink{
			store:   s,
			subject: subject,
			queue:   make(chan *Sample, 1024),
		}
	}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// write inserts one sample, bounded by the store's write timeout.
func (s *Store) write(sample *Sample) error {
	payload, err := json.Marshal(sample.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	started := time.Now()
	_, err = s.db.ExecContext(ctx, insertEvent,
		uuid.NewString(),
		sample.Subject,
		sample.EventType,
		eventTime(sample, s.tz),
		payload,
	)
	elapsed := time.Since(started).Seconds()
	if err != nil {
		s.metrics.RecordSinkWrite("error", elapsed)
		return err
	}
	s.metrics.RecordSinkWrite("ok", elapsed)
	return nil
}

// eventTime picks the timestamp to record: the pilot's epoch-seconds
// "timestamp" field when present, the arrival time otherwise, rendered in
// the sink timezone.
func eventTime(sample *Sample, tz *time.Location) time.Time {
	if raw, ok := sample.Payload["timestamp"]; ok {
		if epoch, ok := raw.(float64); ok && epoch > 0 {
			sec := int64(epoch)
			nsec := int64((epoch - float64(sec)) * 1e9)
			return time.Unix(sec, nsec).In(tz)
		}
	}
	if sample.Received.IsZero() {
		return time.Now().In(tz)
	}
	return sample.Received.In(tz)
}

// postgresSink buffers one subject's samples and writes them with a small
// worker pool. Save never touches the database directly.
type postgresSink struct {
	store   *Store
	subject string
	queue   chan *Sample

	mu      sync.RWMutex
	running bool

	wg sync.WaitGroup
}

func (p *postgresSink) Prepare(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	if err := p.store.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sink: prepare %s: %w", p.subject, err)
	}
	for i := 0; i < p.store.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.running = true
	return nil
}

func (p *postgresSink) Save(ctx context.Context, sample *Sample) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return ErrNotRunning
	}
	select {
	case p.queue <- sample:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop flushes the buffer by closing the queue and waiting for the workers.
func (p *postgresSink) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sink: flush %s: %w", p.subject, ctx.Err())
	}
}

func (p *postgresSink) worker() {
	defer p.wg.Done()

	for sample := range p.queue {
		if err := p.store.write(sample); err != nil {
			p.store.logger.Printf("❌ write failed for %s: %v", p.subject, err)
		}
	}
}
