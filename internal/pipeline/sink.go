package pipeline

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
)

// ErrNotRunning is returned by Save when a handler was never prepared or has
// already been stopped.
var ErrNotRunning = errors.New("pipeline: sink not running")

// Handler persists one subject's event stream for the duration of a run.
// Prepare is called once before the first write, Stop once after the last;
// Save may be called concurrently in between.
type Handler interface {
	Prepare(ctx context.Context) error
	Save(ctx context.Context, sample *Sample) error
	Stop(ctx context.Context) error
}

// Factory builds a fresh handler for a subject when its run starts.
type Factory func(subject string) Handler

// discardSink counts and drops samples. Used when no sink database is
// configured so runs still work on rigs without storage.
type discardSink struct {
	subject string
	running atomic.Bool
	saved   atomic.Int64
	logger  *log.Logger
}

// NewDiscardFactory returns a factory whose handlers drop every sample.
func NewDiscardFactory() Factory {
	logger := log.New(log.Writer(), "[SINK] ", log.LstdFlags)
	return func(subject string) Handler {
		return &discardSink{subject: subject, logger: logger}
	}
}

func (d *discardSink) Prepare(ctx context.Context) error {
	d.running.Store(true)
	return nil
}

func (d *discardSink) Save(ctx context.Context, sample *Sample) error {
	if !d.running.Load() {
		return ErrNotRunning
	}
	d.saved.Add(1)
	return nil
}

func (d *discardSink) Stop(ctx context.Context) error {
	if d.running.Swap(false) {
		d.logger.Printf("discarded %d samples for %s (no sink configured)", d.saved.Load(), d.subject)
	}
	return nil
}
