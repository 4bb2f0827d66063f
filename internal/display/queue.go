package display

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dbehnke/smartlock/internal/faults"
	"github.com/dbehnke/smartlock/internal/metrics"
)

const QUEUE_CAPACITY = 5

// Job is one unit of display work: a picture, a raw byte stream or a
// solid fill.
type Job struct {
	Name   string
	Region Region
	Pixels []byte // RGB565, big-endian; ignored for fills
	Raw    bool   // Pixels need not match the region size
	Fill   bool
	Color  uint16
}

// Picture builds a picture job.
func Picture(name string, region Region, pixels []byte) Job {
	return Job{Name: name, Region: region, Pixels: pixels}
}

// Raw builds a job that streams data into region as is, for panel command
// data or partial updates that are not a whole number of pixels.
func Raw(name string, region Region, data []byte) Job {
	return Job{Name: name, Region: region, Pixels: data, Raw: true}
}

// Fill builds a solid fill job.
func Fill(name string, region Region, color uint16) Job {
	return Job{Name: name, Region: region, Fill: true, Color: color}
}

type queued struct {
	job  Job
	done chan error
}

// Queue holds display jobs for the one consumer that runs them.
type Queue struct {
	engine *Engine
	jobs   chan queued
	logger zerolog.Logger
}

// NewQueue creates a queue in front of engine.
func NewQueue(engine *Engine, logger zerolog.Logger) *Queue {
	return &Queue{
		engine: engine,
		jobs:   make(chan queued, QUEUE_CAPACITY),
		logger: logger.With().Str("component", "display_queue").Logger(),
	}
}

// TryEnqueue adds job without blocking. The returned channel receives the
// job's result once it has run.
func (q *Queue) TryEnqueue(job Job) (<-chan error, error) {
	item := queued{job: job, done: make(chan error, 1)}
	select {
	case q.jobs <- item:
		metrics.SetDisplayQueueDepth(len(q.jobs))
		return item.done, nil
	default:
		return nil, fmt.Errorf("%w: display job %s", faults.ErrQueueFull, job.Name)
	}
}

// Enqueue adds job, waiting for room until ctx is done.
func (q *Queue) Enqueue(ctx context.Context, job Job) (<-chan error, error) {
	item := queued{job: job, done: make(chan error, 1)}
	select {
	case q.jobs <- item:
		metrics.SetDisplayQueueDepth(len(q.jobs))
		return item.done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Depth returns the number of jobs waiting.
func (q *Queue) Depth() int {
	return len(q.jobs)
}

// Run executes jobs one at a time until ctx is done. Failed jobs are
// logged and dropped; the consumer moves on to the next.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-q.jobs:
			metrics.SetDisplayQueueDepth(len(q.jobs))
			err := q.run(ctx, item.job)
			if err != nil {
				q.logger.Error().Err(err).Str("job", item.job.Name).Msg("display job dropped")
			}
			item.done <- err
		}
	}
}

func (q *Queue) run(ctx context.Context, job Job) error {
	if job.Fill {
		return q.engine.FillSync(job.Region, job.Color)
	}
	if job.Raw {
		return q.engine.TransferRaw(ctx, job.Region, job.Pixels)
	}
	return q.engine.Transfer(ctx, job.Region, job.Pixels)
}
