// Copyright 2024 The OSS Rebuild Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dispatcher accepts a typed RunInput from any transport, creates
// the Run row, and hands it to a bounded worker pool for execution (§4.4).
// Backpressure is expressed by the queue's capacity: once full, Submit
// blocks the caller rather than growing unbounded.
package dispatcher

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/basalt-compute/noded/internal/engine"
	"github.com/basalt-compute/noded/pkg/model"
)

// ErrQueueClosed is returned by Submit once Shutdown has been called.
var ErrQueueClosed = errors.New("dispatcher: queue closed")

// Ledger is the subset of *ledger.Store the Dispatcher depends on.
type Ledger interface {
	CreateRun(ctx context.Context, kind model.RunKind, input model.RunInput) (model.Run, error)
}

// Config bounds the Dispatcher's worker pool and queue.
type Config struct {
	WorkerPoolSize int
	QueueCapacity  int
}

// Dispatcher is a FIFO, bounded-concurrency scheduler of Run executions. It
// has no priority: §4.4 specifies plain FIFO.
type Dispatcher struct {
	ledger  Ledger
	engine  engine.Deps
	queue   chan model.Run
	metrics *metrics

	eg     *errgroup.Group
	cancel context.CancelFunc
	closed chan struct{}
}

// New starts a Dispatcher with cfg.WorkerPoolSize workers draining a queue
// of capacity cfg.QueueCapacity. Call Shutdown to drain and stop workers.
func New(ctx context.Context, ledger Ledger, deps engine.Deps, cfg Config) *Dispatcher {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 1
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1
	}
	runCtx, cancel := context.WithCancel(ctx)
	eg, egCtx := errgroup.WithContext(runCtx)

	d := &Dispatcher{
		ledger:  ledger,
		engine:  deps,
		queue:   make(chan model.Run, cfg.QueueCapacity),
		metrics: newMetrics(),
		eg:      eg,
		cancel:  cancel,
		closed:  make(chan struct{}),
	}
	d.metrics.queueCapacity.Set(float64(cfg.QueueCapacity))

	for i := 0; i < cfg.WorkerPoolSize; i++ {
		eg.Go(func() error {
			return d.worker(egCtx)
		})
	}
	return d
}

// Submit creates the Run row (status pending) for input and enqueues it for
// execution, blocking if the queue is at capacity. It returns the created
// Run's id.
func (d *Dispatcher) Submit(ctx context.Context, input model.RunInput) (string, error) {
	if input.ConsumerID == "" {
		return "", errors.New("dispatcher: RunInput.ConsumerID is required")
	}
	select {
	case <-d.closed:
		return "", ErrQueueClosed
	default:
	}
	run, err := d.ledger.CreateRun(ctx, input.Kind, input)
	if err != nil {
		return "", errors.Wrap(err, "creating run row")
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	select {
	case <-d.closed:
		return "", ErrQueueClosed
	case d.queue <- run:
		d.metrics.queueDepth.Set(float64(len(d.queue)))
		return run.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// worker drains the queue FIFO, driving each Run through engine.Run. A
// crashed or cancelled engine call always yields a terminal Run (§4.3); the
// worker itself never observes an error it must propagate, only logs it.
func (d *Dispatcher) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case run, ok := <-d.queue:
			if !ok {
				return nil
			}
			d.metrics.queueDepth.Set(float64(len(d.queue)))
			d.metrics.inFlight.Inc()
			start := time.Now()
			result := engine.Run(ctx, run, d.engine)
			d.metrics.inFlight.Dec()
			d.metrics.runDuration.Observe(time.Since(start).Seconds())
			if result.Status == model.StatusError {
				log.Printf("dispatcher: run %s finished in error: %s", result.ID, result.ErrorMessage)
			}
		}
	}
}

// Shutdown stops accepting new work, cancels in-flight worker contexts, and
// waits for all workers to return. It never closes the queue channel itself
// (a concurrent Submit could otherwise race a send against the close);
// workers instead exit on context cancellation.
func (d *Dispatcher) Shutdown() error {
	select {
	case <-d.closed:
	default:
		close(d.closed)
	}
	d.cancel()
	return d.eg.Wait()
}

// QueueDepth reports the number of Runs currently buffered, for health
// checks and tests.
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}
