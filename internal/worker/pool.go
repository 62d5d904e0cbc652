// Package worker provides a keyed worker pool. Work items that share a
// key are always handled by the same worker, in submission order; items
// with different keys run concurrently.
package worker

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pool processes work items of type T on a fixed set of goroutines.
type Pool[T any] struct {
	// Configuration
	workers   int
	queueSize int
	processor func(context.Context, T) error
	key       func(T) string

	// Runtime state
	queues  []chan T
	metrics *Metrics
	wg      sync.WaitGroup
	next    atomic.Uint64

	// Lifecycle management
	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	// Statistics
	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	// Metrics configuration
	registerer    prometheus.Registerer
	metricsPrefix string
}

// Metrics holds Prometheus metrics for worker pool monitoring.
type Metrics struct {
	queueDepth     prometheus.GaugeFunc
	submitted      prometheus.Counter
	processed      prometheus.Counter
	failed         prometheus.Counter
	dropped        prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithKey routes every item to the worker selected by key(item). Without
// a key function items are spread round-robin and carry no ordering
// guarantee.
func WithKey[T any](key func(T) string) Option[T] {
	return func(p *Pool[T]) { p.key = key }
}

// WithMetrics registers pool metrics named prefix_* with reg.
func WithMetrics[T any](reg prometheus.Registerer, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.registerer = reg
		p.metricsPrefix = prefix
	}
}

// NewPool creates a pool of workers, each with its own queue of
// queueSize items.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		queues:    make([]chan T, workers),
	}
	for i := range p.queues {
		p.queues[i] = make(chan T, queueSize)
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.registerer != nil && p.metricsPrefix != "" {
		p.initializeMetrics()
	}

	return p
}

func (p *Pool[T]) initializeMetrics() {
	prefix := p.metricsPrefix

	m := &Metrics{
		queueDepth: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: prefix + "_queue_depth",
			Help: "Work items waiting across all worker queues",
		}, func() float64 { return float64(p.queueDepth()) }),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_submitted_total",
			Help: "Total work items submitted",
		}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_processed_total",
			Help: "Total work items processed",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_failed_total",
			Help: "Total work items that failed processing",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_dropped_total",
			Help: "Total work items dropped due to a full queue",
		}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_processing_duration_seconds",
			Help:    "Time spent processing work items",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
		}, []string{"status"}),
	}

	p.registerer.MustRegister(m.queueDepth, m.submitted, m.processed, m.failed, m.dropped, m.processingTime)
	p.metrics = m
}

// Submit queues work without blocking. It returns [ErrQueueFull] when
// the selected worker's queue is at capacity.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.queues[p.shard(work)] <- work:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
		}
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// shard picks the queue for work.
func (p *Pool[T]) shard(work T) int {
	if p.key == nil {
		return int(p.next.Add(1) % uint64(p.workers))
	}
	h := fnv.New32a()
	h.Write([]byte(p.key(work)))
	return int(h.Sum32() % uint32(p.workers))
}

// Start launches the workers. They exit when ctx is cancelled or after
// [Pool.Stop] has drained the queues.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, p.queues[i])
	}

	p.started = true
	return nil
}

// Stop stops accepting work and waits up to timeout for queued items
// to be processed.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}
	p.stopped = true

	for _, q := range p.queues {
		close(q)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: p.queueDepth(),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// PoolStats represents worker pool statistics.
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) queueDepth() int {
	n := 0
	for _, q := range p.queues {
		n += len(q)
	}
	return n
}

// worker processes items from its queue until the queue is closed and
// drained or ctx is cancelled.
func (p *Pool[T]) worker(ctx context.Context, queue <-chan T) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-queue:
			if !ok {
				return
			}

			start := time.Now()
			err := p.processor(ctx, work)
			duration := time.Since(start)

			p.processed.Add(1)
			if err != nil {
				p.failed.Add(1)
			}

			if p.metrics != nil {
				p.metrics.processed.Inc()
				status := "success"
				if err != nil {
					p.metrics.failed.Inc()
					status = "error"
				}
				p.metrics.processingTime.WithLabelValues(status).Observe(duration.Seconds())
			}
		}
	}
}
