package videoproc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrPoolClosed is returned by Transcode after Shutdown.
var ErrPoolClosed = errors.New("transcode pool is shut down")

var (
	transcodeJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sp_transcode_jobs_total",
		Help: "Video transcode jobs by outcome",
	}, []string{"result"})

	transcodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sp_transcode_duration_seconds",
		Help:    "Wall time of video transcode jobs",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	})

	transcodeQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sp_transcode_queue_depth",
		Help: "Transcode jobs waiting for a worker",
	})
)

// Stripper is the work a pool worker performs.
type Stripper interface {
	StripAudio(ctx context.Context, data []byte, dest string) (*Result, error)
}

// job is one queued transcode.
type job struct {
	ctx   context.Context
	data  []byte
	dest  string
	reply chan reply
}

type reply struct {
	result *Result
	err    error
}

// Pool runs transcodes on a fixed set of workers so long ffmpeg runs never
// pile up beyond the configured concurrency.
type Pool struct {
	workers  int
	stripper Stripper
	jobs     chan job
	wg       sync.WaitGroup
	// mu guards closed and keeps senders out of a closed jobs channel
	mu     sync.RWMutex
	closed bool
	logger *slog.Logger
}

// NewPool creates a pool with the given number of workers and a queue of
// twice that size. Call Start to launch the workers.
func NewPool(workers int, stripper Stripper, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		workers:  workers,
		stripper: stripper,
		jobs:     make(chan job, workers*2),
		logger:   logger.With(slog.String("component", "transcode_pool")),
	}
}

// Workers returns the configured concurrency.
func (p *Pool) Workers() int {
	return p.workers
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("Transcode pool started", slog.Int("workers", p.workers))
}

// Transcode queues a job and waits for its result. It blocks while the
// queue is full. ctx only bounds the wait for a queue slot and the check a
// worker makes before starting; a job that has started runs to completion
// or timeout, and its result is always awaited so dest is never written
// after Transcode returns.
func (p *Pool) Transcode(ctx context.Context, data []byte, dest string) (*Result, error) {
	j := job{ctx: ctx, data: data, dest: dest, reply: make(chan reply, 1)}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	transcodeQueueDepth.Inc()
	select {
	case p.jobs <- j:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		transcodeQueueDepth.Dec()
		return nil, fmt.Errorf("waiting for transcode slot: %w", ctx.Err())
	}

	r := <-j.reply
	return r.result, r.err
}

// Shutdown stops accepting jobs, lets queued and running jobs finish and
// waits for the workers to exit. Safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Transcode pool stopped")
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for j := range p.jobs {
		transcodeQueueDepth.Dec()
		p.process(id, j)
	}
}

func (p *Pool) process(workerID int, j job) {
	if err := j.ctx.Err(); err != nil {
		transcodeJobsTotal.WithLabelValues("cancelled").Inc()
		j.reply <- reply{err: fmt.Errorf("transcode cancelled before start: %w", err)}
		return
	}

	start := time.Now()
	// the request context must not cut a running ffmpeg short
	res, err := p.stripper.StripAudio(context.WithoutCancel(j.ctx), j.data, j.dest)
	transcodeDuration.Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		transcodeJobsTotal.WithLabelValues("error").Inc()
		p.logger.Error("Transcode failed",
			slog.Int("worker_id", workerID),
			slog.String("error", err.Error()),
		)
	case res.Fallback:
		transcodeJobsTotal.WithLabelValues("fallback").Inc()
	default:
		transcodeJobsTotal.WithLabelValues("success").Inc()
	}

	j.reply <- reply{result: res, err: err}
}
