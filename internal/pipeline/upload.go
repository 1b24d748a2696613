package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/IvanLi-CN/televy-backup/internal/provider"
	"github.com/IvanLi-CN/televy-backup/internal/telemetry"
)

// uploadJob is one novel chunk discovered by the scanner that must be
// encrypted and uploaded before any file referencing it can be recorded.
type uploadJob struct {
	chunkHash string
	data      []byte
}

// uploadPool drains jobs with workerCount concurrent workers, each
// rate-limited and retried, feeding acknowledged chunks into the shared
// packManager. Workers report their first failure through errOnce and
// keep draining the queue after a failure, so Close/Wait always terminate.
type uploadPool struct {
	jobs        chan uploadJob
	workerCount int
	rateLimiter *provider.RateLimiter
	backoff     provider.BackoffPolicy
	pm          *packManager
	stats       *runStats
	metrics     *telemetry.Metrics

	wg       sync.WaitGroup
	errOnce  sync.Once
	firstErr error
}

func newUploadPool(queueDepth, workerCount int, rl *provider.RateLimiter, backoff provider.BackoffPolicy, pm *packManager, stats *runStats, metrics *telemetry.Metrics) *uploadPool {
	return &uploadPool{
		jobs:        make(chan uploadJob, queueDepth),
		workerCount: workerCount,
		rateLimiter: rl,
		backoff:     backoff,
		pm:          pm,
		stats:       stats,
		metrics:     metrics,
	}
}

// Start launches the worker goroutines. Callers must call Wait after the
// producer has finished sending jobs and closed the channel (via Close).
func (p *uploadPool) Start(ctx context.Context) {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *uploadPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for job := range p.jobs {
		err := withRetry(ctx, p.backoff, p.metrics, func() error {
			waitStart := time.Now()
			release, acqErr := p.rateLimiter.Acquire(ctx)
			if acqErr != nil {
				return acqErr
			}
			defer release()
			if p.metrics != nil {
				p.metrics.RateLimiterWaitTime.Observe(time.Since(waitStart).Seconds())
			}
			return p.pm.AddChunk(ctx, job.chunkHash, job.data)
		})
		if err != nil {
			p.recordErr(err)
			continue
		}
		p.stats.bytesUploaded.Add(int64(len(job.data)))
	}
}

func (p *uploadPool) recordErr(err error) {
	p.errOnce.Do(func() { p.firstErr = err })
}

// Enqueue blocks until a slot is free in the bounded queue or ctx is
// cancelled — the scan phase's backpressure.
func (p *uploadPool) Enqueue(ctx context.Context, job uploadJob) error {
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close signals no more jobs will be enqueued; Wait then blocks until
// every worker has drained the queue.
func (p *uploadPool) Close() { close(p.jobs) }

// Wait blocks until every worker has exited and returns the first error
// any worker encountered, if any.
func (p *uploadPool) Wait() error {
	p.wg.Wait()
	return p.firstErr
}
