package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zabrisket/ledgerlift/pkg/errdefs"
	"github.com/zabrisket/ledgerlift/pkg/log"
	"github.com/zabrisket/ledgerlift/pkg/metrics"
	"github.com/zabrisket/ledgerlift/pkg/types"
)

// Handler executes one job envelope. Returned errors drive the failure
// handling policy: retriable kinds reschedule, ErrJobCancelled terminates
// without retry, everything else routes to the dead queue.
type Handler interface {
	Process(ctx context.Context, envelope *types.JobEnvelope) error
}

// PoolConfig configures a worker pool.
type PoolConfig struct {
	Concurrency     int
	StarvationFloor int           // guaranteed default/low pull per N high pulls
	PollTimeout     time.Duration // blocking pop timeout
}

// Pool runs concurrent workers against the priority queues.
type Pool struct {
	dispatcher *Dispatcher
	handler    Handler
	cfg        PoolConfig

	mu         sync.Mutex
	highPulls  int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool creates a worker pool.
func NewPool(dispatcher *Dispatcher, handler Handler, cfg PoolConfig) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.StarvationFloor <= 0 {
		cfg.StarvationFloor = 4
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	return &Pool{
		dispatcher: dispatcher,
		handler:    handler,
		cfg:        cfg,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
}

// Stop signals workers to exit after their current job and waits for them.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	logger := p.dispatcher.logger

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		// Emergency stop is honored at the loop head; engaged means idle.
		stopped, err := p.dispatcher.kv.EmergencyStopped(ctx)
		if err == nil && stopped {
			select {
			case <-time.After(p.cfg.PollTimeout):
			case <-p.stopCh:
				return
			}
			continue
		}

		if err := p.dispatcher.PumpScheduled(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to pump scheduled retries")
		}

		queueName, envelope, err := p.pull(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("Queue pull failed")
			select {
			case <-time.After(p.cfg.PollTimeout):
			case <-p.stopCh:
				return
			}
			continue
		}
		if envelope == nil {
			continue
		}

		p.execute(ctx, queueName, envelope)
	}
}

// pull honors high > default > low with a bounded starvation guard: after
// StarvationFloor consecutive high-priority pulls, the next pull tries
// default and low first.
func (p *Pool) pull(ctx context.Context) (string, *types.JobEnvelope, error) {
	d := p.dispatcher
	order := []string{d.cfg.HighQueue, d.cfg.DefaultQueue, d.cfg.LowQueue}

	p.mu.Lock()
	starving := p.highPulls >= p.cfg.StarvationFloor
	p.mu.Unlock()
	if starving {
		order = []string{d.cfg.DefaultQueue, d.cfg.LowQueue, d.cfg.HighQueue}
	}

	for _, queueName := range order {
		envelope, err := d.Pop(ctx, queueName)
		if err != nil {
			return "", nil, err
		}
		if envelope != nil {
			p.account(queueName)
			return queueName, envelope, nil
		}
	}

	queueName, envelope, err := d.BlockingPop(ctx, p.cfg.PollTimeout, order...)
	if err != nil || envelope == nil {
		return "", nil, err
	}
	p.account(queueName)
	return queueName, envelope, nil
}

func (p *Pool) account(queueName string) {
	p.mu.Lock()
	if queueName == p.dispatcher.cfg.HighQueue {
		p.highPulls++
	} else {
		p.highPulls = 0
	}
	p.mu.Unlock()
}

func (p *Pool) execute(ctx context.Context, queueName string, envelope *types.JobEnvelope) {
	d := p.dispatcher
	logger := log.ForJob(envelope.JobID, envelope.DocumentID).With().Str("queue", queueName).Logger()

	metrics.WorkersBusy.WithLabelValues(queueName).Inc()
	defer metrics.WorkersBusy.WithLabelValues(queueName).Dec()

	start := time.Now()
	err := p.handler.Process(ctx, envelope)
	elapsed := time.Since(start)
	seconds := elapsed.Seconds()

	switch {
	case err == nil:
		metrics.JobDurationSeconds.WithLabelValues(queueName, "success").Observe(seconds)
		if d.progress != nil {
			snapshot := types.ProgressSnapshot{
				JobID:      envelope.JobID,
				State:      types.JobCompleted,
				Progress:   1.0,
				Message:    "Processing complete",
				Timestamp:  time.Now().UTC(),
				Duration:   &seconds,
				DocumentID: envelope.DocumentID,
			}
			if werr := d.progress.Write(ctx, snapshot); werr != nil {
				logger.Warn().Err(werr).Msg("Failed to write completed snapshot")
			}
		}
		logger.Info().Dur("duration", elapsed).Msg("Job completed")

	case errors.Is(err, errdefs.ErrJobCancelled):
		metrics.JobDurationSeconds.WithLabelValues(queueName, "cancelled").Observe(seconds)
		if d.progress != nil {
			snapshot := types.ProgressSnapshot{
				JobID:      envelope.JobID,
				State:      types.JobCancelled,
				Progress:   0.0,
				Message:    "Job cancelled",
				Timestamp:  time.Now().UTC(),
				Duration:   &seconds,
				DocumentID: envelope.DocumentID,
			}
			if werr := d.progress.Write(ctx, snapshot); werr != nil {
				logger.Warn().Err(werr).Msg("Failed to write cancelled snapshot")
			}
		}
		logger.Info().Msg("Job cancelled")

	case errdefs.IsRetriable(err):
		metrics.JobDurationSeconds.WithLabelValues(queueName, "retry").Observe(seconds)
		scheduled, rerr := d.ScheduleRetry(ctx, envelope, err.Error())
		if rerr != nil {
			logger.Error().Err(rerr).Msg("Failed to schedule retry")
		} else if !scheduled {
			logger.Error().Err(err).Msg("Retry budget exhausted")
		} else {
			logger.Warn().Err(err).Int("retry", envelope.RetryCount).Msg("Job will retry")
		}

	default:
		metrics.JobDurationSeconds.WithLabelValues(queueName, "fatal").Observe(seconds)
		if derr := d.RouteToDead(ctx, envelope, err.Error()); derr != nil {
			logger.Error().Err(derr).Msg("Failed to route job to DLQ")
		}
		logger.Error().Err(err).Msg("Fatal job error")
	}
}
