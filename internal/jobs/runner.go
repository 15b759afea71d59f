package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/newsloom/internal/db"
	"horse.fit/newsloom/internal/globaltime"
)

type Store interface {
	ClaimJob(ctx context.Context, kinds []string, now time.Time, lease time.Duration) (db.JobRow, bool, error)
	CompleteJob(ctx context.Context, jobID string) error
	RetryJob(ctx context.Context, jobID string, runAt time.Time, cause string) error
	FailJob(ctx context.Context, jobID string, cause string) error
}

type Handler func(ctx context.Context, job Job) error

// FailureHook observes every failed attempt. final is true when the job will
// not be retried.
type FailureHook func(ctx context.Context, job Job, err error, final bool)

type RunnerOptions struct {
	Concurrency int
	Lease       time.Duration
	IdleWait    time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Logger      zerolog.Logger
}

// Runner claims jobs and dispatches them to handlers by kind.
type Runner struct {
	store    Store
	opts     RunnerOptions
	logger   zerolog.Logger
	handlers map[string]Handler
	hooks    map[string]FailureHook
}

func NewRunner(store Store, opts RunnerOptions) *Runner {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Lease <= 0 {
		opts.Lease = 5 * time.Minute
	}
	if opts.IdleWait <= 0 {
		opts.IdleWait = 2 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 30 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Minute
	}
	return &Runner{
		store:    store,
		opts:     opts,
		logger:   opts.Logger,
		handlers: make(map[string]Handler),
		hooks:    make(map[string]FailureHook),
	}
}

// Handle registers the handler for kind. Register before Run.
func (r *Runner) Handle(kind string, h Handler) {
	r.handlers[kind] = h
}

// OnFailure registers a failure hook for kind. Register before Run.
func (r *Runner) OnFailure(kind string, hook FailureHook) {
	r.hooks[kind] = hook
}

func (r *Runner) kinds() []string {
	kinds := make([]string, 0, len(r.handlers))
	for kind := range r.handlers {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Run processes jobs with Concurrency workers until ctx is canceled.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.handlers) == 0 {
		return fmt.Errorf("no job handlers registered")
	}
	r.logger.Info().Int("concurrency", r.opts.Concurrency).Strs("kinds", r.kinds()).Msg("job runner started")

	var wg sync.WaitGroup
	for i := 0; i < r.opts.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r.loop(ctx, worker)
		}(i)
	}
	wg.Wait()
	r.logger.Info().Msg("job runner stopped")
	return nil
}

func (r *Runner) loop(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}
		ran, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Int("worker", worker).Msg("job runner iteration failed")
		}
		if ran {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.opts.IdleWait):
		}
	}
}

// RunOnce claims and processes at most one job. It reports whether a job was
// claimed.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	row, ok, err := r.store.ClaimJob(ctx, r.kinds(), globaltime.UTC(), r.opts.Lease)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	job := Job{
		ID:          row.JobID,
		Kind:        row.Kind,
		Payload:     row.Payload,
		Attempts:    row.Attempts,
		MaxAttempts: row.MaxAttempts,
	}
	log := r.logger.With().Str("job_id", job.ID).Str("kind", job.Kind).Int("attempt", job.Attempts).Logger()

	started := time.Now()
	err = r.dispatch(ctx, job)
	duration := time.Since(started)
	// Job state is settled even when ctx was canceled mid-job.
	settleCtx := context.WithoutCancel(ctx)

	if err == nil {
		log.Debug().Dur("duration", duration).Msg("job succeeded")
		return true, r.store.CompleteJob(settleCtx, job.ID)
	}

	final := IsPermanent(err) || job.Attempts >= job.MaxAttempts
	if hook, ok := r.hooks[job.Kind]; ok {
		hook(settleCtx, job, err, final)
	}
	if final {
		log.Error().Err(err).Dur("duration", duration).Msg("job failed")
		return true, r.store.FailJob(settleCtx, job.ID, err.Error())
	}

	delay := Backoff(job.Attempts, r.opts.BackoffBase, r.opts.BackoffMax)
	log.Warn().Err(err).Dur("retry_in", delay).Msg("job attempt failed")
	return true, r.store.RetryJob(settleCtx, job.ID, globaltime.UTC().Add(delay), err.Error())
}

func (r *Runner) dispatch(ctx context.Context, job Job) (err error) {
	handler, ok := r.handlers[job.Kind]
	if !ok {
		return Permanent(fmt.Errorf("no handler for job kind %q", job.Kind))
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = Permanent(fmt.Errorf("job handler panic: %v", rec))
		}
	}()
	err = handler(ctx, job)
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return fmt.Errorf("job interrupted by shutdown: %w", err)
	}
	return err
}

// Backoff is base*2^(attempt-1), capped at ceiling.
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}
