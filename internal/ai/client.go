package ai

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"horse.fit/newsloom/internal/db"
	"horse.fit/newsloom/internal/entitlement"
)

// CallRecorder persists one row per provider call.
type CallRecorder interface {
	InsertAICall(ctx context.Context, call db.AICallParams) error
}

// ClientOptions wires a Client.
type ClientOptions struct {
	Budget        *entitlement.Budget
	Recorder      CallRecorder
	MaxConcurrent int
	Timeout       time.Duration
	Logger        zerolog.Logger
}

// Client guards a provider with a per-account daily call budget and a
// process-wide concurrency limit. A nil *Client is a disabled client.
type Client struct {
	provider Provider
	budget   *entitlement.Budget
	recorder CallRecorder
	sem      *semaphore.Weighted
	timeout  time.Duration
	logger   zerolog.Logger
}

func NewClient(provider Provider, opts ClientOptions) *Client {
	if provider == nil {
		return nil
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		provider: provider,
		budget:   opts.Budget,
		recorder: opts.Recorder,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		timeout:  timeout,
		logger:   opts.Logger,
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.provider != nil
}

// Complete runs one call charged to accountID. dailyCap <= 0 leaves the
// account uncapped. Budget exhaustion and a disabled client come back as
// tagged completions, like provider failures.
func (c *Client) Complete(ctx context.Context, accountID int64, dailyCap int, req Request) Completion {
	started := time.Now()
	if !c.Enabled() {
		return failed("", "", TagDisabled, started)
	}

	var reservation entitlement.Reservation
	if c.budget != nil {
		r, err := c.budget.Reserve(ctx, accountID, entitlement.Plan{DailyItemCap: dailyCap}, 1)
		if err != nil {
			c.logger.Warn().Err(err).Int64("account_id", accountID).Msg("reserve ai budget failed")
			return failed(c.provider.Name(), c.provider.Model(), TagBudgetExhausted, started)
		}
		if r.Granted < 1 {
			return failed(c.provider.Name(), c.provider.Model(), TagBudgetExhausted, started)
		}
		reservation = r
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.settle(ctx, reservation, false)
		return failed(c.provider.Name(), c.provider.Model(), transportTag(ctx, err), started)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	completion := c.provider.Complete(callCtx, req)
	cancel()
	c.sem.Release(1)

	c.settle(ctx, reservation, !completion.Failed())
	c.record(ctx, accountID, req.Purpose, completion)

	event := c.logger.Debug()
	if completion.Failed() {
		event = c.logger.Warn().Str("error_tag", completion.ErrorTag)
	}
	event.
		Int64("account_id", accountID).
		Str("purpose", req.Purpose).
		Str("provider", completion.Provider).
		Str("model", completion.Model).
		Int64("duration_ms", completion.DurationMs).
		Msg("ai call")

	return completion
}

// settle charges a successful call and releases the slot of a failed one.
func (c *Client) settle(ctx context.Context, r entitlement.Reservation, success bool) {
	if c.budget == nil || (r.Granted == 0 && !r.Unlimited) {
		return
	}
	consumed := 0
	if success {
		consumed = 1
	}
	if err := c.budget.Commit(context.WithoutCancel(ctx), r, consumed); err != nil {
		c.logger.Warn().Err(err).Int64("account_id", r.AccountID).Msg("settle ai budget failed")
	}
}

func (c *Client) record(ctx context.Context, accountID int64, purpose string, completion Completion) {
	if c.recorder == nil {
		return
	}
	var tag *string
	if completion.ErrorTag != "" {
		t := completion.ErrorTag
		tag = &t
	}
	err := c.recorder.InsertAICall(context.WithoutCancel(ctx), db.AICallParams{
		AccountID:    accountID,
		Purpose:      purpose,
		Provider:     completion.Provider,
		Model:        completion.Model,
		InputTokens:  int64(completion.InputTokens),
		OutputTokens: int64(completion.OutputTokens),
		DurationMS:   completion.DurationMs,
		ErrorTag:     tag,
	})
	if err != nil {
		c.logger.Warn().Err(err).Int64("account_id", accountID).Msg("record ai call failed")
	}
}
