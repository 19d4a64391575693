package phase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/msageha/conductor/internal/model"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker opens after threshold consecutive failures. Once cooldown has
// passed it half-opens: the next failure reopens it, a success closes it.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	state     BreakerState
	openedAt  time.Time
	now       func() time.Time
}

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     BreakerClosed,
		now:       time.Now,
	}
}

// Allow returns ErrCircuitOpen while the breaker is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.state = BreakerHalfOpen
		return nil
	default:
		return nil
	}
}

func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.failures = 0
		b.state = BreakerClosed
		return
	}
	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Resilient retries an adapter's transient errors with exponential backoff
// behind a circuit breaker. Unsuccessful results are not errors and are
// returned as-is.
type Resilient struct {
	inner      Adapter
	breaker    *Breaker
	newBackOff func() backoff.BackOff
	logger     *zap.SugaredLogger
}

// NewResilient wraps a with the retry and breaker settings from cfg.
func NewResilient(a Adapter, cfg model.Config, logger *zap.SugaredLogger) *Resilient {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	retry := cfg.Retry
	return &Resilient{
		inner:   a,
		breaker: NewBreaker(cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown()),
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = time.Duration(retry.BackoffInitialMs) * time.Millisecond
			bo.MaxInterval = time.Duration(retry.BackoffMaxMs) * time.Millisecond
			bo.MaxElapsedTime = time.Duration(retry.BackoffMaxElapsed) * time.Second
			return backoff.WithMaxRetries(bo, uint64(retry.MaxRetries))
		},
		logger: logger.Named("phase"),
	}
}

func (r *Resilient) Name() string { return r.inner.Name() }

func (r *Resilient) Breaker() *Breaker { return r.breaker }

// Unwrap returns the wrapped adapter.
func (r *Resilient) Unwrap() Adapter { return r.inner }

func (r *Resilient) Execute(ctx context.Context, st *model.PipelineState, tc TaskContext) (Result, error) {
	if err := r.breaker.Allow(); err != nil {
		return Result{}, fmt.Errorf("phase %s: %w", r.Name(), err)
	}

	var res Result
	attempt := 0
	op := func() error {
		attempt++
		var err error
		res, err = r.call(ctx, st, tc)
		if err == nil {
			return nil
		}
		var unknown *UnknownToolsError
		if errors.Is(err, ErrValidation) || errors.As(err, &unknown) || errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		r.logger.Warnf("phase_retry phase=%s attempt=%d error=%v", r.Name(), attempt, err)
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(r.newBackOff(), ctx))

	// validation and unknown-tool failures do not count against the breaker
	var unknown *UnknownToolsError
	if !errors.Is(err, ErrValidation) && !errors.As(err, &unknown) {
		r.breaker.Record(err)
	}
	if err != nil && r.breaker.State() == BreakerOpen {
		r.logger.Errorf("circuit_opened phase=%s error=%v", r.Name(), err)
	}
	return res, err
}

func (r *Resilient) call(ctx context.Context, st *model.PipelineState, tc TaskContext) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = backoff.Permanent(fmt.Errorf("phase %s panicked: %v", r.Name(), p))
		}
	}()
	return r.inner.Execute(ctx, st, tc)
}
