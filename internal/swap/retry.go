package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the exponential backoff applied to transient adapter
// errors.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxRetries      uint64 // retries after the first attempt
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		MaxRetries:      5,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// callAdapter runs one adapter leg under the retry policy. Retries stop as
// soon as the swap's status moves away from s.Status. Exhausted retries
// become a permanent AdapterError wrapping ErrRetriesExhausted.
func (e *Engine) callAdapter(ctx context.Context, s *SwapOperation, chain, op string, call func(context.Context) (*TxReceipt, error)) (*TxReceipt, error) {
	var last error
	attempt := 0

	operation := func() (*TxReceipt, error) {
		if attempt > 0 {
			cur, err := e.repo.GetByID(ctx, s.ID)
			if err == nil && cur.Status != s.Status {
				return nil, backoff.Permanent(errStatusChanged)
			}
		}
		attempt++

		rcpt, err := call(ctx)
		if err == nil && rcpt == nil {
			err = NewPermanentAdapterError(chain, op, errors.New("adapter returned no receipt"))
		}
		if err != nil {
			if IsPermanent(err) {
				return nil, backoff.Permanent(err)
			}
			last = err
			return nil, err
		}
		return rcpt, nil
	}

	notify := func(err error, wait time.Duration) {
		e.rec.AdapterRetry(chain, op)
		e.log.Warn("Adapter call failed, retrying",
			"swap_id", s.ID, "chain", chain, "op", op, "attempt", attempt, "wait", wait, "error", err)
	}

	rcpt, err := backoff.RetryNotifyWithData(operation, e.retry.backOff(ctx), notify)
	switch {
	case err == nil:
		return rcpt, nil
	case errors.Is(err, errStatusChanged), IsPermanent(err):
		return nil, err
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		if last == nil {
			last = err
		}
		return nil, NewPermanentAdapterError(chain, op, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempt, last))
	}
}
