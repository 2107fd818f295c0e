package resilience

import (
	"context"
	"time"
)

type hedgeResult[T any] struct {
	value T
	err   error
}

// Hedge runs primary, and starts secondary after delay elapses without a
// primary result (or immediately if delay is zero). It returns whichever
// call completes successfully first; if both fail, the primary's error wins
// unless primary fails before delay elapses and secondary also fails, in
// which case the primary's error still wins since it observed the failure
// first.
func Hedge[T any](ctx context.Context, primary, secondary func(context.Context) (T, error), delay time.Duration) (T, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	primaryCh := make(chan hedgeResult[T], 1)
	go func() {
		v, err := primary(ctx)
		primaryCh <- hedgeResult[T]{v, err}
	}()

	var zero T
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case r := <-primaryCh:
		if r.err == nil {
			return r.value, nil
		}
		return runSecondaryAfterPrimaryFailure(ctx, secondary, r.err)
	case <-timer.C:
	case <-ctx.Done():
		select {
		case r := <-primaryCh:
			return r.value, r.err
		default:
			return zero, ctx.Err()
		}
	}

	secondaryCh := make(chan hedgeResult[T], 1)
	go func() {
		v, err := secondary(ctx)
		secondaryCh <- hedgeResult[T]{v, err}
	}()

	select {
	case r := <-primaryCh:
		if r.err == nil {
			return r.value, nil
		}
		// Primary failed after secondary already started: whichever of the
		// two succeeds first wins.
		select {
		case s := <-secondaryCh:
			if s.err == nil {
				return s.value, nil
			}
			return zero, r.err
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	case s := <-secondaryCh:
		if s.err == nil {
			return s.value, nil
		}
		// Secondary failed; wait for the primary's outcome.
		r := <-primaryCh
		if r.err == nil {
			return r.value, nil
		}
		return zero, r.err
	}
}

func runSecondaryAfterPrimaryFailure[T any](ctx context.Context, secondary func(context.Context) (T, error), primaryErr error) (T, error) {
	var zero T
	v, err := secondary(ctx)
	if err == nil {
		return v, nil
	}
	return zero, primaryErr
}
