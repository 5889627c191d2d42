package resilience

import (
	"context"
	"fmt"
	"time"
)

// WithTimeout runs fn under a deadline. A timeout of zero or less disables
// the deadline entirely. The named operation appears in the error so log
// lines identify which bounded call overran.
//
// fn is expected to honor its context; WithTimeout returns as soon as the
// deadline passes even if fn is still running, so fn must not write to
// shared state after its context is done.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	bounded, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- fn(bounded) }()

	select {
	case err := <-errc:
		return err
	case <-bounded.Done():
		if parentErr := ctx.Err(); parentErr != nil {
			return fmt.Errorf("%s cancelled: %w", name, parentErr)
		}
		return fmt.Errorf("%s exceeded %v: %w", name, timeout, context.DeadlineExceeded)
	}
}
