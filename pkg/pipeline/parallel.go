package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/harunnryd/holorelay/pkg/errorsx"
)

// Gather runs calls concurrently and returns their results in call order.
// The first error cancels the shared context and is returned once every call
// has finished. A panicking call fails with reason internal.
func Gather[T any](ctx context.Context, calls ...func(ctx context.Context) (T, error)) ([]T, error) {
	out := make([]T, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = errorsx.Errorf(errorsx.ReasonInternal, "panic in call %d: %v", i, p)
				}
			}()
			v, err := call(gctx)
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
