package analyses

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

type settled[T any] struct {
	Value T
	Err   error
}

// settleAll runs fn for every index concurrently and waits for all of them.
// Tasks never cancel each other: a failure or panic is captured in its own
// slot and siblings keep running.
func settleAll[T any](ctx context.Context, n int, fn func(ctx context.Context, i int) (T, error)) []settled[T] {
	out := make([]settled[T], n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					out[i] = settled[T]{Err: fmt.Errorf("panic: %v", r)}
				}
			}()
			v, err := fn(ctx, i)
			out[i] = settled[T]{Value: v, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
