// Package fanout runs independent branches concurrently and waits for all of
// them, collecting each branch's outcome.
package fanout

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Task is one independent branch of a fan-out.
type Task func(ctx context.Context) error

// Settle runs every task concurrently and blocks until all have returned.
// A failing or panicking task neither cancels nor delays its siblings.
// limit > 0 bounds the number of tasks running at once.
//
// Postcondition: The returned slice has one entry per task, in task order;
// nil marks success.
func Settle(ctx context.Context, limit int, tasks ...Task) []error {
	errs := make([]error, len(tasks))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, task := range tasks {
		g.Go(func() error {
			errs[i] = run(ctx, task)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func run(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return task(ctx)
}

// Join combines the non-nil outcomes of a Settle call, or returns nil.
func Join(errs []error) error {
	return errors.Join(errs...)
}

// Failed counts the failed branches.
func Failed(errs []error) int {
	n := 0
	for _, err := range errs {
		if err != nil {
			n++
		}
	}
	return n
}
