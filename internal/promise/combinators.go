package promise

import (
	"errors"
	"time"

	"github.com/asyncloop/asyncloop/internal/loop"
)

// All returns a promise that fulfills with every input's value in input
// order, or rejects with the first rejection.
func All(l *loop.Loop, promises []*Promise) *Promise {
	out, resolve, reject := New(l)
	n := len(promises)
	if n == 0 {
		resolve([]any{})
		return out
	}

	results := make([]any, n)
	remaining := n
	for i, p := range promises {
		i := i
		p.Then(func(v any) (any, error) {
			results[i] = v
			remaining--
			if remaining == 0 {
				resolve(results)
			}
			return nil, nil
		}, func(err error) (any, error) {
			reject(err)
			return nil, nil
		})
	}
	return out
}

// Race returns a promise settling with the first input to settle.
func Race(l *loop.Loop, promises []*Promise) *Promise {
	out, resolve, reject := New(l)
	if len(promises) == 0 {
		reject(&UsageError{Msg: "race of zero promises never settles"})
		return out
	}
	for _, p := range promises {
		p.Then(func(v any) (any, error) {
			resolve(v)
			return nil, nil
		}, func(err error) (any, error) {
			reject(err)
			return nil, nil
		})
	}
	return out
}

// Any returns a promise fulfilling with the first fulfillment, rejecting
// only when every input rejects.
func Any(l *loop.Loop, promises []*Promise) *Promise {
	out, resolve, reject := New(l)
	n := len(promises)
	if n == 0 {
		reject(&UsageError{Msg: "any of zero promises"})
		return out
	}

	reasons := make([]error, n)
	remaining := n
	for i, p := range promises {
		i := i
		p.Then(func(v any) (any, error) {
			resolve(v)
			return nil, nil
		}, func(err error) (any, error) {
			reasons[i] = err
			remaining--
			if remaining == 0 {
				reject(errors.Join(reasons...))
			}
			return nil, nil
		})
	}
	return out
}

// Timeout returns a promise adopting p's outcome unless d elapses first,
// in which case it rejects with a TimeoutError. The loser is not
// cancelled; wrap with a Cancellable for hard cancellation.
func Timeout(l *loop.Loop, p *Promise, d time.Duration) *Promise {
	out, resolve, reject := New(l)

	timerID := l.AddTimer(d, func() {
		reject(&TimeoutError{After: d})
	})

	p.Then(func(v any) (any, error) {
		l.CancelTimer(timerID)
		resolve(v)
		return nil, nil
	}, func(err error) (any, error) {
		l.CancelTimer(timerID)
		reject(err)
		return nil, nil
	})
	return out
}

// Task produces a promise when started. Concurrent and Batch defer calling
// tasks until a slot frees up.
type Task func() *Promise

// Concurrent runs tasks with at most limit in flight, fulfilling with the
// results in task order or rejecting on the first rejection.
func Concurrent(l *loop.Loop, tasks []Task, limit int) *Promise {
	out, resolve, reject := New(l)
	n := len(tasks)
	if n == 0 {
		resolve([]any{})
		return out
	}
	if limit <= 0 {
		limit = 1
	}

	results := make([]any, n)
	var (
		next      int
		remaining = n
		failed    bool
	)

	var launch func()
	launch = func() {
		if failed || next >= n {
			return
		}
		i := next
		next++
		tasks[i]().Then(func(v any) (any, error) {
			results[i] = v
			remaining--
			if remaining == 0 {
				resolve(results)
				return nil, nil
			}
			launch()
			return nil, nil
		}, func(err error) (any, error) {
			failed = true
			reject(err)
			return nil, nil
		})
	}

	for i := 0; i < limit && i < n; i++ {
		launch()
	}
	return out
}

// Batch runs tasks in chunks of batchSize, each chunk bounded by
// concurrency (defaulting to the batch size), fulfilling with all results
// in task order.
func Batch(l *loop.Loop, tasks []Task, batchSize, concurrency int) *Promise {
	out, resolve, reject := New(l)
	if len(tasks) == 0 {
		resolve([]any{})
		return out
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	if concurrency <= 0 {
		concurrency = batchSize
	}

	var (
		results []any
		runFrom func(int)
	)
	runFrom = func(start int) {
		if start >= len(tasks) {
			resolve(results)
			return
		}
		end := start + batchSize
		if end > len(tasks) {
			end = len(tasks)
		}
		Concurrent(l, tasks[start:end], concurrency).Then(func(v any) (any, error) {
			results = append(results, v.([]any)...)
			runFrom(end)
			return nil, nil
		}, func(err error) (any, error) {
			reject(err)
			return nil, nil
		})
	}
	runFrom(0)
	return out
}
