package promise

import "fmt"

// All rejects on the first rejection; otherwise fulfills with a []any
// preserving input order. Empty input fulfills with an empty slice.
func All(sched Scheduler, xs []*Promise) *Promise {
	if len(xs) == 0 {
		return Resolve(sched, []any{})
	}
	return New(sched, func(resolve func(any), reject func(error)) {
		results := make([]any, len(xs))
		remaining := len(xs)
		done := false
		for i, x := range xs {
			x.Then(
				func(v any) (any, error) {
					if done {
						return nil, nil
					}
					results[i] = v
					remaining--
					if remaining == 0 {
						done = true
						resolve(results)
					}
					return nil, nil
				},
				func(err error) (any, error) {
					if done {
						return nil, nil
					}
					done = true
					reject(err)
					return nil, nil
				},
			)
		}
	})
}

// AggregateError collects every rejection reason for Any().
type AggregateError struct {
	Reasons []error
}

func (e *AggregateError) Error() string {
	return fmt.Sprintf("all %d promises rejected", len(e.Reasons))
}

// Any fulfills with the first fulfillment; rejects with an AggregateError
// once every input has rejected. Empty input rejects immediately.
func Any(sched Scheduler, xs []*Promise) *Promise {
	if len(xs) == 0 {
		return Reject(sched, &AggregateError{})
	}
	return New(sched, func(resolve func(any), reject func(error)) {
		reasons := make([]error, len(xs))
		remaining := len(xs)
		done := false
		for i, x := range xs {
			x.Then(
				func(v any) (any, error) {
					if done {
						return nil, nil
					}
					done = true
					resolve(v)
					return nil, nil
				},
				func(err error) (any, error) {
					if done {
						return nil, nil
					}
					reasons[i] = err
					remaining--
					if remaining == 0 {
						done = true
						reject(&AggregateError{Reasons: reasons})
					}
					return nil, nil
				},
			)
		}
	})
}

// Race adopts the first settlement (fulfilled or rejected). Empty input
// stays pending forever.
func Race(sched Scheduler, xs []*Promise) *Promise {
	return New(sched, func(resolve func(any), reject func(error)) {
		done := false
		for _, x := range xs {
			x.Then(
				func(v any) (any, error) {
					if done {
						return nil, nil
					}
					done = true
					resolve(v)
					return nil, nil
				},
				func(err error) (any, error) {
					if done {
						return nil, nil
					}
					done = true
					reject(err)
					return nil, nil
				},
			)
		}
	})
}

// Task is a thunk that produces a promise when invoked. Batch invokes tasks
// lazily, one slice at a time.
type Task func() *Promise

// Batch invokes tasks in slices of batchSize. Within a slice, up to
// concurrency (default batchSize when <= 0) run concurrently; slices run
// sequentially; results preserve input order; the first rejection cancels
// the batch (outstanding promises in the current slice are cancelled where
// cancellable, and no further slices are started).
func Batch(sched Scheduler, tasks []Task, batchSize int, concurrency int) *Promise {
	if batchSize <= 0 {
		batchSize = 1
	}
	if concurrency <= 0 {
		concurrency = batchSize
	}

	return New(sched, func(resolve func(any), reject func(error)) {
		results := make([]any, len(tasks))
		rejected := false

		var runSlice func(start int)
		runSlice = func(start int) {
			if rejected {
				return
			}
			if start >= len(tasks) {
				resolve(results)
				return
			}
			end := start + batchSize
			if end > len(tasks) {
				end = len(tasks)
			}
			runWindow(sched, tasks, results, start, end, concurrency, func(err error) {
				if err != nil {
					if !rejected {
						rejected = true
						reject(err)
					}
					return
				}
				runSlice(end)
			})
		}
		runSlice(0)
	})
}

// runWindow runs tasks[lo:hi] with at most `concurrency` in flight, writing
// each result into results[i] (index relative to the full task list), and
// calls done(nil) once every task in the window has fulfilled, or
// done(err) on the first rejection.
func runWindow(sched Scheduler, tasks []Task, results []any, lo, hi, concurrency int, done func(error)) {
	total := hi - lo
	if total == 0 {
		done(nil)
		return
	}

	next := lo
	remaining := total
	failed := false
	var started []*Promise

	var startOne func()
	startOne = func() {
		if failed || next >= hi {
			return
		}
		i := next
		next++
		p := tasks[i]()
		started = append(started, p)
		p.Then(
			func(v any) (any, error) {
				if failed {
					return nil, nil
				}
				results[i] = v
				remaining--
				if remaining == 0 {
					done(nil)
					return nil, nil
				}
				startOne()
				return nil, nil
			},
			func(err error) (any, error) {
				if !failed {
					failed = true
					for _, sp := range started {
						if sp.State() == Pending {
							sp.Cancel()
						}
					}
					done(err)
				}
				return nil, nil
			},
		)
	}

	inFlight := concurrency
	if inFlight > total {
		inFlight = total
	}
	for i := 0; i < inFlight; i++ {
		startOne()
	}
}
