// Package commandqueue runs tasks on named lanes with FIFO ordering per lane.
//
// Tasks on the same lane never overlap when the lane concurrency is 1, which
// is how the query controller serializes command drains for one query. Tasks
// on different lanes run concurrently.
//
// Usage:
//
//	queue := commandqueue.New(logger)
//	defer queue.Close()
//	result, err := queue.Enqueue(ctx, "drain:q1", func(ctx context.Context) (any, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
