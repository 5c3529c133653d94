package worker

import (
	"context"
	"log/slog"
	"time"

	"go.uber.org/atomic"
)

// Worker pulls tasks off the shared queue until it is closed.
type Worker struct {
	id     int
	taskCh <-chan Task
	busy   *atomic.Int64
	done   func(Result)
}

func newWorker(id int, taskCh <-chan Task, busy *atomic.Int64, done func(Result)) *Worker {
	return &Worker{id: id, taskCh: taskCh, busy: busy, done: done}
}

// Run is the worker loop. It returns once taskCh is closed and drained.
func (w *Worker) Run(ctx context.Context) {
	for task := range w.taskCh {
		w.done(w.execute(ctx, task))
	}
}

// execute runs one task. A panic is recovered and reported in Result.Panic.
func (w *Worker) execute(ctx context.Context, task Task) (result Result) {
	start := time.Now()
	result = Result{TaskID: task.ID, WorkerID: w.id}
	w.busy.Inc()

	defer func() {
		w.busy.Dec()
		if r := recover(); r != nil {
			slog.Error("Worker task panicked", "worker", w.id, "task", task.ID, "panic", r)
			result.Panic = r
		}
		result.Duration = time.Since(start)
	}()

	task.Run(ctx)
	return result
}
