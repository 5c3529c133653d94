package worker

import (
	"context"
	"time"
)

// Task is one unit of work handed to the pool.
type Task struct {
	ID  string                    // agent type being run
	Run func(ctx context.Context) // owns its own error handling
}

// Result describes a finished task.
type Result struct {
	TaskID   string        // agent type that ran
	WorkerID int           // worker that ran it
	Panic    any           // recovered panic value, if any
	Duration time.Duration // wall time spent in Run
}
