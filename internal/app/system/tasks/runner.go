// internal/app/system/tasks/runner.go
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUnknownJob is returned by RunOnce for a name that was never registered.
var ErrUnknownJob = errors.New("unknown job")

// Job is a periodic background task. The first run happens after Delay
// (immediately when zero), then every Interval. A non-zero Timeout bounds
// each run.
type Job struct {
	Name     string
	Interval time.Duration
	Delay    time.Duration
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// run executes the job once. A panic becomes an error so the loop survives.
func (j Job) run(ctx context.Context) (err error) {
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", j.Name, p)
		}
	}()
	return j.Run(ctx)
}

// Runner runs each registered job on its own goroutine.
type Runner struct {
	logger *zap.Logger
	jobs   []Job
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu     sync.Mutex
	active map[string]time.Time // job name -> start of the run in progress
}

// New creates a task runner.
func New(logger *zap.Logger) *Runner {
	return &Runner{logger: logger, active: make(map[string]time.Time)}
}

// Register adds a job. Jobs registered after Start are not run.
func (r *Runner) Register(job Job) {
	r.jobs = append(r.jobs, job)
}

// Start launches every registered job.
func (r *Runner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	for _, job := range r.jobs {
		r.wg.Add(1)
		go r.loop(ctx, job)
	}
}

// Stop cancels all jobs and waits for in-flight runs until ctx is done.
// On timeout it logs the jobs still running and returns ctx.Err().
func (r *Runner) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("background task runner stopped")
		return nil
	case <-ctx.Done():
		r.logger.Warn("background task runner shutdown timed out",
			zap.Strings("jobs_still_running", r.Running()))
		return ctx.Err()
	}
}

// Running returns the names of jobs with a run in progress, sorted.
func (r *Runner) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.active))
	for name := range r.active {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Runner) loop(ctx context.Context, job Job) {
	defer r.wg.Done()

	if job.Delay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(job.Delay):
		}
	}
	r.execute(ctx, job)

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.execute(ctx, job)
		}
	}
}

func (r *Runner) execute(ctx context.Context, job Job) {
	start := time.Now()
	r.mu.Lock()
	r.active[job.Name] = start
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.active, job.Name)
		r.mu.Unlock()
	}()

	err := job.run(ctx)
	took := zap.Duration("duration", time.Since(start))
	switch {
	case err == nil:
		r.logger.Debug("job completed", zap.String("job", job.Name), took)
	case ctx.Err() != nil:
		// Shutdown, not a failure.
		r.logger.Debug("job cancelled", zap.String("job", job.Name), took)
	default:
		r.logger.Error("job failed", zap.String("job", job.Name), took, zap.Error(err))
	}
}

// RunOnce runs the named job immediately, outside its schedule.
func (r *Runner) RunOnce(ctx context.Context, name string) error {
	for _, job := range r.jobs {
		if job.Name == name {
			return job.run(ctx)
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownJob, name)
}

// Names returns the registered job names in registration order.
func (r *Runner) Names() []string {
	names := make([]string, len(r.jobs))
	for i, j := range r.jobs {
		names[i] = j.Name
	}
	return names
}
