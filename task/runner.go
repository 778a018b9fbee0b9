package task

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"mediajobs/progress"
)

var (
	errCancelledByUser = errors.New("cancelled by user")
	errShutdown        = errors.New("service shutting down")
	errUnresponsive    = errors.New("worker did not stop after cancellation")
)

// killAllowance is added to the cancel grace period to let a forced kill land.
const killAllowance = time.Second

// runner drives one job through its states using the worker.
type runner struct {
	registry *Registry
	worker   Worker
	timeout  time.Duration
	grace    time.Duration
}

// lineState is the per-job memory used to carry rate and ETA forward between
// output lines.
type lineState struct {
	mu          sync.Mutex
	rate        string
	eta         string
	position    time.Duration
	destination string
}

func (r *runner) run(ctx context.Context, id string) {
	job, err := r.registry.Get(id)
	if err != nil {
		log.Printf("Job %s vanished before it could run: %v", id, err)
		return
	}
	if job.Status.IsTerminal() {
		log.Printf("Job %s was %s before processing.", id, job.Status)
		return
	}

	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	st := &lineState{}
	if runCtx.Err() != nil {
		r.finish(runCtx, job, "", runCtx.Err(), st)
		return
	}

	first := StatusProcessing
	if job.Kind == KindDownload {
		first = StatusFetchingInfo
	}
	if err := r.advance(id, first); err != nil {
		log.Printf("Job %s could not start: %v", id, err)
		return
	}
	log.Printf("Processing job %s (%s)", id, job.Kind)

	plan, err := await(runCtx, r.grace+killAllowance, func() (Plan, error) {
		return r.worker.Prepare(runCtx, job)
	})
	if err != nil {
		r.finish(runCtx, job, "", fmt.Errorf("prepare: %w", err), st)
		return
	}

	onLine := func(line string) {
		r.handleLine(job, plan.Duration, st, line)
	}
	output, err := await(runCtx, r.grace+killAllowance, func() (string, error) {
		return r.worker.Execute(runCtx, job, plan, onLine)
	})
	r.finish(runCtx, job, output, err, st)
}

// await runs fn and returns its result. Once ctx is done fn gets limit to
// return before it is abandoned.
func await[T any](ctx context.Context, limit time.Duration, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case res := <-done:
		return res.val, res.err
	case <-ctx.Done():
	}

	timer := time.NewTimer(limit)
	defer timer.Stop()
	select {
	case res := <-done:
		return res.val, res.err
	case <-timer.C:
		var zero T
		return zero, errUnresponsive
	}
}

func (r *runner) handleLine(job Job, total time.Duration, st *lineState, line string) {
	f, ok := progress.Parse(line, total)
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if f.Destination != "" {
		st.destination = f.Destination
	}
	if f.Position > 0 {
		st.position = f.Position
	}
	if f.Rate != "" {
		st.rate = f.Rate
	}
	switch {
	case f.ETA != "":
		st.eta = f.ETA
	case f.Speed > 0:
		st.eta = progress.EstimateETA(total, st.position, f.Speed)
	}

	if target := phaseStatus(job.Kind, f.Phase); target != "" {
		if err := r.advance(job.ID, target); err != nil {
			return
		}
	}
	_, _ = r.registry.Update(job.ID, func(j *Job) error {
		if f.Percent != nil {
			j.Progress = *f.Percent
		}
		if st.rate != "" {
			j.Rate = st.rate
		}
		if st.eta != "" {
			j.ETA = st.eta
		}
		return nil
	})
}

func phaseStatus(kind Kind, phase progress.Phase) Status {
	if phase == progress.PhaseNone {
		return ""
	}
	if kind != KindDownload {
		return StatusProcessing
	}
	switch phase {
	case progress.PhaseInfo:
		return StatusFetchingInfo
	case progress.PhaseTransfer:
		return StatusDownloading
	default:
		return StatusProcessing
	}
}

// advance walks the job forward to target. Targets that are not ahead of the
// current status are ignored.
func (r *runner) advance(id string, target Status) error {
	job, err := r.registry.Get(id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobFinished, id, job.Status)
	}
	for _, s := range pathTo(job.Kind, job.Status, target) {
		status := s
		if _, err := r.registry.Update(id, func(j *Job) error {
			j.Status = status
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) finish(ctx context.Context, job Job, output string, err error, st *lineState) {
	st.mu.Lock()
	destination := st.destination
	st.mu.Unlock()

	switch {
	case err == nil:
		if output == "" {
			output = destination
		}
		if output == "" {
			r.fail(job.ID, "worker finished without producing an output file")
			return
		}
		r.complete(job, output)
	case ctx.Err() != nil && errors.Is(context.Cause(ctx), context.DeadlineExceeded):
		log.Printf("Job %s timed out.", job.ID)
		r.fail(job.ID, fmt.Sprintf("timed out after %s", r.timeout))
	case ctx.Err() != nil:
		if errors.Is(err, errUnresponsive) {
			log.Printf("Job %s worker ignored cancellation, marking cancelled.", job.ID)
		}
		r.cancelled(job.ID)
	default:
		log.Printf("Job %s failed: %v", job.ID, err)
		r.fail(job.ID, failureMessage(err))
	}
}

func (r *runner) complete(job Job, output string) {
	current, err := r.registry.Get(job.ID)
	if err != nil {
		return
	}
	steps := pathTo(current.Kind, current.Status, StatusCompleted)
	if len(steps) == 0 {
		return
	}
	for _, s := range steps[:len(steps)-1] {
		status := s
		if _, err := r.registry.Update(job.ID, func(j *Job) error {
			j.Status = status
			return nil
		}); err != nil {
			return
		}
	}
	_, err = r.registry.Update(job.ID, func(j *Job) error {
		j.Status = StatusCompleted
		j.OutputPath = output
		j.ETA = progress.Unknown
		return nil
	})
	if err != nil {
		log.Printf("Job %s could not be completed: %v", job.ID, err)
		r.fail(job.ID, err.Error())
		return
	}
	log.Printf("Job %s completed successfully: %s", job.ID, output)
}

func (r *runner) fail(id, message string) {
	_, err := r.registry.Update(id, func(j *Job) error {
		j.Status = StatusError
		j.Error = message
		j.ETA = progress.Unknown
		return nil
	})
	if err != nil && !errors.Is(err, ErrJobFinished) {
		log.Printf("Job %s could not be marked failed: %v", id, err)
	}
}

func (r *runner) cancelled(id string) {
	_, err := r.registry.Update(id, func(j *Job) error {
		j.Status = StatusCancelled
		j.ETA = progress.Unknown
		return nil
	})
	if err == nil {
		log.Printf("Job %s cancelled.", id)
	}
}

func failureMessage(err error) string {
	if msg := strings.TrimSpace(err.Error()); msg != "" {
		return msg
	}
	return "worker failed without any output"
}
