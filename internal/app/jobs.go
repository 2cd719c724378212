package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/okian/rolodex/internal/adapters/mq/queue"
	"github.com/okian/rolodex/internal/adapters/parser"
	"github.com/okian/rolodex/internal/domain/dedupe"
	"github.com/okian/rolodex/internal/domain/merge"
	"github.com/okian/rolodex/internal/domain/model"
	"github.com/okian/rolodex/internal/domain/pipeline"
	"github.com/okian/rolodex/internal/domain/types"
	"github.com/okian/rolodex/pkg/logger"
	"github.com/okian/rolodex/pkg/metrics"
)

// SubmitRequest carries the per-upload parameters of an async import.
type SubmitRequest = types.SubmitRequest

type job struct {
	mu    sync.Mutex
	state types.Job

	key  string
	data []byte
	req  SubmitRequest

	orch           *pipeline.Orchestrator
	pauseRequested bool
	cancel         context.CancelFunc
}

func (j *job) snapshot() types.Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := j.state
	out.Errors = slices.Clone(j.state.Errors)
	if j.state.Analytics != nil {
		a := j.state.Analytics.Copy()
		out.Analytics = &a
	}
	return out
}

func (j *job) setProgress(percent float64, stage string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if percent > j.state.Progress {
		j.state.Progress = percent
	}
	j.state.Stage = stage
}

// Submit queues an upload for import. An upload whose content and parameters
// match an earlier submission is not queued again; the earlier job is
// returned with ErrDuplicateUpload.
func (s *Service) Submit(ctx context.Context, data []byte, req SubmitRequest) (types.Job, error) {
	s.mu.RLock()
	started, tracker, q := s.started, s.tracker, s.jobQueue
	s.mu.RUnlock()
	if !started {
		return types.Job{}, ErrNotStarted
	}
	if len(data) == 0 {
		return types.Job{}, ErrEmptyUpload
	}
	if s.maxUploadBytes > 0 && int64(len(data)) > s.maxUploadBytes {
		return types.Job{}, ErrUploadTooLarge
	}
	if req.Strategy != "" {
		if _, err := merge.ParseStrategy(string(req.Strategy)); err != nil {
			return types.Job{}, err
		}
	}
	if req.Format != "" {
		f := parser.ParseFormat(req.Format)
		if f == parser.FormatUnknown {
			return types.Job{}, fmt.Errorf("%w: %q", parser.ErrUnsupportedFormat, req.Format)
		}
		req.Format = string(f)
	}

	key := dedupe.Fingerprint(data, req.Filename, req.Format, string(req.Strategy),
		strconv.FormatFloat(req.Threshold, 'f', -1, 64))
	id := s.newID()
	if existing, seen := tracker.Claim(ctx, key, id); seen {
		metrics.RecordUploadDuplicate()
		s.logger.Info(ctx, "duplicate upload", logger.String("job_id", existing), logger.String("source", req.Filename))
		if j, ok := s.lookup(existing); ok {
			return j.snapshot(), ErrDuplicateUpload
		}
		return types.Job{ID: existing}, ErrDuplicateUpload
	}

	now := s.now()
	j := &job{
		key:  key,
		data: data,
		req:  req,
		state: types.Job{
			ID:          id,
			Source:      req.Filename,
			Format:      req.Format,
			Status:      types.JobQueued,
			SubmittedAt: now,
		},
	}
	s.mu.Lock()
	s.jobs[id] = j
	s.order = append(s.order, id)
	s.mu.Unlock()

	err := q.Enqueue(ctx, queue.Job{ID: id, Source: req.Filename, Size: len(data), SubmittedAt: now})
	if err != nil {
		tracker.Release(ctx, key)
		s.forget(id)
		switch {
		case errors.Is(err, queue.ErrFull):
			return types.Job{}, ErrQueueFull
		case errors.Is(err, queue.ErrClosed):
			return types.Job{}, ErrNotStarted
		}
		return types.Job{}, fmt.Errorf("enqueue import: %w", err)
	}

	s.logger.Info(ctx, "import queued",
		logger.String("job_id", id),
		logger.String("source", req.Filename),
		logger.Int("bytes", len(data)),
	)
	return j.snapshot(), nil
}

// RunImport executes a queued job. It is the worker pool's runner.
func (s *Service) RunImport(ctx context.Context, qj queue.Job) error {
	j, ok := s.lookup(qj.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, qj.ID)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	j.mu.Lock()
	if j.state.Status.Terminal() {
		j.mu.Unlock()
		return nil
	}
	started := s.now()
	j.state.StartedAt = &started
	j.state.Status = types.JobRunning
	if j.pauseRequested {
		j.state.Status = types.JobPaused
	}
	j.cancel = cancel
	data, req := j.data, j.req
	j.mu.Unlock()

	res, err := s.Import(ctx, ImportRequest{
		RunID:      qj.ID,
		Filename:   req.Filename,
		Format:     parser.ParseFormat(req.Format),
		Data:       data,
		Strategy:   req.Strategy,
		Threshold:  req.Threshold,
		OnProgress: j.setProgress,
		attach: func(o *pipeline.Orchestrator) {
			j.mu.Lock()
			defer j.mu.Unlock()
			j.orch = o
			if j.pauseRequested {
				o.Pause()
			}
		},
	})

	s.mu.RLock()
	tracker := s.tracker
	s.mu.RUnlock()

	j.mu.Lock()
	defer j.mu.Unlock()
	finished := s.now()
	j.state.FinishedAt = &finished
	j.data = nil
	if j.orch != nil && j.orch.Paused() {
		j.orch.Resume()
	}
	j.orch = nil
	j.cancel = nil
	if res != nil {
		a := res.Analytics
		j.state.Analytics = &a
		j.state.Errors = res.Errors
	}
	switch {
	case err == nil:
		j.state.Status = types.JobCompleted
		j.state.Progress = 100
	case res != nil && res.Analytics.Status == model.RunStatusCancelled:
		j.state.Status = types.JobCancelled
		j.state.Failure = err.Error()
	default:
		j.state.Status = types.JobFailed
		j.state.Failure = err.Error()
	}
	// Only a completed import keeps its fingerprint; a failed or cancelled
	// upload can be submitted again.
	if j.state.Status != types.JobCompleted {
		tracker.Release(ctx, j.key)
	}
	return err
}

// Job returns the state of one job.
func (s *Service) Job(id string) (types.Job, error) {
	j, ok := s.lookup(id)
	if !ok {
		return types.Job{}, ErrJobNotFound
	}
	return j.snapshot(), nil
}

// Jobs returns every job in submission order.
func (s *Service) Jobs() []types.Job {
	s.mu.RLock()
	jobs := make([]*job, 0, len(s.order))
	for _, id := range s.order {
		jobs = append(jobs, s.jobs[id])
	}
	s.mu.RUnlock()

	out := make([]types.Job, len(jobs))
	for i, j := range jobs {
		out[i] = j.snapshot()
	}
	return out
}

// Pause suspends a job. A queued job starts paused once a worker picks it up.
func (s *Service) Pause(ctx context.Context, id string) (types.Job, error) {
	j, ok := s.lookup(id)
	if !ok {
		return types.Job{}, ErrJobNotFound
	}
	j.mu.Lock()
	if j.state.Status.Terminal() {
		j.mu.Unlock()
		return j.snapshot(), ErrJobFinished
	}
	j.pauseRequested = true
	if j.orch != nil {
		j.orch.Pause()
	}
	if j.state.Status == types.JobRunning {
		j.state.Status = types.JobPaused
	}
	j.mu.Unlock()

	s.logger.Info(ctx, "import paused", logger.String("job_id", id))
	return j.snapshot(), nil
}

// Resume lets a paused job continue.
func (s *Service) Resume(ctx context.Context, id string) (types.Job, error) {
	j, ok := s.lookup(id)
	if !ok {
		return types.Job{}, ErrJobNotFound
	}
	j.mu.Lock()
	if j.state.Status.Terminal() {
		j.mu.Unlock()
		return j.snapshot(), ErrJobFinished
	}
	j.pauseRequested = false
	if j.orch != nil {
		j.orch.Resume()
	}
	if j.state.Status == types.JobPaused {
		j.state.Status = types.JobRunning
	}
	j.mu.Unlock()

	s.logger.Info(ctx, "import resumed", logger.String("job_id", id))
	return j.snapshot(), nil
}

// Cancel stops a running job after its in-flight batches. A queued job is
// cancelled before it starts.
func (s *Service) Cancel(ctx context.Context, id string) (types.Job, error) {
	j, ok := s.lookup(id)
	if !ok {
		return types.Job{}, ErrJobNotFound
	}
	j.mu.Lock()
	if j.state.Status.Terminal() {
		j.mu.Unlock()
		return j.snapshot(), ErrJobFinished
	}
	queued := j.cancel == nil
	if !queued {
		// A paused gate also opens when the context ends.
		j.cancel()
	} else {
		now := s.now()
		j.state.Status = types.JobCancelled
		j.state.FinishedAt = &now
		j.data = nil
	}
	j.mu.Unlock()
	if queued {
		s.release(ctx, j.key)
	}

	s.logger.Info(ctx, "import cancelled", logger.String("job_id", id))
	return j.snapshot(), nil
}

// release forgets an upload fingerprint so the same bytes may be resubmitted.
func (s *Service) release(ctx context.Context, key string) {
	s.mu.RLock()
	tracker := s.tracker
	s.mu.RUnlock()
	if tracker != nil {
		tracker.Release(ctx, key)
	}
}

func (s *Service) lookup(id string) (*job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok
}

func (s *Service) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
}
