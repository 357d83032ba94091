// Package jobs runs browser captures in the background and tracks their
// lifecycle so the HTTP API can hand out a job id and report progress.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raysh454/snaptap/internal/capture"
	"github.com/raysh454/snaptap/internal/logging"
	"github.com/raysh454/snaptap/internal/stylesnap"
	"github.com/raysh454/snaptap/internal/webclient"
)

var ErrNoCapturer = errors.New("jobs: no capturer configured")

type EventType string

const (
	EventStatus EventType = "status"
	EventResult EventType = "result"
)

type Event struct {
	JobID string    `json:"job_id"`
	Type  EventType `json:"type"`

	Status Status `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Job is a single capture run against one page.
type Job struct {
	ID        string    `json:"id"`
	PageURL   string    `json:"page_url"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	Exchange *capture.Exchange   `json:"exchange,omitempty"`
	Products []stylesnap.Product `json:"products,omitempty"`
}

// eventLog keeps a job's events and fans each one out to every subscriber.
type eventLog struct {
	history []Event
	subs    map[chan Event]struct{}
	ended   bool
}

// subscriberBuffer is the room each subscriber has beyond the replayed
// history. A subscriber that falls further behind misses events.
const subscriberBuffer = 16

// Orchestrator owns the running jobs.
type Orchestrator struct {
	capturer webclient.Capturer
	logger   logging.Logger

	mu      sync.Mutex
	jobs    map[string]*Job
	events  map[string]*eventLog
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewOrchestrator(capturer webclient.Capturer, logger logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Orchestrator{
		capturer: capturer,
		logger:   logger.With(logging.Field{Key: "component", Value: "jobs"}),
		jobs:     make(map[string]*Job),
		events:   make(map[string]*eventLog),
		cancels:  make(map[string]context.CancelFunc),
	}
}

func (o *Orchestrator) emit(ev Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	log, ok := o.events[ev.JobID]
	if !ok || log.ended {
		return
	}

	log.history = append(log.history, ev)
	for ch := range log.subs {
		// Non-blocking send; drop if buffer is full.
		select {
		case ch <- ev:
		default:
		}
	}
}

// endEvents closes every subscriber of the job's stream.
func (o *Orchestrator) endEvents(jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	log, ok := o.events[jobID]
	if !ok || log.ended {
		return
	}
	log.ended = true
	for ch := range log.subs {
		close(ch)
	}
	log.subs = nil
}

func (o *Orchestrator) update(jobID string, fn func(j *Job)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if j, ok := o.jobs[jobID]; ok {
		fn(j)
	}
}

// StartCaptureJob starts capturing pageURL in the background. The job
// outlives ctx's cancellation; use CancelJob or Shutdown to stop it.
func (o *Orchestrator) StartCaptureJob(ctx context.Context, pageURL string) (*Job, error) {
	if o.capturer == nil {
		return nil, ErrNoCapturer
	}
	if pageURL == "" {
		return nil, fmt.Errorf("jobs: page url is required")
	}

	job := &Job{
		ID:        uuid.New().String(),
		PageURL:   pageURL,
		Status:    StatusPending,
		StartedAt: time.Now().UTC(),
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	o.mu.Lock()
	o.jobs[job.ID] = job
	o.events[job.ID] = &eventLog{subs: make(map[chan Event]struct{})}
	o.cancels[job.ID] = cancel
	snapshot := *job
	o.mu.Unlock()

	o.emit(Event{JobID: job.ID, Type: EventStatus, Status: StatusPending})

	o.wg.Add(1)
	go o.run(jobCtx, job.ID, pageURL)

	return &snapshot, nil
}

func (o *Orchestrator) run(ctx context.Context, jobID, pageURL string) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		if cancel, ok := o.cancels[jobID]; ok {
			cancel()
			delete(o.cancels, jobID)
		}
		o.mu.Unlock()

		o.update(jobID, func(j *Job) { j.EndedAt = time.Now().UTC() })
		o.endEvents(jobID)
	}()

	o.update(jobID, func(j *Job) { j.Status = StatusRunning })
	o.emit(Event{JobID: jobID, Type: EventStatus, Status: StatusRunning})

	ex, err := o.capturer.Capture(ctx, pageURL)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		status := StatusFailed
		if ctx.Err() != nil {
			status = StatusCanceled
			err = ctx.Err()
		}
		o.update(jobID, func(j *Job) {
			j.Status = status
			j.Error = err.Error()
		})
		o.logger.Warn("capture job ended without result",
			logging.Field{Key: "job_id", Value: jobID},
			logging.Field{Key: "status", Value: string(status)},
			logging.Field{Key: "error", Value: err.Error()})
		o.emit(Event{JobID: jobID, Type: EventStatus, Status: status, Error: err.Error()})
		return
	}

	products, decodeErr := stylesnap.Decode(ex.Body)
	o.update(jobID, func(j *Job) {
		j.Status = StatusDone
		j.Exchange = &ex
		if decodeErr == nil {
			j.Products = products
		}
	})
	o.logger.Info("capture job done",
		logging.Field{Key: "job_id", Value: jobID},
		logging.Field{Key: "url", Value: ex.URL})
	o.emit(Event{JobID: jobID, Type: EventResult, Status: StatusDone})
}

// CancelJob cancels a running job. It reports whether the job was running.
func (o *Orchestrator) CancelJob(jobID string) bool {
	o.mu.Lock()
	cancel, ok := o.cancels[jobID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// GetJob returns a copy of the job's current state.
func (o *Orchestrator) GetJob(jobID string) (Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// ListJobs returns copies of every known job, oldest first.
func (o *Orchestrator) ListJobs() []Job {
	o.mu.Lock()
	out := make([]Job, 0, len(o.jobs))
	for _, j := range o.jobs {
		out = append(out, *j)
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.Before(out[k].StartedAt) })
	return out
}

// Subscribe returns a channel of the job's events. Each subscriber gets its
// own channel, starting with every event emitted so far, and the channel is
// closed when the job ends. Call the returned func to stop early.
func (o *Orchestrator) Subscribe(jobID string) (<-chan Event, func(), bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	log, ok := o.events[jobID]
	if !ok {
		return nil, func() {}, false
	}

	ch := make(chan Event, len(log.history)+subscriberBuffer)
	for _, ev := range log.history {
		ch <- ev
	}
	if log.ended {
		close(ch)
		return ch, func() {}, true
	}
	log.subs[ch] = struct{}{}

	unsubscribe := func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if _, ok := log.subs[ch]; ok {
			delete(log.subs, ch)
			close(ch)
		}
	}
	return ch, unsubscribe, true
}

// Shutdown cancels every running job and waits for them to return.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, cancel := range o.cancels {
		cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
