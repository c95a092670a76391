// Package queue runs paced broadcast jobs: each job walks its destination
// list through the dispatcher with a fixed interval between messages and a
// longer pause between batches, so bulk traffic never bursts.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/zapmesh/wagateway/pkg/dispatch"
	"github.com/zapmesh/wagateway/pkg/log"
	"github.com/zapmesh/wagateway/pkg/whatsapp"
)

const (
	DefaultMessageInterval    = 3 * time.Second
	DefaultBatchSize          = 20
	DefaultBatchPause         = 30 * time.Second
	DefaultMaxConcurrentJobs  = 4
	DefaultUnavailableTimeout = 5 * time.Minute
)

// Dispatcher is the send surface the runner drives.
type Dispatcher interface {
	Send(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
}

type Config struct {
	// Pause between consecutive messages of a job.
	MessageInterval time.Duration
	// Messages per batch; a longer pause follows each full batch.
	BatchSize  int
	BatchPause time.Duration
	// Jobs allowed to run at once; the rest wait their turn.
	MaxConcurrentJobs int64
	// How long a job tolerates an empty session pool before abandoning
	// its remaining destinations.
	UnavailableTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MessageInterval <= 0 {
		c.MessageInterval = DefaultMessageInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchPause < 0 {
		c.BatchPause = DefaultBatchPause
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if c.UnavailableTimeout <= 0 {
		c.UnavailableTimeout = DefaultUnavailableTimeout
	}
	return c
}

type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateAborted   JobState = "aborted"
)

type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntrySent      EntryStatus = "sent"
	EntryDuplicate EntryStatus = "duplicate"
	EntryFailed    EntryStatus = "failed"
	EntrySkipped   EntryStatus = "skipped"
)

type Entry struct {
	Destination string      `json:"destination"`
	Status      EntryStatus `json:"status"`
	MessageID   string      `json:"message_id,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Summary is a point-in-time view of one job.
type Summary struct {
	JobID      string     `json:"job_id"`
	State      JobState   `json:"state"`
	Total      int        `json:"total"`
	Sent       int        `json:"sent"`
	Duplicate  int        `json:"duplicate"`
	Failed     int        `json:"failed"`
	Skipped    int        `json:"skipped"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Entries    []Entry    `json:"entries"`
}

type Request struct {
	Destinations []string
	Body         string
	Media        *whatsapp.Media
	InstanceHint string
}

type job struct {
	mu       sync.Mutex
	id       string
	state    JobState
	entries  []Entry
	created  time.Time
	finished *time.Time
}

type Runner struct {
	dispatcher Dispatcher
	cfg        Config
	sem        *semaphore.Weighted

	mu   sync.RWMutex
	jobs map[string]*job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Optional observer invoked once when a job reaches a terminal state.
	OnFinish func(Summary)
}

func NewRunner(d Dispatcher, cfg Config) *Runner {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		dispatcher: d,
		cfg:        cfg,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrentJobs),
		jobs:       make(map[string]*job),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Enqueue registers a job and starts it as soon as a worker slot frees up.
// The returned ID is the handle for Status polling.
func (r *Runner) Enqueue(req Request) string {
	j := &job{
		id:      uuid.NewString(),
		state:   StateQueued,
		created: time.Now(),
		entries: make([]Entry, len(req.Destinations)),
	}
	for i, dest := range req.Destinations {
		j.entries[i] = Entry{Destination: dest, Status: EntryPending}
	}

	r.mu.Lock()
	r.jobs[j.id] = j
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(j, req)

	log.Print(nil).Infof("broadcast job %s queued with %d destinations", j.id, len(req.Destinations))
	return j.id
}

func (r *Runner) Status(jobID string) (Summary, bool) {
	r.mu.RLock()
	j, ok := r.jobs[jobID]
	r.mu.RUnlock()
	if !ok {
		return Summary{}, false
	}
	return j.summary(), true
}

func (r *Runner) List() []Summary {
	r.mu.RLock()
	jobs := make([]*job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.RUnlock()

	summaries := make([]Summary, 0, len(jobs))
	for _, j := range jobs {
		summaries = append(summaries, j.summary())
	}
	return summaries
}

// Prune drops finished jobs older than the retention window, returning how
// many were removed.
func (r *Runner) Prune(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, j := range r.jobs {
		j.mu.Lock()
		expired := j.finished != nil && j.finished.Before(cutoff)
		j.mu.Unlock()
		if expired {
			delete(r.jobs, id)
			removed++
		}
	}
	return removed
}

// Shutdown aborts running jobs and waits for their goroutines to exit.
func (r *Runner) Shutdown() {
	r.cancel()
	r.wg.Wait()
}

func (r *Runner) finish(j *job, st JobState, reason string) {
	j.finish(st, reason)
	if r.OnFinish != nil {
		r.OnFinish(j.summary())
	}
}

func (r *Runner) run(j *job, req Request) {
	defer r.wg.Done()

	if err := r.sem.Acquire(r.ctx, 1); err != nil {
		r.finish(j, StateAborted, "runner shut down")
		return
	}
	defer r.sem.Release(1)

	j.setState(StateRunning)

	var unavailableSince time.Time
	for i := range j.entries {
	entry:
		for {
			res, err := r.dispatcher.Send(r.ctx, dispatch.Request{
				Destination:  j.entries[i].Destination,
				Body:         req.Body,
				Media:        req.Media,
				InstanceHint: req.InstanceHint,
			})

			switch {
			case err == nil && res.Outcome == dispatch.OutcomeDuplicate:
				j.setEntry(i, EntryDuplicate, "", "")
				unavailableSince = time.Time{}
				break entry
			case err == nil:
				j.setEntry(i, EntrySent, res.MessageID, "")
				unavailableSince = time.Time{}
				break entry
			case errors.Is(err, context.Canceled):
				r.finish(j, StateAborted, "runner shut down")
				return
			case errors.Is(err, dispatch.ErrNoSessionAvailable):
				// The whole pool is down. Hold this destination and wait
				// for a session to come back, up to the configured limit.
				if unavailableSince.IsZero() {
					unavailableSince = time.Now()
				}
				if time.Since(unavailableSince) >= r.cfg.UnavailableTimeout {
					log.Print(nil).Errorf("broadcast job %s abandoned, no session for %s", j.id, r.cfg.UnavailableTimeout)
					r.finish(j, StateAborted, "no session available")
					return
				}
				select {
				case <-r.ctx.Done():
					r.finish(j, StateAborted, "runner shut down")
					return
				case <-time.After(r.cfg.MessageInterval):
				}
			default:
				j.setEntry(i, EntryFailed, "", err.Error())
				break entry
			}
		}

		if err := r.pace(i + 1); err != nil {
			r.finish(j, StateAborted, "runner shut down")
			return
		}
	}

	r.finish(j, StateCompleted, "")
	log.Print(nil).Infof("broadcast job %s completed", j.id)
}

// pace sleeps the per-message interval after every dispatch, the last one
// included, plus the batch pause after each completed batch.
func (r *Runner) pace(count int) error {
	delay := r.cfg.MessageInterval
	if count%r.cfg.BatchSize == 0 {
		delay += r.cfg.BatchPause
	}

	select {
	case <-r.ctx.Done():
		return r.ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func (j *job) setState(st JobState) {
	j.mu.Lock()
	j.state = st
	j.mu.Unlock()
}

func (j *job) setEntry(i int, status EntryStatus, messageID string, errMsg string) {
	j.mu.Lock()
	j.entries[i].Status = status
	j.entries[i].MessageID = messageID
	j.entries[i].Error = errMsg
	j.mu.Unlock()
}

// finish marks the terminal state and tags every still-pending destination
// as skipped.
func (j *job) finish(st JobState, reason string) {
	now := time.Now()
	j.mu.Lock()
	j.state = st
	j.finished = &now
	for i := range j.entries {
		if j.entries[i].Status == EntryPending {
			j.entries[i].Status = EntrySkipped
			j.entries[i].Error = reason
		}
	}
	j.mu.Unlock()
}

func (j *job) summary() Summary {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := Summary{
		JobID:     j.id,
		State:     j.state,
		Total:     len(j.entries),
		CreatedAt: j.created,
		Entries:   append([]Entry(nil), j.entries...),
	}
	if j.finished != nil {
		finished := *j.finished
		s.FinishedAt = &finished
	}
	for _, e := range j.entries {
		switch e.Status {
		case EntrySent:
			s.Sent++
		case EntryDuplicate:
			s.Duplicate++
		case EntryFailed:
			s.Failed++
		case EntrySkipped:
			s.Skipped++
		}
	}
	return s
}
