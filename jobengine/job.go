// Package jobengine implements the image pipeline's priority job
// scheduler and worker pool: spec.md §4.4's "accept typed jobs,
// dispatch them to workers by priority, support cancellation by job
// id, by (page_index, book_path), or by category."
package jobengine

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Category identifies what kind of work a job performs.
type Category int

const (
	CategoryPageView Category = iota
	CategoryPageAhead
	CategoryThumbnail
	CategoryUpscale
	CategoryCacheMaintenance
)

func (c Category) String() string {
	switch c {
	case CategoryPageView:
		return "page-view"
	case CategoryPageAhead:
		return "page-ahead"
	case CategoryThumbnail:
		return "thumbnail"
	case CategoryUpscale:
		return "upscale"
	case CategoryCacheMaintenance:
		return "cache-maintenance"
	default:
		return "unknown"
	}
}

// Priority is the scheduling weight of a job; higher values run first.
// The named levels match spec.md §4.4 exactly.
type Priority int

const (
	PriorityIdle     Priority = 0
	PriorityLow      Priority = 20
	PriorityNormal   Priority = 50
	PriorityHigh     Priority = 80
	PriorityCritical Priority = 100
)

// Status is a job's lifecycle state. Transitions are monotonic:
// Pending -> Running -> {Completed, Failed, Cancelled}; terminal states
// are final, per spec.md §3.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Command is the unit of work a job carries. Execute must observe
// ctx.Done() at every suspension point and return promptly once it
// fires, per spec.md §5's cancellation contract. Cancel is called at
// most once and must be idempotent; it exists separately from ctx
// cancellation so a command can release resources or signal external
// systems (e.g. abort an in-flight SR call) beyond merely noticing the
// context is done.
type Command interface {
	Execute(ctx context.Context) error
	Cancel()
}

// Definition is the immutable part of a job, supplied at submission.
type Definition struct {
	Category  Category
	Priority  Priority
	PageIndex *int // nil when the job is not page-scoped
	BookPath  string
	Command   Command
	CreatedAt time.Time
}

// Result records the outcome of a terminal job.
type Result struct {
	Success    bool
	Error      error
	DurationMS int64
}

// Job is the scheduler's full record for one unit of work: definition
// plus mutable lifecycle state.
type Job struct {
	ID         string
	Definition Definition
	Status     Status
	Progress   int
	StartedAt  *time.Time
	CompletedAt *time.Time
	Result     *Result

	cancel context.CancelFunc
	ctx    context.Context
}

func newJob(def Definition) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	return &Job{
		ID:         uuid.NewString(),
		Definition: def,
		Status:     StatusPending,
		cancel:     cancel,
		ctx:        ctx,
	}
}

// matchesPage reports whether this job targets (pageIndex, bookPath).
// An empty bookPath matches any book, mirroring spec.md §4.4's
// cancel_page_jobs(page_index, book_path?) optional-book semantics.
func (j *Job) matchesPage(pageIndex int, bookPath string) bool {
	if j.Definition.PageIndex == nil || *j.Definition.PageIndex != pageIndex {
		return false
	}
	if bookPath != "" && j.Definition.BookPath != bookPath {
		return false
	}
	return true
}
