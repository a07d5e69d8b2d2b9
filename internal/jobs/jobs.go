package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/podushkina/taskdispatch/internal/docstore"
	"github.com/podushkina/taskdispatch/internal/errs"
	"github.com/podushkina/taskdispatch/internal/provider"
	"github.com/podushkina/taskdispatch/internal/task"
)

// Input is what a job receives. TaskID is empty for inline runs.
type Input struct {
	TaskID string
	Owner  string
	Params json.RawMessage
}

// Estimator returns the cost of a request in items. It also validates params.
type Estimator func(params json.RawMessage) (int, error)

type Handler func(ctx context.Context, in Input) (any, error)

type Job struct {
	Kind     task.Kind
	Estimate Estimator
	Run      Handler
}

type Registry struct {
	mu   sync.RWMutex
	jobs map[task.Kind]Job
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[task.Kind]Job)}
}

func (r *Registry) Register(j Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[j.Kind] = j
}

func (r *Registry) Lookup(kind task.Kind) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[kind]
	return j, ok
}

func (r *Registry) Kinds() []task.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]task.Kind, 0, len(r.jobs))
	for k := range r.jobs {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Provider is the slice of provider.Registry the jobs call.
type Provider interface {
	Execute(ctx context.Context, name string, op provider.Operation, params provider.Params, timeout time.Duration) (provider.Result, error)
}

type Deps struct {
	Providers Provider
	// Docs is optional; without it generated posts and reports are only
	// returned, not persisted.
	Docs   *docstore.Documents
	Logger *slog.Logger
	// Concurrency bounds parallel provider calls within one job.
	Concurrency int
	Now         func() time.Time
}

func (d *Deps) defaults() {
	if d.Concurrency <= 0 {
		d.Concurrency = 4
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
}

// Defaults returns a registry with every built-in kind.
func Defaults(deps Deps) *Registry {
	deps.defaults()
	r := NewRegistry()
	r.Register(contentBatchJob(deps))
	r.Register(dailyRunJob(deps))
	r.Register(weeklyReportJob(deps))
	r.Register(socialPostJob(deps))
	return r
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.New(errs.InvalidArgument, "invalid params", err)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return errs.New(errs.InvalidArgument, fmt.Sprintf(format, args...), nil)
}

func knownPlatform(name string) bool {
	_, ok := provider.MaxLength[name]
	return ok
}
