package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/podushkina/taskdispatch/internal/errs"
)

type Operation string

const (
	OpGenerate Operation = "generate"
	OpPost     Operation = "post"
	OpQuery    Operation = "query"
)

// Params is the loosely typed input of an adapter call. Values may come from
// decoded JSON (float64, []any) or from Go callers (int, []string).
type Params map[string]any

type Result map[string]any

// Adapter wraps one vendor API. Implementations must honor ctx cancellation.
type Adapter interface {
	Execute(ctx context.Context, op Operation, params Params) (Result, error)
}

// AdapterFunc lets a plain function satisfy Adapter.
type AdapterFunc func(ctx context.Context, op Operation, params Params) (Result, error)

func (f AdapterFunc) Execute(ctx context.Context, op Operation, params Params) (Result, error) {
	return f(ctx, op, params)
}

// ProviderError is the uniform failure of a vendor call.
type ProviderError struct {
	Provider   string `json:"provider"`
	Retryable  bool   `json:"retryable"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code,omitempty"`
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// retryableStatus classifies vendor HTTP status codes: rate limits and server
// errors may succeed later, everything else will not.
func retryableStatus(code int) bool {
	return code == 429 || code >= 500
}

func unsupported(provider string, op Operation) error {
	return &ProviderError{Provider: provider, Message: fmt.Sprintf("unsupported operation %q", op)}
}

// Registry dispatches calls to adapters by provider name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	timeout  time.Duration
}

func NewRegistry(defaultTimeout time.Duration) *Registry {
	if defaultTimeout <= 0 {
		defaultTimeout = 45 * time.Second
	}
	return &Registry{adapters: map[string]Adapter{}, timeout: defaultTimeout}
}

func (r *Registry) Register(name string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = a
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[name]
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute calls the named adapter once, bounded by timeout (the registry
// default when timeout <= 0). A deadline hit inside the call becomes a timeout
// error; any other non-provider failure is wrapped in a ProviderError.
func (r *Registry) Execute(ctx context.Context, name string, op Operation, params Params, timeout time.Duration) (Result, error) {
	r.mu.RLock()
	a, ok := r.adapters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &ProviderError{Provider: name, Message: "provider not configured"}
	}
	if timeout <= 0 {
		timeout = r.timeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := a.Execute(callCtx, op, params)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, errs.Timeout(fmt.Sprintf("%s %s", name, op), err)
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return nil, err
	}
	return nil, &ProviderError{Provider: name, Message: err.Error()}
}
