// Package steps is the durable step substrate the engine runs external calls
// through. A step is a named unit of work inside one run: its successful
// result is memoized in a Store so replaying the run returns the recorded
// value instead of repeating the side effect, and transient failures are
// retried according to a RetryPolicy.
package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"nodebase/api/pkg/ctxlog"
)

// Step executes named units of work for a single run.
type Step interface {
	// Run invokes fn unless a result for name is already recorded, then
	// decodes the (recorded or fresh) result into out.
	Run(ctx context.Context, name string, fn func(context.Context) (any, error), out any) error
}

// Runner hands out run-scoped steps sharing one store and retry policy.
type Runner struct {
	store  Store
	policy RetryPolicy
}

// Option configures a Runner.
type Option func(*Runner)

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(r *Runner) { r.policy = p }
}

// NewRunner returns a runner memoizing into store. A nil store keeps results in memory.
func NewRunner(store Store, opts ...Option) *Runner {
	if store == nil {
		store = NewMemoryStore()
	}
	r := &Runner{store: store, policy: DefaultRetryPolicy()}
	for _, o := range opts {
		o(r)
	}
	r.policy = r.policy.normalized()
	return r
}

// Forget drops the memoized results of runID, so a later run with the same id
// starts from scratch.
func (r *Runner) Forget(ctx context.Context, runID string) error {
	return r.store.Forget(ctx, runID)
}

// Scope returns the Step for runID. Two scopes for the same runID replay the
// same memoized results.
func (r *Runner) Scope(runID string) *Scope {
	return &Scope{runner: r, runID: runID, seen: make(map[string]int)}
}

// Scope is the Step implementation bound to one run.
type Scope struct {
	runner *Runner
	runID  string

	mu   sync.Mutex
	seen map[string]int
}

var _ Step = (*Scope)(nil)

// RunID returns the run this scope memoizes under.
func (s *Scope) RunID() string { return s.runID }

// key disambiguates repeated step names within a run: the first call keeps
// the bare name, later ones get ":1", ":2" and so on. Runs are sequential,
// so the same call order yields the same keys on replay.
func (s *Scope) key(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.seen[name]
	s.seen[name] = n + 1
	if n == 0 {
		return name
	}
	return fmt.Sprintf("%s:%d", name, n)
}

func (s *Scope) Run(ctx context.Context, name string, fn func(context.Context) (any, error), out any) error {
	key := s.key(name)
	logger := ctxlog.FromContext(ctx).With("step", key, "runId", s.runID)

	data, ok, err := s.runner.store.Load(ctx, s.runID, key)
	if err != nil {
		return fmt.Errorf("load step %s: %w", key, err)
	}
	if ok {
		logger.Debug("Replaying memoized step")
		return decode(data, out)
	}

	value, err := s.runner.attempt(ctx, logger, fn)
	if err != nil {
		return err
	}

	data, err = json.Marshal(value)
	if err != nil {
		return NonRetriable(fmt.Errorf("encode step %s result: %w", key, err))
	}
	if err := s.runner.store.Save(ctx, s.runID, key, data); err != nil {
		return fmt.Errorf("save step %s: %w", key, err)
	}
	return decode(data, out)
}

func (r *Runner) attempt(ctx context.Context, logger *slog.Logger, fn func(context.Context) (any, error)) (any, error) {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if !IsRetriable(err) || attempt == r.policy.MaxAttempts {
			break
		}

		delay := r.policy.backoff(attempt)
		logger.Warn("Step failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		if err := sleep(ctx, delay); err != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func decode(data []byte, out any) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return NonRetriable(fmt.Errorf("decode step result: %w", err))
	}
	return nil
}

// Do runs fn as the named step and returns its typed result.
func Do[T any](ctx context.Context, s Step, name string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := s.Run(ctx, name, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, &out)
	return out, err
}

// Wrap runs call(params) as the named step. It is the provider-call form of
// Do: params are captured once, so a retried attempt sends the same request.
func Wrap[P, T any](ctx context.Context, s Step, name string, call func(context.Context, P) (T, error), params P) (T, error) {
	return Do(ctx, s, name, func(ctx context.Context) (T, error) {
		return call(ctx, params)
	})
}
