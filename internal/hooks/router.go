package hooks

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ChuLiYu/jobrelay/internal/registry"
	"github.com/ChuLiYu/jobrelay/pkg/types"
)

var (
	// ErrInvalidPattern is returned for a route pattern doublestar cannot parse.
	ErrInvalidPattern = errors.New("invalid device scope pattern")
	// ErrInvalidRoute is returned for a route without a name or patterns.
	ErrInvalidRoute = errors.New("invalid route")
)

// PatternError names the route and pattern that failed validation.
type PatternError struct {
	Route   string
	Pattern string
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("route %s: pattern %q: %v", e.Route, e.Pattern, ErrInvalidPattern)
}

func (e *PatternError) Unwrap() error { return ErrInvalidPattern }

// Route is a named destination for jobs whose device scope matches one of
// Patterns. Deliver and Withdraw may be nil.
type Route struct {
	Name     string
	Patterns []string

	// Deliver is called when a job is assigned to a scope the route matches.
	Deliver func(ctx context.Context, job types.Job, deviceScope string) error
	// Withdraw is called when a job the route owned moves elsewhere or is
	// deleted.
	Withdraw func(ctx context.Context, job types.Job) error
}

// Router dispatches assignments to the routes matching the device scope and
// tracks which routes currently own each job.
type Router struct {
	registry.Nop

	routes []Route
	logger *zap.Logger

	mu     sync.Mutex
	owners map[types.JobID][]string
}

// NewRouter validates every pattern up front.
func NewRouter(routes []Route, logger *zap.Logger) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	seen := make(map[string]bool, len(routes))
	for _, r := range routes {
		if r.Name == "" {
			return nil, fmt.Errorf("%w: missing name", ErrInvalidRoute)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("%w: duplicate name %s", ErrInvalidRoute, r.Name)
		}
		seen[r.Name] = true
		if len(r.Patterns) == 0 {
			return nil, fmt.Errorf("%w: route %s has no patterns", ErrInvalidRoute, r.Name)
		}
		for _, p := range r.Patterns {
			if !doublestar.ValidatePattern(p) {
				return nil, &PatternError{Route: r.Name, Pattern: p}
			}
		}
	}
	return &Router{
		routes: slices.Clone(routes),
		logger: logger.Named("router"),
		owners: make(map[types.JobID][]string),
	}, nil
}

func (r *Router) Name() string { return "router" }

// Match returns the names of the routes matching deviceScope, in route order.
func (r *Router) Match(deviceScope string) []string {
	var names []string
	for _, route := range r.routes {
		if matchAny(route.Patterns, deviceScope) {
			names = append(names, route.Name)
		}
	}
	return names
}

// Owners returns the routes currently owning job id.
func (r *Router) Owners(id types.JobID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.owners[id])
}

func (r *Router) OnJobAssignment(ctx context.Context, job types.Job, deviceScope string) error {
	matched := r.Match(deviceScope)

	r.mu.Lock()
	previous := r.owners[job.ID]
	if len(matched) == 0 {
		delete(r.owners, job.ID)
	} else {
		r.owners[job.ID] = matched
	}
	r.mu.Unlock()

	var errs error
	for _, name := range previous {
		if !slices.Contains(matched, name) {
			errs = multierr.Append(errs, r.withdraw(ctx, name, job))
		}
	}
	for _, name := range matched {
		errs = multierr.Append(errs, r.deliver(ctx, name, job, deviceScope))
	}

	if len(matched) == 0 {
		r.logger.Debug("no route matches device scope",
			zap.String("job_id", string(job.ID)),
			zap.String("device_scope", deviceScope),
		)
	}
	return errs
}

func (r *Router) OnJobDeleted(ctx context.Context, job types.Job) error {
	r.mu.Lock()
	previous := r.owners[job.ID]
	delete(r.owners, job.ID)
	r.mu.Unlock()

	var errs error
	for _, name := range previous {
		errs = multierr.Append(errs, r.withdraw(ctx, name, job))
	}
	return errs
}

func (r *Router) deliver(ctx context.Context, name string, job types.Job, scope string) error {
	route := r.route(name)
	r.logger.Info("routing job",
		zap.String("route", name),
		zap.String("job_id", string(job.ID)),
		zap.String("device_scope", scope),
		zap.Uint64("revision", job.Revision),
	)
	if route.Deliver == nil {
		return nil
	}
	if err := route.Deliver(ctx, job, scope); err != nil {
		return fmt.Errorf("route %s deliver: %w", name, err)
	}
	return nil
}

func (r *Router) withdraw(ctx context.Context, name string, job types.Job) error {
	route := r.route(name)
	r.logger.Info("withdrawing job",
		zap.String("route", name),
		zap.String("job_id", string(job.ID)),
		zap.Uint64("revision", job.Revision),
	)
	if route.Withdraw == nil {
		return nil
	}
	if err := route.Withdraw(ctx, job); err != nil {
		return fmt.Errorf("route %s withdraw: %w", name, err)
	}
	return nil
}

func (r *Router) route(name string) Route {
	for _, route := range r.routes {
		if route.Name == name {
			return route
		}
	}
	return Route{Name: name}
}

func matchAny(patterns []string, scope string) bool {
	for _, p := range patterns {
		// Patterns were validated in NewRouter, so Match cannot fail here.
		if ok, _ := doublestar.Match(p, scope); ok {
			return true
		}
	}
	return false
}
