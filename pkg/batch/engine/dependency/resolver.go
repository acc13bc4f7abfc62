// Package dependency enqueues the declared children of a job when it completes and keeps the
// parent/child graph acyclic.
package dependency

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/repository"
	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"
	"github.com/tigerroll/ferry/pkg/batch/support/util/logger"
)

// Payload keys set on requests enqueued for children.
const (
	ParamTriggeredBy   = "triggered_by"
	ParamParentSession = "parent_session"
)

// Resolver enqueues child jobs.
type Resolver struct {
	jobs  repository.JobStore
	queue repository.QueueStore
}

// NewResolver creates a Resolver.
func NewResolver(jobs repository.JobStore, queue repository.QueueStore) *Resolver {
	return &Resolver{jobs: jobs, queue: queue}
}

// AddDependency stores parent -> child after checking that the edge keeps the graph acyclic.
func (r *Resolver) AddDependency(ctx context.Context, parent, child string) error {
	if parent == "" || child == "" {
		return exception.NewBatchErrorf("DependencyResolver", exception.KindFatal, "dependency needs both parent and child, got '%s' -> '%s'", parent, child)
	}
	edges, err := r.jobs.ListDependencies(ctx)
	if err != nil {
		return exception.NewBatchError("DependencyResolver", "failed to load dependencies", err, exception.Classify(err))
	}
	edge := model.JobDependency{ParentKey: parent, ChildKey: child}
	if err := ValidateAcyclic(append(edges, edge)); err != nil {
		return err
	}
	if err := r.jobs.SaveDependency(ctx, edge); err != nil {
		return exception.NewBatchError("DependencyResolver", "failed to save dependency", err, exception.Classify(err))
	}
	logger.Infof("DependencyResolver: registered '%s' -> '%s'.", parent, child)
	return nil
}

// EnqueueChildren enqueues an IMMEDIATE request for every child of parentKey and returns the
// new request ids. A failing enqueue does not prevent the others.
func (r *Resolver) EnqueueChildren(ctx context.Context, parentKey, sessionID string) ([]string, error) {
	children, err := r.jobs.ListChildren(ctx, parentKey)
	if err != nil {
		return nil, exception.NewBatchError("DependencyResolver", fmt.Sprintf("failed to list children of '%s'", parentKey), err, exception.Classify(err))
	}

	var ids []string
	var errs *multierror.Error
	for _, child := range children {
		id, err := r.queue.Enqueue(ctx, child, model.RequestImmediate, model.Params{
			ParamTriggeredBy:   parentKey,
			ParamParentSession: sessionID,
		})
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("enqueue child '%s': %w", child, err))
			continue
		}
		logger.Infof("DependencyResolver: '%s' completed, enqueued child '%s' (request %s).", parentKey, child, id)
		ids = append(ids, id)
	}
	return ids, errs.ErrorOrNil()
}

// ValidateAcyclic runs Kahn's topological sort over edges and fails with ErrDependencyCycle
// naming the jobs left on a cycle.
func ValidateAcyclic(edges []model.JobDependency) error {
	inDegree := make(map[string]int)
	children := make(map[string][]string)
	for _, e := range edges {
		if _, ok := inDegree[e.ParentKey]; !ok {
			inDegree[e.ParentKey] = 0
		}
		inDegree[e.ChildKey]++
		children[e.ParentKey] = append(children[e.ParentKey], e.ChildKey)
	}

	var ready []string
	for key, d := range inDegree {
		if d == 0 {
			ready = append(ready, key)
		}
	}
	visited := 0
	for len(ready) > 0 {
		key := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		visited++
		for _, child := range children[key] {
			inDegree[child]--
			if inDegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}
	if visited == len(inDegree) {
		return nil
	}

	var cyclic []string
	for key, d := range inDegree {
		if d > 0 {
			cyclic = append(cyclic, key)
		}
	}
	sort.Strings(cyclic)
	return exception.NewBatchError("DependencyResolver",
		fmt.Sprintf("dependency graph has a cycle through %s", strings.Join(cyclic, ", ")),
		repository.ErrDependencyCycle, exception.KindFatal)
}
