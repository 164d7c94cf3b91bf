// Package query executes compiled filter sets against a release source.
package query

import (
	"context"
	"fmt"
	"iter"

	"github.com/al4/orlo/internal/domain"
	"github.com/al4/orlo/internal/filter"
)

// Plan describes one read: an optional direct release lookup plus filters.
type Plan struct {
	ReleaseID string
	Filters   filter.Set
}

// Source streams release aggregates matching a plan, ordered by start time
// then id, ascending. The sequence must release its resources when the
// consumer stops early.
type Source interface {
	StreamReleases(ctx context.Context, plan Plan) iter.Seq2[domain.Release, error]
	ReleaseExists(ctx context.Context, id string) (bool, error)
}

// Executor runs plans against a Source.
type Executor struct {
	source Source
}

// NewExecutor returns an Executor reading from source.
func NewExecutor(source Source) Executor {
	return Executor{source: source}
}

// Execute validates the plan and returns a lazy, duplicate-free sequence of
// matching releases. An unknown direct id is a not-found error; a known id
// excluded by the filters yields an empty sequence.
func (e Executor) Execute(ctx context.Context, plan Plan) (iter.Seq2[domain.Release, error], error) {
	if plan.ReleaseID != "" {
		ok, err := e.source.ReleaseExists(ctx, plan.ReleaseID)
		if err != nil {
			return nil, fmt.Errorf("lookup release: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("release %s: %w", plan.ReleaseID, domain.ErrNotFound)
		}
	}
	seq := Distinct(e.source.StreamReleases(ctx, plan))
	if plan.Filters.Latest {
		seq = Latest(seq)
	}
	return seq, nil
}

// Distinct drops releases whose id was already yielded.
func Distinct(seq iter.Seq2[domain.Release, error]) iter.Seq2[domain.Release, error] {
	return func(yield func(domain.Release, error) bool) {
		seen := make(map[string]struct{})
		for r, err := range seq {
			if err != nil {
				yield(domain.Release{}, err)
				return
			}
			if _, ok := seen[r.ID]; ok {
				continue
			}
			seen[r.ID] = struct{}{}
			if !yield(r, nil) {
				return
			}
		}
	}
}

// Latest reduces seq to the release with the greatest start time, breaking
// ties by the greater id. It yields nothing for an empty input.
func Latest(seq iter.Seq2[domain.Release, error]) iter.Seq2[domain.Release, error] {
	return func(yield func(domain.Release, error) bool) {
		var (
			best  domain.Release
			found bool
		)
		for r, err := range seq {
			if err != nil {
				yield(domain.Release{}, err)
				return
			}
			if !found || after(r, best) {
				best = r
				found = true
			}
		}
		if found {
			yield(best, nil)
		}
	}
}

func after(a, b domain.Release) bool {
	if a.StartTime.Equal(b.StartTime) {
		return a.ID > b.ID
	}
	return a.StartTime.After(b.StartTime)
}
