// Package memory implements the release repository in process memory. It is
// used when no database is configured and by the HTTP tests.
package memory

import (
	"context"
	"iter"
	"slices"
	"strings"
	"sync"

	"github.com/al4/orlo/internal/domain"
	"github.com/al4/orlo/internal/query"
	"github.com/al4/orlo/internal/repository"
)

// Repository keeps release aggregates in a map guarded by a mutex. Writes
// apply to a copy and replace the stored aggregate only on success.
type Repository struct {
	mu       sync.RWMutex
	releases map[string]*domain.Release
}

// New constructs an empty Repository.
func New() *Repository {
	return &Repository{releases: make(map[string]*domain.Release)}
}

var _ repository.ReleaseRepository = (*Repository)(nil)

// CreateRelease stores release and, when present, its initial note.
func (r *Repository) CreateRelease(ctx context.Context, release *domain.Release, note *domain.ReleaseNote) error {
	if release == nil || release.ID == "" {
		return repository.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.releases[release.ID]; ok {
		return repository.ErrInvalidArgument
	}
	stored := clone(*release)
	stored.Notes = nil
	stored.Packages = nil
	if note != nil {
		stored.Notes = append(stored.Notes, *note)
	}
	r.releases[release.ID] = &stored
	return nil
}

// UpdateRelease applies fn to the stored release.
func (r *Repository) UpdateRelease(ctx context.Context, releaseID string, fn func(*domain.Release) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.releases[releaseID]
	if !ok {
		return repository.ErrNotFound
	}
	next := clone(*current)
	if err := fn(&next); err != nil {
		return err
	}
	r.releases[releaseID] = &next
	return nil
}

// CreatePackage appends pkg to its release.
func (r *Repository) CreatePackage(ctx context.Context, pkg *domain.Package) error {
	if pkg == nil || pkg.ID == "" {
		return repository.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	release, ok := r.releases[pkg.ReleaseID]
	if !ok {
		return repository.ErrNotFound
	}
	if _, exists := release.Package(pkg.ID); exists {
		return repository.ErrInvalidArgument
	}
	release.Packages = append(release.Packages, clonePackage(*pkg))
	return nil
}

// UpdatePackage applies fn to a package of release.
func (r *Repository) UpdatePackage(ctx context.Context, releaseID, packageID string, fn func(*domain.Package) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	release, ok := r.releases[releaseID]
	if !ok {
		return repository.ErrNotFound
	}
	current, ok := release.Package(packageID)
	if !ok {
		return repository.ErrNotFound
	}
	next := clonePackage(*current)
	if err := fn(&next); err != nil {
		return err
	}
	*current = next
	return nil
}

// AddReleaseNote appends note to its release.
func (r *Repository) AddReleaseNote(ctx context.Context, note *domain.ReleaseNote) error {
	if note == nil {
		return repository.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	release, ok := r.releases[note.ReleaseID]
	if !ok {
		return repository.ErrNotFound
	}
	release.Notes = append(release.Notes, *note)
	return nil
}

// AddPackageResult appends result to a package of release.
func (r *Repository) AddPackageResult(ctx context.Context, releaseID string, result *domain.PackageResult) error {
	if result == nil {
		return repository.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	release, ok := r.releases[releaseID]
	if !ok {
		return repository.ErrNotFound
	}
	pkg, ok := release.Package(result.PackageID)
	if !ok {
		return repository.ErrNotFound
	}
	pkg.Results = append(pkg.Results, *result)
	return nil
}

// ReleaseExists reports whether id is stored.
func (r *Repository) ReleaseExists(ctx context.Context, id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.releases[id]
	return ok, nil
}

// StreamReleases yields copies of matching releases ordered by start time
// then id. Only the ordering keys are snapshotted up front; each aggregate is
// copied when it is yielded.
func (r *Repository) StreamReleases(ctx context.Context, plan query.Plan) iter.Seq2[domain.Release, error] {
	return func(yield func(domain.Release, error) bool) {
		for _, id := range r.orderedIDs(plan.ReleaseID) {
			if err := ctx.Err(); err != nil {
				yield(domain.Release{}, err)
				return
			}
			release, ok := r.snapshot(id)
			if !ok || !plan.Filters.Match(release) {
				continue
			}
			if !yield(release, nil) {
				return
			}
		}
	}
}

// Ping always succeeds.
func (r *Repository) Ping(ctx context.Context) error {
	return nil
}

type orderKey struct {
	id    string
	stime int64
}

func (r *Repository) orderedIDs(only string) []string {
	r.mu.RLock()
	keys := make([]orderKey, 0, len(r.releases))
	for id, release := range r.releases {
		if only != "" && id != only {
			continue
		}
		keys = append(keys, orderKey{id: id, stime: release.StartTime.UnixNano()})
	}
	r.mu.RUnlock()

	slices.SortFunc(keys, func(a, b orderKey) int {
		if a.stime != b.stime {
			if a.stime < b.stime {
				return -1
			}
			return 1
		}
		return strings.Compare(a.id, b.id)
	})
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k.id
	}
	return ids
}

func (r *Repository) snapshot(id string) (domain.Release, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	release, ok := r.releases[id]
	if !ok {
		return domain.Release{}, false
	}
	return clone(*release), true
}

func clone(r domain.Release) domain.Release {
	out := r
	out.Platforms = slices.Clone(r.Platforms)
	out.References = slices.Clone(r.References)
	out.FinishTime = clonePtr(r.FinishTime)
	out.Notes = slices.Clone(r.Notes)
	if r.Packages != nil {
		out.Packages = make([]domain.Package, len(r.Packages))
		for i, p := range r.Packages {
			out.Packages[i] = clonePackage(p)
		}
	}
	return out
}

func clonePackage(p domain.Package) domain.Package {
	out := p
	out.StartTime = clonePtr(p.StartTime)
	out.FinishTime = clonePtr(p.FinishTime)
	out.Success = clonePtr(p.Success)
	out.Results = slices.Clone(p.Results)
	return out
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
