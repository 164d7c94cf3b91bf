// Package lifecycle constructs releases and packages and moves them through
// their start/stop state machines.
package lifecycle

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/al4/orlo/internal/domain"
)

// Settings holds the immutable configuration used to stamp times.
type Settings struct {
	Location *time.Location
}

// Engine applies lifecycle transitions. The zero value is not usable; build
// one with New.
type Engine struct {
	loc *time.Location
	now func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New returns an Engine stamping times in the configured location.
func New(settings Settings, opts ...Option) Engine {
	loc := settings.Location
	if loc == nil {
		loc = time.UTC
	}
	e := Engine{loc: loc, now: time.Now}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

func (e Engine) stamp() time.Time {
	return e.now().In(e.loc)
}

// ReleaseInput carries the attributes of a new release.
type ReleaseInput struct {
	User       string
	Team       string
	Platforms  []string
	References []string
}

// NewRelease validates input and returns a started release.
func (e Engine) NewRelease(input ReleaseInput) (*domain.Release, error) {
	user := strings.TrimSpace(input.User)
	if user == "" {
		return nil, domain.Invalid("user", "is required")
	}
	platforms := compact(input.Platforms)
	if len(platforms) == 0 {
		return nil, domain.Invalid("platforms", "at least one platform is required")
	}
	refs := make([]string, 0, len(input.References))
	for _, ref := range input.References {
		if ref = strings.TrimSpace(ref); ref != "" {
			refs = append(refs, ref)
		}
	}
	return &domain.Release{
		ID:         uuid.NewString(),
		User:       user,
		Team:       strings.TrimSpace(input.Team),
		Platforms:  platforms,
		References: refs,
		StartTime:  e.stamp(),
	}, nil
}

// StopRelease stamps the finish time. A release stops once. Child packages
// are not required to be finished.
func (e Engine) StopRelease(r *domain.Release) error {
	if r.Finished() {
		return &domain.TransitionError{Entity: "release", ID: r.ID, Op: "stop", From: "already stopped"}
	}
	now := e.stamp()
	if now.Before(r.StartTime) {
		now = r.StartTime
	}
	r.FinishTime = &now
	return nil
}

// PackageInput carries the attributes of a new package.
type PackageInput struct {
	Name     string
	Version  string
	DiffURL  string
	Rollback bool
}

// NewPackage validates input and returns a NOT_STARTED package for release.
func (e Engine) NewPackage(releaseID string, input PackageInput) (*domain.Package, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, domain.Invalid("name", "is required")
	}
	version := strings.TrimSpace(input.Version)
	if version == "" {
		return nil, domain.Invalid("version", "is required")
	}
	return &domain.Package{
		ID:        uuid.NewString(),
		ReleaseID: releaseID,
		Name:      name,
		Version:   version,
		DiffURL:   strings.TrimSpace(input.DiffURL),
		Rollback:  input.Rollback,
		CreatedAt: e.stamp(),
	}, nil
}

// StartPackage moves a package from NOT_STARTED to IN_PROGRESS.
func (e Engine) StartPackage(p *domain.Package) error {
	if status := p.Status(); status != domain.PackageNotStarted {
		return &domain.TransitionError{Entity: "package", ID: p.ID, Op: "start", From: string(status)}
	}
	now := e.stamp()
	p.StartTime = &now
	return nil
}

// StopPackage moves an IN_PROGRESS package to SUCCESSFUL or FAILED.
func (e Engine) StopPackage(p *domain.Package, success bool) error {
	if status := p.Status(); status != domain.PackageInProgress {
		return &domain.TransitionError{Entity: "package", ID: p.ID, Op: "stop", From: string(status)}
	}
	now := e.stamp()
	if now.Before(*p.StartTime) {
		now = *p.StartTime
	}
	p.FinishTime = &now
	p.Success = &success
	return nil
}

// NewNote returns a note for release.
func (e Engine) NewNote(releaseID, text string) (*domain.ReleaseNote, error) {
	if strings.TrimSpace(text) == "" {
		return nil, domain.Invalid("text", "is required")
	}
	return &domain.ReleaseNote{
		ID:        uuid.NewString(),
		ReleaseID: releaseID,
		Content:   text,
		CreatedAt: e.stamp(),
	}, nil
}

// NewResult returns a result record for package. Content is kept verbatim.
func (e Engine) NewResult(packageID, content string) *domain.PackageResult {
	return &domain.PackageResult{
		ID:        uuid.NewString(),
		PackageID: packageID,
		Content:   content,
		CreatedAt: e.stamp(),
	}
}

func compact(values []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
