// Package release orchestrates release and package lifecycle operations and
// the filtered read path.
package release

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net/url"

	"github.com/al4/orlo/internal/domain"
	"github.com/al4/orlo/internal/filter"
	"github.com/al4/orlo/internal/lifecycle"
	"github.com/al4/orlo/internal/query"
	"github.com/al4/orlo/internal/repository"
	"github.com/al4/orlo/internal/service/events"
)

// Publisher receives lifecycle events after a write commits.
type Publisher interface {
	Publish(events.Event)
}

// CreateInput holds release creation attributes.
type CreateInput struct {
	User       string
	Team       string
	Platforms  []string
	References []string
	Note       string
}

// Service coordinates the lifecycle engine, persistence and query pipeline.
type Service struct {
	repo     repository.ReleaseRepository
	engine   lifecycle.Engine
	compiler filter.Compiler
	executor query.Executor
	events   Publisher
	logger   *slog.Logger
}

// New returns a release service.
func New(repo repository.ReleaseRepository, engine lifecycle.Engine, compiler filter.Compiler, publisher Publisher, logger *slog.Logger) Service {
	return Service{
		repo:     repo,
		engine:   engine,
		compiler: compiler,
		executor: query.NewExecutor(repo),
		events:   publisher,
		logger:   logger,
	}
}

// Create starts a new release, storing the optional note with it.
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.Release, error) {
	rel, err := s.engine.NewRelease(lifecycle.ReleaseInput{
		User:       input.User,
		Team:       input.Team,
		Platforms:  input.Platforms,
		References: input.References,
	})
	if err != nil {
		s.reject("release", "create", err)
		return nil, err
	}
	var note *domain.ReleaseNote
	if input.Note != "" {
		if note, err = s.engine.NewNote(rel.ID, input.Note); err != nil {
			s.reject("release", "create", err)
			return nil, err
		}
	}
	if err := s.repo.CreateRelease(ctx, rel, note); err != nil {
		s.logger.Error("create release failed", "user", rel.User, "error", err)
		return nil, err
	}
	if note != nil {
		rel.Notes = append(rel.Notes, *note)
	}
	transitionsTotal.WithLabelValues("release", "create").Inc()
	s.logger.Info("release created", "release_id", rel.ID, "user", rel.User, "team", rel.Team, "platforms", rel.Platforms)
	s.publish(events.Event{Type: events.ReleaseCreated, ReleaseID: rel.ID, At: rel.StartTime})
	return rel, nil
}

// Stop finishes a release.
func (s Service) Stop(ctx context.Context, releaseID string) error {
	var stopped domain.Release
	err := s.repo.UpdateRelease(ctx, releaseID, func(r *domain.Release) error {
		if err := s.engine.StopRelease(r); err != nil {
			return err
		}
		stopped = *r
		return nil
	})
	if err != nil {
		return s.fail("release", "stop", err, "release_id", releaseID)
	}
	transitionsTotal.WithLabelValues("release", "stop").Inc()
	s.logger.Info("release stopped", "release_id", releaseID)
	s.publish(events.Event{Type: events.ReleaseStopped, ReleaseID: releaseID, At: *stopped.FinishTime})
	return nil
}

// AddNote attaches a note to a release.
func (s Service) AddNote(ctx context.Context, releaseID, text string) error {
	note, err := s.engine.NewNote(releaseID, text)
	if err != nil {
		s.reject("release", "note", err)
		return err
	}
	if err := s.repo.AddReleaseNote(ctx, note); err != nil {
		return s.fail("release", "note", err, "release_id", releaseID)
	}
	s.logger.Info("release note added", "release_id", releaseID)
	s.publish(events.Event{Type: events.ReleaseNoted, ReleaseID: releaseID, At: note.CreatedAt})
	return nil
}

// CreatePackage adds a NOT_STARTED package to a release.
func (s Service) CreatePackage(ctx context.Context, releaseID string, input lifecycle.PackageInput) (*domain.Package, error) {
	pkg, err := s.engine.NewPackage(releaseID, input)
	if err != nil {
		s.reject("package", "create", err)
		return nil, err
	}
	if err := s.repo.CreatePackage(ctx, pkg); err != nil {
		return nil, s.fail("package", "create", err, "release_id", releaseID)
	}
	transitionsTotal.WithLabelValues("package", "create").Inc()
	s.logger.Info("package created", "release_id", releaseID, "package_id", pkg.ID, "name", pkg.Name, "version", pkg.Version, "rollback", pkg.Rollback)
	s.publish(events.Event{Type: events.PackageCreated, ReleaseID: releaseID, PackageID: pkg.ID, Status: string(pkg.Status()), At: pkg.CreatedAt})
	return pkg, nil
}

// StartPackage moves a package to IN_PROGRESS.
func (s Service) StartPackage(ctx context.Context, releaseID, packageID string) error {
	var started domain.Package
	err := s.repo.UpdatePackage(ctx, releaseID, packageID, func(p *domain.Package) error {
		if err := s.engine.StartPackage(p); err != nil {
			return err
		}
		started = *p
		return nil
	})
	if err != nil {
		return s.fail("package", "start", err, "release_id", releaseID, "package_id", packageID)
	}
	transitionsTotal.WithLabelValues("package", "start").Inc()
	s.logger.Info("package started", "release_id", releaseID, "package_id", packageID)
	s.publish(events.Event{Type: events.PackageStarted, ReleaseID: releaseID, PackageID: packageID, Status: string(started.Status()), At: *started.StartTime})
	return nil
}

// StopPackage finishes a package with the given outcome.
func (s Service) StopPackage(ctx context.Context, releaseID, packageID string, success bool) error {
	var stopped domain.Package
	err := s.repo.UpdatePackage(ctx, releaseID, packageID, func(p *domain.Package) error {
		if err := s.engine.StopPackage(p, success); err != nil {
			return err
		}
		stopped = *p
		return nil
	})
	if err != nil {
		return s.fail("package", "stop", err, "release_id", releaseID, "package_id", packageID)
	}
	status := stopped.Status()
	transitionsTotal.WithLabelValues("package", "stop").Inc()
	packageOutcomes.WithLabelValues(string(status)).Inc()
	s.logger.Info("package stopped", "release_id", releaseID, "package_id", packageID, "success", success)
	s.publish(events.Event{Type: events.PackageStopped, ReleaseID: releaseID, PackageID: packageID, Status: string(status), At: *stopped.FinishTime})
	return nil
}

// AddResult stores an opaque result record for a package.
func (s Service) AddResult(ctx context.Context, releaseID, packageID, content string) error {
	result := s.engine.NewResult(packageID, content)
	if err := s.repo.AddPackageResult(ctx, releaseID, result); err != nil {
		return s.fail("package", "result", err, "release_id", releaseID, "package_id", packageID)
	}
	s.logger.Info("package result added", "release_id", releaseID, "package_id", packageID, "bytes", len(content))
	s.publish(events.Event{Type: events.PackageResult, ReleaseID: releaseID, PackageID: packageID, At: result.CreatedAt})
	return nil
}

// Query compiles filters and returns the matching releases as a lazy
// sequence. A non-empty releaseID restricts the read to that release.
func (s Service) Query(ctx context.Context, releaseID string, values url.Values) (iter.Seq2[domain.Release, error], error) {
	set, err := s.compiler.Compile(values)
	if err != nil {
		return nil, err
	}
	return s.executor.Execute(ctx, query.Plan{ReleaseID: releaseID, Filters: set})
}

// Ping checks the backing store.
func (s Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func (s Service) publish(e events.Event) {
	if s.events != nil {
		s.events.Publish(e)
	}
}

func (s Service) reject(entity, op string, err error) {
	rejectedTotal.WithLabelValues(entity, op, reason(err)).Inc()
}

func (s Service) fail(entity, op string, err error, fields ...any) error {
	s.reject(entity, op, err)
	fields = append(fields, "op", op, "error", err)
	switch {
	case errors.Is(err, domain.ErrIllegalTransition), errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrValidation):
		s.logger.Warn(entity+" operation rejected", fields...)
	default:
		s.logger.Error(entity+" operation failed", fields...)
	}
	return err
}

func reason(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrIllegalTransition):
		return "illegal_transition"
	default:
		return "error"
	}
}
