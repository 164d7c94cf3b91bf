package repository

import (
	"context"

	"github.com/al4/orlo/internal/domain"
	"github.com/al4/orlo/internal/query"
)

// ReleaseRepository persists releases and their child entities. Update
// callbacks run inside the write transaction with the row locked; returning
// an error aborts the write.
type ReleaseRepository interface {
	query.Source

	CreateRelease(ctx context.Context, release *domain.Release, note *domain.ReleaseNote) error
	UpdateRelease(ctx context.Context, releaseID string, fn func(*domain.Release) error) error
	CreatePackage(ctx context.Context, pkg *domain.Package) error
	UpdatePackage(ctx context.Context, releaseID, packageID string, fn func(*domain.Package) error) error
	AddReleaseNote(ctx context.Context, note *domain.ReleaseNote) error
	AddPackageResult(ctx context.Context, releaseID string, result *domain.PackageResult) error
	Ping(ctx context.Context) error
}
