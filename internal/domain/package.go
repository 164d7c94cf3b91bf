package domain

import "time"

// PackageStatus is the lifecycle state of a package, derived from its
// timestamps and outcome.
type PackageStatus string

const (
	PackageNotStarted PackageStatus = "NOT_STARTED"
	PackageInProgress PackageStatus = "IN_PROGRESS"
	PackageSuccessful PackageStatus = "SUCCESSFUL"
	PackageFailed     PackageStatus = "FAILED"
)

// PackageStatuses lists every status in lifecycle order.
var PackageStatuses = []PackageStatus{PackageNotStarted, PackageInProgress, PackageSuccessful, PackageFailed}

// ParsePackageStatus validates a status name.
func ParsePackageStatus(value string) (PackageStatus, bool) {
	for _, s := range PackageStatuses {
		if string(s) == value {
			return s, true
		}
	}
	return "", false
}

// Package is one deployable artifact version within a release.
type Package struct {
	ID         string
	ReleaseID  string
	Name       string
	Version    string
	DiffURL    string
	Rollback   bool
	StartTime  *time.Time
	FinishTime *time.Time
	Success    *bool
	Results    []PackageResult
	CreatedAt  time.Time
}

// Status derives the lifecycle state. A finished package without a recorded
// outcome counts as failed.
func (p Package) Status() PackageStatus {
	switch {
	case p.StartTime == nil:
		return PackageNotStarted
	case p.FinishTime == nil:
		return PackageInProgress
	case p.Success != nil && *p.Success:
		return PackageSuccessful
	default:
		return PackageFailed
	}
}

// Duration returns finish minus start, or false until the package finishes.
func (p Package) Duration() (time.Duration, bool) {
	if p.StartTime == nil || p.FinishTime == nil {
		return 0, false
	}
	return p.FinishTime.Sub(*p.StartTime), true
}

// PackageResult is an opaque record reported for a package, stored verbatim.
type PackageResult struct {
	ID        string
	PackageID string
	Content   string
	CreatedAt time.Time
}
