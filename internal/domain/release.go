package domain

import "time"

// Release groups packages deployed together across one or more platforms.
type Release struct {
	ID         string
	User       string
	Team       string
	Platforms  []string
	References []string
	StartTime  time.Time
	FinishTime *time.Time
	Notes      []ReleaseNote
	Packages   []Package
}

// Finished reports whether the release has been stopped.
func (r Release) Finished() bool {
	return r.FinishTime != nil
}

// Duration returns the elapsed time between start and finish, or false while
// the release is still open.
func (r Release) Duration() (time.Duration, bool) {
	if r.FinishTime == nil {
		return 0, false
	}
	return r.FinishTime.Sub(r.StartTime), true
}

// HasPlatform reports whether the release targets the named platform.
func (r Release) HasPlatform(name string) bool {
	for _, p := range r.Platforms {
		if p == name {
			return true
		}
	}
	return false
}

// Package finds a package by id.
func (r *Release) Package(id string) (*Package, bool) {
	for i := range r.Packages {
		if r.Packages[i].ID == id {
			return &r.Packages[i], true
		}
	}
	return nil, false
}

// Platform is a named deployment target shared by releases.
type Platform struct {
	Name string
}

// ReleaseNote is free text attached to a release.
type ReleaseNote struct {
	ID        string
	ReleaseID string
	Content   string
	CreatedAt time.Time
}
