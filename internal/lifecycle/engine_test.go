package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/al4/orlo/internal/domain"
)

func fixedClock(start time.Time) func() time.Time {
	current := start
	return func() time.Time {
		now := current
		current = current.Add(time.Second)
		return now
	}
}

func newTestEngine() Engine {
	return New(Settings{Location: time.UTC}, WithClock(fixedClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))))
}

func TestNewReleaseValidatesInput(t *testing.T) {
	e := newTestEngine()

	if _, err := e.NewRelease(ReleaseInput{Platforms: []string{"site1"}}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for missing user, got %v", err)
	}
	if _, err := e.NewRelease(ReleaseInput{User: "alice", Platforms: []string{" "}}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for empty platforms, got %v", err)
	}

	r, err := e.NewRelease(ReleaseInput{User: "alice", Team: "A-Team", Platforms: []string{"site1", "site1", "site2"}, References: []string{"TICKET-1"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.ID == "" || r.StartTime.IsZero() || r.FinishTime != nil {
		t.Fatalf("release not initialised: %+v", r)
	}
	if len(r.Platforms) != 2 {
		t.Fatalf("expected duplicate platforms collapsed, got %v", r.Platforms)
	}
	if len(r.References) != 1 || r.References[0] != "TICKET-1" {
		t.Fatalf("unexpected references %v", r.References)
	}
}

func TestPackageStatusFollowsLifecycle(t *testing.T) {
	e := newTestEngine()
	p, err := e.NewPackage("rel-1", PackageInput{Name: "test-package", Version: "1.0.1"})
	if err != nil {
		t.Fatalf("new package: %v", err)
	}
	if got := p.Status(); got != domain.PackageNotStarted {
		t.Fatalf("expected NOT_STARTED, got %s", got)
	}
	if _, ok := p.Duration(); ok {
		t.Fatalf("duration must be undefined before finish")
	}

	if err := e.StartPackage(p); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := p.Status(); got != domain.PackageInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", got)
	}

	if err := e.StopPackage(p, true); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := p.Status(); got != domain.PackageSuccessful {
		t.Fatalf("expected SUCCESSFUL, got %s", got)
	}
	d, ok := p.Duration()
	if !ok || d != time.Second {
		t.Fatalf("expected 1s duration, got %v (%v)", d, ok)
	}
}

func TestStopPackageRecordsFailure(t *testing.T) {
	e := newTestEngine()
	p, _ := e.NewPackage("rel-1", PackageInput{Name: "pkg", Version: "2"})
	_ = e.StartPackage(p)
	if err := e.StopPackage(p, false); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := p.Status(); got != domain.PackageFailed {
		t.Fatalf("expected FAILED, got %s", got)
	}
}

func TestIllegalPackageTransitions(t *testing.T) {
	e := newTestEngine()
	p, _ := e.NewPackage("rel-1", PackageInput{Name: "pkg", Version: "1"})

	if err := e.StopPackage(p, true); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("expected illegal transition stopping unstarted package, got %v", err)
	}
	if err := e.StartPackage(p); err != nil {
		t.Fatalf("start: %v", err)
	}
	started := *p.StartTime
	if err := e.StartPackage(p); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("expected illegal transition on second start, got %v", err)
	}
	if !p.StartTime.Equal(started) {
		t.Fatalf("start time re-stamped: %v != %v", p.StartTime, started)
	}
	if err := e.StopPackage(p, true); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := e.StopPackage(p, false); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("expected illegal transition on second stop, got %v", err)
	}
	if p.Status() != domain.PackageSuccessful {
		t.Fatalf("outcome overwritten: %s", p.Status())
	}
}

func TestStopReleaseIsOneWay(t *testing.T) {
	e := newTestEngine()
	r, _ := e.NewRelease(ReleaseInput{User: "alice", Platforms: []string{"site1"}})
	r.Packages = []domain.Package{{ID: "unfinished"}}

	if err := e.StopRelease(r); err != nil {
		t.Fatalf("stop release with unfinished packages: %v", err)
	}
	if _, ok := r.Duration(); !ok {
		t.Fatalf("expected duration once stopped")
	}
	if err := e.StopRelease(r); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("expected illegal transition on second stop, got %v", err)
	}
}

func TestEngineStampsInConfiguredLocation(t *testing.T) {
	loc := time.FixedZone("AEST", 10*60*60)
	e := New(Settings{Location: loc}, WithClock(func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }))
	r, err := e.NewRelease(ReleaseInput{User: "bob", Platforms: []string{"p"}})
	if err != nil {
		t.Fatalf("new release: %v", err)
	}
	if r.StartTime.Location() != loc {
		t.Fatalf("expected %v location, got %v", loc, r.StartTime.Location())
	}
}

func TestNewNoteRequiresText(t *testing.T) {
	e := newTestEngine()
	if _, err := e.NewNote("rel", "  "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	note, err := e.NewNote("rel", "deployed by pipeline")
	if err != nil || note.Content != "deployed by pipeline" {
		t.Fatalf("unexpected note %+v, %v", note, err)
	}
}
