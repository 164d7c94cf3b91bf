package release

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"testing"
	"time"

	"github.com/al4/orlo/internal/domain"
	"github.com/al4/orlo/internal/filter"
	"github.com/al4/orlo/internal/lifecycle"
	"github.com/al4/orlo/internal/repository/memory"
	"github.com/al4/orlo/internal/service/events"
)

type recordingPublisher struct {
	events []events.Event
}

func (r *recordingPublisher) Publish(e events.Event) {
	r.events = append(r.events, e)
}

func (r *recordingPublisher) types() []string {
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func newService(t *testing.T) (Service, *memory.Repository, *recordingPublisher) {
	t.Helper()
	clock := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	engine := lifecycle.New(lifecycle.Settings{}, lifecycle.WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	repo := memory.New()
	pub := &recordingPublisher{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(repo, engine, filter.NewCompiler(filter.Settings{}), pub, log), repo, pub
}

func collect(t *testing.T, svc Service, releaseID string, values url.Values) []domain.Release {
	t.Helper()
	seq, err := svc.Query(context.Background(), releaseID, values)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	var out []domain.Release
	for r, err := range seq {
		if err != nil {
			t.Fatalf("iterate: %v", err)
		}
		out = append(out, r)
	}
	return out
}

func TestCreateReleaseWithNote(t *testing.T) {
	svc, _, pub := newService(t)
	rel, err := svc.Create(context.Background(), CreateInput{User: "alice", Platforms: []string{"site1"}, Note: "first deploy"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got := collect(t, svc, rel.ID, nil)
	if len(got) != 1 || len(got[0].Notes) != 1 || got[0].Notes[0].Content != "first deploy" {
		t.Fatalf("expected stored note, got %+v", got)
	}
	if len(pub.events) != 1 || pub.events[0].Type != events.ReleaseCreated {
		t.Fatalf("expected release.created event, got %v", pub.types())
	}
}

func TestCreateReleaseValidation(t *testing.T) {
	svc, _, pub := newService(t)
	if _, err := svc.Create(context.Background(), CreateInput{User: "alice"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(pub.events) != 0 {
		t.Fatalf("no event expected on rejected create, got %v", pub.types())
	}
}

func TestPackageLifecycleThroughService(t *testing.T) {
	svc, _, pub := newService(t)
	ctx := context.Background()
	rel, err := svc.Create(ctx, CreateInput{User: "alice", Team: "A-Team", Platforms: []string{"site1"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	pkg, err := svc.CreatePackage(ctx, rel.ID, lifecycle.PackageInput{Name: "test-package", Version: "1.0.1"})
	if err != nil {
		t.Fatalf("create package: %v", err)
	}
	if err := svc.StopPackage(ctx, rel.ID, pkg.ID, true); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("expected illegal transition before start, got %v", err)
	}
	if err := svc.StartPackage(ctx, rel.ID, pkg.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.StartPackage(ctx, rel.ID, pkg.ID); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("expected illegal transition on restart, got %v", err)
	}
	if err := svc.AddResult(ctx, rel.ID, pkg.ID, `{"checks": 3}`); err != nil {
		t.Fatalf("add result: %v", err)
	}
	if err := svc.StopPackage(ctx, rel.ID, pkg.ID, true); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := svc.Stop(ctx, rel.ID); err != nil {
		t.Fatalf("stop release: %v", err)
	}
	if err := svc.Stop(ctx, rel.ID); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("expected illegal transition on second release stop, got %v", err)
	}

	got := collect(t, svc, "", url.Values{"package_status": {"SUCCESSFUL"}})
	if len(got) != 1 || got[0].ID != rel.ID {
		t.Fatalf("expected release in SUCCESSFUL filter, got %d", len(got))
	}
	if got[0].Packages[0].Results[0].Content != `{"checks": 3}` {
		t.Fatalf("result not stored verbatim: %+v", got[0].Packages[0].Results)
	}
	if failed := collect(t, svc, "", url.Values{"package_status": {"FAILED"}}); len(failed) != 0 {
		t.Fatalf("expected no FAILED matches, got %d", len(failed))
	}

	want := []string{events.ReleaseCreated, events.PackageCreated, events.PackageStarted, events.PackageResult, events.PackageStopped, events.ReleaseStopped}
	gotTypes := pub.types()
	if len(gotTypes) != len(want) {
		t.Fatalf("expected events %v, got %v", want, gotTypes)
	}
	for i := range want {
		if gotTypes[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, gotTypes)
		}
	}
}

func TestOperationsOnMissingEntities(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	if _, err := svc.CreatePackage(ctx, "missing", lifecycle.PackageInput{Name: "n", Version: "v"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := svc.Stop(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := svc.AddNote(ctx, "missing", "text"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.Query(ctx, "missing", nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestQueryRejectsUnknownFilter(t *testing.T) {
	svc, _, _ := newService(t)
	if _, err := svc.Query(context.Background(), "", url.Values{"colour": {"blue"}}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestQueryLatest(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	var last string
	for range 3 {
		rel, err := svc.Create(ctx, CreateInput{User: "alice", Platforms: []string{"site1"}})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		last = rel.ID
	}
	got := collect(t, svc, "", url.Values{"latest": {"True"}})
	if len(got) != 1 || got[0].ID != last {
		t.Fatalf("expected latest %s, got %+v", last, got)
	}
}
