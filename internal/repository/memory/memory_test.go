package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/al4/orlo/internal/domain"
	"github.com/al4/orlo/internal/filter"
	"github.com/al4/orlo/internal/query"
	"github.com/al4/orlo/internal/repository"
)

var t0 = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func seed(t *testing.T, repo *Repository, id, user string, offset time.Duration) {
	t.Helper()
	release := &domain.Release{ID: id, User: user, Platforms: []string{"site1"}, StartTime: t0.Add(offset)}
	if err := repo.CreateRelease(context.Background(), release, nil); err != nil {
		t.Fatalf("create release %s: %v", id, err)
	}
}

func ids(t *testing.T, repo *Repository, plan query.Plan) []string {
	t.Helper()
	var out []string
	for r, err := range repo.StreamReleases(context.Background(), plan) {
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		out = append(out, r.ID)
	}
	return out
}

func TestStreamOrdersByStartTimeThenID(t *testing.T) {
	repo := New()
	seed(t, repo, "c", "u", time.Minute)
	seed(t, repo, "b", "u", 0)
	seed(t, repo, "a", "u", 0)

	got := ids(t, repo, query.Plan{})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestStreamAppliesFiltersAndDirectID(t *testing.T) {
	repo := New()
	seed(t, repo, "1", "firstUser", 0)
	seed(t, repo, "2", "secondUser", time.Second)

	plan := query.Plan{Filters: filter.Set{Predicates: []filter.Predicate{{Field: filter.FieldUser, Text: "secondUser"}}}}
	if got := ids(t, repo, plan); len(got) != 1 || got[0] != "2" {
		t.Fatalf("expected [2], got %v", got)
	}
	if got := ids(t, repo, query.Plan{ReleaseID: "1"}); len(got) != 1 || got[0] != "1" {
		t.Fatalf("expected [1], got %v", got)
	}
}

func TestCreateReleaseStoresInitialNote(t *testing.T) {
	repo := New()
	release := &domain.Release{ID: "r", User: "u", Platforms: []string{"p"}, StartTime: t0}
	note := &domain.ReleaseNote{ID: "n", ReleaseID: "r", Content: "hello", CreatedAt: t0}
	if err := repo.CreateRelease(context.Background(), release, note); err != nil {
		t.Fatalf("create: %v", err)
	}
	r, _ := repo.snapshot("r")
	if len(r.Notes) != 1 || r.Notes[0].Content != "hello" {
		t.Fatalf("expected initial note, got %+v", r.Notes)
	}
}

func TestUpdatePackageDiscardsFailedMutation(t *testing.T) {
	repo := New()
	seed(t, repo, "r", "u", 0)
	if err := repo.CreatePackage(context.Background(), &domain.Package{ID: "p", ReleaseID: "r", Name: "n", Version: "v"}); err != nil {
		t.Fatalf("create package: %v", err)
	}

	boom := errors.New("boom")
	err := repo.UpdatePackage(context.Background(), "r", "p", func(p *domain.Package) error {
		now := t0
		p.StartTime = &now
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	r, _ := repo.snapshot("r")
	if r.Packages[0].StartTime != nil {
		t.Fatalf("failed update leaked: %+v", r.Packages[0])
	}
}

func TestMissingEntitiesAreNotFound(t *testing.T) {
	repo := New()
	ctx := context.Background()
	if err := repo.CreatePackage(ctx, &domain.Package{ID: "p", ReleaseID: "missing"}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	seed(t, repo, "r", "u", 0)
	if err := repo.UpdatePackage(ctx, "r", "missing", func(*domain.Package) error { return nil }); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := repo.AddPackageResult(ctx, "r", &domain.PackageResult{PackageID: "missing"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := repo.AddReleaseNote(ctx, &domain.ReleaseNote{ReleaseID: "missing"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStreamedCopiesAreIsolated(t *testing.T) {
	repo := New()
	seed(t, repo, "r", "u", 0)
	for r := range repo.StreamReleases(context.Background(), query.Plan{}) {
		r.Platforms[0] = "mutated"
	}
	r, _ := repo.snapshot("r")
	if r.Platforms[0] != "site1" {
		t.Fatalf("stored aggregate mutated through stream: %v", r.Platforms)
	}
}
