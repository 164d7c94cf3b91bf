package stream

import (
	"encoding/json"
	"time"

	"github.com/al4/orlo/internal/domain"
)

// ReleaseView is the wire shape of a release aggregate.
type ReleaseView struct {
	ID         string        `json:"id"`
	User       string        `json:"user"`
	Team       string        `json:"team"`
	Platforms  []string      `json:"platforms"`
	References []string      `json:"references"`
	StartTime  time.Time     `json:"stime"`
	FinishTime *time.Time    `json:"ftime"`
	Duration   *int64        `json:"duration"`
	Notes      []string      `json:"notes"`
	Packages   []PackageView `json:"packages"`
}

// PackageView is the wire shape of a package.
type PackageView struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Version    string       `json:"version"`
	DiffURL    *string      `json:"diff_url"`
	Rollback   bool         `json:"rollback"`
	StartTime  *time.Time   `json:"stime"`
	FinishTime *time.Time   `json:"ftime"`
	Duration   *int64       `json:"duration"`
	Status     string       `json:"status"`
	Results    []ResultView `json:"results"`
}

// ResultView is the wire shape of a package result.
type ResultView struct {
	Content string    `json:"content"`
	Created time.Time `json:"created"`
}

// NewReleaseView converts a release aggregate. Durations are whole seconds,
// truncated; times are UTC.
func NewReleaseView(r domain.Release) ReleaseView {
	v := ReleaseView{
		ID:         r.ID,
		User:       r.User,
		Team:       r.Team,
		Platforms:  nonNil(r.Platforms),
		References: nonNil(r.References),
		StartTime:  r.StartTime.UTC(),
		FinishTime: utc(r.FinishTime),
		Notes:      make([]string, 0, len(r.Notes)),
		Packages:   make([]PackageView, 0, len(r.Packages)),
	}
	if d, ok := r.Duration(); ok {
		v.Duration = seconds(d)
	}
	for _, n := range r.Notes {
		v.Notes = append(v.Notes, n.Content)
	}
	for _, p := range r.Packages {
		pv := PackageView{
			ID:         p.ID,
			Name:       p.Name,
			Version:    p.Version,
			Rollback:   p.Rollback,
			StartTime:  utc(p.StartTime),
			FinishTime: utc(p.FinishTime),
			Status:     string(p.Status()),
			Results:    make([]ResultView, 0, len(p.Results)),
		}
		if p.DiffURL != "" {
			diff := p.DiffURL
			pv.DiffURL = &diff
		}
		if d, ok := p.Duration(); ok {
			pv.Duration = seconds(d)
		}
		for _, res := range p.Results {
			pv.Results = append(pv.Results, ResultView{Content: res.Content, Created: res.CreatedAt.UTC()})
		}
		v.Packages = append(v.Packages, pv)
	}
	return v
}

// MarshalRelease encodes one release for WriteList.
func MarshalRelease(r domain.Release) ([]byte, error) {
	return json.Marshal(NewReleaseView(r))
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func seconds(d time.Duration) *int64 {
	s := int64(d / time.Second)
	return &s
}
