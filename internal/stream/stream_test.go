package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/al4/orlo/internal/domain"
)

var start = time.Date(2024, 2, 2, 10, 0, 0, 0, time.UTC)

func releases(n int) iter.Seq2[domain.Release, error] {
	return func(yield func(domain.Release, error) bool) {
		for i := range n {
			r := domain.Release{
				ID:        fmt.Sprintf("release-%03d", i),
				User:      "firstUser",
				Platforms: []string{"site1"},
				StartTime: start.Add(time.Duration(i) * time.Second),
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

type listEnvelope struct {
	Releases []ReleaseView `json:"releases"`
}

func TestWriteListRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 50} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			var buf bytes.Buffer
			written, err := WriteList(context.Background(), &buf, "releases", releases(n), MarshalRelease)
			require.NoError(t, err)
			assert.Equal(t, n, written)
			require.True(t, json.Valid(buf.Bytes()), buf.String())

			var env listEnvelope
			require.NoError(t, json.Unmarshal(buf.Bytes(), &env))
			require.NotNil(t, env.Releases)
			assert.Len(t, env.Releases, n)
			seen := map[string]bool{}
			for _, r := range env.Releases {
				assert.False(t, seen[r.ID], "duplicate %s", r.ID)
				seen[r.ID] = true
			}
		})
	}
}

func TestWriteListEmptyShape(t *testing.T) {
	var buf bytes.Buffer
	_, err := WriteList(context.Background(), &buf, "releases", releases(0), MarshalRelease)
	require.NoError(t, err)
	assert.Equal(t, `{"releases":[]}`, buf.String())
}

func TestWriteListErrorBeforeFirstElementWritesNothing(t *testing.T) {
	boom := errors.New("query failed")
	seq := func(yield func(domain.Release, error) bool) {
		yield(domain.Release{}, boom)
	}
	var buf bytes.Buffer
	written, err := WriteList(context.Background(), &buf, "releases", seq, MarshalRelease)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, written)
	assert.Zero(t, buf.Len())
}

type flushRecorder struct {
	bytes.Buffer
	flushes int
}

func (f *flushRecorder) Flush() { f.flushes++ }

func TestWriteListFlushesPerElement(t *testing.T) {
	rec := &flushRecorder{}
	_, err := WriteList(context.Background(), rec, "releases", releases(3), MarshalRelease)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.flushes)
}

func TestWriteListStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	closed := false
	pulled := 0
	seq := func(yield func(domain.Release, error) bool) {
		defer func() { closed = true }()
		for r := range releases(10) {
			pulled++
			if pulled == 2 {
				cancel()
			}
			if !yield(r, nil) {
				return
			}
		}
	}
	var buf bytes.Buffer
	written, err := WriteList(ctx, &buf, "releases", seq, MarshalRelease)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, written)
	assert.True(t, closed)
	assert.Equal(t, 2, pulled)
}

type failingWriter struct{ after int }

func (f *failingWriter) Write(p []byte) (int, error) {
	if f.after <= 0 {
		return 0, errors.New("client gone")
	}
	f.after--
	return len(p), nil
}

func TestWriteListStopsOnWriteError(t *testing.T) {
	pulled := 0
	seq := func(yield func(domain.Release, error) bool) {
		for r := range releases(10) {
			pulled++
			if !yield(r, nil) {
				return
			}
		}
	}
	_, err := WriteList(context.Background(), &failingWriter{after: 4}, "releases", seq, MarshalRelease)
	require.Error(t, err)
	assert.Less(t, pulled, 10)
}

func TestReleaseViewShape(t *testing.T) {
	finish := start.Add(90*time.Second + 700*time.Millisecond)
	pkgStart := start.Add(time.Second)
	ok := true
	r := domain.Release{
		ID:         "r1",
		User:       "alice",
		Team:       "A-Team",
		Platforms:  []string{"site1"},
		StartTime:  start,
		FinishTime: &finish,
		Notes:      []domain.ReleaseNote{{Content: "first"}},
		Packages: []domain.Package{{
			ID: "p1", Name: "test-package", Version: "1.0.1",
			StartTime: &pkgStart, FinishTime: &finish, Success: &ok,
			Results: []domain.PackageResult{{Content: `{"tests": "passed"}`, CreatedAt: finish}},
		}},
	}
	data, err := MarshalRelease(r)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, float64(90), got["duration"])
	assert.Equal(t, []any{"first"}, got["notes"])
	assert.Equal(t, []any{}, got["references"])

	pkgs := got["packages"].([]any)
	require.Len(t, pkgs, 1)
	pkg := pkgs[0].(map[string]any)
	assert.Equal(t, "SUCCESSFUL", pkg["status"])
	assert.Nil(t, pkg["diff_url"])
	assert.Equal(t, float64(89), pkg["duration"])
	results := pkg["results"].([]any)
	assert.Equal(t, `{"tests": "passed"}`, results[0].(map[string]any)["content"])
}

func TestReleaseViewOpenRelease(t *testing.T) {
	data, err := MarshalRelease(domain.Release{ID: "r", StartTime: start})
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Nil(t, got["ftime"])
	assert.Nil(t, got["duration"])
	assert.Equal(t, []any{}, got["packages"])
}
