package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestCreateReleaseSendsPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/releases" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body CreateReleaseInput
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.User != "alice" || len(body.Platforms) != 1 || body.Platforms[0] != "site1" {
			t.Errorf("unexpected body %+v", body)
		}
		_, _ = w.Write([]byte(`{"id":"rel-1"}`))
	}))
	defer srv.Close()

	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	id, err := cli.CreateRelease(context.Background(), CreateReleaseInput{User: "alice", Platforms: []string{"site1"}})
	if err != nil {
		t.Fatalf("create release: %v", err)
	}
	if id != "rel-1" {
		t.Fatalf("unexpected id %q", id)
	}
}

func TestAddResultSendsRawBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/releases/rel-1/packages/pkg-1/results" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		data, _ := io.ReadAll(r.Body)
		if string(data) != "build ok" {
			t.Errorf("unexpected body %q", data)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	if err := cli.AddResult(context.Background(), "rel-1", "pkg-1", "build ok"); err != nil {
		t.Fatalf("add result: %v", err)
	}
}

func TestListReleasesEncodesFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("user"); got != "alice" {
			t.Errorf("unexpected user filter %q", got)
		}
		_, _ = w.Write([]byte(`{"releases":[{"id":"rel-1","user":"alice","team":null,"platforms":["site1"],"references":[],"stime":"2024-03-01T09:00:00Z","ftime":null,"duration":null,"notes":[],"packages":[{"id":"pkg-1","name":"api","version":"1","diff_url":null,"rollback":false,"stime":null,"ftime":null,"duration":null,"status":"NOT_STARTED","results":[]}]}]}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	releases, err := cli.ListReleases(context.Background(), url.Values{"user": {"alice"}})
	if err != nil {
		t.Fatalf("list releases: %v", err)
	}
	if len(releases) != 1 || releases[0].ID != "rel-1" || releases[0].FinishTime != nil {
		t.Fatalf("unexpected releases %+v", releases)
	}
	if pkg := releases[0].Packages[0]; pkg.Status != "NOT_STARTED" || pkg.StartTime != nil {
		t.Fatalf("unexpected package %+v", pkg)
	}
}

func TestGetReleaseExcludedByFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"releases":[]}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	_, found, err := cli.GetRelease(context.Background(), "rel-1", url.Values{"user": {"bob"}})
	if err != nil {
		t.Fatalf("get release: %v", err)
	}
	if found {
		t.Fatalf("expected release to be excluded")
	}
}

func TestAPIErrorCarriesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"package already started"}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	err := cli.StartPackage(context.Background(), "rel-1", "pkg-1")
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Message != "package already started" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestNewDefaultsScheme(t *testing.T) {
	cli, err := New("orlo.internal:8080/")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if cli.baseURL != "http://orlo.internal:8080" {
		t.Fatalf("unexpected base url %q", cli.baseURL)
	}
}
