package httpx

import (
	"context"
	"errors"
	"net/http"

	"github.com/al4/orlo/internal/lifecycle"
	"github.com/al4/orlo/internal/service/release"
	"github.com/al4/orlo/internal/stream"
)

func (r *Router) handleCreateRelease(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		User       string     `json:"user"`
		Team       string     `json:"team"`
		Platforms  stringList `json:"platforms"`
		References stringList `json:"references"`
		Note       string     `json:"note"`
	}
	if err := decodeJSON(w, req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rel, err := r.releases.Create(req.Context(), release.CreateInput{
		User:       payload.User,
		Team:       payload.Team,
		Platforms:  payload.Platforms,
		References: payload.References,
		Note:       payload.Note,
	})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": rel.ID})
}

func (r *Router) handleStopRelease(w http.ResponseWriter, req *http.Request) {
	if err := r.releases.Stop(req.Context(), req.PathValue("release_id")); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleAddNote(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(w, req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := r.releases.AddNote(req.Context(), req.PathValue("release_id"), payload.Text); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleCreatePackage(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Name     string   `json:"name"`
		Version  string   `json:"version"`
		DiffURL  string   `json:"diff_url"`
		Rollback flexBool `json:"rollback"`
	}
	if err := decodeJSON(w, req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pkg, err := r.releases.CreatePackage(req.Context(), req.PathValue("release_id"), lifecycle.PackageInput{
		Name:     payload.Name,
		Version:  payload.Version,
		DiffURL:  payload.DiffURL,
		Rollback: bool(payload.Rollback),
	})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": pkg.ID})
}

func (r *Router) handleStartPackage(w http.ResponseWriter, req *http.Request) {
	if err := r.releases.StartPackage(req.Context(), req.PathValue("release_id"), req.PathValue("package_id")); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleStopPackage(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Success flexBool `json:"success"`
	}
	if err := decodeJSON(w, req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := r.releases.StopPackage(req.Context(), req.PathValue("release_id"), req.PathValue("package_id"), bool(payload.Success)); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleAddResult(w http.ResponseWriter, req *http.Request) {
	body, err := readBody(w, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "result body is required")
		return
	}
	if err := r.releases.AddResult(req.Context(), req.PathValue("release_id"), req.PathValue("package_id"), string(body)); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListReleases streams {"releases": [...]} for GET /releases and
// GET /releases/{release_id}. Errors raised before the first byte is written
// get a proper status; later ones can only truncate the body.
func (r *Router) handleListReleases(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	seq, err := r.releases.Query(ctx, req.PathValue("release_id"), req.URL.Query())
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}

	out := &countingWriter{ResponseWriter: w}
	w.Header().Set("Content-Type", "application/json")
	written, err := stream.WriteList(ctx, out, "releases", seq, stream.MarshalRelease)
	r.recordStreamed(written)
	if err == nil {
		return
	}
	if out.bytes == 0 {
		r.writeServiceError(w, req, err)
		return
	}
	if errors.Is(err, context.Canceled) {
		r.logger.Info("release stream cancelled", "path", req.URL.Path, "written", written)
		return
	}
	r.logger.Error("release stream aborted", "path", req.URL.Path, "written", written, "error", err)
}

type countingWriter struct {
	http.ResponseWriter
	bytes int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.ResponseWriter.Write(p)
	c.bytes += n
	return n, err
}

func (c *countingWriter) Flush() {
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
