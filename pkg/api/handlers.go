package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ethpandaops/perfstat/pkg/storage"
	"github.com/ethpandaops/perfstat/pkg/testrun"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// testEntry is the list view of a test run.
type testEntry struct {
	FullName      string            `json:"full_name"`
	GroupName     string            `json:"group_name"`
	Outcome       testrun.Outcome   `json:"outcome"`
	Problems      []testrun.Problem `json:"problems,omitempty"`
	Samples       int               `json:"samples"`
	ResponseCodes map[string]int    `json:"response_codes"`
}

func newTestEntry(run *testrun.TestRun) testEntry {
	return testEntry{
		FullName:      run.FullName(),
		GroupName:     run.GroupName(),
		Outcome:       run.Outcome(),
		Problems:      run.Problems(),
		Samples:       run.SampleCount(),
		ResponseCodes: run.ResponseCodes(),
	}
}

func newTestEntries(runs []*testrun.TestRun) []testEntry {
	entries := make([]testEntry, 0, len(runs))
	for _, run := range runs {
		entries = append(entries, newTestEntry(run))
	}

	return entries
}

// testDetail is the full view of one test run.
type testDetail struct {
	testrun.Summary

	LogLines []testrun.LogLine `json:"log_lines"`
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListBuilds returns the stored build IDs and the cached build.
func (s *server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	ids, err := s.opts.Reader.ListBuildIDs(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list builds")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing builds"})

		return
	}

	if ids == nil {
		ids = []string{}
	}

	resp := map[string]any{"builds": ids}

	if id, ok := s.opts.Cache.CachedBuildID(); ok {
		resp["cached_build"] = id
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleBuild returns an overview of a build.
func (s *server) handleBuild(w http.ResponseWriter, r *http.Request) {
	build, ok := s.loadBuild(w, r)
	if !ok {
		return
	}

	ctx := r.Context()

	writeJSON(w, http.StatusOK, map[string]any{
		"id":        build.ID(),
		"failed":    len(s.opts.Cache.FailedTestRuns(ctx, build)),
		"succeeded": len(s.opts.Cache.SucceededTestRuns(ctx, build)),
		"titles":    nonNil(s.opts.Cache.LogColumnTitles(ctx, build)),
	})
}

// handleTitles returns the column titles of the build's aggregate log.
func (s *server) handleTitles(w http.ResponseWriter, r *http.Request) {
	build, ok := s.loadBuild(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"titles": nonNil(s.opts.Cache.LogColumnTitles(r.Context(), build)),
	})
}

// handleFailedTests returns the failed tests of a build.
func (s *server) handleFailedTests(w http.ResponseWriter, r *http.Request) {
	build, ok := s.loadBuild(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK,
		newTestEntries(s.opts.Cache.FailedTestRuns(r.Context(), build)))
}

// handleSucceededTests returns the succeeded tests of a build.
func (s *server) handleSucceededTests(w http.ResponseWriter, r *http.Request) {
	build, ok := s.loadBuild(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK,
		newTestEntries(s.opts.Cache.SucceededTestRuns(r.Context(), build)))
}

// handleTest returns one test of a build with its samples and log lines.
func (s *server) handleTest(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil || name == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid test name"})

		return
	}

	build, ok := s.loadBuild(w, r)
	if !ok {
		return
	}

	run, found := s.opts.Cache.FindTestByName(r.Context(), build, name)
	if !found {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"test not found"})

		return
	}

	writeJSON(w, http.StatusOK, testDetail{
		Summary:  run.Summarize(),
		LogLines: run.LogLines(),
	})
}

// loadBuild resolves the {id} URL parameter to a build descriptor, writing
// an error response when it cannot.
func (s *server) loadBuild(w http.ResponseWriter, r *http.Request) (*storage.Build, bool) {
	id := chi.URLParam(r, "id")

	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid build id"})

		return nil, false
	}

	build, err := storage.LoadBuild(r.Context(), s.opts.Reader, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{"build not found"})

			return nil, false
		}

		s.log.WithError(err).WithField("build_id", id).
			Error("Failed to load build")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"loading build"})

		return nil, false
	}

	return build, true
}

func nonNil(titles []string) []string {
	if titles == nil {
		return []string{}
	}

	return titles
}
