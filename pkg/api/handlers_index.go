package api

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ethpandaops/perfstat/pkg/indexstore"
)

// indexedTest is a summary row with its response codes decoded.
type indexedTest struct {
	indexstore.TestSummary

	ResponseCodes map[string]int `json:"response_codes"`
}

func newIndexedTests(rows []indexstore.TestSummary) []indexedTest {
	out := make([]indexedTest, 0, len(rows))

	for _, row := range rows {
		codes, err := row.ResponseCodes()
		if err != nil {
			codes = map[string]int{}
		}

		out = append(out, indexedTest{TestSummary: row, ResponseCodes: codes})
	}

	return out
}

// handleIndexedBuilds returns the IDs of every exported build.
func (s *server) handleIndexedBuilds(w http.ResponseWriter, r *http.Request) {
	ids, err := s.opts.IndexStore.ListIndexedBuildIDs(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing indexed builds: " + err.Error()})

		return
	}

	if ids == nil {
		ids = []int64{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"builds": ids})
}

// handleIndexedTests returns the exported summaries of one build.
func (s *server) handleIndexedTests(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid build id"})

		return
	}

	rows, err := s.opts.IndexStore.ListTestSummaries(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing test summaries: " + err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, newIndexedTests(rows))
}

// handleTestHistory returns the exported summaries of one test across
// builds, newest first.
func (s *server) handleTestHistory(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil || name == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid test name"})

		return
	}

	rows, err := s.opts.IndexStore.ListTestHistory(r.Context(), name)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing test history: " + err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, newIndexedTests(rows))
}
