package api

import "net/http"

// lastCycle handles GET /v1/cycles/last. It returns 404 until a cycle with
// watched links has finished.
func (s *Server) lastCycle(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Cycler == nil {
		s.writeError(w, http.StatusServiceUnavailable, "reporter unavailable")
		return
	}
	report, ok := s.deps.Cycler.LastReport()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no cycle has completed yet")
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// cacheStats handles GET /v1/cache/stats.
func (s *Server) cacheStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Cache == nil {
		s.writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Cache.Stats())
}
