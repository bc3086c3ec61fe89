package server

import (
	"errors"
	"fmt"
	"net/http"

	"cruncher/internal/orchestrator"
)

var exportContentTypes = map[string]string{
	orchestrator.ExportCSV:  "text/csv; charset=utf-8",
	orchestrator.ExportJSON: "application/json",
}

// serveExport streams a task's table, or its events when the pipeline
// produced no table, as CSV or JSON.
func (s *Server) serveExport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	format := r.URL.Query().Get("format")
	if format == "" {
		format = orchestrator.ExportCSV
	}
	contentType, ok := exportContentTypes[format]
	if !ok {
		http.Error(w, fmt.Sprintf("unsupported format %q", format), http.StatusBadRequest)
		return
	}
	if _, err := s.orch.Task(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.%s"`, id, format))
	s.metrics.exports.Inc()

	if err := s.orch.ExportTableResults(w, id, format); err != nil {
		// The task may have been released between the lookup and the
		// export; nothing has been written in that case.
		if errors.Is(err, orchestrator.ErrTaskNotFound) {
			w.Header().Del("Content-Disposition")
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		s.logger.Warn("export failed", "task", id, "format", format, "error", err)
	}
}
