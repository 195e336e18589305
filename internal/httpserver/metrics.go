package httpserver

import (
	"fmt"
	"net/http"
	"time"
)

// registerMetrics registers the unauthenticated /metrics endpoint in
// Prometheus text exposition format, the same hand-rolled style the teacher
// uses rather than a client library.
func (s *Server) registerMetrics(mux *http.ServeMux) {
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		s.writeMetrics(w)
	})
}

func (s *Server) writeMetrics(w http.ResponseWriter) {
	_, _ = fmt.Fprintf(w, "# HELP ingestd_uptime_seconds Seconds since server start.\n")
	_, _ = fmt.Fprintf(w, "# TYPE ingestd_uptime_seconds gauge\n")
	_, _ = fmt.Fprintf(w, "ingestd_uptime_seconds %.0f\n", time.Since(s.startTime).Seconds())

	_, _ = fmt.Fprintf(w, "# HELP ingestd_draining Whether the server is draining in-flight requests.\n")
	_, _ = fmt.Fprintf(w, "# TYPE ingestd_draining gauge\n")
	if s.draining.Load() {
		_, _ = fmt.Fprintf(w, "ingestd_draining 1\n")
	} else {
		_, _ = fmt.Fprintf(w, "ingestd_draining 0\n")
	}

	pipelines := s.pipeline.ActivePipelines()
	_, _ = fmt.Fprintf(w, "# HELP ingestd_active_pipelines_total Number of non-terminal pipelines.\n")
	_, _ = fmt.Fprintf(w, "# TYPE ingestd_active_pipelines_total gauge\n")
	var active int
	for _, p := range pipelines {
		if !p.Terminal {
			active++
		}
	}
	_, _ = fmt.Fprintf(w, "ingestd_active_pipelines_total %d\n", active)

	_, _ = fmt.Fprintf(w, "# HELP ingestd_pipeline_progress Overall progress per in-flight file.\n")
	_, _ = fmt.Fprintf(w, "# TYPE ingestd_pipeline_progress gauge\n")
	for _, p := range pipelines {
		if p.Terminal {
			continue
		}
		_, _ = fmt.Fprintf(w, "ingestd_pipeline_progress{fileId=%q,stage=%q} %.4f\n", p.FileID, p.CurrentStage, p.OverallProgress)
	}
}
