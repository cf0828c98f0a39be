// Package web serves a read-only view of the runs in a workspace.
package web

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lucasnoah/servicefactory/internal/db"
	"github.com/lucasnoah/servicefactory/internal/logging"
	"github.com/lucasnoah/servicefactory/internal/metrics"
)

//go:embed templates
var templateFS embed.FS

var funcMap = template.FuncMap{
	"badgeClass": func(status string) string {
		return "badge badge-" + strings.ReplaceAll(status, "_", "-")
	},
	"relTime": relTime,
}

// Server is the read-only status server.
type Server struct {
	workspace string
	db        *db.DB
	addr      string
	log       *logging.Logger

	dashboardTmpl *template.Template
}

// NewServer creates a Server over the workspace directory. database may be
// nil when no ledger is configured.
func NewServer(workspace string, database *db.DB, addr string, log *logging.Logger) *Server {
	return &Server{
		workspace:     workspace,
		db:            database,
		addr:          addr,
		log:           log.With("web"),
		dashboardTmpl: template.Must(template.New("").Funcs(funcMap).ParseFS(templateFS, "templates/dashboard.html")),
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/":
			s.handleDashboard(w, r)
		case r.URL.Path == "/api/runs" || r.URL.Path == "/api/runs/":
			s.handleRuns(w, r)
		case strings.HasPrefix(r.URL.Path, "/api/runs/"):
			s.routeRun(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/ledger", s.handleLedger)
	mux.HandleFunc("/api/analytics", s.handleAnalytics)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	return mux
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Infof("status server: http://%s", displayAddr(s.addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// routeRun dispatches /api/runs/{name}[/report].
func (s *Server) routeRun(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	switch {
	case len(parts) == 1:
		s.handleRun(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "report":
		s.handleReport(w, r, parts[0])
	default:
		http.NotFound(w, r)
	}
}

func displayAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}
