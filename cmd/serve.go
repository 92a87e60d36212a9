package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-engine/internal/engine"
	"github.com/sells-group/evidence-engine/internal/ledger"
	"github.com/sells-group/evidence-engine/internal/model"
	"github.com/sells-group/evidence-engine/internal/monitoring"
	"github.com/sells-group/evidence-engine/internal/resilience"
	"github.com/sells-group/evidence-engine/internal/store"
)

var servePort int

// maxBatchBytes bounds the body of POST /v1/cycles.
const maxBatchBytes = 32 << 20

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the engine state and accept cycle batches over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		var checker *monitoring.Checker
		if cfg.Monitoring.Enabled {
			checker = monitoring.NewChecker(
				monitoring.NewCollector(env.Store),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
			)
			go checker.Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(env.Engine, checker, cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			_ = srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// api serves read access to the active snapshot and accepts batches.
type api struct {
	engine  *engine.Engine
	checker *monitoring.Checker
}

// newRouter builds the HTTP routes. checker may be nil when monitoring is
// disabled.
func newRouter(eng *engine.Engine, checker *monitoring.Checker, origins []string) http.Handler {
	a := &api{engine: eng, checker: checker}
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", a.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Get("/snapshot", a.snapshot)
		r.Get("/directive", a.directive)
		r.Get("/subjects/{id}", a.subject)
		r.Get("/evidence", a.evidence)
		r.Post("/cycles", a.runCycle)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok"}
	if a.checker != nil {
		if snap, alerts := a.checker.Last(); snap != nil {
			resp["metrics"] = snap
			resp["alerts"] = alerts
			if len(alerts) > 0 {
				resp["status"] = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) snapshot(w http.ResponseWriter, _ *http.Request) {
	snap, err := a.engine.Snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *api) directive(w http.ResponseWriter, _ *http.Request) {
	d := a.engine.Directive()
	if d == nil {
		writeError(w, http.StatusNotFound, "no directive yet")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *api) subject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, ok := a.engine.Subject(id)
	if !ok {
		writeError(w, http.StatusNotFound, "subject not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (a *api) evidence(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.Filter{
		Dimension:         q.Get("dimension"),
		Sector:            q.Get("sector"),
		Geography:         q.Get("geography"),
		Source:            q.Get("source"),
		Metric:            q.Get("metric"),
		Decision:          model.Decision(q.Get("decision")),
		IncludeSuperseded: q.Get("include_superseded") == "true",
	}
	for name, dst := range map[string]*int{"from_cycle": &f.FromCycle, "to_cycle": &f.ToCycle} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid "+name+": "+raw)
			return
		}
		*dst = n
	}

	records := a.engine.Evidence(f)
	if records == nil {
		records = []model.EvidenceRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *api) runCycle(w http.ResponseWriter, r *http.Request) {
	var batch model.Batch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBytes)).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch body")
		return
	}

	report, err := a.engine.RunCycle(r.Context(), batch)
	switch {
	case errors.Is(err, resilience.ErrCycleInProgress), errors.Is(err, store.ErrStaleParent):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrCycleOutOfOrder):
		writeError(w, http.StatusBadRequest, err.Error())
	case resilience.IsThresholdMisconfiguration(err):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		zap.L().Error("cycle request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, report)
	}
}
