package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/finmetrics/internal/config"
	"github.com/sells-group/finmetrics/internal/extract"
	"github.com/sells-group/finmetrics/internal/matcher"
	"github.com/sells-group/finmetrics/internal/model"
	"github.com/sells-group/finmetrics/internal/monitoring"
	"github.com/sells-group/finmetrics/internal/ontology"
	"github.com/sells-group/finmetrics/internal/store"
)

const maxRequestBytes = 10 << 20

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the metric resolution API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg, envOptions{Store: true})
		if err != nil {
			return err
		}
		defer env.Close()

		if cfg.Ontology.Watch && cfg.Ontology.Path != "" {
			go func() {
				if err := ontology.Watch(ctx, cfg.Ontology.Path, env.Holder, 0); err != nil {
					zap.L().Error("ontology watcher stopped", zap.Error(err))
				}
			}()
		}

		if cfg.Monitoring.Enabled && env.Store != nil {
			checker := monitoring.NewChecker(
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
			Handler:           buildRouter(env, cfg),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// api serves the HTTP endpoints over a resolve environment.
type api struct {
	env *resolveEnv
	cfg *config.Config
}

// buildRouter wires every route. env.Store may be nil, in which case the
// batch history endpoints answer 503.
func buildRouter(env *resolveEnv, c *config.Config) http.Handler {
	a := &api{env: env, cfg: c}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", a.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/resolve", a.resolve)
		r.Post("/match", a.match)
		r.Get("/ontology", a.ontologyInfo)
		r.Post("/ontology/reload", a.reloadOntology)
		r.Get("/batches", a.listBatches)
		r.Get("/batches/{id}", a.getBatch)
		r.Get("/entities/{entity}/metrics/{metric}", a.metricHistory)
		r.Get("/quality", a.quality)
	})
	return r
}

// requestLogger logs each request with zap.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
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
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"ontology": a.env.Holder.Load().Version(),
	})
}

// resolve runs one batch. The body is a JSON extraction document, or CSV
// when the content type is text/csv; the entity, period and profile query
// parameters override the document.
func (a *api) resolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	opts := extract.Options{Entity: q.Get("entity")}
	if p := q.Get("period"); p != "" {
		period, err := model.ParsePeriod(p)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid period: "+err.Error())
			return
		}
		opts.Period = period
	}

	body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	cat := extract.NewCatalog()
	var (
		ext *extract.Extraction
		err error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "text/csv") {
		ext, err = extract.ReadCSV(ctx, body, "request.csv", cat, opts)
	} else {
		ext, err = extract.ReadJSON(body, "request.json", cat, opts)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(ext.Observations) == 0 {
		writeError(w, http.StatusBadRequest, "no observations")
		return
	}

	batch := newRequestBatch(ext, q.Get("profile"))
	res, err := a.env.Coordinator(a.cfg, cat).Run(ctx, batch)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if a.env.Store != nil {
		if err := a.env.Store.SaveBatch(ctx, res); err != nil {
			zap.L().Error("save batch failed", zap.String("batch", res.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "save batch failed")
			return
		}
	}
	writeJSON(w, http.StatusOK, res)
}

type matchRequest struct {
	Labels []matchItem `json:"labels"`
}

type matchItem struct {
	Label    string `json:"label"`
	RawValue string `json:"raw_value,omitempty"`
}

type matchResponse struct {
	OntologyVersion string                `json:"ontology_version"`
	Mappings        []model.MappingResult `json:"mappings"`
}

// match maps labels without resolving values.
func (a *api) match(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Labels) == 0 {
		writeError(w, http.StatusBadRequest, "labels are required")
		return
	}

	snap := a.env.Matcher.Snapshot()
	items := make([]matcher.Item, len(req.Labels))
	for i, l := range req.Labels {
		items[i] = matcher.Item{Label: l.Label, Context: matcher.Context{RawValue: l.RawValue}}
	}
	if a.env.Embedder != nil {
		texts := make([]string, len(items))
		for i, it := range items {
			texts[i] = ontology.Normalize(it.Label)
		}
		vecs, err := a.env.Embedder.Embed(r.Context(), texts)
		if err != nil {
			zap.L().Warn("embedding failed, semantic matching skipped", zap.Error(err))
		} else if len(vecs) == len(items) {
			for i := range items {
				items[i].Context.Embedding = vecs[i]
			}
		}
	}

	mappings, err := a.env.Matcher.MatchAllWith(r.Context(), snap, items)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, matchResponse{OntologyVersion: snap.Version(), Mappings: mappings})
}

type ontologyResponse struct {
	Version    string `json:"version"`
	Generation uint64 `json:"generation"`
	Metrics    int    `json:"metrics"`
	Formulas   int    `json:"formulas"`
	Semantic   bool   `json:"semantic"`
}

func ontologySummary(s *ontology.Snapshot) ontologyResponse {
	return ontologyResponse{
		Version:    s.Version(),
		Generation: s.Generation(),
		Metrics:    len(s.IDs()),
		Formulas:   len(s.Formulas()),
		Semantic:   s.HasEmbeddings(),
	}
}

func (a *api) ontologyInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ontologySummary(a.env.Holder.Load()))
}

// reloadOntology re-reads the configured ontology file. Batches already
// running keep the snapshot they started with.
func (a *api) reloadOntology(w http.ResponseWriter, _ *http.Request) {
	if a.cfg.Ontology.Path == "" {
		writeError(w, http.StatusConflict, "no ontology file configured")
		return
	}
	snap, err := a.env.Holder.Reload(a.cfg.Ontology.Path)
	if err != nil {
		var verr *ontology.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":    "ontology is invalid",
				"problems": verr.Problems,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ontologySummary(snap))
}

func (a *api) listBatches(w http.ResponseWriter, r *http.Request) {
	if a.env.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "no store configured")
		return
	}
	q := r.URL.Query()
	filter := store.BatchFilter{Entity: q.Get("entity")}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	list, err := a.env.Store.ListBatches(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []store.BatchRecord{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *api) getBatch(w http.ResponseWriter, r *http.Request) {
	if a.env.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "no store configured")
		return
	}
	res, err := a.env.Store.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) metricHistory(w http.ResponseWriter, r *http.Request) {
	if a.env.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "no store configured")
		return
	}
	hist, err := a.env.Store.MetricHistory(r.Context(), chi.URLParam(r, "entity"), chi.URLParam(r, "metric"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if hist == nil {
		hist = []store.MetricRecord{}
	}
	writeJSON(w, http.StatusOK, hist)
}

// quality reports resolution quality over the last ?hours (default the
// monitoring lookback window).
func (a *api) quality(w http.ResponseWriter, r *http.Request) {
	if a.env.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "no store configured")
		return
	}
	hours := a.cfg.Monitoring.LookbackWindowHours
	if h := r.URL.Query().Get("hours"); h != "" {
		n, err := strconv.Atoi(h)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = n
	}
	snap, err := monitoring.NewCollector(a.env.Store).Collect(r.Context(), hours)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
