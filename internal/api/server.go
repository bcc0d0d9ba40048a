// Package api serves the inbound job-report surface and read views used by
// job runners and operators.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/meterlab/internal/apperr"
	"github.com/sells-group/meterlab/internal/jobs"
	"github.com/sells-group/meterlab/internal/model"
)

// maxBodyBytes bounds request bodies; a report may carry a batch of
// predictions.
const maxBodyBytes = 16 << 20

// ExperimentReader reads experiments.
type ExperimentReader interface {
	Get(ctx context.Context, id string) (*model.Experiment, error)
}

// Lifecycle is the part of the lifecycle manager the API uses.
type Lifecycle interface {
	jobs.Applier
	GetModel(ctx context.Context, id string) (*model.TrainedModel, error)
	GetEvaluation(ctx context.Context, id string) (*model.EvaluationRun, error)
	RecordPredictions(ctx context.Context, runID string, preds []model.Prediction) (int64, error)
}

// Options configures the router.
type Options struct {
	CORSOrigins []string
}

// Server holds the handlers' dependencies.
type Server struct {
	experiments ExperimentReader
	lifecycle   Lifecycle
	log         *zap.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(experiments ExperimentReader, lc Lifecycle, opts Options) http.Handler {
	s := &Server{
		experiments: experiments,
		lifecycle:   lc,
		log:         zap.L().With(zap.String("component", "api")),
	}

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs/report", s.reportJob)
		r.Get("/experiments/{id}", s.getExperiment)
		r.Get("/models/{id}", s.getModel)
		r.Get("/evaluations/{id}", s.getEvaluation)
		r.Post("/evaluations/{id}/predictions", s.recordPredictions)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) reportJob(w http.ResponseWriter, r *http.Request) {
	var rep jobs.Report
	if err := decodeBody(w, r, &rep); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.lifecycle.ApplyReport(r.Context(), "http", rep)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getExperiment(w http.ResponseWriter, r *http.Request) {
	e, err := s.experiments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) getModel(w http.ResponseWriter, r *http.Request) {
	m, err := s.lifecycle.GetModel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) getEvaluation(w http.ResponseWriter, r *http.Request) {
	run, err := s.lifecycle.GetEvaluation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type predictionBatch struct {
	Predictions []model.Prediction `json:"predictions"`
}

func (s *Server) recordPredictions(w http.ResponseWriter, r *http.Request) {
	var batch predictionBatch
	if err := decodeBody(w, r, &batch); err != nil {
		s.writeError(w, err)
		return
	}
	n, err := s.lifecycle.RecordPredictions(r.Context(), chi.URLParam(r, "id"), batch.Predictions)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"inserted": n})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validationf("request", "", "empty body")
		}
		return apperr.New(apperr.KindValidation, "request", "", eris.Wrap(err, "decode body"))
	}
	return nil
}

// errorBody is the structured error response.
type errorBody struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Entity string `json:"entity,omitempty"`
	ID     string `json:"id,omitempty"`
}

var statusByKind = map[apperr.Kind]int{
	apperr.KindValidation:   http.StatusBadRequest,
	apperr.KindNotFound:     http.StatusNotFound,
	apperr.KindConflict:     http.StatusConflict,
	apperr.KindPrecondition: http.StatusPreconditionFailed,
	apperr.KindTransient:    http.StatusServiceUnavailable,
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	ae, ok := apperr.As(err)
	if !ok {
		s.log.Error("unclassified error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	status := statusByKind[ae.Kind]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errorBody{
		Error:  err.Error(),
		Kind:   string(ae.Kind),
		Entity: ae.Entity,
		ID:     ae.ID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("write response", zap.Error(err))
	}
}
