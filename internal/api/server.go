// Package api exposes the fraud scoring pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"fraudguard/internal/features"
	"fraudguard/internal/ml"
	"fraudguard/internal/storage"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	maxBodyBytes  = 1 << 20
	maxHistoryCap = 10000
)

// ServerMetrics receives API, history and feed activity. *metrics.ServerWrapper implements it.
type ServerMetrics interface {
	RequestServed(route string, code int)
	HistoryWriteFailed()
}

// Broadcaster pushes stored records to live subscribers. *feed.Hub implements it.
type Broadcaster interface {
	Broadcast(v any)
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

type contextPredictor interface {
	PredictTransactionContext(ctx context.Context, tx features.Transaction) (ml.PredictionResult, error)
}

// Options wires the server's collaborators. Only Pipeline is required.
type Options struct {
	Pipeline *ml.Pipeline
	// Predictor defaults to Pipeline; set it to put a cache in front.
	Predictor      ml.TransactionPredictor
	History        *storage.Store
	Drift          *ml.DriftDetector
	Feed           Broadcaster
	Metrics        ServerMetrics
	Port           int
	HistoryLimit   int
	RequestTimeout time.Duration
	// RateLimit caps POST /predict at this many requests per second; 0 means unlimited.
	RateLimit int
	RateBurst int
}

// ModelServer provides HTTP API for fraud predictions
type ModelServer struct {
	opts      Options
	predictor ml.TransactionPredictor
	router    *mux.Router
	server    *http.Server
	limiter   *rate.Limiter
	started   time.Time
}

// PredictionResponse is the body returned by POST /predict.
type PredictionResponse struct {
	RequestID    string `json:"request_id"`
	ModelVersion string `json:"model_version"`
	ml.PredictionResult
	Risk      features.RiskProfile `json:"risk"`
	LatencyMs float64              `json:"latency_ms"`
	Timestamp time.Time            `json:"timestamp"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Field     string `json:"field,omitempty"`
	Value     any    `json:"value,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// NewModelServer creates a new HTTP server for model serving
func NewModelServer(opts Options) (*ModelServer, error) {
	if opts.Pipeline == nil {
		return nil, fmt.Errorf("model server needs a pipeline")
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 100
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}

	ms := &ModelServer{
		opts:      opts,
		predictor: opts.Predictor,
		started:   time.Now(),
	}
	if ms.predictor == nil {
		ms.predictor = opts.Pipeline
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = opts.RateLimit
		}
		ms.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	r := mux.NewRouter()
	r.HandleFunc("/predict", ms.instrument("/predict", ms.rateLimited(ms.handlePredict))).Methods(http.MethodPost)
	r.HandleFunc("/health", ms.instrument("/health", ms.handleHealth)).Methods(http.MethodGet)
	r.HandleFunc("/model/info", ms.instrument("/model/info", ms.handleModelInfo)).Methods(http.MethodGet)
	r.HandleFunc("/model/drift", ms.instrument("/model/drift", ms.handleDrift)).Methods(http.MethodGet)
	r.HandleFunc("/history", ms.instrument("/history", ms.handleHistory)).Methods(http.MethodGet)
	r.HandleFunc("/history.csv", ms.instrument("/history.csv", ms.handleHistoryCSV)).Methods(http.MethodGet)
	if opts.Feed != nil {
		r.Handle("/ws", opts.Feed).Methods(http.MethodGet)
	}
	ms.router = r

	ms.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           r,
		ReadHeaderTimeout: opts.RequestTimeout,
		ReadTimeout:       2 * opts.RequestTimeout,
		IdleTimeout:       120 * time.Second,
	}

	return ms, nil
}

// Handler returns the routed handler, for tests and embedding.
func (ms *ModelServer) Handler() http.Handler {
	return ms.router
}

// Start begins serving HTTP requests
func (ms *ModelServer) Start() error {
	log.Info().Str("addr", ms.server.Addr).Msg("Starting model server")
	return ms.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (ms *ModelServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.code = code
	sw.ResponseWriter.WriteHeader(code)
}

func (ms *ModelServer) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		h(sw, r)
		if ms.opts.Metrics != nil {
			ms.opts.Metrics.RequestServed(route, sw.code)
		}
	}
}

func (ms *ModelServer) rateLimited(h http.HandlerFunc) http.HandlerFunc {
	if ms.limiter == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !ms.limiter.Allow() {
			log.Warn().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remoteAddr", r.RemoteAddr).
				Msg("Rate limit exceeded")
			writeError(w, http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded", Kind: "rate_limited"})
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, resp ErrorResponse) {
	writeJSON(w, status, resp)
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

func (ms *ModelServer) handlePredict(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := requestID(r)
	w.Header().Set("X-Request-ID", reqID)

	var in features.TransactionInput
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{
			Error:     fmt.Sprintf("invalid request: %v", err),
			Kind:      "bad_request",
			RequestID: reqID,
		})
		return
	}
	tx, err := in.Transaction()
	if err != nil {
		ms.writePredictionError(w, reqID, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), ms.opts.RequestTimeout)
	defer cancel()

	var res ml.PredictionResult
	if cp, ok := ms.predictor.(contextPredictor); ok {
		res, err = cp.PredictTransactionContext(ctx, tx)
	} else {
		res, err = ms.predictor.PredictTransaction(tx)
	}
	if err != nil {
		ms.writePredictionError(w, reqID, err)
		return
	}

	now := time.Now()
	resp := PredictionResponse{
		RequestID:        reqID,
		ModelVersion:     ms.opts.Pipeline.Artifact().Version(),
		PredictionResult: res,
		Risk:             features.Profile(tx),
		LatencyMs:        float64(time.Since(start).Microseconds()) / 1000,
		Timestamp:        now,
	}

	if ms.opts.Drift != nil {
		ms.opts.Drift.Observe(tx)
	}
	ms.record(resp, tx)
	writeJSON(w, http.StatusOK, resp)
}

func (ms *ModelServer) writePredictionError(w http.ResponseWriter, reqID string, err error) {
	resp := ErrorResponse{Error: err.Error(), Kind: ml.ErrorKind(err), RequestID: reqID}

	var (
		verr *ml.ValidationError
		uerr *ml.UnknownCategoryError
	)
	switch {
	case errors.As(err, &verr):
		resp.Field, resp.Value = verr.Field, verr.Value
	case errors.As(err, &uerr):
		resp.Field, resp.Value = uerr.Field, uerr.Value
	}

	if ml.IsInputError(err) {
		writeError(w, http.StatusBadRequest, resp)
		return
	}
	log.Error().Err(err).Str("request_id", reqID).Msg("Prediction failed")
	writeError(w, http.StatusInternalServerError, resp)
}

// record appends the prediction to history and pushes it to the live feed.
// Neither can fail the request.
func (ms *ModelServer) record(resp PredictionResponse, tx features.Transaction) {
	rec := storage.PredictionRecord{
		RequestID:    resp.RequestID,
		Timestamp:    resp.Timestamp,
		ModelVersion: resp.ModelVersion,
		Transaction:  tx,
		Label:        resp.Label.String(),
		Confidence:   resp.Confidence,
		ProbSafe:     resp.ProbSafe * 100,
		ProbFraud:    resp.ProbFraud * 100,
	}

	if ms.opts.History != nil {
		if err := ms.opts.History.Append(rec); err != nil {
			log.Error().Err(err).Str("request_id", rec.RequestID).Msg("Failed to store prediction")
			if ms.opts.Metrics != nil {
				ms.opts.Metrics.HistoryWriteFailed()
			}
		}
	}
	if ms.opts.Feed != nil {
		ms.opts.Feed.Broadcast(rec)
	}
}

func (ms *ModelServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	a := ms.opts.Pipeline.Artifact()
	health := map[string]any{
		"status":         "ok",
		"model_version":  a.Version(),
		"model_path":     a.Path,
		"loaded_at":      a.LoadedAt,
		"uptime_seconds": time.Since(ms.started).Seconds(),
	}
	if ms.opts.History != nil {
		if n, err := ms.opts.History.Count(); err == nil {
			health["history_records"] = n
		} else {
			health["status"] = "degraded"
			health["history_error"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, health)
}

func (ms *ModelServer) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	p := ms.opts.Pipeline
	a := p.Artifact()

	classes := make(map[string][]string)
	for _, field := range p.Encoder().Fields() {
		classes[field] = p.Encoder().Classes(field)
	}

	info := map[string]any{
		"version":         a.Version(),
		"digest":          a.Digest,
		"schema_version":  a.SchemaVersion,
		"classifier":      a.Classifier.Type,
		"feature_columns": p.Columns(),
		"classes":         classes,
		"loaded_at":       a.LoadedAt,
	}
	if md := a.Metadata; md != nil {
		info["algorithm"] = md.Algorithm
		info["hyperparameters"] = md.Hyperparameters
		info["trained_at"] = md.TrainedAt
		info["training_rows"] = md.TrainingRows
		info["metrics"] = map[string]float64{
			"accuracy":  md.Accuracy,
			"precision": md.Precision,
			"recall":    md.Recall,
			"f1_score":  md.F1Score,
			"roc_auc":   md.ROCAUC,
		}
		if ranked := a.RankedImportances(); ranked != nil {
			info["feature_importances"] = ranked
		}
	}

	writeJSON(w, http.StatusOK, info)
}

func (ms *ModelServer) handleDrift(w http.ResponseWriter, r *http.Request) {
	if ms.opts.Drift == nil {
		writeError(w, http.StatusNotFound, ErrorResponse{Error: "drift monitoring is disabled", Kind: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, ms.opts.Drift.Report())
}

func (ms *ModelServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if ms.opts.History == nil {
		writeError(w, http.StatusNotFound, ErrorResponse{Error: "prediction history is disabled", Kind: "not_found"})
		return
	}

	limit := ms.opts.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxHistoryCap {
			writeError(w, http.StatusBadRequest, ErrorResponse{
				Error: fmt.Sprintf("limit must be an integer between 1 and %d", maxHistoryCap),
				Kind:  "bad_request", Field: "limit", Value: v,
			})
			return
		}
		limit = n
	}

	records, err := ms.opts.History.Recent(limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read prediction history")
		writeError(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to read history", Kind: "internal"})
		return
	}
	if records == nil {
		records = []storage.PredictionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func parseTimeParam(r *http.Request, name string, def time.Time) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp", name)
	}
	return t, nil
}

func (ms *ModelServer) handleHistoryCSV(w http.ResponseWriter, r *http.Request) {
	if ms.opts.History == nil {
		writeError(w, http.StatusNotFound, ErrorResponse{Error: "prediction history is disabled", Kind: "not_found"})
		return
	}

	from, err := parseTimeParam(r, "from", time.Unix(0, 0))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: "bad_request", Field: "from"})
		return
	}
	to, err := parseTimeParam(r, "to", time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: "bad_request", Field: "to"})
		return
	}

	filename := fmt.Sprintf("fraud_predictions_%s.csv", time.Now().Format("20060102_150405"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	n, err := ms.opts.History.ExportCSV(w, from, to)
	if err != nil {
		log.Error().Err(err).Msg("Failed to export prediction history")
		return
	}
	log.Debug().Int("records", n).Msg("Exported prediction history")
}
