package ml

import (
	"fmt"
	"math"
	"time"

	"fraudguard/internal/features"

	"github.com/rs/zerolog/log"
)

// MetricsInterface defines metrics methods needed by the pipeline
type MetricsInterface interface {
	MLPredictionsInc(label string)
	MLFailuresInc(kind string)
	MLLatencyObserve(float64)
	MLModelAgeSet(float64)
	MLPredictionScoresObserve(float64)
}

// PredictionResult is the outcome of scoring one transaction.
type PredictionResult struct {
	Label      Label   `json:"label"`
	ProbSafe   float64 `json:"prob_safe"`
	ProbFraud  float64 `json:"prob_fraud"`
	Confidence float64 `json:"confidence"`
}

// Pipeline chains derive -> encode -> scale -> assemble -> classify over one artifact.
// All fields are read-only after NewPipeline, so one Pipeline serves concurrent callers.
type Pipeline struct {
	artifact *Artifact
	encoder  *Encoder
	scaler   *Scaler
	adapter  *Adapter
	columns  []string
	metrics  MetricsInterface
}

// NewPipeline validates that the artifact's column order, encoding tables, scaling
// parameters and classifier agree, and fails with a *ConfigurationError otherwise.
// metrics may be nil.
func NewPipeline(a *Artifact, metrics MetricsInterface) (*Pipeline, error) {
	if a == nil || a.Model() == nil {
		return nil, configErrorf("artifact has no decoded classifier")
	}

	enc, err := NewEncoder(a.Encoders)
	if err != nil {
		return nil, err
	}
	sc, err := NewScaler(a.Scaler)
	if err != nil {
		return nil, err
	}
	if err := validateColumns(a.FeatureColumns, enc, sc, a.Model()); err != nil {
		return nil, err
	}
	if a.Metadata != nil {
		if err := validateImportances(a.Metadata.FeatureImportances, a.FeatureColumns); err != nil {
			return nil, err
		}
	}

	p := &Pipeline{
		artifact: a,
		encoder:  enc,
		scaler:   sc,
		adapter:  NewAdapter(a.Model()),
		columns:  append([]string(nil), a.FeatureColumns...),
		metrics:  metrics,
	}

	if metrics != nil && !a.ModTime.IsZero() {
		metrics.MLModelAgeSet(time.Since(a.ModTime).Seconds())
	}
	return p, nil
}

// LoadPipeline loads the artifact at path and builds a validated pipeline from it.
func LoadPipeline(path string, metrics MetricsInterface) (*Pipeline, error) {
	a, err := LoadArtifact(path)
	if err != nil {
		return nil, err
	}
	p, err := NewPipeline(a, metrics)
	if err != nil {
		log.Error().Err(err).Str("model_path", path).Msg("Model artifact is inconsistent")
		return nil, err
	}
	return p, nil
}

func validateColumns(columns []string, enc *Encoder, sc *Scaler, model Classifier) error {
	seen := make(map[string]bool, len(columns))
	for _, col := range columns {
		if seen[col] {
			return configErrorf("feature column %q listed twice", col)
		}
		seen[col] = true

		_, encoded := enc.codes[col]
		_, scaled := sc.Param(col)
		switch {
		case encoded && scaled:
			return configErrorf("column %q is both encoded and scaled", col)
		case features.IsCategorical(col) && !encoded:
			return configErrorf("categorical column %q has no encoding table", col)
		case features.IsNumerical(col) && !scaled:
			return configErrorf("numerical column %q has no scaling parameters", col)
		case !features.IsCategorical(col) && !features.IsNumerical(col):
			return configErrorf("column %q cannot be derived from a transaction", col)
		}
	}

	for _, f := range enc.Fields() {
		if !seen[f] {
			return configErrorf("encoded field %q missing from feature columns", f)
		}
	}
	for _, f := range sc.Fields() {
		if !seen[f] {
			return configErrorf("scaled field %q missing from feature columns", f)
		}
	}

	if fw, ok := model.(FeatureWidth); ok && fw.NumFeatures() != len(columns) {
		return configErrorf("classifier expects %d features, artifact lists %d columns", fw.NumFeatures(), len(columns))
	}
	return nil
}

// validateImportances accepts no importances at all, or one finite non-negative weight
// per feature column.
func validateImportances(importances map[string]float64, columns []string) error {
	if len(importances) == 0 {
		return nil
	}
	if len(importances) != len(columns) {
		return configErrorf("feature importances list %d columns, artifact lists %d", len(importances), len(columns))
	}
	for _, col := range columns {
		w, ok := importances[col]
		switch {
		case !ok:
			return configErrorf("feature column %q has no importance", col)
		case math.IsNaN(w) || math.IsInf(w, 0) || w < 0:
			return configErrorf("importance of %q must be finite and non-negative, got %v", col, w)
		}
	}
	return nil
}

// Artifact returns the artifact the pipeline was built from.
func (p *Pipeline) Artifact() *Artifact { return p.artifact }

// Columns returns the frozen feature column order.
func (p *Pipeline) Columns() []string { return append([]string(nil), p.columns...) }

// Encoder returns the categorical encoder.
func (p *Pipeline) Encoder() *Encoder { return p.encoder }

// Vector runs every stage up to the classifier and returns the assembled feature vector.
func (p *Pipeline) Vector(tx features.Transaction) ([]float64, error) {
	derived, err := features.Derive(tx)
	if err != nil {
		return nil, err
	}
	encoded, err := p.encoder.Encode(derived)
	if err != nil {
		return nil, err
	}
	scaled, err := p.scaler.Transform(encoded)
	if err != nil {
		return nil, err
	}
	return assemble(scaled, p.columns)
}

func assemble(fs FeatureSet, columns []string) ([]float64, error) {
	vec := make([]float64, len(columns))
	for i, col := range columns {
		v, ok := fs[col]
		if !ok {
			return nil, configErrorf("feature column %q missing from feature set", col)
		}
		vec[i] = v
	}
	return vec, nil
}

// PredictTransaction scores tx. Validation and unknown-category errors name the
// offending field; no error is retried.
func (p *Pipeline) PredictTransaction(tx features.Transaction) (PredictionResult, error) {
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.MLLatencyObserve(time.Since(start).Seconds())
		}
	}()

	res, err := p.predict(tx)
	if err != nil {
		if p.metrics != nil {
			p.metrics.MLFailuresInc(ErrorKind(err))
		}
		log.Debug().Err(err).Str("kind", ErrorKind(err)).Msg("Prediction rejected")
		return PredictionResult{}, err
	}

	p.RecordServed(res)
	return res, nil
}

// RecordServed counts a result served for this pipeline's artifact. Callers that
// return a stored result instead of calling PredictTransaction use it.
func (p *Pipeline) RecordServed(res PredictionResult) {
	if p.metrics != nil {
		p.metrics.MLPredictionsInc(res.Label.String())
		p.metrics.MLPredictionScoresObserve(res.ProbFraud)
	}
}

func (p *Pipeline) predict(tx features.Transaction) (PredictionResult, error) {
	vec, err := p.Vector(tx)
	if err != nil {
		return PredictionResult{}, err
	}
	label, proba, err := p.adapter.Classify(vec)
	if err != nil {
		return PredictionResult{}, fmt.Errorf("classify: %w", err)
	}
	return PredictionResult{
		Label:      label,
		ProbSafe:   proba.Safe,
		ProbFraud:  proba.Fraud,
		Confidence: Confidence(label, proba),
	}, nil
}
